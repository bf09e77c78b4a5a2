// Package bot is the Telegram presentation layer: feed management, browsing
// and the interactive feed builder.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"feedlens/internal/builder"
	"feedlens/internal/config"
	"feedlens/internal/feeds"
	"feedlens/internal/service"
	"feedlens/internal/storage"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Deps are the services the bot drives.
type Deps struct {
	Feeds   *feeds.Store
	Service *service.Service
	Builder *builder.Manager
	Social  storage.Social
}

// pageState remembers where /more continues for a chat.
type pageState struct {
	feedID int64
	name   string
	cursor string
}

// Bot is the Telegram bot that handles user commands.
type Bot struct {
	api     telegramAPI
	cfg     *config.Config
	feeds   *feeds.Store
	service *service.Service
	builder *builder.Manager
	social  storage.Social
	log     *slog.Logger

	mu    sync.Mutex
	pages map[int64]pageState
}

// New creates a Bot with the given Telegram token.
func New(token string, cfg *config.Config, deps Deps, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return newBot(api, cfg, deps, log), nil
}

func newBot(api telegramAPI, cfg *config.Config, deps Deps, log *slog.Logger) *Bot {
	return &Bot{
		api:     api,
		cfg:     cfg,
		feeds:   deps.Feeds,
		service: deps.Service,
		builder: deps.Builder,
		social:  deps.Social,
		log:     log,
		pages:   make(map[int64]pageState),
	}
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.CallbackQuery != nil {
				if !b.cfg.IsUserAllowed(update.CallbackQuery.From.ID) {
					continue
				}
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if !b.cfg.IsUserAllowed(update.Message.From.ID) {
				b.reply(update.Message.Chat.ID, "Access denied.")
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

// SendMessage sends a text message to the given chat.
func (b *Bot) SendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

// DeliverPreview sends a completed debounced preview to the session owner.
func (b *Bot) DeliverPreview(r builder.PreviewResult) {
	chatID, err := strconv.ParseInt(r.OwnerID, 10, 64)
	if err != nil {
		b.log.Error("preview for unknown chat", "owner_id", r.OwnerID)
		return
	}
	if r.Err != nil {
		b.reply(chatID, "Preview failed: "+userError(r.Err))
		return
	}
	b.reply(chatID, FormatPreview(r.Preview))
}

func (b *Bot) reply(chatID int64, text string) {
	b.SendMessage(chatID, text)
}

// ownerOf maps a private chat to the feed owner ID.
func ownerOf(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(ctx, chatID)
	case "help":
		b.handleHelp(chatID)
	case "feeds":
		b.handleFeeds(ctx, chatID)
	case "newfeed":
		b.handleNewFeed(ctx, chatID, args)
	case "rename":
		b.handleRename(ctx, chatID, args)
	case cmdRmFeed:
		b.handleRmFeed(ctx, chatID, args)
	case "default":
		b.handleDefault(ctx, chatID, args)
	case cmdShow:
		b.handleShow(ctx, chatID, args)
	case cmdMore:
		b.handleMore(ctx, chatID)
	case "follow":
		b.handleSocial(ctx, chatID, args, socialFollow)
	case "unfollow":
		b.handleSocial(ctx, chatID, args, socialUnfollow)
	case "block":
		b.handleSocial(ctx, chatID, args, socialBlock)
	case "unblock":
		b.handleSocial(ctx, chatID, args, socialUnblock)
	case cmdFilters:
		b.handleFilters(ctx, chatID, args)
	case cmdEdit:
		b.handleEdit(ctx, chatID, args)
	case "addblock":
		b.handleAddBlock(chatID, args)
	case "rmblock":
		b.handleRmBlock(chatID, args)
	case "preview":
		b.handlePreview(ctx, chatID)
	case "save":
		b.handleSave(ctx, chatID)
	case "cancel":
		b.handleCancel(ctx, chatID)
	case "discard":
		b.handleDiscard(ctx, chatID)
	case "retry":
		b.handleRetry(ctx, chatID)
	case "saveas":
		b.handleSaveAs(ctx, chatID, args)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}
