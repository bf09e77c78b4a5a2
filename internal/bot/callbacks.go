package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"feedlens/internal/feeds"
)

const (
	cmdEdit    = "edit"
	cmdFilters = "filters"
	cmdMore    = "more"
	cmdRmFeed  = "rmfeed"
	cmdShow    = "show"

	cbDefault       = "default"
	cbDelete        = "delete"
	cbDeleteConfirm = "delete_confirm"
)

// handleCallback dispatches inline keyboard presses of the form "<action>:<feed id>".
// Unknown actions, including "noop", are acknowledged and ignored.
func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if _, err := b.api.Send(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		b.log.Error("send callback ack", "error", err)
	}
	if cb.Message == nil {
		return
	}
	chatID := cb.Message.Chat.ID

	action, idStr, ok := strings.Cut(cb.Data, ":")
	if !ok {
		return
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return
	}

	b.log.Debug("callback", "action", action, "feed_id", id, "chat_id", chatID, "user_id", cb.From.ID)

	switch action {
	case cmdFilters:
		b.handleFilters(ctx, chatID, idStr)
	case cmdShow:
		b.handleShow(ctx, chatID, idStr)
	case cmdMore:
		b.handleMore(ctx, chatID)
	case cmdEdit:
		b.handleEdit(ctx, chatID, idStr)
	case cbDefault:
		b.handleDefault(ctx, chatID, idStr)
	case cbDeleteConfirm:
		b.confirmDelete(ctx, chatID, id)
	case cbDelete:
		b.handleRmFeed(ctx, chatID, idStr)
	}
}

// confirmDelete asks before a feed is deleted.
func (b *Bot) confirmDelete(ctx context.Context, chatID, feedID int64) {
	feed, err := b.ownedFeed(ctx, chatID, feedID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Feed #%d not found.", feedID))
		return
	}
	if feed.IsDefault {
		b.reply(chatID, userError(feeds.ErrCannotDeleteDefaultFeed))
		return
	}
	msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("Delete #%d \"%s\"? Its filter blocks are lost.", feedID, feed.Name))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Delete", callbackData(cbDelete, feedID)),
			tgbotapi.NewInlineKeyboardButtonData("Keep", callbackData("noop", feedID)),
		),
	)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send delete confirmation", "chat_id", chatID, "error", err)
	}
}

func callbackData(action string, feedID int64) string {
	return action + ":" + strconv.FormatInt(feedID, 10)
}

func feedKeyboard(feedID int64) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Show", callbackData(cmdShow, feedID)),
			tgbotapi.NewInlineKeyboardButtonData("Filters", callbackData(cmdFilters, feedID)),
			tgbotapi.NewInlineKeyboardButtonData("Edit", callbackData(cmdEdit, feedID)),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Make default", callbackData(cbDefault, feedID)),
			tgbotapi.NewInlineKeyboardButtonData("Delete", callbackData(cbDeleteConfirm, feedID)),
		),
	)
}
