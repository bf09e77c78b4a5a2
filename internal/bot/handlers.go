package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"feedlens/internal/builder"
	"feedlens/internal/engine"
	"feedlens/internal/feeds"
	"feedlens/internal/filter"
	"feedlens/internal/model"
)

func (b *Bot) handleStart(ctx context.Context, chatID int64) {
	owner := ownerOf(chatID)
	if _, err := b.feeds.EnsureDefault(ctx, owner); err != nil {
		b.log.Error("ensure default feed", "owner_id", owner, "error", err)
		b.reply(chatID, userError(err))
		return
	}

	text := `Welcome to feedlens!

Build your own feeds from filter blocks.

Quick start:
1. /show: your "Following" feed
2. /newfeed <name>: create another feed
3. /edit <id>, then /addblock tag contains art, then /save

Use /help for the full command reference.`

	results, err := b.builder.Replay(ctx, owner)
	if err != nil {
		b.log.Error("replay queued edits", "owner_id", owner, "error", err)
	} else if summary := FormatReplay(results); summary != "" {
		text += "\n\n" + summary
	}
	b.reply(chatID, text)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Feeds:
/feeds: list your feeds
/newfeed <name> [| description]: create a feed
/rename <id> <name>: rename a feed
/rmfeed <id>: delete a feed
/default <id>: make a feed your default
/show [id]: first page of a feed (default feed if omitted)
/more: next page
/filters [id]: show a feed's filter blocks

People:
/follow <author>, /unfollow <author>
/block <author>, /unblock <author>

Editing:
/edit <id>: start editing a feed
/addblock [and|or|not] [!]<type|author|tag|date|engagement> <op> <value>
/rmblock <n>: remove block n
/preview: preview the working copy
/save: save your changes
/cancel: stop editing
/discard: drop your changes

After a conflict:
/retry: apply your blocks on top of the latest version
/saveas <name>: save your blocks as a new feed
/discard: keep the other version`)
}

func (b *Bot) handleFeeds(ctx context.Context, chatID int64) {
	list, err := b.feeds.ListForOwner(ctx, ownerOf(chatID))
	if err != nil {
		b.reply(chatID, userError(err))
		return
	}
	b.reply(chatID, FormatFeedList(list))
}

func (b *Bot) handleNewFeed(ctx context.Context, chatID int64, args string) {
	name, description, err := ParseNewFeedArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	owner := ownerOf(chatID)
	if _, err := b.feeds.EnsureDefault(ctx, owner); err != nil {
		b.reply(chatID, userError(err))
		return
	}
	feed, err := b.feeds.Create(ctx, owner, name, description, nil)
	if err != nil {
		b.reply(chatID, userError(err))
		return
	}

	msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("Feed #%d \"%s\" created.\nIt shows posts from people you follow until you /edit %d.", feed.ID, feed.Name, feed.ID))
	msg.ReplyMarkup = feedKeyboard(feed.ID)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send new feed", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleRename(ctx context.Context, chatID int64, args string) {
	id, name, err := ParseRenameArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	feed, err := b.ownedFeed(ctx, chatID, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Feed #%d not found.", id))
		return
	}
	if _, err := b.feeds.Rename(ctx, ownerOf(chatID), id, name, feed.Description); err != nil {
		b.reply(chatID, userError(err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Feed #%d renamed to \"%s\".", id, name))
}

func (b *Bot) handleRmFeed(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /rmfeed <id>")
		return
	}
	feed, err := b.ownedFeed(ctx, chatID, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Feed #%d not found.", id))
		return
	}
	if err := b.feeds.Delete(ctx, ownerOf(chatID), id); err != nil {
		b.reply(chatID, userError(err))
		return
	}
	b.forgetPage(chatID, id)
	b.reply(chatID, fmt.Sprintf("Feed #%d \"%s\" deleted.", id, feed.Name))
}

func (b *Bot) handleDefault(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /default <id>")
		return
	}
	feed, err := b.ownedFeed(ctx, chatID, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Feed #%d not found.", id))
		return
	}
	if err := b.feeds.SetDefault(ctx, ownerOf(chatID), id); err != nil {
		b.reply(chatID, userError(err))
		return
	}
	b.reply(chatID, fmt.Sprintf("#%d \"%s\" is now your default feed.", id, feed.Name))
}

func (b *Bot) handleShow(ctx context.Context, chatID int64, args string) {
	var feed *model.FeedDefinition
	if args == "" {
		def, err := b.feeds.EnsureDefault(ctx, ownerOf(chatID))
		if err != nil {
			b.reply(chatID, userError(err))
			return
		}
		feed = def
	} else {
		id, err := ParseIDArg(args)
		if err != nil {
			b.reply(chatID, "Usage: /show [id]")
			return
		}
		if feed, err = b.ownedFeed(ctx, chatID, id); err != nil {
			b.reply(chatID, fmt.Sprintf("Feed #%d not found.", id))
			return
		}
	}
	b.showPage(ctx, chatID, pageState{feedID: feed.ID, name: feed.Name})
}

func (b *Bot) handleMore(ctx context.Context, chatID int64) {
	b.mu.Lock()
	st, ok := b.pages[chatID]
	b.mu.Unlock()
	if !ok {
		b.reply(chatID, "Nothing more to show. Use /show [id] first.")
		return
	}
	b.showPage(ctx, chatID, st)
}

func (b *Bot) showPage(ctx context.Context, chatID int64, st pageState) {
	page, err := b.service.Evaluate(ctx, st.feedID, st.cursor, 0)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidCursor) {
			b.forgetPage(chatID, st.feedID)
		}
		b.reply(chatID, userError(err))
		return
	}

	b.mu.Lock()
	if page.HasMore {
		st.cursor = page.NextCursor
		b.pages[chatID] = st
	} else {
		delete(b.pages, chatID)
	}
	b.mu.Unlock()

	b.reply(chatID, FormatPage(st.name, page))
}

func (b *Bot) forgetPage(chatID, feedID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.pages[chatID]; ok && st.feedID == feedID {
		delete(b.pages, chatID)
	}
}

type socialOp int

const (
	socialFollow socialOp = iota
	socialUnfollow
	socialBlock
	socialUnblock
)

func (b *Bot) handleSocial(ctx context.Context, chatID int64, args string, op socialOp) {
	author, err := ParseAuthorArg(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	owner := ownerOf(chatID)
	if author == owner {
		b.reply(chatID, "That is you.")
		return
	}

	var done string
	switch op {
	case socialFollow:
		err, done = b.social.Follow(ctx, owner, author), "Following"
	case socialUnfollow:
		err, done = b.social.Unfollow(ctx, owner, author), "Unfollowed"
	case socialBlock:
		err, done = b.social.Block(ctx, owner, author), "Blocked"
	case socialUnblock:
		err, done = b.social.Unblock(ctx, owner, author), "Unblocked"
	}
	if err != nil {
		b.log.Error("update social graph", "owner_id", owner, "author_id", author, "error", err)
		b.reply(chatID, userError(err))
		return
	}

	// Cached pages were computed with the old graph. Blocks hide posts in
	// both directions, so the other party's pages are stale too.
	b.invalidateOwner(ctx, owner)
	if op == socialBlock || op == socialUnblock {
		b.invalidateOwner(ctx, author)
	}
	b.reply(chatID, fmt.Sprintf("%s %s.", done, author))
}

func (b *Bot) invalidateOwner(ctx context.Context, ownerID string) {
	list, err := b.feeds.ListForOwner(ctx, ownerID)
	if err != nil {
		b.log.Warn("list feeds for invalidation", "owner_id", ownerID, "error", err)
		return
	}
	for _, f := range list {
		b.service.Invalidate(f.ID)
	}
}

func (b *Bot) handleFilters(ctx context.Context, chatID int64, args string) {
	if args == "" {
		if s, ok := b.builder.Active(ownerOf(chatID)); ok {
			b.reply(chatID, fmt.Sprintf("Working copy of \"%s\" (%s):\n\n%s", s.Name(), s.State(), FormatBlocks(s.Blocks())))
			return
		}
		b.reply(chatID, "Usage: /filters <id>")
		return
	}
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /filters <id>")
		return
	}
	feed, err := b.ownedFeed(ctx, chatID, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Feed #%d not found.", id))
		return
	}
	b.reply(chatID, FormatFilterList(feed))
}

func (b *Bot) handleEdit(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /edit <id>")
		return
	}
	owner := ownerOf(chatID)
	if s, ok := b.builder.Active(owner); ok {
		b.reply(chatID, fmt.Sprintf("You are already editing \"%s\". /save or /cancel first.", s.Name()))
		return
	}
	s, err := b.builder.Open(ctx, owner, id)
	if err != nil {
		if errors.Is(err, feeds.ErrNotFound) {
			b.reply(chatID, fmt.Sprintf("Feed #%d not found.", id))
			return
		}
		b.reply(chatID, userError(err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Editing #%d \"%s\" (version %d):\n\n%s\n\nUse /addblock, /rmblock, /preview, then /save.",
		id, s.Name(), s.BaseVersion(), FormatBlocks(s.Blocks())))
}

func (b *Bot) activeSession(chatID int64) (*builder.Session, bool) {
	s, ok := b.builder.Active(ownerOf(chatID))
	if !ok {
		b.reply(chatID, "You are not editing a feed. Use /edit <id> first.")
	}
	return s, ok
}

func (b *Bot) handleAddBlock(chatID int64, args string) {
	s, ok := b.activeSession(chatID)
	if !ok {
		return
	}
	parsed, err := ParseBlockArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	if err := s.AddBlock(parsed.Block); err != nil {
		b.reply(chatID, userError(err))
		return
	}
	if n := len(s.Blocks()); parsed.Join != "" && n > 1 {
		if err := s.SetConnective(n-2, parsed.Join); err != nil {
			b.reply(chatID, userError(err))
			return
		}
	}
	b.reply(chatID, "Working copy:\n\n"+FormatBlocks(s.Blocks()))
}

func (b *Bot) handleRmBlock(chatID int64, args string) {
	s, ok := b.activeSession(chatID)
	if !ok {
		return
	}
	n, err := strconv.Atoi(args)
	if err != nil {
		b.reply(chatID, "Usage: /rmblock <n>")
		return
	}
	if err := s.RemoveBlock(n - 1); err != nil {
		b.reply(chatID, userError(err))
		return
	}
	b.reply(chatID, "Working copy:\n\n"+FormatBlocks(s.Blocks()))
}

func (b *Bot) handlePreview(ctx context.Context, chatID int64) {
	s, ok := b.activeSession(chatID)
	if !ok {
		return
	}
	p, err := s.PreviewNow(ctx)
	if err != nil {
		b.reply(chatID, userError(err))
		return
	}
	b.reply(chatID, FormatPreview(p))
}

func (b *Bot) handleSave(ctx context.Context, chatID int64) {
	s, ok := b.activeSession(chatID)
	if !ok {
		return
	}
	feed, err := s.Save(ctx)
	switch {
	case err == nil:
		b.reply(chatID, fmt.Sprintf("Saved #%d \"%s\" (version %d).", feed.ID, feed.Name, feed.Version))
	case errors.Is(err, feeds.ErrVersionConflict):
		b.reply(chatID, `This feed was changed somewhere else while you were editing.
Your blocks are kept as a draft. Choose:
/retry: apply your blocks on top of the latest version
/saveas <name>: save your blocks as a new feed
/discard: keep the other version`)
	case isInputError(err):
		b.reply(chatID, userError(err))
	default:
		b.log.Error("save feed", "owner_id", s.OwnerID, "feed_id", s.FeedID, "error", err)
		if _, qerr := b.builder.Enqueue(ctx, s); qerr != nil {
			b.log.Error("queue draft", "owner_id", s.OwnerID, "error", qerr)
			b.reply(chatID, userError(err))
			return
		}
		b.reply(chatID, "Could not save right now. Your edit is queued and will be applied on your next /start.")
	}
}

func (b *Bot) handleCancel(ctx context.Context, chatID int64) {
	s, ok := b.activeSession(chatID)
	if !ok {
		return
	}
	if err := s.Leave(ctx, false); err != nil {
		if errors.Is(err, builder.ErrUnsavedChanges) {
			b.reply(chatID, "You have unsaved changes. /save them or /discard them.")
			return
		}
		b.reply(chatID, userError(err))
		return
	}
	b.reply(chatID, "Editing stopped.")
}

func (b *Bot) handleDiscard(ctx context.Context, chatID int64) {
	s, ok := b.activeSession(chatID)
	if !ok {
		return
	}
	if err := s.Discard(ctx); err != nil {
		b.reply(chatID, userError(err))
		return
	}
	b.reply(chatID, "Changes discarded.")
}

func (b *Bot) handleRetry(ctx context.Context, chatID int64) {
	s, ok := b.activeSession(chatID)
	if !ok {
		return
	}
	if err := s.RetryOnLatest(ctx); err != nil {
		b.reply(chatID, userError(err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Your blocks now apply on top of version %d. /save to store them.", s.BaseVersion()))
}

func (b *Bot) handleSaveAs(ctx context.Context, chatID int64, args string) {
	if args == "" {
		b.reply(chatID, "Usage: /saveas <name>")
		return
	}
	s, ok := b.activeSession(chatID)
	if !ok {
		return
	}
	feed, err := s.SaveAsNew(ctx, args)
	if err != nil {
		b.reply(chatID, userError(err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Saved as new feed #%d \"%s\".", feed.ID, feed.Name))
}

func (b *Bot) ownedFeed(ctx context.Context, chatID, feedID int64) (*model.FeedDefinition, error) {
	feed, err := b.feeds.Get(ctx, feedID)
	if err != nil {
		return nil, err
	}
	if feed.OwnerID != ownerOf(chatID) {
		return nil, feeds.ErrNotFound
	}
	return feed, nil
}

func isInputError(err error) bool {
	for _, target := range []error{
		feeds.ErrInvalidFeed, feeds.ErrDuplicateFeedName, feeds.ErrNotFound,
		filter.ErrTooManyBlocks, filter.ErrInvalidValueShape, filter.ErrUnknownFilterKind,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// userError turns a service error into a chat reply.
func userError(err error) string {
	switch {
	case errors.Is(err, feeds.ErrNotFound):
		return "Feed not found."
	case errors.Is(err, feeds.ErrDuplicateFeedName):
		return "You already have a feed with that name."
	case errors.Is(err, feeds.ErrInvalidFeed):
		return "Invalid feed: " + err.Error()
	case errors.Is(err, feeds.ErrCannotDeleteDefaultFeed):
		return "Your default feed cannot be deleted. Make another feed the /default first."
	case errors.Is(err, feeds.ErrCannotDeleteLastFeed):
		return "You cannot delete your last feed."
	case errors.Is(err, feeds.ErrVersionConflict):
		return "This feed was changed somewhere else."
	case errors.Is(err, filter.ErrTooManyBlocks),
		errors.Is(err, filter.ErrInvalidValueShape),
		errors.Is(err, filter.ErrUnknownFilterKind):
		return "Invalid filter: " + err.Error()
	case errors.Is(err, engine.ErrInvalidCursor):
		return "That page is no longer available. Use /show to start over."
	case errors.Is(err, engine.ErrCorpusUnavailable):
		return "Feeds are temporarily unavailable. Try again shortly."
	case errors.Is(err, builder.ErrSessionClosed):
		return "This edit can no longer change. After a conflict use /retry, /saveas <name> or /discard."
	case errors.Is(err, builder.ErrNoConflict):
		return "There is no conflict to resolve."
	case errors.Is(err, builder.ErrBlockIndex):
		return "There is no block with that number."
	}
	return "Error: " + err.Error()
}
