package bot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/go-cmp/cmp"

	"feedlens/internal/builder"
	"feedlens/internal/cache"
	"feedlens/internal/config"
	"feedlens/internal/engine"
	"feedlens/internal/feeds"
	"feedlens/internal/filter"
	"feedlens/internal/model"
	"feedlens/internal/service"
	"feedlens/internal/storage"
)

// --- mocks ---

type sentMsg struct {
	ChatID      int64
	Text        string
	HasKeyboard bool
}

type mockAPI struct {
	mu   sync.Mutex
	sent []sentMsg
}

func (m *mockAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		m.mu.Lock()
		m.sent = append(m.sent, sentMsg{ChatID: msg.ChatID, Text: msg.Text, HasKeyboard: msg.ReplyMarkup != nil})
		m.mu.Unlock()
	}
	return tgbotapi.Message{}, nil
}

func (m *mockAPI) GetUpdatesChan(_ tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(tgbotapi.UpdatesChannel)
}

func (m *mockAPI) StopReceivingUpdates() {}

func (m *mockAPI) last() sentMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return sentMsg{}
	}
	return m.sent[len(m.sent)-1]
}

func (m *mockAPI) lastText() string {
	return m.last().Text
}

func (m *mockAPI) allTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, s := range m.sent {
		out[i] = s.Text
	}
	return out
}

func (m *mockAPI) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) error { return nil }

// --- helpers ---

const chat = int64(100)

type testEnv struct {
	bot   *Bot
	api   *mockAPI
	db    *storage.SQLite
	feeds *feeds.Store
}

func newTestBot(t *testing.T) *testEnv {
	t.Helper()
	db, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := feeds.NewStore(db, filter.NewCompiler(db), nopPublisher{}, log)
	svc := service.New(store, filter.NewCompiler(db), engine.New(db, db, 2, log), cache.New(time.Minute, log), service.Options{
		PageBudget:    5 * time.Second,
		PreviewBudget: 5 * time.Second,
		PageSize:      2,
	}, log)
	mgr := builder.NewManager(svc, store, db, builder.Config{Timeout: time.Minute, Debounce: time.Hour}, log)

	api := &mockAPI{}
	b := newBot(api, &config.Config{}, Deps{Feeds: store, Service: svc, Builder: mgr, Social: db}, log)
	return &testEnv{bot: b, api: api, db: db, feeds: store}
}

func (e *testEnv) run(t *testing.T, cmd, args string) string {
	t.Helper()
	return e.runAs(t, chat, cmd, args)
}

func (e *testEnv) runAs(t *testing.T, chatID int64, cmd, args string) string {
	t.Helper()
	text := "/" + cmd
	if args != "" {
		text += " " + args
	}
	e.bot.handleCommand(context.Background(), &tgbotapi.Message{
		Chat:     &tgbotapi.Chat{ID: chatID},
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len("/" + cmd)}},
	})
	return e.api.lastText()
}

func (e *testEnv) post(t *testing.T, id, author string, minutesAgo int, kind model.PostKind, tags ...string) {
	t.Helper()
	ctx := context.Background()
	if err := e.db.UpsertAuthor(ctx, author); err != nil {
		t.Fatalf("upsert author: %v", err)
	}
	entry := model.ContentEntry{
		ID:         id,
		AuthorID:   author,
		Kind:       kind,
		Tags:       tags,
		Title:      "post " + id,
		CreatedAt:  time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC).Add(-time.Duration(minutesAgo) * time.Minute),
		Visibility: model.VisibilityPublic,
	}
	if _, err := e.db.InsertEntry(ctx, &entry); err != nil {
		t.Fatalf("insert entry: %v", err)
	}
}

func requireContains(t *testing.T, got, want string) {
	t.Helper()
	if !strings.Contains(got, want) {
		t.Errorf("reply missing %q, got:\n%s", want, got)
	}
}

func requireNotContains(t *testing.T, got, unwanted string) {
	t.Helper()
	if strings.Contains(got, unwanted) {
		t.Errorf("reply unexpectedly contains %q:\n%s", unwanted, got)
	}
}

// --- handler tests ---

func TestHandleStart(t *testing.T) {
	env := newTestBot(t)
	requireContains(t, env.run(t, "start", ""), "Welcome to feedlens")

	list, err := env.feeds.ListForOwner(context.Background(), "100")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Name != feeds.DefaultFeedName || !list[0].IsDefault {
		t.Errorf("feeds after /start = %+v, want one default %q", list, feeds.DefaultFeedName)
	}

	env.run(t, "start", "")
	if list, _ := env.feeds.ListForOwner(context.Background(), "100"); len(list) != 1 {
		t.Errorf("second /start created another feed: %d feeds", len(list))
	}
}

func TestHandleHelp(t *testing.T) {
	env := newTestBot(t)
	reply := env.run(t, "help", "")
	for _, cmd := range []string{"/feeds", "/addblock", "/saveas", "/follow"} {
		requireContains(t, reply, cmd)
	}
}

func TestHandleNewFeedAndList(t *testing.T) {
	env := newTestBot(t)

	t.Run("usage", func(t *testing.T) {
		requireContains(t, env.run(t, "newfeed", ""), "usage: /newfeed")
	})

	t.Run("create", func(t *testing.T) {
		reply := env.run(t, "newfeed", "Art | drawings")
		requireContains(t, reply, `Feed #2 "Art" created`)
		if !env.api.last().HasKeyboard {
			t.Error("new feed reply should carry the feed keyboard")
		}
	})

	t.Run("duplicate name is case-insensitive", func(t *testing.T) {
		requireContains(t, env.run(t, "newfeed", "art"), "already have a feed")
	})

	t.Run("name too long", func(t *testing.T) {
		requireContains(t, env.run(t, "newfeed", strings.Repeat("x", 65)), "Invalid feed")
	})

	t.Run("list", func(t *testing.T) {
		reply := env.run(t, "feeds", "")
		requireContains(t, reply, "#1 Following [default]")
		requireContains(t, reply, "#2 Art")
		requireContains(t, reply, "drawings")
	})
}

func TestHandleRename(t *testing.T) {
	env := newTestBot(t)
	env.run(t, "newfeed", "Old | keep me")

	requireContains(t, env.run(t, "rename", "2"), "/rename")
	requireContains(t, env.run(t, "rename", "999 New"), "not found")
	requireContains(t, env.run(t, "rename", "2 New Name"), `renamed to "New Name"`)

	feed, err := env.feeds.Get(context.Background(), 2)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff([]string{"New Name", "keep me"}, []string{feed.Name, feed.Description}); diff != "" {
		t.Errorf("feed mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleRmFeedAndDefault(t *testing.T) {
	env := newTestBot(t)
	env.run(t, "newfeed", "Art")

	requireContains(t, env.run(t, "rmfeed", "abc"), "Usage: /rmfeed")
	requireContains(t, env.run(t, "rmfeed", "1"), "default feed cannot be deleted")

	requireContains(t, env.run(t, "default", "2"), `#2 "Art" is now your default feed`)
	requireContains(t, env.run(t, "rmfeed", "2"), "default feed cannot be deleted")
	requireContains(t, env.run(t, "rmfeed", "1"), `Feed #1 "Following" deleted`)

	list, err := env.feeds.ListForOwner(context.Background(), "100")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != 2 || !list[0].IsDefault {
		t.Errorf("remaining feeds = %+v, want only #2 as default", list)
	}
}

func TestFeedsOfOtherOwnersAreHidden(t *testing.T) {
	env := newTestBot(t)
	other, err := env.feeds.EnsureDefault(context.Background(), "200")
	if err != nil {
		t.Fatalf("ensure default: %v", err)
	}
	id := fmt.Sprint(other.ID)

	for _, cmd := range []string{"show", "filters", "edit", "rmfeed", "default"} {
		t.Run(cmd, func(t *testing.T) {
			requireContains(t, env.run(t, cmd, id), "not found")
		})
	}
}

func TestHandleShowAndMore(t *testing.T) {
	env := newTestBot(t)
	env.post(t, "p1", "bob", 1, model.PostText)
	env.post(t, "p2", "bob", 2, model.PostText)
	env.post(t, "p3", "bob", 3, model.PostText)
	env.post(t, "x1", "stranger", 0, model.PostText)

	requireContains(t, env.run(t, "more", ""), "Use /show")
	requireContains(t, env.run(t, "show", ""), "Nothing here yet")

	// the empty page was cached; following must invalidate it
	requireContains(t, env.run(t, "follow", "bob"), "Following bob")

	first := env.run(t, "show", "")
	requireContains(t, first, "post p1")
	requireContains(t, first, "post p2")
	requireContains(t, first, "/more")
	requireNotContains(t, first, "post x1")

	second := env.run(t, "more", "")
	requireContains(t, second, "post p3")
	requireNotContains(t, second, "post p1")
	requireNotContains(t, second, "/more")

	requireContains(t, env.run(t, "more", ""), "Use /show")
}

func TestHandleBlockHidesAuthor(t *testing.T) {
	env := newTestBot(t)
	env.post(t, "p1", "bob", 1, model.PostText)
	env.run(t, "follow", "bob")
	requireContains(t, env.run(t, "show", ""), "post p1")

	requireContains(t, env.run(t, "block", "bob"), "Blocked bob")
	requireNotContains(t, env.run(t, "show", ""), "post p1")

	requireContains(t, env.run(t, "unblock", "bob"), "Unblocked bob")
	requireContains(t, env.run(t, "show", ""), "post p1")

	requireContains(t, env.run(t, "follow", "100"), "That is you")
	requireContains(t, env.run(t, "unfollow", ""), "author ID is required")
}

func TestHandleBlockByAuthorHidesTheirPosts(t *testing.T) {
	env := newTestBot(t)
	env.post(t, "p1", "200", 1, model.PostText)
	env.run(t, "follow", "200")
	requireContains(t, env.run(t, "show", ""), "post p1")

	// the viewer's page is cached; the author blocking them must evict it
	requireContains(t, env.runAs(t, 200, "block", "100"), "Blocked 100")
	requireNotContains(t, env.run(t, "show", ""), "post p1")

	requireContains(t, env.runAs(t, 200, "unblock", "100"), "Unblocked 100")
	requireContains(t, env.run(t, "show", ""), "post p1")
}

func TestBuilderFlow(t *testing.T) {
	env := newTestBot(t)
	env.post(t, "p1", "bob", 1, model.PostImage, "art")
	env.post(t, "p2", "bob", 2, model.PostVideo, "travel")
	env.post(t, "p3", "bob", 3, model.PostText, "travel")
	env.run(t, "newfeed", "Art")

	requireContains(t, env.run(t, "addblock", "tag eq art"), "not editing")
	requireContains(t, env.run(t, "edit", "2"), `Editing #2 "Art" (version 1)`)
	requireContains(t, env.run(t, "edit", "1"), "already editing")

	requireContains(t, env.run(t, "addblock", "tag"), "usage: /addblock")
	requireContains(t, env.run(t, "addblock", "tag eq art"), `1. tag eq "art"`)
	reply := env.run(t, "addblock", "or type eq video")
	requireContains(t, reply, "OR")
	requireContains(t, reply, "2. post_type eq video")

	requireContains(t, env.run(t, "filters", ""), `Working copy of "Art"`)

	preview := env.run(t, "preview", "")
	requireContains(t, preview, "post p1")
	requireContains(t, preview, "post p2")
	requireNotContains(t, preview, "post p3")

	requireContains(t, env.run(t, "rmblock", "9"), "no block with that number")
	requireContains(t, env.run(t, "save", ""), `Saved #2 "Art" (version 2)`)
	requireContains(t, env.run(t, "save", ""), "not editing")

	requireContains(t, env.run(t, "filters", "2"), `Filters for #2 "Art" (version 2)`)
	shown := env.run(t, "show", "2")
	requireContains(t, shown, "post p1")
	requireContains(t, shown, "post p2")
}

func TestBuilderRejectsInvalidTree(t *testing.T) {
	env := newTestBot(t)
	env.run(t, "newfeed", "Art")
	env.run(t, "edit", "2")
	env.run(t, "addblock", "type contains image")

	requireContains(t, env.run(t, "save", ""), "Invalid filter")
	requireContains(t, env.run(t, "rmblock", "1"), "No filters")
	requireContains(t, env.run(t, "save", ""), "Saved #2")
}

func TestBuilderConflict(t *testing.T) {
	ctx := context.Background()
	env := newTestBot(t)
	env.run(t, "newfeed", "Art")
	env.run(t, "edit", "2")

	// another device saves first
	if _, err := env.feeds.UpdateFilters(ctx, "100", 2, []model.FilterBlock{
		{Kind: model.KindTag, Operator: model.OpEquals, Value: model.TagValue{Tag: "ink"}},
	}, 1); err != nil {
		t.Fatalf("concurrent update: %v", err)
	}

	env.run(t, "addblock", "tag eq paint")
	requireContains(t, env.run(t, "save", ""), "changed somewhere else")
	requireContains(t, env.run(t, "addblock", "tag eq more"), "can no longer change")

	drafts, err := env.db.ListDrafts(ctx, "100")
	if err != nil {
		t.Fatalf("drafts: %v", err)
	}
	if len(drafts) != 1 || drafts[0].Status != model.DraftConflict {
		t.Fatalf("drafts = %+v, want one conflict draft", drafts)
	}

	requireContains(t, env.run(t, "saveas", ""), "Usage: /saveas")
	requireContains(t, env.run(t, "saveas", "Paint"), `Saved as new feed #3 "Paint"`)

	stored, err := env.feeds.Get(ctx, 2)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Version != 2 {
		t.Errorf("original feed version = %d, want 2", stored.Version)
	}
	if drafts, _ := env.db.ListDrafts(ctx, "100"); len(drafts) != 0 {
		t.Errorf("drafts left after save as new: %d", len(drafts))
	}
}

func TestBuilderRetry(t *testing.T) {
	ctx := context.Background()
	env := newTestBot(t)
	env.run(t, "newfeed", "Art")

	requireContains(t, env.run(t, "retry", ""), "not editing")
	env.run(t, "edit", "2")
	requireContains(t, env.run(t, "retry", ""), "no conflict")

	if _, err := env.feeds.UpdateFilters(ctx, "100", 2, nil, 1); err != nil {
		t.Fatalf("concurrent update: %v", err)
	}
	env.run(t, "addblock", "tag eq paint")
	env.run(t, "save", "")

	requireContains(t, env.run(t, "retry", ""), "on top of version 2")
	requireContains(t, env.run(t, "save", ""), `Saved #2 "Art" (version 3)`)
}

func TestCancelAndDiscard(t *testing.T) {
	env := newTestBot(t)
	env.run(t, "newfeed", "Art")

	env.run(t, "edit", "2")
	requireContains(t, env.run(t, "cancel", ""), "Editing stopped")

	env.run(t, "edit", "2")
	env.run(t, "addblock", "tag eq art")
	requireContains(t, env.run(t, "cancel", ""), "unsaved changes")
	requireContains(t, env.run(t, "discard", ""), "Changes discarded")
	requireContains(t, env.run(t, "cancel", ""), "not editing")

	feed, err := env.feeds.Get(context.Background(), 2)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if feed.Version != 1 || len(feed.FilterBlocks) != 0 {
		t.Errorf("discarded edit changed the feed: %+v", feed)
	}
}

func TestDeliverPreview(t *testing.T) {
	env := newTestBot(t)

	env.bot.DeliverPreview(builder.PreviewResult{OwnerID: "100", Preview: service.Preview{PerformanceWarning: true}})
	got := env.api.last()
	if got.ChatID != chat {
		t.Errorf("chat = %d, want %d", got.ChatID, chat)
	}
	requireContains(t, got.Text, "[Preview]")
	requireContains(t, got.Text, "more than 10 filter blocks")

	env.bot.DeliverPreview(builder.PreviewResult{OwnerID: "100", Err: engine.ErrCorpusUnavailable})
	requireContains(t, env.api.lastText(), "Preview failed")

	env.api.reset()
	env.bot.DeliverPreview(builder.PreviewResult{OwnerID: "not-a-chat"})
	if n := len(env.api.allTexts()); n != 0 {
		t.Errorf("sent %d messages for an unknown owner, want 0", n)
	}
}

func TestHandleCommand(t *testing.T) {
	env := newTestBot(t)

	cmds := []struct {
		cmd      string
		contains string
	}{
		{"start", "Welcome"},
		{"help", "/newfeed"},
		{"feeds", "#1 Following"},
		{"unknown_cmd", "Unknown command"},
	}
	for _, tc := range cmds {
		env.api.reset()
		requireContains(t, env.run(t, tc.cmd, ""), tc.contains)
	}
}

func TestHandleCallback(t *testing.T) {
	ctx := context.Background()

	callback := func(id, data string) *tgbotapi.CallbackQuery {
		return &tgbotapi.CallbackQuery{
			ID:      id,
			Data:    data,
			From:    &tgbotapi.User{ID: chat},
			Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: chat}},
		}
	}

	t.Run("invalid data format", func(t *testing.T) {
		env := newTestBot(t)
		env.bot.handleCallback(ctx, callback("cb1", "nocolon"))
		if diff := cmp.Diff(0, len(env.api.allTexts())); diff != "" {
			t.Errorf("expected no text messages (-want +got):\n%s", diff)
		}
	})

	t.Run("invalid id", func(t *testing.T) {
		env := newTestBot(t)
		env.bot.handleCallback(ctx, callback("cb2", "filters:abc"))
		if diff := cmp.Diff(0, len(env.api.allTexts())); diff != "" {
			t.Errorf("expected no text messages (-want +got):\n%s", diff)
		}
	})

	t.Run("filters callback", func(t *testing.T) {
		env := newTestBot(t)
		env.run(t, "start", "")
		env.bot.handleCallback(ctx, callback("cb3", "filters:1"))
		requireContains(t, env.api.lastText(), `Filters for #1 "Following"`)
	})

	t.Run("show callback", func(t *testing.T) {
		env := newTestBot(t)
		env.run(t, "start", "")
		env.bot.handleCallback(ctx, callback("cb4", "show:1"))
		requireContains(t, env.api.lastText(), "[Following]")
	})

	t.Run("delete_confirm callback", func(t *testing.T) {
		env := newTestBot(t)
		env.run(t, "newfeed", "Art")
		env.bot.handleCallback(ctx, callback("cb5", "delete_confirm:2"))
		got := env.api.last()
		requireContains(t, got.Text, `Delete #2 "Art"?`)
		if !got.HasKeyboard {
			t.Error("confirmation should carry a keyboard")
		}
	})

	t.Run("delete_confirm on default feed", func(t *testing.T) {
		env := newTestBot(t)
		env.run(t, "start", "")
		env.bot.handleCallback(ctx, callback("cb8", "delete_confirm:1"))
		got := env.api.last()
		requireContains(t, got.Text, "default feed cannot be deleted")
		if got.HasKeyboard {
			t.Error("refusal should not carry a keyboard")
		}
	})

	t.Run("default callback", func(t *testing.T) {
		env := newTestBot(t)
		env.run(t, "newfeed", "Art")
		env.bot.handleCallback(ctx, callback("cb9", "default:2"))
		requireContains(t, env.api.lastText(), `#2 "Art" is now your default feed`)
	})

	t.Run("noop callback", func(t *testing.T) {
		env := newTestBot(t)
		env.bot.handleCallback(ctx, callback("cb10", "noop:2"))
		if n := len(env.api.allTexts()); n != 0 {
			t.Errorf("sent %d messages for noop, want 0", n)
		}
	})

	t.Run("delete callback", func(t *testing.T) {
		env := newTestBot(t)
		env.run(t, "newfeed", "Art")
		env.bot.handleCallback(ctx, callback("cb6", "delete:2"))
		requireContains(t, env.api.lastText(), `"Art" deleted`)
	})

	t.Run("edit callback", func(t *testing.T) {
		env := newTestBot(t)
		env.run(t, "newfeed", "Art")
		env.bot.handleCallback(ctx, callback("cb7", "edit:2"))
		requireContains(t, env.api.lastText(), `Editing #2 "Art"`)
	})
}
