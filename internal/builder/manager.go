package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"feedlens/internal/feeds"
	"feedlens/internal/model"
	"feedlens/internal/storage"
)

// Config tunes session behaviour.
type Config struct {
	// Timeout closes sessions left idle this long.
	Timeout time.Duration
	// Debounce coalesces edits arriving within this window into one preview.
	Debounce time.Duration
	// OnPreview receives completed debounced previews.
	OnPreview func(PreviewResult)
}

// Manager is the registry of active builder sessions.
type Manager struct {
	sessions  *cache.Cache
	backend   Backend
	feeds     FeedEditor
	drafts    storage.DraftStore
	debounce  time.Duration
	onPreview func(PreviewResult)
	now       func() time.Time
	logger    *slog.Logger
}

// NewManager creates a Manager.
func NewManager(backend Backend, editor FeedEditor, drafts storage.DraftStore, cfg Config, logger *slog.Logger) *Manager {
	cleanup := cfg.Timeout / 2
	if cleanup < time.Second {
		cleanup = time.Second
	}
	m := &Manager{
		sessions:  cache.New(cfg.Timeout, cleanup),
		backend:   backend,
		feeds:     editor,
		drafts:    drafts,
		debounce:  cfg.Debounce,
		onPreview: cfg.OnPreview,
		now:       time.Now,
		logger:    logger,
	}
	m.sessions.OnEvicted(func(id string, v any) {
		v.(*Session).close()
		logger.Debug("builder session closed", "session_id", id)
	})
	return m
}

// Open starts editing an existing feed owned by ownerID. Sessions on other
// devices stay open and conflict on save.
func (m *Manager) Open(ctx context.Context, ownerID string, feedID int64) (*Session, error) {
	feed, err := m.feeds.Get(ctx, feedID)
	if err != nil {
		return nil, err
	}
	if feed.OwnerID != ownerID {
		return nil, fmt.Errorf("feed %d: %w", feedID, feeds.ErrNotFound)
	}
	return m.register(newSession(m, ownerID, feed, "")), nil
}

// OpenNew starts building a feed that is created on save.
func (m *Manager) OpenNew(ownerID, name string) *Session {
	return m.register(newSession(m, ownerID, nil, name))
}

func (m *Manager) register(s *Session) *Session {
	m.sessions.Set(s.ID, s, cache.DefaultExpiration)
	m.logger.Debug("builder session opened", "session_id", s.ID, "owner_id", s.OwnerID, "feed_id", s.FeedID)
	return s
}

// Get returns a live session and extends its lifetime.
func (m *Manager) Get(id string) (*Session, error) {
	v, ok := m.sessions.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	s := v.(*Session)
	m.sessions.Set(id, s, cache.DefaultExpiration)
	return s, nil
}

// Active returns a session of the owner, if any. Callers that want one
// session per owner close the previous one before opening another.
func (m *Manager) Active(ownerID string) (*Session, bool) {
	for id, item := range m.sessions.Items() {
		if s := item.Object.(*Session); s.OwnerID == ownerID {
			m.sessions.Set(id, s, cache.DefaultExpiration)
			return s, true
		}
	}
	return nil, false
}

func (m *Manager) remove(id string) {
	m.sessions.Delete(id)
}

func (m *Manager) deliver(r PreviewResult) {
	if m.onPreview != nil {
		m.onPreview(r)
	}
}

// Enqueue moves a session into the offline queue: the working copy is
// persisted as a queued draft and the session is closed.
func (m *Manager) Enqueue(ctx context.Context, s *Session) (*model.Draft, error) {
	s.mu.Lock()
	if err := s.editable(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	d := &model.Draft{
		ID:          uuid.NewString(),
		OwnerID:     s.OwnerID,
		FeedID:      s.FeedID,
		Name:        s.name,
		BaseVersion: s.baseVersion,
		Blocks:      model.CloneBlocks(s.working),
		Status:      model.DraftQueued,
	}
	s.mu.Unlock()

	if err := m.drafts.SaveDraft(ctx, d); err != nil {
		return nil, fmt.Errorf("queue draft: %w", err)
	}
	s.mu.Lock()
	s.state = StateDiscarded
	s.dirty = false
	s.mu.Unlock()
	m.remove(s.ID)
	return d, nil
}

// ReplayResult reports what happened to one queued draft.
type ReplayResult struct {
	Draft model.Draft
	Feed  *model.FeedDefinition
	Err   error
}

// Replay retries the owner's queued drafts in order. Successful drafts are
// removed; version conflicts become detached drafts; other failures stay
// queued.
func (m *Manager) Replay(ctx context.Context, ownerID string) ([]ReplayResult, error) {
	drafts, err := m.drafts.ListDrafts(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list drafts: %w", err)
	}

	var results []ReplayResult
	for _, d := range drafts {
		if d.Status != model.DraftQueued {
			continue
		}
		res := ReplayResult{Draft: d}
		res.Feed, res.Err = m.replayOne(ctx, d)
		switch {
		case res.Err == nil:
			if err := m.drafts.DeleteDraft(ctx, d.ID); err != nil {
				m.logger.Error("delete replayed draft", "draft_id", d.ID, "error", err)
			}
		case errors.Is(res.Err, feeds.ErrVersionConflict):
			d.Status = model.DraftConflict
			if err := m.drafts.SaveDraft(ctx, &d); err != nil {
				m.logger.Error("detach conflicted draft", "draft_id", d.ID, "error", err)
			}
			res.Draft = d
		default:
			m.logger.Warn("queued draft not applied", "draft_id", d.ID, "error", res.Err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (m *Manager) replayOne(ctx context.Context, d model.Draft) (*model.FeedDefinition, error) {
	if _, err := m.backend.Validate(ctx, d.Blocks); err != nil {
		return nil, err
	}
	if d.FeedID == 0 {
		return m.feeds.Create(ctx, d.OwnerID, d.Name, "", d.Blocks)
	}
	return m.feeds.UpdateFilters(ctx, d.OwnerID, d.FeedID, d.Blocks, d.BaseVersion)
}

// Drafts lists the owner's queued and detached drafts.
func (m *Manager) Drafts(ctx context.Context, ownerID string) ([]model.Draft, error) {
	return m.drafts.ListDrafts(ctx, ownerID)
}
