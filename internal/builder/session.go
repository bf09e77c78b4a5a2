// Package builder tracks in-progress edits of feed definitions: dirty state,
// debounced live previews, conflict handling and the offline queue.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"feedlens/internal/feeds"
	"feedlens/internal/filter"
	"feedlens/internal/model"
	"feedlens/internal/service"
	"feedlens/internal/storage"
)

// State is a builder session lifecycle state.
type State string

// Session states. Saved and Discarded are terminal; ConflictDetected waits
// for the user to pick a resolution.
const (
	StateEditing          State = "editing"
	StatePreviewing       State = "previewing"
	StateSaving           State = "saving"
	StateSaved            State = "saved"
	StateConflictDetected State = "conflict_detected"
	StateDiscarded        State = "discarded"
)

// Session errors.
var (
	ErrUnsavedChanges  = errors.New("unsaved changes")
	ErrSessionClosed   = errors.New("session closed")
	ErrNoConflict      = errors.New("session has no conflict to resolve")
	ErrSessionNotFound = errors.New("session not found")
	ErrBlockIndex      = errors.New("block index out of range")
)

// Backend compiles and previews filter trees.
type Backend interface {
	Preview(ctx context.Context, ownerID string, blocks []model.FilterBlock) (service.Preview, error)
	Validate(ctx context.Context, blocks []model.FilterBlock) (*filter.Compiled, error)
}

// FeedEditor is the feed store surface a session writes through.
type FeedEditor interface {
	Get(ctx context.Context, feedID int64) (*model.FeedDefinition, error)
	Create(ctx context.Context, ownerID, name, description string, blocks []model.FilterBlock) (*model.FeedDefinition, error)
	UpdateFilters(ctx context.Context, ownerID string, feedID int64, blocks []model.FilterBlock, baseVersion int64) (*model.FeedDefinition, error)
}

// PreviewResult is delivered after each completed debounced preview.
type PreviewResult struct {
	SessionID string
	OwnerID   string
	Preview   service.Preview
	Err       error
}

// Session is one user's edit of one feed. It is safe for concurrent use.
type Session struct {
	ID      string
	OwnerID string
	// FeedID is zero while creating a new feed.
	FeedID int64

	mu            sync.Mutex
	name          string
	state         State
	working       []model.FilterBlock
	baseVersion   int64
	dirty         bool
	lastPreviewAt time.Time
	draftID       string

	seq           uint64
	timer         *time.Timer
	cancelPreview context.CancelFunc

	deps *Manager
}

func newSession(m *Manager, ownerID string, feed *model.FeedDefinition, name string) *Session {
	s := &Session{
		ID:      uuid.NewString(),
		OwnerID: ownerID,
		name:    name,
		state:   StateEditing,
		deps:    m,
	}
	if feed != nil {
		s.FeedID = feed.ID
		s.name = feed.Name
		s.working = model.CloneBlocks(feed.FilterBlocks)
		s.baseVersion = feed.Version
	}
	return s
}

func (s *Session) logger() *slog.Logger {
	return s.deps.logger.With("session_id", s.ID, "owner_id", s.OwnerID, "feed_id", s.FeedID)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsDirty reports whether the working copy differs from what was loaded.
func (s *Session) IsDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Name returns the feed name the session saves under.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// BaseVersion returns the feed version the edit is based on.
func (s *Session) BaseVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseVersion
}

// LastPreviewAt returns when the last preview completed.
func (s *Session) LastPreviewAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPreviewAt
}

// Blocks returns a copy of the working filter tree.
func (s *Session) Blocks() []model.FilterBlock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.CloneBlocks(s.working)
}

func (s *Session) editable() error {
	switch s.state {
	case StateEditing, StatePreviewing:
		return nil
	case StateConflictDetected:
		return fmt.Errorf("%w: resolve the conflict first", ErrSessionClosed)
	}
	return ErrSessionClosed
}

// AddBlock appends a block at the end of the working tree.
func (s *Session) AddBlock(b model.FilterBlock) error {
	return s.mutate(func(blocks []model.FilterBlock) ([]model.FilterBlock, error) {
		b.Order = len(blocks)
		if n := len(blocks); n > 0 && blocks[n-1].Connective == "" {
			blocks[n-1].Connective = model.ConnAnd
		}
		return append(blocks, b), nil
	})
}

// RemoveBlock deletes the block at index i and renumbers the rest.
func (s *Session) RemoveBlock(i int) error {
	return s.mutate(func(blocks []model.FilterBlock) ([]model.FilterBlock, error) {
		if i < 0 || i >= len(blocks) {
			return nil, fmt.Errorf("%w: %d", ErrBlockIndex, i)
		}
		blocks = append(blocks[:i], blocks[i+1:]...)
		for k := range blocks {
			blocks[k].Order = k
		}
		return blocks, nil
	})
}

// SetConnective changes how block i joins the next one.
func (s *Session) SetConnective(i int, c model.Connective) error {
	return s.mutate(func(blocks []model.FilterBlock) ([]model.FilterBlock, error) {
		if i < 0 || i >= len(blocks) {
			return nil, fmt.Errorf("%w: %d", ErrBlockIndex, i)
		}
		blocks[i].Connective = c
		return blocks, nil
	})
}

// SetBlocks replaces the whole working tree.
func (s *Session) SetBlocks(blocks []model.FilterBlock) error {
	return s.mutate(func([]model.FilterBlock) ([]model.FilterBlock, error) {
		return model.CloneBlocks(blocks), nil
	})
}

func (s *Session) mutate(fn func([]model.FilterBlock) ([]model.FilterBlock, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editable(); err != nil {
		return err
	}
	next, err := fn(model.CloneBlocks(s.working))
	if err != nil {
		return err
	}
	s.working = next
	s.dirty = true
	s.schedulePreviewLocked()
	return nil
}

// schedulePreviewLocked coalesces edits: only the last edit inside the
// debounce window triggers a preview, and it cancels any preview in flight.
func (s *Session) schedulePreviewLocked() {
	s.seq++
	seq := s.seq
	s.stopPreviewLocked()
	s.timer = time.AfterFunc(s.deps.debounce, func() { s.runPreview(seq) })
}

func (s *Session) stopPreviewLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancelPreview != nil {
		s.cancelPreview()
		s.cancelPreview = nil
		previewCancelled.Inc()
	}
	if s.state == StatePreviewing {
		s.state = StateEditing
	}
}

func (s *Session) runPreview(seq uint64) {
	s.mu.Lock()
	if seq != s.seq || s.state != StateEditing {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelPreview = cancel
	s.state = StatePreviewing
	blocks := model.CloneBlocks(s.working)
	s.mu.Unlock()

	res, err := s.deps.backend.Preview(ctx, s.OwnerID, blocks)

	s.mu.Lock()
	if seq != s.seq || ctx.Err() != nil {
		// superseded or cancelled; the newer request reports instead
		s.mu.Unlock()
		cancel()
		return
	}
	cancel()
	s.cancelPreview = nil
	s.state = StateEditing
	s.lastPreviewAt = s.deps.now()
	s.mu.Unlock()

	if err != nil {
		s.logger().Debug("preview failed", "error", err)
	}
	s.deps.deliver(PreviewResult{SessionID: s.ID, OwnerID: s.OwnerID, Preview: res, Err: err})
}

// PreviewNow runs a preview immediately on the caller's context, replacing
// any scheduled one.
func (s *Session) PreviewNow(ctx context.Context) (service.Preview, error) {
	s.mu.Lock()
	if err := s.editable(); err != nil {
		s.mu.Unlock()
		return service.Preview{}, err
	}
	s.seq++
	s.stopPreviewLocked()
	blocks := model.CloneBlocks(s.working)
	s.mu.Unlock()

	res, err := s.deps.backend.Preview(ctx, s.OwnerID, blocks)
	if err != nil {
		return service.Preview{}, err
	}
	s.mu.Lock()
	s.lastPreviewAt = s.deps.now()
	s.mu.Unlock()
	return res, nil
}

// Save validates the working tree and writes it based on the session's
// base version. A version conflict moves the session to ConflictDetected and
// keeps the edits as a detached draft.
func (s *Session) Save(ctx context.Context) (*model.FeedDefinition, error) {
	s.mu.Lock()
	if err := s.editable(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.seq++
	s.stopPreviewLocked()
	s.state = StateSaving
	blocks := model.CloneBlocks(s.working)
	base := s.baseVersion
	name := s.name
	s.mu.Unlock()

	if _, err := s.deps.backend.Validate(ctx, blocks); err != nil {
		s.setState(StateEditing)
		return nil, err
	}

	var (
		feed *model.FeedDefinition
		err  error
	)
	if s.FeedID == 0 {
		feed, err = s.deps.feeds.Create(ctx, s.OwnerID, name, "", blocks)
	} else {
		feed, err = s.deps.feeds.UpdateFilters(ctx, s.OwnerID, s.FeedID, blocks, base)
	}

	switch {
	case errors.Is(err, feeds.ErrVersionConflict):
		if derr := s.detach(ctx, blocks, base); derr != nil {
			s.logger().Error("persist detached draft", "error", derr)
		}
		s.setState(StateConflictDetected)
		s.logger().Info("save conflicted", "base_version", base)
		return nil, err
	case err != nil:
		s.setState(StateEditing)
		return nil, err
	}

	s.mu.Lock()
	s.state = StateSaved
	s.dirty = false
	s.mu.Unlock()
	s.deps.remove(s.ID)
	s.logger().Info("feed saved", "version", feed.Version)
	return feed, nil
}

func (s *Session) detach(ctx context.Context, blocks []model.FilterBlock, base int64) error {
	s.mu.Lock()
	if s.draftID == "" {
		s.draftID = uuid.NewString()
	}
	d := &model.Draft{
		ID:          s.draftID,
		OwnerID:     s.OwnerID,
		FeedID:      s.FeedID,
		Name:        s.name,
		BaseVersion: base,
		Blocks:      blocks,
		Status:      model.DraftConflict,
	}
	s.mu.Unlock()
	return s.deps.drafts.SaveDraft(ctx, d)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Leave closes the session. With unsaved changes the caller must confirm.
func (s *Session) Leave(ctx context.Context, confirmDiscard bool) error {
	if s.IsDirty() && !confirmDiscard {
		return ErrUnsavedChanges
	}
	return s.Discard(ctx)
}

// Discard drops the session and its detached draft, if any.
func (s *Session) Discard(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateSaved, StateDiscarded:
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.seq++
	s.stopPreviewLocked()
	s.state = StateDiscarded
	draftID := s.draftID
	s.draftID = ""
	s.mu.Unlock()

	s.deps.remove(s.ID)
	if draftID != "" {
		if err := s.deps.drafts.DeleteDraft(ctx, draftID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("delete draft: %w", err)
		}
	}
	return nil
}

// RetryOnLatest rebases the working tree onto the feed's current version and
// returns to Editing. The user's tree replaces the stored one on the next
// save; nothing is merged.
func (s *Session) RetryOnLatest(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateConflictDetected {
		s.mu.Unlock()
		return ErrNoConflict
	}
	s.mu.Unlock()

	latest, err := s.deps.feeds.Get(ctx, s.FeedID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.baseVersion = latest.Version
	s.state = StateEditing
	draftID := s.draftID
	s.draftID = ""
	s.schedulePreviewLocked()
	s.mu.Unlock()

	if draftID != "" {
		if err := s.deps.drafts.DeleteDraft(ctx, draftID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger().Error("delete draft", "error", err)
		}
	}
	return nil
}

// SaveAsNew stores the conflicted working tree as a new feed.
func (s *Session) SaveAsNew(ctx context.Context, name string) (*model.FeedDefinition, error) {
	s.mu.Lock()
	if s.state != StateConflictDetected {
		s.mu.Unlock()
		return nil, ErrNoConflict
	}
	blocks := model.CloneBlocks(s.working)
	draftID := s.draftID
	s.mu.Unlock()

	feed, err := s.deps.feeds.Create(ctx, s.OwnerID, name, "", blocks)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.state = StateSaved
	s.dirty = false
	s.draftID = ""
	s.mu.Unlock()
	s.deps.remove(s.ID)

	if draftID != "" {
		if err := s.deps.drafts.DeleteDraft(ctx, draftID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger().Error("delete draft", "error", err)
		}
	}
	return feed, nil
}

// close stops background work after the session left the registry.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.stopPreviewLocked()
	if s.state == StateEditing || s.state == StatePreviewing || s.state == StateSaving {
		s.state = StateDiscarded
	}
}
