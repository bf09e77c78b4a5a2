// Package feeds owns feed definitions: naming, the default feed, and
// versioned edits.
package feeds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"feedlens/internal/events"
	"feedlens/internal/filter"
	"feedlens/internal/model"
	"feedlens/internal/storage"
)

// DefaultFeedName names the feed every owner starts with.
const DefaultFeedName = "Following"

// Store errors. They describe real conflicts and are never retried.
var (
	ErrDuplicateFeedName       = errors.New("duplicate feed name")
	ErrVersionConflict         = errors.New("version conflict")
	ErrCannotDeleteDefaultFeed = errors.New("cannot delete default feed")
	ErrCannotDeleteLastFeed    = errors.New("cannot delete last feed")
	ErrNotFound                = errors.New("feed not found")
	ErrInvalidFeed             = errors.New("invalid feed")
)

// Compiler checks a filter tree before it is stored.
type Compiler interface {
	Compile(ctx context.Context, blocks []model.FilterBlock) (*filter.Compiled, error)
}

// Store is the single mutation path for feed definitions. Mutations of one
// feed, and ownership changes of one owner, are serialized.
type Store struct {
	repo     storage.FeedStore
	compiler Compiler
	pub      events.Publisher
	locks    *keyedMutex
	logger   *slog.Logger
}

// NewStore creates a Store. Filter trees that do not compile are rejected
// before they reach the repository.
func NewStore(repo storage.FeedStore, compiler Compiler, pub events.Publisher, logger *slog.Logger) *Store {
	return &Store{
		repo:     repo,
		compiler: compiler,
		pub:      pub,
		locks:    newKeyedMutex(),
		logger:   logger,
	}
}

func ownerKey(ownerID string) string { return "owner:" + ownerID }
func feedKey(feedID int64) string    { return "feed:" + strconv.FormatInt(feedID, 10) }

// EnsureDefault returns the owner's default feed, creating the empty
// "Following" feed on first use.
func (s *Store) EnsureDefault(ctx context.Context, ownerID string) (*model.FeedDefinition, error) {
	unlock := s.locks.Lock(ownerKey(ownerID))
	defer unlock()

	existing, err := s.repo.ListFeeds(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	for i := range existing {
		if existing[i].IsDefault {
			return &existing[i], nil
		}
	}
	if len(existing) > 0 {
		first := existing[0]
		if err := s.repo.SetDefaultFeed(ctx, ownerID, first.ID); err != nil {
			return nil, fmt.Errorf("restore default: %w", err)
		}
		s.logger.Warn("owner had no default feed, promoted oldest", "owner_id", ownerID, "feed_id", first.ID)
		return s.Get(ctx, first.ID)
	}

	feed := &model.FeedDefinition{OwnerID: ownerID, Name: DefaultFeedName, IsDefault: true}
	if err := s.repo.CreateFeed(ctx, feed); err != nil {
		return nil, fmt.Errorf("create default feed: %w", err)
	}
	s.logger.Info("created default feed", "owner_id", ownerID, "feed_id", feed.ID)
	s.publish(feed, false)
	return feed, nil
}

// Create adds a new non-default feed.
func (s *Store) Create(ctx context.Context, ownerID, name, description string, blocks []model.FilterBlock) (*model.FeedDefinition, error) {
	name, description, err := checkInput(name, description)
	if err != nil {
		return nil, err
	}
	if err := s.checkTree(ctx, blocks); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(ownerKey(ownerID))
	defer unlock()

	feed := &model.FeedDefinition{
		OwnerID:      ownerID,
		Name:         name,
		Description:  description,
		FilterBlocks: model.CloneBlocks(blocks),
	}
	if err := s.repo.CreateFeed(ctx, feed); err != nil {
		return nil, mapErr(err)
	}
	s.logger.Info("feed created", "owner_id", ownerID, "feed_id", feed.ID)
	s.publish(feed, false)
	return feed, nil
}

// Rename changes the name and description of a feed.
func (s *Store) Rename(ctx context.Context, ownerID string, feedID int64, name, description string) (*model.FeedDefinition, error) {
	name, description, err := checkInput(name, description)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(feedKey(feedID))
	defer unlock()

	feed, err := s.owned(ctx, ownerID, feedID)
	if err != nil {
		return nil, err
	}
	feed.Name = name
	feed.Description = description
	if err := s.repo.UpdateFeed(ctx, feed, feed.Version); err != nil {
		return nil, mapErr(err)
	}
	s.publish(feed, false)
	return feed, nil
}

// UpdateFilters replaces the filter tree when the stored version still
// equals baseVersion.
func (s *Store) UpdateFilters(ctx context.Context, ownerID string, feedID int64, blocks []model.FilterBlock, baseVersion int64) (*model.FeedDefinition, error) {
	if err := s.checkTree(ctx, blocks); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(feedKey(feedID))
	defer unlock()

	feed, err := s.owned(ctx, ownerID, feedID)
	if err != nil {
		return nil, err
	}
	if feed.Version != baseVersion {
		return nil, fmt.Errorf("feed %d is at version %d, edit based on %d: %w", feedID, feed.Version, baseVersion, ErrVersionConflict)
	}
	feed.FilterBlocks = model.CloneBlocks(blocks)
	feed.NeedsAuthorPrune = false
	if err := s.repo.UpdateFeed(ctx, feed, baseVersion); err != nil {
		return nil, mapErr(err)
	}
	s.logger.Info("feed filters updated", "owner_id", ownerID, "feed_id", feedID, "version", feed.Version)
	s.publish(feed, false)
	return feed, nil
}

// SetDefault makes feedID the owner's default feed.
func (s *Store) SetDefault(ctx context.Context, ownerID string, feedID int64) error {
	unlock := s.locks.Lock(ownerKey(ownerID))
	defer unlock()

	feeds, err := s.repo.ListFeeds(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("list feeds: %w", err)
	}
	var previous *model.FeedDefinition
	found := false
	for i := range feeds {
		if feeds[i].ID == feedID {
			found = true
			if feeds[i].IsDefault {
				return nil
			}
		}
		if feeds[i].IsDefault {
			previous = &feeds[i]
		}
	}
	if !found {
		return fmt.Errorf("feed %d: %w", feedID, ErrNotFound)
	}

	ids := []int64{feedID}
	if previous != nil {
		ids = append(ids, previous.ID)
	}
	slices.Sort(ids)
	for _, id := range ids {
		unlockFeed := s.locks.Lock(feedKey(id))
		defer unlockFeed()
	}

	if err := s.repo.SetDefaultFeed(ctx, ownerID, feedID); err != nil {
		return mapErr(err)
	}
	if previous != nil {
		previous.Version++
		s.publish(previous, false)
	}
	if feed, err := s.repo.GetFeed(ctx, feedID); err == nil {
		s.publish(feed, false)
	}
	return nil
}

// Delete removes a feed. The default feed and an owner's last feed cannot
// be deleted.
func (s *Store) Delete(ctx context.Context, ownerID string, feedID int64) error {
	unlock := s.locks.Lock(ownerKey(ownerID))
	defer unlock()
	unlockFeed := s.locks.Lock(feedKey(feedID))
	defer unlockFeed()

	feed, err := s.owned(ctx, ownerID, feedID)
	if err != nil {
		return err
	}
	if feed.IsDefault {
		return fmt.Errorf("feed %d: %w", feedID, ErrCannotDeleteDefaultFeed)
	}
	feeds, err := s.repo.ListFeeds(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("list feeds: %w", err)
	}
	if len(feeds) <= 1 {
		return fmt.Errorf("feed %d: %w", feedID, ErrCannotDeleteLastFeed)
	}

	if err := s.repo.DeleteFeed(ctx, feedID); err != nil {
		return mapErr(err)
	}
	s.logger.Info("feed deleted", "owner_id", ownerID, "feed_id", feedID)
	s.publish(feed, true)
	return nil
}

// Get returns a feed by ID.
func (s *Store) Get(ctx context.Context, feedID int64) (*model.FeedDefinition, error) {
	feed, err := s.repo.GetFeed(ctx, feedID)
	if err != nil {
		return nil, mapErr(err)
	}
	return feed, nil
}

// ListForOwner returns the owner's feeds, default first.
func (s *Store) ListForOwner(ctx context.Context, ownerID string) ([]model.FeedDefinition, error) {
	feeds, err := s.repo.ListFeeds(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	return feeds, nil
}

// MarkNeedsAuthorPrune records that the stored filter tree still names
// deleted authors.
func (s *Store) MarkNeedsAuthorPrune(ctx context.Context, feedID int64) error {
	return s.repo.SetNeedsAuthorPrune(ctx, feedID, true)
}

func (s *Store) owned(ctx context.Context, ownerID string, feedID int64) (*model.FeedDefinition, error) {
	feed, err := s.repo.GetFeed(ctx, feedID)
	if err != nil {
		return nil, mapErr(err)
	}
	if feed.OwnerID != ownerID {
		return nil, fmt.Errorf("feed %d: %w", feedID, ErrNotFound)
	}
	return feed, nil
}

func (s *Store) publish(feed *model.FeedDefinition, deleted bool) {
	ev := events.FeedChanged{FeedID: feed.ID, OwnerID: feed.OwnerID, Version: feed.Version, Deleted: deleted}
	if err := s.pub.Publish(events.TopicFeedChanged, ev); err != nil {
		s.logger.Error("publish feed change", "feed_id", feed.ID, "error", err)
	}
}

func (s *Store) checkTree(ctx context.Context, blocks []model.FilterBlock) error {
	if _, err := s.compiler.Compile(ctx, blocks); err != nil {
		return fmt.Errorf("compile filters: %w", err)
	}
	return nil
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, storage.ErrDuplicate):
		return fmt.Errorf("%w: %w", ErrDuplicateFeedName, err)
	case errors.Is(err, storage.ErrStaleVersion):
		return fmt.Errorf("%w: %w", ErrVersionConflict, err)
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}
