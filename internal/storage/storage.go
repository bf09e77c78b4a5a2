// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"iter"

	"feedlens/internal/model"
)

// Persistence failures callers are expected to branch on.
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicate    = errors.New("duplicate")
	ErrStaleVersion = errors.New("stale version")
)

// Storage is the interface for all persistence operations.
type Storage interface {
	FeedStore
	Corpus
	Social
	DraftStore

	Close() error
}

// FeedStore persists feed definitions.
type FeedStore interface {
	CreateFeed(ctx context.Context, feed *model.FeedDefinition) error
	GetFeed(ctx context.Context, id int64) (*model.FeedDefinition, error)
	ListFeeds(ctx context.Context, ownerID string) ([]model.FeedDefinition, error)
	// UpdateFeed writes name, description and filters when the stored version
	// still equals baseVersion, and bumps the version.
	UpdateFeed(ctx context.Context, feed *model.FeedDefinition, baseVersion int64) error
	SetDefaultFeed(ctx context.Context, ownerID string, feedID int64) error
	DeleteFeed(ctx context.Context, id int64) error
	SetNeedsAuthorPrune(ctx context.Context, id int64, needs bool) error
}

// Corpus is the content corpus: append-only from ingestion, read-only to evaluation.
type Corpus interface {
	InsertEntry(ctx context.Context, e *model.ContentEntry) (bool, error)
	// Head returns the sequence number of the newest entry, used as a snapshot marker.
	Head(ctx context.Context) (int64, error)
	// StreamCandidates yields entries visible up to from.Snapshot in
	// (CreatedAt, ID) descending order, strictly after from when it is set.
	StreamCandidates(ctx context.Context, viewerID string, from model.Position) iter.Seq2[model.ContentEntry, error]
}

// Social holds authors and follow/block relationships.
type Social interface {
	UpsertAuthor(ctx context.Context, id string) error
	DeleteAuthor(ctx context.Context, id string) error
	ResolveAuthor(ctx context.Context, id string) (bool, error)
	Follow(ctx context.Context, viewerID, authorID string) error
	Unfollow(ctx context.Context, viewerID, authorID string) error
	Block(ctx context.Context, blockerID, blockedID string) error
	Unblock(ctx context.Context, blockerID, blockedID string) error
	IsFollowing(ctx context.Context, viewerID, authorID string) (bool, error)
	IsBlocked(ctx context.Context, a, b string) (bool, error)
}

// DraftStore persists offline-queued and detached builder drafts.
type DraftStore interface {
	SaveDraft(ctx context.Context, d *model.Draft) error
	ListDrafts(ctx context.Context, ownerID string) ([]model.Draft, error)
	DeleteDraft(ctx context.Context, id string) error
}
