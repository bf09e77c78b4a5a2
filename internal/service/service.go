// Package service is the query facade used by the presentation layer: it
// resolves feeds, keeps compiled trees current, and serves pages through
// the result cache.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"feedlens/internal/cache"
	"feedlens/internal/engine"
	"feedlens/internal/filter"
	"feedlens/internal/model"
)

// FeedSource is the read side of the feed store plus prune bookkeeping.
type FeedSource interface {
	Get(ctx context.Context, feedID int64) (*model.FeedDefinition, error)
	MarkNeedsAuthorPrune(ctx context.Context, feedID int64) error
}

// Options tunes evaluation.
type Options struct {
	PageBudget    time.Duration
	PreviewBudget time.Duration
	PageSize      int
}

// Preview is the result of a builder preview.
type Preview struct {
	Page               model.ResultPage
	PerformanceWarning bool
	PrunedAuthors      []string
}

// AuthorPruned reports whether the preview dropped deleted authors.
func (p Preview) AuthorPruned() bool { return len(p.PrunedAuthors) > 0 }

type compiledFeed struct {
	version         int64
	compilerVersion int
	expr            *filter.Compiled
}

// Service serves feed pages and previews.
type Service struct {
	feeds    FeedSource
	compiler *filter.Compiler
	engine   *engine.Engine
	cache    *cache.Cache
	opts     Options
	logger   *slog.Logger

	mu       sync.RWMutex
	compiled map[int64]compiledFeed
}

// New creates a Service.
func New(feeds FeedSource, compiler *filter.Compiler, eng *engine.Engine, c *cache.Cache, opts Options, logger *slog.Logger) *Service {
	if opts.PageSize <= 0 {
		opts.PageSize = engine.DefaultLimit
	}
	return &Service{
		feeds:    feeds,
		compiler: compiler,
		engine:   eng,
		cache:    c,
		opts:     opts,
		logger:   logger,
		compiled: make(map[int64]compiledFeed),
	}
}

// Evaluate returns one page of a feed as seen by its owner.
func (s *Service) Evaluate(ctx context.Context, feedID int64, cursor string, limit int) (model.ResultPage, error) {
	feed, err := s.feeds.Get(ctx, feedID)
	if err != nil {
		return model.ResultPage{}, err
	}
	expr, err := s.expression(ctx, feed)
	if err != nil {
		return model.ResultPage{}, err
	}
	if limit <= 0 {
		limit = s.opts.PageSize
	}

	key := cache.Key{FeedID: feed.ID, Version: feed.Version, Cursor: cursor, Limit: limit}
	return s.cache.GetOrCompute(ctx, key, func(ctx context.Context) (model.ResultPage, error) {
		return s.engine.Evaluate(ctx, engine.Request{
			Expr:     expr,
			ViewerID: feed.OwnerID,
			Cursor:   cursor,
			Limit:    limit,
			Budget:   s.opts.PageBudget,
			Mode:     engine.ModePage,
		})
	})
}

// Preview compiles an unsaved filter tree and evaluates its first page under
// the preview budget. Previews bypass the cache.
func (s *Service) Preview(ctx context.Context, ownerID string, blocks []model.FilterBlock) (Preview, error) {
	expr, err := s.compiler.Compile(ctx, blocks)
	if err != nil {
		return Preview{}, err
	}
	page, err := s.engine.Evaluate(ctx, engine.Request{
		Expr:     expr,
		ViewerID: ownerID,
		Limit:    s.opts.PageSize,
		Budget:   s.opts.PreviewBudget,
		Mode:     engine.ModePreview,
	})
	if err != nil {
		return Preview{}, err
	}
	return Preview{
		Page:               page,
		PerformanceWarning: expr.PerformanceWarning,
		PrunedAuthors:      expr.PrunedAuthors,
	}, nil
}

// Validate compiles blocks without evaluating them.
func (s *Service) Validate(ctx context.Context, blocks []model.FilterBlock) (*filter.Compiled, error) {
	return s.compiler.Compile(ctx, blocks)
}

// FeedsMatchingAuthor lists compiled feeds a new entry by authorID could join.
func (s *Service) FeedsMatchingAuthor(authorID string) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64
	for id, cf := range s.compiled {
		if cf.expr.MayMatchAuthor(authorID) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Invalidate drops cached pages of a feed whose inputs changed outside the
// feed definition, such as the owner's follows or blocks.
func (s *Service) Invalidate(feedID int64) {
	s.cache.InvalidateFeed(feedID)
}

// Forget drops the compiled tree of a deleted feed.
func (s *Service) Forget(feedID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.compiled, feedID)
}

// expression returns the compiled tree for the feed's current version,
// compiling it on first use.
func (s *Service) expression(ctx context.Context, feed *model.FeedDefinition) (*filter.Compiled, error) {
	s.mu.RLock()
	cf, ok := s.compiled[feed.ID]
	s.mu.RUnlock()
	if ok && cf.version == feed.Version && cf.compilerVersion == filter.CompilerVersion {
		return cf.expr, nil
	}

	expr, err := s.compiler.Compile(ctx, feed.FilterBlocks)
	if err != nil {
		return nil, fmt.Errorf("compile feed %d: %w", feed.ID, err)
	}
	if expr.AuthorPruned() && !feed.NeedsAuthorPrune {
		if err := s.feeds.MarkNeedsAuthorPrune(ctx, feed.ID); err != nil {
			s.logger.Error("flag author prune", "feed_id", feed.ID, "error", err)
		} else {
			s.logger.Info("feed references deleted authors", "feed_id", feed.ID, "pruned", len(expr.PrunedAuthors))
		}
	}

	s.mu.Lock()
	if cur, ok := s.compiled[feed.ID]; !ok || cur.version <= feed.Version {
		s.compiled[feed.ID] = compiledFeed{version: feed.Version, compilerVersion: filter.CompilerVersion, expr: expr}
	}
	s.mu.Unlock()
	return expr, nil
}
