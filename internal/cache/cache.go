// Package cache memoizes evaluated feed pages with at most one concurrent
// computation per key.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"feedlens/internal/model"
)

const shardCount = 16

// Key identifies one cached page. A version bump makes older keys unreachable.
type Key struct {
	FeedID  int64
	Version int64
	Cursor  string
	Limit   int
}

// ComputeFunc produces a page on a cache miss.
type ComputeFunc func(ctx context.Context) (model.ResultPage, error)

type entry struct {
	page      model.ResultPage
	epoch     uint64
	expiresAt time.Time
}

// shard holds every key of the feeds hashed to it, so invalidating a feed
// locks a single shard.
type shard struct {
	mu      sync.Mutex
	entries map[Key]entry
	epochs  map[int64]uint64
	flight  singleflight.Group
}

// Cache is a sharded TTL cache of result pages. It is safe for concurrent use.
type Cache struct {
	ttl    time.Duration
	shards [shardCount]*shard
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Cache whose entries live for ttl.
func New(ttl time.Duration, logger *slog.Logger) *Cache {
	c := &Cache{
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}
	for i := range c.shards {
		c.shards[i] = &shard{
			entries: make(map[Key]entry),
			epochs:  make(map[int64]uint64),
		}
	}
	return c
}

func (c *Cache) shardFor(feedID int64) *shard {
	return c.shards[uint64(feedID)%shardCount]
}

// GetOrCompute returns the cached page for key or runs compute. Concurrent
// callers for the same key share one computation. The computation is detached
// from any single caller's cancellation; a caller whose ctx ends stops waiting
// and gets ctx.Err(). Errors and degraded pages are returned but not stored.
func (c *Cache) GetOrCompute(ctx context.Context, key Key, compute ComputeFunc) (model.ResultPage, error) {
	sh := c.shardFor(key.FeedID)

	sh.mu.Lock()
	epoch := sh.epochs[key.FeedID]
	if e, ok := sh.entries[key]; ok && e.epoch == epoch && c.now().Before(e.expiresAt) {
		sh.mu.Unlock()
		cacheRequests.WithLabelValues("hit").Inc()
		return e.page, nil
	}
	sh.mu.Unlock()

	flightKey := fmt.Sprintf("%d|%d|%d|%d|%s", key.FeedID, key.Version, epoch, key.Limit, key.Cursor)
	detached := context.WithoutCancel(ctx)
	ch := sh.flight.DoChan(flightKey, func() (any, error) {
		page, err := compute(detached)
		if err != nil {
			return model.ResultPage{}, err
		}
		if !page.Degraded {
			c.store(sh, key, page, epoch)
		}
		return page, nil
	})

	select {
	case <-ctx.Done():
		return model.ResultPage{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			cacheRequests.WithLabelValues("shared").Inc()
		} else {
			cacheRequests.WithLabelValues("miss").Inc()
		}
		if res.Err != nil {
			return model.ResultPage{}, res.Err
		}
		return res.Val.(model.ResultPage), nil
	}
}

func (c *Cache) store(sh *shard, key Key, page model.ResultPage, epoch uint64) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	// an invalidation raced the computation
	if sh.epochs[key.FeedID] != epoch {
		return
	}
	sh.entries[key] = entry{page: page, epoch: epoch, expiresAt: c.now().Add(c.ttl)}
}

// InvalidateFeed drops every cached page of a feed, including pages whose
// computation is still in flight.
func (c *Cache) InvalidateFeed(feedID int64) {
	sh := c.shardFor(feedID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.epochs[feedID]++
	for k := range sh.entries {
		if k.FeedID == feedID {
			delete(sh.entries, k)
		}
	}
}

// ForgetFeed drops every cached page of a deleted feed together with its
// invalidation epoch. Feed IDs are never reused, so the epoch is not needed
// again.
func (c *Cache) ForgetFeed(feedID int64) {
	sh := c.shardFor(feedID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	delete(sh.epochs, feedID)
	for k := range sh.entries {
		if k.FeedID == feedID {
			delete(sh.entries, k)
		}
	}
}

// Len returns the number of stored pages, expired ones included.
func (c *Cache) Len() int {
	n := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Sweep removes expired pages and returns how many were dropped.
func (c *Cache) Sweep() int {
	now := c.now()
	removed := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if !now.Before(e.expiresAt) || e.epoch != sh.epochs[k.FeedID] {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Run sweeps expired pages every half TTL until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("cache janitor started", "ttl", c.ttl)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("cache janitor stopped")
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("cache swept", "removed", n)
			}
		}
	}
}
