package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
)

// FeedIndex answers which feeds a new entry by an author could appear in.
type FeedIndex interface {
	FeedsMatchingAuthor(authorID string) []int64
	Forget(feedID int64)
}

// PageCache is the subset of the result cache the invalidator drives.
type PageCache interface {
	InvalidateFeed(feedID int64)
	ForgetFeed(feedID int64)
}

// Invalidator drops cached pages in reaction to corpus and feed events.
type Invalidator struct {
	bus    *Bus
	cache  PageCache
	index  FeedIndex
	logger *slog.Logger
}

// NewInvalidator creates an Invalidator.
func NewInvalidator(bus *Bus, cache PageCache, index FeedIndex, logger *slog.Logger) *Invalidator {
	return &Invalidator{bus: bus, cache: cache, index: index, logger: logger}
}

// Consume subscribes to both topics and handles messages in the background
// until ctx is cancelled.
func (i *Invalidator) Consume(ctx context.Context) error {
	content, err := i.bus.Subscribe(ctx, TopicContentCreated)
	if err != nil {
		return err
	}
	feeds, err := i.bus.Subscribe(ctx, TopicFeedChanged)
	if err != nil {
		return err
	}

	go func() {
		for content != nil || feeds != nil {
			select {
			case msg, ok := <-content:
				if !ok {
					content = nil
					continue
				}
				i.handleContent(msg)
			case msg, ok := <-feeds:
				if !ok {
					feeds = nil
					continue
				}
				i.handleFeed(msg)
			}
		}
		i.logger.Info("invalidator stopped")
	}()
	return nil
}

func (i *Invalidator) handleContent(msg *message.Message) {
	defer msg.Ack()

	var ev ContentCreated
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		i.logger.Error("decode content event", "error", err)
		return
	}
	ids := i.index.FeedsMatchingAuthor(ev.AuthorID)
	for _, id := range ids {
		i.cache.InvalidateFeed(id)
	}
	if len(ids) > 0 {
		i.logger.Debug("invalidated feeds for new entry",
			"entry_id", ev.EntryID,
			"author_id", ev.AuthorID,
			"feeds", len(ids),
		)
	}
}

func (i *Invalidator) handleFeed(msg *message.Message) {
	defer msg.Ack()

	var ev FeedChanged
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		i.logger.Error("decode feed event", "error", err)
		return
	}
	if ev.Deleted {
		i.index.Forget(ev.FeedID)
		i.cache.ForgetFeed(ev.FeedID)
		return
	}
	i.cache.InvalidateFeed(ev.FeedID)
}
