// Package events carries corpus and feed change notifications over an
// in-process watermill pub/sub.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Topics.
const (
	TopicContentCreated = "content.created"
	TopicFeedChanged    = "feed.changed"
)

// ContentCreated is published for every entry newly added to the corpus.
type ContentCreated struct {
	EntryID   string    `json:"entry_id"`
	AuthorID  string    `json:"author_id"`
	CreatedAt time.Time `json:"created_at"`
}

// FeedChanged is published after every persisted feed mutation.
type FeedChanged struct {
	FeedID  int64  `json:"feed_id"`
	OwnerID string `json:"owner_id"`
	Version int64  `json:"version"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(topic string, payload any) error
}

// Bus is a JSON-over-gochannel event bus.
type Bus struct {
	pubSub *gochannel.GoChannel
}

// NewBus creates an in-process bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		pubSub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			watermill.NewSlogLogger(logger),
		),
	}
}

// Publish encodes payload as JSON and sends it on topic.
func (b *Bus) Publish(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", topic, err)
	}
	if err := b.pubSub.Publish(topic, message.NewMessage(watermill.NewUUID(), data)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe returns the message stream of topic. The channel closes when
// ctx is cancelled or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	msgs, err := b.pubSub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return msgs, nil
}

// Close shuts down all subscriptions.
func (b *Bus) Close() error {
	return b.pubSub.Close()
}
