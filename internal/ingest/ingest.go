package ingest

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"feedlens/internal/config"
	"feedlens/internal/events"
	"feedlens/internal/model"
)

// Corpus is the write side of the content corpus.
type Corpus interface {
	UpsertAuthor(ctx context.Context, id string) error
	InsertEntry(ctx context.Context, e *model.ContentEntry) (bool, error)
}

// Ingester periodically pulls the configured sources into the corpus.
type Ingester struct {
	corpus  Corpus
	fetcher *Fetcher
	pub     events.Publisher
	sources []config.Source
	log     *slog.Logger
	tick    time.Duration
	now     func() time.Time
}

// New creates an Ingester with the default HTTP client.
func New(corpus Corpus, pub events.Publisher, sources []config.Source, log *slog.Logger) *Ingester {
	return NewWithFetcher(corpus, NewFetcher(&http.Client{Timeout: 30 * time.Second}), pub, sources, log)
}

// NewWithFetcher creates an Ingester with a custom fetcher (useful for testing).
func NewWithFetcher(corpus Corpus, f *Fetcher, pub events.Publisher, sources []config.Source, log *slog.Logger) *Ingester {
	return &Ingester{
		corpus:  corpus,
		fetcher: f,
		pub:     pub,
		sources: sources,
		log:     log,
		tick:    5 * time.Minute,
		now:     time.Now,
	}
}

// SetTickInterval overrides the default 5-minute interval.
func (g *Ingester) SetTickInterval(d time.Duration) {
	g.tick = d
}

// Run ingests all sources immediately and then on every tick, blocking until
// ctx is cancelled.
func (g *Ingester) Run(ctx context.Context) {
	if len(g.sources) == 0 {
		g.log.Info("no ingest sources configured")
		return
	}
	g.IngestAll(ctx)

	ticker := time.NewTicker(g.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.IngestAll(ctx)
		}
	}
}

// IngestAll processes every source once and returns how many entries were new.
func (g *Ingester) IngestAll(ctx context.Context) int {
	total := 0
	for _, src := range g.sources {
		if ctx.Err() != nil {
			break
		}
		total += g.ingestSource(ctx, src)
	}
	return total
}

func (g *Ingester) ingestSource(ctx context.Context, src config.Source) int {
	g.log.Debug("fetching source", "url", src.URL)

	feed, err := g.fetcher.Fetch(ctx, src.URL)
	if err != nil {
		g.log.Error("fetch source", "url", src.URL, "error", err)
		return 0
	}

	added := 0
	now := g.now()
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		entry := ToEntry(feed, item, src, now)
		if err := g.corpus.UpsertAuthor(ctx, entry.AuthorID); err != nil {
			g.log.Error("upsert author", "author_id", entry.AuthorID, "error", err)
			continue
		}
		inserted, err := g.corpus.InsertEntry(ctx, &entry)
		if err != nil {
			g.log.Error("insert entry", "entry_id", entry.ID, "error", err)
			continue
		}
		if !inserted {
			continue
		}
		added++
		ingested.Inc()

		msg := events.ContentCreated{EntryID: entry.ID, AuthorID: entry.AuthorID, CreatedAt: entry.CreatedAt}
		if err := g.pub.Publish(events.TopicContentCreated, msg); err != nil {
			g.log.Error("publish content created", "entry_id", entry.ID, "error", err)
		}
	}

	if added > 0 {
		g.log.Info("ingested entries", "url", src.URL, "count", added)
	}
	return added
}
