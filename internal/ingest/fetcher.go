// Package ingest downloads RSS sources and appends their items to the
// content corpus.
package ingest

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"feedlens/internal/config"
	"feedlens/internal/model"
)

// maxBody caps how much of a response is parsed.
const maxBody = 5 * 1024 * 1024

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher downloads and parses RSS feeds.
type Fetcher struct {
	client HTTPClient
}

// NewFetcher creates a Fetcher with the given HTTP client.
func NewFetcher(client HTTPClient) *Fetcher {
	return &Fetcher{client: client}
}

// Fetch downloads and parses an RSS feed from the given URL.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "feedlens/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

// ItemID returns the GUID for an RSS item.
// If the item has no GUID, a SHA-256 hash of title+link is used.
func ItemID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	h := sha256.Sum256([]byte(item.Title + "|" + item.Link))
	return fmt.Sprintf("sha256:%x", h[:16])
}

// ToEntry maps a feed item to a corpus entry. fallback is used when the item
// carries no publication date.
func ToEntry(feed *gofeed.Feed, item *gofeed.Item, src config.Source, fallback time.Time) model.ContentEntry {
	created := fallback
	switch {
	case item.PublishedParsed != nil:
		created = *item.PublishedParsed
	case item.UpdatedParsed != nil:
		created = *item.UpdatedParsed
	}

	visibility := src.Visibility
	if visibility == "" {
		visibility = model.VisibilityPublic
	}

	return model.ContentEntry{
		ID:         ItemID(item),
		AuthorID:   authorOf(feed, item, src),
		Kind:       kindOf(item, src),
		Tags:       tagsOf(item),
		Title:      item.Title,
		Link:       item.Link,
		CreatedAt:  created.UTC(),
		Visibility: visibility,
	}
}

func authorOf(feed *gofeed.Feed, item *gofeed.Item, src config.Source) string {
	if src.Author != "" {
		return src.Author
	}
	for _, p := range item.Authors {
		if p != nil && strings.TrimSpace(p.Name) != "" {
			return strings.TrimSpace(p.Name)
		}
	}
	if feed != nil && strings.TrimSpace(feed.Title) != "" {
		return strings.TrimSpace(feed.Title)
	}
	return src.URL
}

// kindOf prefers the source override, then the first media enclosure.
func kindOf(item *gofeed.Item, src config.Source) model.PostKind {
	if src.Kind != "" {
		return src.Kind
	}
	for _, enc := range item.Enclosures {
		if enc == nil {
			continue
		}
		switch {
		case strings.HasPrefix(enc.Type, "image/"):
			return model.PostImage
		case strings.HasPrefix(enc.Type, "video/"):
			return model.PostVideo
		}
	}
	if item.Image != nil && item.Image.URL != "" {
		return model.PostImage
	}
	switch {
	case item.Content != "":
		return model.PostArticle
	case item.Link != "":
		return model.PostLink
	}
	return model.PostText
}

func tagsOf(item *gofeed.Item) []string {
	var tags []string
	for _, c := range item.Categories {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || slices.Contains(tags, c) {
			continue
		}
		tags = append(tags, c)
	}
	return tags
}
