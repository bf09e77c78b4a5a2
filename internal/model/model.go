// Package model defines the domain types used across the application.
package model

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// PostKind is the content type of a corpus entry.
type PostKind string

// Supported post kinds.
const (
	PostText    PostKind = "text"
	PostImage   PostKind = "image"
	PostVideo   PostKind = "video"
	PostLink    PostKind = "link"
	PostArticle PostKind = "article"
)

// Valid reports whether k is a known post kind.
func (k PostKind) Valid() bool {
	switch k {
	case PostText, PostImage, PostVideo, PostLink, PostArticle:
		return true
	}
	return false
}

// Visibility controls who may see a corpus entry.
type Visibility string

// Supported visibility levels.
const (
	VisibilityPublic    Visibility = "public"
	VisibilityFollowers Visibility = "followers"
	VisibilityPrivate   Visibility = "private"
)

// ContentEntry is a read-only item of the content corpus.
type ContentEntry struct {
	ID              string
	AuthorID        string
	Kind            PostKind
	Tags            []string
	Title           string
	Link            string
	CreatedAt       time.Time
	EngagementScore float64
	Visibility      Visibility
}

// FeedDefinition is a user-authored feed: a named filter tree owned by one user.
type FeedDefinition struct {
	ID               int64
	OwnerID          string
	Name             string
	Description      string
	FilterBlocks     []FilterBlock
	IsDefault        bool
	Version          int64
	NeedsAuthorPrune bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// FeedNameKey folds a feed name for per-owner uniqueness. Unicode case
// folding makes "Café" and "CAFÉ" the same name.
func FeedNameKey(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// ResultPage is one page of an evaluated feed.
type ResultPage struct {
	Items      []ContentEntry
	NextCursor string
	HasMore    bool
	// Degraded is set when the time budget ran out before the page was complete.
	Degraded bool
}

// DraftStatus tracks an offline or detached builder draft.
type DraftStatus string

// Supported draft statuses.
const (
	DraftQueued   DraftStatus = "queued"
	DraftConflict DraftStatus = "conflict"
)

// Draft is a persisted copy of an unsaved builder session.
type Draft struct {
	ID          string
	OwnerID     string
	FeedID      int64
	// Name is only used for drafts of feeds that do not exist yet.
	Name        string
	BaseVersion int64
	Blocks      []FilterBlock
	Status      DraftStatus
	CreatedAt   time.Time
}

// Position is a point in the reverse-chronological corpus stream.
type Position struct {
	CreatedAt time.Time
	ID        string
	// Snapshot is the corpus sequence head; rows added later are invisible.
	Snapshot int64
}

// Started reports whether the position points past the head of the stream.
func (p Position) Started() bool { return p.ID != "" }
