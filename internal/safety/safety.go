// Package safety implements the visibility and block-list gate that runs
// before any user filter logic.
package safety

import (
	"context"
	"fmt"

	"feedlens/internal/model"
)

// SocialGraph is the read-only view of follow and block relationships.
type SocialGraph interface {
	IsFollowing(ctx context.Context, viewerID, authorID string) (bool, error)
	// IsBlocked reports whether a has blocked b.
	IsBlocked(ctx context.Context, a, b string) (bool, error)
}

// Scope memoizes social facts for one viewer during a single evaluation.
// It must not outlive the evaluation call that created it.
type Scope struct {
	ctx       context.Context
	graph     SocialGraph
	viewer    string
	following map[string]bool
	blocked   map[string]bool
	err       error
}

// NewScope creates a Scope for viewer.
func NewScope(ctx context.Context, graph SocialGraph, viewerID string) *Scope {
	return &Scope{
		ctx:       ctx,
		graph:     graph,
		viewer:    viewerID,
		following: make(map[string]bool),
		blocked:   make(map[string]bool),
	}
}

// Viewer returns the viewer the scope was built for.
func (s *Scope) Viewer() string { return s.viewer }

// Err returns the first lookup failure. Once set, every check fails closed.
func (s *Scope) Err() error { return s.err }

// IsEligible reports whether the viewer may see e at all. No filter block can
// widen its result.
func (s *Scope) IsEligible(e *model.ContentEntry) bool {
	if e.AuthorID == s.viewer {
		return true
	}
	if s.isBlocked(e.AuthorID) {
		return false
	}
	switch e.Visibility {
	case model.VisibilityPublic:
		return true
	case model.VisibilityFollowers:
		return s.isFollowing(e.AuthorID)
	default:
		return false
	}
}

// InNetwork reports whether author is the viewer or someone the viewer follows.
func (s *Scope) InNetwork(authorID string) bool {
	return authorID == s.viewer || s.isFollowing(authorID)
}

func (s *Scope) isFollowing(authorID string) bool {
	if s.err != nil {
		return false
	}
	if v, ok := s.following[authorID]; ok {
		return v
	}
	v, err := s.graph.IsFollowing(s.ctx, s.viewer, authorID)
	if err != nil {
		s.err = fmt.Errorf("check follow %s: %w", authorID, err)
		return false
	}
	s.following[authorID] = v
	return v
}

func (s *Scope) isBlocked(authorID string) bool {
	if s.err != nil {
		return true
	}
	if v, ok := s.blocked[authorID]; ok {
		return v
	}
	out, err := s.graph.IsBlocked(s.ctx, s.viewer, authorID)
	if err != nil {
		s.err = fmt.Errorf("check block %s: %w", authorID, err)
		return true
	}
	in := false
	if !out {
		in, err = s.graph.IsBlocked(s.ctx, authorID, s.viewer)
		if err != nil {
			s.err = fmt.Errorf("check block %s: %w", authorID, err)
			return true
		}
	}
	s.blocked[authorID] = out || in
	return out || in
}
