package safety

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"feedlens/internal/model"
)

type edge struct{ from, to string }

type mockGraph struct {
	follows map[edge]bool
	blocks  map[edge]bool
	calls   int
	err     error
}

func (m *mockGraph) IsFollowing(_ context.Context, viewer, author string) (bool, error) {
	m.calls++
	if m.err != nil {
		return false, m.err
	}
	return m.follows[edge{viewer, author}], nil
}

func (m *mockGraph) IsBlocked(_ context.Context, a, b string) (bool, error) {
	m.calls++
	if m.err != nil {
		return false, m.err
	}
	return m.blocks[edge{a, b}], nil
}

func TestIsEligible(t *testing.T) {
	graph := &mockGraph{
		follows: map[edge]bool{{"me", "friend"}: true, {"me", "rude"}: true},
		blocks: map[edge]bool{
			{"me", "troll"}: true,
			{"rude", "me"}:  true,
		},
	}

	tests := []struct {
		name  string
		entry model.ContentEntry
		want  bool
	}{
		{name: "public stranger", entry: model.ContentEntry{AuthorID: "stranger", Visibility: model.VisibilityPublic}, want: true},
		{name: "viewer blocked author", entry: model.ContentEntry{AuthorID: "troll", Visibility: model.VisibilityPublic}, want: false},
		{name: "author blocked viewer", entry: model.ContentEntry{AuthorID: "rude", Visibility: model.VisibilityPublic}, want: false},
		{name: "followers-only by followed", entry: model.ContentEntry{AuthorID: "friend", Visibility: model.VisibilityFollowers}, want: true},
		{name: "followers-only by stranger", entry: model.ContentEntry{AuthorID: "stranger", Visibility: model.VisibilityFollowers}, want: false},
		{name: "private by other", entry: model.ContentEntry{AuthorID: "friend", Visibility: model.VisibilityPrivate}, want: false},
		{name: "private by self", entry: model.ContentEntry{AuthorID: "me", Visibility: model.VisibilityPrivate}, want: true},
		{name: "followers-only by self", entry: model.ContentEntry{AuthorID: "me", Visibility: model.VisibilityFollowers}, want: true},
		{name: "unknown visibility", entry: model.ContentEntry{AuthorID: "friend", Visibility: "secret"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScope(context.Background(), graph, "me")
			got := s.IsEligible(&tt.entry)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("IsEligible() mismatch (-want +got):\n%s", diff)
			}
			if s.Err() != nil {
				t.Errorf("unexpected scope error: %v", s.Err())
			}
		})
	}
}

func TestScopeMemoizesLookups(t *testing.T) {
	graph := &mockGraph{follows: map[edge]bool{{"me", "friend"}: true}}
	s := NewScope(context.Background(), graph, "me")

	entry := &model.ContentEntry{AuthorID: "friend", Visibility: model.VisibilityFollowers}
	for range 5 {
		if !s.IsEligible(entry) {
			t.Fatal("expected entry to be eligible")
		}
	}
	// one follow lookup plus two block lookups (both directions)
	if diff := cmp.Diff(3, graph.calls); diff != "" {
		t.Errorf("lookup count mismatch (-want +got):\n%s", diff)
	}

	fresh := NewScope(context.Background(), graph, "me")
	fresh.IsEligible(entry)
	if diff := cmp.Diff(6, graph.calls); diff != "" {
		t.Errorf("new scope must not reuse facts (-want +got):\n%s", diff)
	}
}

func TestScopeFailsClosed(t *testing.T) {
	boom := errors.New("graph down")
	s := NewScope(context.Background(), &mockGraph{err: boom}, "me")

	if s.IsEligible(&model.ContentEntry{AuthorID: "x", Visibility: model.VisibilityPublic}) {
		t.Error("expected ineligible on lookup failure")
	}
	if !errors.Is(s.Err(), boom) {
		t.Errorf("expected scope error to wrap %v, got %v", boom, s.Err())
	}
	if s.InNetwork("x") {
		t.Error("expected InNetwork false after failure")
	}
}
