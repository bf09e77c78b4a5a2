package filter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"feedlens/internal/model"
)

type netEnv map[string]bool

func (n netEnv) InNetwork(authorID string) bool { return n[authorID] }

type fakeResolver map[string]bool

func (f fakeResolver) ResolveAuthor(_ context.Context, id string) (bool, error) {
	return f[id], nil
}

func isImage(conn model.Connective) model.FilterBlock {
	return model.FilterBlock{Kind: model.KindPostType, Operator: model.OpEquals, Value: model.PostTypeValue{Kind: model.PostImage}, Connective: conn}
}

func tagArt(conn model.Connective) model.FilterBlock {
	return model.FilterBlock{Kind: model.KindTag, Operator: model.OpEquals, Value: model.TagValue{Tag: "art"}, Connective: conn}
}

func popular(conn model.Connective) model.FilterBlock {
	return model.FilterBlock{Kind: model.KindEngagement, Operator: model.OpGreaterThan, Value: model.EngagementValue{Min: 10}, Connective: conn}
}

func ordered(blocks ...model.FilterBlock) []model.FilterBlock {
	for i := range blocks {
		blocks[i].Order = i
	}
	return blocks
}

// entryFor builds an entry where isImage, tagArt and popular evaluate to a, b, c.
func entryFor(a, b, c bool) *model.ContentEntry {
	e := &model.ContentEntry{ID: "e", AuthorID: "x", Kind: model.PostText, Tags: []string{"misc"}}
	if a {
		e.Kind = model.PostImage
	}
	if b {
		e.Tags = append(e.Tags, "Art")
	}
	if c {
		e.EngagementScore = 50
	}
	return e
}

func compile(t *testing.T, blocks []model.FilterBlock) *Compiled {
	t.Helper()
	c, err := NewCompiler(nil).Compile(context.Background(), blocks)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return c
}

func TestCompilePrecedenceTruthTable(t *testing.T) {
	tests := []struct {
		name   string
		blocks []model.FilterBlock
		want   func(a, b, c bool) bool
	}{
		{
			name: "NOT A AND B OR C",
			blocks: func() []model.FilterBlock {
				a := isImage(model.ConnAnd)
				a.Negate = true
				return ordered(a, tagArt(model.ConnOr), popular(""))
			}(),
			want: func(a, b, c bool) bool { return (!a && b) || c },
		},
		{
			name:   "A OR B AND C",
			blocks: ordered(isImage(model.ConnOr), tagArt(model.ConnAnd), popular("")),
			want:   func(a, b, c bool) bool { return a || (b && c) },
		},
		{
			name:   "A NOT B OR C",
			blocks: ordered(isImage(model.ConnNot), tagArt(model.ConnOr), popular("")),
			want:   func(a, b, c bool) bool { return (a && !b) || c },
		},
		{
			name: "A AND (B OR C) via group",
			blocks: func() []model.FilterBlock {
				b := tagArt(model.ConnOr)
				b.GroupID = 1
				c := popular("")
				c.GroupID = 1
				return ordered(isImage(model.ConnAnd), b, c)
			}(),
			want: func(a, b, c bool) bool { return a && (b || c) },
		},
		{
			name: "A NOT (B OR C) via group",
			blocks: func() []model.FilterBlock {
				b := tagArt(model.ConnOr)
				b.GroupID = 7
				c := popular("")
				c.GroupID = 7
				return ordered(isImage(model.ConnNot), b, c)
			}(),
			want: func(a, b, c bool) bool { return a && !(b || c) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compiled := compile(t, tt.blocks)
			for mask := 0; mask < 8; mask++ {
				a, b, c := mask&1 != 0, mask&2 != 0, mask&4 != 0
				got := compiled.Match(netEnv{}, entryFor(a, b, c))
				if diff := cmp.Diff(tt.want(a, b, c), got); diff != "" {
					t.Errorf("A=%v B=%v C=%v tree %s mismatch (-want +got):\n%s", a, b, c, compiled.Root, diff)
				}
			}
		})
	}
}

func TestCompileBlockLimits(t *testing.T) {
	blocks := func(n int) []model.FilterBlock {
		out := make([]model.FilterBlock, n)
		for i := range out {
			out[i] = tagArt(model.ConnOr)
			out[i].Order = i
		}
		return out
	}

	tests := []struct {
		name        string
		count       int
		wantErr     error
		wantWarning bool
	}{
		{name: "ten blocks no warning", count: 10},
		{name: "eleven blocks warn", count: 11, wantWarning: true},
		{name: "twenty blocks warn", count: 20, wantWarning: true},
		{name: "twenty one blocks rejected", count: 21, wantErr: ErrTooManyBlocks},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewCompiler(nil).Compile(context.Background(), blocks(tt.count))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.wantWarning, got.PerformanceWarning); diff != "" {
				t.Errorf("PerformanceWarning mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCompileRejectsBadBlocks(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		block   model.FilterBlock
		wantErr error
	}{
		{
			name:    "unknown kind",
			block:   model.FilterBlock{Kind: "mood", Operator: model.OpEquals, Value: model.TagValue{Tag: "x"}},
			wantErr: ErrUnknownFilterKind,
		},
		{
			name:    "value of wrong variant",
			block:   model.FilterBlock{Kind: model.KindTag, Operator: model.OpEquals, Value: model.AuthorSetValue{Authors: []string{"a"}}},
			wantErr: ErrInvalidValueShape,
		},
		{
			name:    "undecodable payload",
			block:   model.FilterBlock{Kind: model.KindTag, Operator: model.OpEquals, Value: model.DecodeValue(model.KindTag, []byte(`{"tags":["x"]}`))},
			wantErr: ErrInvalidValueShape,
		},
		{
			name:    "missing value",
			block:   model.FilterBlock{Kind: model.KindTag, Operator: model.OpEquals},
			wantErr: ErrInvalidValueShape,
		},
		{
			name:    "empty tag",
			block:   model.FilterBlock{Kind: model.KindTag, Operator: model.OpContains, Value: model.TagValue{Tag: "  "}},
			wantErr: ErrInvalidValueShape,
		},
		{
			name:    "unknown post kind",
			block:   model.FilterBlock{Kind: model.KindPostType, Operator: model.OpEquals, Value: model.PostTypeValue{Kind: "gif"}},
			wantErr: ErrInvalidValueShape,
		},
		{
			name:    "unsupported operator for post type",
			block:   model.FilterBlock{Kind: model.KindPostType, Operator: model.OpGreaterThan, Value: model.PostTypeValue{Kind: model.PostImage}},
			wantErr: ErrInvalidValueShape,
		},
		{
			name:    "reversed date range",
			block:   model.FilterBlock{Kind: model.KindDateRange, Operator: model.OpInRange, Value: model.DateRangeValue{From: now, To: now.Add(-time.Hour)}},
			wantErr: ErrInvalidValueShape,
		},
		{
			name:    "empty author set",
			block:   model.FilterBlock{Kind: model.KindAuthorSet, Operator: model.OpContains, Value: model.AuthorSetValue{}},
			wantErr: ErrInvalidValueShape,
		},
		{
			name:    "bad connective",
			block:   model.FilterBlock{Kind: model.KindTag, Operator: model.OpEquals, Value: model.TagValue{Tag: "x"}, Connective: "xor"},
			wantErr: ErrInvalidValueShape,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCompiler(nil).Compile(context.Background(), []model.FilterBlock{tt.block})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			var be *BlockError
			if !errors.As(err, &be) {
				t.Fatalf("expected *BlockError, got %T", err)
			}
		})
	}
}

func TestCompileReportsEveryBadBlock(t *testing.T) {
	blocks := ordered(
		model.FilterBlock{Kind: "mood", Operator: model.OpEquals},
		tagArt(model.ConnAnd),
		model.FilterBlock{Kind: model.KindTag, Operator: model.OpEquals, Value: model.TagValue{}},
	)
	_, err := NewCompiler(nil).Compile(context.Background(), blocks)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"block 0", "block 2"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
	if !errors.Is(err, ErrUnknownFilterKind) || !errors.Is(err, ErrInvalidValueShape) {
		t.Errorf("expected both failure kinds in %v", err)
	}
}

func TestCompilePrunesStaleAuthors(t *testing.T) {
	blocks := []model.FilterBlock{{
		Kind:     model.KindAuthorSet,
		Operator: model.OpContains,
		Value:    model.AuthorSetValue{Authors: []string{"alice", "ghost", "bob"}},
	}}
	resolver := fakeResolver{"alice": true, "bob": true}

	got, err := NewCompiler(resolver).Compile(context.Background(), blocks)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	if diff := cmp.Diff([]string{"ghost"}, got.PrunedAuthors); diff != "" {
		t.Errorf("PrunedAuthors mismatch (-want +got):\n%s", diff)
	}
	wantValue := model.AuthorSetValue{Authors: []string{"alice", "bob"}}
	if diff := cmp.Diff(model.Value(wantValue), got.Blocks[0].Value); diff != "" {
		t.Errorf("pruned value mismatch (-want +got):\n%s", diff)
	}
	// Caller's blocks are untouched.
	if n := len(blocks[0].Value.(model.AuthorSetValue).Authors); n != 3 {
		t.Errorf("input mutated: %d authors", n)
	}
	if got.Match(netEnv{}, &model.ContentEntry{AuthorID: "ghost"}) {
		t.Error("pruned author still matches")
	}
	if !got.Match(netEnv{}, &model.ContentEntry{AuthorID: "bob"}) {
		t.Error("remaining author does not match")
	}
}

func TestCompileOrdersByCost(t *testing.T) {
	blocks := ordered(
		model.FilterBlock{Kind: model.KindTag, Operator: model.OpContains, Value: model.TagValue{Tag: "art"}, Connective: model.ConnAnd},
		model.FilterBlock{Kind: model.KindAuthorSet, Operator: model.OpEquals, Value: model.AuthorSetValue{Authors: []string{"a"}}, Connective: model.ConnAnd},
		isImage(""),
	)
	got := compile(t, blocks).Root.String()
	want := `(post_type eq image AND author eq [a] AND tag contains "art")`
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tree mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileEmptyTreeIsNetwork(t *testing.T) {
	got := compile(t, nil)
	env := netEnv{"friend": true}

	tests := []struct {
		author string
		want   bool
	}{
		{author: "friend", want: true},
		{author: "stranger", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.author, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, got.Match(env, &model.ContentEntry{AuthorID: tt.author})); diff != "" {
				t.Errorf("Match() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLeafOperators(t *testing.T) {
	day := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	entry := &model.ContentEntry{
		AuthorID:        "alice",
		Kind:            model.PostVideo,
		Tags:            []string{"Travel", "street-art"},
		CreatedAt:       day,
		EngagementScore: 7,
	}

	tests := []struct {
		name  string
		block model.FilterBlock
		want  bool
	}{
		{"post type ne", model.FilterBlock{Kind: model.KindPostType, Operator: model.OpNotEquals, Value: model.PostTypeValue{Kind: model.PostImage}}, true},
		{"author not in set", model.FilterBlock{Kind: model.KindAuthorSet, Operator: model.OpNotEquals, Value: model.AuthorSetValue{Authors: []string{"alice"}}}, false},
		{"tag equals ignores case", model.FilterBlock{Kind: model.KindTag, Operator: model.OpEquals, Value: model.TagValue{Tag: "travel"}}, true},
		{"tag equals is exact", model.FilterBlock{Kind: model.KindTag, Operator: model.OpEquals, Value: model.TagValue{Tag: "art"}}, false},
		{"tag contains substring", model.FilterBlock{Kind: model.KindTag, Operator: model.OpContains, Value: model.TagValue{Tag: "ART"}}, true},
		{"tag ne", model.FilterBlock{Kind: model.KindTag, Operator: model.OpNotEquals, Value: model.TagValue{Tag: "food"}}, true},
		{"date after", model.FilterBlock{Kind: model.KindDateRange, Operator: model.OpGreaterThan, Value: model.DateRangeValue{From: day.Add(-time.Hour)}}, true},
		{"date before", model.FilterBlock{Kind: model.KindDateRange, Operator: model.OpLessThan, Value: model.DateRangeValue{To: day.Add(-time.Hour)}}, false},
		{"date range inclusive", model.FilterBlock{Kind: model.KindDateRange, Operator: model.OpInRange, Value: model.DateRangeValue{From: day, To: day}}, true},
		{"engagement gt", model.FilterBlock{Kind: model.KindEngagement, Operator: model.OpGreaterThan, Value: model.EngagementValue{Min: 7}}, false},
		{"engagement lt", model.FilterBlock{Kind: model.KindEngagement, Operator: model.OpLessThan, Value: model.EngagementValue{Max: 8}}, true},
		{"engagement eq", model.FilterBlock{Kind: model.KindEngagement, Operator: model.OpEquals, Value: model.EngagementValue{Min: 7}}, true},
		{"engagement range", model.FilterBlock{Kind: model.KindEngagement, Operator: model.OpInRange, Value: model.EngagementValue{Min: 1, Max: 5}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := compile(t, []model.FilterBlock{tt.block}).Match(netEnv{}, entry)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Match() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMayMatchAuthor(t *testing.T) {
	authors := func(ids ...string) model.FilterBlock {
		return model.FilterBlock{Kind: model.KindAuthorSet, Operator: model.OpEquals, Value: model.AuthorSetValue{Authors: ids}}
	}

	tests := []struct {
		name   string
		blocks []model.FilterBlock
		author string
		want   bool
	}{
		{name: "empty tree", blocks: nil, author: "anyone", want: true},
		{name: "author in set", blocks: []model.FilterBlock{authors("a", "b")}, author: "b", want: true},
		{name: "author outside set", blocks: []model.FilterBlock{authors("a")}, author: "z", want: false},
		{
			name:   "and with tag stays restricted",
			blocks: ordered(func() model.FilterBlock { b := authors("a"); b.Connective = model.ConnAnd; return b }(), tagArt("")),
			author: "z",
			want:   false,
		},
		{
			name:   "or with tag is unrestricted",
			blocks: ordered(func() model.FilterBlock { b := authors("a"); b.Connective = model.ConnOr; return b }(), tagArt("")),
			author: "z",
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := compile(t, tt.blocks).MayMatchAuthor(tt.author)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("MayMatchAuthor(%s) mismatch (-want +got):\n%s", tt.author, diff)
			}
		})
	}
}

func ExampleCompiler_Compile() {
	c, _ := NewCompiler(nil).Compile(context.Background(), ordered(isImage(model.ConnAnd), tagArt("")))
	fmt.Println(c.Root)
	// Output: (post_type eq image AND tag eq "art")
}
