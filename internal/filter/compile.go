// Package filter compiles feed filter blocks into cost-ordered boolean trees.
package filter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"feedlens/internal/model"
)

// Structural limits of a filter tree.
const (
	MaxBlocks  = 20
	SoftBlocks = 10
)

// CompilerVersion changes whenever compiled trees from an older build must be discarded.
const CompilerVersion = 1

// Compile failures.
var (
	ErrTooManyBlocks     = errors.New("too many filter blocks")
	ErrInvalidValueShape = errors.New("invalid filter value shape")
	ErrUnknownFilterKind = errors.New("unknown filter kind")
)

// BlockError ties a compile failure to the offending block.
type BlockError struct {
	Index  int
	Err    error
	Detail string
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("block %d: %v: %s", e.Index, e.Err, e.Detail)
}

func (e *BlockError) Unwrap() error { return e.Err }

// AuthorResolver reports whether an author still exists.
type AuthorResolver interface {
	ResolveAuthor(ctx context.Context, authorID string) (bool, error)
}

// Compiled is the immutable result of compiling a filter tree.
type Compiled struct {
	Root Node
	// Blocks is the input after stale authors were stripped.
	Blocks             []model.FilterBlock
	PerformanceWarning bool
	PrunedAuthors      []string
}

// Match evaluates the tree against an entry.
func (c *Compiled) Match(env Env, e *model.ContentEntry) bool {
	return c.Root.Eval(env, e)
}

// AuthorPruned reports whether stale authors were removed during compilation.
func (c *Compiled) AuthorPruned() bool { return len(c.PrunedAuthors) > 0 }

// MayMatchAuthor reports whether a new entry by author could appear in this feed.
func (c *Compiled) MayMatchAuthor(authorID string) bool {
	set, unrestricted := authorScope(c.Root)
	if unrestricted {
		return true
	}
	_, ok := set[authorID]
	return ok
}

// Compiler turns filter blocks into compiled trees.
type Compiler struct {
	authors AuthorResolver
}

// NewCompiler creates a Compiler. A nil resolver disables stale-author pruning.
func NewCompiler(authors AuthorResolver) *Compiler {
	return &Compiler{authors: authors}
}

// Compile validates blocks and folds them into a boolean tree with NOT binding
// tighter than AND, and AND tighter than OR. An empty tree yields the
// in-network predicate.
func (c *Compiler) Compile(ctx context.Context, blocks []model.FilterBlock) (*Compiled, error) {
	if len(blocks) > MaxBlocks {
		return nil, fmt.Errorf("%w: %d exceeds limit of %d", ErrTooManyBlocks, len(blocks), MaxBlocks)
	}

	ordered := model.CloneBlocks(blocks)
	slices.SortStableFunc(ordered, func(a, b model.FilterBlock) int { return a.Order - b.Order })

	var errs []error
	for i, b := range ordered {
		if err := validateBlock(b); err != nil {
			errs = append(errs, withIndex(i, err))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	pruned, err := c.pruneAuthors(ctx, ordered)
	if err != nil {
		return nil, err
	}

	out := &Compiled{
		Blocks:             ordered,
		PerformanceWarning: len(ordered) > SoftBlocks,
		PrunedAuthors:      pruned,
	}
	if len(ordered) == 0 {
		out.Root = inNetworkLeaf()
		return out, nil
	}

	units := make([]unit, 0, len(ordered))
	for i := 0; i < len(ordered); {
		j := i + 1
		if g := ordered[i].GroupID; g != 0 {
			for j < len(ordered) && ordered[j].GroupID == g {
				j++
			}
		}
		group := make([]unit, 0, j-i)
		for k := i; k < j; k++ {
			var n Node = newLeaf(k, ordered[k])
			if ordered[k].Negate {
				n = negate(n)
			}
			group = append(group, unit{node: n, conn: ordered[k].Connective})
		}
		units = append(units, unit{node: fold(group), conn: ordered[j-1].Connective})
		i = j
	}
	out.Root = fold(units)
	return out, nil
}

type unit struct {
	node Node
	conn model.Connective
}

// fold applies precedence to a flat operand list. The last unit's connective
// is ignored.
func fold(units []unit) Node {
	if len(units) == 1 {
		return units[0].node
	}
	var terms []Node
	var conj []Node
	negateNext := false
	for i, u := range units {
		n := u.node
		if negateNext {
			n = negate(n)
		}
		negateNext = false
		conj = append(conj, n)
		if i == len(units)-1 {
			break
		}
		switch u.conn {
		case model.ConnOr:
			terms = append(terms, newAnd(conj))
			conj = nil
		case model.ConnNot:
			negateNext = true
		}
	}
	terms = append(terms, newAnd(conj))
	return newOr(terms)
}

func (c *Compiler) pruneAuthors(ctx context.Context, blocks []model.FilterBlock) ([]string, error) {
	if c.authors == nil {
		return nil, nil
	}
	var pruned []string
	for i, b := range blocks {
		as, ok := b.Value.(model.AuthorSetValue)
		if !ok {
			continue
		}
		kept := as.Authors[:0:0]
		for _, id := range as.Authors {
			exists, err := c.authors.ResolveAuthor(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("resolve author %s: %w", id, err)
			}
			if exists {
				kept = append(kept, id)
				continue
			}
			if !slices.Contains(pruned, id) {
				pruned = append(pruned, id)
			}
		}
		blocks[i].Value = model.AuthorSetValue{Authors: kept}
	}
	return pruned, nil
}

func withIndex(i int, err error) error {
	var be *BlockError
	if errors.As(err, &be) {
		be.Index = i
		return be
	}
	return &BlockError{Index: i, Err: err}
}

func shapeErr(format string, args ...any) error {
	return &BlockError{Err: ErrInvalidValueShape, Detail: fmt.Sprintf(format, args...)}
}

func validateBlock(b model.FilterBlock) error {
	switch b.Kind {
	case model.KindPostType, model.KindAuthorSet, model.KindTag, model.KindDateRange, model.KindEngagement:
	default:
		return &BlockError{Err: ErrUnknownFilterKind, Detail: fmt.Sprintf("%q", b.Kind)}
	}

	switch b.Connective {
	case "", model.ConnAnd, model.ConnOr, model.ConnNot:
	default:
		return shapeErr("unknown connective %q", b.Connective)
	}

	if b.Value == nil {
		return shapeErr("missing value for %s", b.Kind)
	}
	if raw, ok := b.Value.(model.RawValue); ok {
		return shapeErr("%s: %v", b.Kind, raw.Err)
	}
	if b.Value.FilterKind() != b.Kind {
		return shapeErr("%s block carries %s value", b.Kind, b.Value.FilterKind())
	}

	switch v := b.Value.(type) {
	case model.PostTypeValue:
		if !opIn(b.Operator, model.OpEquals, model.OpNotEquals) {
			return shapeErr("operator %q not supported for post_type", b.Operator)
		}
		if !v.Kind.Valid() {
			return shapeErr("unknown post kind %q", v.Kind)
		}
	case model.AuthorSetValue:
		if !opIn(b.Operator, model.OpEquals, model.OpContains, model.OpNotEquals) {
			return shapeErr("operator %q not supported for author_set", b.Operator)
		}
		if len(v.Authors) == 0 {
			return shapeErr("author set is empty")
		}
		for _, a := range v.Authors {
			if strings.TrimSpace(a) == "" {
				return shapeErr("author set contains an empty id")
			}
		}
	case model.TagValue:
		if !opIn(b.Operator, model.OpEquals, model.OpContains, model.OpNotEquals) {
			return shapeErr("operator %q not supported for tag", b.Operator)
		}
		if strings.TrimSpace(v.Tag) == "" {
			return shapeErr("tag is empty")
		}
	case model.DateRangeValue:
		switch b.Operator {
		case model.OpGreaterThan:
			if v.From.IsZero() {
				return shapeErr("date gt needs from")
			}
		case model.OpLessThan:
			if v.To.IsZero() {
				return shapeErr("date lt needs to")
			}
		case model.OpInRange:
			if v.From.IsZero() || v.To.IsZero() {
				return shapeErr("date in_range needs from and to")
			}
			if v.To.Before(v.From) {
				return shapeErr("date range ends before it starts")
			}
		default:
			return shapeErr("operator %q not supported for date_range", b.Operator)
		}
	case model.EngagementValue:
		if math.IsNaN(v.Min) || math.IsNaN(v.Max) {
			return shapeErr("engagement bound is NaN")
		}
		switch b.Operator {
		case model.OpGreaterThan, model.OpLessThan, model.OpEquals:
		case model.OpInRange:
			if v.Max < v.Min {
				return shapeErr("engagement range max %g below min %g", v.Max, v.Min)
			}
		default:
			return shapeErr("operator %q not supported for engagement", b.Operator)
		}
	}
	return nil
}

func opIn(op model.Operator, allowed ...model.Operator) bool {
	return slices.Contains(allowed, op)
}

// Leaf costs: indexed equality first, free-text containment last.
const (
	costScalar    = 1
	costAuthorSet = 2
	costTagEqual  = 3
	costNetwork   = 4
	costTagSearch = 8
)

func inNetworkLeaf() *Leaf {
	return &Leaf{
		Index: -1,
		label: "in_network",
		cost:  costNetwork,
		match: func(env Env, e *model.ContentEntry) bool { return env.InNetwork(e.AuthorID) },
	}
}

func newLeaf(index int, b model.FilterBlock) *Leaf {
	l := &Leaf{Index: index, Kind: b.Kind, Op: b.Operator, label: leafLabel(b)}

	switch v := b.Value.(type) {
	case model.PostTypeValue:
		l.cost = costScalar
		want := v.Kind
		if b.Operator == model.OpNotEquals {
			l.match = func(_ Env, e *model.ContentEntry) bool { return e.Kind != want }
		} else {
			l.match = func(_ Env, e *model.ContentEntry) bool { return e.Kind == want }
		}

	case model.AuthorSetValue:
		l.cost = costAuthorSet
		set := make(map[string]struct{}, len(v.Authors))
		for _, a := range v.Authors {
			set[a] = struct{}{}
		}
		if b.Operator == model.OpNotEquals {
			l.match = func(_ Env, e *model.ContentEntry) bool {
				_, ok := set[e.AuthorID]
				return !ok
			}
		} else {
			l.authors = set
			l.match = func(_ Env, e *model.ContentEntry) bool {
				_, ok := set[e.AuthorID]
				return ok
			}
		}

	case model.TagValue:
		tag := strings.ToLower(strings.TrimSpace(v.Tag))
		switch b.Operator {
		case model.OpContains:
			l.cost = costTagSearch
			l.match = func(_ Env, e *model.ContentEntry) bool {
				for _, t := range e.Tags {
					if strings.Contains(strings.ToLower(t), tag) {
						return true
					}
				}
				return false
			}
		case model.OpNotEquals:
			l.cost = costTagEqual
			l.match = func(_ Env, e *model.ContentEntry) bool { return !hasTag(e.Tags, tag) }
		default:
			l.cost = costTagEqual
			l.match = func(_ Env, e *model.ContentEntry) bool { return hasTag(e.Tags, tag) }
		}

	case model.DateRangeValue:
		l.cost = costScalar
		from, to := v.From, v.To
		switch b.Operator {
		case model.OpGreaterThan:
			l.match = func(_ Env, e *model.ContentEntry) bool { return e.CreatedAt.After(from) }
		case model.OpLessThan:
			l.match = func(_ Env, e *model.ContentEntry) bool { return e.CreatedAt.Before(to) }
		default:
			l.match = func(_ Env, e *model.ContentEntry) bool {
				return !e.CreatedAt.Before(from) && !e.CreatedAt.After(to)
			}
		}

	case model.EngagementValue:
		l.cost = costScalar
		lo, hi := v.Min, v.Max
		switch b.Operator {
		case model.OpGreaterThan:
			l.match = func(_ Env, e *model.ContentEntry) bool { return e.EngagementScore > lo }
		case model.OpLessThan:
			l.match = func(_ Env, e *model.ContentEntry) bool { return e.EngagementScore < hi }
		case model.OpEquals:
			l.match = func(_ Env, e *model.ContentEntry) bool { return e.EngagementScore == lo }
		default:
			l.match = func(_ Env, e *model.ContentEntry) bool {
				return e.EngagementScore >= lo && e.EngagementScore <= hi
			}
		}
	}
	return l
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}
