package filter

import (
	"fmt"
	"slices"
	"strings"

	"feedlens/internal/model"
)

// Env supplies viewer-dependent facts to predicates during one evaluation.
type Env interface {
	// InNetwork reports whether author is the viewer or followed by the viewer.
	InNetwork(authorID string) bool
}

// Node is an immutable node of a compiled boolean tree.
type Node interface {
	Eval(env Env, e *model.ContentEntry) bool
	// Cost is the estimated price of evaluating the node; lower runs first.
	Cost() int
	String() string
}

// Leaf is a single predicate derived from one filter block.
type Leaf struct {
	Index int
	Kind  model.FilterKind
	Op    model.Operator
	label string
	cost  int
	match func(env Env, e *model.ContentEntry) bool

	// authors is set for positive author-set leaves and drives targeted invalidation.
	authors map[string]struct{}
}

// Eval runs the predicate.
func (l *Leaf) Eval(env Env, e *model.ContentEntry) bool { return l.match(env, e) }

// Cost returns the leaf's static cost estimate.
func (l *Leaf) Cost() int { return l.cost }

func (l *Leaf) String() string { return l.label }

// Not negates its operand.
type Not struct {
	X Node
}

// Eval returns the negation of X.
func (n *Not) Eval(env Env, e *model.ContentEntry) bool { return !n.X.Eval(env, e) }

// Cost is the cost of X.
func (n *Not) Cost() int { return n.X.Cost() }

func (n *Not) String() string { return "NOT " + n.X.String() }

// And is true when every child is true. Children are sorted cheapest first.
type And struct {
	Children []Node
	cost     int
}

// Eval short-circuits on the first false child.
func (a *And) Eval(env Env, e *model.ContentEntry) bool {
	for _, c := range a.Children {
		if !c.Eval(env, e) {
			return false
		}
	}
	return true
}

// Cost is the sum of child costs.
func (a *And) Cost() int { return a.cost }

func (a *And) String() string { return join(a.Children, " AND ") }

// Or is true when any child is true. Children are sorted cheapest first.
type Or struct {
	Children []Node
	cost     int
}

// Eval short-circuits on the first true child.
func (o *Or) Eval(env Env, e *model.ContentEntry) bool {
	for _, c := range o.Children {
		if c.Eval(env, e) {
			return true
		}
	}
	return false
}

// Cost is the sum of child costs.
func (o *Or) Cost() int { return o.cost }

func (o *Or) String() string { return join(o.Children, " OR ") }

func join(nodes []Node, sep string) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = n.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

func newAnd(children []Node) Node {
	if len(children) == 1 {
		return children[0]
	}
	sortByCost(children)
	return &And{Children: children, cost: sumCost(children)}
}

func newOr(children []Node) Node {
	if len(children) == 1 {
		return children[0]
	}
	sortByCost(children)
	return &Or{Children: children, cost: sumCost(children)}
}

func negate(n Node) Node {
	if not, ok := n.(*Not); ok {
		return not.X
	}
	return &Not{X: n}
}

func sortByCost(nodes []Node) {
	slices.SortStableFunc(nodes, func(a, b Node) int { return a.Cost() - b.Cost() })
}

func sumCost(nodes []Node) int {
	total := 0
	for _, n := range nodes {
		total += n.Cost()
	}
	return total
}

// authorScope returns the set of authors a node can possibly match.
// unrestricted means any author may match.
func authorScope(n Node) (authors map[string]struct{}, unrestricted bool) {
	switch n := n.(type) {
	case *Leaf:
		if n.authors != nil {
			return n.authors, false
		}
		return nil, true
	case *And:
		// An entry must satisfy every child, so any restricted child bounds the
		// whole conjunction; the union of restricted children is a safe superset.
		var union map[string]struct{}
		for _, c := range n.Children {
			set, free := authorScope(c)
			if free {
				continue
			}
			if union == nil {
				union = make(map[string]struct{})
			}
			for a := range set {
				union[a] = struct{}{}
			}
		}
		if union == nil {
			return nil, true
		}
		return union, false
	case *Or:
		union := make(map[string]struct{})
		for _, c := range n.Children {
			set, free := authorScope(c)
			if free {
				return nil, true
			}
			for a := range set {
				union[a] = struct{}{}
			}
		}
		return union, false
	default:
		return nil, true
	}
}

func leafLabel(b model.FilterBlock) string {
	switch v := b.Value.(type) {
	case model.PostTypeValue:
		return fmt.Sprintf("post_type %s %s", b.Operator, v.Kind)
	case model.AuthorSetValue:
		return fmt.Sprintf("author %s [%s]", b.Operator, strings.Join(v.Authors, ","))
	case model.TagValue:
		return fmt.Sprintf("tag %s %q", b.Operator, v.Tag)
	case model.DateRangeValue:
		return fmt.Sprintf("created %s %s..%s", b.Operator, v.From.Format("2006-01-02"), v.To.Format("2006-01-02"))
	case model.EngagementValue:
		return fmt.Sprintf("engagement %s %g..%g", b.Operator, v.Min, v.Max)
	}
	return string(b.Kind)
}
