package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// FilterKind defines the type of filter condition.
type FilterKind string

// Supported filter kinds.
const (
	KindPostType   FilterKind = "post_type"
	KindAuthorSet  FilterKind = "author_set"
	KindTag        FilterKind = "tag"
	KindDateRange  FilterKind = "date_range"
	KindEngagement FilterKind = "engagement"
)

// Operator is the comparison a filter block applies.
type Operator string

// Supported operators.
const (
	OpEquals      Operator = "eq"
	OpNotEquals   Operator = "ne"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "gt"
	OpLessThan    Operator = "lt"
	OpInRange     Operator = "in_range"
)

// Connective joins a filter block with the block that follows it.
type Connective string

// Supported connectives. ConnNot on block i reads as "i AND NOT i+1".
const (
	ConnAnd Connective = "and"
	ConnOr  Connective = "or"
	ConnNot Connective = "not"
)

// Value is the kind-specific payload of a filter block.
// The set of implementations is closed to this package.
type Value interface {
	FilterKind() FilterKind
	isValue()
}

// PostTypeValue matches entries of a single post kind.
type PostTypeValue struct {
	Kind PostKind `json:"kind"`
}

// AuthorSetValue matches entries written by any of the listed authors.
type AuthorSetValue struct {
	Authors []string `json:"authors"`
}

// TagValue matches entries by tag.
type TagValue struct {
	Tag string `json:"tag"`
}

// DateRangeValue bounds entry creation time. A zero bound is open.
type DateRangeValue struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// EngagementValue bounds the entry engagement score.
type EngagementValue struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// RawValue holds a payload that could not be decoded into a known variant.
// The compiler rejects it; it exists so bad rows stay loadable and reportable.
type RawValue struct {
	Kind FilterKind
	Data json.RawMessage
	Err  error
}

func (PostTypeValue) FilterKind() FilterKind   { return KindPostType }
func (AuthorSetValue) FilterKind() FilterKind  { return KindAuthorSet }
func (TagValue) FilterKind() FilterKind        { return KindTag }
func (DateRangeValue) FilterKind() FilterKind  { return KindDateRange }
func (EngagementValue) FilterKind() FilterKind { return KindEngagement }
func (v RawValue) FilterKind() FilterKind      { return v.Kind }

func (PostTypeValue) isValue()   {}
func (AuthorSetValue) isValue()  {}
func (TagValue) isValue()        {}
func (DateRangeValue) isValue()  {}
func (EngagementValue) isValue() {}
func (RawValue) isValue()        {}

// FilterBlock is one atomic condition of a feed's filter tree.
type FilterBlock struct {
	Kind       FilterKind
	Operator   Operator
	Value      Value
	GroupID    int
	Connective Connective
	// Negate applies NOT to this block alone.
	Negate bool
	// Order is the display position; it also breaks ties between equal-cost predicates.
	Order int
}

type blockJSON struct {
	Kind       FilterKind      `json:"kind"`
	Operator   Operator        `json:"operator"`
	Value      json.RawMessage `json:"value"`
	GroupID    int             `json:"group_id,omitempty"`
	Connective Connective      `json:"connective,omitempty"`
	Negate     bool            `json:"negate,omitempty"`
	Order      int             `json:"order"`
}

// MarshalJSON encodes the block with its typed value payload.
func (b FilterBlock) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	switch v := b.Value.(type) {
	case nil:
		raw = json.RawMessage("null")
	case RawValue:
		raw = v.Data
		if len(raw) == 0 {
			raw = json.RawMessage("null")
		}
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal %s value: %w", b.Kind, err)
		}
		raw = data
	}
	return json.Marshal(blockJSON{
		Kind:       b.Kind,
		Operator:   b.Operator,
		Value:      raw,
		GroupID:    b.GroupID,
		Connective: b.Connective,
		Negate:     b.Negate,
		Order:      b.Order,
	})
}

// UnmarshalJSON decodes a block. Payloads that do not fit the declared kind
// are kept as RawValue instead of failing, so the compiler can report them.
func (b *FilterBlock) UnmarshalJSON(data []byte) error {
	var bj blockJSON
	if err := json.Unmarshal(data, &bj); err != nil {
		return fmt.Errorf("decode filter block: %w", err)
	}
	*b = FilterBlock{
		Kind:       bj.Kind,
		Operator:   bj.Operator,
		GroupID:    bj.GroupID,
		Connective: bj.Connective,
		Negate:     bj.Negate,
		Order:      bj.Order,
	}
	b.Value = DecodeValue(bj.Kind, bj.Value)
	return nil
}

// DecodeValue strictly decodes a payload for kind. Unknown kinds and shape
// mismatches produce a RawValue carrying the decode error.
func DecodeValue(kind FilterKind, data json.RawMessage) Value {
	var target Value
	var err error
	switch kind {
	case KindPostType:
		var v PostTypeValue
		err = decodeStrict(data, &v)
		target = v
	case KindAuthorSet:
		var v AuthorSetValue
		err = decodeStrict(data, &v)
		target = v
	case KindTag:
		var v TagValue
		err = decodeStrict(data, &v)
		target = v
	case KindDateRange:
		var v DateRangeValue
		err = decodeStrict(data, &v)
		target = v
	case KindEngagement:
		var v EngagementValue
		err = decodeStrict(data, &v)
		target = v
	default:
		return RawValue{Kind: kind, Data: data, Err: fmt.Errorf("unknown filter kind %q", kind)}
	}
	if err != nil {
		return RawValue{Kind: kind, Data: data, Err: err}
	}
	return target
}

func decodeStrict(data json.RawMessage, v any) error {
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("missing value")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	return nil
}

// EncodeBlocks serializes a filter tree for storage.
func EncodeBlocks(blocks []FilterBlock) (string, error) {
	if blocks == nil {
		blocks = []FilterBlock{}
	}
	data, err := json.Marshal(blocks)
	if err != nil {
		return "", fmt.Errorf("encode filter blocks: %w", err)
	}
	return string(data), nil
}

// DecodeBlocks parses a stored filter tree.
func DecodeBlocks(s string) ([]FilterBlock, error) {
	if s == "" {
		return nil, nil
	}
	var blocks []FilterBlock
	if err := json.Unmarshal([]byte(s), &blocks); err != nil {
		return nil, fmt.Errorf("decode filter blocks: %w", err)
	}
	return blocks, nil
}

// CloneBlocks returns a deep copy of blocks, so builder sessions never share
// author slices with stored definitions.
func CloneBlocks(blocks []FilterBlock) []FilterBlock {
	if blocks == nil {
		return nil
	}
	out := make([]FilterBlock, len(blocks))
	for i, b := range blocks {
		out[i] = b
		if as, ok := b.Value.(AuthorSetValue); ok {
			out[i].Value = AuthorSetValue{Authors: append([]string(nil), as.Authors...)}
		}
	}
	return out
}
