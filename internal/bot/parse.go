package bot

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"feedlens/internal/model"
)

// BlockArgs holds the parsed arguments of /addblock.
type BlockArgs struct {
	// Join is how the new block attaches to the previous one; empty means AND.
	Join  model.Connective
	Block model.FilterBlock
}

var kindAliases = map[string]model.FilterKind{
	"type":       model.KindPostType,
	"post_type":  model.KindPostType,
	"author":     model.KindAuthorSet,
	"authors":    model.KindAuthorSet,
	"author_set": model.KindAuthorSet,
	"tag":        model.KindTag,
	"date":       model.KindDateRange,
	"date_range": model.KindDateRange,
	"engagement": model.KindEngagement,
	"score":      model.KindEngagement,
}

var opAliases = map[string]model.Operator{
	"eq":       model.OpEquals,
	"=":        model.OpEquals,
	"is":       model.OpEquals,
	"ne":       model.OpNotEquals,
	"!=":       model.OpNotEquals,
	"not":      model.OpNotEquals,
	"contains": model.OpContains,
	"in":       model.OpContains,
	"~":        model.OpContains,
	"gt":       model.OpGreaterThan,
	">":        model.OpGreaterThan,
	"after":    model.OpGreaterThan,
	"lt":       model.OpLessThan,
	"<":        model.OpLessThan,
	"before":   model.OpLessThan,
	"range":    model.OpInRange,
	"in_range": model.OpInRange,
	"between":  model.OpInRange,
}

const blockUsage = "usage: /addblock [and|or|not] [!]<type|author|tag|date|engagement> <operator> <value>"

// ParseBlockArgs parses /addblock arguments, for example:
//
//	tag contains art
//	or type eq video
//	!author in alice,bob
//	date range 2026-01-01..2026-02-01
func ParseBlockArgs(args string) (BlockArgs, error) {
	parts := strings.Fields(args)
	var out BlockArgs

	if len(parts) > 0 {
		switch c := model.Connective(strings.ToLower(parts[0])); c {
		case model.ConnAnd, model.ConnOr, model.ConnNot:
			out.Join = c
			parts = parts[1:]
		}
	}
	if len(parts) < 3 {
		return BlockArgs{}, fmt.Errorf("%s", blockUsage)
	}

	kindArg := strings.ToLower(parts[0])
	if strings.HasPrefix(kindArg, "!") {
		out.Block.Negate = true
		kindArg = kindArg[1:]
	}
	kind, ok := kindAliases[kindArg]
	if !ok {
		return BlockArgs{}, fmt.Errorf("unknown filter type %q, use: type, author, tag, date, engagement", parts[0])
	}
	op, ok := opAliases[strings.ToLower(parts[1])]
	if !ok {
		return BlockArgs{}, fmt.Errorf("unknown operator %q", parts[1])
	}
	raw := strings.Join(parts[2:], " ")

	value, err := parseValue(kind, op, raw)
	if err != nil {
		return BlockArgs{}, err
	}
	out.Block.Kind = kind
	out.Block.Operator = op
	out.Block.Value = value
	return out, nil
}

func parseValue(kind model.FilterKind, op model.Operator, raw string) (model.Value, error) {
	switch kind {
	case model.KindPostType:
		return model.PostTypeValue{Kind: model.PostKind(strings.ToLower(raw))}, nil
	case model.KindAuthorSet:
		var authors []string
		for _, a := range strings.Split(raw, ",") {
			if a = strings.TrimSpace(a); a != "" {
				authors = append(authors, a)
			}
		}
		return model.AuthorSetValue{Authors: authors}, nil
	case model.KindTag:
		return model.TagValue{Tag: raw}, nil
	case model.KindDateRange:
		var v model.DateRangeValue
		var err error
		switch op {
		case model.OpGreaterThan:
			v.From, err = parseDate(raw)
		case model.OpLessThan:
			v.To, err = parseDate(raw)
		default:
			lo, hi, ok := strings.Cut(raw, "..")
			if !ok {
				return nil, fmt.Errorf("date range must look like 2026-01-01..2026-02-01")
			}
			if v.From, err = parseDate(lo); err == nil {
				v.To, err = parseDate(hi)
			}
		}
		return v, err
	case model.KindEngagement:
		var v model.EngagementValue
		var err error
		switch op {
		case model.OpLessThan:
			v.Max, err = parseScore(raw)
		case model.OpInRange:
			lo, hi, ok := strings.Cut(raw, "..")
			if !ok {
				return nil, fmt.Errorf("engagement range must look like 5..10")
			}
			if v.Min, err = parseScore(lo); err == nil {
				v.Max, err = parseScore(hi)
			}
		default:
			v.Min, err = parseScore(raw)
		}
		return v, err
	}
	return nil, fmt.Errorf("unknown filter type %q", kind)
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q, use YYYY-MM-DD", s)
}

func parseScore(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", strings.TrimSpace(s))
	}
	return f, nil
}

// ParseIDArg extracts a numeric ID from a command argument string.
func ParseIDArg(args string) (int64, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return 0, fmt.Errorf("feed ID is required")
	}
	id, err := strconv.ParseInt(strings.Fields(s)[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid feed ID %q", s)
	}
	return id, nil
}

// ParseRenameArgs extracts a feed ID and new name from command arguments.
func ParseRenameArgs(args string) (int64, string, error) {
	parts := strings.SplitN(strings.TrimSpace(args), " ", 2)
	if len(parts) < 2 {
		return 0, "", fmt.Errorf("usage: /rename <id> <new_name>")
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid feed ID %q", parts[0])
	}
	name := strings.TrimSpace(parts[1])
	if name == "" {
		return 0, "", fmt.Errorf("new name cannot be empty")
	}
	return id, name, nil
}

// ParseNewFeedArgs splits "<name> | <description>"; the description is optional.
func ParseNewFeedArgs(args string) (name, description string, err error) {
	name, description, _ = strings.Cut(args, "|")
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", fmt.Errorf("usage: /newfeed <name> [| description]")
	}
	return name, strings.TrimSpace(description), nil
}

// ParseAuthorArg extracts a single author ID.
func ParseAuthorArg(args string) (string, error) {
	parts := strings.Fields(args)
	if len(parts) != 1 {
		return "", fmt.Errorf("author ID is required")
	}
	return parts[0], nil
}
