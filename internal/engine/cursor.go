package engine

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"feedlens/internal/model"
)

// ErrInvalidCursor is returned for cursors that were not produced by EncodeCursor.
var ErrInvalidCursor = errors.New("invalid cursor")

const cursorVersion = "v1"

// EncodeCursor turns a stream position into an opaque token.
func EncodeCursor(p model.Position) string {
	var nanos int64
	if p.Started() {
		nanos = p.CreatedAt.UnixNano()
	}
	raw := fmt.Sprintf("%s|%d|%s|%d", cursorVersion, nanos, p.ID, p.Snapshot)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by EncodeCursor.
func DecodeCursor(s string) (model.Position, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return model.Position{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	raw := string(data)

	rest, ok := strings.CutPrefix(raw, cursorVersion+"|")
	if !ok {
		return model.Position{}, fmt.Errorf("%w: unknown version", ErrInvalidCursor)
	}
	nanosStr, rest, ok := strings.Cut(rest, "|")
	if !ok {
		return model.Position{}, fmt.Errorf("%w: missing id", ErrInvalidCursor)
	}
	// ids may contain the separator, the snapshot never does
	sep := strings.LastIndex(rest, "|")
	if sep < 0 {
		return model.Position{}, fmt.Errorf("%w: missing snapshot", ErrInvalidCursor)
	}
	id, snapStr := rest[:sep], rest[sep+1:]

	nanos, err := strconv.ParseInt(nanosStr, 10, 64)
	if err != nil {
		return model.Position{}, fmt.Errorf("%w: bad timestamp", ErrInvalidCursor)
	}
	snapshot, err := strconv.ParseInt(snapStr, 10, 64)
	if err != nil || snapshot < 0 {
		return model.Position{}, fmt.Errorf("%w: bad snapshot", ErrInvalidCursor)
	}

	p := model.Position{ID: id, Snapshot: snapshot}
	if id != "" {
		p.CreatedAt = time.Unix(0, nanos).UTC()
	}
	return p, nil
}
