package engine

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"feedlens/internal/model"
)

func TestCursorRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		pos  model.Position
	}{
		{
			name: "first page snapshot only",
			pos:  model.Position{Snapshot: 42},
		},
		{
			name: "mid stream",
			pos:  model.Position{CreatedAt: time.Date(2026, 5, 1, 10, 0, 0, 123, time.UTC), ID: "post-9", Snapshot: 7},
		},
		{
			name: "id containing separator",
			pos:  model.Position{CreatedAt: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC), ID: "a|b|c", Snapshot: 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeCursor(EncodeCursor(tt.pos))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if diff := cmp.Diff(tt.pos, got); diff != "" {
				t.Errorf("position mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeCursorInvalid(t *testing.T) {
	enc := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

	tests := []struct {
		name   string
		cursor string
	}{
		{name: "not base64", cursor: "%%%"},
		{name: "wrong version", cursor: enc("v9|1|a|1")},
		{name: "missing fields", cursor: enc("v1|1")},
		{name: "bad timestamp", cursor: enc("v1|abc|a|1")},
		{name: "bad snapshot", cursor: enc("v1|1|a|x")},
		{name: "negative snapshot", cursor: enc("v1|1|a|-4")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeCursor(tt.cursor); !errors.Is(err, ErrInvalidCursor) {
				t.Errorf("DecodeCursor(%q) error = %v, want ErrInvalidCursor", tt.cursor, err)
			}
		})
	}
}
