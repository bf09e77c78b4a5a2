package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"feedlens/internal/model"
)

// streamBatch bounds how many rows are buffered per keyset query.
const streamBatch = 200

// InsertEntry adds an entry to the corpus. It reports false when an entry
// with the same ID already exists.
func (s *SQLite) InsertEntry(ctx context.Context, e *model.ContentEntry) (bool, error) {
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	rawTags, err := json.Marshal(tags)
	if err != nil {
		return false, fmt.Errorf("encode tags: %w", err)
	}
	visibility := e.Visibility
	if visibility == "" {
		visibility = model.VisibilityPublic
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO entries (id, author_id, kind, tags, title, link, created_at, engagement, visibility)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AuthorID, string(e.Kind), string(rawTags), e.Title, e.Link,
		e.CreatedAt.UTC().UnixNano(), e.EngagementScore, string(visibility),
	)
	if err != nil {
		return false, fmt.Errorf("insert entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// Head returns the highest sequence number in the corpus, or 0 when empty.
func (s *SQLite) Head(ctx context.Context) (int64, error) {
	var head int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM entries`).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("corpus head: %w", err)
	}
	return head, nil
}

// StreamCandidates walks the corpus newest first using keyset pagination.
// Other users' private entries are dropped in the query; all remaining
// eligibility checks belong to the caller. Each batch is read fully before
// it is yielded so no connection is held while the consumer runs.
func (s *SQLite) StreamCandidates(ctx context.Context, viewerID string, from model.Position) iter.Seq2[model.ContentEntry, error] {
	return func(yield func(model.ContentEntry, error) bool) {
		pos := from
		for {
			batch, err := s.candidateBatch(ctx, viewerID, pos)
			if err != nil {
				yield(model.ContentEntry{}, err)
				return
			}
			for _, e := range batch {
				if !yield(e, nil) {
					return
				}
			}
			if len(batch) < streamBatch {
				return
			}
			last := batch[len(batch)-1]
			pos = model.Position{CreatedAt: last.CreatedAt, ID: last.ID, Snapshot: from.Snapshot}
		}
	}
}

func (s *SQLite) candidateBatch(ctx context.Context, viewerID string, pos model.Position) ([]model.ContentEntry, error) {
	started := boolToInt(pos.Started())
	at := pos.CreatedAt.UTC().UnixNano()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, author_id, kind, tags, title, link, created_at, engagement, visibility
		 FROM entries
		 WHERE seq <= ?
		   AND (visibility != 'private' OR author_id = ?)
		   AND (? = 0 OR created_at < ? OR (created_at = ? AND id < ?))
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		pos.Snapshot, viewerID, started, at, at, pos.ID, streamBatch,
	)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	batch := make([]model.ContentEntry, 0, streamBatch)
	for rows.Next() {
		var e model.ContentEntry
		var kind, tags, visibility string
		var created int64
		if err := rows.Scan(&e.ID, &e.AuthorID, &kind, &tags, &e.Title, &e.Link, &created, &e.EngagementScore, &visibility); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
			return nil, fmt.Errorf("entry %s tags: %w", e.ID, err)
		}
		e.Kind = model.PostKind(kind)
		e.Visibility = model.Visibility(visibility)
		e.CreatedAt = time.Unix(0, created).UTC()
		batch = append(batch, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return batch, nil
}
