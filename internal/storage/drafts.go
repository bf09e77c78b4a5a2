package storage

import (
	"context"
	"fmt"

	"feedlens/internal/model"
)

// SaveDraft inserts or replaces a draft by ID.
func (s *SQLite) SaveDraft(ctx context.Context, d *model.Draft) error {
	blocks, err := model.EncodeBlocks(d.Blocks)
	if err != nil {
		return err
	}
	created := d.CreatedAt.UTC().Format(timeLayout)
	if d.CreatedAt.IsZero() {
		created = s.stamp()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO drafts (id, owner_id, feed_id, name, base_version, filter_blocks, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   feed_id = excluded.feed_id,
		   name = excluded.name,
		   base_version = excluded.base_version,
		   filter_blocks = excluded.filter_blocks,
		   status = excluded.status`,
		d.ID, d.OwnerID, d.FeedID, d.Name, d.BaseVersion, blocks, string(d.Status), created,
	)
	if err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	d.CreatedAt = parseStamp(created)
	return nil
}

// ListDrafts returns the owner's drafts, oldest first.
func (s *SQLite) ListDrafts(ctx context.Context, ownerID string) ([]model.Draft, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, feed_id, name, base_version, filter_blocks, status, created_at
		 FROM drafts WHERE owner_id = ? ORDER BY created_at, id`, ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("query drafts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var drafts []model.Draft
	for rows.Next() {
		var d model.Draft
		var blocks, status, created string
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.FeedID, &d.Name, &d.BaseVersion, &blocks, &status, &created); err != nil {
			return nil, fmt.Errorf("scan draft: %w", err)
		}
		if d.Blocks, err = model.DecodeBlocks(blocks); err != nil {
			return nil, fmt.Errorf("draft %s: %w", d.ID, err)
		}
		d.Status = model.DraftStatus(status)
		d.CreatedAt = parseStamp(created)
		drafts = append(drafts, d)
	}
	return drafts, rows.Err()
}

// DeleteDraft removes a draft by ID.
func (s *SQLite) DeleteDraft(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM drafts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("draft %s: %w", id, ErrNotFound)
	}
	return nil
}
