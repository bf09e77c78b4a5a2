package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"feedlens/internal/model"
)

const feedColumns = `id, owner_id, name, description, filter_blocks, is_default, version, needs_author_prune, created_at, updated_at`

// CreateFeed inserts a new feed at version 1 and populates ID and timestamps.
func (s *SQLite) CreateFeed(ctx context.Context, feed *model.FeedDefinition) error {
	blocks, err := model.EncodeBlocks(feed.FilterBlocks)
	if err != nil {
		return err
	}
	now := s.stamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO feeds (owner_id, name, name_key, description, filter_blocks, is_default, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		feed.OwnerID, feed.Name, model.FeedNameKey(feed.Name), feed.Description, blocks, boolToInt(feed.IsDefault), now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert feed %q: %w", feed.Name, ErrDuplicate)
		}
		return fmt.Errorf("insert feed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	feed.ID = id
	feed.Version = 1
	feed.CreatedAt = parseStamp(now)
	feed.UpdatedAt = feed.CreatedAt
	return nil
}

// GetFeed returns a single feed by its ID.
func (s *SQLite) GetFeed(ctx context.Context, id int64) (*model.FeedDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+feedColumns+` FROM feeds WHERE id = ?`, id)
	f, err := scanFeed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("feed %d: %w", id, ErrNotFound)
	}
	return f, err
}

// ListFeeds returns all feeds belonging to the given owner, default first.
func (s *SQLite) ListFeeds(ctx context.Context, ownerID string) ([]model.FeedDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE owner_id = ? ORDER BY is_default DESC, id`, ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("query feeds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var feeds []model.FeedDefinition
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, *f)
	}
	return feeds, rows.Err()
}

// UpdateFeed performs a compare-and-increment on the feed version.
func (s *SQLite) UpdateFeed(ctx context.Context, feed *model.FeedDefinition, baseVersion int64) error {
	blocks, err := model.EncodeBlocks(feed.FilterBlocks)
	if err != nil {
		return err
	}
	now := s.stamp()
	res, err := s.db.ExecContext(ctx,
		`UPDATE feeds SET name = ?, name_key = ?, description = ?, filter_blocks = ?, needs_author_prune = ?,
		        version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		feed.Name, model.FeedNameKey(feed.Name), feed.Description, blocks, boolToInt(feed.NeedsAuthorPrune), now, feed.ID, baseVersion,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("update feed %d: %w", feed.ID, ErrDuplicate)
		}
		return fmt.Errorf("update feed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetFeed(ctx, feed.ID); err != nil {
			return err
		}
		return fmt.Errorf("update feed %d at version %d: %w", feed.ID, baseVersion, ErrStaleVersion)
	}
	feed.Version = baseVersion + 1
	feed.UpdatedAt = parseStamp(now)
	return nil
}

// SetDefaultFeed moves the owner's default flag to feedID in one transaction.
// Both affected feeds get a version bump.
func (s *SQLite) SetDefaultFeed(ctx context.Context, ownerID string, feedID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.stamp()
	if _, err := tx.ExecContext(ctx,
		`UPDATE feeds SET is_default = 0, version = version + 1, updated_at = ?
		 WHERE owner_id = ? AND is_default = 1 AND id != ?`,
		now, ownerID, feedID,
	); err != nil {
		return fmt.Errorf("clear default: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE feeds SET is_default = 1, version = version + 1, updated_at = ?
		 WHERE id = ? AND owner_id = ? AND is_default = 0`,
		now, feedID, ownerID,
	)
	if err != nil {
		return fmt.Errorf("set default: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM feeds WHERE id = ? AND owner_id = ?`, feedID, ownerID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check feed: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("feed %d: %w", feedID, ErrNotFound)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DeleteFeed removes a feed by its ID.
func (s *SQLite) DeleteFeed(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM feeds WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete feed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("feed %d: %w", id, ErrNotFound)
	}
	return nil
}

// SetNeedsAuthorPrune flags a feed whose author filter references deleted
// authors. It is bookkeeping only and leaves the version alone.
func (s *SQLite) SetNeedsAuthorPrune(ctx context.Context, id int64, needs bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE feeds SET needs_author_prune = ? WHERE id = ?`, boolToInt(needs), id)
	if err != nil {
		return fmt.Errorf("flag author prune: %w", err)
	}
	return nil
}

func scanFeed(row scannable) (*model.FeedDefinition, error) {
	var f model.FeedDefinition
	var blocks, created, updated string
	var isDefault, needsPrune int
	err := row.Scan(&f.ID, &f.OwnerID, &f.Name, &f.Description, &blocks, &isDefault, &f.Version, &needsPrune, &created, &updated)
	if err != nil {
		return nil, fmt.Errorf("scan feed: %w", err)
	}
	f.FilterBlocks, err = model.DecodeBlocks(blocks)
	if err != nil {
		return nil, fmt.Errorf("feed %d: %w", f.ID, err)
	}
	f.IsDefault = isDefault == 1
	f.NeedsAuthorPrune = needsPrune == 1
	f.CreatedAt = parseStamp(created)
	f.UpdatedAt = parseStamp(updated)
	return &f, nil
}
