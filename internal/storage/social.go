package storage

import (
	"context"
	"fmt"
)

// UpsertAuthor registers an author ID. Existing authors are left untouched.
func (s *SQLite) UpsertAuthor(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO authors (id, created_at) VALUES (?, ?)`, id, s.stamp(),
	)
	if err != nil {
		return fmt.Errorf("upsert author: %w", err)
	}
	return nil
}

// DeleteAuthor removes an author. Feeds referencing it are pruned lazily on
// their next compile.
func (s *SQLite) DeleteAuthor(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM authors WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete author: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("author %s: %w", id, ErrNotFound)
	}
	return nil
}

// ResolveAuthor reports whether an author still exists.
func (s *SQLite) ResolveAuthor(ctx context.Context, id string) (bool, error) {
	return s.exists(ctx, `SELECT EXISTS(SELECT 1 FROM authors WHERE id = ?)`, id)
}

// Follow records that viewerID follows authorID. Following twice is a no-op.
func (s *SQLite) Follow(ctx context.Context, viewerID, authorID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO follows (follower_id, followee_id) VALUES (?, ?)`, viewerID, authorID,
	)
	if err != nil {
		return fmt.Errorf("follow: %w", err)
	}
	return nil
}

// Unfollow removes a follow edge if present.
func (s *SQLite) Unfollow(ctx context.Context, viewerID, authorID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM follows WHERE follower_id = ? AND followee_id = ?`, viewerID, authorID,
	)
	if err != nil {
		return fmt.Errorf("unfollow: %w", err)
	}
	return nil
}

// Block records that blockerID has blocked blockedID.
func (s *SQLite) Block(ctx context.Context, blockerID, blockedID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO blocks (blocker_id, blocked_id) VALUES (?, ?)`, blockerID, blockedID,
	)
	if err != nil {
		return fmt.Errorf("block: %w", err)
	}
	return nil
}

// Unblock removes a block edge if present.
func (s *SQLite) Unblock(ctx context.Context, blockerID, blockedID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM blocks WHERE blocker_id = ? AND blocked_id = ?`, blockerID, blockedID,
	)
	if err != nil {
		return fmt.Errorf("unblock: %w", err)
	}
	return nil
}

func (s *SQLite) IsFollowing(ctx context.Context, viewerID, authorID string) (bool, error) {
	return s.exists(ctx,
		`SELECT EXISTS(SELECT 1 FROM follows WHERE follower_id = ? AND followee_id = ?)`, viewerID, authorID,
	)
}

// IsBlocked reports whether a has blocked b. The relation is directional.
func (s *SQLite) IsBlocked(ctx context.Context, a, b string) (bool, error) {
	return s.exists(ctx,
		`SELECT EXISTS(SELECT 1 FROM blocks WHERE blocker_id = ? AND blocked_id = ?)`, a, b,
	)
}

func (s *SQLite) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return n == 1, nil
}
