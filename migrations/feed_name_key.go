package migrations

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"

	"feedlens/internal/model"
)

// feedNameKey moves per-owner name uniqueness from SQLite's ASCII-only
// NOCASE collation to a Unicode case-folded key column.
func feedNameKey() *goose.Migration {
	return goose.NewGoMigration(2,
		&goose.GoFunc{RunTx: upFeedNameKey},
		&goose.GoFunc{RunTx: downFeedNameKey},
	)
}

func upFeedNameKey(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `ALTER TABLE feeds ADD COLUMN name_key TEXT NOT NULL DEFAULT ''`); err != nil {
		return fmt.Errorf("add name_key: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT id, name FROM feeds`)
	if err != nil {
		return fmt.Errorf("query feed names: %w", err)
	}
	keys := make(map[int64]string)
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan feed name: %w", err)
		}
		keys[id] = model.FeedNameKey(name)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("close feed names: %w", err)
	}
	for id, key := range keys {
		if _, err := tx.ExecContext(ctx, `UPDATE feeds SET name_key = ? WHERE id = ?`, key, id); err != nil {
			return fmt.Errorf("backfill name_key for feed %d: %w", id, err)
		}
	}

	for _, stmt := range []string{
		`DROP INDEX feeds_owner_name`,
		`CREATE UNIQUE INDEX feeds_owner_name_key ON feeds (owner_id, name_key)`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rebuild name index: %w", err)
		}
	}
	return nil
}

func downFeedNameKey(ctx context.Context, tx *sql.Tx) error {
	for _, stmt := range []string{
		`DROP INDEX feeds_owner_name_key`,
		`ALTER TABLE feeds DROP COLUMN name_key`,
		`CREATE UNIQUE INDEX feeds_owner_name ON feeds (owner_id, name COLLATE NOCASE)`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("restore name index: %w", err)
		}
	}
	return nil
}
