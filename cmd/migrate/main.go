package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"feedlens/migrations"
)

var dbPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "migrate",
	Short:        "Manage the feedlens database schema",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", envOrDefault("DATABASE_PATH", "./data/feedlens.db"), "path to sqlite database")

	rootCmd.AddCommand(
		migrateCmd("up", "Migrate to the latest version", func(ctx context.Context, p *goose.Provider) error {
			results, err := p.Up(ctx)
			printResults(results)
			return err
		}),
		migrateCmd("up-one", "Migrate one version up", func(ctx context.Context, p *goose.Provider) error {
			res, err := p.UpByOne(ctx)
			printResults([]*goose.MigrationResult{res})
			return err
		}),
		migrateCmd("down", "Roll back one version", func(ctx context.Context, p *goose.Provider) error {
			res, err := p.Down(ctx)
			printResults([]*goose.MigrationResult{res})
			return err
		}),
		migrateCmd("reset", "Roll back all migrations", func(ctx context.Context, p *goose.Provider) error {
			results, err := p.DownTo(ctx, 0)
			printResults(results)
			return err
		}),
		migrateCmd("status", "Show migration status", func(ctx context.Context, p *goose.Provider) error {
			statuses, err := p.Status(ctx)
			if err != nil {
				return err
			}
			for _, s := range statuses {
				applied := "Pending"
				if s.State == goose.StateApplied {
					applied = s.AppliedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Printf("%-20s %s\n", applied, s.Source.Path)
			}
			return nil
		}),
		migrateCmd("version", "Show current version", func(ctx context.Context, p *goose.Provider) error {
			v, err := p.GetDBVersion(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("version %d\n", v)
			return nil
		}),
	)
}

func migrateCmd(use, short string, run func(ctx context.Context, p *goose.Provider) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := sql.Open("sqlite", dbPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer func() { _ = db.Close() }()

			p, err := migrations.NewProvider(db)
			if err != nil {
				return err
			}
			if err := run(cmd.Context(), p); err != nil {
				return fmt.Errorf("%s: %w", use, err)
			}
			return nil
		},
	}
}

func printResults(results []*goose.MigrationResult) {
	for _, r := range results {
		if r == nil {
			continue
		}
		fmt.Println(r.String())
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
