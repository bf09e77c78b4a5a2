// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"feedlens/internal/model"
)

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string
	DatabasePath     string
	LogLevel         string
	AllowedUsers     []int64
	MetricsAddr      string

	CacheTTL        time.Duration
	PreviewBudget   time.Duration
	PageBudget      time.Duration
	EvalWorkers     int
	PageSize        int
	SessionTimeout  time.Duration
	PreviewDebounce time.Duration

	IngestInterval time.Duration
	Sources        []Source
}

// Source is an RSS feed ingested into the content corpus.
type Source struct {
	URL string `yaml:"url"`
	// Author defaults to the feed item author, then the feed title.
	Author     string           `yaml:"author"`
	Kind       model.PostKind   `yaml:"kind"`
	Visibility model.Visibility `yaml:"visibility"`
}

type sourcesFile struct {
	Sources []Source `yaml:"sources"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	cfg := &Config{
		TelegramBotToken: token,
		DatabasePath:     envString("DATABASE_PATH", "./data/feedlens.db"),
		LogLevel:         envString("LOG_LEVEL", "info"),
		MetricsAddr:      os.Getenv("METRICS_ADDR"),
	}

	var allowedUsers []int64
	if raw := os.Getenv("ALLOWED_USERS"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			uid, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
			}
			allowedUsers = append(allowedUsers, uid)
		}
	}
	cfg.AllowedUsers = allowedUsers

	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"CACHE_TTL", 2 * time.Minute, &cfg.CacheTTL},
		{"PREVIEW_BUDGET", 500 * time.Millisecond, &cfg.PreviewBudget},
		{"PAGE_BUDGET", 2 * time.Second, &cfg.PageBudget},
		{"SESSION_TIMEOUT", 30 * time.Minute, &cfg.SessionTimeout},
		{"PREVIEW_DEBOUNCE", 300 * time.Millisecond, &cfg.PreviewDebounce},
		{"INGEST_INTERVAL", 5 * time.Minute, &cfg.IngestInterval},
	}
	for _, d := range durations {
		v, err := envDuration(d.key, d.def)
		if err != nil {
			return nil, err
		}
		*d.dest = v
	}

	ints := []struct {
		key  string
		def  int
		dest *int
	}{
		{"EVAL_WORKERS", 8, &cfg.EvalWorkers},
		{"PAGE_SIZE", 20, &cfg.PageSize},
	}
	for _, n := range ints {
		v, err := envInt(n.key, n.def)
		if err != nil {
			return nil, err
		}
		*n.dest = v
	}

	if path := os.Getenv("SOURCES_FILE"); path != "" {
		sources, err := LoadSources(path)
		if err != nil {
			return nil, err
		}
		cfg.Sources = sources
	}

	return cfg, nil
}

// LoadSources reads the YAML list of ingested RSS sources.
func LoadSources(path string) ([]Source, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	var f sourcesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse sources file: %w", err)
	}
	for i, s := range f.Sources {
		if strings.TrimSpace(s.URL) == "" {
			return nil, fmt.Errorf("source %d: url is required", i)
		}
		if s.Kind != "" && !s.Kind.Valid() {
			return nil, fmt.Errorf("source %d: unknown kind %q", i, s.Kind)
		}
		switch s.Visibility {
		case "", model.VisibilityPublic, model.VisibilityFollowers, model.VisibilityPrivate:
		default:
			return nil, fmt.Errorf("source %d: unknown visibility %q", i, s.Visibility)
		}
	}
	return f.Sources, nil
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	return len(c.AllowedUsers) == 0 || slices.Contains(c.AllowedUsers, userID)
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, raw)
	}
	return d, nil
}

func envInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, raw)
	}
	return n, nil
}
