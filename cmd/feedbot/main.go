package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"feedlens/internal/bot"
	"feedlens/internal/builder"
	"feedlens/internal/cache"
	"feedlens/internal/config"
	"feedlens/internal/engine"
	"feedlens/internal/events"
	"feedlens/internal/feeds"
	"feedlens/internal/filter"
	"feedlens/internal/ingest"
	"feedlens/internal/service"
	"feedlens/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	db, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	bus := events.NewBus(log)
	defer func() { _ = bus.Close() }()

	compiler := filter.NewCompiler(db)
	store := feeds.NewStore(db, compiler, bus, log)
	pages := cache.New(cfg.CacheTTL, log)
	svc := service.New(
		store,
		compiler,
		engine.New(db, db, cfg.EvalWorkers, log),
		pages,
		service.Options{
			PageBudget:    cfg.PageBudget,
			PreviewBudget: cfg.PreviewBudget,
			PageSize:      cfg.PageSize,
		},
		log,
	)

	var b *bot.Bot
	mgr := builder.NewManager(svc, store, db, builder.Config{
		Timeout:  cfg.SessionTimeout,
		Debounce: cfg.PreviewDebounce,
		OnPreview: func(r builder.PreviewResult) {
			if b != nil {
				b.DeliverPreview(r)
			}
		},
	}, log)

	b, err = bot.New(cfg.TelegramBotToken, cfg, bot.Deps{
		Feeds:   store,
		Service: svc,
		Builder: mgr,
		Social:  db,
	}, log)
	if err != nil {
		log.Error("create bot", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := events.NewInvalidator(bus, pages, svc, log).Consume(ctx); err != nil {
		log.Error("start invalidator", "error", err)
		os.Exit(1)
	}
	go pages.Run(ctx)

	ingester := ingest.New(db, bus, cfg.Sources, log)
	ingester.SetTickInterval(cfg.IngestInterval)
	go ingester.Run(ctx)

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, log)
	}

	log.Info("starting bot", "sources", len(cfg.Sources), "eval_workers", cfg.EvalWorkers)

	b.Run(ctx)

	log.Info("bot stopped")
}

func serveMetrics(ctx context.Context, addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server", "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
