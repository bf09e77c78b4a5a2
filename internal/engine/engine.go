// Package engine evaluates compiled filter trees over the content corpus.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"feedlens/internal/filter"
	"feedlens/internal/model"
	"feedlens/internal/safety"
)

// ErrCorpusUnavailable wraps read failures of the corpus or social graph.
// Callers may retry.
var ErrCorpusUnavailable = errors.New("corpus unavailable")

// DefaultLimit is used when a request does not set a page size.
const DefaultLimit = 20

// Mode labels an evaluation for metrics.
type Mode string

// Evaluation modes.
const (
	ModePage    Mode = "page"
	ModePreview Mode = "preview"
)

// Corpus is the read-only content stream.
type Corpus interface {
	Head(ctx context.Context) (int64, error)
	StreamCandidates(ctx context.Context, viewerID string, from model.Position) iter.Seq2[model.ContentEntry, error]
}

// Request describes a single page evaluation.
type Request struct {
	Expr     *filter.Compiled
	ViewerID string
	Cursor   string
	Limit    int
	// Budget bounds wall-clock time; zero disables it.
	Budget time.Duration
	Mode   Mode
}

// Engine runs evaluations on a bounded pool of workers.
type Engine struct {
	corpus Corpus
	graph  safety.SocialGraph
	pool   *semaphore.Weighted
	logger *slog.Logger
}

// New creates an Engine that runs at most workers evaluations at once.
func New(corpus Corpus, graph safety.SocialGraph, workers int, logger *slog.Logger) *Engine {
	if workers <= 0 {
		workers = 1
	}
	return &Engine{
		corpus: corpus,
		graph:  graph,
		pool:   semaphore.NewWeighted(int64(workers)),
		logger: logger,
	}
}

// Evaluate produces one page of the feed. When the budget runs out it returns
// the items gathered so far with Degraded set and a cursor that resumes after
// the last scanned candidate. Cancellation of ctx is returned as an error.
func (e *Engine) Evaluate(ctx context.Context, req Request) (model.ResultPage, error) {
	if req.Expr == nil {
		return model.ResultPage{}, fmt.Errorf("evaluate: nil expression")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	mode := req.Mode
	if mode == "" {
		mode = ModePage
	}

	var from model.Position
	if req.Cursor != "" {
		p, err := DecodeCursor(req.Cursor)
		if err != nil {
			return model.ResultPage{}, err
		}
		from = p
	} else {
		head, err := e.corpus.Head(ctx)
		if err != nil {
			return model.ResultPage{}, fmt.Errorf("%w: %w", ErrCorpusUnavailable, err)
		}
		from = model.Position{Snapshot: head}
	}

	// The budget covers the wait for a worker as well as the scan.
	runCtx, cancel := withBudget(ctx, req.Budget)
	defer cancel()

	start := time.Now()
	page, err := e.run(ctx, runCtx, req, from, limit)
	evaluationDuration.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
	if err != nil {
		return model.ResultPage{}, err
	}
	if page.Degraded {
		evaluationDegraded.WithLabelValues(string(mode)).Inc()
		e.logger.Debug("evaluation degraded",
			"viewer_id", req.ViewerID,
			"mode", mode,
			"items", len(page.Items),
		)
	}
	return page, nil
}

func withBudget(ctx context.Context, budget time.Duration) (context.Context, context.CancelFunc) {
	if budget <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, budget)
}

func (e *Engine) run(ctx, runCtx context.Context, req Request, from model.Position, limit int) (model.ResultPage, error) {
	if err := e.pool.Acquire(runCtx, 1); err != nil {
		if ctx.Err() != nil {
			return model.ResultPage{}, fmt.Errorf("acquire worker: %w", err)
		}
		return model.ResultPage{
			Items:      []model.ContentEntry{},
			HasMore:    true,
			NextCursor: EncodeCursor(from),
			Degraded:   true,
		}, nil
	}
	defer e.pool.Release(1)
	return e.scan(ctx, runCtx, req, from, limit)
}

// scan walks candidates until limit matches are found. runCtx carries the
// budget; ctx is the caller's context.
func (e *Engine) scan(ctx, runCtx context.Context, req Request, from model.Position, limit int) (model.ResultPage, error) {
	scope := safety.NewScope(runCtx, e.graph, req.ViewerID)
	items := make([]model.ContentEntry, 0, limit)
	last := from
	page := model.ResultPage{}

	// budgetHit distinguishes an expired budget from caller cancellation.
	budgetHit := func() bool { return runCtx.Err() != nil && ctx.Err() == nil }

	for entry, err := range e.corpus.StreamCandidates(runCtx, req.ViewerID, from) {
		if err != nil {
			if ctx.Err() != nil {
				return model.ResultPage{}, ctx.Err()
			}
			if budgetHit() {
				page.Degraded = true
				break
			}
			return model.ResultPage{}, fmt.Errorf("%w: %w", ErrCorpusUnavailable, err)
		}
		if ctx.Err() != nil {
			return model.ResultPage{}, ctx.Err()
		}
		if budgetHit() {
			page.Degraded = true
			break
		}

		matched := scope.IsEligible(&entry) && req.Expr.Match(scope, &entry)
		if err := scope.Err(); err != nil {
			if ctx.Err() != nil {
				return model.ResultPage{}, ctx.Err()
			}
			if budgetHit() {
				page.Degraded = true
				break
			}
			return model.ResultPage{}, fmt.Errorf("%w: %w", ErrCorpusUnavailable, err)
		}

		if matched {
			if len(items) == limit {
				page.HasMore = true
				break
			}
			items = append(items, entry)
		}
		last = model.Position{CreatedAt: entry.CreatedAt, ID: entry.ID, Snapshot: from.Snapshot}
	}

	page.Items = items
	switch {
	case page.Degraded:
		page.HasMore = true
		page.NextCursor = EncodeCursor(last)
	case page.HasMore:
		tail := items[len(items)-1]
		page.NextCursor = EncodeCursor(model.Position{CreatedAt: tail.CreatedAt, ID: tail.ID, Snapshot: from.Snapshot})
	}
	return page, nil
}
