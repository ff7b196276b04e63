package explain

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/glassboxstack/glassbox-explain/internal/models"
)

// OrchestratorOptions bound the worker pool and retry behaviour.
type OrchestratorOptions struct {
	// MaxConcurrency caps requested and default pool sizes. Zero means 32.
	MaxConcurrency int
	// RetryBackoff is the pause before the single retry of a decomposition
	// that failed with ErrScoringUnavailable. Zero means 100ms.
	RetryBackoff time.Duration
}

// Orchestrator fans decompositions out across a bounded worker pool and
// assembles the combined table. Workers share the read-only baseline;
// completion order is unspecified, but each observation's row group is
// appended whole.
type Orchestrator struct {
	logger         *slog.Logger
	engine         *Engine
	maxConcurrency int
	retryBackoff   time.Duration
}

// NewOrchestrator constructs a batch orchestrator over the engine.
func NewOrchestrator(logger *slog.Logger, engine *Engine, opts OrchestratorOptions) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 32
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 100 * time.Millisecond
	}
	return &Orchestrator{
		logger:         logger,
		engine:         engine,
		maxConcurrency: opts.MaxConcurrency,
		retryBackoff:   opts.RetryBackoff,
	}
}

// ExplainBatch decomposes the observations concurrently and returns one
// combined table. Per-observation failures are captured in the table's
// error list and never abort siblings. Cancellation is cooperative at
// observation granularity: completed results are retained and the table is
// marked cancelled; no partially decomposed observation is ever emitted.
func (o *Orchestrator) ExplainBatch(ctx context.Context, observations []models.Observation, concurrency int) (models.CombinedTable, error) {
	baseline, err := o.engine.BaselineValue(ctx)
	if err != nil {
		return models.CombinedTable{}, err
	}

	workers := o.poolSize(concurrency)
	table := models.CombinedTable{
		BatchID:   uuid.NewString(),
		Baseline:  baseline,
		CreatedAt: time.Now().UTC(),
	}

	var (
		mu        sync.Mutex
		cancelled bool
	)
	g := new(errgroup.Group)
	g.SetLimit(workers)

	for i := range observations {
		if ctx.Err() != nil {
			mu.Lock()
			cancelled = true
			mu.Unlock()
			break
		}
		obs := observations[i]
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				cancelled = true
				mu.Unlock()
				return nil
			}

			result, err := o.explainWithRetry(ctx, obs)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					cancelled = true
					return nil
				}
				table.Errors = append(table.Errors, models.ObservationError{ObservationID: obs.ID, Err: err})
				return nil
			}
			for _, rec := range result.Records {
				table.Rows = append(table.Rows, models.CombinedRow{
					ContributionRecord: rec,
					Label:              obs.Label,
					Prediction:         result.Prediction,
				})
			}
			table.Results = append(table.Results, result)
			return nil
		})
	}

	_ = g.Wait()
	table.Cancelled = cancelled || ctx.Err() != nil

	o.logger.Info("batch explained",
		slog.String("batch_id", table.BatchID),
		slog.Int("observations", len(observations)),
		slog.Int("succeeded", len(table.Results)),
		slog.Int("failed", len(table.Errors)),
		slog.Int("workers", workers),
		slog.Bool("cancelled", table.Cancelled),
	)
	return table, nil
}

func (o *Orchestrator) explainWithRetry(ctx context.Context, obs models.Observation) (models.DecompositionResult, error) {
	result, err := o.engine.Explain(ctx, obs)
	if err == nil || !errors.Is(err, models.ErrScoringUnavailable) {
		return result, err
	}

	o.logger.Warn("scoring unavailable, retrying once",
		slog.String("observation_id", obs.ID),
		slog.Duration("backoff", o.retryBackoff),
		slog.Any("error", err),
	)
	select {
	case <-ctx.Done():
		return models.DecompositionResult{}, ctx.Err()
	case <-time.After(o.retryBackoff):
	}
	return o.engine.Explain(ctx, obs)
}

func (o *Orchestrator) poolSize(requested int) int {
	size := requested
	if size <= 0 {
		size = runtime.NumCPU()
	}
	if size > o.maxConcurrency {
		size = o.maxConcurrency
	}
	if size < 1 {
		size = 1
	}
	return size
}
