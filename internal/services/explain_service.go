// Package services composes the break-down engine, persistence, cache, and
// importance mining behind one facade consumed by the HTTP API.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glassboxstack/glassbox-explain/internal/cache"
	"github.com/glassboxstack/glassbox-explain/internal/explain"
	"github.com/glassboxstack/glassbox-explain/internal/metrics"
	"github.com/glassboxstack/glassbox-explain/internal/models"
	"github.com/glassboxstack/glassbox-explain/internal/utils"
)

// HistoryRepo defines the storage operations for explanation history.
type HistoryRepo interface {
	StoreExplanation(ctx context.Context, result models.DecompositionResult, label *float64) error
	GetExplanation(ctx context.Context, explanationID string) (models.DecompositionResult, error)
	ListExplanations(ctx context.Context, req models.ListExplanationsRequest) (models.ListExplanationsResponse, error)
	StoreFeedback(ctx context.Context, feedback models.Feedback) error
}

// ImportanceMiner ranks variables from stored contribution history.
type ImportanceMiner interface {
	Mine(ctx context.Context, limit int) ([]models.VariableImportance, error)
}

// Options tunes service behaviour beyond its collaborators.
type Options struct {
	// ModelDigest namespaces cache keys so a model swap invalidates results.
	ModelDigest string
	// CacheTTL bounds how long computed explanations stay cached. Zero
	// disables expiry.
	CacheTTL time.Duration
	// BatchTimeout caps a whole batch request. Zero means no cap.
	BatchTimeout time.Duration
}

// ExplainService is the application facade over the break-down engine.
type ExplainService struct {
	logger       *slog.Logger
	engine       *explain.Engine
	orchestrator *explain.Orchestrator
	history      HistoryRepo
	miner        ImportanceMiner
	cache        cache.Provider
	opts         Options
	latencies    *utils.LatencyTracker
}

// NewExplainService constructs the facade. History, miner, and cache are
// optional; a nil cache disables result caching.
func NewExplainService(logger *slog.Logger, engine *explain.Engine, orchestrator *explain.Orchestrator, history HistoryRepo, miner ImportanceMiner, cacheProvider cache.Provider, opts Options) *ExplainService {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	return &ExplainService{
		logger:       logger,
		engine:       engine,
		orchestrator: orchestrator,
		history:      history,
		miner:        miner,
		cache:        cacheProvider,
		opts:         opts,
		latencies:    utils.NewLatencyTracker(1024),
	}
}

// Explain produces the break-down decomposition for one observation,
// consulting the result cache first and persisting on success.
func (s *ExplainService) Explain(ctx context.Context, obs models.Observation) (models.DecompositionResult, error) {
	if s.engine == nil {
		return models.DecompositionResult{}, utils.NewAppError("explain", "engine not configured", nil)
	}

	key := s.cacheKey(obs)
	if cached, ok := s.cachedResult(ctx, key); ok {
		return cached, nil
	}

	start := time.Now()
	result, err := s.engine.Explain(ctx, obs)
	duration := time.Since(start)
	if err != nil {
		metrics.ObserveExplanation(duration, metrics.OutcomeError)
		s.logger.Error("explanation failed",
			slog.String("observation_id", obs.ID),
			slog.Any("error", err))
		return models.DecompositionResult{}, err
	}
	s.latencies.Observe(duration)
	metrics.ObserveExplanation(duration, metrics.OutcomeSuccess)
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("explanation latency",
			slog.Duration("p95", s.latencies.Percentile(95)),
			slog.Int("samples", count))
	}

	s.storeCached(ctx, key, result)
	s.persist(ctx, result, obs.Label)
	return result, nil
}

// ExplainBatch explains many observations concurrently. Per-observation
// failures are reported in the returned table, not as an error.
func (s *ExplainService) ExplainBatch(ctx context.Context, req models.ExplainBatchRequest) (models.CombinedTable, error) {
	if s.orchestrator == nil {
		return models.CombinedTable{}, utils.NewAppError("explain_batch", "orchestrator not configured", nil)
	}
	if len(req.Observations) == 0 {
		return models.CombinedTable{}, utils.NewAppError("explain_batch", "no observations supplied", nil)
	}

	if s.opts.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.BatchTimeout)
		defer cancel()
	}

	start := time.Now()
	table, err := s.orchestrator.ExplainBatch(ctx, req.Observations, req.Concurrency)
	duration := time.Since(start)
	if err != nil {
		s.logger.Error("batch explanation failed", slog.Any("error", err))
		return models.CombinedTable{}, err
	}
	metrics.ObserveBatch(len(req.Observations), duration)

	labels := make(map[string]*float64, len(req.Observations))
	for _, obs := range req.Observations {
		labels[obs.ID] = obs.Label
	}
	for _, result := range table.Results {
		s.persist(ctx, result, labels[result.ObservationID])
	}
	return table, nil
}

// GetExplanation fetches a stored explanation by id.
func (s *ExplainService) GetExplanation(ctx context.Context, explanationID string) (models.DecompositionResult, error) {
	if s.history == nil {
		return models.DecompositionResult{}, utils.NewAppError("get_explanation", "history repository not configured", nil)
	}
	return s.history.GetExplanation(ctx, explanationID)
}

// ListExplanations pages through stored explanations.
func (s *ExplainService) ListExplanations(ctx context.Context, req models.ListExplanationsRequest) (models.ListExplanationsResponse, error) {
	if s.history == nil {
		return models.ListExplanationsResponse{}, utils.NewAppError("list_explanations", "history repository not configured", nil)
	}
	return s.history.ListExplanations(ctx, req)
}

// SubmitFeedback records reviewer feedback on a stored explanation.
func (s *ExplainService) SubmitFeedback(ctx context.Context, feedback models.Feedback) error {
	if s.history == nil {
		return utils.NewAppError("submit_feedback", "history repository not configured", nil)
	}
	if feedback.ExplanationID == "" {
		return utils.NewAppError("submit_feedback", "explanation id is required", nil)
	}
	if feedback.SubmittedAt.IsZero() {
		feedback.SubmittedAt = time.Now().UTC()
	}
	if err := s.history.StoreFeedback(ctx, feedback); err != nil {
		s.logger.Error("store feedback failed",
			slog.String("explanation_id", feedback.ExplanationID),
			slog.Any("error", err))
		return err
	}
	return nil
}

// VariableImportance mines the stored history for a global variable ranking.
func (s *ExplainService) VariableImportance(ctx context.Context, limit int) ([]models.VariableImportance, error) {
	if s.miner == nil {
		return nil, utils.NewAppError("variable_importance", "importance miner not configured", nil)
	}
	return s.miner.Mine(ctx, limit)
}

// Baseline returns the reference population's average prediction.
func (s *ExplainService) Baseline(ctx context.Context) (float64, error) {
	if s.engine == nil {
		return 0, utils.NewAppError("baseline", "engine not configured", nil)
	}
	return s.engine.BaselineValue(ctx)
}

// Schema returns the model's ordered variable schema.
func (s *ExplainService) Schema() models.Schema {
	if s.engine == nil {
		return nil
	}
	return s.engine.Schema()
}

// LatencyP95 returns the current p95 single-explanation latency.
func (s *ExplainService) LatencyP95() time.Duration {
	return s.latencies.Percentile(95)
}

func (s *ExplainService) cacheKey(obs models.Observation) string {
	return fmt.Sprintf("explain:%s:%s", s.opts.ModelDigest, obs.Features.Digest())
}

func (s *ExplainService) cachedResult(ctx context.Context, key string) (models.DecompositionResult, bool) {
	payload, err := s.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.Warn("cache get failed", slog.Any("error", err))
		}
		metrics.CacheLookup(false)
		return models.DecompositionResult{}, false
	}

	var result models.DecompositionResult
	if err := json.Unmarshal(payload, &result); err != nil {
		s.logger.Warn("cache payload corrupt", slog.Any("error", err))
		_ = s.cache.Del(ctx, key)
		metrics.CacheLookup(false)
		return models.DecompositionResult{}, false
	}
	metrics.CacheLookup(true)
	return result, true
}

func (s *ExplainService) storeCached(ctx context.Context, key string, result models.DecompositionResult) {
	payload, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, payload, s.opts.CacheTTL); err != nil {
		s.logger.Warn("cache set failed", slog.Any("error", err))
	}
}

// persist stores a computed explanation; failures are logged, not surfaced,
// so history outages do not block explanation responses.
func (s *ExplainService) persist(ctx context.Context, result models.DecompositionResult, label *float64) {
	if s.history == nil {
		return
	}
	if err := s.history.StoreExplanation(ctx, result, label); err != nil {
		s.logger.Warn("explanation persistence failed",
			slog.String("explanation_id", result.ExplanationID),
			slog.Any("error", err))
	}
}
