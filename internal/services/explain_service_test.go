package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glassboxstack/glassbox-explain/internal/cache"
	"github.com/glassboxstack/glassbox-explain/internal/explain"
	"github.com/glassboxstack/glassbox-explain/internal/models"
)

// halfScorer always predicts the mean of its single variable plus 0.5 offset
// scaled linearly, keeping conditional means easy to reason about.
type halfScorer struct{}

func (halfScorer) Schema() models.Schema { return models.Schema{"v1"} }

func (halfScorer) PredictBatch(_ context.Context, rows []models.FeatureVector) ([]float64, error) {
	scores := make([]float64, len(rows))
	for i, row := range rows {
		scores[i] = 0.5 * row.Values[0]
	}
	return scores, nil
}

type fakeHistory struct {
	mu      sync.Mutex
	stored  []models.DecompositionResult
	labels  []*float64
	fb      []models.Feedback
	failure error
}

func (h *fakeHistory) StoreExplanation(_ context.Context, result models.DecompositionResult, label *float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failure != nil {
		return h.failure
	}
	h.stored = append(h.stored, result)
	h.labels = append(h.labels, label)
	return nil
}

func (h *fakeHistory) GetExplanation(_ context.Context, explanationID string) (models.DecompositionResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.stored {
		if r.ExplanationID == explanationID {
			return r, nil
		}
	}
	return models.DecompositionResult{}, models.ErrNotFound
}

func (h *fakeHistory) ListExplanations(_ context.Context, _ models.ListExplanationsRequest) (models.ListExplanationsResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return models.ListExplanationsResponse{Explanations: append([]models.DecompositionResult(nil), h.stored...)}, nil
}

func (h *fakeHistory) StoreFeedback(_ context.Context, feedback models.Feedback) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fb = append(h.fb, feedback)
	return nil
}

type memoryCache struct {
	mu   sync.Mutex
	data map[string][]byte
	gets int
	hits int
}

func newMemoryCache() *memoryCache { return &memoryCache{data: make(map[string][]byte)} }

func (c *memoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if v, ok := c.data[key]; ok {
		c.hits++
		return v, nil
	}
	return nil, cache.ErrCacheMiss
}

func (c *memoryCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memoryCache) Del(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *memoryCache) Close() error { return nil }

func newTestService(t *testing.T, history HistoryRepo, cacheProvider cache.Provider) *ExplainService {
	t.Helper()
	population := []models.FeatureVector{
		{Variables: []string{"v1"}, Values: []float64{0}},
		{Variables: []string{"v1"}, Values: []float64{2}},
	}
	baseline, err := explain.NewBaseline(halfScorer{}, population)
	if err != nil {
		t.Fatalf("new baseline: %v", err)
	}
	engine := explain.NewEngine(nil, baseline)
	orchestrator := explain.NewOrchestrator(nil, engine, explain.OrchestratorOptions{})
	return NewExplainService(nil, engine, orchestrator, history, nil, cacheProvider, Options{
		ModelDigest: "digest-1",
		CacheTTL:    time.Minute,
	})
}

func observation(id string, v float64) models.Observation {
	return models.Observation{
		ID:       id,
		Features: models.FeatureVector{Variables: []string{"v1"}, Values: []float64{v}},
	}
}

func TestExplainPersistsResult(t *testing.T) {
	history := &fakeHistory{}
	svc := newTestService(t, history, nil)

	label := 1.0
	obs := observation("cust-1", 2)
	obs.Label = &label

	result, err := svc.Explain(context.Background(), obs)
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	// population mean is 1, so baseline 0.5 and prediction 1.0
	if result.Baseline != 0.5 || result.Prediction != 1.0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	if len(history.stored) != 1 {
		t.Fatalf("expected 1 persisted explanation, got %d", len(history.stored))
	}
	if history.labels[0] == nil || *history.labels[0] != 1.0 {
		t.Fatalf("label not persisted: %v", history.labels[0])
	}
}

func TestExplainUsesCache(t *testing.T) {
	history := &fakeHistory{}
	memCache := newMemoryCache()
	svc := newTestService(t, history, memCache)

	obs := observation("cust-1", 2)
	first, err := svc.Explain(context.Background(), obs)
	if err != nil {
		t.Fatalf("first explain: %v", err)
	}
	second, err := svc.Explain(context.Background(), obs)
	if err != nil {
		t.Fatalf("second explain: %v", err)
	}

	if memCache.hits != 1 {
		t.Fatalf("expected one cache hit, got %d", memCache.hits)
	}
	if second.ExplanationID != first.ExplanationID {
		t.Fatalf("cached result should be returned verbatim")
	}
	// cache hits skip persistence
	if len(history.stored) != 1 {
		t.Fatalf("expected persistence only on compute, got %d", len(history.stored))
	}
}

func TestExplainPersistenceFailureDoesNotFail(t *testing.T) {
	history := &fakeHistory{failure: errors.New("disk full")}
	svc := newTestService(t, history, nil)

	if _, err := svc.Explain(context.Background(), observation("cust-1", 2)); err != nil {
		t.Fatalf("explain should survive persistence failure, got %v", err)
	}
}

func TestExplainBatchPersistsWithLabels(t *testing.T) {
	history := &fakeHistory{}
	svc := newTestService(t, history, nil)

	label := 0.0
	obsA := observation("a", 2)
	obsA.Label = &label
	obsB := observation("b", 0)

	table, err := svc.ExplainBatch(context.Background(), models.ExplainBatchRequest{
		Observations: []models.Observation{obsA, obsB},
	})
	if err != nil {
		t.Fatalf("explain batch: %v", err)
	}
	if len(table.Results) != 2 || len(table.Errors) != 0 {
		t.Fatalf("unexpected table: %d results, %d errors", len(table.Results), len(table.Errors))
	}
	if len(history.stored) != 2 {
		t.Fatalf("expected 2 persisted explanations, got %d", len(history.stored))
	}

	for i, stored := range history.stored {
		if stored.ObservationID == "a" {
			if history.labels[i] == nil || *history.labels[i] != 0.0 {
				t.Fatalf("label for a not persisted: %v", history.labels[i])
			}
		}
		if stored.ObservationID == "b" && history.labels[i] != nil {
			t.Fatalf("b has no label, got %v", *history.labels[i])
		}
	}
}

func TestExplainBatchEmpty(t *testing.T) {
	svc := newTestService(t, &fakeHistory{}, nil)
	if _, err := svc.ExplainBatch(context.Background(), models.ExplainBatchRequest{}); err == nil {
		t.Fatalf("expected error for empty batch")
	}
}

func TestSubmitFeedbackRequiresID(t *testing.T) {
	svc := newTestService(t, &fakeHistory{}, nil)
	if err := svc.SubmitFeedback(context.Background(), models.Feedback{}); err == nil {
		t.Fatalf("expected error for missing explanation id")
	}
}

func TestSubmitFeedbackStampsTime(t *testing.T) {
	history := &fakeHistory{}
	svc := newTestService(t, history, nil)

	if err := svc.SubmitFeedback(context.Background(), models.Feedback{ExplanationID: "exp-1", Helpful: true}); err != nil {
		t.Fatalf("submit feedback: %v", err)
	}
	if len(history.fb) != 1 || history.fb[0].SubmittedAt.IsZero() {
		t.Fatalf("feedback not stamped: %+v", history.fb)
	}
}
