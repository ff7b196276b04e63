package explain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/glassboxstack/glassbox-explain/internal/models"
)

func tenVarFixture() (*linearScorer, *Baseline) {
	vars := make([]string, 10)
	weights := make([]float64, 10)
	for i := range vars {
		vars[i] = fmt.Sprintf("v%d", i+1)
		weights[i] = 0.1 * float64(i+1)
	}
	scorer := &linearScorer{vars: vars, weights: weights}

	population := make([]models.FeatureVector, 0, 3)
	for r := 0; r < 3; r++ {
		values := make([]float64, 10)
		for i := range values {
			values[i] = float64((r + i) % 3)
		}
		population = append(population, models.FeatureVector{Variables: append([]string(nil), vars...), Values: values})
	}

	baseline, err := NewBaseline(scorer, population)
	if err != nil {
		panic(err)
	}
	return scorer, baseline
}

func TestExplainBatchIsolation(t *testing.T) {
	scorer, baseline := tenVarFixture()
	orchestrator := NewOrchestrator(nil, NewEngine(nil, baseline), OrchestratorOptions{})

	observations := make([]models.Observation, 0, 10)
	for i := 0; i < 10; i++ {
		values := make([]float64, 10)
		for j := range values {
			values[j] = float64((i + j) % 4)
		}
		observations = append(observations, models.Observation{
			ID:       fmt.Sprintf("obs-%d", i),
			Features: models.FeatureVector{Variables: append([]string(nil), scorer.vars...), Values: values},
		})
	}
	// One malformed observation: a variable is missing.
	observations[3].Features = models.FeatureVector{
		Variables: append([]string(nil), scorer.vars[:9]...),
		Values:    observations[3].Features.Values[:9],
	}

	table, err := orchestrator.ExplainBatch(context.Background(), observations, 4)
	if err != nil {
		t.Fatalf("explain batch: %v", err)
	}

	if len(table.Results) != 9 {
		t.Fatalf("expected 9 results, got %d", len(table.Results))
	}
	if len(table.Errors) != 1 {
		t.Fatalf("expected 1 error entry, got %d", len(table.Errors))
	}
	if table.Errors[0].ObservationID != "obs-3" {
		t.Fatalf("error attributed to %s", table.Errors[0].ObservationID)
	}
	if !errors.Is(table.Errors[0].Err, models.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", table.Errors[0].Err)
	}
	if len(table.Rows) != 90 {
		t.Fatalf("expected 90 rows, got %d", len(table.Rows))
	}
	if table.Cancelled {
		t.Fatalf("batch unexpectedly cancelled")
	}
}

func TestExplainBatchRowGroupsStayOrdered(t *testing.T) {
	scorer, baseline := tenVarFixture()
	orchestrator := NewOrchestrator(nil, NewEngine(nil, baseline), OrchestratorOptions{})

	observations := make([]models.Observation, 0, 8)
	for i := 0; i < 8; i++ {
		values := make([]float64, 10)
		for j := range values {
			values[j] = float64((3*i + j) % 5)
		}
		observations = append(observations, models.Observation{
			ID:       fmt.Sprintf("obs-%d", i),
			Features: models.FeatureVector{Variables: append([]string(nil), scorer.vars...), Values: values},
		})
	}

	table, err := orchestrator.ExplainBatch(context.Background(), observations, 4)
	if err != nil {
		t.Fatalf("explain batch: %v", err)
	}

	// Rows from one observation must be contiguous and ascending by order
	// index, regardless of completion order across observations.
	i := 0
	for i < len(table.Rows) {
		id := table.Rows[i].ObservationID
		for step := 0; step < 10; step++ {
			row := table.Rows[i]
			if row.ObservationID != id {
				t.Fatalf("row group for %s interleaved with %s", id, row.ObservationID)
			}
			if row.OrderIndex != step {
				t.Fatalf("row group for %s out of order: index %d at step %d", id, row.OrderIndex, step)
			}
			i++
		}
	}
}

func TestExplainBatchExactnessPerObservation(t *testing.T) {
	scorer, baseline := tenVarFixture()
	orchestrator := NewOrchestrator(nil, NewEngine(nil, baseline), OrchestratorOptions{})

	values := make([]float64, 10)
	for j := range values {
		values[j] = float64(j % 3)
	}
	obs := models.Observation{
		ID:       "obs-0",
		Features: models.FeatureVector{Variables: append([]string(nil), scorer.vars...), Values: values},
	}

	table, err := orchestrator.ExplainBatch(context.Background(), []models.Observation{obs}, 1)
	if err != nil {
		t.Fatalf("explain batch: %v", err)
	}
	if len(table.Results) != 1 {
		t.Fatalf("expected one result, got %d", len(table.Results))
	}

	result := table.Results[0]
	sum := table.Baseline
	for _, rec := range result.Records {
		sum += rec.Contribution
	}
	if math.Abs(sum-result.Prediction) > 1e-9 {
		t.Fatalf("contributions do not sum to prediction: %f vs %f", sum, result.Prediction)
	}
}

func TestExplainBatchRetriesScoringUnavailable(t *testing.T) {
	scorer, population := singleVarScorer()
	// Call 1 computes the batch baseline; call 2, the first conditional
	// mean, fails once and must be retried.
	scorer.failAt = 2
	baseline, err := NewBaseline(scorer, population)
	if err != nil {
		t.Fatalf("new baseline: %v", err)
	}
	orchestrator := NewOrchestrator(nil, NewEngine(nil, baseline), OrchestratorOptions{RetryBackoff: time.Millisecond})

	obs := models.Observation{ID: "obs-1", Features: vector(scorer.vars, 2)}
	table, err := orchestrator.ExplainBatch(context.Background(), []models.Observation{obs}, 1)
	if err != nil {
		t.Fatalf("explain batch: %v", err)
	}
	if len(table.Errors) != 0 {
		t.Fatalf("expected retry to recover, got errors: %v", table.Errors)
	}
	if len(table.Results) != 1 {
		t.Fatalf("expected one result after retry, got %d", len(table.Results))
	}
}

func TestExplainBatchCancellation(t *testing.T) {
	scorer, population := singleVarScorer()
	baseline, err := NewBaseline(scorer, population)
	if err != nil {
		t.Fatalf("new baseline: %v", err)
	}
	engine := NewEngine(nil, baseline)
	// Warm the baseline so cancellation hits the scheduling loop, not the
	// up-front average computation.
	if _, err := engine.BaselineValue(context.Background()); err != nil {
		t.Fatalf("baseline value: %v", err)
	}

	orchestrator := NewOrchestrator(nil, engine, OrchestratorOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	observations := []models.Observation{
		{ID: "obs-1", Features: vector(scorer.vars, 1)},
		{ID: "obs-2", Features: vector(scorer.vars, 2)},
	}
	table, err := orchestrator.ExplainBatch(ctx, observations, 2)
	if err != nil {
		t.Fatalf("explain batch: %v", err)
	}
	if !table.Cancelled {
		t.Fatalf("expected table to be marked cancelled")
	}
	if len(table.Results) != 0 || len(table.Rows) != 0 {
		t.Fatalf("expected no results for a pre-cancelled batch, got %d results", len(table.Results))
	}
}

func TestPoolSize(t *testing.T) {
	orchestrator := NewOrchestrator(nil, nil, OrchestratorOptions{MaxConcurrency: 4})

	for _, requested := range []int{2, 100, 0, -1} {
		size := orchestrator.poolSize(requested)
		if size < 1 || size > 4 {
			t.Fatalf("pool size %d out of bounds for requested %d", size, requested)
		}
	}
	if got := orchestrator.poolSize(2); got != 2 {
		t.Fatalf("expected explicit concurrency 2 to be honoured, got %d", got)
	}
	if got := orchestrator.poolSize(100); got != 4 {
		t.Fatalf("expected cap at 4, got %d", got)
	}
}
