package explain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/glassboxstack/glassbox-explain/internal/models"
)

// Scorer is the trained-model contract the engine depends on: a pure,
// deterministic, length- and order-preserving batch prediction over feature
// vectors, safe for concurrent invocation.
type Scorer interface {
	Schema() models.Schema
	PredictBatch(ctx context.Context, rows []models.FeatureVector) ([]float64, error)
}

// Baseline holds the reference population used to estimate the average
// prediction and conditional means. Read-only after construction, so it can
// be shared across workers without locking on the scoring path.
type Baseline struct {
	scorer     Scorer
	schema     models.Schema
	index      map[string]int
	population []models.FeatureVector

	mu       sync.Mutex
	avgKnown bool
	avg      float64
}

// NewBaseline validates the population against the scorer's schema and
// returns a baseline over it. Fails with ErrEmptyPopulation on zero rows.
func NewBaseline(scorer Scorer, population []models.FeatureVector) (*Baseline, error) {
	if scorer == nil {
		return nil, fmt.Errorf("scorer is required")
	}
	if len(population) == 0 {
		return nil, models.ErrEmptyPopulation
	}

	schema := scorer.Schema()
	for i, row := range population {
		if err := schema.Validate(row); err != nil {
			return nil, fmt.Errorf("population row %d: %w", i, err)
		}
	}

	index := make(map[string]int, len(schema))
	for i, name := range schema {
		index[name] = i
	}

	return &Baseline{
		scorer:     scorer,
		schema:     schema,
		index:      index,
		population: population,
	}, nil
}

// Schema returns the variable order shared by scorer and population.
func (b *Baseline) Schema() models.Schema {
	return b.schema
}

// Size returns the number of reference rows.
func (b *Baseline) Size() int {
	return len(b.population)
}

// AveragePrediction returns the mean prediction over the whole population.
// The value is computed once and cached for the baseline's lifetime; a
// failed first attempt is retried on the next call.
func (b *Baseline) AveragePrediction(ctx context.Context) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.avgKnown {
		return b.avg, nil
	}
	avg, err := b.scoreMean(ctx, b.population)
	if err != nil {
		return 0, err
	}
	b.avg = avg
	b.avgKnown = true
	return avg, nil
}

// ConditionalMean estimates the expected prediction when the listed
// variables are fixed to the given values and everything else varies as in
// the population: every reference row is copied, overwritten at the fixed
// positions, and scored.
func (b *Baseline) ConditionalMean(ctx context.Context, fixed map[string]float64) (float64, error) {
	rows := make([]models.FeatureVector, len(b.population))
	for i, row := range b.population {
		clone := row.Clone()
		for name, value := range fixed {
			pos, ok := b.index[name]
			if !ok {
				return 0, fmt.Errorf("%w: %q is not a schema variable", models.ErrSchemaMismatch, name)
			}
			clone.Values[pos] = value
		}
		rows[i] = clone
	}
	return b.scoreMean(ctx, rows)
}

func (b *Baseline) scoreMean(ctx context.Context, rows []models.FeatureVector) (float64, error) {
	scores, err := b.scorer.PredictBatch(ctx, rows)
	if err != nil {
		if errors.Is(err, models.ErrSchemaMismatch) ||
			errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %v", models.ErrScoringUnavailable, err)
	}
	if len(scores) != len(rows) {
		return 0, fmt.Errorf("%w: scorer returned %d scores for %d rows", models.ErrScoringUnavailable, len(scores), len(rows))
	}

	sum := 0.0
	for i, score := range scores {
		if math.IsNaN(score) || math.IsInf(score, 0) {
			return 0, fmt.Errorf("%w: row %d scored %v", models.ErrNonFiniteScore, i, score)
		}
		sum += score
	}
	return sum / float64(len(scores)), nil
}
