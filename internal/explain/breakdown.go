package explain

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/glassboxstack/glassbox-explain/internal/models"
)

// Engine decomposes one observation's predicted score into the population
// baseline plus ordered per-variable contributions. The greedy single-pass
// ordering commits, at each step, the variable whose fixation most changes
// the expected prediction; ties break toward the lowest schema index so the
// result is deterministic.
type Engine struct {
	logger   *slog.Logger
	baseline *Baseline
}

// NewEngine constructs a break-down engine over a shared baseline.
func NewEngine(logger *slog.Logger, baseline *Baseline) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger, baseline: baseline}
}

// BaselineValue exposes the cached average prediction.
func (e *Engine) BaselineValue(ctx context.Context) (float64, error) {
	return e.baseline.AveragePrediction(ctx)
}

// Schema returns the variable order explanations are produced in terms of.
func (e *Engine) Schema() models.Schema {
	return e.baseline.Schema()
}

// Explain computes the full decomposition for one observation. The result
// is all-or-nothing: any failure returns no partial records. By
// construction baseline + sum(contributions) telescopes to the final
// conditional mean, which fixes every variable to the observation's own
// values and therefore equals the model's prediction for it.
func (e *Engine) Explain(ctx context.Context, obs models.Observation) (models.DecompositionResult, error) {
	schema := e.baseline.Schema()
	if err := schema.Validate(obs.Features); err != nil {
		return models.DecompositionResult{}, fmt.Errorf("observation %s: %w", obs.ID, err)
	}

	baseline, err := e.baseline.AveragePrediction(ctx)
	if err != nil {
		return models.DecompositionResult{}, err
	}

	k := len(schema)
	fixed := make(map[string]float64, k)
	committed := make([]bool, k)
	current := baseline
	records := make([]models.ContributionRecord, 0, k)

	for step := 0; step < k; step++ {
		best := -1
		bestMean := 0.0
		bestDelta := math.Inf(-1)

		for idx, name := range schema {
			if committed[idx] {
				continue
			}
			fixed[name] = obs.Features.Values[idx]
			candidate, err := e.baseline.ConditionalMean(ctx, fixed)
			delete(fixed, name)
			if err != nil {
				return models.DecompositionResult{}, fmt.Errorf("observation %s, step %d, variable %s: %w", obs.ID, step, name, err)
			}
			// Strict comparison keeps the first (lowest-index) variable on ties.
			if delta := math.Abs(candidate - current); delta > bestDelta {
				best = idx
				bestMean = candidate
				bestDelta = delta
			}
		}

		name := schema[best]
		records = append(records, models.ContributionRecord{
			ObservationID: obs.ID,
			Variable:      name,
			Value:         obs.Features.Values[best],
			Contribution:  bestMean - current,
			Cumulative:    bestMean,
			OrderIndex:    step,
		})
		fixed[name] = obs.Features.Values[best]
		committed[best] = true
		current = bestMean
	}

	e.logger.Debug("observation decomposed",
		slog.String("observation_id", obs.ID),
		slog.Float64("baseline", baseline),
		slog.Float64("prediction", current),
	)

	return models.DecompositionResult{
		ExplanationID: uuid.NewString(),
		ObservationID: obs.ID,
		Baseline:      baseline,
		Prediction:    current,
		Records:       records,
		CreatedAt:     time.Now().UTC(),
	}, nil
}
