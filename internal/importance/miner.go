// Package importance aggregates stored contribution rows into a global
// ranking of variables by the absolute effect they have carried.
package importance

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/glassboxstack/glassbox-explain/internal/models"
)

// Source abstracts access to recently stored contribution rows.
type Source interface {
	RecentContributions(ctx context.Context, limit int) ([]models.ContributionSample, error)
}

// Miner ranks variables by mean absolute contribution over recent history.
type Miner struct {
	source Source
	logger *slog.Logger
}

// NewMiner constructs a Miner over the given history source.
func NewMiner(logger *slog.Logger, source Source) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{source: source, logger: logger}
}

// Mine aggregates up to limit recent contribution rows into per-variable
// importance, sorted by share descending. Share is the variable's portion of
// the summed mean absolute contributions, so shares add up to one.
func (m *Miner) Mine(ctx context.Context, limit int) ([]models.VariableImportance, error) {
	samples, err := m.source.RecentContributions(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, nil
	}

	stats := make(map[string]*variableAggregate)
	for _, sample := range samples {
		agg, ok := stats[sample.Variable]
		if !ok {
			agg = &variableAggregate{observations: make(map[string]struct{})}
			stats[sample.Variable] = agg
		}
		agg.absSum += math.Abs(sample.Contribution)
		agg.count++
		agg.observations[sample.ObservationID] = struct{}{}
		if sample.CreatedAt.After(agg.lastSeen) {
			agg.lastSeen = sample.CreatedAt
		}
	}

	var meanTotal float64
	ranking := make([]models.VariableImportance, 0, len(stats))
	for variable, agg := range stats {
		mean := agg.absSum / float64(agg.count)
		meanTotal += mean
		ranking = append(ranking, models.VariableImportance{
			Variable:            variable,
			MeanAbsContribution: mean,
			Observations:        len(agg.observations),
			LastSeen:            agg.lastSeen,
		})
	}
	if meanTotal > 0 {
		for i := range ranking {
			ranking[i].Share = ranking[i].MeanAbsContribution / meanTotal
		}
	}

	sort.Slice(ranking, func(i, j int) bool {
		if ranking[i].Share != ranking[j].Share {
			return ranking[i].Share > ranking[j].Share
		}
		return ranking[i].Variable < ranking[j].Variable
	})

	m.logger.Debug("importance mined",
		slog.Int("samples", len(samples)),
		slog.Int("variables", len(ranking)))
	return ranking, nil
}

type variableAggregate struct {
	absSum       float64
	count        int
	lastSeen     time.Time
	observations map[string]struct{}
}
