package importance

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/glassboxstack/glassbox-explain/internal/models"
)

type fakeSource struct {
	samples []models.ContributionSample
	err     error
	gotLim  int
}

func (f *fakeSource) RecentContributions(_ context.Context, limit int) ([]models.ContributionSample, error) {
	f.gotLim = limit
	return f.samples, f.err
}

func TestMineRanksByShare(t *testing.T) {
	now := time.Now().UTC()
	source := &fakeSource{samples: []models.ContributionSample{
		{ObservationID: "o1", Variable: "age", Contribution: 0.3, CreatedAt: now},
		{ObservationID: "o1", Variable: "income", Contribution: -0.1, CreatedAt: now},
		{ObservationID: "o2", Variable: "age", Contribution: -0.5, CreatedAt: now.Add(time.Minute)},
		{ObservationID: "o2", Variable: "income", Contribution: 0.1, CreatedAt: now.Add(time.Minute)},
	}}

	ranking, err := NewMiner(nil, source).Mine(context.Background(), 100)
	if err != nil {
		t.Fatalf("mine: %v", err)
	}
	if source.gotLim != 100 {
		t.Fatalf("limit not forwarded, got %d", source.gotLim)
	}
	if len(ranking) != 2 {
		t.Fatalf("expected 2 variables, got %d", len(ranking))
	}

	top := ranking[0]
	if top.Variable != "age" {
		t.Fatalf("expected age on top, got %s", top.Variable)
	}
	if math.Abs(top.MeanAbsContribution-0.4) > 1e-12 {
		t.Fatalf("unexpected mean abs contribution: %f", top.MeanAbsContribution)
	}
	if math.Abs(top.Share-0.8) > 1e-12 {
		t.Fatalf("unexpected share: %f", top.Share)
	}
	if top.Observations != 2 {
		t.Fatalf("expected 2 distinct observations, got %d", top.Observations)
	}
	if !top.LastSeen.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected last seen: %v", top.LastSeen)
	}

	var shareSum float64
	for _, v := range ranking {
		shareSum += v.Share
	}
	if math.Abs(shareSum-1.0) > 1e-12 {
		t.Fatalf("shares should sum to 1, got %f", shareSum)
	}
}

func TestMineEmptyHistory(t *testing.T) {
	ranking, err := NewMiner(nil, &fakeSource{}).Mine(context.Background(), 10)
	if err != nil {
		t.Fatalf("mine: %v", err)
	}
	if ranking != nil {
		t.Fatalf("expected nil ranking for empty history, got %v", ranking)
	}
}

func TestMineTieBreaksByName(t *testing.T) {
	now := time.Now().UTC()
	source := &fakeSource{samples: []models.ContributionSample{
		{ObservationID: "o1", Variable: "beta", Contribution: 0.2, CreatedAt: now},
		{ObservationID: "o1", Variable: "alpha", Contribution: -0.2, CreatedAt: now},
	}}

	ranking, err := NewMiner(nil, source).Mine(context.Background(), 10)
	if err != nil {
		t.Fatalf("mine: %v", err)
	}
	if ranking[0].Variable != "alpha" || ranking[1].Variable != "beta" {
		t.Fatalf("expected alphabetical tie-break, got %v", ranking)
	}
}

func TestMineSourceError(t *testing.T) {
	wantErr := errors.New("boom")
	if _, err := NewMiner(nil, &fakeSource{err: wantErr}).Mine(context.Background(), 10); !errors.Is(err, wantErr) {
		t.Fatalf("expected source error, got %v", err)
	}
}
