package models

import "time"

// ContributionRecord is one step of a break-down decomposition: fixing the
// named variable to the observation's value moved the expected prediction
// from Cumulative-Contribution to Cumulative.
type ContributionRecord struct {
	ObservationID string
	Variable      string
	Value         float64
	Contribution  float64
	Cumulative    float64
	OrderIndex    int
}

// DecompositionResult is the complete explanation of one observation:
// Baseline + sum of record contributions equals Prediction exactly.
// Immutable once produced.
type DecompositionResult struct {
	ExplanationID string
	ObservationID string
	Baseline      float64
	Prediction    float64
	Records       []ContributionRecord
	CreatedAt     time.Time
}

// CombinedRow is a contribution record tagged with the owning observation's
// label and final score, as emitted in the batch table.
type CombinedRow struct {
	ContributionRecord
	Label      *float64
	Prediction float64
}

// ObservationError records an isolated per-observation failure in a batch.
type ObservationError struct {
	ObservationID string
	Err           error
}

// CombinedTable is the row-concatenation of decompositions for a batch.
// Row order across observations is unspecified; within one observation the
// rows are contiguous and ordered by OrderIndex.
type CombinedTable struct {
	BatchID   string
	Baseline  float64
	Rows      []CombinedRow
	Results   []DecompositionResult
	Errors    []ObservationError
	Cancelled bool
	CreatedAt time.Time
}
