package models

import "time"

// ContributionSample is the slice of a stored contribution row needed for
// importance mining.
type ContributionSample struct {
	ObservationID string
	Variable      string
	Contribution  float64
	CreatedAt     time.Time
}

// VariableImportance aggregates the absolute contribution a variable has
// carried across stored explanations.
type VariableImportance struct {
	Variable            string
	MeanAbsContribution float64
	Share               float64
	Observations        int
	LastSeen            time.Time
}
