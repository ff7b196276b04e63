package models

import "time"

// ExplainBatchRequest asks for break-down explanations of many observations.
// Concurrency <= 0 selects the orchestrator default.
type ExplainBatchRequest struct {
	Observations []Observation
	Concurrency  int
}

// ListExplanationsRequest captures pagination for stored explanations.
type ListExplanationsRequest struct {
	ObservationID string
	PageSize      int
	PageToken     string
}

// ListExplanationsResponse contains stored explanations and pagination state.
type ListExplanationsResponse struct {
	Explanations  []DecompositionResult
	NextPageToken string
}

// Feedback captures reviewer feedback on a stored explanation.
type Feedback struct {
	ExplanationID string
	Helpful       bool
	Notes         string
	SubmittedAt   time.Time
}
