package models

import "errors"

// Sentinel errors shared by the scoring adapter, engine and orchestrator.
// Callers match with errors.Is; wrapped messages carry the detail.
var (
	// ErrSchemaMismatch signals that a feature vector's variables disagree
	// with the schema fixed at construction. Non-retryable.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrEmptyPopulation signals a reference baseline built with zero rows.
	// Fatal at construction time.
	ErrEmptyPopulation = errors.New("empty reference population")

	// ErrNonFiniteScore signals that the scoring function produced NaN or
	// an infinity. Treated as an upstream model defect, never clamped.
	ErrNonFiniteScore = errors.New("non-finite score")

	// ErrScoringUnavailable wraps unexpected scoring failures. The batch
	// orchestrator retries these once before surfacing them.
	ErrScoringUnavailable = errors.New("scoring unavailable")

	// ErrNotFound signals a missing record in the history store.
	ErrNotFound = errors.New("not found")
)
