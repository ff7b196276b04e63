// Package store persists produced explanations so they can be listed,
// re-fetched, annotated with reviewer feedback, and mined for variable
// importance. Backed by an embedded SQLite database.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/glassboxstack/glassbox-explain/internal/models"
)

//go:embed sql/ddl.sql
var ddl embed.FS

const (
	defaultPageSize = 50
	maxPageSize     = 500

	timeLayout = time.RFC3339Nano
)

// Store is the explanation history repository.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed creates) the database at path and applies the
// schema. Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path not specified")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	// modernc sqlite serialises writes itself; a single connection avoids
	// SQLITE_BUSY under concurrent batch persistence.
	db.SetMaxOpenConns(1)

	schema, err := ddl.ReadFile("sql/ddl.sql")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("read schema: %w", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema to %s: %w", path, err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// StoreExplanation persists one decomposition with its contribution rows in a
// single transaction. The label, when known, is stored alongside for later
// model-quality review.
func (s *Store) StoreExplanation(ctx context.Context, result models.DecompositionResult, label *float64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialised")
	}
	if result.ExplanationID == "" {
		return fmt.Errorf("explanation id is empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO explanations (explanation_id, observation_id, baseline, prediction, label, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		result.ExplanationID, result.ObservationID, result.Baseline, result.Prediction,
		nullableFloat(label), result.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		rollback(tx)
		return fmt.Errorf("insert explanation %s: %w", result.ExplanationID, err)
	}

	for _, record := range result.Records {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO contributions (explanation_id, order_index, variable, value, contribution, cumulative)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			result.ExplanationID, record.OrderIndex, record.Variable,
			record.Value, record.Contribution, record.Cumulative)
		if err != nil {
			rollback(tx)
			return fmt.Errorf("insert contribution %s/%s: %w", result.ExplanationID, record.Variable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit explanation %s: %w", result.ExplanationID, err)
	}
	return nil
}

// GetExplanation fetches a stored decomposition by its explanation id.
func (s *Store) GetExplanation(ctx context.Context, explanationID string) (models.DecompositionResult, error) {
	if s == nil || s.db == nil {
		return models.DecompositionResult{}, fmt.Errorf("store not initialised")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT explanation_id, observation_id, baseline, prediction, created_at
		 FROM explanations WHERE explanation_id = ?`, explanationID)

	result, err := scanExplanation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DecompositionResult{}, fmt.Errorf("explanation %s: %w", explanationID, models.ErrNotFound)
	}
	if err != nil {
		return models.DecompositionResult{}, fmt.Errorf("fetch explanation %s: %w", explanationID, err)
	}

	records, err := s.contributionsFor(ctx, explanationID, result.ObservationID)
	if err != nil {
		return models.DecompositionResult{}, err
	}
	result.Records = records
	return result, nil
}

// ListExplanations pages through stored explanations, newest first, optionally
// filtered by observation id. The page token is opaque to callers.
func (s *Store) ListExplanations(ctx context.Context, req models.ListExplanationsRequest) (models.ListExplanationsResponse, error) {
	if s == nil || s.db == nil {
		return models.ListExplanationsResponse{}, fmt.Errorf("store not initialised")
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	offset, err := decodePageToken(req.PageToken)
	if err != nil {
		return models.ListExplanationsResponse{}, err
	}

	query := `SELECT explanation_id, observation_id, baseline, prediction, created_at
		 FROM explanations`
	args := make([]any, 0, 3)
	if req.ObservationID != "" {
		query += " WHERE observation_id = ?"
		args = append(args, req.ObservationID)
	}
	// fetch one extra row to learn whether another page exists
	query += " ORDER BY created_at DESC, explanation_id DESC LIMIT ? OFFSET ?"
	args = append(args, pageSize+1, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return models.ListExplanationsResponse{}, fmt.Errorf("list explanations: %w", err)
	}
	defer rows.Close()

	var results []models.DecompositionResult
	for rows.Next() {
		result, err := scanExplanation(rows)
		if err != nil {
			return models.ListExplanationsResponse{}, fmt.Errorf("list explanations: %w", err)
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return models.ListExplanationsResponse{}, fmt.Errorf("list explanations: %w", err)
	}

	response := models.ListExplanationsResponse{}
	if len(results) > pageSize {
		results = results[:pageSize]
		response.NextPageToken = strconv.Itoa(offset + pageSize)
	}

	for i := range results {
		records, err := s.contributionsFor(ctx, results[i].ExplanationID, results[i].ObservationID)
		if err != nil {
			return models.ListExplanationsResponse{}, err
		}
		results[i].Records = records
	}
	response.Explanations = results
	return response, nil
}

// StoreFeedback records reviewer feedback for a stored explanation.
func (s *Store) StoreFeedback(ctx context.Context, feedback models.Feedback) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialised")
	}

	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM explanations WHERE explanation_id = ?`, feedback.ExplanationID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check explanation %s: %w", feedback.ExplanationID, err)
	}
	if exists == 0 {
		return fmt.Errorf("explanation %s: %w", feedback.ExplanationID, models.ErrNotFound)
	}

	submitted := feedback.SubmittedAt
	if submitted.IsZero() {
		submitted = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO feedback (explanation_id, helpful, notes, submitted_at) VALUES (?, ?, ?, ?)`,
		feedback.ExplanationID, boolToInt(feedback.Helpful), feedback.Notes, submitted.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert feedback for %s: %w", feedback.ExplanationID, err)
	}
	return nil
}

// RecentContributions returns contribution rows from the most recent
// explanations for importance mining, newest explanation first.
func (s *Store) RecentContributions(ctx context.Context, limit int) ([]models.ContributionSample, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialised")
	}
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT e.observation_id, c.variable, c.contribution, e.created_at
		 FROM contributions c
		 JOIN explanations e ON e.explanation_id = c.explanation_id
		 ORDER BY e.created_at DESC, c.explanation_id, c.order_index
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("load recent contributions: %w", err)
	}
	defer rows.Close()

	var samples []models.ContributionSample
	for rows.Next() {
		var sample models.ContributionSample
		var created string
		if err := rows.Scan(&sample.ObservationID, &sample.Variable, &sample.Contribution, &created); err != nil {
			return nil, fmt.Errorf("scan contribution: %w", err)
		}
		sample.CreatedAt, err = time.Parse(timeLayout, created)
		if err != nil {
			return nil, fmt.Errorf("parse contribution timestamp: %w", err)
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load recent contributions: %w", err)
	}
	return samples, nil
}

func (s *Store) contributionsFor(ctx context.Context, explanationID, observationID string) ([]models.ContributionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT order_index, variable, value, contribution, cumulative
		 FROM contributions WHERE explanation_id = ? ORDER BY order_index`, explanationID)
	if err != nil {
		return nil, fmt.Errorf("load contributions for %s: %w", explanationID, err)
	}
	defer rows.Close()

	var records []models.ContributionRecord
	for rows.Next() {
		record := models.ContributionRecord{ObservationID: observationID}
		if err := rows.Scan(&record.OrderIndex, &record.Variable, &record.Value, &record.Contribution, &record.Cumulative); err != nil {
			return nil, fmt.Errorf("scan contribution for %s: %w", explanationID, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load contributions for %s: %w", explanationID, err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExplanation(row rowScanner) (models.DecompositionResult, error) {
	var result models.DecompositionResult
	var created string
	if err := row.Scan(&result.ExplanationID, &result.ObservationID, &result.Baseline, &result.Prediction, &created); err != nil {
		return models.DecompositionResult{}, err
	}
	parsed, err := time.Parse(timeLayout, created)
	if err != nil {
		return models.DecompositionResult{}, fmt.Errorf("parse created_at: %w", err)
	}
	result.CreatedAt = parsed
	return result, nil
}

func decodePageToken(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	offset, err := strconv.Atoi(token)
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("invalid page token %q", token)
	}
	return offset, nil
}

func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
