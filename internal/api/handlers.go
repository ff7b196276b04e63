package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/glassboxstack/glassbox-explain/internal/metrics"
	"github.com/glassboxstack/glassbox-explain/internal/models"
)

// Service is the application facade the HTTP layer depends on.
type Service interface {
	Explain(ctx context.Context, obs models.Observation) (models.DecompositionResult, error)
	ExplainBatch(ctx context.Context, req models.ExplainBatchRequest) (models.CombinedTable, error)
	GetExplanation(ctx context.Context, explanationID string) (models.DecompositionResult, error)
	ListExplanations(ctx context.Context, req models.ListExplanationsRequest) (models.ListExplanationsResponse, error)
	SubmitFeedback(ctx context.Context, feedback models.Feedback) error
	VariableImportance(ctx context.Context, limit int) ([]models.VariableImportance, error)
	Baseline(ctx context.Context) (float64, error)
	Schema() models.Schema
}

// Handler serves the explanation API.
type Handler struct {
	logger   *slog.Logger
	service  Service
	validate *validator.Validate
}

// NewRouter builds the chi router with middleware and all API routes mounted.
func NewRouter(logger *slog.Logger, service Service) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(requestMetrics)

	r.Get("/healthz", h.health)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/explain", h.explain)
		r.Post("/explain/batch", h.explainBatch)
		r.Get("/explanations", h.listExplanations)
		r.Get("/explanations/{explanationID}", h.getExplanation)
		r.Post("/feedback", h.submitFeedback)
		r.Get("/importance", h.importance)
		r.Get("/baseline", h.baseline)
	})
	return r
}

// requestMetrics records per-route request counts and latency.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveHTTPRequest(route, ww.Status(), time.Since(start))
	})
}

type observationPayload struct {
	ID       string             `json:"id"`
	Label    *float64           `json:"label,omitempty"`
	Features map[string]float64 `json:"features" validate:"required,min=1"`
}

type explainRequest struct {
	Observation observationPayload `json:"observation"`
}

type explainBatchPayload struct {
	Observations []observationPayload `json:"observations" validate:"required,min=1,dive"`
	Concurrency  int                  `json:"concurrency" validate:"omitempty,min=1"`
}

type feedbackPayload struct {
	ExplanationID string `json:"explanation_id" validate:"required"`
	Helpful       *bool  `json:"helpful" validate:"required"`
	Notes         string `json:"notes" validate:"omitempty,max=2000"`
}

type contributionDTO struct {
	Variable     string  `json:"variable"`
	Value        float64 `json:"value"`
	Contribution float64 `json:"contribution"`
	Cumulative   float64 `json:"cumulative"`
	OrderIndex   int     `json:"order_index"`
}

type explanationDTO struct {
	ExplanationID string            `json:"explanation_id"`
	ObservationID string            `json:"observation_id"`
	Baseline      float64           `json:"baseline"`
	Prediction    float64           `json:"prediction"`
	CreatedAt     time.Time         `json:"created_at"`
	Contributions []contributionDTO `json:"contributions"`
}

type batchRowDTO struct {
	ObservationID string   `json:"observation_id"`
	Variable      string   `json:"variable"`
	Value         float64  `json:"value"`
	Contribution  float64  `json:"contribution"`
	Cumulative    float64  `json:"cumulative"`
	OrderIndex    int      `json:"order_index"`
	Prediction    float64  `json:"prediction"`
	Label         *float64 `json:"label,omitempty"`
}

type batchErrorDTO struct {
	ObservationID string `json:"observation_id"`
	Error         string `json:"error"`
}

type batchResponse struct {
	BatchID   string           `json:"batch_id"`
	Baseline  float64          `json:"baseline"`
	Cancelled bool             `json:"cancelled"`
	Results   []explanationDTO `json:"results"`
	Errors    []batchErrorDTO  `json:"errors"`
	Rows      []batchRowDTO    `json:"rows"`
	CreatedAt time.Time        `json:"created_at"`
}

type listResponse struct {
	Explanations  []explanationDTO `json:"explanations"`
	NextPageToken string           `json:"next_page_token,omitempty"`
}

type importanceDTO struct {
	Variable            string    `json:"variable"`
	MeanAbsContribution float64   `json:"mean_abs_contribution"`
	Share               float64   `json:"share"`
	Observations        int       `json:"observations"`
	LastSeen            time.Time `json:"last_seen"`
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) explain(w http.ResponseWriter, r *http.Request) {
	var req explainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if err := h.validate.Struct(req.Observation); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	obs, err := h.toObservation(req.Observation, 0)
	if err != nil {
		h.writeError(w, r, statusForError(err), err)
		return
	}

	result, err := h.service.Explain(r.Context(), obs)
	if err != nil {
		h.writeError(w, r, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toExplanationDTO(result))
}

func (h *Handler) explainBatch(w http.ResponseWriter, r *http.Request) {
	var req explainBatchPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	observations := make([]models.Observation, 0, len(req.Observations))
	for i, payload := range req.Observations {
		obs, err := h.toObservation(payload, i)
		if err != nil {
			h.writeError(w, r, statusForError(err), err)
			return
		}
		observations = append(observations, obs)
	}

	table, err := h.service.ExplainBatch(r.Context(), models.ExplainBatchRequest{
		Observations: observations,
		Concurrency:  req.Concurrency,
	})
	if err != nil {
		h.writeError(w, r, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchResponse(table))
}

func (h *Handler) listExplanations(w http.ResponseWriter, r *http.Request) {
	req := models.ListExplanationsRequest{
		ObservationID: r.URL.Query().Get("observation_id"),
		PageToken:     r.URL.Query().Get("page_token"),
	}
	if raw := r.URL.Query().Get("page_size"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size < 0 {
			h.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid page_size %q", raw))
			return
		}
		req.PageSize = size
	}

	resp, err := h.service.ListExplanations(r.Context(), req)
	if err != nil {
		h.writeError(w, r, statusForError(err), err)
		return
	}

	out := listResponse{
		Explanations:  make([]explanationDTO, 0, len(resp.Explanations)),
		NextPageToken: resp.NextPageToken,
	}
	for _, result := range resp.Explanations {
		out.Explanations = append(out.Explanations, toExplanationDTO(result))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getExplanation(w http.ResponseWriter, r *http.Request) {
	explanationID := chi.URLParam(r, "explanationID")

	result, err := h.service.GetExplanation(r.Context(), explanationID)
	if err != nil {
		h.writeError(w, r, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toExplanationDTO(result))
}

func (h *Handler) submitFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	feedback := models.Feedback{
		ExplanationID: req.ExplanationID,
		Helpful:       *req.Helpful,
		Notes:         req.Notes,
	}
	if err := h.service.SubmitFeedback(r.Context(), feedback); err != nil {
		h.writeError(w, r, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"explanation_id": req.ExplanationID,
		"accepted":       true,
	})
}

func (h *Handler) importance(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}

	ranking, err := h.service.VariableImportance(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, statusForError(err), err)
		return
	}

	out := make([]importanceDTO, 0, len(ranking))
	for _, v := range ranking {
		out = append(out, importanceDTO{
			Variable:            v.Variable,
			MeanAbsContribution: v.MeanAbsContribution,
			Share:               v.Share,
			Observations:        v.Observations,
			LastSeen:            v.LastSeen,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"importance": out})
}

func (h *Handler) baseline(w http.ResponseWriter, r *http.Request) {
	value, err := h.service.Baseline(r.Context())
	if err != nil {
		h.writeError(w, r, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"baseline": value})
}

// toObservation maps a features map onto the model's ordered schema. Missing
// or unknown variables surface as a schema mismatch.
func (h *Handler) toObservation(payload observationPayload, index int) (models.Observation, error) {
	schema := h.service.Schema()
	values := make([]float64, len(schema))
	for i, variable := range schema {
		value, ok := payload.Features[variable]
		if !ok {
			return models.Observation{}, fmt.Errorf("%w: missing variable %q", models.ErrSchemaMismatch, variable)
		}
		values[i] = value
	}
	if len(payload.Features) != len(schema) {
		for name := range payload.Features {
			if schema.Index(name) < 0 {
				return models.Observation{}, fmt.Errorf("%w: unknown variable %q", models.ErrSchemaMismatch, name)
			}
		}
	}

	id := payload.ID
	if id == "" {
		id = fmt.Sprintf("obs-%d", index+1)
	}
	return models.Observation{
		ID:    id,
		Label: payload.Label,
		Features: models.FeatureVector{
			Variables: append([]string(nil), schema...),
			Values:    values,
		},
	}, nil
}

func toExplanationDTO(result models.DecompositionResult) explanationDTO {
	dto := explanationDTO{
		ExplanationID: result.ExplanationID,
		ObservationID: result.ObservationID,
		Baseline:      result.Baseline,
		Prediction:    result.Prediction,
		CreatedAt:     result.CreatedAt,
		Contributions: make([]contributionDTO, 0, len(result.Records)),
	}
	for _, record := range result.Records {
		dto.Contributions = append(dto.Contributions, contributionDTO{
			Variable:     record.Variable,
			Value:        record.Value,
			Contribution: record.Contribution,
			Cumulative:   record.Cumulative,
			OrderIndex:   record.OrderIndex,
		})
	}
	return dto
}

func toBatchResponse(table models.CombinedTable) batchResponse {
	resp := batchResponse{
		BatchID:   table.BatchID,
		Baseline:  table.Baseline,
		Cancelled: table.Cancelled,
		Results:   make([]explanationDTO, 0, len(table.Results)),
		Errors:    make([]batchErrorDTO, 0, len(table.Errors)),
		Rows:      make([]batchRowDTO, 0, len(table.Rows)),
		CreatedAt: table.CreatedAt,
	}
	for _, result := range table.Results {
		resp.Results = append(resp.Results, toExplanationDTO(result))
	}
	for _, obsErr := range table.Errors {
		resp.Errors = append(resp.Errors, batchErrorDTO{
			ObservationID: obsErr.ObservationID,
			Error:         obsErr.Err.Error(),
		})
	}
	for _, row := range table.Rows {
		resp.Rows = append(resp.Rows, batchRowDTO{
			ObservationID: row.ObservationID,
			Variable:      row.Variable,
			Value:         row.Value,
			Contribution:  row.Contribution,
			Cumulative:    row.Cumulative,
			OrderIndex:    row.OrderIndex,
			Prediction:    row.Prediction,
			Label:         row.Label,
		})
	}
	return resp
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrSchemaMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrScoringUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Any("error", err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
