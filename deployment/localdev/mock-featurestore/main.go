package main

import (
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// Serves a small fixed feature-store dataset so the engine can be exercised
// locally without the real preparation pipeline.

var variables = []string{"age", "income", "tenure", "balance"}

var populationRows = [][]float64{
	{34, 52000, 3, 1200},
	{41, 61000, 8, 340},
	{29, 38000, 1, 2100},
	{55, 87000, 17, 90},
	{47, 43000, 9, 5600},
	{38, 71000, 5, 480},
	{62, 58000, 22, 150},
	{26, 31000, 2, 980},
}

type observation struct {
	ID     string    `json:"id"`
	Label  *float64  `json:"label,omitempty"`
	Values []float64 `json:"values"`
}

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/features/rows", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		writeJSON(w, map[string]any{
			"variables": variables,
			"rows":      populationRows,
		})
	})

	mux.HandleFunc("/api/v1/features/observations", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req struct {
			Limit int `json:"limit"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		one := 1.0
		zero := 0.0
		observations := []observation{
			{ID: "cust-1001", Label: &one, Values: []float64{44, 56000, 11, 760}},
			{ID: "cust-1002", Label: &zero, Values: []float64{23, 29000, 1, 1900}},
			{ID: "cust-1003", Values: []float64{51, 64000, 14, 220}},
		}
		if req.Limit > 0 && req.Limit < len(observations) {
			observations = observations[:req.Limit]
		}
		writeJSON(w, map[string]any{
			"variables":    variables,
			"observations": observations,
		})
	})

	logger := log.New(log.Writer(), "featurestore-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":8081",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :8081")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
