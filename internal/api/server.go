// Package api is the control surface: request/response endpoints for
// history reads, ad-hoc prediction triggers, training management, and
// health. Handlers stay thin; they validate parameters, delegate to the
// owning component, and shape the response.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"prediction-systemv1/internal/logger"
	"prediction-systemv1/internal/metrics"
	"prediction-systemv1/internal/model"
)

// CandleSource is the provider gateway surface history reads need.
type CandleSource interface {
	FetchCandles(ctx context.Context, symbol string, tf model.Timeframe, bypassCache bool) ([]model.Candle, error)
}

// Predictor runs an ad-hoc merge on demand.
type Predictor interface {
	Merge(ctx context.Context, symbol string, tf model.Timeframe, horizonMinutes int, selectedBots []string) (*model.MergedPrediction, error)
}

// TrainingEnqueuer accepts training jobs.
type TrainingEnqueuer interface {
	Enqueue(ctx context.Context, symbol string, tf model.Timeframe, botName string, cfg model.TrainingConfig) (*model.TrainingRecord, error)
}

// Config wires the control surface's collaborators. Source and Candles
// are required; the rest disable their endpoints when nil.
type Config struct {
	Source   CandleSource
	Candles  model.CandleStore
	Audit    model.AuditStore
	Training model.TrainingStore
	Queue    TrainingEnqueuer
	Merger   Predictor
	Health   *metrics.HealthStatus

	// WS, when set, is mounted at /ws.
	WS http.HandlerFunc

	// DefaultHorizonMinutes backs trigger requests that omit a horizon.
	DefaultHorizonMinutes int
}

// Server holds the handler set.
type Server struct {
	cfg Config
}

// NewServer validates the wiring and returns the control surface.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Source == nil || cfg.Candles == nil {
		return nil, errors.New("api needs a candle source and store")
	}
	if cfg.DefaultHorizonMinutes <= 0 {
		cfg.DefaultHorizonMinutes = 180
	}
	return &Server{cfg: cfg}, nil
}

// Handler wraps the route mux with request logging.
func (s *Server) Handler() http.Handler {
	return requestLog(s.Routes())
}

// statusRecorder captures the response status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestLog assigns each request a trace ID and emits one structured
// access-log line when it completes.
func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := logger.WithTraceID(r.Context(), logger.GenerateTraceID("req", start))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r.WithContext(ctx))

		attrs := []any{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("took", time.Since(start)),
		}
		attrs = append(attrs, logger.LogWithTrace(ctx)...)
		slog.Info("request", attrs...)
	})
}

// setCORS sets CORS headers for REST endpoints.
func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	setCORS(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeBody parses a JSON request body, rejecting unknown fields.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	JobID   string `json:"job_id,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}
