package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"prediction-systemv1/internal/bot"
	"prediction-systemv1/internal/merge"
	"prediction-systemv1/internal/model"
	"prediction-systemv1/internal/provider"
)

const (
	defaultHistoryLimit = 500
	maxHistoryLimit     = 5000
)

// Routes returns the control surface mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/history", s.handleHistory)
	mux.HandleFunc("GET /api/v1/history/latest", s.handleHistoryLatest)

	if s.cfg.Merger != nil && s.cfg.Audit != nil {
		mux.HandleFunc("POST /api/v1/prediction/trigger", s.handlePredictionTrigger)
		mux.HandleFunc("GET /api/v1/prediction/latest", s.handlePredictionLatest)
		mux.HandleFunc("GET /api/v1/prediction/{id}", s.handlePredictionByID)
	}

	if s.cfg.Queue != nil && s.cfg.Training != nil {
		mux.HandleFunc("POST /api/v1/training/enqueue", s.handleTrainingEnqueue)
		mux.HandleFunc("GET /api/v1/training/status", s.handleTrainingStatus)
	}

	if s.cfg.Health != nil {
		mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	}

	if s.cfg.WS != nil {
		mux.HandleFunc("/ws", s.cfg.WS)
	}

	// CORS preflight for the POST endpoints.
	mux.HandleFunc("OPTIONS /api/v1/", func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

// topicParams parses and validates the symbol/timeframe query pair.
func topicParams(r *http.Request) (string, model.Timeframe, error) {
	symbol := r.URL.Query().Get("symbol")
	if !model.ValidSymbol(symbol) {
		return "", "", errors.New("invalid or missing symbol")
	}
	tf, err := model.ParseTimeframe(r.URL.Query().Get("timeframe"))
	if err != nil {
		return "", "", err
	}
	return symbol, tf, nil
}

// handleHistory serves GET /api/v1/history. The fetch goes through the
// gateway so the cache and candle store stay warm; from/to filtering and
// the limit apply on top of the fixed provider window.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	symbol, tf, err := topicParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	q := r.URL.Query()

	limit := defaultHistoryLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			writeError(w, http.StatusBadRequest, "invalid_input", "limit must be in 1..5000")
			return
		}
		limit = n
	}

	var from, to time.Time
	if raw := q.Get("from_ts"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "from_ts must be RFC3339")
			return
		}
	}
	if raw := q.Get("to_ts"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "to_ts must be RFC3339")
			return
		}
	}
	bypass := q.Get("bypass_cache") == "true"

	candles, err := s.cfg.Source.FetchCandles(r.Context(), symbol, tf, bypass)
	if err != nil {
		if errors.Is(err, provider.ErrProviderExhausted) {
			writeError(w, http.StatusServiceUnavailable, "provider_exhausted", err.Error())
			return
		}
		log.Printf("[api] history %s:%s: %v", symbol, tf, err)
		writeError(w, http.StatusInternalServerError, "internal", "history fetch failed")
		return
	}
	if err := s.cfg.Candles.UpsertBatch(r.Context(), candles); err != nil {
		log.Printf("[api] history persist %s:%s: %v", symbol, tf, err)
	}

	out := filterWindow(candles, from, to)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	if out == nil {
		out = []model.Candle{}
	}
	writeJSON(w, http.StatusOK, out)
}

// filterWindow keeps candles with from <= start < to. Zero bounds are open.
func filterWindow(candles []model.Candle, from, to time.Time) []model.Candle {
	var out []model.Candle
	for _, c := range candles {
		if !from.IsZero() && c.StartTS.Before(from) {
			continue
		}
		if !to.IsZero() && !c.StartTS.Before(to) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// handleHistoryLatest serves GET /api/v1/history/latest. The store is
// consulted first; a cold store falls through to one gateway fetch.
func (s *Server) handleHistoryLatest(w http.ResponseWriter, r *http.Request) {
	symbol, tf, err := topicParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}

	latest, err := s.cfg.Candles.Latest(r.Context(), symbol, tf)
	if err != nil {
		log.Printf("[api] latest %s:%s: %v", symbol, tf, err)
		writeError(w, http.StatusInternalServerError, "internal", "latest lookup failed")
		return
	}
	if latest == nil {
		candles, err := s.cfg.Source.FetchCandles(r.Context(), symbol, tf, false)
		if err != nil {
			if errors.Is(err, provider.ErrProviderExhausted) {
				writeError(w, http.StatusServiceUnavailable, "provider_exhausted", err.Error())
				return
			}
			log.Printf("[api] latest fetch %s:%s: %v", symbol, tf, err)
			writeError(w, http.StatusInternalServerError, "internal", "latest fetch failed")
			return
		}
		if len(candles) == 0 {
			writeError(w, http.StatusNotFound, "not_found", "no candles for symbol and timeframe")
			return
		}
		if err := s.cfg.Candles.UpsertBatch(r.Context(), candles); err != nil {
			log.Printf("[api] latest persist %s:%s: %v", symbol, tf, err)
		}
		latest = &candles[len(candles)-1]
	}
	writeJSON(w, http.StatusOK, latest)
}

type triggerRequest struct {
	Symbol         string   `json:"symbol"`
	Timeframe      string   `json:"timeframe"`
	HorizonMinutes int      `json:"horizon_minutes"`
	SelectedBots   []string `json:"selected_bots,omitempty"`
}

// handlePredictionTrigger serves POST /api/v1/prediction/trigger.
func (s *Server) handlePredictionTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if !model.ValidSymbol(req.Symbol) {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid or missing symbol")
		return
	}
	tf, err := model.ParseTimeframe(req.Timeframe)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	horizon := req.HorizonMinutes
	if horizon == 0 {
		horizon = s.cfg.DefaultHorizonMinutes
	}
	if horizon < 0 || horizon > 24*60 {
		writeError(w, http.StatusBadRequest, "invalid_input", "horizon_minutes must be in 1..1440")
		return
	}

	p, err := s.cfg.Merger.Merge(r.Context(), req.Symbol, tf, horizon, req.SelectedBots)
	if err != nil {
		switch {
		case errors.Is(err, merge.ErrAllBotsRejected):
			writeError(w, http.StatusUnprocessableEntity, "all_bots_rejected", err.Error())
		case errors.Is(err, merge.ErrInsufficientHistory):
			writeError(w, http.StatusUnprocessableEntity, "insufficient_history", err.Error())
		case errors.Is(err, provider.ErrProviderExhausted):
			writeError(w, http.StatusServiceUnavailable, "provider_exhausted", err.Error())
		case errors.Is(err, bot.ErrUnknownBot):
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		default:
			log.Printf("[api] trigger %s:%s: %v", req.Symbol, tf, err)
			writeError(w, http.StatusInternalServerError, "internal", "merge failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handlePredictionLatest serves GET /api/v1/prediction/latest.
func (s *Server) handlePredictionLatest(w http.ResponseWriter, r *http.Request) {
	symbol, tf, err := topicParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	p, err := s.cfg.Audit.LatestPrediction(r.Context(), symbol, tf)
	if err != nil {
		log.Printf("[api] prediction latest %s:%s: %v", symbol, tf, err)
		writeError(w, http.StatusInternalServerError, "internal", "prediction lookup failed")
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "not_found", "no prediction for symbol and timeframe")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handlePredictionByID serves GET /api/v1/prediction/{id}.
func (s *Server) handlePredictionByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "id must be a positive integer")
		return
	}
	p, err := s.cfg.Audit.Fetch(r.Context(), id)
	if err != nil {
		log.Printf("[api] prediction %d: %v", id, err)
		writeError(w, http.StatusInternalServerError, "internal", "prediction lookup failed")
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "not_found", "no such prediction")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type enqueueRequest struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	BotName   string `json:"bot_name"`
	Epochs    int    `json:"epochs,omitempty"`
}

// handleTrainingEnqueue serves POST /api/v1/training/enqueue. A duplicate
// triple returns 409 with the job id of the record already in flight.
func (s *Server) handleTrainingEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if !model.ValidSymbol(req.Symbol) {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid or missing symbol")
		return
	}
	tf, err := model.ParseTimeframe(req.Timeframe)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if req.BotName == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "bot_name is required")
		return
	}

	rec, err := s.cfg.Queue.Enqueue(r.Context(), req.Symbol, tf, req.BotName, model.TrainingConfig{Epochs: req.Epochs})
	if err != nil {
		switch {
		case errors.Is(err, model.ErrDuplicateTraining):
			body := errorBody{Error: "training_already_queued", Message: err.Error()}
			if active, aerr := s.cfg.Training.ActiveFor(r.Context(), req.Symbol, tf, req.BotName); aerr == nil && active != nil {
				body.JobID = active.JobID
			}
			writeJSON(w, http.StatusConflict, body)
		case errors.Is(err, bot.ErrQueueFull):
			writeError(w, http.StatusServiceUnavailable, "queue_full", err.Error())
		case errors.Is(err, bot.ErrUnknownBot):
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		default:
			log.Printf("[api] enqueue %s:%s:%s: %v", req.Symbol, tf, req.BotName, err)
			writeError(w, http.StatusInternalServerError, "internal", "enqueue failed")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": rec.JobID,
		"status": string(rec.Status),
	})
}

// handleTrainingStatus serves GET /api/v1/training/status.
func (s *Server) handleTrainingStatus(w http.ResponseWriter, r *http.Request) {
	active, err := s.cfg.Training.ListActive(r.Context())
	if err != nil {
		log.Printf("[api] training status: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "training status failed")
		return
	}
	if active == nil {
		active = []model.TrainingRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(active),
		"active": active,
	})
}

// handleHealth serves GET /api/v1/health. Degraded still answers 200;
// only an unhealthy database turns the endpoint into a failure.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, components := s.cfg.Health.Snapshot()
	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
	})
}
