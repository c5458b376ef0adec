package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"prediction-systemv1/internal/bot"
	"prediction-systemv1/internal/merge"
	"prediction-systemv1/internal/metrics"
	"prediction-systemv1/internal/model"
	"prediction-systemv1/internal/provider"
)

type fakeSource struct {
	candles []model.Candle
	err     error
	calls   int
}

func (f *fakeSource) FetchCandles(context.Context, string, model.Timeframe, bool) ([]model.Candle, error) {
	f.calls++
	return f.candles, f.err
}

type fakeCandleStore struct {
	latest   *model.Candle
	upserted int
}

func (s *fakeCandleStore) UpsertBatch(_ context.Context, candles []model.Candle) error {
	s.upserted += len(candles)
	return nil
}

func (s *fakeCandleStore) Range(context.Context, string, model.Timeframe, time.Time, time.Time, int) ([]model.Candle, error) {
	return nil, nil
}

func (s *fakeCandleStore) Latest(context.Context, string, model.Timeframe) (*model.Candle, error) {
	return s.latest, nil
}

type fakeAudit struct {
	byID   map[int64]*model.MergedPrediction
	latest *model.MergedPrediction
}

func (a *fakeAudit) Save(context.Context, *model.MergedPrediction) (int64, error) { return 1, nil }

func (a *fakeAudit) Fetch(_ context.Context, id int64) (*model.MergedPrediction, error) {
	return a.byID[id], nil
}

func (a *fakeAudit) LatestPrediction(context.Context, string, model.Timeframe) (*model.MergedPrediction, error) {
	return a.latest, nil
}

func (a *fakeAudit) List(context.Context, string, model.Timeframe, time.Time, int) ([]model.MergedPrediction, error) {
	return nil, nil
}

type fakeMerger struct {
	horizon int
	bots    []string
	err     error
}

func (m *fakeMerger) Merge(_ context.Context, symbol string, tf model.Timeframe, horizon int, bots []string) (*model.MergedPrediction, error) {
	m.horizon = horizon
	m.bots = bots
	if m.err != nil {
		return nil, m.err
	}
	return &model.MergedPrediction{ID: 7, Symbol: symbol, Timeframe: tf, HorizonMinutes: horizon}, nil
}

type fakeQueue struct {
	rec *model.TrainingRecord
	err error
}

func (q *fakeQueue) Enqueue(context.Context, string, model.Timeframe, string, model.TrainingConfig) (*model.TrainingRecord, error) {
	return q.rec, q.err
}

type fakeTraining struct {
	active []model.TrainingRecord
}

func (t *fakeTraining) Insert(context.Context, *model.TrainingRecord) (int64, error) { return 1, nil }

func (t *fakeTraining) UpdateStatus(context.Context, int64, *model.TrainingRecord) error { return nil }

func (t *fakeTraining) ActiveFor(context.Context, string, model.Timeframe, string) (*model.TrainingRecord, error) {
	if len(t.active) == 0 {
		return nil, nil
	}
	return &t.active[0], nil
}

func (t *fakeTraining) ListActive(context.Context) ([]model.TrainingRecord, error) {
	return t.active, nil
}

type deps struct {
	source   *fakeSource
	store    *fakeCandleStore
	audit    *fakeAudit
	merger   *fakeMerger
	queue    *fakeQueue
	training *fakeTraining
}

func newTestMux(t *testing.T, d *deps) *http.ServeMux {
	t.Helper()
	srv, err := NewServer(Config{
		Source:   d.source,
		Candles:  d.store,
		Audit:    d.audit,
		Training: d.training,
		Queue:    d.queue,
		Merger:   d.merger,
		Health:   metrics.NewHealthStatus(false),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv.Routes()
}

func defaultDeps() *deps {
	return &deps{
		source:   &fakeSource{},
		store:    &fakeCandleStore{},
		audit:    &fakeAudit{byID: map[int64]*model.MergedPrediction{}},
		merger:   &fakeMerger{},
		queue:    &fakeQueue{},
		training: &fakeTraining{},
	}
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	var decoded map[string]any
	json.Unmarshal(w.Body.Bytes(), &decoded)
	return w, decoded
}

func histCandles(n int) []model.Candle {
	start := time.Date(2026, 2, 25, 9, 15, 0, 0, model.IST)
	out := make([]model.Candle, n)
	for i := range out {
		out[i] = model.Candle{
			Symbol:    "INFY.NS",
			Timeframe: model.TF5m,
			StartTS:   start.Add(time.Duration(i) * 5 * time.Minute),
			Open:      1500, High: 1510, Low: 1495, Close: 1500 + float64(i), Volume: 1000,
		}
	}
	return out
}

func TestHistoryValidatesParams(t *testing.T) {
	mux := newTestMux(t, defaultDeps())

	cases := []struct {
		name string
		url  string
	}{
		{"missing symbol", "/api/v1/history?timeframe=5m"},
		{"bad symbol", "/api/v1/history?symbol=nope&timeframe=5m"},
		{"bad timeframe", "/api/v1/history?symbol=INFY.NS&timeframe=7m"},
		{"bad limit", "/api/v1/history?symbol=INFY.NS&timeframe=5m&limit=0"},
		{"huge limit", "/api/v1/history?symbol=INFY.NS&timeframe=5m&limit=99999"},
		{"bad from_ts", "/api/v1/history?symbol=INFY.NS&timeframe=5m&from_ts=yesterday"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, body := doJSON(t, mux, http.MethodGet, tc.url, "")
			if w.Code != http.StatusBadRequest {
				t.Errorf("status: got %d, want 400", w.Code)
			}
			if body["error"] != "invalid_input" {
				t.Errorf("error code: got %v", body["error"])
			}
		})
	}
}

func TestHistoryAppliesLimitAndPersists(t *testing.T) {
	d := defaultDeps()
	d.source.candles = histCandles(10)
	mux := newTestMux(t, d)

	w, _ := doJSON(t, mux, http.MethodGet, "/api/v1/history?symbol=INFY.NS&timeframe=5m&limit=3", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}

	var out []model.Candle
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("candles: got %d, want 3", len(out))
	}
	if out[2].Close != 1509 {
		t.Errorf("kept the wrong tail: last close %v", out[2].Close)
	}
	if d.store.upserted != 10 {
		t.Errorf("persisted candles: got %d, want 10", d.store.upserted)
	}
}

func TestHistoryWindowFilter(t *testing.T) {
	d := defaultDeps()
	d.source.candles = histCandles(10)
	mux := newTestMux(t, d)

	from := url.QueryEscape(time.Date(2026, 2, 25, 9, 25, 0, 0, model.IST).Format(time.RFC3339))
	to := url.QueryEscape(time.Date(2026, 2, 25, 9, 40, 0, 0, model.IST).Format(time.RFC3339))
	reqURL := "/api/v1/history?symbol=INFY.NS&timeframe=5m&from_ts=" + from + "&to_ts=" + to

	w, _ := doJSON(t, mux, http.MethodGet, reqURL, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out []model.Candle
	json.Unmarshal(w.Body.Bytes(), &out)
	// 09:25, 09:30, 09:35; 09:40 is excluded by the half-open window.
	if len(out) != 3 {
		t.Fatalf("windowed candles: got %d, want 3", len(out))
	}
}

func TestHistoryProviderExhausted(t *testing.T) {
	d := defaultDeps()
	d.source.err = provider.ErrProviderExhausted
	mux := newTestMux(t, d)

	w, body := doJSON(t, mux, http.MethodGet, "/api/v1/history?symbol=INFY.NS&timeframe=5m", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", w.Code)
	}
	if body["error"] != "provider_exhausted" {
		t.Errorf("error code: got %v", body["error"])
	}
}

func TestHistoryLatestServesFromStore(t *testing.T) {
	d := defaultDeps()
	c := histCandles(1)[0]
	d.store.latest = &c
	mux := newTestMux(t, d)

	w, _ := doJSON(t, mux, http.MethodGet, "/api/v1/history/latest?symbol=INFY.NS&timeframe=5m", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if d.source.calls != 0 {
		t.Errorf("upstream fetches despite warm store: %d", d.source.calls)
	}
}

func TestHistoryLatestFallsThroughToFetch(t *testing.T) {
	d := defaultDeps()
	d.source.candles = histCandles(5)
	mux := newTestMux(t, d)

	w, _ := doJSON(t, mux, http.MethodGet, "/api/v1/history/latest?symbol=INFY.NS&timeframe=5m", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out model.Candle
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Close != 1504 {
		t.Errorf("latest close: got %v, want 1504", out.Close)
	}
	if d.source.calls != 1 {
		t.Errorf("fetches: got %d, want 1", d.source.calls)
	}
}

func TestHistoryLatestNotFound(t *testing.T) {
	mux := newTestMux(t, defaultDeps())

	w, body := doJSON(t, mux, http.MethodGet, "/api/v1/history/latest?symbol=INFY.NS&timeframe=5m", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", w.Code)
	}
	if body["error"] != "not_found" {
		t.Errorf("error code: got %v", body["error"])
	}
}

func TestTriggerDefaultsHorizon(t *testing.T) {
	d := defaultDeps()
	mux := newTestMux(t, d)

	w, _ := doJSON(t, mux, http.MethodPost, "/api/v1/prediction/trigger",
		`{"symbol":"INFY.NS","timeframe":"5m"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}
	if d.merger.horizon != 180 {
		t.Errorf("horizon: got %d, want 180", d.merger.horizon)
	}
}

func TestTriggerPassesSelectedBots(t *testing.T) {
	d := defaultDeps()
	mux := newTestMux(t, d)

	w, _ := doJSON(t, mux, http.MethodPost, "/api/v1/prediction/trigger",
		`{"symbol":"INFY.NS","timeframe":"5m","horizon_minutes":60,"selected_bots":["trend"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if d.merger.horizon != 60 {
		t.Errorf("horizon: got %d, want 60", d.merger.horizon)
	}
	if len(d.merger.bots) != 1 || d.merger.bots[0] != "trend" {
		t.Errorf("selected bots: got %v", d.merger.bots)
	}
}

func TestTriggerErrorMapping(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{"all rejected", merge.ErrAllBotsRejected, http.StatusUnprocessableEntity, "all_bots_rejected"},
		{"no history", merge.ErrInsufficientHistory, http.StatusUnprocessableEntity, "insufficient_history"},
		{"unknown bot", bot.ErrUnknownBot, http.StatusBadRequest, "invalid_input"},
		{"exhausted", provider.ErrProviderExhausted, http.StatusServiceUnavailable, "provider_exhausted"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := defaultDeps()
			d.merger.err = tc.err
			mux := newTestMux(t, d)

			w, body := doJSON(t, mux, http.MethodPost, "/api/v1/prediction/trigger",
				`{"symbol":"INFY.NS","timeframe":"5m"}`)
			if w.Code != tc.wantCode {
				t.Errorf("status: got %d, want %d", w.Code, tc.wantCode)
			}
			if body["error"] != tc.wantBody {
				t.Errorf("error code: got %v, want %s", body["error"], tc.wantBody)
			}
		})
	}
}

func TestTriggerRejectsBadBody(t *testing.T) {
	mux := newTestMux(t, defaultDeps())

	w, _ := doJSON(t, mux, http.MethodPost, "/api/v1/prediction/trigger", `{"symbol":`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed JSON: got %d, want 400", w.Code)
	}

	w, _ = doJSON(t, mux, http.MethodPost, "/api/v1/prediction/trigger",
		`{"symbol":"INFY.NS","timeframe":"5m","horizon_minutes":5000}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("oversized horizon: got %d, want 400", w.Code)
	}
}

func TestPredictionByID(t *testing.T) {
	d := defaultDeps()
	d.audit.byID[42] = &model.MergedPrediction{ID: 42, Symbol: "INFY.NS", Timeframe: model.TF5m}
	mux := newTestMux(t, d)

	w, body := doJSON(t, mux, http.MethodGet, "/api/v1/prediction/42", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if body["id"].(float64) != 42 {
		t.Errorf("id: got %v", body["id"])
	}

	w, _ = doJSON(t, mux, http.MethodGet, "/api/v1/prediction/43", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing id: got %d, want 404", w.Code)
	}

	w, _ = doJSON(t, mux, http.MethodGet, "/api/v1/prediction/abc", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("non-numeric id: got %d, want 400", w.Code)
	}
}

func TestPredictionLatest(t *testing.T) {
	d := defaultDeps()
	mux := newTestMux(t, d)

	w, _ := doJSON(t, mux, http.MethodGet, "/api/v1/prediction/latest?symbol=INFY.NS&timeframe=5m", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("empty audit: got %d, want 404", w.Code)
	}

	d.audit.latest = &model.MergedPrediction{ID: 9, Symbol: "INFY.NS", Timeframe: model.TF5m}
	w, body := doJSON(t, mux, http.MethodGet, "/api/v1/prediction/latest?symbol=INFY.NS&timeframe=5m", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if body["id"].(float64) != 9 {
		t.Errorf("id: got %v", body["id"])
	}
}

func TestEnqueueAccepted(t *testing.T) {
	d := defaultDeps()
	d.queue.rec = &model.TrainingRecord{JobID: "job-1", Status: model.TrainingQueued}
	mux := newTestMux(t, d)

	w, body := doJSON(t, mux, http.MethodPost, "/api/v1/training/enqueue",
		`{"symbol":"INFY.NS","timeframe":"5m","bot_name":"trend"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}
	if body["job_id"] != "job-1" || body["status"] != "queued" {
		t.Errorf("body: %v", body)
	}
}

func TestEnqueueDuplicateReturnsExistingJob(t *testing.T) {
	d := defaultDeps()
	d.queue.err = model.ErrDuplicateTraining
	d.training.active = []model.TrainingRecord{{JobID: "job-0", Status: model.TrainingRunning}}
	mux := newTestMux(t, d)

	w, body := doJSON(t, mux, http.MethodPost, "/api/v1/training/enqueue",
		`{"symbol":"INFY.NS","timeframe":"5m","bot_name":"trend"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("status: got %d, want 409", w.Code)
	}
	if body["error"] != "training_already_queued" {
		t.Errorf("error code: got %v", body["error"])
	}
	if body["job_id"] != "job-0" {
		t.Errorf("existing job id: got %v, want job-0", body["job_id"])
	}
}

func TestEnqueueUnknownBot(t *testing.T) {
	d := defaultDeps()
	d.queue.err = bot.ErrUnknownBot
	mux := newTestMux(t, d)

	w, body := doJSON(t, mux, http.MethodPost, "/api/v1/training/enqueue",
		`{"symbol":"INFY.NS","timeframe":"5m","bot_name":"nope"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", w.Code)
	}
	if body["error"] != "invalid_input" {
		t.Errorf("error code: got %v", body["error"])
	}
}

func TestTrainingStatus(t *testing.T) {
	d := defaultDeps()
	d.training.active = []model.TrainingRecord{
		{JobID: "a", Status: model.TrainingQueued},
		{JobID: "b", Status: model.TrainingRunning},
	}
	mux := newTestMux(t, d)

	w, body := doJSON(t, mux, http.MethodGet, "/api/v1/training/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if body["count"].(float64) != 2 {
		t.Errorf("count: got %v, want 2", body["count"])
	}
}

func TestHealthReportsComponents(t *testing.T) {
	mux := newTestMux(t, defaultDeps())

	w, body := doJSON(t, mux, http.MethodGet, "/api/v1/health", "")
	// Scheduler has not reported in yet, so the service is degraded but
	// still answering.
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if body["status"] != "degraded" {
		t.Errorf("status field: got %v, want degraded", body["status"])
	}
	components, ok := body["components"].(map[string]any)
	if !ok {
		t.Fatalf("components missing: %v", body)
	}
	for _, name := range []string{"db", "cache", "scheduler"} {
		if _, ok := components[name]; !ok {
			t.Errorf("component %s missing", name)
		}
	}
}
