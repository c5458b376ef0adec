package merge

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"prediction-systemv1/internal/bot"
	"prediction-systemv1/internal/model"
	"prediction-systemv1/internal/validate"
)

var mergeNow = time.Date(2026, 2, 25, 11, 0, 0, 0, model.IST)

// cannedModel is a scriptable bot.Model for exercising the merge paths.
type cannedModel struct {
	name     string
	conf     float64
	priceAt  func(minute int, lastClose float64) float64
	fitErr   error
	panics   bool
	emptyOut bool
}

func (c *cannedModel) Name() string    { return c.name }
func (c *cannedModel) MinCandles() int { return 2 }

func (c *cannedModel) Fit([]model.Candle, model.TrainingConfig) (map[string]float64, map[string]float64, error) {
	if c.fitErr != nil {
		return nil, nil, c.fitErr
	}
	return map[string]float64{}, map[string]float64{}, nil
}

func (c *cannedModel) Forecast(candles []model.Candle, _ map[string]float64, horizonMinutes int, _ model.Timeframe) (*model.BotForecast, error) {
	if c.panics {
		panic("scripted crash")
	}
	if c.emptyOut {
		return &model.BotForecast{}, nil
	}
	last := candles[len(candles)-1]
	series := make([]model.ForecastPoint, horizonMinutes)
	for i := 0; i < horizonMinutes; i++ {
		series[i] = model.ForecastPoint{
			TS:    last.StartTS.Add(time.Duration(i+1) * time.Minute),
			Price: c.priceAt(i+1, last.Close),
		}
	}
	return &model.BotForecast{Series: series, Confidence: c.conf}, nil
}

// memCandleStore serves a fixed ascending slice.
type memCandleStore struct {
	candles []model.Candle
}

func (s *memCandleStore) UpsertBatch(context.Context, []model.Candle) error { return nil }

func (s *memCandleStore) Range(_ context.Context, _ string, _ model.Timeframe, _, _ time.Time, limit int) ([]model.Candle, error) {
	out := s.candles
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memCandleStore) Latest(context.Context, string, model.Timeframe) (*model.Candle, error) {
	if len(s.candles) == 0 {
		return nil, nil
	}
	c := s.candles[len(s.candles)-1]
	return &c, nil
}

// memAudit records saves in memory with monotonic ids.
type memAudit struct {
	mu    sync.Mutex
	saved []*model.MergedPrediction
}

func (a *memAudit) Save(_ context.Context, p *model.MergedPrediction) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p.ID = int64(len(a.saved) + 1)
	a.saved = append(a.saved, p)
	return p.ID, nil
}

func (a *memAudit) Fetch(_ context.Context, id int64) (*model.MergedPrediction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id < 1 || int(id) > len(a.saved) {
		return nil, nil
	}
	return a.saved[id-1], nil
}

func (a *memAudit) LatestPrediction(context.Context, string, model.Timeframe) (*model.MergedPrediction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.saved) == 0 {
		return nil, nil
	}
	return a.saved[len(a.saved)-1], nil
}

func (a *memAudit) List(context.Context, string, model.Timeframe, time.Time, int) ([]model.MergedPrediction, error) {
	return nil, nil
}

func flatCandles(n int, close float64) []model.Candle {
	base := mergeNow.Add(-time.Duration(n-1) * 5 * time.Minute)
	out := make([]model.Candle, n)
	for i := 0; i < n; i++ {
		out[i] = model.Candle{
			Symbol:    "INFY.NS",
			Timeframe: model.TF5m,
			StartTS:   base.Add(time.Duration(i) * 5 * time.Minute),
			Open:      close, High: close, Low: close, Close: close,
			Volume: 10000,
		}
	}
	return out
}

func newTestMerger(t *testing.T, audit *memAudit, models ...bot.Model) *Merger {
	t.Helper()
	r := bot.NewRegistry()
	dir := t.TempDir()
	for _, mdl := range models {
		if err := r.Register(bot.NewAdapter(mdl, dir)); err != nil {
			t.Fatalf("register %s: %v", mdl.Name(), err)
		}
	}
	m, err := New(Config{
		Candles:  &memCandleStore{candles: flatCandles(60, 1500)},
		Registry: r,
		Audit:    audit,
	})
	if err != nil {
		t.Fatalf("new merger: %v", err)
	}
	m.now = func() time.Time { return mergeNow }
	return m
}

func TestMergeWeightsByConfidence(t *testing.T) {
	audit := &memAudit{}
	m := newTestMerger(t, audit,
		&cannedModel{name: "alpha", conf: 0.6, priceAt: func(int, float64) float64 { return 1500 }},
		&cannedModel{name: "beta", conf: 0.2, priceAt: func(int, float64) float64 { return 1520 }},
	)

	p, err := m.Merge(context.Background(), "INFY.NS", model.TF5m, 30, nil)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(p.Series) != 30 {
		t.Fatalf("series length: got %d, want 30", len(p.Series))
	}

	// Weights 0.75/0.25 give 0.75*1500 + 0.25*1520 = 1505.
	for i, pt := range p.Series {
		if math.Abs(pt.Price-1505) > 1e-9 {
			t.Fatalf("point %d: got %v, want 1505", i, pt.Price)
		}
	}

	// Overall = 0.6*0.75 + 0.2*0.25, no penalties.
	if math.Abs(p.OverallConfidence-0.5) > 1e-9 {
		t.Errorf("overall confidence: got %v, want 0.5", p.OverallConfidence)
	}
	if p.ID != 1 || len(audit.saved) != 1 {
		t.Errorf("audit save: id %d, saved %d", p.ID, len(audit.saved))
	}
	if len(p.RawOutputs["alpha"]) != 30 || len(p.RawOutputs["beta"]) != 30 {
		t.Error("raw outputs not captured for both bots")
	}
	if p.Features.LatestClose != 1500 {
		t.Errorf("feature snapshot latest close: got %v", p.Features.LatestClose)
	}
	if p.ValidationFlags["alpha"] != "valid" || p.ValidationFlags["beta"] != "valid" {
		t.Errorf("validation flags: %v", p.ValidationFlags)
	}
}

func TestMergeSanitizesRunawayBot(t *testing.T) {
	audit := &memAudit{}
	m := newTestMerger(t, audit,
		&cannedModel{name: "calm", conf: 0.5, priceAt: func(int, float64) float64 { return 1500 }},
		// 1% compounding per minute blows through the 10% drift ceiling.
		&cannedModel{name: "wild", conf: 0.5, priceAt: func(min int, last float64) float64 {
			return last * math.Pow(1.01, float64(min))
		}},
	)

	p, err := m.Merge(context.Background(), "INFY.NS", model.TF5m, 30, nil)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	if !p.Sanitization.Sanitized {
		t.Fatal("sanitization summary not marked")
	}
	if p.Sanitization.TotalClipped == 0 {
		t.Error("no clipped points recorded")
	}
	if len(p.Sanitization.SanitizedBots) != 1 || p.Sanitization.SanitizedBots[0] != "wild" {
		t.Errorf("sanitized bots: %v", p.Sanitization.SanitizedBots)
	}

	var wild *model.BotContribution
	for i := range p.Contributions {
		if p.Contributions[i].BotName == "wild" {
			wild = &p.Contributions[i]
		}
	}
	if wild == nil || wild.Status != model.StatusSanitized || wild.ClippedPoints == 0 {
		t.Fatalf("wild contribution: %+v", wild)
	}

	// Raw output keeps the unclipped series.
	raw := p.RawOutputs["wild"]
	if got := raw[len(raw)-1].Price; got < 1500*1.25 {
		t.Errorf("raw output was clipped: last price %v", got)
	}

	// Merged series is within magnitude bounds.
	if err := validate.CheckMagnitude(p.Series, 1500); err != nil {
		t.Errorf("merged series out of bounds: %v", err)
	}

	// Both retained, so only the sanitized penalty applies: 0.5 * 0.8.
	if math.Abs(p.OverallConfidence-0.4) > 1e-9 {
		t.Errorf("overall confidence: got %v, want 0.4", p.OverallConfidence)
	}
}

func TestMergeIsolatesPanickingBot(t *testing.T) {
	audit := &memAudit{}
	m := newTestMerger(t, audit,
		&cannedModel{name: "good", conf: 0.8, priceAt: func(int, float64) float64 { return 1500 }},
		&cannedModel{name: "crash", conf: 0.8, panics: true},
	)

	p, err := m.Merge(context.Background(), "INFY.NS", model.TF5m, 15, nil)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	var crash *model.BotContribution
	for i := range p.Contributions {
		if p.Contributions[i].BotName == "crash" {
			crash = &p.Contributions[i]
		}
	}
	if crash == nil || crash.Status != model.StatusException {
		t.Fatalf("crash contribution: %+v", crash)
	}
	if !strings.Contains(crash.Error, "panic") {
		t.Errorf("crash error: %q", crash.Error)
	}

	// One of two selected bots retained halves the confidence.
	if math.Abs(p.OverallConfidence-0.4) > 1e-9 {
		t.Errorf("overall confidence: got %v, want 0.4", p.OverallConfidence)
	}
}

func TestMergeAllRejected(t *testing.T) {
	audit := &memAudit{}
	m := newTestMerger(t, audit,
		&cannedModel{name: "crash", conf: 0.5, panics: true},
		&cannedModel{name: "mute", conf: 0.5, emptyOut: true},
		&cannedModel{name: "nan", conf: 0.5, priceAt: func(int, float64) float64 { return math.NaN() }},
	)

	_, err := m.Merge(context.Background(), "INFY.NS", model.TF5m, 15, nil)
	if !errors.Is(err, ErrAllBotsRejected) {
		t.Fatalf("expected ErrAllBotsRejected, got %v", err)
	}
	if len(audit.saved) != 0 {
		t.Error("failed merge must not be persisted")
	}
}

func TestMergeUnknownBot(t *testing.T) {
	m := newTestMerger(t, &memAudit{},
		&cannedModel{name: "good", conf: 0.5, priceAt: func(int, float64) float64 { return 1500 }},
	)
	if _, err := m.Merge(context.Background(), "INFY.NS", model.TF5m, 15, []string{"ghost"}); err == nil {
		t.Fatal("expected unknown-bot error")
	}
}

func TestInterpolate(t *testing.T) {
	base := mergeNow
	series := []model.ForecastPoint{
		{TS: base, Price: 100},
		{TS: base.Add(2 * time.Minute), Price: 104},
	}

	cases := []struct {
		at   time.Time
		want float64
	}{
		{base.Add(-time.Minute), 100}, // before range: flat
		{base, 100},
		{base.Add(time.Minute), 102}, // midpoint
		{base.Add(2 * time.Minute), 104},
		{base.Add(5 * time.Minute), 104}, // past range: flat
	}
	for _, tc := range cases {
		if got := interpolate(series, tc.at); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("interpolate at %v: got %v, want %v", tc.at, got, tc.want)
		}
	}
}
