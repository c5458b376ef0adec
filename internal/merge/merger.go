// Package merge implements the prediction merger: fan out to the
// selected bots, validate and sanitize each result, and combine the
// survivors into one confidence-weighted series on a one-minute grid.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"prediction-systemv1/internal/bot"
	"prediction-systemv1/internal/feature"
	"prediction-systemv1/internal/model"
	"prediction-systemv1/internal/validate"
)

// ErrAllBotsRejected signals that no bot produced a retainable forecast.
var ErrAllBotsRejected = errors.New("all bots rejected")

// ErrInsufficientHistory signals the candle store holds too little data
// for any selected bot to run.
var ErrInsufficientHistory = errors.New("insufficient candle history")

const (
	defaultMergeTimeout = 30 * time.Second
	defaultBotTimeout   = 8 * time.Second

	// mergeHistory covers the widest lookback any built-in model uses,
	// with headroom for the feature window.
	mergeHistory = 240

	// sanitizedPenalty scales overall confidence when any retained bot
	// needed clipping.
	sanitizedPenalty = 0.8
)

// Config configures the merger.
type Config struct {
	Candles  model.CandleStore
	Registry *bot.Registry
	Audit    model.AuditStore

	// MergeTimeout bounds one whole merge; BotTimeout bounds each bot
	// call inside it. Zeros take the defaults.
	MergeTimeout time.Duration
	BotTimeout   time.Duration

	// OnMerge observes completed merges for metrics; optional.
	OnMerge func(p *model.MergedPrediction, took time.Duration)
}

// Merger produces merged predictions.
type Merger struct {
	cfg Config

	now func() time.Time // test seam
}

// New builds the merger. Candles, Registry, and Audit are required.
func New(cfg Config) (*Merger, error) {
	if cfg.Candles == nil || cfg.Registry == nil || cfg.Audit == nil {
		return nil, errors.New("merger needs candle store, registry, and audit store")
	}
	if cfg.MergeTimeout <= 0 {
		cfg.MergeTimeout = defaultMergeTimeout
	}
	if cfg.BotTimeout <= 0 {
		cfg.BotTimeout = defaultBotTimeout
	}
	return &Merger{cfg: cfg, now: time.Now}, nil
}

// botResult carries one bot's outcome from the fan-out.
type botResult struct {
	name     string
	forecast *model.BotForecast
	raw      []model.ForecastPoint
	status   model.ValidationStatus
	clipped  int
	errMsg   string
}

// Merge runs the full pipeline for (symbol, timeframe, horizon) and
// persists the result. selectedBots empty means all registered bots.
func (m *Merger) Merge(ctx context.Context, symbol string, tf model.Timeframe, horizonMinutes int, selectedBots []string) (*model.MergedPrediction, error) {
	if horizonMinutes <= 0 {
		return nil, fmt.Errorf("horizon %d minutes", horizonMinutes)
	}
	adapters, err := m.cfg.Registry.Select(selectedBots)
	if err != nil {
		return nil, err
	}

	started := m.now()
	ctx, cancel := context.WithTimeout(ctx, m.cfg.MergeTimeout)
	defer cancel()

	candles, err := m.cfg.Candles.Range(ctx, symbol, tf, time.Time{}, time.Time{}, mergeHistory)
	if err != nil {
		return nil, fmt.Errorf("load candles: %w", err)
	}
	if len(candles) == 0 {
		return nil, ErrInsufficientHistory
	}
	referenceClose := candles[len(candles)-1].Close
	features := feature.Snapshot(candles)

	results := m.fanOut(ctx, adapters, candles, horizonMinutes, tf)

	p := m.combine(symbol, tf, horizonMinutes, referenceClose, features, adapters, results)
	if p == nil {
		return nil, fmt.Errorf("%w for %s:%s", ErrAllBotsRejected, symbol, tf)
	}

	if _, err := m.cfg.Audit.Save(ctx, p); err != nil {
		return nil, fmt.Errorf("audit save: %w", err)
	}
	if m.cfg.OnMerge != nil {
		m.cfg.OnMerge(p, m.now().Sub(started))
	}
	return p, nil
}

// fanOut runs one goroutine per bot with a per-bot deadline and a panic
// guard; a crashing bot records an exception instead of taking the merge
// down.
func (m *Merger) fanOut(ctx context.Context, adapters []*bot.Adapter, candles []model.Candle, horizonMinutes int, tf model.Timeframe) []botResult {
	results := make([]botResult, len(adapters))
	g, gctx := errgroup.WithContext(ctx)

	for i, a := range adapters {
		i, a := i, a
		g.Go(func() error {
			results[i] = m.runBot(gctx, a, candles, horizonMinutes, tf)
			return nil
		})
	}
	g.Wait()
	return results
}

func (m *Merger) runBot(ctx context.Context, a *bot.Adapter, candles []model.Candle, horizonMinutes int, tf model.Timeframe) (res botResult) {
	res.name = a.Name()
	defer func() {
		if r := recover(); r != nil {
			res.status = model.StatusException
			res.errMsg = fmt.Sprintf("panic: %v", r)
			log.Printf("[merge] bot %s panicked: %v", res.name, r)
		}
	}()

	botCtx, cancel := context.WithTimeout(ctx, m.cfg.BotTimeout)
	defer cancel()

	fc, err := a.Predict(botCtx, candles, horizonMinutes, tf)
	if err != nil {
		res.status = model.StatusException
		res.errMsg = err.Error()
		return res
	}
	if fc == nil || len(fc.Series) == 0 {
		res.status = model.StatusEmpty
		return res
	}

	res.forecast = fc
	res.raw = append([]model.ForecastPoint(nil), fc.Series...)
	return res
}

// combine validates each result, sanitizes where needed, and merges the
// retained series. Returns nil when nothing is retainable.
func (m *Merger) combine(symbol string, tf model.Timeframe, horizonMinutes int, referenceClose float64, features model.FeatureSnapshot, adapters []*bot.Adapter, results []botResult) *model.MergedPrediction {
	flags := make(map[string]string)
	rawOutputs := make(map[string][]model.ForecastPoint)
	var retained []int
	var sanitizedBots []string
	totalClipped := 0

	for i := range results {
		r := &results[i]
		if r.raw != nil {
			rawOutputs[r.name] = r.raw
		}
		if r.status == model.StatusException || r.status == model.StatusEmpty {
			flags[r.name] = string(r.status)
			continue
		}

		if err := validate.CheckSeries(r.forecast.Series, horizonMinutes); err != nil {
			r.status = model.StatusRejected
			r.errMsg = err.Error()
			flags[r.name] = "rejected: " + err.Error()
			continue
		}

		if err := validate.CheckMagnitude(r.forecast.Series, referenceClose); err != nil {
			r.clipped = validate.Sanitize(r.forecast.Series, referenceClose)
			r.status = model.StatusSanitized
			flags[r.name] = "sanitized: " + err.Error()
			sanitizedBots = append(sanitizedBots, r.name)
			totalClipped += r.clipped
		} else {
			r.status = model.StatusValid
			flags[r.name] = "valid"
		}
		retained = append(retained, i)
	}

	if len(retained) == 0 {
		return nil
	}

	weights := m.weights(results, retained)
	grid := m.grid(horizonMinutes)
	merged := make([]model.ForecastPoint, len(grid))
	for gi, ts := range grid {
		var price float64
		for _, ri := range retained {
			price += weights[ri] * interpolate(results[ri].forecast.Series, ts)
		}
		merged[gi] = model.ForecastPoint{TS: ts, Price: price}
	}
	merged = dedupe(merged)

	var overall float64
	for _, ri := range retained {
		overall += results[ri].forecast.Confidence * weights[ri]
	}
	overall *= float64(len(retained)) / float64(len(adapters))
	if len(sanitizedBots) > 0 {
		overall *= sanitizedPenalty
	}

	summary := model.SanitizationSummary{
		Sanitized:     len(sanitizedBots) > 0,
		TotalClipped:  totalClipped,
		SanitizedBots: sanitizedBots,
	}
	if err := validate.CheckMagnitude(merged, referenceClose); err != nil {
		summary.MergedClipped = validate.Sanitize(merged, referenceClose)
		summary.Sanitized = true
		flags["merged"] = "sanitized: " + err.Error()
	}

	contributions := make([]model.BotContribution, len(results))
	for i := range results {
		r := &results[i]
		c := model.BotContribution{
			BotName: r.name,
			Status:  r.status,
			Weight:  weights[i],
			Error:   r.errMsg,
		}
		if r.forecast != nil {
			c.Confidence = r.forecast.Confidence
			c.ClippedPoints = r.clipped
			c.Meta = r.forecast.Meta
		}
		contributions[i] = c
	}

	return &model.MergedPrediction{
		Symbol:            symbol,
		Timeframe:         tf,
		CreatedAt:         m.now().In(model.IST),
		HorizonMinutes:    horizonMinutes,
		Series:            merged,
		OverallConfidence: overall,
		Contributions:     contributions,
		RawOutputs:        rawOutputs,
		ValidationFlags:   flags,
		Features:          features,
		Sanitization:      summary,
	}
}

// weights normalizes retained confidences to sum to 1. All-zero
// confidences fall back to equal weights.
func (m *Merger) weights(results []botResult, retained []int) []float64 {
	weights := make([]float64, len(results))
	var sum float64
	for _, ri := range retained {
		sum += results[ri].forecast.Confidence
	}
	for _, ri := range retained {
		if sum > 0 {
			weights[ri] = results[ri].forecast.Confidence / sum
		} else {
			weights[ri] = 1 / float64(len(retained))
		}
	}
	return weights
}

// grid builds the one-minute output timestamps: horizonMinutes points
// starting one minute after now, minute-aligned.
func (m *Merger) grid(horizonMinutes int) []time.Time {
	start := m.now().In(model.IST).Truncate(time.Minute)
	out := make([]time.Time, horizonMinutes)
	for i := range out {
		out[i] = start.Add(time.Duration(i+1) * time.Minute)
	}
	return out
}

// interpolate samples a bot's series at ts, linearly between its own
// adjacent points and flat beyond either end.
func interpolate(series []model.ForecastPoint, ts time.Time) float64 {
	if len(series) == 0 {
		return 0
	}
	if !ts.After(series[0].TS) {
		return series[0].Price
	}
	last := series[len(series)-1]
	if !ts.Before(last.TS) {
		return last.Price
	}

	idx := sort.Search(len(series), func(i int) bool {
		return !series[i].TS.Before(ts)
	})
	hi := series[idx]
	if hi.TS.Equal(ts) {
		return hi.Price
	}
	lo := series[idx-1]
	span := hi.TS.Sub(lo.TS).Seconds()
	frac := ts.Sub(lo.TS).Seconds() / span
	return lo.Price + frac*(hi.Price-lo.Price)
}

// dedupe drops exact-duplicate timestamps, keeping the first, and
// guarantees strict ascending order.
func dedupe(series []model.ForecastPoint) []model.ForecastPoint {
	out := series[:0]
	for _, p := range series {
		if len(out) > 0 && !p.TS.After(out[len(out)-1].TS) {
			continue
		}
		out = append(out, p)
	}
	return out
}
