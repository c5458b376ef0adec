package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"prediction-systemv1/internal/feature"
	"prediction-systemv1/internal/model"
)

// fallbackConfidence caps the confidence of a prediction produced right
// after a feature-shape mismatch forced a fresh rebuild.
const fallbackConfidence = 0.2

// artifact is the persisted training output for one (bot, symbol,
// timeframe). One JSON file each under a flat directory.
type artifact struct {
	Bot        string             `json:"bot"`
	Symbol     string             `json:"symbol"`
	Timeframe  model.Timeframe    `json:"timeframe"`
	FeatureDim int                `json:"feature_dim"`
	TrainedAt  time.Time          `json:"trained_at"`
	Params     map[string]float64 `json:"params"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}

// Adapter wraps a Model into a model.Forecaster. It owns artifact
// persistence (atomic rename publish), warms the model up with a fresh
// fit before every prediction, and handles feature-shape drift between a
// stored artifact and the current pipeline.
type Adapter struct {
	impl Model
	dir  string

	mu sync.Mutex // serializes artifact writes for this bot
}

// NewAdapter wraps impl, storing artifacts under dir. The directory is
// shared across bots; file names carry the triple.
func NewAdapter(impl Model, dir string) *Adapter {
	return &Adapter{impl: impl, dir: dir}
}

func (a *Adapter) Name() string    { return a.impl.Name() }
func (a *Adapter) MinCandles() int { return a.impl.MinCandles() }

// Predict implements model.Forecaster. Every call re-fits the model on
// the supplied candles (warm-up) so stale optimizer state in a stored
// artifact can never reject the call; the artifact only contributes its
// shape check and a parameter fallback when the fresh fit fails.
func (a *Adapter) Predict(ctx context.Context, candles []model.Candle, horizonMinutes int, tf model.Timeframe) (*model.BotForecast, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(candles) < a.impl.MinCandles() {
		return nil, fmt.Errorf("%s: need %d candles, have %d", a.Name(), a.impl.MinCandles(), len(candles))
	}
	symbol := candles[len(candles)-1].Symbol

	art, err := a.load(symbol, tf)
	if err != nil {
		log.Printf("[bot] %s artifact load failed for %s:%s: %v", a.Name(), symbol, tf, err)
		art = nil
	}

	if art != nil && art.FeatureDim != feature.Dim {
		return a.rebuildAndPredict(ctx, art, symbol, candles, horizonMinutes, tf)
	}

	params, _, err := a.impl.Fit(candles, model.TrainingConfig{})
	if err != nil {
		if art == nil || len(art.Params) == 0 {
			return nil, fmt.Errorf("%s warm-up: %w", a.Name(), err)
		}
		// Stale artifact parameters beat no prediction at all.
		log.Printf("[bot] %s warm-up failed for %s:%s, using stored params: %v", a.Name(), symbol, tf, err)
		params = art.Params
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.impl.Forecast(candles, params, horizonMinutes, tf)
}

// rebuildAndPredict handles the feature-shape mismatch path: the stored
// artifact is rebuilt from scratch and this one call returns at reduced
// confidence.
func (a *Adapter) rebuildAndPredict(ctx context.Context, art *artifact, symbol string, candles []model.Candle, horizonMinutes int, tf model.Timeframe) (*model.BotForecast, error) {
	log.Printf("[bot] %s artifact for %s:%s has feature dim %d, pipeline has %d; rebuilding",
		a.Name(), symbol, tf, art.FeatureDim, feature.Dim)

	params, metrics, err := a.impl.Fit(candles, model.TrainingConfig{})
	if err != nil {
		return nil, fmt.Errorf("%s rebuild after shape mismatch: %w", a.Name(), err)
	}
	if err := a.save(symbol, tf, params, metrics); err != nil {
		log.Printf("[bot] %s rebuild save failed for %s:%s: %v", a.Name(), symbol, tf, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fc, err := a.impl.Forecast(candles, params, horizonMinutes, tf)
	if err != nil {
		return nil, err
	}
	if fc.Confidence > fallbackConfidence {
		fc.Confidence = fallbackConfidence
	}
	if fc.Meta == nil {
		fc.Meta = make(map[string]string)
	}
	fc.Meta["fallback"] = "feature_shape_mismatch"
	return fc, nil
}

// Train implements model.Forecaster. The fitted parameters are published
// as the triple's artifact via write-to-temp-then-rename, so concurrent
// readers only ever see a complete file.
func (a *Adapter) Train(ctx context.Context, candles []model.Candle, cfg model.TrainingConfig) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(candles) < a.impl.MinCandles() {
		return nil, fmt.Errorf("%s: need %d candles, have %d", a.Name(), a.impl.MinCandles(), len(candles))
	}
	symbol := candles[len(candles)-1].Symbol

	params, metrics, err := a.impl.Fit(candles, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s train: %w", a.Name(), err)
	}
	if err := a.save(symbol, candles[len(candles)-1].Timeframe, params, metrics); err != nil {
		return nil, err
	}
	return metrics, nil
}

// ArtifactPath returns the flat-directory path for the triple's artifact.
func (a *Adapter) ArtifactPath(symbol string, tf model.Timeframe) string {
	return filepath.Join(a.dir, fmt.Sprintf("%s_%s_%s.json", a.Name(), symbol, tf))
}

// load reads the triple's artifact. A missing file is (nil, nil).
func (a *Adapter) load(symbol string, tf model.Timeframe) (*artifact, error) {
	raw, err := os.ReadFile(a.ArtifactPath(symbol, tf))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var art artifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return nil, fmt.Errorf("artifact decode: %w", err)
	}
	return &art, nil
}

// save publishes the artifact atomically.
func (a *Adapter) save(symbol string, tf model.Timeframe, params, metrics map[string]float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	art := artifact{
		Bot:        a.Name(),
		Symbol:     symbol,
		Timeframe:  tf,
		FeatureDim: feature.Dim,
		TrainedAt:  time.Now().In(model.IST),
		Params:     params,
		Metrics:    metrics,
	}
	raw, err := json.MarshalIndent(&art, "", "  ")
	if err != nil {
		return fmt.Errorf("artifact encode: %w", err)
	}

	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("artifact dir: %w", err)
	}
	final := a.ArtifactPath(symbol, tf)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("artifact write: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("artifact publish: %w", err)
	}
	return nil
}
