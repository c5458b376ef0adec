package model

import (
	"encoding/json"
	"time"
)

// ValidationStatus is the per-bot outcome recorded on a merged prediction.
type ValidationStatus string

const (
	StatusValid     ValidationStatus = "valid"
	StatusSanitized ValidationStatus = "sanitized"
	StatusRejected  ValidationStatus = "rejected"
	StatusException ValidationStatus = "exception"
	StatusEmpty     ValidationStatus = "empty"
)

// Retained reports whether a bot with this status contributes to the merge.
func (s ValidationStatus) Retained() bool {
	return s == StatusValid || s == StatusSanitized
}

// ForecastPoint is one point of a forecast series, one per minute.
type ForecastPoint struct {
	TS    time.Time `json:"ts"`
	Price float64   `json:"price"`
}

// BotForecast is the raw result of a single bot's Predict call.
type BotForecast struct {
	Series     []ForecastPoint   `json:"series"`
	Confidence float64           `json:"confidence"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// BotContribution records how one bot entered (or failed to enter) a merge.
// Weights across retained bots sum to 1.
type BotContribution struct {
	BotName       string            `json:"bot_name"`
	Weight        float64           `json:"weight"`
	Confidence    float64           `json:"confidence"`
	Status        ValidationStatus  `json:"validation_status"`
	ClippedPoints int               `json:"clipped_points,omitempty"`
	Error         string            `json:"error,omitempty"`
	Meta          map[string]string `json:"meta,omitempty"`
}

// FeatureSnapshot captures the feature state at merge time. LatestClose is
// the reference close that anchors magnitude validation.
type FeatureSnapshot struct {
	LatestClose  float64 `json:"latest_close"`
	SMA20        float64 `json:"sma_20"`
	Volatility20 float64 `json:"volatility_20"`
	VolumeAvg    float64 `json:"volume_avg"`
}

// SanitizationSummary aggregates clipping activity across a merge.
type SanitizationSummary struct {
	Sanitized     bool     `json:"sanitized"`
	TotalClipped  int      `json:"total_clipped"`
	SanitizedBots []string `json:"sanitized_bots,omitempty"`
	MergedClipped int      `json:"merged_clipped,omitempty"`
}

// MergedPrediction is the merger's immutable output. ID is assigned by the
// audit store on save and is monotonic.
type MergedPrediction struct {
	ID                int64                      `json:"id"`
	Symbol            string                     `json:"symbol"`
	Timeframe         Timeframe                  `json:"timeframe"`
	CreatedAt         time.Time                  `json:"created_at"`
	HorizonMinutes    int                        `json:"horizon_minutes"`
	Series            []ForecastPoint            `json:"predicted_series"`
	OverallConfidence float64                    `json:"overall_confidence"`
	Contributions     []BotContribution          `json:"bot_contributions"`
	RawOutputs        map[string][]ForecastPoint `json:"bot_raw_outputs"`
	ValidationFlags   map[string]string          `json:"validation_flags"`
	Features          FeatureSnapshot            `json:"feature_snapshot"`
	Sanitization      SanitizationSummary        `json:"sanitization_summary"`
}

// Key returns the topic key "symbol:timeframe".
func (p *MergedPrediction) Key() string {
	return p.Symbol + ":" + string(p.Timeframe)
}

// JSON returns the JSON-encoded prediction.
func (p *MergedPrediction) JSON() []byte {
	b, _ := json.Marshal(p)
	return b
}
