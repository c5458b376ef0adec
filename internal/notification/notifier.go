// Package notification delivers operational alerts (degraded predictions,
// failed training runs) to external channels: Telegram, generic webhooks,
// or just the process log.
package notification

import (
	"context"
	"fmt"
	"log"
	"time"

	"prediction-systemv1/internal/model"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level     AlertLevel      `json:"level"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Symbol    string          `json:"symbol,omitempty"`
	Timeframe model.Timeframe `json:"timeframe,omitempty"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier is a simple notifier that logs alerts (useful for development).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

const sendTimeout = 10 * time.Second

// Dispatcher fans alerts out to every configured backend. Observe methods
// are safe to call from hot paths; delivery runs on its own goroutine.
type Dispatcher struct {
	notifiers []Notifier

	// MinConfidence is the overall-confidence floor below which a merged
	// prediction raises a warning. Zero disables the check.
	MinConfidence float64
}

// NewDispatcher creates a dispatcher over the given backends.
func NewDispatcher(notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{notifiers: notifiers}
}

// ObserveMerge raises alerts for sanitized or low-confidence predictions.
func (d *Dispatcher) ObserveMerge(p *model.MergedPrediction) {
	if len(d.notifiers) == 0 || p == nil {
		return
	}
	if p.Sanitization.Sanitized {
		d.dispatch(Alert{
			Level:     AlertWarning,
			Title:     "prediction sanitized",
			Message:   fmt.Sprintf("prediction %d for %s clipped %d point(s), bots: %v", p.ID, p.Key(), p.Sanitization.TotalClipped, p.Sanitization.SanitizedBots),
			Symbol:    p.Symbol,
			Timeframe: p.Timeframe,
		})
	}
	if d.MinConfidence > 0 && p.OverallConfidence < d.MinConfidence {
		d.dispatch(Alert{
			Level:     AlertWarning,
			Title:     "low-confidence prediction",
			Message:   fmt.Sprintf("prediction %d for %s has confidence %.2f, floor %.2f", p.ID, p.Key(), p.OverallConfidence, d.MinConfidence),
			Symbol:    p.Symbol,
			Timeframe: p.Timeframe,
		})
	}
}

// ObserveTraining raises an alert when a training job fails.
func (d *Dispatcher) ObserveTraining(rec *model.TrainingRecord) {
	if len(d.notifiers) == 0 || rec == nil || rec.Status != model.TrainingFailed {
		return
	}
	d.dispatch(Alert{
		Level:     AlertCritical,
		Title:     "training failed",
		Message:   fmt.Sprintf("job %s (%s): %s", rec.JobID, rec.TripleKey(), rec.Error),
		Symbol:    rec.Symbol,
		Timeframe: rec.Timeframe,
	})
}

func (d *Dispatcher) dispatch(alert Alert) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		for _, n := range d.notifiers {
			if err := n.Send(ctx, alert); err != nil {
				log.Printf("[notify] delivery failed: %v", err)
			}
		}
	}()
}
