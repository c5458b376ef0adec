// Package bot holds the forecast producers: three built-in statistical
// models, the adapter that wraps each one with artifact persistence and
// warm-up, the registry that names them, and the training queue.
package bot

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"prediction-systemv1/internal/model"
)

// ErrUnknownBot signals a bot name with no registered adapter.
var ErrUnknownBot = errors.New("unknown bot")

// Model is the bare fitting surface a built-in bot implements. The
// Adapter wraps it into a model.Forecaster, owning artifact persistence
// and the warm-up discipline around every call.
type Model interface {
	// Name identifies the model in the registry, logs, and artifacts.
	Name() string

	// MinCandles is the least history Fit and Forecast need.
	MinCandles() int

	// Fit estimates parameters from ascending candles and returns them
	// with fit metrics (for the training record).
	Fit(candles []model.Candle, cfg model.TrainingConfig) (params, metrics map[string]float64, err error)

	// Forecast produces a one-point-per-minute series over the horizon
	// using previously fitted params. The returned confidence is the
	// model's own estimate in [0, 1].
	Forecast(candles []model.Candle, params map[string]float64, horizonMinutes int, tf model.Timeframe) (*model.BotForecast, error)
}

// Registry maps bot names to their adapters.
type Registry struct {
	mu   sync.RWMutex
	bots map[string]*Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bots: make(map[string]*Adapter)}
}

// Register adds an adapter under its model's name. Registering the same
// name twice is a programming error.
func (r *Registry) Register(a *Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if _, ok := r.bots[name]; ok {
		return fmt.Errorf("bot %q already registered", name)
	}
	r.bots[name] = a
	return nil
}

// Get returns the adapter for name, or nil.
func (r *Registry) Get(name string) *Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bots[name]
}

// Names returns the registered bot names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.bots))
	for name := range r.bots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select resolves the requested bot names to adapters, defaulting to all
// registered bots when names is empty. Unknown names are an error.
func (r *Registry) Select(names []string) ([]*Adapter, error) {
	if len(names) == 0 {
		names = r.Names()
	}
	out := make([]*Adapter, 0, len(names))
	for _, name := range names {
		a := r.Get(name)
		if a == nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownBot, name)
		}
		out = append(out, a)
	}
	return out, nil
}
