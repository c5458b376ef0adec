// Package scheduler drives the periodic work: live candle refresh,
// prediction emission, and evaluation sweeps. Every market-facing tick
// is gated by the exchange calendar before any upstream I/O happens.
package scheduler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/go-co-op/gocron"

	"prediction-systemv1/internal/calendar"
	"prediction-systemv1/internal/merge"
	"prediction-systemv1/internal/model"
)

const (
	defaultRealtimeInterval   = 5 * time.Second
	defaultPredictionInterval = 300 * time.Second
	defaultEvaluationInterval = 5 * time.Minute
	defaultHorizonMinutes     = 180
	defaultMaxInstances       = 3
	defaultMisfireGrace       = 10 * time.Second

	evaluationBatch = 100
)

// CandleFetcher is the provider gateway surface the scheduler needs.
type CandleFetcher interface {
	FetchCandles(ctx context.Context, symbol string, tf model.Timeframe, bypassCache bool) ([]model.Candle, error)
}

// Predictor is the merger surface the scheduler needs.
type Predictor interface {
	Merge(ctx context.Context, symbol string, tf model.Timeframe, horizonMinutes int, selectedBots []string) (*model.MergedPrediction, error)
}

// Sweeper is the evaluator surface the scheduler needs.
type Sweeper interface {
	Sweep(ctx context.Context, limit int) (int, error)
}

// Config wires the scheduler's collaborators and intervals.
type Config struct {
	Fetcher   CandleFetcher
	Store     model.CandleStore
	Predictor Predictor
	Sweeper   Sweeper
	Broadcast model.Broadcaster

	// WatchList is always refreshed, on top of live subscriptions.
	WatchList []model.Topic

	RealtimeInterval   time.Duration
	PredictionInterval time.Duration
	EvaluationInterval time.Duration
	HorizonMinutes     int

	MaxInstances int
	MisfireGrace time.Duration

	// Metric observers; any may be nil. OnMarketState reports whether at
	// least one active topic's venue was open at the last refresh tick.
	OnTick        func(job string, err error)
	OnUpsert      func(count int)
	OnMarketState func(open bool)
}

// Scheduler owns the cron instance and the per-job run discipline.
type Scheduler struct {
	cfg  Config
	cron *gocron.Scheduler

	refreshGuard *jobGuard
	predictGuard *jobGuard
	evalGuard    *jobGuard

	now func() time.Time // test seam
}

// New builds the scheduler. Fetcher and Store are required; Predictor,
// Sweeper, and Broadcast may be nil, disabling their job class.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Fetcher == nil || cfg.Store == nil {
		return nil, errors.New("scheduler needs fetcher and candle store")
	}
	if cfg.RealtimeInterval <= 0 {
		cfg.RealtimeInterval = defaultRealtimeInterval
	}
	if cfg.PredictionInterval <= 0 {
		cfg.PredictionInterval = defaultPredictionInterval
	}
	if cfg.EvaluationInterval <= 0 {
		cfg.EvaluationInterval = defaultEvaluationInterval
	}
	if cfg.HorizonMinutes <= 0 {
		cfg.HorizonMinutes = defaultHorizonMinutes
	}
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = defaultMaxInstances
	}
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = defaultMisfireGrace
	}

	s := &Scheduler{
		cfg:  cfg,
		cron: gocron.NewScheduler(model.IST),
		now:  time.Now,
	}
	s.refreshGuard = newJobGuard("refresh", cfg.MaxInstances, cfg.MisfireGrace)
	s.predictGuard = newJobGuard("predict", cfg.MaxInstances, cfg.MisfireGrace)
	s.evalGuard = newJobGuard("evaluate", cfg.MaxInstances, cfg.MisfireGrace)
	return s, nil
}

// Start registers the jobs and runs the cron loop asynchronously.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.Every(s.cfg.RealtimeInterval).Do(func() {
		s.refreshGuard.run(func() { s.refreshTick(ctx) })
	}); err != nil {
		return err
	}

	if s.cfg.Predictor != nil {
		if _, err := s.cron.Every(s.cfg.PredictionInterval).Do(func() {
			s.predictGuard.run(func() { s.predictTick(ctx) })
		}); err != nil {
			return err
		}
	}

	if s.cfg.Sweeper != nil {
		if _, err := s.cron.Every(s.cfg.EvaluationInterval).Do(func() {
			s.evalGuard.run(func() { s.evalTick(ctx) })
		}); err != nil {
			return err
		}
	}

	s.cron.StartAsync()
	log.Printf("[scheduler] started: refresh %v, predict %v, evaluate %v",
		s.cfg.RealtimeInterval, s.cfg.PredictionInterval, s.cfg.EvaluationInterval)
	return nil
}

// Stop halts the cron loop, letting in-flight ticks finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// activeTopics is the union of live subscriptions and the watch list.
func (s *Scheduler) activeTopics() []model.Topic {
	seen := make(map[model.Topic]struct{})
	var out []model.Topic
	add := func(t model.Topic) {
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}

	for _, t := range s.cfg.WatchList {
		add(t)
	}
	if s.cfg.Broadcast != nil {
		for _, t := range s.cfg.Broadcast.ActiveTopics() {
			add(t)
		}
	}
	return out
}

// refreshTick fetches the live candle for every active topic with the
// cache bypassed, upserts it, and broadcasts when it changed.
func (s *Scheduler) refreshTick(ctx context.Context) {
	now := s.now()
	anyOpen := false
	for _, topic := range s.activeTopics() {
		if !calendar.IsMarketOpen(topic.Symbol, now) {
			continue
		}
		anyOpen = true
		err := s.refreshOne(ctx, topic)
		if s.cfg.OnTick != nil {
			s.cfg.OnTick("refresh", err)
		}
		if err != nil {
			log.Printf("[scheduler] refresh %s: %v", topic.Key(), err)
		}
	}
	if s.cfg.OnMarketState != nil {
		s.cfg.OnMarketState(anyOpen)
	}
}

func (s *Scheduler) refreshOne(ctx context.Context, topic model.Topic) error {
	prev, err := s.cfg.Store.Latest(ctx, topic.Symbol, topic.Timeframe)
	if err != nil {
		return err
	}

	candles, err := s.cfg.Fetcher.FetchCandles(ctx, topic.Symbol, topic.Timeframe, true)
	if err != nil {
		return err
	}
	if len(candles) == 0 {
		return nil
	}

	// The live candle plus the one before it, which may have just been
	// finalized.
	tail := candles
	if len(tail) > 2 {
		tail = tail[len(tail)-2:]
	}
	if err := s.cfg.Store.UpsertBatch(ctx, tail); err != nil {
		return err
	}
	if s.cfg.OnUpsert != nil {
		s.cfg.OnUpsert(len(tail))
	}

	live := tail[len(tail)-1]
	if prev == nil || !prev.Equal(&live) {
		if s.cfg.Broadcast != nil {
			s.cfg.Broadcast.BroadcastCandle(&live)
		}
	}
	return nil
}

// predictTick runs the merger for every active topic and broadcasts the
// results. A topic whose bots all reject just waits for the next tick.
func (s *Scheduler) predictTick(ctx context.Context) {
	now := s.now()
	for _, topic := range s.activeTopics() {
		if !calendar.IsMarketOpen(topic.Symbol, now) {
			continue
		}

		p, err := s.cfg.Predictor.Merge(ctx, topic.Symbol, topic.Timeframe, s.cfg.HorizonMinutes, nil)
		if s.cfg.OnTick != nil {
			s.cfg.OnTick("predict", err)
		}
		if err != nil {
			if !errors.Is(err, merge.ErrAllBotsRejected) {
				log.Printf("[scheduler] predict %s: %v", topic.Key(), err)
			}
			continue
		}
		if s.cfg.Broadcast != nil {
			s.cfg.Broadcast.BroadcastPrediction(p)
		}
	}
}

// evalTick scores matured predictions. It touches only local state, so
// it runs regardless of market hours.
func (s *Scheduler) evalTick(ctx context.Context) {
	scored, err := s.cfg.Sweeper.Sweep(ctx, evaluationBatch)
	if s.cfg.OnTick != nil {
		s.cfg.OnTick("evaluate", err)
	}
	if err != nil {
		log.Printf("[scheduler] evaluation sweep: %v", err)
		return
	}
	if scored > 0 {
		log.Printf("[scheduler] evaluated %d prediction(s)", scored)
	}
}
