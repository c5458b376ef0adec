package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"prediction-systemv1/internal/model"
)

const (
	defaultQueueDepth   = 128
	defaultTrainTimeout = 10 * time.Minute
)

// ErrQueueFull signals the training queue cannot accept more jobs.
var ErrQueueFull = errors.New("training queue full")

// CandleSource supplies the training data. The provider gateway
// satisfies it.
type CandleSource interface {
	FetchCandles(ctx context.Context, symbol string, tf model.Timeframe, bypassCache bool) ([]model.Candle, error)
}

// QueueConfig configures the training queue.
type QueueConfig struct {
	Store    model.TrainingStore
	Registry *Registry
	Candles  CandleSource

	// Broadcast receives status transitions; optional.
	Broadcast model.Broadcaster

	// Workers is the training parallelism. Values outside [1, NumCPU]
	// are clamped.
	Workers int

	// Depth bounds the pending-job FIFO. Zero takes the default.
	Depth int

	// TrainTimeout bounds one training run. Zero takes the default.
	TrainTimeout time.Duration

	// OnTransition observes status transitions for metrics and alerting;
	// optional.
	OnTransition func(rec *model.TrainingRecord)
}

// Queue is the process-wide training FIFO. At most one queued-or-running
// job may exist per (symbol, timeframe, bot) triple; the store's unique
// index enforces it so racing enqueuers cannot both win.
type Queue struct {
	cfg  QueueConfig
	jobs chan *model.TrainingRecord
	wg   sync.WaitGroup

	now func() time.Time // test seam
}

// NewQueue builds the queue. Store, Registry, and Candles are required.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Store == nil || cfg.Registry == nil || cfg.Candles == nil {
		return nil, errors.New("training queue needs store, registry, and candle source")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if n := runtime.NumCPU(); cfg.Workers > n {
		cfg.Workers = n
	}
	if cfg.Depth <= 0 {
		cfg.Depth = defaultQueueDepth
	}
	if cfg.TrainTimeout <= 0 {
		cfg.TrainTimeout = defaultTrainTimeout
	}
	return &Queue{
		cfg:  cfg,
		jobs: make(chan *model.TrainingRecord, cfg.Depth),
		now:  time.Now,
	}, nil
}

// Start launches the workers. They exit when ctx is canceled; Wait
// blocks until they have drained.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case rec := <-q.jobs:
					q.run(ctx, rec)
				}
			}
		}()
	}
	log.Printf("[training] queue started with %d worker(s)", q.cfg.Workers)
}

// Wait blocks until all workers have exited.
func (q *Queue) Wait() { q.wg.Wait() }

// Enqueue validates and queues a training job. Returns
// model.ErrDuplicateTraining when the triple already has a queued or
// running job, ErrQueueFull when the FIFO is at capacity.
func (q *Queue) Enqueue(ctx context.Context, symbol string, tf model.Timeframe, botName string, cfg model.TrainingConfig) (*model.TrainingRecord, error) {
	if !model.ValidSymbol(symbol) {
		return nil, fmt.Errorf("invalid symbol %q", symbol)
	}
	if !tf.Valid() {
		return nil, fmt.Errorf("invalid timeframe %q", tf)
	}
	if q.cfg.Registry.Get(botName) == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBot, botName)
	}

	rec := &model.TrainingRecord{
		JobID:     uuid.NewString(),
		Symbol:    symbol,
		Timeframe: tf,
		BotName:   botName,
		Status:    model.TrainingQueued,
		StartedAt: q.now().In(model.IST),
		Config:    cfg,
	}
	if _, err := q.cfg.Store.Insert(ctx, rec); err != nil {
		return nil, err
	}

	select {
	case q.jobs <- rec:
	default:
		q.terminate(ctx, rec, model.TrainingFailed, nil, 0, ErrQueueFull.Error())
		return nil, ErrQueueFull
	}

	q.broadcast(rec)
	log.Printf("[training] queued %s job %s", rec.TripleKey(), rec.JobID)
	return rec, nil
}

// run executes one job: fetch history, train through the adapter, record
// the terminal state. Each transition is persisted and broadcast.
func (q *Queue) run(ctx context.Context, rec *model.TrainingRecord) {
	rec.Status = model.TrainingRunning
	if err := q.cfg.Store.UpdateStatus(ctx, rec.ID, rec); err != nil {
		log.Printf("[training] job %s: mark running: %v", rec.JobID, err)
	}
	q.broadcast(rec)

	trainCtx, cancel := context.WithTimeout(ctx, q.cfg.TrainTimeout)
	defer cancel()

	candles, err := q.cfg.Candles.FetchCandles(trainCtx, rec.Symbol, rec.Timeframe, false)
	if err != nil {
		q.terminate(ctx, rec, model.TrainingFailed, nil, 0, fmt.Sprintf("fetch candles: %v", err))
		return
	}

	adapter := q.cfg.Registry.Get(rec.BotName)
	if adapter == nil {
		q.terminate(ctx, rec, model.TrainingFailed, nil, len(candles), "bot no longer registered")
		return
	}

	metrics, err := adapter.Train(trainCtx, candles, rec.Config)
	if err != nil {
		q.terminate(ctx, rec, model.TrainingFailed, nil, len(candles), err.Error())
		return
	}
	q.terminate(ctx, rec, model.TrainingCompleted, metrics, len(candles), "")
}

// terminate persists and broadcasts a terminal transition.
func (q *Queue) terminate(ctx context.Context, rec *model.TrainingRecord, status model.TrainingStatus, metrics map[string]float64, dataPoints int, errMsg string) {
	ended := q.now().In(model.IST)
	rec.Status = status
	rec.EndedAt = &ended
	rec.Metrics = metrics
	rec.DataPoints = dataPoints
	rec.Error = errMsg

	if err := q.cfg.Store.UpdateStatus(ctx, rec.ID, rec); err != nil {
		log.Printf("[training] job %s: persist %s: %v", rec.JobID, status, err)
	}
	q.broadcast(rec)

	if status == model.TrainingFailed {
		log.Printf("[training] job %s failed: %s", rec.JobID, errMsg)
	} else {
		log.Printf("[training] job %s completed on %d candles", rec.JobID, dataPoints)
	}
}

func (q *Queue) broadcast(rec *model.TrainingRecord) {
	if q.cfg.OnTransition != nil {
		q.cfg.OnTransition(rec)
	}
	if q.cfg.Broadcast != nil {
		q.cfg.Broadcast.BroadcastTraining(rec)
	}
}
