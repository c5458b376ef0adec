package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"prediction-systemv1/internal/model"
)

// memTrainingStore is an in-memory model.TrainingStore enforcing the
// single-active-per-triple invariant the way the SQLite index does.
type memTrainingStore struct {
	mu     sync.Mutex
	nextID int64
	recs   map[int64]*model.TrainingRecord
}

func newMemTrainingStore() *memTrainingStore {
	return &memTrainingStore{recs: make(map[int64]*model.TrainingRecord)}
}

func (s *memTrainingStore) Insert(_ context.Context, rec *model.TrainingRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recs {
		if r.TripleKey() == rec.TripleKey() && !r.Status.Terminal() {
			return 0, model.ErrDuplicateTraining
		}
	}
	s.nextID++
	rec.ID = s.nextID
	cp := *rec
	s.recs[rec.ID] = &cp
	return rec.ID, nil
}

func (s *memTrainingStore) UpdateStatus(_ context.Context, id int64, rec *model.TrainingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.ID = id
	s.recs[id] = &cp
	return nil
}

func (s *memTrainingStore) ActiveFor(_ context.Context, symbol string, tf model.Timeframe, bot string) (*model.TrainingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := symbol + ":" + string(tf) + ":" + bot
	for _, r := range s.recs {
		if r.TripleKey() == key && !r.Status.Terminal() {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memTrainingStore) ListActive(_ context.Context) ([]model.TrainingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.TrainingRecord
	for _, r := range s.recs {
		if !r.Status.Terminal() {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *memTrainingStore) status(id int64) model.TrainingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.recs[id]; ok {
		return r.Status
	}
	return ""
}

// fixedSource returns the same candles for every fetch.
type fixedSource struct {
	candles []model.Candle
	err     error
}

func (f *fixedSource) FetchCandles(context.Context, string, model.Timeframe, bool) ([]model.Candle, error) {
	return f.candles, f.err
}

func newTestQueue(t *testing.T, src CandleSource) (*Queue, *memTrainingStore) {
	t.Helper()
	r := NewRegistry()
	if err := r.Register(NewAdapter(NewTrend(), t.TempDir())); err != nil {
		t.Fatalf("register: %v", err)
	}
	store := newMemTrainingStore()
	q, err := NewQueue(QueueConfig{Store: store, Registry: r, Candles: src, Workers: 1})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q, store
}

func waitTerminal(t *testing.T, store *memTrainingStore, id int64) model.TrainingStatus {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if st := store.status(id); st.Terminal() {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %d never reached a terminal status", id)
	return ""
}

func TestQueueRunsJobToCompletion(t *testing.T) {
	candles := fixtureCandles(60, func(i int) float64 { return 1500 + float64(i) })
	q, store := newTestQueue(t, &fixedSource{candles: candles})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	rec, err := q.Enqueue(ctx, "INFY.NS", model.TF5m, "trend", model.TrainingConfig{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if rec.JobID == "" {
		t.Error("job id not assigned")
	}

	if st := waitTerminal(t, store, rec.ID); st != model.TrainingCompleted {
		t.Fatalf("status: got %s, want completed", st)
	}
}

func TestQueueRejectsDuplicateTriple(t *testing.T) {
	candles := fixtureCandles(60, func(i int) float64 { return 1500 })
	q, _ := newTestQueue(t, &fixedSource{candles: candles})
	// Workers not started: the first job stays queued.

	ctx := context.Background()
	if _, err := q.Enqueue(ctx, "INFY.NS", model.TF5m, "trend", model.TrainingConfig{}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	_, err := q.Enqueue(ctx, "INFY.NS", model.TF5m, "trend", model.TrainingConfig{})
	if !errors.Is(err, model.ErrDuplicateTraining) {
		t.Fatalf("expected ErrDuplicateTraining, got %v", err)
	}

	// A different timeframe is a different triple.
	if _, err := q.Enqueue(ctx, "INFY.NS", model.TF15m, "trend", model.TrainingConfig{}); err != nil {
		t.Fatalf("different triple rejected: %v", err)
	}
}

func TestQueueRejectsUnknownBot(t *testing.T) {
	q, _ := newTestQueue(t, &fixedSource{})
	if _, err := q.Enqueue(context.Background(), "INFY.NS", model.TF5m, "nope", model.TrainingConfig{}); err == nil {
		t.Fatal("expected unknown-bot error")
	}
}

func TestQueueMarksFetchFailure(t *testing.T) {
	q, store := newTestQueue(t, &fixedSource{err: errors.New("upstream down")})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	rec, err := q.Enqueue(ctx, "INFY.NS", model.TF5m, "trend", model.TrainingConfig{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if st := waitTerminal(t, store, rec.ID); st != model.TrainingFailed {
		t.Fatalf("status: got %s, want failed", st)
	}
}
