package rag

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/amc-memory/internal/memory"
)

// WorkerConfig sizes the embedding pool.
type WorkerConfig struct {
	Workers     int `json:"workers"`
	QueueSize   int `json:"queue_size"`
	MaxAttempts int `json:"max_attempts"`
	BatchSize   int `json:"batch_size"`
}

// BackfillReport summarizes one backfill pass.
type BackfillReport struct {
	Reconciled int           `json:"reconciled"`
	Embedded   int           `json:"embedded"`
	Failed     int           `json:"failed"`
	Permanent  int           `json:"permanent"`
	Duration   time.Duration `json:"duration"`
}

// EmbedWorker embeds stored records asynchronously. A record is queryable by
// recency as soon as it is stored and by similarity once a worker indexes it.
type EmbedWorker struct {
	store  memory.Store
	index  *VectorIndex
	cfg    WorkerConfig
	queue  chan memory.Record
	pool   chan struct{} // semaphore-based pool
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[int64]bool
	wg       sync.WaitGroup
	started  bool
}

func NewEmbedWorker(store memory.Store, index *VectorIndex, cfg WorkerConfig, logger *zap.Logger) *EmbedWorker {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmbedWorker{
		store:    store,
		index:    index,
		cfg:      cfg,
		queue:    make(chan memory.Record, cfg.QueueSize),
		pool:     make(chan struct{}, cfg.Workers),
		inflight: make(map[int64]bool),
		logger:   logger,
	}
}

// Enqueue never blocks. A full queue leaves the record pending for the
// next backfill.
func (w *EmbedWorker) Enqueue(rec memory.Record) bool {
	select {
	case w.queue <- rec:
		return true
	default:
		w.logger.Debug("embed queue full, deferring to backfill", zap.Int64("record", rec.ID))
		return false
	}
}

// Start dispatches queued records to the pool until ctx is done.
func (w *EmbedWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case rec := <-w.queue:
				w.pool <- struct{}{} // acquire slot
				w.wg.Add(1)
				go func(r memory.Record) {
					defer w.wg.Done()
					defer func() { <-w.pool }() // release slot
					w.embedOne(ctx, r)
				}(rec)
			}
		}
	}()
}

// Wait blocks until the dispatcher and every in-flight embed have returned.
func (w *EmbedWorker) Wait() {
	w.wg.Wait()
}

// Pending reports queued plus in-flight records.
func (w *EmbedWorker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue) + len(w.inflight)
}

func (w *EmbedWorker) claim(id int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inflight[id] {
		return false
	}
	w.inflight[id] = true
	return true
}

func (w *EmbedWorker) unclaim(id int64) {
	w.mu.Lock()
	delete(w.inflight, id)
	w.mu.Unlock()
}

// embedOne indexes a single record. A failure is isolated to that record.
func (w *EmbedWorker) embedOne(ctx context.Context, rec memory.Record) error {
	if !w.claim(rec.ID) {
		return errInFlight
	}
	defer w.unclaim(rec.ID)

	if err := w.index.UpsertMemory(ctx, rec); err != nil {
		embErr := &memory.EmbeddingError{RecordID: rec.ID, Attempt: rec.IndexAttempts + 1, Err: err}
		permanent, markErr := w.store.MarkIndexFailed(ctx, rec.ID, w.cfg.MaxAttempts)
		if markErr != nil {
			w.logger.Error("mark index failed", zap.Int64("record", rec.ID), zap.Error(markErr))
		}
		w.logger.Warn("embedding failed",
			zap.Int64("record", rec.ID),
			zap.Int("attempt", embErr.Attempt),
			zap.Bool("permanent", permanent),
			zap.Error(err))
		if permanent {
			return fmt.Errorf("%w: %w", errPermanent, embErr)
		}
		return embErr
	}
	if err := w.store.MarkIndexed(ctx, rec.ID); err != nil {
		w.logger.Error("mark indexed", zap.Int64("record", rec.ID), zap.Error(err))
		return err
	}
	return nil
}

var (
	errPermanent = errors.New("permanently non-indexed")
	errInFlight  = errors.New("already being embedded")
)

// Backfill reconciles the store with the vector index, then embeds every
// pending record once. Records that reach the attempt limit become
// permanently non-indexed until requeued.
func (w *EmbedWorker) Backfill(ctx context.Context) (BackfillReport, error) {
	start := time.Now()
	var rep BackfillReport

	reconciled, err := w.reconcile(ctx)
	rep.Reconciled = reconciled
	if err != nil {
		return rep, fmt.Errorf("reconcile index: %w", err)
	}

	var after int64
	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		batch, err := w.store.PendingIndex(ctx, after, w.cfg.BatchSize, w.cfg.MaxAttempts)
		if err != nil {
			return rep, fmt.Errorf("load pending records: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, rec := range batch {
			after = rec.ID
			switch err := w.embedOne(ctx, rec); {
			case err == nil:
				rep.Embedded++
			case errors.Is(err, errInFlight):
			case errors.Is(err, errPermanent):
				rep.Failed++
				rep.Permanent++
			default:
				rep.Failed++
			}
		}
	}
	rep.Duration = time.Since(start)

	w.logger.Info("embedding backfill complete",
		zap.Int("reconciled", rep.Reconciled),
		zap.Int("embedded", rep.Embedded),
		zap.Int("failed", rep.Failed),
		zap.Int("permanent", rep.Permanent),
		zap.Duration("duration", rep.Duration))
	return rep, nil
}

// reconcile moves records marked indexed but missing from the vector index
// back to pending.
func (w *EmbedWorker) reconcile(ctx context.Context) (int, error) {
	var after int64
	var missing []int64
	for {
		ids, err := w.store.IndexedIDs(ctx, after, w.cfg.BatchSize)
		if err != nil {
			return 0, err
		}
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			after = id
			ok, err := w.index.HasMemory(ctx, id)
			if err != nil {
				return 0, err
			}
			if !ok {
				missing = append(missing, id)
			}
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}
	if err := w.store.ResetIndexState(ctx, missing...); err != nil {
		return 0, err
	}
	w.logger.Info("index entries missing, re-queued", zap.Int("count", len(missing)))
	return len(missing), nil
}
