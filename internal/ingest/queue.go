// Package ingest buffers chat events ahead of the memory store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/amc-memory/internal/memory"
)

const (
	DefaultQueueSize = 256
	storeTimeout     = 10 * time.Second
)

var (
	ErrQueueClosed = errors.New("ingest queue closed")
	ErrQueueFull   = errors.New("ingest queue full")
)

// RecordStore is the part of memory.Store the worker writes through.
type RecordStore interface {
	Store(ctx context.Context, rec memory.NewRecord) (int64, error)
	GetByIDs(ctx context.Context, ids []int64) (map[int64]memory.Record, error)
}

// Indexer receives stored records for asynchronous embedding.
type Indexer interface {
	Enqueue(rec memory.Record) bool
}

// Stats counts what the worker has done so far.
type Stats struct {
	Queued   int   `json:"queued"`
	Stored   int64 `json:"stored"`
	Failed   int64 `json:"failed"`
	Deferred int64 `json:"deferred"`
}

// Queue is a bounded event queue drained by a single worker, so events
// from one feed are stored in submission order.
type Queue struct {
	events  chan memory.NewRecord
	store   RecordStore
	indexer Indexer
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	stored   atomic.Int64
	failed   atomic.Int64
	deferred atomic.Int64
}

// New starts the ingestion worker. indexer may be nil.
func New(store RecordStore, indexer Indexer, size int, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size <= 0 {
		size = DefaultQueueSize
	}
	q := &Queue{
		events:  make(chan memory.NewRecord, size),
		store:   store,
		indexer: indexer,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Submit validates ev and waits for queue space or ctx. An invalid event
// is rejected before anything is enqueued.
func (q *Queue) Submit(ctx context.Context, ev memory.NewRecord) error {
	ev, err := ev.Normalize()
	if err != nil {
		return err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.events <- ev:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submit event: %w", ctx.Err())
	}
}

// TrySubmit is Submit without waiting.
func (q *Queue) TrySubmit(ev memory.NewRecord) error {
	ev, err := ev.Normalize()
	if err != nil {
		return err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.events <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting events and returns once every queued event has
// been handled.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.events)
	}
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) Stats() Stats {
	return Stats{
		Queued:   len(q.events),
		Stored:   q.stored.Load(),
		Failed:   q.failed.Load(),
		Deferred: q.deferred.Load(),
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for ev := range q.events {
		q.handle(ev)
	}
	q.logger.Info("ingest queue drained",
		zap.Int64("stored", q.stored.Load()),
		zap.Int64("failed", q.failed.Load()))
}

func (q *Queue) handle(ev memory.NewRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	id, err := q.store.Store(ctx, ev)
	if err != nil {
		q.failed.Add(1)
		q.logger.Error("store event failed",
			zap.String("player_id", ev.PlayerID),
			zap.String("source", string(ev.Source)),
			zap.Error(err))
		return
	}
	q.stored.Add(1)
	if q.indexer == nil {
		return
	}

	recs, err := q.store.GetByIDs(ctx, []int64{id})
	if err != nil {
		q.logger.Warn("reload stored event failed, leaving for backfill", zap.Int64("record", id), zap.Error(err))
		q.deferred.Add(1)
		return
	}
	rec, ok := recs[id]
	if !ok || !q.indexer.Enqueue(rec) {
		q.deferred.Add(1)
	}
}
