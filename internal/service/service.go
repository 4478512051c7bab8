// Package service composes the memory store, vector index, router and
// background workers behind one API.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/amc-memory/internal/gamedata"
	"github.com/nidhogg/amc-memory/internal/ingest"
	"github.com/nidhogg/amc-memory/internal/knowledge"
	"github.com/nidhogg/amc-memory/internal/memory"
	"github.com/nidhogg/amc-memory/internal/rag"
	"github.com/nidhogg/amc-memory/internal/router"
)

// ErrGameDataUnavailable is returned by RawQuery when no game database is
// configured.
var ErrGameDataUnavailable = errors.New("game database not configured")

// Deps are the assembled components. GameData and Ingest may be nil.
type Deps struct {
	Store     memory.Store
	Index     *rag.VectorIndex
	Retriever *rag.Retriever
	Router    *router.QueryRouter
	Sweeper   *memory.Sweeper
	Worker    *rag.EmbedWorker
	Indexer   *knowledge.Indexer
	Ingest    *ingest.Queue
	GameData  *gamedata.DB

	SweepInterval time.Duration
	// MaxDistance and Timeout bound RetrieveRelevant.
	MaxDistance float64
	Timeout     time.Duration
}

// Stats is the service-wide view returned by the stats endpoint.
type Stats struct {
	Memory       *memory.Stats `json:"memory"`
	Ingest       *ingest.Stats `json:"ingest,omitempty"`
	IndexPending int           `json:"index_pending"`
}

// KnowledgeService is the entry point used by the HTTP API, the CLI and
// the chat feed.
type KnowledgeService struct {
	d      Deps
	logger *zap.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(d Deps, logger *zap.Logger) *KnowledgeService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KnowledgeService{d: d, logger: logger}
}

// Start launches the embedding pool, a startup backfill and the periodic
// sweep, which also backfills after each tick. Backfill errors are logged,
// never fatal.
func (s *KnowledgeService) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.d.Worker.Start(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Backfill(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("startup backfill failed", zap.Error(err))
		}
	}()

	if s.d.SweepInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.sweepLoop(ctx)
		}()
	}
	s.logger.Info("knowledge service started", zap.Duration("sweep_interval", s.d.SweepInterval))
}

func (s *KnowledgeService) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.d.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("scheduled sweep failed", zap.Error(err))
			}
			// retries records whose embedding failed since the last pass
			if _, err := s.Backfill(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduled backfill failed", zap.Error(err))
			}
		}
	}
}

// Stop drains the ingest queue, then stops background work and waits for
// in-flight embeddings.
func (s *KnowledgeService) Stop() {
	if s.d.Ingest != nil {
		s.d.Ingest.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.d.Worker.Wait()
	s.logger.Info("knowledge service stopped")
}

// Store persists rec synchronously and queues it for embedding.
func (s *KnowledgeService) Store(ctx context.Context, rec memory.NewRecord) (int64, error) {
	id, err := s.d.Store.Store(ctx, rec)
	if err != nil {
		return 0, err
	}
	recs, err := s.d.Store.GetByIDs(ctx, []int64{id})
	if err != nil {
		s.logger.Warn("reload stored record failed, leaving for backfill", zap.Int64("record", id), zap.Error(err))
		return id, nil
	}
	if r, ok := recs[id]; ok {
		s.d.Worker.Enqueue(r)
	}
	return id, nil
}

// Submit hands an event to the ingest queue, waiting for room until ctx
// is done.
func (s *KnowledgeService) Submit(ctx context.Context, rec memory.NewRecord) error {
	if s.d.Ingest == nil {
		_, err := s.Store(ctx, rec)
		return err
	}
	return s.d.Ingest.Submit(ctx, rec)
}

// TrySubmit is Submit without waiting; a full queue is ingest.ErrQueueFull.
func (s *KnowledgeService) TrySubmit(rec memory.NewRecord) error {
	if s.d.Ingest == nil {
		_, err := s.Store(context.Background(), rec)
		return err
	}
	return s.d.Ingest.TrySubmit(rec)
}

func (s *KnowledgeService) GetRecentMessages(ctx context.Context, playerID string, limit int, sources ...memory.Source) ([]memory.Record, error) {
	return s.d.Store.GetRecentMessages(ctx, playerID, limit, sources...)
}

// RetrieveRelevant returns a player's semantically closest records within
// timeout, or the configured default when timeout is zero. It fails with
// memory.ErrRetrievalTimeout rather than returning partial hits.
func (s *KnowledgeService) RetrieveRelevant(ctx context.Context, playerID, query string, n int, timeout time.Duration, sources ...memory.Source) ([]rag.MemoryHit, error) {
	if timeout <= 0 {
		timeout = s.d.Timeout
	}
	return rag.RunWithTimeout(ctx, timeout, func(ctx context.Context) ([]rag.MemoryHit, error) {
		return s.d.Index.RetrieveRelevant(ctx, playerID, query, n, s.d.MaxDistance, sources...)
	})
}

// Retrieve returns the recency window plus semantic matches for a player.
func (s *KnowledgeService) Retrieve(ctx context.Context, req rag.Request) (*rag.Context, error) {
	return s.d.Retriever.Retrieve(ctx, req)
}

func (s *KnowledgeService) Route(ctx context.Context, q router.Query) (*router.Bundle, error) {
	return s.d.Router.Route(ctx, q)
}

func (s *KnowledgeService) Stats(ctx context.Context) (*Stats, error) {
	ms, err := s.d.Store.GetMemoryStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("memory stats: %w", err)
	}
	st := &Stats{Memory: ms, IndexPending: s.d.Worker.Pending()}
	if s.d.Ingest != nil {
		is := s.d.Ingest.Stats()
		st.Ingest = &is
	}
	return st, nil
}

// Sweep runs one decay and cleanup tick.
func (s *KnowledgeService) Sweep(ctx context.Context) (memory.SweepReport, error) {
	return s.d.Sweeper.Tick(ctx)
}

// Cleanup deletes old low-relevance records and their embeddings under
// the sweep lock. It is skipped while a sweep is running.
func (s *KnowledgeService) Cleanup(ctx context.Context, days int, minRelevance float64) (memory.SweepReport, error) {
	return s.d.Sweeper.Cleanup(ctx, days, minRelevance)
}

func (s *KnowledgeService) IndexThread(ctx context.Context, th knowledge.Thread) (knowledge.Report, error) {
	return s.d.Indexer.Index(ctx, th)
}

// Requeue returns permanently failed records to pending and queues them.
// With no ids every failed record is requeued for the next backfill.
func (s *KnowledgeService) Requeue(ctx context.Context, ids ...int64) (int, error) {
	n, err := s.d.Store.RequeueIndex(ctx, ids...)
	if err != nil {
		return 0, fmt.Errorf("requeue index: %w", err)
	}
	if len(ids) == 0 || n == 0 {
		return n, nil
	}
	recs, err := s.d.Store.GetByIDs(ctx, ids)
	if err != nil {
		s.logger.Warn("reload requeued records failed, leaving for backfill", zap.Error(err))
		return n, nil
	}
	for _, r := range recs {
		if r.IndexState == memory.IndexPending {
			s.d.Worker.Enqueue(r)
		}
	}
	return n, nil
}

func (s *KnowledgeService) Backfill(ctx context.Context) (rag.BackfillReport, error) {
	return s.d.Worker.Backfill(ctx)
}

func (s *KnowledgeService) RawQuery(ctx context.Context, sql string) (*gamedata.RawResult, error) {
	if s.d.GameData == nil {
		return nil, ErrGameDataUnavailable
	}
	return s.d.GameData.RawQuery(ctx, sql)
}
