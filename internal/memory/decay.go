package memory

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DecayConfig controls the periodic relevance sweep.
type DecayConfig struct {
	Rate                  float64 // multiplier applied once per tick (default 0.95)
	CleanupDays           int     // minimum age for pruning (default 90)
	CleanupMinRelevance   float64 // prune only below this score (default 0.3)
	LowRelevanceThreshold float64 // reported, never acted on (default 0.3)
}

// DefaultDecayConfig returns the standard community retention policy.
func DefaultDecayConfig() DecayConfig {
	return DecayConfig{
		Rate:                  0.95,
		CleanupDays:           90,
		CleanupMinRelevance:   0.3,
		LowRelevanceThreshold: 0.3,
	}
}

// SweepLock serializes sweeps. TryAcquire never blocks: ok=false means
// another sweep holds the lock.
type SweepLock interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// LocalLock is an in-process SweepLock.
type LocalLock struct {
	held atomic.Bool
}

func (l *LocalLock) TryAcquire(ctx context.Context) (func(), bool, error) {
	if !l.held.CompareAndSwap(false, true) {
		return nil, false, nil
	}
	return func() { l.held.Store(false) }, true, nil
}

// SweepReport summarizes one tick.
type SweepReport struct {
	Skipped      bool          `json:"skipped"`
	Decayed      int           `json:"decayed"`
	LowRelevance int           `json:"low_relevance"`
	Deleted      int           `json:"deleted"`
	Duration     time.Duration `json:"duration"`
}

// Sweeper is the DecayEngine. It does not schedule itself; any timer,
// cron or manual trigger drives Tick.
type Sweeper struct {
	store     SweepStore
	cfg       DecayConfig
	lock      SweepLock
	onDeleted func(ctx context.Context, ids []int64) error
	logger    *zap.Logger
}

// SweeperOption customizes a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepLock replaces the in-process lock, e.g. with a distributed one.
func WithSweepLock(l SweepLock) SweeperOption {
	return func(s *Sweeper) {
		if l != nil {
			s.lock = l
		}
	}
}

// WithDeleteHook is called with the ids removed by cleanup.
func WithDeleteHook(fn func(ctx context.Context, ids []int64) error) SweeperOption {
	return func(s *Sweeper) { s.onDeleted = fn }
}

func NewSweeper(store SweepStore, cfg DecayConfig, logger *zap.Logger, opts ...SweeperOption) *Sweeper {
	def := DefaultDecayConfig()
	if cfg.Rate == 0 {
		cfg.Rate = def.Rate
	}
	if cfg.CleanupDays == 0 {
		cfg.CleanupDays = def.CleanupDays
	}
	if cfg.CleanupMinRelevance == 0 {
		cfg.CleanupMinRelevance = def.CleanupMinRelevance
	}
	if cfg.LowRelevanceThreshold == 0 {
		cfg.LowRelevanceThreshold = def.LowRelevanceThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sweeper{store: store, cfg: cfg, lock: &LocalLock{}, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tick runs one decay and cleanup pass as a single store transaction. A
// tick triggered while another sweep is running is skipped, not queued. A
// failed tick changes nothing; the next tick retries.
func (s *Sweeper) Tick(ctx context.Context) (SweepReport, error) {
	start := time.Now()
	release, ok, err := s.lock.TryAcquire(ctx)
	if err != nil {
		return SweepReport{}, fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !ok {
		s.logger.Info("sweep skipped, another sweep is running")
		return SweepReport{Skipped: true}, nil
	}
	defer release()

	res, err := s.store.Sweep(ctx, s.cfg)
	if err != nil {
		return SweepReport{}, fmt.Errorf("sweep memories: %w", err)
	}
	rep := SweepReport{
		Decayed:      res.Decayed,
		LowRelevance: res.LowRelevance,
		Deleted:      len(res.DeletedIDs),
	}
	s.removeDeleted(ctx, res.DeletedIDs)
	rep.Duration = time.Since(start)

	s.logger.Info("sweep complete",
		zap.Int("decayed", rep.Decayed),
		zap.Int("low_relevance", rep.LowRelevance),
		zap.Int("deleted", rep.Deleted),
		zap.Duration("duration", rep.Duration))
	return rep, nil
}

// Cleanup prunes with the given policy and no decay. It takes the sweep
// lock like Tick and is skipped the same way.
func (s *Sweeper) Cleanup(ctx context.Context, days int, minRelevance float64) (SweepReport, error) {
	start := time.Now()
	release, ok, err := s.lock.TryAcquire(ctx)
	if err != nil {
		return SweepReport{}, fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !ok {
		s.logger.Info("cleanup skipped, another sweep is running")
		return SweepReport{Skipped: true}, nil
	}
	defer release()

	ids, err := s.store.CleanupOldMemories(ctx, days, minRelevance)
	if err != nil {
		return SweepReport{}, fmt.Errorf("cleanup memories: %w", err)
	}
	s.removeDeleted(ctx, ids)
	rep := SweepReport{Deleted: len(ids), Duration: time.Since(start)}
	s.logger.Info("cleanup complete", zap.Int("deleted", rep.Deleted), zap.Duration("duration", rep.Duration))
	return rep, nil
}

func (s *Sweeper) removeDeleted(ctx context.Context, ids []int64) {
	if len(ids) == 0 || s.onDeleted == nil {
		return
	}
	if err := s.onDeleted(ctx, ids); err != nil {
		// Stale entries are filtered at query time by the store join.
		s.logger.Warn("remove deleted embeddings", zap.Int("count", len(ids)), zap.Error(err))
	}
}
