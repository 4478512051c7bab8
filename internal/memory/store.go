package memory

import (
	"context"
)

// Store is the durable ledger of conversation events. It is the single
// source of truth for record existence and ordering.
type Store interface {
	// Store validates and appends a record, returning its store-assigned id.
	Store(ctx context.Context, rec NewRecord) (int64, error)

	// GetRecentMessages returns a player's records, most recent first.
	// An empty sources list means all sources.
	GetRecentMessages(ctx context.Context, playerID string, limit int, sources ...Source) ([]Record, error)

	// GetByIDs returns the records that still exist among ids.
	GetByIDs(ctx context.Context, ids []int64) (map[int64]Record, error)

	GetMessageCount(ctx context.Context, playerID string) (int, error)
	GetMemoryStats(ctx context.Context) (*Stats, error)

	// DecayRelevanceScores multiplies every score by rate once, atomically.
	DecayRelevanceScores(ctx context.Context, rate float64) (int, error)
	GetLowRelevanceCount(ctx context.Context, threshold float64) (int, error)

	SweepStore

	// Indexing bookkeeping.
	PendingIndex(ctx context.Context, afterID int64, limit, maxAttempts int) ([]Record, error)
	MarkIndexed(ctx context.Context, id int64) error
	MarkIndexFailed(ctx context.Context, id int64, maxAttempts int) (bool, error)
	RequeueIndex(ctx context.Context, ids ...int64) (int, error)
	IndexedIDs(ctx context.Context, afterID int64, limit int) ([]int64, error)
	ResetIndexState(ctx context.Context, ids ...int64) error

	Close() error
}

// SweepStore is the part of Store a Sweeper drives.
type SweepStore interface {
	// Sweep decays every score by cfg.Rate once, counts records below
	// cfg.LowRelevanceThreshold and prunes by cfg.CleanupDays and
	// cfg.CleanupMinRelevance, all in one transaction. On error nothing
	// has changed.
	Sweep(ctx context.Context, cfg DecayConfig) (SweepResult, error)

	// CleanupOldMemories deletes records that are at least days old AND
	// scored below minRelevance, returning the deleted ids.
	CleanupOldMemories(ctx context.Context, days int, minRelevance float64) ([]int64, error)
}

// SweepResult is what one sweep transaction changed.
type SweepResult struct {
	Decayed      int
	LowRelevance int
	DeletedIDs   []int64
}
