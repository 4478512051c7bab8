package rag

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/amc-memory/internal/memory"
)

const DefaultTimeout = 10 * time.Second

// RetrieverConfig holds per-request defaults.
type RetrieverConfig struct {
	RecentLimit int           `json:"recent_limit"`
	NResults    int           `json:"n_results"`
	MaxDistance float64       `json:"max_distance"`
	Timeout     time.Duration `json:"timeout"`
}

// Request is one retrieval call. Zero fields take the retriever defaults.
type Request struct {
	PlayerID    string
	Query       string
	RecentLimit int
	NResults    int
	MaxDistance float64
	Sources     []memory.Source
	Timeout     time.Duration
}

// Context is the bounded context bundle for one player and query.
type Context struct {
	Recent   []memory.Record `json:"recent"`
	Semantic []MemoryHit     `json:"semantic"`
}

// Retriever composes the recency window with semantic matches.
type Retriever struct {
	store  memory.Store
	index  *VectorIndex
	cfg    RetrieverConfig
	logger *zap.Logger
}

func NewRetriever(store memory.Store, index *VectorIndex, cfg RetrieverConfig, logger *zap.Logger) *Retriever {
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 10
	}
	if cfg.NResults <= 0 {
		cfg.NResults = DefaultNResults
	}
	if cfg.MaxDistance <= 0 {
		cfg.MaxDistance = DefaultMaxDistance
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{store: store, index: index, cfg: cfg, logger: logger}
}

func (r *Retriever) withDefaults(req Request) Request {
	if req.RecentLimit <= 0 {
		req.RecentLimit = r.cfg.RecentLimit
	}
	if req.NResults <= 0 {
		req.NResults = r.cfg.NResults
	}
	if req.MaxDistance <= 0 {
		req.MaxDistance = r.cfg.MaxDistance
	}
	return req
}

// timeout is the request's own budget, else the caller's remaining
// deadline, else the configured default.
func (r *Retriever) timeout(ctx context.Context, req Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			return d
		}
	}
	return r.cfg.Timeout
}

// Retrieve returns the recent window and the semantic matches not already in
// it. On timeout it fails with memory.ErrRetrievalTimeout, never partial results.
func (r *Retriever) Retrieve(ctx context.Context, req Request) (*Context, error) {
	if req.PlayerID == "" {
		return nil, &memory.ValidationError{Field: "player_id", Reason: "is required"}
	}
	req = r.withDefaults(req)

	return RunWithTimeout(ctx, r.timeout(ctx, req), func(ctx context.Context) (*Context, error) {
		recent, err := r.store.GetRecentMessages(ctx, req.PlayerID, req.RecentLimit, req.Sources...)
		if err != nil {
			return nil, fmt.Errorf("recent messages: %w", err)
		}
		out := &Context{Recent: recent, Semantic: []MemoryHit{}}
		if req.Query == "" {
			return out, nil
		}

		hits, err := r.index.RetrieveRelevant(ctx, req.PlayerID, req.Query, req.NResults, req.MaxDistance, req.Sources...)
		if err != nil {
			return nil, fmt.Errorf("semantic memories: %w", err)
		}
		seen := make(map[int64]bool, len(recent))
		for _, rec := range recent {
			seen[rec.ID] = true
		}
		for _, h := range hits {
			if !seen[h.Record.ID] {
				out.Semantic = append(out.Semantic, h)
			}
		}
		r.logger.Debug("retrieved context",
			zap.String("player", req.PlayerID),
			zap.Int("recent", len(out.Recent)),
			zap.Int("semantic", len(out.Semantic)))
		return out, nil
	})
}

// RunWithTimeout runs fn under a deadline. Expiry yields
// memory.ErrRetrievalTimeout and discards whatever fn produces afterwards.
func RunWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(tctx)
		done <- result{v, err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, memory.ErrRetrievalTimeout
		}
		return res.val, res.err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, memory.ErrRetrievalTimeout
	}
}
