// Package rag implements semantic retrieval over conversation memories and
// knowledge chunks, backed by a vector store and joined against the
// authoritative memory store.
package rag

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/amc-memory/internal/embedding"
	"github.com/nidhogg/amc-memory/internal/memory"
	"github.com/nidhogg/amc-memory/internal/vectorstore"
)

const (
	CollMemories  = "player_memories"
	CollKnowledge = "knowledge_chunks"
)

const (
	DefaultNResults    = 5
	DefaultMaxDistance = 1.5
	// overFetch widens the backend query to make up for hits removed by
	// the store join and the source filter.
	overFetch = 3
)

// MemoryHit is a semantic match against a record that still exists.
type MemoryHit struct {
	Record   memory.Record `json:"record"`
	Distance float64       `json:"distance"`
}

// KnowledgeHit is a semantic match against a knowledge chunk.
type KnowledgeHit struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
	Distance float64           `json:"distance"`
}

// VectorIndex coordinates embedding and vector search. The memory store is
// authoritative for record existence; the vector backend only for vectors.
type VectorIndex struct {
	embedder embedding.Embedder
	backend  vectorstore.Backend
	store    memory.Store
	logger   *zap.Logger
}

func NewVectorIndex(embedder embedding.Embedder, backend vectorstore.Backend, store memory.Store, logger *zap.Logger) *VectorIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VectorIndex{embedder: embedder, backend: backend, store: store, logger: logger}
}

// InitCollections ensures both collections exist.
func (x *VectorIndex) InitCollections(ctx context.Context) error {
	dim := x.embedder.Dimension()
	if dim == 0 {
		dim = 1024
	}
	for _, name := range []string{CollMemories, CollKnowledge} {
		if err := x.backend.EnsureCollection(ctx, name, dim); err != nil {
			return fmt.Errorf("init collection %s: %w", name, err)
		}
	}
	return nil
}

func memoryDocID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// UpsertMemory embeds a record's message and stores or overwrites its entry.
func (x *VectorIndex) UpsertMemory(ctx context.Context, rec memory.Record) error {
	vec, err := x.embedder.Embed(ctx, rec.Message)
	if err != nil {
		return fmt.Errorf("embed memory %d: %w", rec.ID, err)
	}
	doc := vectorstore.Document{
		ID:      memoryDocID(rec.ID),
		Content: rec.Message,
		Vector:  vec,
		Metadata: map[string]string{
			"player_id":       rec.PlayerID,
			"player_name":     rec.PlayerName,
			"source":          string(rec.Source),
			"timestamp":       rec.Timestamp.UTC().Format(time.RFC3339Nano),
			"is_bot_response": strconv.FormatBool(rec.IsBotResponse),
		},
	}
	if err := x.backend.Upsert(ctx, CollMemories, doc); err != nil {
		return fmt.Errorf("upsert memory %d: %w", rec.ID, err)
	}
	return nil
}

// DeleteMemories removes the entries of deleted records.
func (x *VectorIndex) DeleteMemories(ctx context.Context, ids []int64) error {
	docIDs := make([]string, len(ids))
	for i, id := range ids {
		docIDs[i] = memoryDocID(id)
	}
	return x.backend.Delete(ctx, CollMemories, docIDs...)
}

func (x *VectorIndex) HasMemory(ctx context.Context, id int64) (bool, error) {
	return x.backend.Has(ctx, CollMemories, memoryDocID(id))
}

// RetrieveRelevant returns a player's records within maxDistance of query,
// closest first. Nothing qualifying is an empty result, not an error.
// An empty sources list means every source. A negative maxDistance means
// DefaultMaxDistance; zero admits only exact matches.
func (x *VectorIndex) RetrieveRelevant(ctx context.Context, playerID, query string, n int, maxDistance float64, sources ...memory.Source) ([]MemoryHit, error) {
	if n <= 0 {
		n = DefaultNResults
	}
	if maxDistance < 0 {
		maxDistance = DefaultMaxDistance
	}
	vec, err := x.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := x.backend.Query(ctx, CollMemories, vec, n*overFetch, vectorstore.Filter{"player_id": playerID})
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}

	ids := make([]int64, 0, len(hits))
	dist := make(map[int64]float64, len(hits))
	for _, h := range hits {
		if h.Distance > maxDistance {
			continue
		}
		id, err := strconv.ParseInt(h.ID, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
		dist[id] = h.Distance
	}
	if len(ids) == 0 {
		return []MemoryHit{}, nil
	}

	live, err := x.store.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("join memories: %w", err)
	}
	allowed := make(map[memory.Source]bool, len(sources))
	for _, s := range sources {
		allowed[s] = true
	}

	out := make([]MemoryHit, 0, len(ids))
	var stale []int64
	for _, id := range ids {
		rec, ok := live[id]
		if !ok {
			stale = append(stale, id)
			continue
		}
		if len(allowed) > 0 && !allowed[rec.Source] {
			continue
		}
		out = append(out, MemoryHit{Record: rec, Distance: dist[id]})
	}
	if len(stale) > 0 {
		x.logger.Debug("dropping stale memory entries", zap.Int("count", len(stale)))
		if err := x.DeleteMemories(ctx, stale); err != nil {
			x.logger.Warn("delete stale memory entries", zap.Error(err))
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// SearchKnowledge returns knowledge chunks matching where within maxDistance,
// with the same negative default as RetrieveRelevant.
func (x *VectorIndex) SearchKnowledge(ctx context.Context, query string, n int, maxDistance float64, where vectorstore.Filter) ([]KnowledgeHit, error) {
	if n <= 0 {
		n = DefaultNResults
	}
	if maxDistance < 0 {
		maxDistance = DefaultMaxDistance
	}
	vec, err := x.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := x.backend.Query(ctx, CollKnowledge, vec, n, where)
	if err != nil {
		return nil, fmt.Errorf("query knowledge: %w", err)
	}
	out := make([]KnowledgeHit, 0, len(hits))
	for _, h := range hits {
		if h.Distance > maxDistance {
			continue
		}
		out = append(out, KnowledgeHit{ID: h.ID, Content: h.Content, Metadata: h.Metadata, Distance: h.Distance})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out, nil
}

// ReplaceThread swaps every chunk of threadID for docs.
func (x *VectorIndex) ReplaceThread(ctx context.Context, threadID string, docs []vectorstore.Document) error {
	if err := x.backend.Replace(ctx, CollKnowledge, vectorstore.Filter{"thread_id": threadID}, docs); err != nil {
		return fmt.Errorf("replace thread %s: %w", threadID, err)
	}
	return nil
}

// Embedder exposes the index's embedder for chunk pipelines.
func (x *VectorIndex) Embedder() embedding.Embedder {
	return x.embedder
}
