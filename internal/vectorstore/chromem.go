package vectorstore

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// ChromemBackend is an embedded vector index on chromem-go. With a path it
// persists to disk; without one it lives in memory.
type ChromemBackend struct {
	db          *chromem.DB
	collections map[string]*chromem.Collection
	// mu is held exclusively by Replace so readers never see a half-swapped set.
	mu     sync.RWMutex
	logger *zap.Logger
}

var _ Backend = (*ChromemBackend)(nil)

// NewChromem opens a chromem database. An empty path means in-memory.
func NewChromem(path string, compress bool, logger *zap.Logger) (*ChromemBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(path, compress)
		if err != nil {
			return nil, fmt.Errorf("open chromem %s: %w", path, err)
		}
	}
	return &ChromemBackend{
		db:          db,
		collections: make(map[string]*chromem.Collection),
		logger:      logger,
	}, nil
}

func (b *ChromemBackend) EnsureCollection(ctx context.Context, name string, dimension int) error {
	_, err := b.collection(name)
	return err
}

func (b *ChromemBackend) collection(name string) (*chromem.Collection, error) {
	b.mu.RLock()
	col, ok := b.collections[name]
	b.mu.RUnlock()
	if ok {
		return col, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if col, ok := b.collections[name]; ok {
		return col, nil
	}
	// vectors are always supplied, so no embedding func is needed
	col, err := b.db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w", name, err)
	}
	b.collections[name] = col
	return col, nil
}

func toChromem(d Document) chromem.Document {
	return chromem.Document{
		ID:        d.ID,
		Content:   d.Content,
		Embedding: Normalize(d.Vector),
		Metadata:  d.Metadata,
	}
}

func (b *ChromemBackend) Upsert(ctx context.Context, collection string, docs ...Document) error {
	col, err := b.collection(collection)
	if err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, d := range docs {
		if err := col.AddDocument(ctx, toChromem(d)); err != nil {
			return fmt.Errorf("upsert %s/%s: %w", collection, d.ID, err)
		}
	}
	return nil
}

func (b *ChromemBackend) Delete(ctx context.Context, collection string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	col, err := b.collection(collection)
	if err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("delete from %s: %w", collection, err)
	}
	return nil
}

func (b *ChromemBackend) Replace(ctx context.Context, collection string, where Filter, docs []Document) error {
	if len(where) == 0 {
		return fmt.Errorf("replace in %s: empty filter", collection)
	}
	col, err := b.collection(collection)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(docs) == 0 {
		if col.Count() > 0 {
			if err := col.Delete(ctx, where, nil); err != nil {
				return fmt.Errorf("replace in %s: delete: %w", collection, err)
			}
		}
		return nil
	}

	old, err := matching(ctx, col, where, docs[0].Vector)
	if err != nil {
		return fmt.Errorf("replace in %s: load current set: %w", collection, err)
	}
	fresh := make(map[string]bool, len(docs))
	for _, d := range docs {
		if err := col.AddDocument(ctx, toChromem(d)); err != nil {
			b.restore(ctx, col, old, fresh)
			return fmt.Errorf("replace in %s: add %s: %w", collection, d.ID, err)
		}
		fresh[d.ID] = true
	}
	var stale []string
	for id := range old {
		if !fresh[id] {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := col.Delete(ctx, nil, nil, stale...); err != nil {
			return fmt.Errorf("replace in %s: delete stale: %w", collection, err)
		}
	}
	b.logger.Debug("chromem replace",
		zap.String("collection", collection),
		zap.Int("docs", len(docs)))
	return nil
}

// matching returns every document selected by where. vector only needs the
// collection's dimension since all matches are kept.
func matching(ctx context.Context, col *chromem.Collection, where Filter, vector []float32) (map[string]chromem.Document, error) {
	n := col.Count()
	if n == 0 {
		return nil, nil
	}
	results, err := col.QueryEmbedding(ctx, Normalize(vector), n, where, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]chromem.Document, len(results))
	for _, r := range results {
		out[r.ID] = chromem.Document{ID: r.ID, Content: r.Content, Embedding: r.Embedding, Metadata: r.Metadata}
	}
	return out, nil
}

// restore puts the previous set back after a failed Replace: added
// documents that were not in it go, overwritten ones get their old version.
func (b *ChromemBackend) restore(ctx context.Context, col *chromem.Collection, old map[string]chromem.Document, added map[string]bool) {
	var extra []string
	for id := range added {
		prev, ok := old[id]
		if !ok {
			extra = append(extra, id)
			continue
		}
		if err := col.AddDocument(ctx, prev); err != nil {
			b.logger.Warn("restore replaced document", zap.String("id", id), zap.Error(err))
		}
	}
	if len(extra) > 0 {
		if err := col.Delete(ctx, nil, nil, extra...); err != nil {
			b.logger.Warn("remove partially added documents", zap.Int("count", len(extra)), zap.Error(err))
		}
	}
}

func (b *ChromemBackend) Query(ctx context.Context, collection string, vector []float32, n int, where Filter) ([]Hit, error) {
	col, err := b.collection(collection)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	// chromem rejects nResults larger than the collection
	if count := col.Count(); n > count {
		n = count
	}
	if n <= 0 {
		return nil, nil
	}
	results, err := col.QueryEmbedding(ctx, Normalize(vector), n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			ID:       r.ID,
			Content:  r.Content,
			Metadata: r.Metadata,
			Distance: DistanceFromCosine(r.Similarity),
		})
	}
	return hits, nil
}

func (b *ChromemBackend) Has(ctx context.Context, collection, id string) (bool, error) {
	col, err := b.collection(collection)
	if err != nil {
		return false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, err := col.GetByID(ctx, id); err != nil {
		return false, nil
	}
	return true, nil
}

func (b *ChromemBackend) Count(ctx context.Context, collection string) (int, error) {
	col, err := b.collection(collection)
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}

// Close is a no-op; persistent writes are flushed per document.
func (b *ChromemBackend) Close() error {
	return nil
}
