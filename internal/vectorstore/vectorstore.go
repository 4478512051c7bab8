// Package vectorstore holds the vector index backends used for semantic
// retrieval over memories and knowledge chunks.
package vectorstore

import (
	"context"
	"math"
)

// Document is one embedded entry.
type Document struct {
	ID       string
	Content  string
	Vector   []float32
	Metadata map[string]string
}

// Hit is a query result. Distance is the squared Euclidean distance between
// unit vectors, in [0, 4]; lower is closer.
type Hit struct {
	ID       string
	Content  string
	Metadata map[string]string
	Distance float64
}

// Filter is a conjunctive exact-match predicate over metadata.
type Filter map[string]string

// Backend is the storage contract for vector entries.
type Backend interface {
	EnsureCollection(ctx context.Context, name string, dimension int) error
	Upsert(ctx context.Context, collection string, docs ...Document) error
	Delete(ctx context.Context, collection string, ids ...string) error
	// Replace atomically swaps every entry matching where for docs.
	Replace(ctx context.Context, collection string, where Filter, docs []Document) error
	Query(ctx context.Context, collection string, vector []float32, n int, where Filter) ([]Hit, error)
	Has(ctx context.Context, collection, id string) (bool, error)
	Count(ctx context.Context, collection string) (int, error)
	Close() error
}

// DistanceFromCosine converts a cosine similarity of unit vectors to
// squared Euclidean distance.
func DistanceFromCosine(sim float32) float64 {
	d := 2 - 2*float64(sim)
	if d < 0 {
		return 0
	}
	return d
}

// Normalize scales v to unit length. A zero vector is returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
