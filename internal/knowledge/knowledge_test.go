package knowledge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nidhogg/amc-memory/internal/embedding"
	"github.com/nidhogg/amc-memory/internal/memory"
	"github.com/nidhogg/amc-memory/internal/rag"
	"github.com/nidhogg/amc-memory/internal/vectorstore"
)

func TestChunkKeepsMessagesWhole(t *testing.T) {
	msgs := []string{
		strings.Repeat("a", 40),
		strings.Repeat("b", 40),
		strings.Repeat("c", 40),
		strings.Repeat("d", 150),
		"",
		"tail",
	}
	chunks := Chunk(msgs, 100)

	want := []string{
		msgs[0] + "\n\n" + msgs[1],
		msgs[2],
		msgs[3],
		"tail",
	}
	if len(chunks) != len(want) {
		t.Fatalf("got %d chunks, want %d: %q", len(chunks), len(want), chunks)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Errorf("chunk %d = %q, want %q", i, chunks[i], want[i])
		}
	}
	for _, m := range msgs {
		if m == "" {
			continue
		}
		found := false
		for _, c := range chunks {
			if strings.Contains(c, m) {
				found = true
			}
		}
		if !found {
			t.Errorf("message %.10q was split across chunks", m)
		}
	}
}

func TestChunkDeterministic(t *testing.T) {
	msgs := []string{"one", "two", "three"}
	a := Chunk(msgs, 8)
	b := Chunk(msgs, 8)
	if strings.Join(a, "|") != strings.Join(b, "|") {
		t.Errorf("chunking not deterministic: %q vs %q", a, b)
	}
	if len(Chunk(nil, 0)) != 0 {
		t.Error("no messages should give no chunks")
	}
}

func TestSplitMessages(t *testing.T) {
	got := SplitMessages("first\r\n\r\nsecond line\nstill second\n\n\n\nthird")
	if len(got) != 3 || got[1] != "second line\nstill second" {
		t.Errorf("split = %q", got)
	}
}

type fieldExtractor struct {
	err error
}

func (f fieldExtractor) Extract(ctx context.Context, text string) (map[string]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return map[string]string{"topic": "cargo", "content_type": "guide", "bogus": "x"}, nil
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("embedding offline")
}

func (failingEmbedder) Dimension() int { return 16 }

func newKnowledgeIndex(t *testing.T) (*rag.VectorIndex, vectorstore.Backend) {
	t.Helper()
	b, err := vectorstore.NewChromem("", false, nil)
	if err != nil {
		t.Fatalf("chromem: %v", err)
	}
	return rag.NewVectorIndex(embedding.NewHashEmbedder(32), b, nil, nil), b
}

func threadChunks(t *testing.T, b vectorstore.Backend, threadID string) []vectorstore.Hit {
	t.Helper()
	probe := make([]float32, 32)
	probe[0] = 1
	hits, err := b.Query(context.Background(), rag.CollKnowledge, probe, 100, vectorstore.Filter{"thread_id": threadID})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	return hits
}

func TestReindexReplacesThread(t *testing.T) {
	index, backend := newKnowledgeIndex(t)
	ix := NewIndexer(index, index.Embedder(), fieldExtractor{}, 20, nil)
	ctx := context.Background()

	first := Thread{ID: "T1", Name: "Cargo guide", Messages: []string{"haul logs north", "wood pays well", "avoid the cliff road"}}
	rep, err := ix.Index(ctx, first)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if rep.Chunks != 3 {
		t.Fatalf("first index chunks = %d, want 3", rep.Chunks)
	}
	if _, err := ix.Index(ctx, Thread{ID: "T2", Messages: []string{"other thread"}}); err != nil {
		t.Fatalf("index T2: %v", err)
	}

	second := Thread{ID: "T1", Name: "Cargo guide", Messages: []string{"updated advice"}}
	if _, err := ix.Index(ctx, second); err != nil {
		t.Fatalf("reindex: %v", err)
	}

	hits := threadChunks(t, backend, "T1")
	if len(hits) != 1 {
		t.Fatalf("T1 has %d chunks after reindex, want 1", len(hits))
	}
	h := hits[0]
	if h.ID != "T1#0" || h.Content != "updated advice" {
		t.Errorf("chunk = %s %q", h.ID, h.Content)
	}
	if h.Metadata["topic"] != "cargo" || h.Metadata["thread_name"] != "Cargo guide" || h.Metadata["chunk_seq"] != "0" {
		t.Errorf("metadata = %v", h.Metadata)
	}
	if _, ok := h.Metadata["bogus"]; ok {
		t.Error("unrecognized extractor field stored on chunk")
	}
	if len(threadChunks(t, backend, "T2")) != 1 {
		t.Error("reindexing T1 touched T2")
	}
}

func TestIndexEmbedFailureKeepsPriorSet(t *testing.T) {
	index, backend := newKnowledgeIndex(t)
	ctx := context.Background()

	good := NewIndexer(index, index.Embedder(), nil, 0, nil)
	if _, err := good.Index(ctx, Thread{ID: "T1", Messages: []string{"original"}}); err != nil {
		t.Fatalf("index: %v", err)
	}

	bad := NewIndexer(index, failingEmbedder{}, nil, 0, nil)
	if _, err := bad.Index(ctx, Thread{ID: "T1", Messages: []string{"replacement"}}); err == nil {
		t.Fatal("expected embed error")
	}

	hits := threadChunks(t, backend, "T1")
	if len(hits) != 1 || hits[0].Content != "original" {
		t.Errorf("prior chunk set not intact: %+v", hits)
	}
}

func TestIndexExtractFailureStillIndexes(t *testing.T) {
	index, backend := newKnowledgeIndex(t)
	ix := NewIndexer(index, index.Embedder(), fieldExtractor{err: errors.New("llm timeout")}, 0, nil)

	rep, err := ix.Index(context.Background(), Thread{ID: "T9", Messages: []string{"content"}})
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if rep.Chunks != 1 || rep.ExtractFailures != 1 {
		t.Errorf("report = %+v", rep)
	}
	if len(threadChunks(t, backend, "T9")) != 1 {
		t.Error("chunk missing after extractor failure")
	}
}

func TestIndexRequiresThreadID(t *testing.T) {
	index, _ := newKnowledgeIndex(t)
	ix := NewIndexer(index, index.Embedder(), nil, 0, nil)
	_, err := ix.Index(context.Background(), Thread{Messages: []string{"x"}})
	if !memory.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}
