package knowledge

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/amc-memory/internal/embedding"
	"github.com/nidhogg/amc-memory/internal/memory"
	"github.com/nidhogg/amc-memory/internal/rag"
	"github.com/nidhogg/amc-memory/internal/vectorstore"
)

// Thread is one snapshot of externally authored content.
type Thread struct {
	ID        string    `json:"thread_id"`
	Name      string    `json:"thread_name"`
	Timestamp time.Time `json:"timestamp"`
	Messages  []string  `json:"messages"`
}

// extractedFields are the chunk fields taken from the metadata extractor.
var extractedFields = []string{"topic", "content_type", "entities", "question_types"}

// Report describes one indexing run.
type Report struct {
	ThreadID        string `json:"thread_id"`
	Chunks          int    `json:"chunks"`
	ExtractFailures int    `json:"extract_failures"`
}

// ThreadIndex is where finished chunk sets are written.
type ThreadIndex interface {
	ReplaceThread(ctx context.Context, threadID string, docs []vectorstore.Document) error
}

// Indexer chunks, annotates, embeds and stores threads. Re-indexing a
// thread replaces its whole prior chunk set.
type Indexer struct {
	index     ThreadIndex
	embedder  embedding.Embedder
	extractor rag.MetadataExtractor
	chunkSize int
	logger    *zap.Logger
}

// NewIndexer builds an Indexer. extractor may be nil.
func NewIndexer(index ThreadIndex, embedder embedding.Embedder, extractor rag.MetadataExtractor, chunkSize int, logger *zap.Logger) *Indexer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{index: index, embedder: embedder, extractor: extractor, chunkSize: chunkSize, logger: logger}
}

// ChunkID is the stable key of a chunk.
func ChunkID(threadID string, seq int) string {
	return threadID + "#" + strconv.Itoa(seq)
}

// Index replaces every chunk of th.ID. If embedding fails nothing is
// written and the previous chunk set stays in place.
func (ix *Indexer) Index(ctx context.Context, th Thread) (Report, error) {
	th.ID = strings.TrimSpace(th.ID)
	if th.ID == "" {
		return Report{}, &memory.ValidationError{Field: "thread_id", Reason: "is required"}
	}
	if th.Name == "" {
		th.Name = th.ID
	}
	if th.Timestamp.IsZero() {
		th.Timestamp = time.Now().UTC()
	}

	rep := Report{ThreadID: th.ID}
	chunks := Chunk(th.Messages, ix.chunkSize)
	docs := make([]vectorstore.Document, 0, len(chunks))
	for seq, text := range chunks {
		meta := map[string]string{
			"thread_id":   th.ID,
			"thread_name": th.Name,
			"timestamp":   th.Timestamp.UTC().Format(time.RFC3339),
			"chunk_seq":   strconv.Itoa(seq),
		}
		if ix.extract(ctx, text, meta) != nil {
			rep.ExtractFailures++
		}

		vec, err := ix.embedder.Embed(ctx, text)
		if err != nil {
			return rep, fmt.Errorf("embed chunk %s: %w", ChunkID(th.ID, seq), err)
		}
		docs = append(docs, vectorstore.Document{
			ID:       ChunkID(th.ID, seq),
			Content:  text,
			Vector:   vec,
			Metadata: meta,
		})
	}

	if err := ix.index.ReplaceThread(ctx, th.ID, docs); err != nil {
		return rep, err
	}
	rep.Chunks = len(docs)
	ix.logger.Info("thread indexed",
		zap.String("thread", th.ID),
		zap.String("name", th.Name),
		zap.Int("chunks", rep.Chunks),
		zap.Int("extract_failures", rep.ExtractFailures))
	return rep, nil
}

// extract copies the recognized extractor fields into meta. A failure
// leaves the chunk indexed without them.
func (ix *Indexer) extract(ctx context.Context, text string, meta map[string]string) error {
	if ix.extractor == nil {
		return nil
	}
	fields, err := ix.extractor.Extract(ctx, text)
	if err != nil {
		ix.logger.Warn("chunk metadata extraction failed", zap.String("thread", meta["thread_id"]), zap.Error(err))
		return err
	}
	for _, k := range extractedFields {
		if v := strings.TrimSpace(fields[k]); v != "" {
			meta[k] = v
		}
	}
	return nil
}
