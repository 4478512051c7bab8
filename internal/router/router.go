// Package router classifies queries by intent and assembles the context
// bundle from narrative retrieval, structured tools, or both.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/amc-memory/internal/memory"
	"github.com/nidhogg/amc-memory/internal/rag"
)

// Decision is the routing outcome for one query. It is never persisted.
type Decision string

const (
	DecisionRAG        Decision = "rag"
	DecisionStructured Decision = "structured"
	DecisionHybrid     Decision = "hybrid"
)

// ParseDecision maps a classifier label to a Decision.
func ParseDecision(label string) (Decision, bool) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(label))); d {
	case DecisionRAG, DecisionStructured, DecisionHybrid:
		return d, true
	}
	return "", false
}

// IntentClassifier labels a query as rag, structured or hybrid.
type IntentClassifier interface {
	Classify(ctx context.Context, text string) (string, error)
}

// Chunk kinds, in rank order for equal distance.
const (
	KindRecent    = "recent"
	KindMemory    = "memory"
	KindKnowledge = "knowledge"
)

// Chunk is one narrative context item.
type Chunk struct {
	Kind     string            `json:"kind"`
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Distance float64           `json:"distance"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Tokens   int               `json:"tokens"`
}

// Bundle is the merged context returned by Route.
type Bundle struct {
	Decision   Decision           `json:"decision"`
	RAG        []Chunk            `json:"rag"`
	Structured []StructuredResult `json:"structured"`
	Dropped    int                `json:"dropped"`
	Tokens     int                `json:"tokens"`
	Failures   []string           `json:"failures,omitempty"`
}

// Query is one routing request. PlayerID is optional; without it only
// knowledge chunks make up the narrative side.
type Query struct {
	Text     string        `json:"text"`
	PlayerID string        `json:"player_id,omitempty"`
	Timeout  time.Duration `json:"-"`
}

// Config controls merging.
type Config struct {
	BudgetTokens     int           `json:"budget_tokens"`
	KnowledgeResults int           `json:"knowledge_results"`
	MaxDistance      float64       `json:"max_distance"`
	Timeout          time.Duration `json:"timeout"`
}

// QueryRouter dispatches queries by intent.
type QueryRouter struct {
	classifier IntentClassifier
	retriever  *rag.Retriever
	index      *rag.VectorIndex
	selfQuery  *rag.SelfQuery
	tools      *Registry
	cfg        Config
	logger     *zap.Logger
}

// New creates a QueryRouter. classifier and selfQuery may be nil.
func New(classifier IntentClassifier, retriever *rag.Retriever, index *rag.VectorIndex,
	selfQuery *rag.SelfQuery, tools *Registry, cfg Config, logger *zap.Logger) *QueryRouter {
	if cfg.BudgetTokens <= 0 {
		cfg.BudgetTokens = 2000
	}
	if cfg.KnowledgeResults <= 0 {
		cfg.KnowledgeResults = rag.DefaultNResults
	}
	if cfg.MaxDistance <= 0 {
		cfg.MaxDistance = rag.DefaultMaxDistance
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = rag.DefaultTimeout
	}
	if tools == nil {
		tools = NewRegistry(logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryRouter{
		classifier: classifier,
		retriever:  retriever,
		index:      index,
		selfQuery:  selfQuery,
		tools:      tools,
		cfg:        cfg,
		logger:     logger,
	}
}

// Classify asks the classifier for a label. Any failure or unknown label
// falls back to hybrid so no context is silently dropped.
func (r *QueryRouter) Classify(ctx context.Context, text string) Decision {
	if r.classifier == nil {
		return DecisionHybrid
	}
	label, err := r.classifier.Classify(ctx, text)
	if err != nil {
		r.logger.Warn("intent classifier failed, using hybrid", zap.Error(err))
		return DecisionHybrid
	}
	d, ok := ParseDecision(label)
	if !ok {
		r.logger.Warn("unrecognized intent label, using hybrid", zap.String("label", label))
		return DecisionHybrid
	}
	return d
}

// Route classifies the query and assembles its context bundle under the
// token budget. On timeout it fails with memory.ErrRetrievalTimeout.
func (r *QueryRouter) Route(ctx context.Context, q Query) (*Bundle, error) {
	timeout := q.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	return rag.RunWithTimeout(ctx, timeout, func(ctx context.Context) (*Bundle, error) {
		return r.route(ctx, q)
	})
}

func (r *QueryRouter) route(ctx context.Context, q Query) (*Bundle, error) {
	decision := r.Classify(ctx, q.Text)
	filters := r.selfQuery.ExtractQueryFilters(ctx, q.Text)
	b := &Bundle{Decision: decision, RAG: []Chunk{}, Structured: []StructuredResult{}}

	wantRAG := decision == DecisionRAG || decision == DecisionHybrid
	wantTools := decision == DecisionStructured || decision == DecisionHybrid

	var (
		chunks     []Chunk
		structured []StructuredResult
		toolFails  []string
		ragErr     error
		toolErr    error
	)
	g, gctx := errgroup.WithContext(ctx)
	if wantRAG {
		g.Go(func() error {
			chunks, ragErr = r.narrative(gctx, q, filters)
			return contextErr(gctx, ragErr)
		})
	}
	if wantTools {
		g.Go(func() error {
			structured, toolFails, toolErr = r.tools.RunAll(gctx, ToolRequest{
				Text:     q.Text,
				Entities: filters.Entities,
				Fields:   filters.Filter,
			})
			return contextErr(gctx, toolErr)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// a failing side is isolated in hybrid mode; single mode surfaces it
	switch {
	case ragErr != nil && (decision == DecisionRAG || toolErr != nil):
		return nil, errors.Join(ragErr, toolErr)
	case toolErr != nil && decision == DecisionStructured:
		return nil, toolErr
	}
	if ragErr != nil {
		r.logger.Warn("narrative retrieval failed, returning structured only", zap.Error(ragErr))
		b.Failures = append(b.Failures, "rag: "+ragErr.Error())
	}
	if toolErr != nil {
		r.logger.Warn("structured tools failed, returning narrative only", zap.Error(toolErr))
		b.Failures = append(b.Failures, "structured: "+toolErr.Error())
	}
	b.Failures = append(b.Failures, toolFails...)

	b.RAG, b.Dropped = fitBudget(chunks, structured, r.cfg.BudgetTokens)
	b.Structured = append(b.Structured, structured...)
	b.Tokens = bundleTokens(b.RAG, b.Structured)

	r.logger.Debug("query routed",
		zap.String("decision", string(decision)),
		zap.Int("rag", len(b.RAG)),
		zap.Int("structured", len(b.Structured)),
		zap.Int("dropped", b.Dropped),
		zap.Int("tokens", b.Tokens))
	return b, nil
}

// contextErr passes through only cancellation and timeout errors, so a
// plain failure on one side does not cancel the other.
func contextErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, memory.ErrRetrievalTimeout) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return err
	}
	return nil
}

// narrative gathers player memories and knowledge chunks, ranked.
func (r *QueryRouter) narrative(ctx context.Context, q Query, filters rag.QueryFilters) ([]Chunk, error) {
	var chunks []Chunk
	if q.PlayerID != "" && r.retriever != nil {
		mc, err := r.retriever.Retrieve(ctx, rag.Request{PlayerID: q.PlayerID, Query: q.Text})
		if err != nil {
			return nil, fmt.Errorf("retrieve memories: %w", err)
		}
		for _, rec := range mc.Recent {
			chunks = append(chunks, Chunk{
				Kind:    KindRecent,
				ID:      fmt.Sprintf("memory:%d", rec.ID),
				Content: formatMemory(rec.PlayerName, rec.Message, rec.IsBotResponse),
			})
		}
		for _, h := range mc.Semantic {
			chunks = append(chunks, Chunk{
				Kind:     KindMemory,
				ID:       fmt.Sprintf("memory:%d", h.Record.ID),
				Content:  formatMemory(h.Record.PlayerName, h.Record.Message, h.Record.IsBotResponse),
				Distance: h.Distance,
			})
		}
	}

	if r.index != nil && q.Text != "" {
		hits, err := r.index.SearchKnowledge(ctx, q.Text, r.cfg.KnowledgeResults, r.cfg.MaxDistance, filters.Filter)
		if err != nil {
			return nil, fmt.Errorf("search knowledge: %w", err)
		}
		for _, h := range hits {
			chunks = append(chunks, Chunk{
				Kind:     KindKnowledge,
				ID:       "knowledge:" + h.ID,
				Content:  h.Content,
				Distance: h.Distance,
				Metadata: h.Metadata,
			})
		}
	}

	for i := range chunks {
		chunks[i].Tokens = estimateTokens(chunks[i].Content)
	}
	// recent messages sit at distance 0 and keep their recency order
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Distance < chunks[j].Distance })
	return chunks, nil
}

func formatMemory(name, msg string, bot bool) string {
	if bot {
		return "[bot] " + msg
	}
	return name + ": " + msg
}

// fitBudget keeps the best-ranked chunks that fit next to the structured
// results. Structured results are never dropped.
func fitBudget(chunks []Chunk, structured []StructuredResult, budget int) ([]Chunk, int) {
	used := 0
	for _, s := range structured {
		used += estimateTokens(s.Content)
	}
	kept := make([]Chunk, 0, len(chunks))
	for i, c := range chunks {
		if used+c.Tokens > budget {
			return kept, len(chunks) - i
		}
		used += c.Tokens
		kept = append(kept, c)
	}
	return kept, 0
}

func bundleTokens(chunks []Chunk, structured []StructuredResult) int {
	n := 0
	for _, c := range chunks {
		n += c.Tokens
	}
	for _, s := range structured {
		n += estimateTokens(s.Content)
	}
	return n
}

// estimateTokens gives a rough token count (~4 chars per token).
func estimateTokens(s string) int {
	n := len(s) / 4
	if n == 0 && len(s) > 0 {
		n = 1
	}
	return n
}

// FormatBundle renders a bundle into a prompt-friendly string, narrative
// context first, then structured results.
func FormatBundle(b *Bundle) string {
	if b == nil || (len(b.RAG) == 0 && len(b.Structured) == 0) {
		return ""
	}
	var sb strings.Builder
	if len(b.RAG) > 0 {
		sb.WriteString("## Retrieved Context\n\n")
		for i, c := range b.RAG {
			fmt.Fprintf(&sb, "%d. [%s] (distance: %.2f)\n%s\n\n", i+1, c.ID, c.Distance, c.Content)
		}
	}
	if len(b.Structured) > 0 {
		sb.WriteString("## Structured Data\n\n")
		for _, s := range b.Structured {
			fmt.Fprintf(&sb, "### %s\n%s\n\n", s.Tool, s.Content)
		}
	}
	return sb.String()
}
