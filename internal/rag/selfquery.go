package rag

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/amc-memory/internal/vectorstore"
)

// MetadataExtractor turns free text into structured fields.
type MetadataExtractor interface {
	Extract(ctx context.Context, text string) (map[string]string, error)
}

// KnowledgeFields are the knowledge chunk fields a query may filter on.
var KnowledgeFields = []string{"topic", "content_type", "thread_id", "thread_name"}

// fieldEntities carries named things for structured tools; it never filters.
const fieldEntities = "entities"

// QueryFilters is the outcome of self-query extraction.
type QueryFilters struct {
	Filter   vectorstore.Filter `json:"filter"`
	Entities []string           `json:"entities,omitempty"`
	Dropped  []string           `json:"dropped,omitempty"`
}

// SelfQuery builds conjunctive metadata filters from a query, keeping only
// fields in the index schema.
type SelfQuery struct {
	extractor MetadataExtractor
	known     map[string]bool
	logger    *zap.Logger
}

func NewSelfQuery(extractor MetadataExtractor, fields []string, logger *zap.Logger) *SelfQuery {
	if logger == nil {
		logger = zap.NewNop()
	}
	known := make(map[string]bool, len(fields))
	for _, f := range fields {
		known[f] = true
	}
	return &SelfQuery{extractor: extractor, known: known, logger: logger}
}

// ExtractQueryFilters never fails the query: an extractor error yields an
// empty filter, and unknown fields are dropped with a warning.
func (s *SelfQuery) ExtractQueryFilters(ctx context.Context, text string) QueryFilters {
	out := QueryFilters{Filter: vectorstore.Filter{}}
	if s == nil || s.extractor == nil {
		return out
	}
	fields, err := s.extractor.Extract(ctx, text)
	if err != nil {
		s.logger.Warn("self-query extraction failed, searching unfiltered", zap.Error(err))
		return out
	}

	for k, v := range fields {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if k == fieldEntities {
			out.Entities = SplitList(v)
			continue
		}
		if !s.known[k] {
			out.Dropped = append(out.Dropped, k)
			continue
		}
		out.Filter[k] = v
	}
	if len(out.Dropped) > 0 {
		sort.Strings(out.Dropped)
		s.logger.Warn("dropping unknown filter fields", zap.Strings("fields", out.Dropped))
	}
	return out
}

// SplitList splits a comma-joined metadata list.
func SplitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
