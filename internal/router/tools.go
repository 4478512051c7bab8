package router

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ToolRequest is what a structured tool sees of a query.
type ToolRequest struct {
	Text     string            `json:"text"`
	Entities []string          `json:"entities,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// StructuredResult is one tool's answer. Content is the rendered form
// handed to the generation layer.
type StructuredResult struct {
	Tool      string `json:"tool"`
	Content   string `json:"content"`
	Rows      any    `json:"rows,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Tool is a typed query over a curated dataset. A nil result means the
// tool had nothing relevant.
type Tool interface {
	Name() string
	Description() string
	Query(ctx context.Context, req ToolRequest) (*StructuredResult, error)
}

// Registry holds all registered tools.
type Registry struct {
	tools  map[string]Tool
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{tools: make(map[string]Tool), logger: logger}
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name() < result[j].Name()
	})
	return result
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// RunAll queries every tool concurrently. A failing tool is logged and
// skipped; only context errors are returned.
func (r *Registry) RunAll(ctx context.Context, req ToolRequest) ([]StructuredResult, []string, error) {
	tools := r.List()
	results := make([]*StructuredResult, len(tools))
	failures := make([]string, len(tools))

	g, gctx := errgroup.WithContext(ctx)
	for i, t := range tools {
		g.Go(func() error {
			res, err := t.Query(gctx, req)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				r.logger.Warn("structured tool failed", zap.String("tool", t.Name()), zap.Error(err))
				failures[i] = fmt.Sprintf("%s: %v", t.Name(), err)
				return nil
			}
			if res != nil {
				if res.Tool == "" {
					res.Tool = t.Name()
				}
				results[i] = res
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var out []StructuredResult
	var failed []string
	for i := range tools {
		if results[i] != nil {
			out = append(out, *results[i])
		}
		if failures[i] != "" {
			failed = append(failed, failures[i])
		}
	}
	return out, failed, nil
}
