package embedding

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider     string `json:"provider"` // "api", "local" or "hash"
	Endpoint     string `json:"endpoint"`
	Model        string `json:"model"`
	APIKey       string `json:"api_key"`
	Dimension    int    `json:"dimension"`
	CacheEntries int    `json:"cache_entries"`
}

// New builds the configured embedder, wrapped in a query cache when
// CacheEntries is positive.
func New(cfg Config, logger *zap.Logger) (Embedder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var e Embedder
	switch cfg.Provider {
	case "api":
		e = NewAPIProvider(cfg)
	case "local":
		e = NewLocalProvider(cfg)
	case "hash", "":
		e = NewHashEmbedder(cfg.Dimension)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	logger.Info("embedder ready",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model),
		zap.Int("dimension", e.Dimension()))

	if cfg.CacheEntries > 0 {
		cached, err := NewCached(e, int64(cfg.CacheEntries))
		if err != nil {
			return nil, err
		}
		return cached, nil
	}
	return e, nil
}

// EmbedAll embeds texts in order and stops at the first failure.
func EmbedAll(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}
