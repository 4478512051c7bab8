package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/amc-memory/internal/memory"
)

const submitTimeout = 5 * time.Second

// Sink accepts records from the feeds, usually the ingest queue.
type Sink interface {
	Submit(ctx context.Context, rec memory.NewRecord) error
}

// Gateway manages all feed adapters and forwards their messages to a sink.
type Gateway struct {
	adapters map[string]FeedAdapter
	sink     Sink
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewGateway creates a gateway manager.
func NewGateway(sink Sink, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		adapters: make(map[string]FeedAdapter),
		sink:     sink,
		logger:   logger,
	}
}

// Register adds an adapter and wires its message handler.
func (g *Gateway) Register(adapter FeedAdapter) {
	g.mu.Lock()
	defer g.mu.Unlock()

	platform := adapter.Platform()
	g.adapters[platform] = adapter
	adapter.OnMessage(g.forward)
	g.logger.Info("registered feed adapter", zap.String("platform", platform))
}

// forward submits one message, waiting briefly for queue space. Invalid
// messages such as attachment-only posts are dropped at debug level.
func (g *Gateway) forward(msg *InboundMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	err := g.sink.Submit(ctx, msg.Record())
	switch {
	case err == nil:
	case memory.IsValidation(err):
		g.logger.Debug("dropped invalid feed message",
			zap.String("platform", msg.Platform),
			zap.String("message_id", msg.MessageID),
			zap.Error(err))
	default:
		g.logger.Warn("submit feed message failed",
			zap.String("platform", msg.Platform),
			zap.String("message_id", msg.MessageID),
			zap.Error(err))
	}
}

// ConnectAll starts all registered adapters.
func (g *Gateway) ConnectAll(ctx context.Context) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for platform, adapter := range g.adapters {
		if err := adapter.Connect(ctx); err != nil {
			g.logger.Error("adapter connect failed",
				zap.String("platform", platform), zap.Error(err))
			return fmt.Errorf("connect %s: %w", platform, err)
		}
		g.logger.Info("adapter connected", zap.String("platform", platform))
	}
	return nil
}

// Close shuts down all adapters.
func (g *Gateway) Close() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for platform, adapter := range g.adapters {
		if err := adapter.Close(); err != nil {
			g.logger.Error("adapter close failed",
				zap.String("platform", platform), zap.Error(err))
		}
	}
	return nil
}

// Statuses returns every adapter's status sorted by platform.
func (g *Gateway) Statuses() []AdapterStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]AdapterStatus, 0, len(g.adapters))
	for _, a := range g.adapters {
		out = append(out, a.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}
