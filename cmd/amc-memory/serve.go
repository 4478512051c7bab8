package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/amc-memory/internal/api"
	"github.com/nidhogg/amc-memory/internal/gateway"
	"github.com/nidhogg/amc-memory/internal/memory"
	"github.com/nidhogg/amc-memory/internal/service"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, ingestion, embedding workers and the Discord feed",
		RunE:  runServe,
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("starting amc-memory",
		zap.String("database", cfg.Database.Driver),
		zap.String("vector", cfg.Vector.Backend),
		zap.String("embedding", cfg.Embedding.Provider))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, closeFn, err := service.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	defer closeFn()
	svc.Start(ctx)
	defer svc.Stop()

	// Gateway feeds into the ingest queue.
	gw := gateway.NewGateway(svc, logger.Named("gateway"))
	if cfg.Gateway.Discord.Enabled {
		feed := gateway.NewDiscordFeed(cfg.Gateway.Discord.BotToken, logger.Named("discord"))
		gw.Register(feed)
		if err := gw.ConnectAll(ctx); err != nil {
			logger.Warn("some gateway adapters failed to connect", zap.Error(err))
		} else if cfg.Gateway.Discord.ForumChannelID != "" {
			go syncForum(ctx, feed, cfg.Gateway.Discord.ForumChannelID, svc, logger)
		}
	}
	defer gw.Close()

	handler := api.NewHandler(svc, gw, memory.DecayConfig{
		CleanupDays:         cfg.Memory.CleanupDays,
		CleanupMinRelevance: cfg.Memory.CleanupMinRelevance,
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("amc-memory listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down amc-memory")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func syncForum(ctx context.Context, feed *gateway.DiscordFeed, forumID string, svc *service.KnowledgeService, logger *zap.Logger) {
	f := gateway.NewForumFetcher(feed.Session(), forumID, logger.Named("forum"))
	if _, err := f.Sync(ctx, svc); err != nil {
		logger.Warn("startup forum sync failed", zap.Error(err))
	}
}
