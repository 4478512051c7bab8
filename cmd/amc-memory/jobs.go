package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/bwmarrin/discordgo"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/amc-memory/internal/config"
	"github.com/nidhogg/amc-memory/internal/gateway"
	"github.com/nidhogg/amc-memory/internal/service"
)

func init() {
	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "sweep",
			Short: "Run one decay and cleanup tick",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withService(cmd.Context(), func(ctx context.Context, _ *config.Config, svc *service.KnowledgeService, _ *zap.Logger) error {
					rep, err := svc.Sweep(ctx)
					if err != nil {
						return err
					}
					return printJSON(rep)
				})
			},
		},
		&cobra.Command{
			Use:   "backfill",
			Short: "Reconcile the vector index and embed every pending record",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withService(cmd.Context(), func(ctx context.Context, _ *config.Config, svc *service.KnowledgeService, _ *zap.Logger) error {
					rep, err := svc.Backfill(ctx)
					if err != nil {
						return err
					}
					return printJSON(rep)
				})
			},
		},
		&cobra.Command{
			Use:   "requeue [id...]",
			Short: "Return permanently failed records to the embedding queue (all when no ids)",
			RunE: func(cmd *cobra.Command, args []string) error {
				ids := make([]int64, 0, len(args))
				for _, a := range args {
					id, err := strconv.ParseInt(a, 10, 64)
					if err != nil {
						return fmt.Errorf("parse id %q: %w", a, err)
					}
					ids = append(ids, id)
				}
				return withService(cmd.Context(), func(ctx context.Context, _ *config.Config, svc *service.KnowledgeService, _ *zap.Logger) error {
					n, err := svc.Requeue(ctx, ids...)
					if err != nil {
						return err
					}
					return printJSON(map[string]int{"requeued": n})
				})
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Show memory statistics",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withService(cmd.Context(), func(ctx context.Context, _ *config.Config, svc *service.KnowledgeService, _ *zap.Logger) error {
					st, err := svc.Stats(ctx)
					if err != nil {
						return err
					}
					return printJSON(st.Memory)
				})
			},
		},
		&cobra.Command{
			Use:   "index-forum",
			Short: "Re-index every thread of the configured Discord forum channel",
			RunE:  runIndexForum,
		},
	)
}

func runIndexForum(cmd *cobra.Command, _ []string) error {
	return withService(cmd.Context(), func(ctx context.Context, cfg *config.Config, svc *service.KnowledgeService, logger *zap.Logger) error {
		dc := cfg.Gateway.Discord
		if dc.BotToken == "" || dc.ForumChannelID == "" {
			return fmt.Errorf("gateway.discord.bot_token and forum_channel_id are required")
		}
		// REST calls only, no gateway websocket.
		session, err := discordgo.New("Bot " + dc.BotToken)
		if err != nil {
			return fmt.Errorf("discord session: %w", err)
		}
		f := gateway.NewForumFetcher(session, dc.ForumChannelID, logger.Named("forum"))
		rep, err := f.Sync(ctx, svc)
		if err != nil {
			return err
		}
		return printJSON(rep)
	})
}
