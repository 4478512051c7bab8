package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/amc-memory/internal/config"
	"github.com/nidhogg/amc-memory/internal/embedding"
	"github.com/nidhogg/amc-memory/internal/gamedata"
	"github.com/nidhogg/amc-memory/internal/ingest"
	"github.com/nidhogg/amc-memory/internal/knowledge"
	"github.com/nidhogg/amc-memory/internal/llm"
	"github.com/nidhogg/amc-memory/internal/lock"
	"github.com/nidhogg/amc-memory/internal/memory"
	"github.com/nidhogg/amc-memory/internal/rag"
	"github.com/nidhogg/amc-memory/internal/router"
	"github.com/nidhogg/amc-memory/internal/store"
	"github.com/nidhogg/amc-memory/internal/vectorstore"
)

// Build assembles a KnowledgeService from cfg. The returned close func
// releases every opened resource and must be called after Stop.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*KnowledgeService, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*KnowledgeService, func(), error) {
		closeAll()
		return nil, nil, err
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func() { st.Close() })

	backend, err := openBackend(cfg, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func() { backend.Close() })

	emb, err := embedding.New(cfg.Embedding, logger.Named("embedding"))
	if err != nil {
		return fail(fmt.Errorf("build embedder: %w", err))
	}
	if c, ok := emb.(*embedding.CachedEmbedder); ok {
		closers = append(closers, c.Close)
	}

	index := rag.NewVectorIndex(emb, backend, st, logger.Named("index"))
	if err := index.InitCollections(ctx); err != nil {
		return fail(fmt.Errorf("init collections: %w", err))
	}

	var (
		classifier router.IntentClassifier
		extractor  rag.MetadataExtractor
	)
	if cfg.LLM.Model != "" {
		client := llm.NewClient(cfg.LLM, logger.Named("llm"))
		classifier = llm.NewClassifier(client)
		extractor = llm.NewExtractor(client, nil)
	} else {
		logger.Warn("no llm model configured, routing every query as hybrid")
	}

	tools := router.NewRegistry(logger.Named("tools"))
	var game *gamedata.DB
	if cfg.GameData.Path != "" {
		game, err = gamedata.Open(ctx, cfg.GameData.Path, logger.Named("gamedata"))
		if err != nil {
			logger.Warn("game database unavailable, structured tools disabled", zap.Error(err))
			game = nil
		} else {
			closers = append(closers, func() { game.Close() })
			for _, t := range gamedata.Tools(game) {
				tools.Register(t)
			}
		}
	}

	retriever := rag.NewRetriever(st, index, rag.RetrieverConfig{
		RecentLimit: cfg.Retrieval.RecentLimit,
		NResults:    cfg.Retrieval.NResults,
		MaxDistance: cfg.Retrieval.MaxDistance,
		Timeout:     cfg.Retrieval.Timeout.Duration,
	}, logger.Named("retriever"))

	qr := router.New(classifier, retriever, index,
		rag.NewSelfQuery(extractor, rag.KnowledgeFields, logger.Named("selfquery")),
		tools, router.Config{
			BudgetTokens:     cfg.Router.BudgetTokens,
			KnowledgeResults: cfg.Router.KnowledgeResults,
			MaxDistance:      cfg.Retrieval.MaxDistance,
			Timeout:          cfg.Retrieval.Timeout.Duration,
		}, logger.Named("router"))

	sweepOpts := []memory.SweeperOption{memory.WithDeleteHook(index.DeleteMemories)}
	if cfg.Database.Redis.URL != "" {
		rl, err := lock.NewRedisLock(ctx, cfg.Database.Redis.URL, cfg.Database.Redis.LockKey,
			cfg.Database.Redis.LockTTL.Duration, logger.Named("lock"))
		if err != nil {
			return fail(fmt.Errorf("connect sweep lock: %w", err))
		}
		closers = append(closers, func() { rl.Close() })
		sweepOpts = append(sweepOpts, memory.WithSweepLock(rl))
	}
	sweeper := memory.NewSweeper(st, memory.DecayConfig{
		Rate:                  cfg.Memory.DecayRate,
		CleanupDays:           cfg.Memory.CleanupDays,
		CleanupMinRelevance:   cfg.Memory.CleanupMinRelevance,
		LowRelevanceThreshold: cfg.Memory.LowRelevanceThreshold,
	}, logger.Named("sweeper"), sweepOpts...)

	worker := rag.NewEmbedWorker(st, index, rag.WorkerConfig{
		Workers:     cfg.Indexing.Workers,
		QueueSize:   cfg.Indexing.QueueSize,
		MaxAttempts: cfg.Indexing.MaxAttempts,
		BatchSize:   cfg.Indexing.BatchSize,
	}, logger.Named("embed"))

	svc := New(Deps{
		Store:         st,
		Index:         index,
		Retriever:     retriever,
		Router:        qr,
		Sweeper:       sweeper,
		Worker:        worker,
		Indexer:       knowledge.NewIndexer(index, emb, extractor, cfg.Knowledge.ChunkSize, logger.Named("knowledge")),
		Ingest:        ingest.New(st, worker, cfg.Ingest.QueueSize, logger.Named("ingest")),
		GameData:      game,
		SweepInterval: cfg.Memory.SweepInterval.Duration,
		MaxDistance:   cfg.Retrieval.MaxDistance,
		Timeout:       cfg.Retrieval.Timeout.Duration,
	}, logger)
	return svc, closeAll, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (memory.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		s, err := store.NewPostgres(ctx, cfg.Database.Postgres.DSN, logger.Named("store"))
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	default:
		s, err := store.NewSQLite(ctx, cfg.Database.SQLitePath, logger.Named("store"))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	}
}

func openBackend(cfg *config.Config, logger *zap.Logger) (vectorstore.Backend, error) {
	switch cfg.Vector.Backend {
	case "qdrant":
		b, err := vectorstore.NewQdrant(cfg.Vector.Qdrant, logger.Named("qdrant"))
		if err != nil {
			return nil, fmt.Errorf("connect qdrant: %w", err)
		}
		return b, nil
	default:
		b, err := vectorstore.NewChromem(cfg.Vector.Path, cfg.Vector.Compress, logger.Named("chromem"))
		if err != nil {
			return nil, fmt.Errorf("open chromem: %w", err)
		}
		return b, nil
	}
}
