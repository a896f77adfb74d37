package services

import (
	"context"
	"fmt"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/corpus"
	"github.com/fyrsmithlabs/corpusd/internal/embeddings"
	"github.com/fyrsmithlabs/corpusd/internal/events"
	"github.com/fyrsmithlabs/corpusd/internal/extraction"
	"github.com/fyrsmithlabs/corpusd/internal/graphstore"
	"github.com/fyrsmithlabs/corpusd/internal/ingest"
	"github.com/fyrsmithlabs/corpusd/internal/kvstore"
	"github.com/fyrsmithlabs/corpusd/internal/locks"
	"github.com/fyrsmithlabs/corpusd/internal/namespace"
	"github.com/fyrsmithlabs/corpusd/internal/orchestrator"
	"github.com/fyrsmithlabs/corpusd/internal/query"
	"github.com/fyrsmithlabs/corpusd/internal/reaper"
	"github.com/fyrsmithlabs/corpusd/internal/runner"
	"github.com/fyrsmithlabs/corpusd/internal/sourcestore"
	"github.com/fyrsmithlabs/corpusd/internal/telemetry"
	"github.com/fyrsmithlabs/corpusd/internal/vectorstore"
)

// Overrides replace components Open would otherwise build from config.
// Tests use them to avoid network dependencies.
type Overrides struct {
	Embedder  embeddings.Provider
	LLM       extraction.LLMClient
	Extractor extraction.Extractor
}

// Open wires every component from cfg. On failure everything opened so far
// is closed.
func Open(ctx context.Context, cfg *Config, logger *zap.Logger, ov Overrides) (_ Registry, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var closers []func() error
	defer func() {
		if err != nil {
			_ = closeAll(closers)
		}
	}()

	tel, err := telemetry.New(ctx, &cfg.Telemetry, logger.Named("telemetry"))
	if err != nil {
		return nil, err
	}
	closers = append(closers, func() error { return tel.Shutdown(context.Background()) })

	repo, err := corpus.OpenSQLite(cfg.Database.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	closers = append(closers, repo.Close)

	client, stopRedis, err := openRedis(ctx, cfg.Redis, logger)
	if err != nil {
		return nil, err
	}
	if stopRedis != nil {
		closers = append(closers, func() error { stopRedis(); return nil })
	}
	kv, err := kvstore.NewBackend(client, logger.Named("kvstore"))
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	closers = append(closers, kv.Close)

	vectors, err := vectorstore.NewBackend(cfg.VectorStore, logger.Named("vectorstore"))
	if err != nil {
		return nil, err
	}
	closers = append(closers, vectors.Close)

	resolver, err := namespace.NewResolver(cfg.VectorStore.CollectionPrefix)
	if err != nil {
		return nil, err
	}

	graph, err := graphstore.NewStore(ctx, cfg.Graph, logger.Named("graphstore"))
	if err != nil {
		return nil, fmt.Errorf("opening graph store: %w", err)
	}
	closers = append(closers, func() error { return graph.Close(context.Background()) })

	sources, err := sourcestore.New(ctx, cfg.Storage, logger.Named("sourcestore"))
	if err != nil {
		return nil, fmt.Errorf("opening source storage: %w", err)
	}

	embedder := ov.Embedder
	if embedder == nil {
		embedder, err = embeddings.NewProvider(cfg.Embeddings, logger.Named("embeddings"))
		if err != nil {
			return nil, fmt.Errorf("creating embedder: %w", err)
		}
		closers = append(closers, embedder.Close)
	}

	llm := ov.LLM
	if llm == nil && wantsLLM(cfg.Extraction) {
		llm, err = extraction.NewChatClient(cfg.Extraction.LLM, logger.Named("llm"))
		if err != nil {
			return nil, fmt.Errorf("creating LLM client: %w", err)
		}
	}
	extractor := ov.Extractor
	if extractor == nil {
		extractor, err = extraction.NewExtractor(cfg.Extraction, llm, logger.Named("extraction"))
		if err != nil {
			return nil, err
		}
	}

	graphRunner, err := runner.NewGraphRunner(runner.GraphDeps{
		Resolver:         resolver,
		KV:               kv,
		Vectors:          vectors,
		Embedder:         embedder,
		Graph:            graph,
		Extractor:        extractor,
		Sources:          sources,
		LLM:              llm,
		MaxBatchSize:     cfg.VectorStore.MaxBatchSize,
		EmbedConcurrency: cfg.VectorStore.EmbedConcurrency,
	}, logger.Named("runner"))
	if err != nil {
		return nil, err
	}
	runners := runner.NewRegistry()
	runners.Register(corpus.RunnerGraph, graphRunner)

	locker, err := newLocker(cfg.Locks, client, logger)
	if err != nil {
		return nil, err
	}

	publisher, err := events.Open(cfg.Events, logger.Named("events"))
	if err != nil {
		return nil, fmt.Errorf("opening events publisher: %w", err)
	}
	closers = append(closers, publisher.Close)

	orch, err := orchestrator.New(repo, runners, locker, sources, cfg.Orchestrator, logger.Named("orchestrator"),
		orchestrator.WithPublisher(publisher))
	if err != nil {
		return nil, err
	}
	// Runs first on Close: in-flight builds end before the stores close.
	closers = append(closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := orch.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for builds: %w", err)
		}
		return nil
	})

	ingestCfg := cfg.Ingest
	ingestCfg.Build = cfg.Build
	ingestSvc, err := ingest.NewService(repo, sources, ingestCfg, logger.Named("ingest"))
	if err != nil {
		return nil, err
	}
	querySvc, err := query.NewService(repo, runners, logger.Named("query"))
	if err != nil {
		return nil, err
	}
	rp, err := reaper.New(reaper.Deps{
		Repo:     repo,
		Resolver: resolver,
		KV:       kv,
		Vectors:  vectors,
		Graph:    graph,
		Sources:  sources,
		Locker:   locker,
		Events:   publisher,
	}, logger.Named("reaper"))
	if err != nil {
		return nil, err
	}

	logger.Info("services initialized",
		zap.String("vectorstore", string(cfg.VectorStore.Provider)),
		zap.String("graph", string(cfg.Graph.Provider)),
		zap.String("storage", string(cfg.Storage.Provider)),
		zap.String("locks", cfg.Locks.Provider),
		zap.String("events", cfg.Events.Provider),
		zap.Bool("redis_embedded", cfg.Redis.Embedded),
		zap.Bool("llm", llm != nil),
		zap.Bool("telemetry", tel.Enabled()))

	return NewRegistry(Options{
		Repository:   repo,
		Sources:      sources,
		Runners:      runners,
		Ingest:       ingestSvc,
		Orchestrator: orch,
		Query:        querySvc,
		Reaper:       rp,
		Closers:      closers,
	}), nil
}

// openRedis connects to the configured server, or starts an embedded one
// and returns its stop function.
func openRedis(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (redis.UniversalClient, func(), error) {
	if !cfg.Embedded {
		client, err := kvstore.NewClient(ctx, cfg.Config)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return client, nil, nil
	}

	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, fmt.Errorf("starting embedded redis: %w", err)
	}
	kvCfg := cfg.Config
	kvCfg.Addr = mr.Addr()
	kvCfg.Password = ""
	client, err := kvstore.NewClient(ctx, kvCfg)
	if err != nil {
		mr.Close()
		return nil, nil, fmt.Errorf("connecting to embedded redis: %w", err)
	}
	logger.Warn("using embedded redis, KV data is not persisted", zap.String("addr", mr.Addr()))
	return client, mr.Close, nil
}

// wantsLLM reports whether an LLM client is needed: for extraction, or for
// answers when one is configured.
func wantsLLM(cfg extraction.Config) bool {
	return cfg.Provider != "heuristic" || cfg.LLM.APIKey.IsSet() || cfg.LLM.BaseURL != ""
}

func newLocker(cfg LocksConfig, client redis.UniversalClient, logger *zap.Logger) (locks.Locker, error) {
	if cfg.Provider == LockProviderRedis {
		return locks.NewRedisLocker(client, cfg.Redis, logger.Named("locks"))
	}
	return locks.NewRegistry(), nil
}
