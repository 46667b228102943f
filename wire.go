package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tanpawarit/persona-router/agent/agents/orchestrator"
	"github.com/tanpawarit/persona-router/agent/agents/specialist"
	contractx "github.com/tanpawarit/persona-router/agent/contract"
	"github.com/tanpawarit/persona-router/agent/intent"
	"github.com/tanpawarit/persona-router/agent/knowledge"
	llmx "github.com/tanpawarit/persona-router/agent/llm"
	"github.com/tanpawarit/persona-router/agent/memory"
	"github.com/tanpawarit/persona-router/agent/persona"
	configx "github.com/tanpawarit/persona-router/pkg/config"
	"github.com/tanpawarit/persona-router/pkg/metrics"
	openrouterx "github.com/tanpawarit/persona-router/pkg/openrouter"
)

type RouterConfig struct {
	Classifier       string `envconfig:"CLASSIFIER" default:"llm"`
	MetricsNamespace string `split_words:"true" default:"persona_router"`
}

// app holds everything a running router owns. close releases it in reverse
// construction order.
type app struct {
	orchestrator *orchestrator.Orchestrator
	store        *memory.Store
	metrics      *metrics.Metrics
	closers      []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func buildApp(ctx context.Context) (_ *app, err error) {
	routerCfg := configx.MustNew[RouterConfig]("ROUTER")
	a := &app{metrics: metrics.New(routerCfg.MetricsNamespace)}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	resolver, err := buildResolver(ctx, a)
	if err != nil {
		return nil, err
	}

	a.store, err = buildMemory(ctx, a)
	if err != nil {
		return nil, err
	}

	llmCfg := configx.MustNew[llmx.Config]("OPENROUTER")
	kbCfg := configx.MustNew[knowledge.Config]("KB")
	retriever, err := buildRetriever(ctx, a, *kbCfg, *llmCfg)
	if err != nil {
		return nil, err
	}

	registry, err := specialist.NewRegistry(ctx, *llmCfg, retriever, kbCfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("build specialists: %w", err)
	}

	var classifier contractx.IntentClassifier
	switch strings.ToLower(strings.TrimSpace(routerCfg.Classifier)) {
	case "keyword":
		classifier = intent.NewKeywordClassifier()
	case "", "llm":
		classifier, err = specialist.NewLLMClassifier(ctx, *llmCfg)
		if err != nil {
			return nil, fmt.Errorf("build classifier: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown classifier %q", routerCfg.Classifier)
	}

	orchCfg := configx.MustNew[orchestrator.Config]("ORCH")
	a.orchestrator, err = orchestrator.New(resolver, a.store, classifier, registry, *orchCfg,
		orchestrator.WithLogger(componentLogger("orchestrator")),
		orchestrator.WithObserver(a.metrics),
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func buildResolver(ctx context.Context, a *app) (*persona.Resolver, error) {
	cfg := configx.MustNew[persona.Config]("PROVISIONING")

	var table persona.Table
	switch {
	case strings.TrimSpace(cfg.DatabaseURL) != "":
		bt, err := persona.NewBunTable(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = bt.Close() })
		if err := bt.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("provisioning schema: %w", err)
		}
		table = bt
	case strings.TrimSpace(cfg.File) != "":
		st, err := persona.LoadStaticTable(cfg.File)
		if err != nil {
			return nil, err
		}
		table = st
	default:
		log.Warn().Msg("no provisioning source configured, every identity falls back to guest")
		table = persona.NewStaticTable()
	}

	var opts []persona.ResolverOption
	if raw := strings.TrimSpace(cfg.DefaultPersona); raw != "" {
		p, ok := contractx.ParsePersona(raw)
		if !ok {
			return nil, fmt.Errorf("unknown default persona %q", raw)
		}
		opts = append(opts, persona.WithDefaultPersona(p))
	}
	return persona.NewResolver(table, opts...)
}

func buildMemory(ctx context.Context, a *app) (*memory.Store, error) {
	cfg := configx.MustNew[memory.Config]("MEMORY")

	var (
		backend memory.Backend
		err     error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "inmemory":
		backend = memory.NewInMemoryBackend(cfg.RetainTurns)
	case "postgres":
		backend, err = memory.NewPostgresBackend(ctx, cfg.DatabaseURL, cfg.RetainTurns)
	case "upstash":
		upstashCfg := configx.MustNew[memory.UpstashRedisConfig]("UPSTASH_REDIS")
		backend, err = memory.NewUpstashBackend(*upstashCfg,
			memory.WithRetainTurns(cfg.RetainTurns),
			memory.WithTTL(cfg.Retention),
		)
	default:
		err = fmt.Errorf("unknown memory backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	opts := []memory.StoreOption{memory.WithSessionBounds(cfg.MaxTurns, cfg.MaxAge)}
	if url := strings.TrimSpace(cfg.LockRedisURL); url != "" {
		locker, err := memory.NewRedisLockerFromURL(url, cfg.LockTTL)
		if err != nil {
			_ = backend.Close()
			return nil, fmt.Errorf("memory lock: %w", err)
		}
		a.closers = append(a.closers, func() { _ = locker.Close() })
		opts = append(opts, memory.WithLocker(locker))
	}

	store, err := memory.NewStore(backend, opts...)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = store.Close() })

	if purger, ok := backend.(memory.Purger); ok && cfg.Retention > 0 && cfg.JanitorInterval > 0 {
		janitor, err := memory.NewJanitor(purger, cfg.Retention, cfg.JanitorInterval, log.Logger,
			memory.OnPurge(func(n int64) { a.metrics.MemoryPurged.Add(float64(n)) }))
		if err != nil {
			return nil, err
		}
		janitor.Start()
		a.closers = append(a.closers, func() {
			if err := janitor.Stop(); err != nil {
				log.Warn().Err(err).Msg("stop memory janitor")
			}
		})
	}

	log.Info().Str("backend", cfg.Backend).Int("max_turns", cfg.MaxTurns).Msg("memory store ready")
	return store, nil
}

func buildRetriever(ctx context.Context, a *app, cfg knowledge.Config, llmCfg llmx.Config) (contractx.Retriever, error) {
	var embedder knowledge.Embedder
	if strings.EqualFold(strings.TrimSpace(cfg.Backend), knowledge.BackendPGVector) {
		client := openrouterx.NewClient(llmCfg.OpenRouterFor(llmx.RoleClassifier))
		if client == nil {
			return nil, errors.New("pgvector retrieval needs OPENROUTER_API_KEY for embeddings")
		}
		e, err := knowledge.NewOpenAIEmbedder(client, cfg.EmbeddingModel)
		if err != nil {
			return nil, err
		}
		embedder = e
	}

	r, closeFn, err := knowledge.Open(ctx, cfg, embedder)
	if err != nil {
		return nil, fmt.Errorf("open knowledge base: %w", err)
	}
	a.closers = append(a.closers, closeFn)

	log.Info().Str("backend", cfg.Backend).Dur("timeout", cfg.Timeout).Msg("knowledge retriever ready")
	return a.metrics.InstrumentRetriever(r), nil
}

// componentLogger scopes the global logger for one subsystem.
func componentLogger(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}
