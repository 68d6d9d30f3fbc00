package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ntic-sm/istabot/pkg/cache"
	"github.com/ntic-sm/istabot/pkg/config"
	"github.com/ntic-sm/istabot/pkg/embedding"
	"github.com/ntic-sm/istabot/pkg/embedding/chain"
	"github.com/ntic-sm/istabot/pkg/engine"
	"github.com/ntic-sm/istabot/pkg/llm"
	"github.com/ntic-sm/istabot/pkg/llm/gemini"
	"github.com/ntic-sm/istabot/pkg/llm/oaichat"
	"github.com/ntic-sm/istabot/pkg/logging"
	"github.com/ntic-sm/istabot/pkg/memory"
	"github.com/ntic-sm/istabot/pkg/retriever"
	"github.com/ntic-sm/istabot/pkg/vectorstore"
	"github.com/ntic-sm/istabot/pkg/vectorstore/local"
	"github.com/ntic-sm/istabot/pkg/vectorstore/pinecone"
	"github.com/ntic-sm/istabot/pkg/vectorstore/qdrant"
)

// app is the assembled pipeline shared by the serving commands. Close
// releases every backend it opened, in reverse construction order.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	embedder    embedding.Provider
	store       vectorstore.Store
	collections []vectorstore.Collection
	retriever   *retriever.Retriever
	generator   *llm.Orchestrator
	memory      memory.Store
	responses   *cache.ResponseCache
	engine      *engine.Engine

	closers []io.Closer
}

// loadConfig reads the effective configuration from the global viper
// instance populated by the root command.
func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}

// buildApp assembles the full answering pipeline from configuration.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}

	if err := a.buildRetrieval(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildGenerator(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildMemory(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildResponseCache(ctx); err != nil {
		a.Close()
		return nil, err
	}

	counters := make([]engine.KnowledgeCounter, 0, len(a.collections))
	for _, coll := range a.collections {
		counters = append(counters, coll)
	}

	a.engine = engine.New(engine.Config{
		Retriever:   a.retriever,
		Generator:   a.generator,
		Memory:      a.memory,
		Responses:   a.responses,
		Collections: counters,
		NResults:    cfg.Retrieval.NResults,
		Logger:      logger,
	})

	return a, nil
}

// buildRetrieval latches an embedding provider, opens the store and the
// knowledge collections, and constructs the retriever. Collections that
// do not exist yet are created empty so a fresh deployment serves
// (degraded) answers before its first ingestion.
func (a *app) buildRetrieval(ctx context.Context) error {
	embedder := chain.New(ctx, chain.Config{
		Primary:       a.cfg.Embedding.Primary,
		HFAPIKey:      a.cfg.Embedding.HFAPIKey,
		OllamaBaseURL: a.cfg.Embedding.OllamaBaseURL,
		Logger:        a.logger,
	})
	a.embedder = embedding.NewCachedProvider(embedder, a.cfg.Embedding.CacheSize)

	store, err := openStore(ctx, a.cfg.Store)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, store)

	for _, name := range []string{vectorstore.WebsiteCollection, vectorstore.KnowledgeCollection} {
		coll, err := store.OpenOrCreate(ctx, name, a.embedder.Dimension(), a.embedder.Name())
		if err != nil {
			return fmt.Errorf("failed to open collection %s: %w", name, err)
		}
		a.collections = append(a.collections, coll)
	}

	a.retriever = retriever.New(a.embedder, a.collections, retriever.Config{
		NResults:    a.cfg.Retrieval.NResults,
		MaxPassages: a.cfg.Retrieval.MaxPassages,
		Logger:      a.logger,
	})
	return nil
}

// openStore opens the configured vector store backend.
func openStore(ctx context.Context, cfg config.StoreConfig) (vectorstore.Store, error) {
	switch cfg.Backend {
	case "", "local":
		store, err := local.NewStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open local store at %s: %w", cfg.Path, err)
		}
		return store, nil

	case "qdrant":
		store, err := qdrant.NewStore(ctx, qdrant.Config{Host: cfg.Host})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
		}
		return store, nil

	case "pinecone":
		store, err := pinecone.NewStore(ctx, pinecone.Config{
			APIKey:    viper.GetString("PINECONE_API_KEY"),
			IndexName: cfg.Index,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to pinecone: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.Backend)
	}
}

// buildGenerator wires the LLM failover chain: every provider with a
// configured key, in order groq, gemini, openai, with llm.provider
// pinning its choice to the front.
func (a *app) buildGenerator() error {
	llmCfg := a.cfg.LLM

	byName := map[string]llm.Provider{}
	order := []string{}

	if llmCfg.GroqAPIKey != "" {
		byName["groq"] = oaichat.NewClient(oaichat.Config{
			Name:        "groq",
			BaseURL:     oaichat.GroqBaseURL,
			APIKey:      llmCfg.GroqAPIKey,
			Model:       llmCfg.GroqModel,
			Temperature: llmCfg.Temperature,
			MaxTokens:   llmCfg.MaxTokens,
			Timeout:     llmCfg.Timeout,
		})
		order = append(order, "groq")
	}
	if llmCfg.GoogleAPIKey != "" {
		byName["gemini"] = gemini.NewClient(gemini.Config{
			APIKey:      llmCfg.GoogleAPIKey,
			Model:       llmCfg.GeminiModel,
			Temperature: llmCfg.Temperature,
			MaxTokens:   llmCfg.MaxTokens,
			Timeout:     llmCfg.Timeout,
		})
		order = append(order, "gemini")
	}
	if llmCfg.OpenAIAPIKey != "" {
		byName["openai"] = oaichat.NewClient(oaichat.Config{
			Name:        "openai",
			BaseURL:     oaichat.OpenAIBaseURL,
			APIKey:      llmCfg.OpenAIAPIKey,
			Model:       llmCfg.OpenAIModel,
			Temperature: llmCfg.Temperature,
			MaxTokens:   llmCfg.MaxTokens,
			Timeout:     llmCfg.Timeout,
		})
		order = append(order, "openai")
	}

	if len(order) == 0 {
		return fmt.Errorf("no LLM provider configured (set GROQ_API_KEY, GOOGLE_API_KEY or OPENAI_API_KEY)")
	}

	if pin := llmCfg.Provider; pin != "" {
		if _, ok := byName[pin]; !ok {
			return fmt.Errorf("llm.provider %q has no API key configured", pin)
		}
		reordered := []string{pin}
		for _, name := range order {
			if name != pin {
				reordered = append(reordered, name)
			}
		}
		order = reordered
	}

	providers := make([]llm.Provider, 0, len(order))
	for _, name := range order {
		providers = append(providers, byName[name])
	}

	a.generator = llm.NewOrchestrator(providers, a.logger)
	return nil
}

// buildMemory selects the conversation store: Postgres when a DSN is
// configured, in-process otherwise.
func (a *app) buildMemory(ctx context.Context) error {
	dsn := a.cfg.Conversation.DatabaseURL
	if dsn == "" {
		a.memory = memory.NewInMemoryStore()
		a.closers = append(a.closers, a.memory)
		return nil
	}

	store, err := memory.NewPostgresStore(ctx, dsn, a.logger)
	if err != nil {
		return fmt.Errorf("failed to open conversation database: %w", err)
	}
	a.memory = store
	a.closers = append(a.closers, store)
	return nil
}

// buildResponseCache selects the answer cache backend: Redis when
// enabled, in-process LRU otherwise.
func (a *app) buildResponseCache(ctx context.Context) error {
	var backing cache.Cache
	if a.cfg.Cache.Enabled {
		rc, err := cache.NewRedisCache(ctx, cache.RedisConfig{
			URL:        a.cfg.Cache.RedisURL,
			DefaultTTL: a.cfg.Cache.TTL,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		backing = rc
	} else {
		backing = cache.NewMemoryCache(cache.Config{DefaultTTL: a.cfg.Cache.TTL})
	}

	a.closers = append(a.closers, backing)
	a.responses = cache.NewResponseCache(backing)
	return nil
}

// Close releases every opened backend, most recent first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("failed to close backend", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
