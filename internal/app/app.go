package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nexabot/knowcore/internal/config"
	"github.com/nexabot/knowcore/internal/core"
	"github.com/nexabot/knowcore/internal/core/cache"
	db "github.com/nexabot/knowcore/internal/core/database"
	"github.com/nexabot/knowcore/internal/core/extraction"
	"github.com/nexabot/knowcore/internal/core/ingestion_engine"
	"github.com/nexabot/knowcore/internal/core/llm"
	objectclient "github.com/nexabot/knowcore/internal/core/object-client"
	"github.com/nexabot/knowcore/internal/core/retrieval"
	"github.com/nexabot/knowcore/internal/services"
)

// App owns every long-lived component and the order they come up in.
type App struct {
	Store    db.Store
	Objects  core.ObjectClient
	Ingestor ingestion_engine.Ingestor
	Cache    *cache.MetadataCache
	Service  *services.KnowledgeService
	Server   *Server

	workers int
	log     *zap.Logger
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	store, err := db.New(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	log.Info("database ready", zap.String("driver", cfg.Database.Driver))

	objects, err := objectclient.New(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("object storage: %w", err)
	}
	log.Info("object storage ready", zap.String("backend", cfg.Storage.Backend))

	embedder, generator, err := newProviders(ctx, cfg)
	if err != nil {
		return nil, err
	}

	metaCache := cache.New(store, cfg.Cache.TTL, log)

	ingCfg := &ingestion_engine.Config{
		QueueSize:      cfg.Ingest.QueueSize,
		TargetTokens:   cfg.Ingest.TargetTokens,
		OverlapTokens:  cfg.Ingest.OverlapTokens,
		BatchSize:      cfg.Ingest.BatchSize,
		MaxAttempts:    cfg.Ingest.MaxAttempts,
		RetryBaseDelay: cfg.Ingest.RetryBaseDelay,
		StageTimeout:   cfg.Ingest.StageTimeout,
		EmbedTopics:    cfg.Ingest.EmbedTopics,
		Bucket:         cfg.Storage.Bucket,
	}
	ingestor := ingestion_engine.NewDocumentIngestor(
		store, store, objects, embedder, newExtractor(ctx, cfg, log), metaCache, ingCfg, log)

	engine := retrieval.NewEngine(metaCache, store, embedder, generator, retrievalConfig(cfg), log)

	svc := services.NewKnowledgeService(
		store, store, objects, ingestor, metaCache, engine, cfg.Storage.Bucket, log)

	return &App{
		Store:    store,
		Objects:  objects,
		Ingestor: ingestor,
		Cache:    metaCache,
		Service:  svc,
		Server:   NewServer(cfg, svc, log),
		workers:  cfg.Ingest.Workers,
		log:      log,
	}, nil
}

// Run starts the ingest workers and blocks serving HTTP until ctx is
// cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	a.Ingestor.Start(ctx, a.workers)
	return a.Server.Run(ctx)
}

func (a *App) Close() {
	if err := a.Store.Close(); err != nil {
		a.log.Warn("closing database", zap.Error(err))
	}
}

// newProviders wires the embedding and generation backends from one switch
// so both always come from the same vendor.
func newProviders(ctx context.Context, cfg *config.Config) (core.EmbeddingProvider, core.LLMProvider, error) {
	switch cfg.Providers.Backend {
	case "gemini":
		embedder, err := llm.NewGeminiEmbedder(ctx, cfg.Providers.GeminiAPIKey, cfg.Providers.EmbedModel)
		if err != nil {
			return nil, nil, fmt.Errorf("gemini embedder: %w", err)
		}
		generator, err := llm.NewGeminiLLM(ctx, cfg.Providers.GeminiAPIKey, cfg.Providers.GenModel)
		if err != nil {
			return nil, nil, fmt.Errorf("gemini llm: %w", err)
		}
		return embedder, generator, nil

	case "ollama":
		return llm.NewOllamaEmbedder(cfg.Providers.OllamaURL, cfg.Providers.OllamaEmbedModel),
			llm.NewOllamaLLM(cfg.Providers.OllamaURL, cfg.Providers.OllamaGenModel), nil

	default:
		return nil, nil, fmt.Errorf("unknown provider backend %q", cfg.Providers.Backend)
	}
}

// newExtractor assembles the strategy chain. Docling, when configured, gets
// first shot at rich documents; docconv covers the office formats locally;
// plain text is the floor.
func newExtractor(ctx context.Context, cfg *config.Config, log *zap.Logger) *extraction.Extractor {
	var strategies []core.ExtractionStrategy
	if cfg.Extraction.DoclingURL != "" {
		docling := extraction.NewDoclingClient(cfg.Extraction.DoclingURL, cfg.Extraction.DoclingTimeout, log)
		if !docling.Healthy(ctx) {
			log.Warn("docling service unreachable, extraction will fall back to local converters",
				zap.String("url", cfg.Extraction.DoclingURL))
		}
		strategies = append(strategies, docling)
	}
	strategies = append(strategies,
		extraction.NewDocconvExtractor(cfg.Extraction.UseReadability),
		extraction.NewPlainTextExtractor(),
	)
	return extraction.NewExtractor(log, strategies...)
}

func retrievalConfig(cfg *config.Config) retrieval.Config {
	return retrieval.Config{
		TopK:                 cfg.Retrieval.TopK,
		HighThreshold:        cfg.Retrieval.HighThreshold,
		LowThreshold:         cfg.Retrieval.LowThreshold,
		TopWeight:            cfg.Retrieval.TopWeight,
		NextWeight:           cfg.Retrieval.NextWeight,
		SeparationWeight:     cfg.Retrieval.SeparationWeight,
		LexicalWeight:        cfg.Retrieval.LexicalWeight,
		QueryTimeout:         cfg.Retrieval.QueryTimeout,
		GenericPhrases:       cfg.Retrieval.GenericPhrases,
		SmallTalkWords:       cfg.Retrieval.SmallTalkWords,
		FallbackMessage:      cfg.Retrieval.FallbackMessage,
		ClarificationMessage: cfg.Retrieval.ClarificationMessage,
		ErrorMessage:         cfg.Retrieval.ErrorMessage,
	}
}
