package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/amikos-tech/chroma-go/pkg/embeddings"
	"github.com/gamma-omg/pivot-rag/docstore"
	"github.com/gamma-omg/pivot-rag/inference"
	"github.com/gamma-omg/pivot-rag/readers"
	"go.opentelemetry.io/otel"
)

const sqliteTable = "chunks"

// app holds the wired components shared by every command.
type app struct {
	cfg       *Config
	log       *slog.Logger
	logCloser io.Closer
	shutdown  func(context.Context) error
	store     docstore.Store
	embedder  inference.Embedder
	reranker  inference.Reranker
	registry  *DocRegistry
	retriever *Retriever
	info      HealthInfo
}

func newLogger(cfg *Config) (*slog.Logger, io.Closer, error) {
	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.LogFile == "" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), io.NopCloser(os.Stderr), nil
	}

	logFile, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return slog.New(slog.NewJSONHandler(logFile, opts)), logFile, nil
}

// detectDimension embeds a fixed string to learn the output size of a local embedding function.
func detectDimension(ctx context.Context, ef embeddings.EmbeddingFunction) (int, error) {
	emb, err := ef.EmbedQuery(ctx, "dimension check")
	if err != nil {
		return 0, fmt.Errorf("failed to detect embedding dimension: %w", err)
	}

	return len(emb.ContentAsFloat32()), nil
}

// embeddingSetup returns the collection embedding function and the query/document embedder.
func embeddingSetup(ctx context.Context, log *slog.Logger, cfg *Config) (embeddings.EmbeddingFunction, inference.Embedder, error) {
	mc := cfg.Embedding
	if mc.Provider == inference.ProviderTEI {
		tei := inference.NewLazyEmbedder(func() (inference.Embedder, error) {
			return inference.NewTEIClient(log, teiConfig("embedding", mc)), nil
		})
		return nil, tei, nil
	}

	ef, err := inference.NewEmbeddingFunction(mc.Provider, mc.Model, mc.ApiKey)
	if err != nil {
		return nil, nil, err
	}

	if mc.Provider == inference.ProviderHash {
		dim, err := detectDimension(ctx, ef)
		if err != nil {
			return nil, nil, err
		}
		cfg.Store.Dimension = dim
	}

	return ef, inference.NewFuncEmbedder(ef, mc.BatchSize), nil
}

func rerankerSetup(log *slog.Logger, cfg *Config) inference.Reranker {
	mc := cfg.Reranker
	if mc.Provider == inference.ProviderNone {
		return inference.RankReranker{}
	}

	return inference.NewLazyReranker(func() (inference.Reranker, error) {
		return inference.NewTEIClient(log, teiConfig("reranker", mc)), nil
	})
}

func teiConfig(name string, mc ModelConfig) inference.TEIConfig {
	return inference.TEIConfig{
		Name:          name,
		URL:           mc.URL,
		Timeout:       time.Duration(mc.TimeoutSec) * time.Second,
		RatePerSecond: mc.RatePerSecond,
		Burst:         mc.Burst,
		BatchSize:     mc.BatchSize,
	}
}

func openStore(ctx context.Context, cfg *Config, ef embeddings.EmbeddingFunction, reset bool) (docstore.Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var (
		store docstore.Store
		err   error
	)
	switch cfg.Store.Backend {
	case StoreChroma:
		store, err = docstore.NewChromaStore(ctx, docstore.ChromaStoreConfig{
			BaseURL:       cfg.Store.ChromaAddr,
			Collection:    cfg.Store.Collection,
			EmbeddingFunc: ef,
			RequestSize:   cfg.Store.RequestSize,
			Schema:        cfg.Schema(),
			HNSWM:         cfg.Store.HNSW.M,
			HNSWBuildEf:   cfg.Store.HNSW.EfConstruction,
			HNSWSearchEf:  cfg.Store.HNSW.EfSearch,
			Reset:         reset,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Chroma doc store: %w", err)
		}
		return store, nil

	case StoreSQLite:
		store, err = docstore.NewSQLiteStore(ctx, docstore.SQLiteStoreConfig{
			Path:   cfg.Store.SQLitePath,
			Table:  sqliteTable,
			Schema: cfg.Schema(),
		})
	case StoreMemory:
		store = docstore.NewMemoryStore(cfg.Schema())
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize doc store: %w", err)
	}

	if reset {
		if r, ok := store.(docstore.Resetter); ok {
			if err := r.Reset(ctx); err != nil {
				store.Close()
				return nil, fmt.Errorf("failed to reset doc store: %w", err)
			}
		}
	}

	return store, nil
}

func newApp(ctx context.Context, cfgPath string, reset bool) (*app, error) {
	cfg, err := readConfig(cfgPath)
	if err != nil {
		return nil, err
	}

	logger, logCloser, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	ef, embedder, err := embeddingSetup(ctx, logger, cfg)
	if err != nil {
		logCloser.Close()
		return nil, err
	}

	store, err := openStore(ctx, cfg, ef, reset)
	if err != nil {
		logCloser.Close()
		return nil, err
	}

	shutdown, err := InitTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		store.Close()
		logCloser.Close()
		return nil, fmt.Errorf("failed to init telemetry: %w", err)
	}

	metrics, err := InitMetrics(otel.GetMeterProvider())
	if err != nil {
		shutdown(ctx)
		store.Close()
		logCloser.Close()
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}
	reranker := rerankerSetup(logger, cfg)

	registry := &DocRegistry{
		log:       logger,
		store:     store,
		schema:    cfg.Schema(),
		embedder:  embedder,
		extractor: readers.NewNormalizer(logger),
		chunkifier: &ParagraphChunkifier{
			ChunkSize: cfg.ChunkSize,
			Overlap:   cfg.ChunkOverlap,
		},
		placeholders: PlaceholderFilter{
			Markers: cfg.Placeholders.Markers,
			MaxLen:  cfg.Placeholders.MaxLen,
		},
		defaultCollection: cfg.DefaultCollection,
		workers:           cfg.Workers,
		mergeEventsDelay:  time.Duration(cfg.MergeEventsMs) * time.Millisecond,
		metrics:           metrics,
	}

	retriever := &Retriever{
		log:      logger,
		store:    store,
		embedder: embedder,
		reranker: reranker,
		metrics:  metrics,
	}

	rerankModel := cfg.Reranker.Model
	if cfg.Reranker.Provider == inference.ProviderNone {
		rerankModel = inference.ProviderNone
	}

	return &app{
		cfg:       cfg,
		log:       logger,
		logCloser: logCloser,
		shutdown:  shutdown,
		store:     store,
		embedder:  embedder,
		reranker:  reranker,
		registry:  registry,
		retriever: retriever,
		info: HealthInfo{
			EmbeddingModel: cfg.Embedding.Model,
			RerankerModel:  rerankModel,
			Collection:     cfg.Store.Collection,
			StoreBackend:   cfg.Store.Backend,
		},
	}, nil
}

func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return errors.Join(a.shutdown(ctx), a.store.Close(), a.logCloser.Close())
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
