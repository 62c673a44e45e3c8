package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/gamma-omg/pivot-rag/docstore"
	"github.com/gamma-omg/pivot-rag/inference"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	StoreChroma = "chroma"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

type StoreConfig struct {
	Backend     string `yaml:"backend"`
	ChromaAddr  string `yaml:"chroma_addr"`
	SQLitePath  string `yaml:"sqlite_path"`
	Collection  string `yaml:"collection"`
	RequestSize int    `yaml:"request_size"`
	Dimension   int    `yaml:"dimension"`
	HNSW        struct {
		M              int `yaml:"m"`
		EfConstruction int `yaml:"ef_construction"`
		EfSearch       int `yaml:"ef_search"`
	} `yaml:"hnsw"`
}

type ModelConfig struct {
	Provider      string  `yaml:"provider"`
	Model         string  `yaml:"model"`
	URL           string  `yaml:"url"`
	ApiKey        string  `yaml:"api_key"`
	BatchSize     int     `yaml:"batch_size"`
	TimeoutSec    int     `yaml:"timeout_sec"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

type Config struct {
	LogFile           string          `yaml:"log"`
	LogLevel          string          `yaml:"log_level"`
	DocRoot           string          `yaml:"doc_root"`
	Watch             bool            `yaml:"watch"`
	MergeEventsMs     int             `yaml:"write_debounce_ms"`
	ChunkSize         int             `yaml:"chunk_size"`
	ChunkOverlap      int             `yaml:"chunk_overlap"`
	TextMaxLen        int             `yaml:"text_max_len"`
	Workers           int             `yaml:"workers"`
	DefaultCollection string          `yaml:"default_logical_collection"`
	HTTPAddr          string          `yaml:"http_addr"`
	ServerAddr        string          `yaml:"server_addr"`
	SearchRate        float64         `yaml:"search_rate"`
	SearchBurst       int             `yaml:"search_burst"`
	Store             StoreConfig     `yaml:"store"`
	Embedding         ModelConfig     `yaml:"embedding"`
	Reranker          ModelConfig     `yaml:"reranker"`
	Telemetry         TelemetryConfig `yaml:"telemetry"`
	Placeholders      struct {
		Markers []string `yaml:"markers"`
		MaxLen  int      `yaml:"max_len"`
	} `yaml:"placeholder_filter"`
}

// readConfig layers the YAML file at cfgPath over the defaults, then applies environment
// overrides (.env included) and validates the result. A missing file means defaults only.
func readConfig(cfgPath string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("unable to load .env file: %w", err)
		}
	}

	cfg := defaultConfig()
	buf, err := os.ReadFile(cfgPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("unable to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("unable to open config file: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyEnv(cfg *Config) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"EMBEDDING_MODEL", &cfg.Embedding.Model},
		{"EMBEDDING_URL", &cfg.Embedding.URL},
		{"RERANKER_MODEL", &cfg.Reranker.Model},
		{"RERANKER_URL", &cfg.Reranker.URL},
		{"DEFAULT_LOGICAL_COLLECTION", &cfg.DefaultCollection},
		{"VECTOR_COLLECTION", &cfg.Store.Collection},
		{"CHROMA_URL", &cfg.Store.ChromaAddr},
		{"OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint},
	}
	for _, s := range strs {
		if v, ok := os.LookupEnv(s.key); ok && v != "" {
			*s.dst = v
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"CHUNK_SIZE", &cfg.ChunkSize},
		{"CHUNK_OVERLAP", &cfg.ChunkOverlap},
		{"TEXT_MAX_LEN", &cfg.TextMaxLen},
	}
	for _, i := range ints {
		v, ok := os.LookupEnv(i.key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", i.key, err)
		}
		*i.dst = n
	}

	if cfg.Embedding.ApiKey == "" {
		switch cfg.Embedding.Provider {
		case inference.ProviderOpenAI:
			cfg.Embedding.ApiKey = os.Getenv("OPENAI_API_KEY")
		case inference.ProviderGemini:
			cfg.Embedding.ApiKey = os.Getenv("GEMINI_API_KEY")
		}
	}

	return nil
}

func defaultConfig() *Config {
	schema := docstore.DefaultSchema()
	placeholders := DefaultPlaceholderFilter()

	cfg := &Config{
		LogLevel:          "info",
		DocRoot:           "docs",
		MergeEventsMs:     500,
		ChunkSize:         2048,
		ChunkOverlap:      200,
		TextMaxLen:        schema.TextMax,
		Workers:           4,
		DefaultCollection: "My_Project_History",
		HTTPAddr:          ":8000",
		SearchRate:        20,
		SearchBurst:       40,
		Store: StoreConfig{
			Backend:     StoreChroma,
			ChromaAddr:  "http://localhost:8001",
			SQLitePath:  "data/pivot.db",
			Collection:  "pivot_docs_v1",
			RequestSize: 1 << 20,
			Dimension:   schema.Dimension,
		},
		Embedding: ModelConfig{
			Provider:   inference.ProviderTEI,
			Model:      "BAAI/bge-large-en",
			URL:        "http://localhost:8080",
			BatchSize:  32,
			TimeoutSec: 60,
		},
		Reranker: ModelConfig{
			Provider:   inference.ProviderTEI,
			Model:      "BAAI/bge-reranker-v2-m3",
			URL:        "http://localhost:8081",
			TimeoutSec: 60,
		},
		Telemetry: TelemetryConfig{
			Insecure:          true,
			SampleRatio:       0.1,
			ExportIntervalSec: 30,
		},
	}
	cfg.Store.HNSW.M = 16
	cfg.Store.HNSW.EfConstruction = 200
	cfg.Store.HNSW.EfSearch = 128
	cfg.Placeholders.Markers = placeholders.Markers
	cfg.Placeholders.MaxLen = placeholders.MaxLen

	return cfg
}

func (cfg *Config) Validate() error {
	var errs []error

	if cfg.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk_size must be positive, got %d", cfg.ChunkSize))
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		errs = append(errs, fmt.Errorf("chunk_overlap must be in [0, chunk_size), got %d", cfg.ChunkOverlap))
	}
	if cfg.TextMaxLen <= 0 {
		errs = append(errs, fmt.Errorf("text_max_len must be positive, got %d", cfg.TextMaxLen))
	}
	if cfg.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", cfg.Workers))
	}
	if cfg.Store.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("store.dimension must be positive, got %d", cfg.Store.Dimension))
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio must be in [0, 1], got %g", cfg.Telemetry.SampleRatio))
	}
	if n := len([]rune(cfg.DefaultCollection)); n > docstore.DefaultSchema().CollectionMax {
		errs = append(errs, fmt.Errorf("default_logical_collection is %d characters long", n))
	}

	switch cfg.Store.Backend {
	case StoreChroma, StoreSQLite, StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", cfg.Store.Backend))
	}

	switch cfg.Embedding.Provider {
	case inference.ProviderTEI, inference.ProviderOpenAI, inference.ProviderGemini, inference.ProviderHash:
	default:
		errs = append(errs, fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider))
	}

	switch cfg.Reranker.Provider {
	case inference.ProviderTEI, inference.ProviderNone:
	default:
		errs = append(errs, fmt.Errorf("unknown reranker provider %q", cfg.Reranker.Provider))
	}

	if _, err := parseLogLevel(cfg.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (cfg *Config) Schema() docstore.Schema {
	s := docstore.DefaultSchema()
	s.Dimension = cfg.Store.Dimension
	s.TextMax = cfg.TextMaxLen
	return s
}

func parseLogLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return l, fmt.Errorf("invalid log_level %q", level)
	}

	return l, nil
}
