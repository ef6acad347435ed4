package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all tunables for the knowledge core. Everything the retrieval
// and ingestion policies depend on (thresholds, k, phrase lists, timeouts,
// retry counts) lives here rather than in constants.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Providers  ProviderConfig   `mapstructure:"providers"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // "postgres" or "memory"
	URL    string `mapstructure:"url"`
}

// StorageConfig selects where raw uploads are archived.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"` // "s3" or "memory"
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// ProviderConfig selects the embedding/completion providers.
type ProviderConfig struct {
	Backend          string `mapstructure:"backend"` // "gemini" or "ollama"
	GeminiAPIKey     string `mapstructure:"gemini_api_key"`
	EmbedModel       string `mapstructure:"embed_model"`
	GenModel         string `mapstructure:"gen_model"`
	OllamaURL        string `mapstructure:"ollama_url"`
	OllamaEmbedModel string `mapstructure:"ollama_embed_model"`
	OllamaGenModel   string `mapstructure:"ollama_gen_model"`
}

// ExtractionConfig tunes the structured-extraction service client.
// An empty DoclingURL disables the structured path entirely; extraction
// then starts at the legacy converters.
type ExtractionConfig struct {
	DoclingURL     string        `mapstructure:"docling_url"`
	DoclingTimeout time.Duration `mapstructure:"docling_timeout"`
	UseReadability bool          `mapstructure:"use_readability"`
}

// IngestConfig tunes the background ingestion pipeline.
type IngestConfig struct {
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	TargetTokens   int           `mapstructure:"target_tokens"`
	OverlapTokens  int           `mapstructure:"overlap_tokens"`
	BatchSize      int           `mapstructure:"batch_size"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	StageTimeout   time.Duration `mapstructure:"stage_timeout"`
	EmbedTopics    bool          `mapstructure:"embed_topics"`
}

// CacheConfig tunes the per-chatbot metadata cache.
type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// RetrievalConfig tunes the query-time decision policy.
type RetrievalConfig struct {
	TopK                 int           `mapstructure:"top_k"`
	HighThreshold        float64       `mapstructure:"high_threshold"`
	LowThreshold         float64       `mapstructure:"low_threshold"`
	TopWeight            float64       `mapstructure:"top_weight"`
	NextWeight           float64       `mapstructure:"next_weight"`
	SeparationWeight     float64       `mapstructure:"separation_weight"`
	LexicalWeight        float64       `mapstructure:"lexical_weight"`
	QueryTimeout         time.Duration `mapstructure:"query_timeout"`
	GenericPhrases       []string      `mapstructure:"generic_phrases"`
	SmallTalkWords       []string      `mapstructure:"small_talk_words"`
	FallbackMessage      string        `mapstructure:"fallback_message"`
	ClarificationMessage string        `mapstructure:"clarification_message"`
	ErrorMessage         string        `mapstructure:"error_message"`
}

// Load reads .env, an optional config file and KNOWCORE_* environment
// variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("KNOWCORE_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("KNOWCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvAliases(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvAliases honors the bare variable names deployments already export
// (DATABASE_URL, AWS creds, GEMINI_API_KEY) when the prefixed form is absent.
func applyEnvAliases(cfg *Config) {
	if cfg.Database.URL == "" {
		cfg.Database.URL = os.Getenv("DATABASE_URL")
	}
	if cfg.Storage.AccessKey == "" {
		cfg.Storage.AccessKey = os.Getenv("AWS_ACCESS_KEY")
	}
	if cfg.Storage.SecretKey == "" {
		cfg.Storage.SecretKey = os.Getenv("AWS_SECRET_KEY")
	}
	if r := os.Getenv("AWS_REGION"); r != "" && cfg.Storage.Region == "us-east-2" {
		cfg.Storage.Region = r
	}
	if b := os.Getenv("BUCKET_NAME"); b != "" && cfg.Storage.Bucket == "knowcore-docs" {
		cfg.Storage.Bucket = b
	}
	if cfg.Providers.GeminiAPIKey == "" {
		cfg.Providers.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	}
}

// Validate rejects configurations the runtime cannot operate under.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}

	switch c.Storage.Backend {
	case "s3":
		if c.Storage.AccessKey == "" || c.Storage.SecretKey == "" {
			return fmt.Errorf("storage credentials required for the s3 backend")
		}
		if c.Storage.Bucket == "" || c.Storage.Region == "" {
			return fmt.Errorf("storage.bucket and storage.region required for the s3 backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}

	switch c.Providers.Backend {
	case "gemini":
		if c.Providers.GeminiAPIKey == "" {
			return fmt.Errorf("providers.gemini_api_key required for the gemini backend")
		}
	case "ollama":
	default:
		return fmt.Errorf("unknown providers.backend %q", c.Providers.Backend)
	}

	if c.Ingest.Workers < 1 || c.Ingest.QueueSize < 1 {
		return fmt.Errorf("ingest.workers and ingest.queue_size must be positive")
	}
	if c.Ingest.TargetTokens < 1 || c.Ingest.OverlapTokens < 0 || c.Ingest.OverlapTokens >= c.Ingest.TargetTokens {
		return fmt.Errorf("ingest.overlap_tokens must be in [0, target_tokens)")
	}
	if c.Ingest.BatchSize < 1 || c.Ingest.MaxAttempts < 1 {
		return fmt.Errorf("ingest.batch_size and ingest.max_attempts must be positive")
	}

	r := c.Retrieval
	if r.TopK < 1 {
		return fmt.Errorf("retrieval.top_k must be positive")
	}
	if r.LowThreshold < 0 || r.HighThreshold > 1 || r.LowThreshold > r.HighThreshold {
		return fmt.Errorf("retrieval thresholds must satisfy 0 <= low <= high <= 1")
	}
	if r.TopWeight < 0 || r.NextWeight < 0 || r.SeparationWeight < 0 {
		return fmt.Errorf("retrieval confidence weights must be non-negative")
	}
	// Keeping the separation weight at or below the runner-up weight makes
	// confidence monotone when one result set dominates another pointwise.
	if r.SeparationWeight > r.NextWeight {
		return fmt.Errorf("retrieval.separation_weight must not exceed retrieval.next_weight")
	}
	if r.LexicalWeight < 0 || r.LexicalWeight > 1 {
		return fmt.Errorf("retrieval.lexical_weight must be in [0, 1]")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("server.max_upload_bytes", int64(52<<20))

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")

	v.SetDefault("storage.backend", "s3")
	v.SetDefault("storage.bucket", "knowcore-docs")
	v.SetDefault("storage.region", "us-east-2")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")

	v.SetDefault("providers.backend", "gemini")
	v.SetDefault("providers.gemini_api_key", "")
	v.SetDefault("providers.embed_model", "text-embedding-004")
	v.SetDefault("providers.gen_model", "gemini-1.5-flash")
	v.SetDefault("providers.ollama_url", "http://localhost:11434")
	v.SetDefault("providers.ollama_embed_model", "nomic-embed-text")
	v.SetDefault("providers.ollama_gen_model", "llama3.2")

	v.SetDefault("extraction.docling_url", "")
	v.SetDefault("extraction.docling_timeout", "30s")
	v.SetDefault("extraction.use_readability", false)

	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.queue_size", 64)
	v.SetDefault("ingest.target_tokens", 400)
	v.SetDefault("ingest.overlap_tokens", 50)
	v.SetDefault("ingest.batch_size", 32)
	v.SetDefault("ingest.max_attempts", 3)
	v.SetDefault("ingest.retry_base_delay", "500ms")
	v.SetDefault("ingest.stage_timeout", "2m")
	v.SetDefault("ingest.embed_topics", true)

	v.SetDefault("cache.ttl", "30m")

	v.SetDefault("retrieval.top_k", 5)
	v.SetDefault("retrieval.high_threshold", 0.62)
	v.SetDefault("retrieval.low_threshold", 0.35)
	v.SetDefault("retrieval.top_weight", 0.70)
	v.SetDefault("retrieval.next_weight", 0.20)
	v.SetDefault("retrieval.separation_weight", 0.10)
	v.SetDefault("retrieval.lexical_weight", 0.25)
	v.SetDefault("retrieval.query_timeout", "20s")
	v.SetDefault("retrieval.generic_phrases", []string{
		"hello", "hi", "hey", "hi there", "good morning", "good afternoon",
		"good evening", "how are you", "whats up", "thanks", "thank you",
		"ok", "okay", "bye", "goodbye", "see you", "test",
	})
	v.SetDefault("retrieval.small_talk_words", []string{
		"hello", "hi", "hey", "howdy", "yo", "thanks", "thank", "you",
		"please", "ok", "okay", "yes", "no", "bye", "goodbye", "morning",
		"afternoon", "evening", "good", "great", "nice", "cool", "how",
		"are", "doing", "whats", "up", "there", "test",
	})
	v.SetDefault("retrieval.fallback_message",
		"I don't have specific information about that yet, but I'm happy to help however I can.")
	v.SetDefault("retrieval.clarification_message",
		"I found a few possibly related topics but I'm not sure which one you mean. Could you rephrase or narrow down your question?")
	v.SetDefault("retrieval.error_message",
		"Sorry, I ran into a problem answering that. Please try again in a moment.")
}
