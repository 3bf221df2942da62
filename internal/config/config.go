package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/efebarandurmaz/mnemo/internal/logging"
	"github.com/efebarandurmaz/mnemo/internal/observability"
	"github.com/efebarandurmaz/mnemo/internal/secrets"
)

// Config holds all application configuration.
type Config struct {
	Memory    MemoryConfig                `mapstructure:"memory"`
	Embedding EmbeddingConfig             `mapstructure:"embedding"`
	Milvus    MilvusConfig                `mapstructure:"milvus"`
	Qdrant    QdrantConfig                `mapstructure:"qdrant"`
	SQLite    SQLiteConfig                `mapstructure:"sqlite"`
	Log       logging.Config              `mapstructure:"log"`
	Tracing   observability.TracingConfig `mapstructure:"tracing"`
	Server    ServerConfig                `mapstructure:"server"`
	Secrets   secrets.Config              `mapstructure:"secrets"`
}

// MemoryConfig selects the backends and sizes the caches.
type MemoryConfig struct {
	// Backend is the primary store: milvus, qdrant, sqlite or memory.
	Backend string `mapstructure:"backend"`
	// Fallback is used when the primary is unreachable: memory or sqlite.
	Fallback           string        `mapstructure:"fallback"`
	EmbeddingCacheSize int           `mapstructure:"embedding_cache_size"`
	SearchCacheShards  int           `mapstructure:"search_cache_shards"`
	DefaultLimit       int           `mapstructure:"default_limit"`
	OperationTimeout   time.Duration `mapstructure:"operation_timeout"`
}

type EmbeddingConfig struct {
	// Provider is hashing, http or onnx.
	Provider  string `mapstructure:"provider"`
	Model     string `mapstructure:"model"`
	Dimension int    `mapstructure:"dimension"`
	BaseURL   string `mapstructure:"base_url"`
	// APIKey may be a "secret:<key>" reference resolved through Secrets.
	APIKey        string `mapstructure:"api_key"`
	ModelPath     string `mapstructure:"model_path"`
	TokenizerPath string `mapstructure:"tokenizer_path"`
	LibraryPath   string `mapstructure:"library_path"`
	// RequestsPerMinute limits the http provider; 0 means unlimited.
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
}

type MilvusConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Collection         string `mapstructure:"collection"`
	HNSWM              int    `mapstructure:"hnsw_m"`
	HNSWEfConstruction int    `mapstructure:"hnsw_ef_construction"`
	SearchEf           int    `mapstructure:"search_ef"`
}

type QdrantConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Collection         string `mapstructure:"collection"`
	HNSWM              int    `mapstructure:"hnsw_m"`
	HNSWEfConstruction int    `mapstructure:"hnsw_ef_construction"`
	SearchEf           int    `mapstructure:"search_ef"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

var (
	backends  = []string{"milvus", "qdrant", "sqlite", "memory"}
	fallbacks = []string{"memory", "sqlite"}
	providers = []string{"hashing", "http", "onnx"}
)

// setDefaults registers the default of every key, so a missing config file
// still yields a usable Config and every key can be set from the environment.
func setDefaults(v *viper.Viper) {
	v.SetDefault("memory.backend", "milvus")
	v.SetDefault("memory.fallback", "memory")
	v.SetDefault("memory.embedding_cache_size", 128)
	v.SetDefault("memory.search_cache_shards", 16)
	v.SetDefault("memory.default_limit", 2)
	v.SetDefault("memory.operation_timeout", "10s")

	v.SetDefault("embedding.provider", "hashing")
	v.SetDefault("embedding.model", "all-MiniLM-L6-v2")
	v.SetDefault("embedding.dimension", 384)
	v.SetDefault("embedding.base_url", "")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.model_path", "")
	v.SetDefault("embedding.tokenizer_path", "")
	v.SetDefault("embedding.library_path", "")
	v.SetDefault("embedding.requests_per_minute", 0)
	v.SetDefault("embedding.burst", 1)

	v.SetDefault("milvus.host", "localhost")
	v.SetDefault("milvus.port", 19530)
	v.SetDefault("milvus.collection", "chat_memories")
	v.SetDefault("milvus.hnsw_m", 8)
	v.SetDefault("milvus.hnsw_ef_construction", 64)
	v.SetDefault("milvus.search_ef", 64)

	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.collection", "chat_memories")
	v.SetDefault("qdrant.hnsw_m", 8)
	v.SetDefault("qdrant.hnsw_ef_construction", 64)
	v.SetDefault("qdrant.search_ef", 64)

	v.SetDefault("sqlite.path", "mnemo.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	tc := observability.DefaultTracingConfig()
	v.SetDefault("tracing.service_name", tc.ServiceName)
	v.SetDefault("tracing.service_version", tc.ServiceVersion)
	v.SetDefault("tracing.environment", tc.Environment)
	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("tracing.sample_rate", tc.SampleRate)

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("secrets.file", "")
	v.SetDefault("secrets.env_prefix", "MNEMO_")
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate checks configuration for issues and returns warnings.
func (c *Config) Validate() []string {
	var warnings []string

	if !oneOf(c.Memory.Backend, backends) {
		warnings = append(warnings, fmt.Sprintf("memory backend '%s' is unknown, expected one of %s", c.Memory.Backend, strings.Join(backends, ", ")))
	}
	if !oneOf(c.Memory.Fallback, fallbacks) {
		warnings = append(warnings, fmt.Sprintf("memory fallback '%s' is unknown, expected one of %s", c.Memory.Fallback, strings.Join(fallbacks, ", ")))
	}
	if c.Memory.EmbeddingCacheSize < 0 {
		warnings = append(warnings, fmt.Sprintf("memory embedding_cache_size %d is negative", c.Memory.EmbeddingCacheSize))
	}
	if c.Memory.DefaultLimit < 0 {
		warnings = append(warnings, fmt.Sprintf("memory default_limit %d is negative", c.Memory.DefaultLimit))
	}

	if !oneOf(c.Embedding.Provider, providers) {
		warnings = append(warnings, fmt.Sprintf("embedding provider '%s' is unknown, expected one of %s", c.Embedding.Provider, strings.Join(providers, ", ")))
	}
	if c.Embedding.Dimension <= 0 {
		warnings = append(warnings, fmt.Sprintf("embedding dimension %d must be positive", c.Embedding.Dimension))
	}
	if c.Embedding.RequestsPerMinute < 0 {
		warnings = append(warnings, fmt.Sprintf("embedding requests_per_minute %d is negative", c.Embedding.RequestsPerMinute))
	}
	if c.Embedding.Provider == "onnx" && c.Embedding.ModelPath == "" {
		warnings = append(warnings, "embedding provider 'onnx' is configured but model_path is empty")
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		warnings = append(warnings, fmt.Sprintf("tracing sample_rate %.2f is outside [0.0, 1.0]", c.Tracing.SampleRate))
	}

	return warnings
}

func oneOf(s string, allowed []string) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

// Load reads configuration from file and environment. An empty path skips
// the file. Environment variables use the MNEMO_ prefix with dots replaced
// by underscores, e.g. MNEMO_MEMORY_BACKEND.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("MNEMO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if warnings := cfg.Validate(); len(warnings) > 0 {
		for _, warning := range warnings {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
		}
	}

	return &cfg, nil
}
