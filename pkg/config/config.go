// Package config provides configuration file support for istabot.
// It handles loading, validation, and environment variable interpolation
// for istabot.yaml configuration files, and binds the runtime environment
// keys the deployment contract names (CHROMA_PATH, GROQ_API_KEY, ...).
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the full istabot configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Store        StoreConfig        `mapstructure:"store"`
	Embedding    EmbeddingConfig    `mapstructure:"embedding"`
	Retrieval    RetrievalConfig    `mapstructure:"retrieval"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StoreConfig holds vector store settings. Path roots the local backend;
// Host and Index serve the qdrant and pinecone backends.
type StoreConfig struct {
	Backend   string `mapstructure:"backend"`
	Path      string `mapstructure:"path"`
	Host      string `mapstructure:"host"`
	Index     string `mapstructure:"index"`
	Namespace string `mapstructure:"namespace"`
}

// EmbeddingConfig holds embedding provider settings. Primary names the
// preferred provider; the chain still falls through on probe failure.
type EmbeddingConfig struct {
	Primary       string `mapstructure:"primary"`
	HFAPIKey      string `mapstructure:"hf_api_key"`
	OllamaBaseURL string `mapstructure:"ollama_base_url"`
	CacheSize     int    `mapstructure:"cache_size"`
}

// RetrievalConfig holds retriever settings.
type RetrievalConfig struct {
	NResults    int `mapstructure:"n_results"`
	MaxPassages int `mapstructure:"max_passages"`
}

// LLMConfig holds generation settings and per-provider credentials.
// Provider pins the first provider to try; an empty value keeps the
// default order (groq, gemini, openai) filtered by key presence.
type LLMConfig struct {
	Provider     string        `mapstructure:"provider"`
	GroqAPIKey   string        `mapstructure:"groq_api_key"`
	GroqModel    string        `mapstructure:"groq_model"`
	GoogleAPIKey string        `mapstructure:"google_api_key"`
	GeminiModel  string        `mapstructure:"gemini_model"`
	OpenAIAPIKey string        `mapstructure:"openai_api_key"`
	OpenAIModel  string        `mapstructure:"openai_model"`
	Temperature  float64       `mapstructure:"temperature"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// ConversationConfig holds conversation memory settings. An empty
// DatabaseURL selects the in-memory store.
type ConversationConfig struct {
	DatabaseURL string `mapstructure:"database_url"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Tracing TracingConfig `mapstructure:"tracing"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Exporter   string  `mapstructure:"exporter"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
	Insecure   bool    `mapstructure:"insecure"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			Host:        "0.0.0.0",
			ReadTimeout: 30 * time.Second,
			// SSE streams outlive any fixed write deadline.
			WriteTimeout: 0,
		},
		Store: StoreConfig{
			Backend: "local",
			Path:    "./chroma_db",
		},
		Embedding: EmbeddingConfig{
			Primary:       "local",
			OllamaBaseURL: "http://localhost:11434",
			CacheSize:     1000,
		},
		Retrieval: RetrievalConfig{
			NResults:    4,
			MaxPassages: 1,
		},
		LLM: LLMConfig{
			GroqModel:   "llama-3.1-8b-instant",
			GeminiModel: "gemini-1.5-flash",
			OpenAIModel: "gpt-3.5-turbo",
			Temperature: 0.3,
			MaxTokens:   1024,
			Timeout:     30 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:  false,
			RedisURL: "redis://localhost:6379/0",
			TTL:      time.Hour,
		},
		Conversation: ConversationConfig{
			DatabaseURL: "",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "console",
		},
		Telemetry: TelemetryConfig{
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "otlp",
				Endpoint:   "localhost:4317",
				SampleRate: 1.0,
				Insecure:   true,
			},
		},
	}
}

// envBindings maps config keys to the environment variables the
// deployment contract names. Explicit binds keep the variable names
// stable regardless of viper's key mangling.
var envBindings = map[string]string{
	"store.path":                "CHROMA_PATH",
	"embedding.primary":         "EMBEDDING_PRIMARY",
	"embedding.hf_api_key":      "HF_API_KEY",
	"embedding.ollama_base_url": "OLLAMA_BASE_URL",
	"llm.provider":              "LLM_PROVIDER",
	"llm.groq_api_key":          "GROQ_API_KEY",
	"llm.google_api_key":        "GOOGLE_API_KEY",
	"llm.openai_api_key":        "OPENAI_API_KEY",
	"cache.redis_url":           "REDIS_URL",
	"cache.enabled":             "REDIS_CACHE_ENABLED",
	"conversation.database_url": "CONVERSATION_DB_URL",
}

// BindEnv registers the deployment environment variables on the given
// viper instance.
func BindEnv(v *viper.Viper) {
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}
}

// Load reads configuration from the given viper instance and returns
// a validated Config. Environment variables in string values are
// interpolated using ${VAR} syntax.
func Load(v *viper.Viper) (*Config, error) {
	BindEnv(v)

	cfg := DefaultConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Interpolate environment variables in string fields
	interpolateConfig(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile reads a specific config file and returns a validated Config.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Load(v)
}

// Validate checks the configuration for errors and returns a descriptive
// error if any field is invalid.
func Validate(cfg *Config) error {
	var errs []string

	// Server validation
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port: must be between 0 and 65535, got %d", cfg.Server.Port))
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, "server.read_timeout: must be non-negative")
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, "server.write_timeout: must be non-negative")
	}

	// Store validation
	validBackends := map[string]bool{"local": true, "qdrant": true, "pinecone": true, "": true}
	if !validBackends[cfg.Store.Backend] {
		errs = append(errs, fmt.Sprintf("store.backend: unsupported backend %q (supported: local, qdrant, pinecone)", cfg.Store.Backend))
	}
	if cfg.Store.Backend == "qdrant" && cfg.Store.Host == "" {
		errs = append(errs, "store.host: required for the qdrant backend")
	}
	if cfg.Store.Backend == "pinecone" && cfg.Store.Index == "" {
		errs = append(errs, "store.index: required for the pinecone backend")
	}

	// Embedding validation
	validPrimaries := map[string]bool{"local": true, "apiA": true, "apiB": true, "hf": true, "ollama": true, "": true}
	if !validPrimaries[cfg.Embedding.Primary] {
		errs = append(errs, fmt.Sprintf("embedding.primary: unsupported provider %q (supported: local, apiA, apiB)", cfg.Embedding.Primary))
	}
	if cfg.Embedding.CacheSize < 0 {
		errs = append(errs, "embedding.cache_size: must be non-negative")
	}

	// Retrieval validation
	if cfg.Retrieval.NResults <= 0 {
		errs = append(errs, fmt.Sprintf("retrieval.n_results: must be positive, got %d", cfg.Retrieval.NResults))
	}
	if cfg.Retrieval.MaxPassages <= 0 {
		errs = append(errs, fmt.Sprintf("retrieval.max_passages: must be positive, got %d", cfg.Retrieval.MaxPassages))
	}

	// LLM validation
	validLLMProviders := map[string]bool{"groq": true, "gemini": true, "openai": true, "": true}
	if !validLLMProviders[cfg.LLM.Provider] {
		errs = append(errs, fmt.Sprintf("llm.provider: unsupported provider %q (supported: groq, gemini, openai)", cfg.LLM.Provider))
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Sprintf("llm.temperature: must be between 0 and 2, got %f", cfg.LLM.Temperature))
	}
	if cfg.LLM.MaxTokens <= 0 {
		errs = append(errs, "llm.max_tokens: must be positive")
	}
	if cfg.LLM.Timeout <= 0 {
		errs = append(errs, "llm.timeout: must be positive")
	}

	// Cache validation
	if cfg.Cache.TTL <= 0 {
		errs = append(errs, "cache.ttl: must be positive")
	}
	if cfg.Cache.Enabled && cfg.Cache.RedisURL == "" {
		errs = append(errs, "cache.redis_url: required when cache.enabled is true")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "": true}
	if !validLevels[cfg.Logging.Level] {
		errs = append(errs, fmt.Sprintf("logging.level: unsupported level %q (supported: debug, info, warn, error)", cfg.Logging.Level))
	}
	validEncodings := map[string]bool{"console": true, "json": true, "": true}
	if !validEncodings[cfg.Logging.Encoding] {
		errs = append(errs, fmt.Sprintf("logging.encoding: unsupported encoding %q (supported: console, json)", cfg.Logging.Encoding))
	}

	// Telemetry validation
	validExporters := map[string]bool{"otlp": true, "stdout": true, "none": true, "": true}
	if !validExporters[cfg.Telemetry.Tracing.Exporter] {
		errs = append(errs, fmt.Sprintf("telemetry.tracing.exporter: unsupported exporter %q (supported: otlp, stdout, none)", cfg.Telemetry.Tracing.Exporter))
	}
	if cfg.Telemetry.Tracing.SampleRate < 0 || cfg.Telemetry.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("telemetry.tracing.sample_rate: must be between 0 and 1, got %f", cfg.Telemetry.Tracing.SampleRate))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// envVarPattern matches ${VAR} or ${VAR:-default} syntax.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// InterpolateEnv replaces ${VAR} and ${VAR:-default} patterns in a string
// with the corresponding environment variable values.
func InterpolateEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		if defaultVal != "" {
			return defaultVal
		}
		return match
	})
}

// interpolateConfig applies environment variable interpolation to all
// string fields in the config.
func interpolateConfig(cfg *Config) {
	cfg.Server.Host = InterpolateEnv(cfg.Server.Host)

	cfg.Store.Backend = InterpolateEnv(cfg.Store.Backend)
	cfg.Store.Path = InterpolateEnv(cfg.Store.Path)
	cfg.Store.Host = InterpolateEnv(cfg.Store.Host)
	cfg.Store.Index = InterpolateEnv(cfg.Store.Index)
	cfg.Store.Namespace = InterpolateEnv(cfg.Store.Namespace)

	cfg.Embedding.Primary = InterpolateEnv(cfg.Embedding.Primary)
	cfg.Embedding.HFAPIKey = InterpolateEnv(cfg.Embedding.HFAPIKey)
	cfg.Embedding.OllamaBaseURL = InterpolateEnv(cfg.Embedding.OllamaBaseURL)

	cfg.LLM.Provider = InterpolateEnv(cfg.LLM.Provider)
	cfg.LLM.GroqAPIKey = InterpolateEnv(cfg.LLM.GroqAPIKey)
	cfg.LLM.GroqModel = InterpolateEnv(cfg.LLM.GroqModel)
	cfg.LLM.GoogleAPIKey = InterpolateEnv(cfg.LLM.GoogleAPIKey)
	cfg.LLM.GeminiModel = InterpolateEnv(cfg.LLM.GeminiModel)
	cfg.LLM.OpenAIAPIKey = InterpolateEnv(cfg.LLM.OpenAIAPIKey)
	cfg.LLM.OpenAIModel = InterpolateEnv(cfg.LLM.OpenAIModel)

	cfg.Cache.RedisURL = InterpolateEnv(cfg.Cache.RedisURL)
	cfg.Conversation.DatabaseURL = InterpolateEnv(cfg.Conversation.DatabaseURL)

	cfg.Logging.Level = InterpolateEnv(cfg.Logging.Level)
	cfg.Logging.Encoding = InterpolateEnv(cfg.Logging.Encoding)

	cfg.Telemetry.Tracing.Exporter = InterpolateEnv(cfg.Telemetry.Tracing.Exporter)
	cfg.Telemetry.Tracing.Endpoint = InterpolateEnv(cfg.Telemetry.Tracing.Endpoint)
}

// GenerateTemplate returns a YAML template string with all available
// configuration options and their defaults, suitable for writing to
// an istabot.yaml file.
func GenerateTemplate() string {
	return `# Istabot Configuration

server:
  port: 8080
  host: 0.0.0.0
  read_timeout: 30s
  write_timeout: 0s      # 0 keeps SSE streams open

store:
  backend: local         # local, qdrant or pinecone
  path: ${CHROMA_PATH:-./chroma_db}
  host: ""               # required for qdrant
  index: ""              # required for pinecone
  namespace: ""

embedding:
  primary: ${EMBEDDING_PRIMARY:-local}   # local, apiA or apiB
  hf_api_key: ${HF_API_KEY:-}
  ollama_base_url: ${OLLAMA_BASE_URL:-http://localhost:11434}
  cache_size: 1000

retrieval:
  n_results: 4
  max_passages: 1

llm:
  provider: ${LLM_PROVIDER:-}            # groq, gemini or openai; empty = first configured
  groq_api_key: ${GROQ_API_KEY:-}
  groq_model: llama-3.1-8b-instant
  google_api_key: ${GOOGLE_API_KEY:-}
  gemini_model: gemini-1.5-flash
  openai_api_key: ${OPENAI_API_KEY:-}
  openai_model: gpt-3.5-turbo
  temperature: 0.3
  max_tokens: 1024
  timeout: 30s

cache:
  enabled: ${REDIS_CACHE_ENABLED:-false}
  redis_url: ${REDIS_URL:-redis://localhost:6379/0}
  ttl: 1h

conversation:
  database_url: ${CONVERSATION_DB_URL:-}  # empty = in-memory history

logging:
  level: info            # debug, info, warn, error
  encoding: console      # console or json

telemetry:
  tracing:
    enabled: false
    exporter: otlp       # otlp, stdout, or none
    endpoint: localhost:4317
    sample_rate: 1.0     # 0.0 to 1.0
    insecure: true
`
}
