// Package config provides the promptflow configuration model and loader.
// Configuration precedence: defaults, then YAML file, then environment
// variables with the PROMPTFLOW_ prefix.
package config

import (
	"time"
)

// Config is the complete promptflow configuration.
type Config struct {
	// LLM holds service-wide generation defaults.
	LLM LLMConfig `yaml:"llm"`

	// Providers holds per-vendor credentials and endpoints. A provider is
	// constructible iff its section carries the required credentials.
	Providers ProvidersConfig `yaml:"providers"`

	// Cache controls the response cache.
	Cache CacheConfig `yaml:"cache"`

	// Database configures the relational store.
	Database DatabaseConfig `yaml:"database"`

	// Redis configures the task queue transport and observation store.
	Redis RedisConfig `yaml:"redis"`

	// Queue configures worker behavior.
	Queue QueueConfig `yaml:"queue"`

	// Log configures logging.
	Log LogConfig `yaml:"log"`
}

// LLMConfig holds service-wide generation defaults.
type LLMConfig struct {
	// DefaultProvider is used when the model carries no routing prefix.
	DefaultProvider string `yaml:"default_provider"`
	// Model is the default model name.
	Model string `yaml:"model"`
	// Temperature is the default sampling temperature.
	Temperature float32 `yaml:"temperature"`
	// MaxOutputTokens is the default completion budget.
	MaxOutputTokens int `yaml:"max_output_tokens"`
	// Timeout applies to every provider call.
	Timeout time.Duration `yaml:"timeout"`
	// MaxRetries bounds the per-call retry loop.
	MaxRetries int `yaml:"max_retries"`
}

// ProvidersConfig groups per-vendor settings.
type ProvidersConfig struct {
	OpenAI     OpenAIConfig     `yaml:"openai"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	Bedrock    BedrockConfig    `yaml:"bedrock"`
	Gemini     GeminiConfig     `yaml:"gemini"`
	OpenRouter OpenRouterConfig `yaml:"openrouter"`
	Azure      AzureConfig      `yaml:"azure"`
	Nimbus     NimbusConfig     `yaml:"nimbus"`
}

// OpenAIConfig configures the OpenAI adapter. Text and structured calls go
// to the chat completions endpoint; the Responses API is not used.
type OpenAIConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	Organization string `yaml:"organization"`
	AudioModel   string `yaml:"audio_model"`
	ImageModel   string `yaml:"image_model"`
}

// AnthropicConfig configures the Anthropic native adapter.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Version string `yaml:"version"`
}

// BedrockConfig configures the AWS Bedrock adapter. Credentials resolve
// through the standard AWS chain; only the region is required here.
type BedrockConfig struct {
	Enabled bool   `yaml:"enabled"`
	Region  string `yaml:"region"`
}

// GeminiConfig configures the Google Gemini adapter.
type GeminiConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// OpenRouterConfig configures the OpenRouter adapter.
type OpenRouterConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Referer string `yaml:"referer"`
}

// AzureConfig configures the Azure OpenAI adapter.
type AzureConfig struct {
	APIKey     string `yaml:"api_key"`
	Endpoint   string `yaml:"endpoint"`
	Deployment string `yaml:"deployment"`
	APIVersion string `yaml:"api_version"`
}

// NimbusConfig configures the hosted Nimbus adapter.
type NimbusConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Dir       string `yaml:"dir"`
	TTLHours  int    `yaml:"ttl_hours"`
	MaxSizeMB int    `yaml:"max_size_mb"`
}

// DatabaseConfig configures the relational store.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `yaml:"driver"`
	// DSN is the driver-specific connection string.
	DSN string `yaml:"dsn"`

	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig configures the queue transport.
type RedisConfig struct {
	// URL takes precedence over Addr when set (redis://host:port/db).
	URL      string `yaml:"url"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// QueueConfig configures the background worker.
type QueueConfig struct {
	Name              string        `yaml:"name"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	WorkerTTL         time.Duration `yaml:"worker_ttl"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format: json or console.
	Format string `yaml:"format"`
}

// Default returns the baseline configuration before file and env overrides.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			DefaultProvider: "openai",
			Model:           "gpt-4o-mini",
			Temperature:     0.7,
			MaxOutputTokens: 4096,
			Timeout:         60 * time.Second,
			MaxRetries:      3,
		},
		Providers: ProvidersConfig{
			OpenAI:     OpenAIConfig{BaseURL: "https://api.openai.com/v1", AudioModel: "gpt-4o-mini-tts", ImageModel: "dall-e-3"},
			Anthropic:  AnthropicConfig{BaseURL: "https://api.anthropic.com", Version: "2023-06-01"},
			Gemini:     GeminiConfig{BaseURL: "https://generativelanguage.googleapis.com/v1beta"},
			OpenRouter: OpenRouterConfig{BaseURL: "https://openrouter.ai/api/v1"},
			Azure:      AzureConfig{APIVersion: "2024-08-01-preview"},
			Nimbus:     NimbusConfig{BaseURL: "https://api.nimbus.dev/v1"},
		},
		Cache: CacheConfig{
			Enabled:   true,
			Dir:       ".llm_cache",
			TTLHours:  24,
			MaxSizeMB: 100,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "promptflow.db",
			MaxIdleConns:    10,
			MaxOpenConns:    100,
			ConnMaxLifetime: time.Hour,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Queue: QueueConfig{
			Name:              "default",
			HeartbeatInterval: 30 * time.Second,
			PollInterval:      time.Second,
			WorkerTTL:         time.Hour,
			JobTimeout:        time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
