package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every recognized environment variable.
const EnvPrefix = "PROMPTFLOW"

// Load builds the configuration from defaults, an optional YAML file, and
// environment overrides, in that order. An empty path skips the file stage.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// FromEnv builds the configuration from defaults and environment only.
func FromEnv() *Config {
	cfg := Default()
	applyEnv(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	envString(&cfg.LLM.DefaultProvider, "LLM_DEFAULT_PROVIDER")
	envString(&cfg.LLM.Model, "LLM_MODEL")
	envFloat32(&cfg.LLM.Temperature, "LLM_TEMPERATURE")
	envInt(&cfg.LLM.MaxOutputTokens, "LLM_MAX_OUTPUT_TOKENS")
	envDuration(&cfg.LLM.Timeout, "LLM_TIMEOUT")
	envInt(&cfg.LLM.MaxRetries, "LLM_MAX_RETRIES")

	envString(&cfg.Providers.OpenAI.APIKey, "OPENAI_API_KEY")
	envString(&cfg.Providers.OpenAI.BaseURL, "OPENAI_BASE_URL")
	envString(&cfg.Providers.OpenAI.Organization, "OPENAI_ORGANIZATION")
	envString(&cfg.Providers.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	envString(&cfg.Providers.Anthropic.BaseURL, "ANTHROPIC_BASE_URL")
	envBool(&cfg.Providers.Bedrock.Enabled, "BEDROCK_ENABLED")
	envString(&cfg.Providers.Bedrock.Region, "BEDROCK_REGION")
	envString(&cfg.Providers.Gemini.APIKey, "GEMINI_API_KEY")
	envString(&cfg.Providers.Gemini.BaseURL, "GEMINI_BASE_URL")
	envString(&cfg.Providers.OpenRouter.APIKey, "OPENROUTER_API_KEY")
	envString(&cfg.Providers.OpenRouter.BaseURL, "OPENROUTER_BASE_URL")
	envString(&cfg.Providers.Azure.APIKey, "AZURE_API_KEY")
	envString(&cfg.Providers.Azure.Endpoint, "AZURE_ENDPOINT")
	envString(&cfg.Providers.Azure.Deployment, "AZURE_DEPLOYMENT")
	envString(&cfg.Providers.Nimbus.APIKey, "NIMBUS_API_KEY")
	envString(&cfg.Providers.Nimbus.BaseURL, "NIMBUS_BASE_URL")

	envBool(&cfg.Cache.Enabled, "CACHE_ENABLED")
	envString(&cfg.Cache.Dir, "CACHE_DIR")
	envInt(&cfg.Cache.TTLHours, "CACHE_TTL_HOURS")
	envInt(&cfg.Cache.MaxSizeMB, "CACHE_MAX_SIZE_MB")

	envString(&cfg.Database.Driver, "DATABASE_DRIVER")
	envString(&cfg.Database.DSN, "DATABASE_DSN")

	envString(&cfg.Redis.URL, "REDIS_URL")
	envString(&cfg.Redis.Addr, "REDIS_ADDR")
	envString(&cfg.Redis.Password, "REDIS_PASSWORD")
	envInt(&cfg.Redis.DB, "REDIS_DB")

	envString(&cfg.Queue.Name, "QUEUE_NAME")
	envDuration(&cfg.Queue.HeartbeatInterval, "QUEUE_HEARTBEAT_INTERVAL")
	envDuration(&cfg.Queue.PollInterval, "QUEUE_POLL_INTERVAL")
	envDuration(&cfg.Queue.WorkerTTL, "QUEUE_WORKER_TTL")

	envString(&cfg.Log.Level, "LOG_LEVEL")
	envString(&cfg.Log.Format, "LOG_FORMAT")
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + "_" + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

func envString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, ok := lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat32(dst *float32, key string) {
	if v, ok := lookup(key); ok {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			*dst = float32(f)
		}
	}
}

func envBool(dst *bool, key string) {
	if v, ok := lookup(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(dst *time.Duration, key string) {
	if v, ok := lookup(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
