package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "openai", cfg.LLM.DefaultProvider)
	assert.Equal(t, 3, cfg.LLM.MaxRetries)
	assert.Equal(t, 60*time.Second, cfg.LLM.Timeout)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 24, cfg.Cache.TTLHours)
	assert.Equal(t, "default", cfg.Queue.Name)
	assert.Equal(t, 30*time.Second, cfg.Queue.HeartbeatInterval)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
llm:
  default_provider: anthropic
  model: claude-3-5-haiku-20241022
  max_retries: 5
cache:
  enabled: false
redis:
  addr: redis.internal:6380
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", cfg.LLM.DefaultProvider)
	assert.Equal(t, "claude-3-5-haiku-20241022", cfg.LLM.Model)
	assert.Equal(t, 5, cfg.LLM.MaxRetries)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	// Untouched sections keep their defaults.
	assert.Equal(t, "default", cfg.Queue.Name)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  model: from-file\n"), 0o644))

	t.Setenv("PROMPTFLOW_LLM_MODEL", "from-env")
	t.Setenv("PROMPTFLOW_OPENAI_API_KEY", "sk-test")
	t.Setenv("PROMPTFLOW_CACHE_TTL_HOURS", "48")
	t.Setenv("PROMPTFLOW_LLM_TIMEOUT", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.LLM.Model)
	assert.Equal(t, "sk-test", cfg.Providers.OpenAI.APIKey)
	assert.Equal(t, 48, cfg.Cache.TTLHours)
	assert.Equal(t, 90*time.Second, cfg.LLM.Timeout)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestBlankEnvValuesAreIgnored(t *testing.T) {
	t.Setenv("PROMPTFLOW_LLM_MODEL", "  ")
	cfg := FromEnv()
	assert.Equal(t, Default().LLM.Model, cfg.LLM.Model)
}
