package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"openai", "gemini", "huggingface"}, cfg.Providers.Priority)
	assert.Equal(t, 3, cfg.Failover.Threshold)
	assert.Equal(t, 1, cfg.Failover.FatalThreshold)
	assert.Equal(t, 15*time.Second, cfg.Failover.CallTimeout)
}

func TestApplyEnvironment(t *testing.T) {
	cfg := DefaultConfig()
	err := ApplyEnvironment(&cfg, map[string]string{
		"OPENAI_API_KEY":           "sk-test",
		"GEMINI_API_KEY":           "g-test",
		"HUGGINGFACE_API_TOKEN":    "hf-test",
		"FORESIGHT_REDIS_PASSWORD": "pw",
		"FORESIGHT_PRIORITY":       "gemini, openai",
		"FORESIGHT_STORE_DRIVER":   "redis",
		"FORESIGHT_REDIS_ADDR":     "localhost:6379",
		"FORESIGHT_ADDR":           ":9090",
	})
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.Providers.OpenAI.APIKey)
	assert.Equal(t, "g-test", cfg.Providers.Gemini.APIKey)
	assert.Equal(t, "hf-test", cfg.Providers.HuggingFace.APIKey)
	assert.Equal(t, "pw", cfg.Store.RedisPassword)
	assert.Equal(t, []string{"gemini", "openai"}, cfg.Providers.Priority)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 1, cfg.Backend("gemini").Priority)
	assert.Equal(t, 2, cfg.Backend("openai").Priority)
	assert.Equal(t, 3, cfg.Backend("huggingface").Priority)
	assert.Equal(t, "sk-test", cfg.Backend("openai").APIKey)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown provider":   func(c *Config) { c.Providers.Priority = []string{"openai", "claude"} },
		"duplicate":          func(c *Config) { c.Providers.Priority = []string{"openai", "openai"} },
		"empty priority":     func(c *Config) { c.Providers.Priority = nil },
		"zero threshold":     func(c *Config) { c.Failover.Threshold = 0 },
		"fatal above":        func(c *Config) { c.Failover.FatalThreshold = 5 },
		"bad driver":         func(c *Config) { c.Store.Driver = "etcd" },
		"redis without addr": func(c *Config) { c.Store.Driver = "redis" },
		"degraded rate":      func(c *Config) { c.Health.DegradedErrorRate = 1.5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("OPENAI_API_KEY", "from-env")
	path := filepath.Join(dir, "custom.yaml")
	content := `
providers:
  priority: [huggingface, openai]
  openai:
    model: gpt-4o
    timeout_seconds: 20
failover:
  threshold: 5
store:
  driver: memory
server:
  addr: ":7070"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"huggingface", "openai"}, cfg.Providers.Priority)
	assert.Equal(t, "gpt-4o", cfg.Providers.OpenAI.Model)
	assert.Equal(t, 20*time.Second, cfg.Providers.OpenAI.Timeout())
	assert.Equal(t, "from-env", cfg.Providers.OpenAI.APIKey)
	assert.Equal(t, 5, cfg.Failover.Threshold)
	assert.Equal(t, 1, cfg.Failover.FatalThreshold)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, ":7070", cfg.Server.Addr)
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
}

func TestLoadSecretsEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.env")
	content := "# keys\nexport OPENAI_API_KEY=\"sk-1\"\nGEMINI_API_KEY='g-1'\n\nmalformed\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	got, err := LoadSecretsEnv(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"OPENAI_API_KEY": "sk-1", "GEMINI_API_KEY": "g-1"}, got)
}
