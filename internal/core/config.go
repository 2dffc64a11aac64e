package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/foresight/internal/health"
	"github.com/3cpo-dev/foresight/internal/normalize"
	prov "github.com/3cpo-dev/foresight/internal/providers"
	"github.com/3cpo-dev/foresight/internal/providers/gemini"
	"github.com/3cpo-dev/foresight/internal/providers/huggingface"
	"github.com/3cpo-dev/foresight/internal/providers/openai"
)

type Config struct {
	Providers prov.Config      `yaml:"providers"`
	Failover  FailoverConfig   `yaml:"failover"`
	Health    health.Config    `yaml:"health"`
	Normalize normalize.Config `yaml:"normalize"`
	Store     StoreConfig      `yaml:"store"`
	Stats     StatsConfig      `yaml:"stats"`
	Server    ServerConfig     `yaml:"server"`
}

type FailoverConfig struct {
	// Threshold is the consecutive-failure count that triggers failover.
	Threshold int `yaml:"threshold"`
	// FatalThreshold applies to failures the backend reported as definitive.
	FatalThreshold int           `yaml:"fatal_threshold"`
	AuditLimit     int           `yaml:"audit_limit"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
}

type StoreConfig struct {
	Driver        string `yaml:"driver"`
	Path          string `yaml:"path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisDB       int    `yaml:"redis_db"`
	RedisKey      string `yaml:"redis_key"`
	RedisPassword string `yaml:"-"`
}

type StatsConfig struct {
	BaseURL        string `yaml:"base_url"`
	File           string `yaml:"file"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	HistoryDays    int    `yaml:"history_days"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Metrics        bool          `yaml:"metrics"`
}

// Secrets are read from secrets.env and the environment, never from YAML.
type Secrets struct {
	OpenAIKey        string `env:"OPENAI_API_KEY"`
	GeminiKey        string `env:"GEMINI_API_KEY"`
	HuggingFaceToken string `env:"HUGGINGFACE_API_TOKEN"`
	RedisPassword    string `env:"FORESIGHT_REDIS_PASSWORD"`
}

// overrides lets deployments adjust a few settings without a config file.
type overrides struct {
	Priority    []string `env:"FORESIGHT_PRIORITY" envSeparator:","`
	StoreDriver string   `env:"FORESIGHT_STORE_DRIVER"`
	StorePath   string   `env:"FORESIGHT_STORE_PATH"`
	RedisAddr   string   `env:"FORESIGHT_REDIS_ADDR"`
	ServerAddr  string   `env:"FORESIGHT_ADDR"`
	StatsURL    string   `env:"FORESIGHT_STATS_URL"`
}

var knownProviders = []string{openai.Name, gemini.Name, huggingface.Name}

func DefaultConfig() Config {
	return Config{
		Providers: prov.Config{Priority: append([]string(nil), knownProviders...)},
		Failover: FailoverConfig{
			Threshold:      3,
			FatalThreshold: 1,
			AuditLimit:     100,
			CallTimeout:    15 * time.Second,
		},
		Health:    health.DefaultConfig(),
		Normalize: normalize.DefaultConfig(),
		Store: StoreConfig{
			Driver:   "sqlite",
			Path:     filepath.Join(configDir(), "foresight.db"),
			RedisKey: "foresight:lock",
		},
		Stats:  StatsConfig{TimeoutSeconds: 10, HistoryDays: 60},
		Server: ServerConfig{Addr: ":8080", RequestTimeout: 30 * time.Second, Metrics: true},
	}
}

// configDir resolves $XDG_CONFIG_HOME/foresight or ~/.config/foresight.
func configDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "foresight")
}

// DefaultConfigPath is where LoadConfig looks when no path is given.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

// LoadConfig reads YAML configuration over the defaults. If path is empty it
// resolves $XDG_CONFIG_HOME/foresight/config.yaml and tolerates its absence.
// Secrets and overrides from secrets.env and the environment are applied
// last.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("open config: %w", err)
	}

	secrets, _ := LoadSecretsEnv("")
	if err := ApplyEnvironment(&cfg, mergeEnviron(secrets, os.Environ())); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnvironment sets secrets and overrides from environ. Values in environ
// win over the file configuration.
func ApplyEnvironment(cfg *Config, environ map[string]string) error {
	var sec Secrets
	if err := env.ParseWithOptions(&sec, env.Options{Environment: environ}); err != nil {
		return fmt.Errorf("parse secrets: %w", err)
	}
	var ov overrides
	if err := env.ParseWithOptions(&ov, env.Options{Environment: environ}); err != nil {
		return fmt.Errorf("parse env overrides: %w", err)
	}

	cfg.Providers.OpenAI.APIKey = sec.OpenAIKey
	cfg.Providers.Gemini.APIKey = sec.GeminiKey
	cfg.Providers.HuggingFace.APIKey = sec.HuggingFaceToken
	cfg.Store.RedisPassword = sec.RedisPassword

	if len(ov.Priority) > 0 {
		cfg.Providers.Priority = trimAll(ov.Priority)
	}
	setIf(&cfg.Store.Driver, ov.StoreDriver)
	setIf(&cfg.Store.Path, ov.StorePath)
	setIf(&cfg.Store.RedisAddr, ov.RedisAddr)
	setIf(&cfg.Server.Addr, ov.ServerAddr)
	setIf(&cfg.Stats.BaseURL, ov.StatsURL)
	return nil
}

func (c Config) Validate() error {
	if c.Failover.Threshold <= 0 || c.Failover.FatalThreshold <= 0 {
		return fmt.Errorf("failover thresholds must be positive")
	}
	if c.Failover.FatalThreshold > c.Failover.Threshold {
		return fmt.Errorf("failover.fatal_threshold must not exceed failover.threshold")
	}
	if len(c.Providers.Priority) == 0 {
		return fmt.Errorf("providers.priority must name at least one provider")
	}
	seen := map[string]bool{}
	for _, name := range c.Providers.Priority {
		if !isKnownProvider(name) {
			return fmt.Errorf("unknown provider in priority: %q", name)
		}
		if seen[name] {
			return fmt.Errorf("duplicate provider in priority: %q", name)
		}
		seen[name] = true
	}
	if c.Health.Window <= 0 || c.Health.Interval <= 0 {
		return fmt.Errorf("health.window and health.interval must be positive")
	}
	if c.Health.DegradedErrorRate <= 0 || c.Health.DegradedErrorRate > 1 {
		return fmt.Errorf("health.degraded_error_rate must be in (0,1]")
	}
	switch c.Store.Driver {
	case "sqlite", "memory":
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown store driver: %q", c.Store.Driver)
	}
	return c.Normalize.Validate()
}

// Backend returns the configuration for name with its priority rank set.
func (c Config) Backend(name string) prov.BackendConfig {
	var b prov.BackendConfig
	switch name {
	case openai.Name:
		b = c.Providers.OpenAI
	case gemini.Name:
		b = c.Providers.Gemini
	case huggingface.Name:
		b = c.Providers.HuggingFace
	}
	b.Priority = len(c.Providers.Priority) + 1
	for i, n := range c.Providers.Priority {
		if n == name {
			b.Priority = i + 1
		}
	}
	return b
}

func isKnownProvider(name string) bool {
	for _, k := range knownProviders {
		if k == name {
			return true
		}
	}
	return false
}

func mergeEnviron(secrets map[string]string, environ []string) map[string]string {
	out := make(map[string]string, len(secrets)+len(environ))
	for k, v := range secrets {
		out[k] = v
	}
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i > 0 && kv[i+1:] != "" {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
