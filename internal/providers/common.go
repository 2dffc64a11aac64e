package providers

import (
	"net/http"
	"time"
)

// BackendConfig configures one inference backend. Credentials never come
// from YAML; they are merged in from secrets.env or the environment.
type BackendConfig struct {
	APIKey            string  `yaml:"-"`
	Model             string  `yaml:"model"`
	BaseURL           string  `yaml:"base_url"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	MaxHorizonDays    int     `yaml:"max_horizon_days"`

	// Priority is the 1-based rank taken from the configured priority list.
	Priority int `yaml:"-"`
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client `yaml:"-"`
}

type Config struct {
	Priority    []string      `yaml:"priority"`
	OpenAI      BackendConfig `yaml:"openai"`
	Gemini      BackendConfig `yaml:"gemini"`
	HuggingFace BackendConfig `yaml:"huggingface"`
}

// Timeout returns the per-call timeout, defaulting to 10 seconds.
func (b BackendConfig) Timeout() time.Duration {
	if b.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// WithDefaults fills empty fields from the backend's defaults.
func (b BackendConfig) WithDefaults(model, baseURL string) BackendConfig {
	b.Model = firstNonEmpty(b.Model, model)
	b.BaseURL = firstNonEmpty(b.BaseURL, baseURL)
	if b.RequestsPerSecond <= 0 {
		b.RequestsPerSecond = 2
	}
	if b.MaxHorizonDays <= 0 {
		b.MaxHorizonDays = 28
	}
	return b
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
