// Package gemini adapts the Google Gemini generateContent API to the
// provider contract.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	prov "github.com/3cpo-dev/foresight/internal/providers"
)

const (
	Name           = "gemini"
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	defaultModel   = "gemini-1.5-flash"
)

type Adapter struct {
	cfg    prov.BackendConfig
	caller *prov.HTTPCaller
}

func New(cfg prov.BackendConfig) *Adapter {
	cfg = cfg.WithDefaults(defaultModel, defaultBaseURL)
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Adapter{cfg: cfg, caller: prov.NewHTTPCaller(Name, cfg, classify)}
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	ModelVersion string `json:"modelVersion"`
}

func (a *Adapter) IsAvailable() bool {
	return strings.TrimSpace(a.cfg.APIKey) != "" && strings.TrimSpace(a.cfg.Model) != ""
}

func (a *Adapter) Describe() prov.Descriptor {
	return prov.Descriptor{
		Name:     Name,
		Priority: a.cfg.Priority,
		Capabilities: prov.Capabilities{
			Model:          a.cfg.Model,
			MaxHorizonDays: a.cfg.MaxHorizonDays,
			ForecastsDeath: true,
			Hosted:         true,
		},
	}
}

func (a *Adapter) SendRequest(ctx context.Context, req prov.Request) (prov.RawOutput, error) {
	if !a.IsAvailable() {
		return prov.RawOutput{}, prov.ConfigurationError(Name, errors.New("api key or model missing; set GEMINI_API_KEY"))
	}
	if req.HorizonDays > a.cfg.MaxHorizonDays {
		req.HorizonDays = a.cfg.MaxHorizonDays
	}
	body := generateRequest{
		Contents:         []content{{Role: "user", Parts: []part{{Text: prov.BuildPrompt(req)}}}},
		GenerationConfig: generationConfig{ResponseMimeType: "application/json"},
	}
	start := time.Now()
	var resp generateResponse
	url := a.cfg.BaseURL + "/v1beta/models/" + a.cfg.Model + ":generateContent"
	if err := a.caller.Do(ctx, http.MethodPost, url, a.headers(), body, &resp); err != nil {
		return prov.RawOutput{}, err
	}
	if resp.PromptFeedback.BlockReason != "" {
		return prov.RawOutput{}, prov.UnknownError(Name, fmt.Errorf("prompt blocked: %s", resp.PromptFeedback.BlockReason))
	}
	if len(resp.Candidates) == 0 {
		return prov.RawOutput{}, prov.UnknownError(Name, errors.New("response has no candidates"))
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return prov.RawOutput{}, prov.UnknownError(Name, fmt.Errorf("empty candidate (finish reason %q)", resp.Candidates[0].FinishReason))
	}
	model := resp.ModelVersion
	if model == "" {
		model = a.cfg.Model
	}
	return prov.DecodeText(Name, model, text, time.Since(start)), nil
}

// HealthCheck fetches the model metadata instead of generating content.
func (a *Adapter) HealthCheck(ctx context.Context) prov.HealthResult {
	if !a.IsAvailable() {
		return prov.HealthResult{Status: prov.HealthUnconfigured, Err: errors.New("gemini not configured")}
	}
	start := time.Now()
	err := a.caller.Do(ctx, http.MethodGet, a.cfg.BaseURL+"/v1beta/models/"+a.cfg.Model, a.headers(), nil, nil)
	res := prov.HealthResult{Status: prov.HealthUp, Latency: time.Since(start)}
	if err != nil {
		res.Status = prov.HealthDown
		res.Err = err
	}
	return res
}

func (a *Adapter) headers() map[string]string {
	return map[string]string{"x-goog-api-key": a.cfg.APIKey}
}

// classify maps Google RPC status names. Gemini reports a bad key as 400
// INVALID_ARGUMENT, so the status code alone is not enough.
func classify(status int, body []byte) *prov.Error {
	rpc := gjson.GetBytes(body, "error.status").String()
	msg := gjson.GetBytes(body, "error.message").String()
	reason := gjson.GetBytes(body, "error.details.#.reason").String()
	err := fmt.Errorf("%s: %s", rpc, msg)
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(reason, "API_KEY_INVALID") || strings.Contains(lower, "api key not valid"):
		return prov.AuthError(Name, err).WithStatus(status).AsFatal()
	case rpc == "UNAUTHENTICATED":
		return prov.AuthError(Name, err).WithStatus(status).AsFatal()
	case rpc == "PERMISSION_DENIED":
		return prov.AuthError(Name, err).WithStatus(status)
	case rpc == "RESOURCE_EXHAUSTED":
		q := prov.QuotaError(Name, err).WithStatus(status)
		if strings.Contains(lower, "billing") || strings.Contains(lower, "exceeded your current quota") {
			q.AsFatal()
		}
		return q
	case rpc == "NOT_FOUND", rpc == "INVALID_ARGUMENT", rpc == "FAILED_PRECONDITION":
		return prov.ConfigurationError(Name, err).WithStatus(status)
	case rpc == "UNAVAILABLE", rpc == "DEADLINE_EXCEEDED", rpc == "INTERNAL":
		return prov.TransientError(Name, err).WithStatus(status)
	}
	return prov.ClassifyStatus(Name, status, body)
}
