// Package openai adapts the OpenAI Responses API to the provider contract.
package openai

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
	Name           = "openai"
	defaultBaseURL = "https://api.openai.com"
	defaultModel   = "gpt-4o-mini"
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

type responsesRequest struct {
	Model        string  `json:"model"`
	Input        string  `json:"input"`
	Instructions string  `json:"instructions,omitempty"`
	Temperature  float64 `json:"temperature"`
}

type responsesResponse struct {
	Model      string `json:"model"`
	OutputText string `json:"output_text"`
	Output     []struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
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
		return prov.RawOutput{}, prov.ConfigurationError(Name, errors.New("api key or model missing; set OPENAI_API_KEY"))
	}
	if req.HorizonDays > a.cfg.MaxHorizonDays {
		req.HorizonDays = a.cfg.MaxHorizonDays
	}
	body := responsesRequest{
		Model:        a.cfg.Model,
		Input:        prov.BuildPrompt(req),
		Instructions: "You are an epidemiological forecasting model. Answer with JSON only.",
	}
	start := time.Now()
	var resp responsesResponse
	if err := a.caller.Do(ctx, http.MethodPost, a.cfg.BaseURL+"/v1/responses", a.headers(), body, &resp); err != nil {
		return prov.RawOutput{}, err
	}
	text := outputText(resp)
	if text == "" {
		return prov.RawOutput{}, prov.UnknownError(Name, errors.New("response missing output text"))
	}
	model := resp.Model
	if model == "" {
		model = a.cfg.Model
	}
	return prov.DecodeText(Name, model, text, time.Since(start)), nil
}

// HealthCheck retrieves the configured model, which costs no tokens.
func (a *Adapter) HealthCheck(ctx context.Context) prov.HealthResult {
	if !a.IsAvailable() {
		return prov.HealthResult{Status: prov.HealthUnconfigured, Err: errors.New("openai not configured")}
	}
	start := time.Now()
	err := a.caller.Do(ctx, http.MethodGet, a.cfg.BaseURL+"/v1/models/"+a.cfg.Model, a.headers(), nil, nil)
	res := prov.HealthResult{Status: prov.HealthUp, Latency: time.Since(start)}
	if err != nil {
		res.Status = prov.HealthDown
		res.Err = err
	}
	return res
}

func (a *Adapter) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.cfg.APIKey}
}

func outputText(resp responsesResponse) string {
	if t := strings.TrimSpace(resp.OutputText); t != "" {
		return t
	}
	for _, item := range resp.Output {
		for _, c := range item.Content {
			if t := strings.TrimSpace(c.Text); t != "" {
				return t
			}
		}
	}
	return ""
}

// classify refines the shared mapping with OpenAI error codes.
func classify(status int, body []byte) *prov.Error {
	code := gjson.GetBytes(body, "error.code").String()
	msg := gjson.GetBytes(body, "error.message").String()
	switch {
	case code == "insufficient_quota", code == "billing_hard_limit_reached":
		return prov.QuotaError(Name, fmt.Errorf("%s: %s", code, msg)).WithStatus(status).AsFatal()
	case code == "invalid_api_key":
		return prov.AuthError(Name, fmt.Errorf("%s: %s", code, msg)).WithStatus(status).AsFatal()
	case code == "model_not_found":
		return prov.ConfigurationError(Name, fmt.Errorf("%s: %s", code, msg)).WithStatus(status)
	case status == http.StatusServiceUnavailable || code == "server_error":
		return prov.TransientError(Name, fmt.Errorf("api status %d: %s", status, msg)).WithStatus(status)
	}
	return prov.ClassifyStatus(Name, status, body)
}
