// Package huggingface adapts the Hugging Face Inference API to the provider
// contract.
package huggingface

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
	Name           = "huggingface"
	defaultBaseURL = "https://api-inference.huggingface.co"
	defaultModel   = "mistralai/Mistral-7B-Instruct-v0.3"
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

type parameters struct {
	MaxNewTokens   int  `json:"max_new_tokens"`
	ReturnFullText bool `json:"return_full_text"`
}

type options struct {
	WaitForModel bool `json:"wait_for_model"`
}

type inferenceRequest struct {
	Inputs     string     `json:"inputs"`
	Parameters parameters `json:"parameters"`
	Options    options    `json:"options"`
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
			Hosted:         false,
		},
	}
}

func (a *Adapter) SendRequest(ctx context.Context, req prov.Request) (prov.RawOutput, error) {
	if !a.IsAvailable() {
		return prov.RawOutput{}, prov.ConfigurationError(Name, errors.New("api token or model missing; set HUGGINGFACE_API_TOKEN"))
	}
	if req.HorizonDays > a.cfg.MaxHorizonDays {
		req.HorizonDays = a.cfg.MaxHorizonDays
	}
	body := inferenceRequest{
		Inputs:     prov.BuildPrompt(req),
		Parameters: parameters{MaxNewTokens: 512},
	}
	start := time.Now()
	var raw []byte
	if err := a.caller.Do(ctx, http.MethodPost, a.cfg.BaseURL+"/models/"+a.cfg.Model, a.headers(), body, &raw); err != nil {
		return prov.RawOutput{}, err
	}
	text, err := generatedText(raw)
	if err != nil {
		return prov.RawOutput{}, err
	}
	return prov.DecodeText(Name, a.cfg.Model, text, time.Since(start)), nil
}

// HealthCheck asks the status endpoint whether the model can be served.
func (a *Adapter) HealthCheck(ctx context.Context) prov.HealthResult {
	if !a.IsAvailable() {
		return prov.HealthResult{Status: prov.HealthUnconfigured, Err: errors.New("huggingface not configured")}
	}
	start := time.Now()
	var raw []byte
	err := a.caller.Do(ctx, http.MethodGet, a.cfg.BaseURL+"/status/"+a.cfg.Model, a.headers(), nil, &raw)
	res := prov.HealthResult{Status: prov.HealthUp, Latency: time.Since(start)}
	if err != nil {
		res.Status = prov.HealthDown
		res.Err = err
		return res
	}
	switch state := gjson.GetBytes(raw, "state").String(); state {
	case "Loadable", "Loaded":
	default:
		res.Status = prov.HealthDown
		res.Err = prov.TransientError(Name, fmt.Errorf("model state %q", state))
	}
	return res
}

func (a *Adapter) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.cfg.APIKey}
}

// generatedText accepts both the list and the single-object response shapes.
func generatedText(raw []byte) (string, error) {
	if !gjson.ValidBytes(raw) {
		return "", prov.UnknownError(Name, errors.New("response is not valid json"))
	}
	doc := gjson.ParseBytes(raw)
	if e := doc.Get("error"); e.Exists() {
		return "", prov.UnknownError(Name, fmt.Errorf("inference error: %s", e.String()))
	}
	r := doc.Get("0.generated_text")
	if !r.Exists() {
		r = doc.Get("generated_text")
	}
	text := strings.TrimSpace(r.String())
	if text == "" {
		return "", prov.UnknownError(Name, errors.New("response missing generated_text"))
	}
	return text, nil
}

// classify handles the Inference API's plain-string error bodies.
func classify(status int, body []byte) *prov.Error {
	msg := gjson.GetBytes(body, "error").String()
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	lower := strings.ToLower(msg)
	err := fmt.Errorf("api status %d: %s", status, msg)
	switch {
	case status == http.StatusServiceUnavailable && (strings.Contains(lower, "loading") || gjson.GetBytes(body, "estimated_time").Exists()):
		return prov.TransientError(Name, err).WithStatus(status)
	case status == http.StatusPaymentRequired,
		strings.Contains(lower, "exceeded your monthly included credits"),
		strings.Contains(lower, "monthly usage limit"):
		return prov.QuotaError(Name, err).WithStatus(status).AsFatal()
	case status == http.StatusBadRequest && strings.Contains(lower, "not supported"):
		return prov.ConfigurationError(Name, err).WithStatus(status)
	}
	return prov.ClassifyStatus(Name, status, body)
}
