package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	prov "github.com/3cpo-dev/foresight/internal/providers"
)

func newTestAdapter(t *testing.T, h http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(prov.BackendConfig{APIKey: "sk-test", BaseURL: srv.URL, RequestsPerSecond: 100, Priority: 1})
}

func TestSendRequestDecodesOutput(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/responses", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var body responsesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, defaultModel, body.Model)
		assert.Contains(t, body.Input, "lagos")
		_, _ = io.WriteString(w, `{"model":"gpt-4o-mini-2024","output":[{"content":[{"type":"output_text","text":"{\"cases\":[5,6],\"deaths\":[1],\"confidence\":0.9}"}]}]}`)
	})

	out, err := a.SendRequest(context.Background(), prov.Request{Region: "lagos", HorizonDays: 2})
	require.NoError(t, err)
	assert.Equal(t, Name, out.Provider)
	assert.Equal(t, "gpt-4o-mini-2024", out.Model)
	assert.Equal(t, []prov.Point{{Day: 1, Value: 5}, {Day: 2, Value: 6}}, out.Cases)
	require.NotNil(t, out.ReportedConfidence)
	assert.InDelta(t, 0.9, *out.ReportedConfidence, 1e-9)
}

func TestSendRequestMissingTextIsUnknown(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"output":[]}`)
	})
	_, err := a.SendRequest(context.Background(), prov.Request{Region: "x"})
	assert.Equal(t, prov.ClassUnknown, prov.ClassOf(err))
}

func TestSendRequestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		class  prov.Class
		fatal  bool
	}{
		{"insufficient quota", 429, `{"error":{"code":"insufficient_quota","message":"You exceeded your current quota"}}`, prov.ClassQuota, true},
		{"rate limited", 429, `{"error":{"code":"rate_limit_exceeded","message":"slow down"}}`, prov.ClassQuota, false},
		{"bad key", 401, `{"error":{"code":"invalid_api_key","message":"Incorrect API key"}}`, prov.ClassAuth, true},
		{"model missing", 404, `{"error":{"code":"model_not_found","message":"no such model"}}`, prov.ClassConfiguration, false},
		{"overloaded", 503, `{"error":{"message":"overloaded"}}`, prov.ClassTransient, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := a.SendRequest(context.Background(), prov.Request{Region: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.class, prov.ClassOf(err))
			assert.Equal(t, tt.fatal, prov.IsFatal(err))
		})
	}
}

func TestUnconfiguredAdapter(t *testing.T) {
	a := New(prov.BackendConfig{})
	assert.False(t, a.IsAvailable())

	_, err := a.SendRequest(context.Background(), prov.Request{})
	assert.Equal(t, prov.ClassConfiguration, prov.ClassOf(err))
	assert.Equal(t, prov.HealthUnconfigured, a.HealthCheck(context.Background()).Status)
}

func TestHealthCheck(t *testing.T) {
	up := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models/"+defaultModel, r.URL.Path)
		_, _ = io.WriteString(w, `{"id":"gpt-4o-mini"}`)
	})
	assert.Equal(t, prov.HealthUp, up.HealthCheck(context.Background()).Status)

	down := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	res := down.HealthCheck(context.Background())
	assert.Equal(t, prov.HealthDown, res.Status)
	assert.Equal(t, prov.ClassTransient, prov.ClassOf(res.Err))
}

func TestDescribe(t *testing.T) {
	d := New(prov.BackendConfig{Priority: 2, Model: "gpt-4.1"}).Describe()
	assert.Equal(t, Name, d.Name)
	assert.Equal(t, 2, d.Priority)
	assert.Equal(t, "gpt-4.1", d.Capabilities.Model)
	assert.Equal(t, 28, d.Capabilities.MaxHorizonDays)
}
