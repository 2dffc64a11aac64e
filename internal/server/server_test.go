package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/foresight/internal/core"
	"github.com/3cpo-dev/foresight/internal/health"
	"github.com/3cpo-dev/foresight/internal/lock"
	"github.com/3cpo-dev/foresight/internal/normalize"
	prov "github.com/3cpo-dev/foresight/internal/providers"
	"github.com/3cpo-dev/foresight/internal/stats"
	"github.com/3cpo-dev/foresight/internal/telemetry"
	"github.com/3cpo-dev/foresight/pkg/api"
)

type stubAdapter struct {
	name     string
	priority int

	mu  sync.Mutex
	err error
}

func (s *stubAdapter) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *stubAdapter) IsAvailable() bool { return true }

func (s *stubAdapter) SendRequest(context.Context, prov.Request) (prov.RawOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return prov.RawOutput{}, s.err
	}
	return prov.RawOutput{Provider: s.name, Cases: []prov.Point{{Day: 1, Value: 40}}}, nil
}

func (s *stubAdapter) HealthCheck(context.Context) prov.HealthResult {
	return prov.HealthResult{Status: prov.HealthUp, Latency: time.Millisecond}
}

func (s *stubAdapter) Describe() prov.Descriptor {
	return prov.Descriptor{Name: s.name, Priority: s.priority}
}

func newTestServer(t *testing.T, adapters ...*stubAdapter) *Server {
	t.Helper()
	ctx := context.Background()
	reg := prov.NewRegistry()
	for _, a := range adapters {
		reg.Register(a)
	}
	tel := telemetry.NewCollector(true)
	lockReg, err := lock.New(ctx, lock.NewMemoryStore(), lock.Options{
		Known:      reg.Has,
		Available:  reg.Available,
		OnFailover: tel.ObserveFailover,
	})
	require.NoError(t, err)

	src := stats.NewStaticSource()
	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	var history []stats.DailyStat
	for i := 0; i < 14; i++ {
		history = append(history, stats.DailyStat{Date: start.AddDate(0, 0, i), Cases: 30, Deaths: 1})
	}
	src.Set("nairobi", stats.Observed{Cases: 900, Deaths: 12, NewCases: 30, NewDeaths: 1}, history)

	store := health.NewMetricsStore(10, nil)
	monitor := health.NewMonitor(health.DefaultConfig(), 3, reg, lockReg, store, tel)
	engine := normalize.New(normalize.DefaultConfig())
	app := &core.App{
		Config:    core.DefaultConfig(),
		Adapters:  reg,
		Lock:      lockReg,
		Metrics:   store,
		Monitor:   monitor,
		Engine:    engine,
		Stats:     src,
		Telemetry: tel,
		Orchestrator: core.NewOrchestrator(reg, lockReg, engine, src, monitor, core.OrchestratorOptions{
			Threshold:      1,
			FatalThreshold: 1,
			CallTimeout:    time.Second,
			Observer:       tel,
		}),
	}
	return New(core.ServerConfig{Addr: "127.0.0.1:0", RequestTimeout: 2 * time.Second}, app)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestForecastSuccessAndLatest(t *testing.T) {
	s := newTestServer(t, &stubAdapter{name: "openai", priority: 1})

	rec := do(t, s, http.MethodGet, "/api/v1/forecast/Nairobi?season=dry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got api.ForecastRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "nairobi", got.Region)
	assert.Equal(t, "openai", got.SourceProvider)

	rec = do(t, s, http.MethodGet, "/api/v1/forecast/nairobi/latest", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/regions", "")
	assert.JSONEq(t, `{"regions":["nairobi"]}`, rec.Body.String())
}

func TestForecastErrors(t *testing.T) {
	a := &stubAdapter{name: "openai", priority: 1}
	b := &stubAdapter{name: "gemini", priority: 2}
	s := newTestServer(t, a, b)

	rec := do(t, s, http.MethodGet, "/api/v1/forecast/atlantis", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/forecast/atlantis/latest", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// a fails over to b, whose retry fails too; the caller sees b's error.
	a.setErr(prov.TransientError("openai", errors.New("503")))
	b.setErr(prov.TransientError("gemini", errors.New("503")))
	rec = do(t, s, http.MethodGet, "/api/v1/forecast/nairobi", "")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), `"provider":"gemini"`)
}

func TestForecastDegradedWhenExhausted(t *testing.T) {
	a := &stubAdapter{name: "openai", priority: 1}
	a.setErr(prov.AuthError("openai", errors.New("revoked")).AsFatal())
	s := newTestServer(t, a)

	for i := 0; i < 2; i++ {
		rec := do(t, s, http.MethodGet, "/api/v1/forecast/nairobi", "")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var degraded api.DegradedForecast
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &degraded))
		assert.True(t, degraded.Degraded)
		assert.Equal(t, "nairobi", degraded.Region)
		assert.Equal(t, "openai", degraded.LastProvider)
		assert.NotContains(t, rec.Body.String(), "cases_forecast")
	}

	rec := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLockEndpoints(t *testing.T) {
	s := newTestServer(t, &stubAdapter{name: "openai", priority: 1}, &stubAdapter{name: "gemini", priority: 2})
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/v1/forecast/nairobi", "").Code)

	rec := do(t, s, http.MethodPost, "/api/v1/lock/failover", `{"reason":"rotate keys"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"active_provider":"gemini"}`, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/v1/lock", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st lock.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "gemini", st.ActiveProvider)
	assert.Equal(t, "openai", st.LastProvider)

	rec = do(t, s, http.MethodGet, "/api/v1/audit?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var audit []lock.AuditEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &audit))
	require.Len(t, audit, 1)
	assert.Equal(t, "manual: rotate keys", audit[0].Reason)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/audit?limit=x", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/v1/lock/failover", `{`).Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/v1/lock/failover", "").Code)
}

func TestStatusAndHistory(t *testing.T) {
	s := newTestServer(t, &stubAdapter{name: "openai", priority: 1})
	s.app.Monitor.Tick(context.Background())

	rec := do(t, s, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var payload api.StatusPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "healthy", payload.OverallStatus)
	assert.Equal(t, 1, payload.ProviderStats.Total)

	rec = do(t, s, http.MethodGet, "/api/v1/health/openai/history?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var recs []health.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, health.OutcomeSuccess, recs[0].Outcome)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/v1/health/nope/history", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &stubAdapter{name: "openai", priority: 1})
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/v1/forecast/nairobi", "").Code)

	rec := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `foresight_predictions_total{outcome="success",provider="openai"} 1`)
}
