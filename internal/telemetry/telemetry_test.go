package telemetry

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/foresight/internal/health"
	prov "github.com/3cpo-dev/foresight/internal/providers"
)

func TestCollectorRecords(t *testing.T) {
	c := NewCollector(true)
	c.ObservePrediction("openai", "success", 120*time.Millisecond)
	c.ObservePrediction("openai", "transient", time.Second)
	c.ObserveFailover("openai", "gemini", "transient: 3 consecutive failures")
	c.ObserveFailover("gemini", "", "quota: exhausted")
	c.ObservePersistError(errors.New("disk full"))
	c.ObserveProbe("openai", prov.HealthUp, 30*time.Millisecond)
	c.ObserveStatus("openai", health.StatusDegraded)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.predictions.WithLabelValues("openai", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.failovers.WithLabelValues("openai", "gemini", "transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.failovers.WithLabelValues("gemini", "none", "quota")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.persistErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.providerStatus.WithLabelValues("openai")))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "foresight_predictions_total")
	assert.Contains(t, string(body), "foresight_probe_latency_seconds")
}

func TestDisabledCollectorIsNoop(t *testing.T) {
	c := NewCollector(false)
	assert.False(t, c.Enabled())
	c.ObservePrediction("openai", "success", time.Second)
	c.ObserveFailover("a", "b", "x")
	c.ObservePersistError(nil)
	c.ObserveProbe("a", prov.HealthDown, 0)
	c.ObserveStatus("a", health.StatusHealthy)

	families, err := c.Registry().Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
}

func TestReasonLabel(t *testing.T) {
	assert.Equal(t, "manual", reasonLabel("manual: operator request"))
	assert.Equal(t, "other", reasonLabel("something odd"))
	assert.Equal(t, "other", reasonLabel(":leading"))
}
