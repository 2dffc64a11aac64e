// Package telemetry exports orchestration metrics in the Prometheus format.
package telemetry

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3cpo-dev/foresight/internal/health"
	prov "github.com/3cpo-dev/foresight/internal/providers"
)

const namespace = "foresight"

// Collector owns a private registry so tests and embedders never collide
// with the global default one. A disabled collector accepts every call and
// records nothing.
type Collector struct {
	enabled  bool
	registry *prometheus.Registry

	predictions    *prometheus.CounterVec
	predictionTime *prometheus.HistogramVec
	failovers      *prometheus.CounterVec
	probeLatency   *prometheus.HistogramVec
	providerStatus *prometheus.GaugeVec
	persistErrors  prometheus.Counter
}

func NewCollector(enabled bool) *Collector {
	c := &Collector{enabled: enabled, registry: prometheus.NewRegistry()}
	if !enabled {
		return c
	}
	c.predictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "predictions_total",
		Help:      "Prediction attempts by provider and outcome.",
	}, []string{"provider", "outcome"})
	c.predictionTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "prediction_duration_seconds",
		Help:      "Latency of provider prediction calls.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"provider"})
	c.failovers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "failovers_total",
		Help:      "Lock failovers between providers.",
	}, []string{"from", "to", "reason"})
	c.probeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "probe_latency_seconds",
		Help:      "Latency of provider health probes.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider"})
	c.providerStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "provider_status",
		Help:      "Provider health: 0 healthy, 1 degraded, 2 unavailable.",
	}, []string{"provider"})
	c.persistErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lock_persist_errors_total",
		Help:      "Lock state writes that failed.",
	})
	c.registry.MustRegister(c.predictions, c.predictionTime, c.failovers, c.probeLatency, c.providerStatus, c.persistErrors)
	return c
}

func (c *Collector) Enabled() bool { return c.enabled }

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry for scraping.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ObservePrediction records one provider call. outcome is "success" or the
// error class.
func (c *Collector) ObservePrediction(provider, outcome string, d time.Duration) {
	if !c.enabled {
		return
	}
	c.predictions.WithLabelValues(provider, outcome).Inc()
	c.predictionTime.WithLabelValues(provider).Observe(d.Seconds())
}

func (c *Collector) ObserveFailover(from, to, reason string) {
	if !c.enabled {
		return
	}
	if to == "" {
		to = "none"
	}
	c.failovers.WithLabelValues(from, to, reasonLabel(reason)).Inc()
}

func (c *Collector) ObservePersistError(error) {
	if !c.enabled {
		return
	}
	c.persistErrors.Inc()
}

func (c *Collector) ObserveProbe(provider string, _ prov.HealthStatus, latency time.Duration) {
	if !c.enabled {
		return
	}
	c.probeLatency.WithLabelValues(provider).Observe(latency.Seconds())
}

func (c *Collector) ObserveStatus(provider string, s health.Status) {
	if !c.enabled {
		return
	}
	v := 2.0
	switch s {
	case health.StatusHealthy:
		v = 0
	case health.StatusDegraded:
		v = 1
	}
	c.providerStatus.WithLabelValues(provider).Set(v)
}

// reasonLabel keeps label cardinality bounded. Reasons are written as
// "category: detail" and only the category becomes a label.
func reasonLabel(reason string) string {
	if i := strings.IndexByte(reason, ':'); i > 0 {
		return reason[:i]
	}
	return "other"
}
