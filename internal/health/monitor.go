package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/foresight/internal/lock"
	prov "github.com/3cpo-dev/foresight/internal/providers"
)

var ErrUnknownProvider = errors.New("unknown provider")

type Config struct {
	Interval          time.Duration `yaml:"interval"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	Window            int           `yaml:"window"`
	DegradedErrorRate float64       `yaml:"degraded_error_rate"`
	HistoryLimit      int           `yaml:"history_limit"`
}

func DefaultConfig() Config {
	return Config{
		Interval:          5 * time.Minute,
		ProbeTimeout:      5 * time.Second,
		Window:            20,
		DegradedErrorRate: 0.5,
		HistoryLimit:      DefaultHistoryLimit,
	}
}

// Observer receives probe results and status changes, typically for metrics.
type Observer interface {
	ObserveProbe(provider string, status prov.HealthStatus, latency time.Duration)
	ObserveStatus(provider string, status Status)
}

// Summary is the aggregate view exposed to operators.
type Summary struct {
	Timestamp      time.Time        `json:"timestamp"`
	IsMonitoring   bool             `json:"is_monitoring"`
	ActiveProvider string           `json:"active_provider"`
	OverallStatus  Status           `json:"overall_status"`
	Exhausted      bool             `json:"exhausted"`
	Total          int              `json:"total"`
	Healthy        int              `json:"healthy"`
	Degraded       int              `json:"degraded"`
	Unavailable    int              `json:"unavailable"`
	Providers      []ProviderHealth `json:"providers"`
}

// Monitor probes every adapter on its own schedule. Besides recording
// outcomes it moves the lock away from an active provider whose failure
// streak has reached the threshold, re-enables providers that were disabled
// for configuration errors once they probe healthy, and reacquires a lock
// after exhaustion when a provider recovers.
type Monitor struct {
	cfg       Config
	threshold int
	adapters  *prov.Registry
	lock      *lock.Registry
	store     *MetricsStore
	observer  Observer
	now       func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

func NewMonitor(cfg Config, threshold int, adapters *prov.Registry, lockReg *lock.Registry, store *MetricsStore, observer Observer) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.DegradedErrorRate <= 0 {
		cfg.DegradedErrorRate = DefaultConfig().DegradedErrorRate
	}
	if threshold <= 0 {
		threshold = 3
	}
	return &Monitor{
		cfg:       cfg,
		threshold: threshold,
		adapters:  adapters,
		lock:      lockReg,
		store:     store,
		observer:  observer,
		now:       time.Now,
	}
}

// Start runs a tick immediately and then every Interval until Stop or ctx
// cancellation. Starting a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running.Load() {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running.Store(true)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.running.Store(false)
		log.Info().Dur("interval", m.cfg.Interval).Msg("Health monitor started")

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		m.Tick(ctx)
		for {
			select {
			case <-ticker.C:
				m.Tick(ctx)
			case <-ctx.Done():
				log.Info().Msg("Health monitor stopping")
				return
			}
		}
	}()
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) IsMonitoring() bool { return m.running.Load() }

// Tick probes every adapter once and applies the lock policies.
func (m *Monitor) Tick(ctx context.Context) {
	adapters := m.adapters.All()
	var wg sync.WaitGroup
	for _, a := range adapters {
		wg.Add(1)
		go func(a prov.Adapter) {
			defer wg.Done()
			m.probe(ctx, a)
		}(a)
	}
	wg.Wait()
	if ctx.Err() != nil {
		return
	}

	order := m.adapters.ByPriority()
	if active := m.lock.Active(); active != "" {
		if c := m.lock.Counters(active); c.Consecutive >= m.threshold {
			reason := fmt.Sprintf("health monitor: %d consecutive failures", c.Consecutive)
			if _, err := m.lock.Failover(ctx, active, reason, order); err != nil {
				log.Error().Err(err).Str("from", active).Msg("Proactive failover found no provider")
			}
		}
	} else if m.lock.Exhausted() {
		m.recover(ctx, order)
	}

	if m.observer != nil {
		for _, h := range m.AllProvidersHealth() {
			m.observer.ObserveStatus(h.Provider, h.Status)
		}
	}
}

func (m *Monitor) probe(ctx context.Context, a prov.Adapter) {
	name := a.Describe().Name
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	res := a.HealthCheck(pctx)
	rec := Record{Provider: name, Timestamp: m.now().UTC(), Latency: res.Latency}
	switch res.Status {
	case prov.HealthUp:
		rec.Outcome = OutcomeSuccess
	case prov.HealthUnconfigured:
		rec.Outcome = OutcomeUnconfigured
	default:
		rec.Outcome = OutcomeFailure
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	m.store.Record(ctx, rec)
	if m.observer != nil {
		m.observer.ObserveProbe(name, res.Status, res.Latency)
	}

	if res.Status == prov.HealthUp {
		if reason, off := m.adapters.Disabled(name); off {
			m.adapters.Enable(name)
			log.Info().Str("provider", name).Str("was", reason).Msg("Provider re-enabled after healthy probe")
		}
		return
	}
	log.Debug().Str("provider", name).Str("outcome", string(rec.Outcome)).Str("error", rec.Error).Msg("Health probe failed")
}

// recover acquires the first healthy, available provider after exhaustion.
func (m *Monitor) recover(ctx context.Context, order []string) {
	for _, name := range order {
		if !m.adapters.Available(name) {
			continue
		}
		h, err := m.ProviderHealth(name)
		if err != nil || h.Status != StatusHealthy {
			continue
		}
		if err := m.lock.Acquire(ctx, name, false, "health monitor: provider recovered"); err != nil {
			log.Warn().Err(err).Str("provider", name).Msg("Recovery acquire failed")
			return
		}
		log.Info().Str("provider", name).Msg("Recovered from provider exhaustion")
		return
	}
}

func (m *Monitor) ProviderHealth(name string) (ProviderHealth, error) {
	a, err := m.adapters.Get(name)
	if err != nil {
		return ProviderHealth{}, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return m.evaluate(a, m.lock.Active()), nil
}

// AllProvidersHealth returns every provider in priority order.
func (m *Monitor) AllProvidersHealth() []ProviderHealth {
	active := m.lock.Active()
	adapters := m.adapters.All()
	out := make([]ProviderHealth, 0, len(adapters))
	for _, a := range adapters {
		out = append(out, m.evaluate(a, active))
	}
	return out
}

func (m *Monitor) evaluate(a prov.Adapter, active string) ProviderHealth {
	d := a.Describe()
	window := m.store.History(d.Name, m.cfg.Window)
	available := m.adapters.Available(d.Name)
	status, rate, avg := Evaluate(window, available, m.cfg.DegradedErrorRate)
	_, disabled := m.adapters.Disabled(d.Name)
	if disabled {
		status = StatusUnavailable
	}
	counters := m.lock.Counters(d.Name)
	h := ProviderHealth{
		Provider:            d.Name,
		Priority:            d.Priority,
		Status:              status,
		ErrorRate:           rate,
		AvgLatency:          avg,
		ConsecutiveFailures: counters.Consecutive,
		TotalFailures:       counters.Total,
		IsActive:            d.Name == active,
		Disabled:            disabled,
		Samples:             len(window),
	}
	if n := len(window); n > 0 {
		last := window[n-1]
		ts := last.Timestamp
		h.LastChecked = &ts
		h.LastError = last.Error
	}
	return h
}

func (m *Monitor) Summary() Summary {
	providers := m.AllProvidersHealth()
	st := m.lock.Status()
	s := Summary{
		Timestamp:      m.now().UTC(),
		IsMonitoring:   m.IsMonitoring(),
		ActiveProvider: st.ActiveProvider,
		Exhausted:      st.Exhausted,
		Total:          len(providers),
		Providers:      providers,
	}
	statuses := make([]Status, len(providers))
	for i, p := range providers {
		statuses[i] = p.Status
		switch p.Status {
		case StatusHealthy:
			s.Healthy++
		case StatusDegraded:
			s.Degraded++
		default:
			s.Unavailable++
		}
	}
	s.OverallStatus = Overall(statuses, st.Exhausted)
	return s
}

func (m *Monitor) History(name string, limit int) ([]Record, error) {
	if !m.adapters.Has(name) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return m.store.History(name, limit), nil
}
