package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/foresight/internal/health"
	"github.com/3cpo-dev/foresight/internal/lock"
	"github.com/3cpo-dev/foresight/internal/normalize"
	prov "github.com/3cpo-dev/foresight/internal/providers"
	"github.com/3cpo-dev/foresight/internal/providers/gemini"
	"github.com/3cpo-dev/foresight/internal/providers/huggingface"
	"github.com/3cpo-dev/foresight/internal/providers/openai"
	"github.com/3cpo-dev/foresight/internal/stats"
	"github.com/3cpo-dev/foresight/internal/telemetry"
)

// App owns every long-lived component of a foresight process.
type App struct {
	Config       Config
	Adapters     *prov.Registry
	Lock         *lock.Registry
	Metrics      *health.MetricsStore
	Monitor      *health.Monitor
	Engine       *normalize.Engine
	Stats        stats.Source
	Orchestrator *Orchestrator
	Telemetry    *telemetry.Collector

	closers []func() error
}

// NewApp builds the adapters, persistence, lock registry, health monitor and
// orchestrator described by cfg. The monitor is not started.
func NewApp(ctx context.Context, cfg Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{
		Config:    cfg,
		Adapters:  NewAdapters(cfg),
		Telemetry: telemetry.NewCollector(cfg.Server.Metrics),
	}

	lockStore, sink, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	a.Lock, err = lock.New(ctx, lockStore, lock.Options{
		AuditLimit:     cfg.Failover.AuditLimit,
		Known:          a.Adapters.Has,
		Available:      a.Adapters.Available,
		OnPersistError: a.Telemetry.ObservePersistError,
		OnFailover:     a.Telemetry.ObserveFailover,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Metrics = health.NewMetricsStore(cfg.Health.HistoryLimit, sink)
	if err := a.Metrics.Seed(ctx, a.Adapters.ByPriority()); err != nil {
		log.Warn().Err(err).Msg("Seed health history failed")
	}
	a.Monitor = health.NewMonitor(cfg.Health, cfg.Failover.Threshold, a.Adapters, a.Lock, a.Metrics, a.Telemetry)
	a.Engine = normalize.New(cfg.Normalize)

	a.Stats, err = newStatsSource(cfg.Stats)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Orchestrator = NewOrchestrator(a.Adapters, a.Lock, a.Engine, a.Stats, a.Monitor, OrchestratorOptions{
		Threshold:      cfg.Failover.Threshold,
		FatalThreshold: cfg.Failover.FatalThreshold,
		CallTimeout:    cfg.Failover.CallTimeout,
		HistoryDays:    cfg.Stats.HistoryDays,
		Observer:       a.Telemetry,
	})

	log.Info().
		Strs("priority", a.Adapters.ByPriority()).
		Str("store", cfg.Store.Driver).
		Str("active", a.Lock.Active()).
		Msg("Foresight initialized")
	return a, nil
}

// NewAdapters registers an adapter for every provider in the priority list.
func NewAdapters(cfg Config) *prov.Registry {
	reg := prov.NewRegistry()
	for _, name := range cfg.Providers.Priority {
		b := cfg.Backend(name)
		switch name {
		case openai.Name:
			reg.Register(openai.New(b))
		case gemini.Name:
			reg.Register(gemini.New(b))
		case huggingface.Name:
			reg.Register(huggingface.New(b))
		}
	}
	return reg
}

func (a *App) openStore(ctx context.Context) (lock.StateStore, health.RecordSink, error) {
	switch a.Config.Store.Driver {
	case "sqlite":
		s, err := NewStore(a.Config.Store.Path, a.Config.Health.HistoryLimit)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, s, nil
	case "redis":
		s := NewRedisStore(a.Config.Store, a.Config.Health.HistoryLimit)
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.Ping(pctx); err != nil {
			s.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		return s, s, nil
	default:
		return lock.NewMemoryStore(), nil, nil
	}
}

func newStatsSource(cfg StatsConfig) (stats.Source, error) {
	switch {
	case cfg.File != "":
		src, err := stats.LoadStaticSource(cfg.File)
		if err != nil {
			return nil, err
		}
		return src, nil
	case cfg.BaseURL != "":
		return stats.NewHTTPSource(cfg.BaseURL, time.Duration(cfg.TimeoutSeconds)*time.Second, nil), nil
	default:
		log.Warn().Msg("No stats source configured; every region will be unknown")
		return stats.NewStaticSource(), nil
	}
}

// Close stops the monitor and releases persistence handles.
func (a *App) Close() error {
	if a.Monitor != nil {
		a.Monitor.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
