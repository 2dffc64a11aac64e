package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/foresight/internal/health"
	"github.com/3cpo-dev/foresight/internal/lock"
	"github.com/3cpo-dev/foresight/internal/normalize"
	prov "github.com/3cpo-dev/foresight/internal/providers"
	"github.com/3cpo-dev/foresight/internal/stats"
	"github.com/3cpo-dev/foresight/pkg/api"
)

// PredictionObserver receives the outcome of every provider call.
type PredictionObserver interface {
	ObservePrediction(provider, outcome string, d time.Duration)
}

type OrchestratorOptions struct {
	Threshold      int
	FatalThreshold int
	CallTimeout    time.Duration
	HistoryDays    int
	Observer       PredictionObserver
}

// Orchestrator answers predictions through the provider holding the lock.
// It never blends output from two providers: a call is served entirely by
// the first provider or, after one failover, entirely by the next.
type Orchestrator struct {
	adapters *prov.Registry
	lock     *lock.Registry
	engine   *normalize.Engine
	stats    stats.Source
	monitor  *health.Monitor
	opts     OrchestratorOptions
}

func NewOrchestrator(adapters *prov.Registry, lockReg *lock.Registry, engine *normalize.Engine, source stats.Source, monitor *health.Monitor, opts OrchestratorOptions) *Orchestrator {
	if opts.Threshold <= 0 {
		opts.Threshold = 3
	}
	if opts.FatalThreshold <= 0 {
		opts.FatalThreshold = 1
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 15 * time.Second
	}
	if opts.HistoryDays <= 0 {
		opts.HistoryDays = 60
	}
	return &Orchestrator{
		adapters: adapters,
		lock:     lockReg,
		engine:   engine,
		stats:    source,
		monitor:  monitor,
		opts:     opts,
	}
}

// Predict returns a forecast for region. Callers see success,
// ErrNoProviderAvailable, ErrTimeout or an *UpstreamError naming the last
// provider tried; stats lookup failures are returned wrapped.
func (o *Orchestrator) Predict(ctx context.Context, region string, reqContext map[string]string) (api.ForecastRecord, error) {
	region = strings.TrimSpace(region)
	if region == "" {
		return api.ForecastRecord{}, ErrInvalidRegion
	}
	provider, err := o.activeProvider(ctx)
	if err != nil {
		return api.ForecastRecord{}, err
	}

	observed, err := o.stats.Observed(ctx, region)
	if err != nil {
		return api.ForecastRecord{}, fmt.Errorf("load observed stats: %w", err)
	}
	if observed.Region == "" {
		observed.Region = region
	}
	history, err := o.stats.History(ctx, region, o.opts.HistoryDays)
	if err != nil {
		log.Warn().Err(err).Str("region", region).Msg("History unavailable; forecasting without it")
		history = nil
	}
	req := prov.Request{
		ID:          uuid.NewString(),
		Region:      observed.Region,
		HorizonDays: o.engine.Config().HorizonDays,
		Observed:    observed,
		History:     history,
		Context:     reqContext,
	}

	raw, err := o.attempt(ctx, provider, req)
	if err == nil {
		return o.finish(ctx, provider, raw, observed, history)
	}
	if ctx.Err() != nil {
		o.handleFailure(ctx, provider, err)
		return api.ForecastRecord{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
	next, upstream := o.handleFailure(ctx, provider, err)
	if next == "" {
		return api.ForecastRecord{}, upstream
	}

	log.Info().Str("request", req.ID).Str("from", provider).Str("to", next).Msg("Retrying prediction after failover")
	raw, err = o.attempt(ctx, next, req)
	if err == nil {
		return o.finish(ctx, next, raw, observed, history)
	}
	if ctx.Err() != nil {
		o.handleFailure(ctx, next, err)
		return api.ForecastRecord{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
	_, upstream = o.handleFailure(ctx, next, err)
	return api.ForecastRecord{}, upstream
}

// activeProvider returns the lock holder, acquiring the first available
// provider by priority when nothing holds it. The exhausted state fails fast.
func (o *Orchestrator) activeProvider(ctx context.Context) (string, error) {
	if o.lock.Exhausted() {
		return "", ErrNoProviderAvailable
	}
	if active := o.lock.Active(); active != "" {
		return active, nil
	}
	for _, name := range o.adapters.ByPriority() {
		if !o.adapters.Available(name) {
			continue
		}
		err := o.lock.Acquire(ctx, name, false, "lazy acquire on first request")
		if err == nil {
			return name, nil
		}
		if errors.Is(err, lock.ErrAlreadyLocked) {
			if active := o.lock.Active(); active != "" {
				return active, nil
			}
		}
		return "", fmt.Errorf("acquire %s: %w", name, err)
	}
	return "", ErrNoProviderAvailable
}

// attempt runs one provider call. A call that outlives the per-call timeout
// or the caller's context counts as a transient failure; its eventual result
// is discarded.
func (o *Orchestrator) attempt(ctx context.Context, provider string, req prov.Request) (prov.RawOutput, error) {
	a, err := o.adapters.Get(provider)
	if err != nil {
		return prov.RawOutput{}, prov.ConfigurationError(provider, err)
	}
	cctx, cancel := context.WithTimeout(ctx, o.opts.CallTimeout)
	defer cancel()

	type result struct {
		raw prov.RawOutput
		err error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		raw, err := a.SendRequest(cctx, req)
		done <- result{raw, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-cctx.Done():
		res.err = prov.TransientError(provider, cctx.Err())
	}
	if res.err != nil {
		res.err = prov.Classify(provider, res.err)
	}
	o.observe(provider, res.err, time.Since(start))
	return res.raw, res.err
}

func (o *Orchestrator) observe(provider string, err error, d time.Duration) {
	if o.opts.Observer == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = string(prov.ClassOf(err))
	}
	o.opts.Observer.ObservePrediction(provider, outcome, d)
}

func (o *Orchestrator) finish(ctx context.Context, provider string, raw prov.RawOutput, observed stats.Observed, history []stats.DailyStat) (api.ForecastRecord, error) {
	o.lock.RecordSuccess(ctx, provider)
	rec := o.engine.Normalize(raw, provider, observed, history)
	if err := o.engine.Cache(rec.Region, rec); err != nil {
		log.Error().Err(err).Str("region", rec.Region).Msg("Cache forecast failed")
		return api.ForecastRecord{}, err
	}
	return rec, nil
}

// handleFailure applies the failover policy to a failed call on provider.
// upstream is never nil. next is the provider to retry with, or "" when the
// failure did not move the lock to another provider.
func (o *Orchestrator) handleFailure(ctx context.Context, provider string, err error) (next string, upstream *UpstreamError) {
	perr := prov.Classify(provider, err)
	upstream = &UpstreamError{Provider: provider, Class: perr.Class, Err: perr}

	var reason string
	if perr.Class == prov.ClassConfiguration {
		o.adapters.Disable(provider, perr.Error())
		reason = fmt.Sprintf("configuration: %v", perr)
		log.Warn().Err(perr).Str("provider", provider).Str("class", string(perr.Class)).Msg("Provider disabled")
	} else {
		n, rerr := o.lock.RecordFailure(ctx, provider)
		if rerr != nil {
			log.Error().Err(rerr).Str("provider", provider).Msg("Record failure failed")
			return "", upstream
		}
		threshold := o.opts.Threshold
		if perr.Fatal {
			threshold = o.opts.FatalThreshold
		}
		log.Warn().Err(perr).
			Str("provider", provider).
			Str("class", string(perr.Class)).
			Bool("fatal", perr.Fatal).
			Int("consecutive", n).
			Msg("Provider call failed")
		if n < threshold {
			return "", upstream
		}
		reason = fmt.Sprintf("%s: %d consecutive failures", perr.Class, n)
	}

	next, ferr := o.lock.Failover(ctx, provider, reason, o.adapters.ByPriority())
	if errors.Is(ferr, lock.ErrNoProvider) {
		upstream.Exhausted = true
		return "", upstream
	}
	if ferr != nil || next == "" || next == provider {
		return "", upstream
	}
	return next, upstream
}

// ForceFailover moves the lock to the next provider on operator request.
func (o *Orchestrator) ForceFailover(ctx context.Context, reason string) (string, error) {
	if reason == "" {
		reason = "operator request"
	}
	next, err := o.lock.ManualFailover(ctx, "manual: "+reason, o.adapters.ByPriority())
	if errors.Is(err, lock.ErrNoProvider) {
		return "", ErrNoProviderAvailable
	}
	return next, err
}

// Forecast returns the cached record for region.
func (o *Orchestrator) Forecast(region string) (api.ForecastRecord, bool, error) {
	return o.engine.Get(region)
}

// Status builds the combined status payload.
func (o *Orchestrator) Status() api.StatusPayload {
	s := o.monitor.Summary()
	out := api.StatusPayload{
		Timestamp:       s.Timestamp,
		IsMonitoring:    s.IsMonitoring,
		CurrentProvider: s.ActiveProvider,
		OverallStatus:   string(s.OverallStatus),
		Exhausted:       s.Exhausted,
		ProviderStats: api.ProviderStats{
			Total:       s.Total,
			Healthy:     s.Healthy,
			Degraded:    s.Degraded,
			Unavailable: s.Unavailable,
		},
		Providers: make([]api.ProviderDetail, 0, len(s.Providers)),
	}
	for _, p := range s.Providers {
		out.Providers = append(out.Providers, api.ProviderDetail{
			Name:                p.Provider,
			Priority:            p.Priority,
			Status:              string(p.Status),
			ErrorRate:           p.ErrorRate,
			AvgLatencyMs:        float64(p.AvgLatency) / float64(time.Millisecond),
			ConsecutiveFailures: p.ConsecutiveFailures,
			TotalFailures:       p.TotalFailures,
			IsActive:            p.IsActive,
			Disabled:            p.Disabled,
			LastChecked:         p.LastChecked,
			LastError:           p.LastError,
		})
	}
	return out
}
