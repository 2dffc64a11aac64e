// Package normalize turns provider output into the canonical ForecastRecord
// and keeps the latest record per region.
package normalize

import (
	"math"
	"time"

	"github.com/rs/zerolog/log"

	prov "github.com/3cpo-dev/foresight/internal/providers"
	"github.com/3cpo-dev/foresight/internal/stats"
	"github.com/3cpo-dev/foresight/pkg/api"
)

type Engine struct {
	cfg   Config
	cache *Cache
	now   func() time.Time
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg, cache: NewCache(), now: time.Now}
}

func (e *Engine) Config() Config { return e.cfg }

// Normalize builds a ForecastRecord from raw. Missing or out-of-range forecast
// days are filled by extrapolating history, so partial or empty provider
// output still yields a complete record with a correspondingly lower
// confidence.
func (e *Engine) Normalize(raw prov.RawOutput, provider string, observed stats.Observed, history []stats.DailyStat) api.ForecastRecord {
	if raw.Provider != "" {
		provider = raw.Provider
	}
	h := e.cfg.HorizonDays
	caseHist := stats.CaseSeries(history)
	deathHist := stats.DeathSeries(history)

	cases, synthCases := fillSeries(raw.Cases, h, extrapolator(tail(caseHist, e.cfg.FitWindow), observed.NewCases))
	deaths, synthDeaths := fillSeries(raw.Deaths, h, extrapolator(tail(deathHist, e.cfg.FitWindow), observed.NewDeaths))
	synthRatio := float64(synthCases+synthDeaths) / float64(2*h)

	base := e.cfg.base(provider)
	if raw.ReportedConfidence != nil && *raw.ReportedConfidence < base {
		base = *raw.ReportedConfidence
	}
	cv := coefficientOfVariation(tail(caseHist, e.cfg.VolatilityWindow))
	confidence := e.cfg.Confidence(base, synthRatio, cv)

	growth := e.growth(cases, caseHist, observed)
	mortality := e.mortality(observed, caseHist, deathHist)
	risk := RiskScore(e.cfg, growth, mortality)
	trend := TrendOf(caseHist, e.cfg.TrendWindow, e.cfg.DeadBand)

	if synthRatio > 0 {
		log.Debug().
			Str("region", observed.Region).
			Str("provider", provider).
			Int("synthesized", synthCases+synthDeaths).
			Float64("confidence", confidence).
			Msg("Filled forecast gaps from history")
	}

	return api.ForecastRecord{
		Region:              observed.Region,
		ObservedCases:       observed.Cases,
		ObservedDeaths:      observed.Deaths,
		CasesForecast:       cases,
		DeathsForecast:      deaths,
		ConfidenceScore:     confidence,
		RiskLevel:           e.cfg.RiskLevelFor(risk),
		RiskScore:           risk,
		OutbreakProbability: OutbreakProbability(e.cfg, risk, trend),
		Trend:               trend,
		Timestamp:           e.now().UTC(),
		SourceProvider:      provider,
	}
}

// Cache stores an independent copy of rec as the region's current record.
func (e *Engine) Cache(region string, rec api.ForecastRecord) error {
	return e.cache.Put(region, rec)
}

// Get returns an independent copy of the region's current record.
func (e *Engine) Get(region string) (api.ForecastRecord, bool, error) {
	return e.cache.Get(region)
}

func (e *Engine) Regions() []string { return e.cache.Regions() }

// RiskScore combines normalized growth and mortality into [0,100].
func RiskScore(cfg Config, growth, mortality float64) float64 {
	g := clamp01(growth / cfg.GrowthThreshold)
	m := clamp01(mortality / cfg.MortalityThreshold)
	return round1(100 * clamp01(cfg.GrowthWeight*g+cfg.MortalityWeight*m))
}

// OutbreakProbability scales risk by a per-trend weight. It is monotonic in
// risk for every trend and ordered increasing > stable > decreasing.
func OutbreakProbability(cfg Config, risk float64, trend api.Trend) float64 {
	return clamp01(risk / 100 * cfg.outbreakWeight(trend))
}

// TrendOf compares the slope of the last window values, relative to their
// mean, with the dead band.
func TrendOf(values []float64, window int, deadBand float64) api.Trend {
	values = tail(values, window)
	if len(values) < 2 {
		return api.TrendStable
	}
	m := mean(values)
	if m <= 0 {
		return api.TrendStable
	}
	slope, _ := linearFit(values)
	switch rel := slope / m; {
	case rel > deadBand:
		return api.TrendIncreasing
	case rel < -deadBand:
		return api.TrendDecreasing
	default:
		return api.TrendStable
	}
}

// growth is the relative change of the forecast's first week over the last
// observed week.
func (e *Engine) growth(cases []api.SeriesPoint, caseHist []float64, observed stats.Observed) float64 {
	week := make([]float64, 0, 7)
	for i := 0; i < len(cases) && i < 7; i++ {
		week = append(week, cases[i].Value)
	}
	ahead := mean(week)
	baseline := observed.NewCases
	if len(caseHist) > 0 {
		baseline = mean(tail(caseHist, 7))
	}
	if baseline <= 0 {
		if ahead > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return (ahead - baseline) / baseline
}

func (e *Engine) mortality(observed stats.Observed, caseHist, deathHist []float64) float64 {
	if observed.Cases > 0 {
		return float64(observed.Deaths) / float64(observed.Cases)
	}
	var c, d float64
	for _, v := range caseHist {
		c += v
	}
	for _, v := range deathHist {
		d += v
	}
	if c <= 0 {
		return 0
	}
	return d / c
}

// extrapolator fits history and projects it forward by day. With no history
// it holds fallback constant.
func extrapolator(history []float64, fallback float64) func(day int) float64 {
	if len(history) == 0 {
		v := math.Max(0, fallback)
		return func(int) float64 { return v }
	}
	slope, intercept := linearFit(history)
	last := float64(len(history) - 1)
	return func(day int) float64 {
		return math.Max(0, intercept+slope*(last+float64(day)))
	}
}

// fillSeries places points on days 1..horizon and synthesizes the rest.
// Points outside the horizon are dropped and the first value for a day wins.
func fillSeries(points []prov.Point, horizon int, synth func(day int) float64) ([]api.SeriesPoint, int) {
	byDay := make(map[int]float64, len(points))
	for _, p := range points {
		if p.Day < 1 || p.Day > horizon {
			continue
		}
		if _, dup := byDay[p.Day]; !dup {
			byDay[p.Day] = math.Max(0, p.Value)
		}
	}
	out := make([]api.SeriesPoint, horizon)
	synthesized := 0
	for d := 1; d <= horizon; d++ {
		v, ok := byDay[d]
		if !ok {
			v = synth(d)
			synthesized++
		}
		out[d-1] = api.SeriesPoint{OffsetDay: d, Value: v}
	}
	return out, synthesized
}
