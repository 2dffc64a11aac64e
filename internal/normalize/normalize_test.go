package normalize

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	prov "github.com/3cpo-dev/foresight/internal/providers"
	"github.com/3cpo-dev/foresight/internal/stats"
	"github.com/3cpo-dev/foresight/pkg/api"
)

func dailyHistory(values ...float64) []stats.DailyStat {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]stats.DailyStat, len(values))
	for i, v := range values {
		out[i] = stats.DailyStat{Date: start.AddDate(0, 0, i), Cases: v, Deaths: v / 100}
	}
	return out
}

func fullSeries(h int, v float64) []prov.Point {
	out := make([]prov.Point, h)
	for i := range out {
		out[i] = prov.Point{Day: i + 1, Value: v}
	}
	return out
}

func TestNormalizeEmptyHistoryUnseenRegion(t *testing.T) {
	e := New(DefaultConfig())
	rec := e.Normalize(prov.RawOutput{}, "huggingface", stats.Observed{Region: "atlantis"}, nil)

	assert.Equal(t, "atlantis", rec.Region)
	assert.GreaterOrEqual(t, rec.ConfidenceScore, 0.0)
	assert.LessOrEqual(t, rec.ConfidenceScore, 1.0)
	assert.Len(t, rec.CasesForecast, 14)
	assert.Len(t, rec.DeathsForecast, 14)
	assert.Equal(t, api.TrendStable, rec.Trend)
	assert.Equal(t, api.RiskGreen, rec.RiskLevel)
	assert.Equal(t, "huggingface", rec.SourceProvider)
}

func TestNormalizeFillsGapsFromHistory(t *testing.T) {
	e := New(DefaultConfig())
	history := dailyHistory(10, 20, 30, 40, 50)
	raw := prov.RawOutput{
		Provider: "openai",
		Cases:    []prov.Point{{Day: 1, Value: 61}, {Day: 1, Value: 999}, {Day: 40, Value: 5}, {Day: 3, Value: -4}},
	}
	rec := e.Normalize(raw, "ignored", stats.Observed{Region: "x", Cases: 1000, Deaths: 10}, history)

	require.Len(t, rec.CasesForecast, 14)
	assert.Equal(t, 61.0, rec.CasesForecast[0].Value)
	assert.InDelta(t, 70.0, rec.CasesForecast[1].Value, 1e-9)
	assert.Equal(t, 0.0, rec.CasesForecast[2].Value)
	assert.Equal(t, "openai", rec.SourceProvider)
	for i, p := range rec.CasesForecast {
		assert.Equal(t, i+1, p.OffsetDay)
	}
	assert.Equal(t, api.TrendIncreasing, rec.Trend)
}

func TestConfidenceMonotonicInPenalties(t *testing.T) {
	cfg := DefaultConfig()
	prev := 2.0
	for r := 0.0; r <= 1.0; r += 0.05 {
		c := cfg.Confidence(0.85, r, 0.1)
		assert.LessOrEqual(t, c, prev)
		prev = c
	}
	prev = 2.0
	for cv := 0.0; cv <= 2.0; cv += 0.1 {
		c := cfg.Confidence(0.85, 0.2, cv)
		assert.LessOrEqual(t, c, prev)
		prev = c
	}
	assert.Equal(t, 0.0, cfg.Confidence(0.1, 1, 1))
	assert.Equal(t, 1.0, cfg.Confidence(1.5, 0, 0))
}

func TestMoreSynthesisNeverRaisesConfidence(t *testing.T) {
	e := New(DefaultConfig())
	obs := stats.Observed{Region: "x", Cases: 500, Deaths: 5, NewCases: 20}
	history := dailyHistory(20, 22, 19, 21, 20, 23, 22)

	prev := 2.0
	for n := 14; n >= 0; n-- {
		raw := prov.RawOutput{Provider: "gemini", Cases: fullSeries(n, 21), Deaths: fullSeries(n, 0.2)}
		c := e.Normalize(raw, "gemini", obs, history).ConfidenceScore
		assert.LessOrEqual(t, c, prev, "points=%d", n)
		prev = c
	}
}

func TestReportedConfidenceCapsBase(t *testing.T) {
	e := New(DefaultConfig())
	low := 0.3
	obs := stats.Observed{Region: "x"}
	full := prov.RawOutput{Provider: "openai", Cases: fullSeries(14, 1), Deaths: fullSeries(14, 0)}
	assert.InDelta(t, 0.85, e.Normalize(full, "openai", obs, nil).ConfidenceScore, 1e-9)

	full.ReportedConfidence = &low
	assert.InDelta(t, 0.3, e.Normalize(full, "openai", obs, nil).ConfidenceScore, 1e-9)
}

func TestRiskLevelBoundaries(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, api.RiskYellow, cfg.RiskLevelFor(79))
	assert.Equal(t, api.RiskYellow, cfg.RiskLevelFor(79.9))
	assert.Equal(t, api.RiskRed, cfg.RiskLevelFor(80))
	assert.Equal(t, api.RiskGreen, cfg.RiskLevelFor(49))
	assert.Equal(t, api.RiskGreen, cfg.RiskLevelFor(49.9))
	assert.Equal(t, api.RiskYellow, cfg.RiskLevelFor(50))
	assert.Equal(t, api.RiskRed, cfg.RiskLevelFor(100))
	assert.Equal(t, api.RiskGreen, cfg.RiskLevelFor(0))
}

func TestRiskScore(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 0.0, RiskScore(cfg, -0.5, 0))
	assert.Equal(t, 100.0, RiskScore(cfg, 0.5, 0.05))
	assert.Equal(t, 60.0, RiskScore(cfg, 0.10, 0))
	assert.Equal(t, 50.0, RiskScore(cfg, 0.05, 0.01))
}

func TestOutbreakProbabilityMonotonic(t *testing.T) {
	cfg := DefaultConfig()
	for _, trend := range []api.Trend{api.TrendIncreasing, api.TrendStable, api.TrendDecreasing} {
		prev := -1.0
		for risk := 0.0; risk <= 100; risk += 5 {
			p := OutbreakProbability(cfg, risk, trend)
			assert.GreaterOrEqual(t, p, prev)
			assert.GreaterOrEqual(t, p, 0.0)
			assert.LessOrEqual(t, p, 1.0)
			prev = p
		}
	}
	assert.Greater(t, OutbreakProbability(cfg, 70, api.TrendIncreasing), OutbreakProbability(cfg, 70, api.TrendStable))
	assert.Greater(t, OutbreakProbability(cfg, 70, api.TrendStable), OutbreakProbability(cfg, 70, api.TrendDecreasing))
}

func TestTrendDeadBand(t *testing.T) {
	assert.Equal(t, api.TrendStable, TrendOf([]float64{100}, 7, 0.02))
	assert.Equal(t, api.TrendStable, TrendOf([]float64{100, 101, 100, 101, 100, 101, 100}, 7, 0.02))
	assert.Equal(t, api.TrendIncreasing, TrendOf([]float64{100, 110, 120, 130}, 7, 0.02))
	assert.Equal(t, api.TrendDecreasing, TrendOf([]float64{130, 120, 110, 100}, 7, 0.02))
	// Only the window matters.
	assert.Equal(t, api.TrendStable, TrendOf([]float64{1, 50, 100, 100, 100}, 3, 0.02))
	assert.Equal(t, api.TrendStable, TrendOf([]float64{0, 0, 0}, 7, 0.02))
}

func TestCacheReturnsIndependentCopies(t *testing.T) {
	c := NewCache()
	rec := api.ForecastRecord{Region: "Lagos", CasesForecast: []api.SeriesPoint{{OffsetDay: 1, Value: 5}}}
	require.NoError(t, c.Put("lagos", rec))

	got, ok, err := c.Get(" LAGOS ")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, got)

	got.CasesForecast[0].Value = 99
	rec.CasesForecast[0].Value = 42
	again, _, _ := c.Get("lagos")
	assert.Equal(t, 5.0, again.CasesForecast[0].Value)

	_, ok, err = c.Get("accra")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"lagos"}, c.Regions())
}

func TestCacheRejectsForeignRecord(t *testing.T) {
	c := NewCache()
	err := c.Put("lagos", api.ForecastRecord{Region: "accra"})
	assert.ErrorIs(t, err, ErrCacheConsistency)

	v, _ := c.slots.LoadOrStore("lima", &slot{})
	v.(*slot).rec.Store(&api.ForecastRecord{Region: "quito"})
	_, _, err = c.Get("lima")
	assert.ErrorIs(t, err, ErrCacheConsistency)
}

func TestCacheConcurrentReplaceNeverTears(t *testing.T) {
	c := NewCache()
	mk := func(v float64) api.ForecastRecord {
		s := make([]api.SeriesPoint, 14)
		for i := range s {
			s[i] = api.SeriesPoint{OffsetDay: i + 1, Value: v}
		}
		return api.ForecastRecord{Region: "r", CasesForecast: s, RiskScore: v}
	}
	require.NoError(t, c.Put("r", mk(0)))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				assert.NoError(t, c.Put("r", mk(float64(w*1000+i))))
			}
		}(w)
	}
	for rd := 0; rd < 4; rd++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				rec, ok, err := c.Get("r")
				if !assert.NoError(t, err) || !assert.True(t, ok) {
					return
				}
				for _, p := range rec.CasesForecast {
					if p.Value != rec.RiskScore {
						assert.Fail(t, fmt.Sprintf("torn record: %v vs %v", p.Value, rec.RiskScore))
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	cfg := DefaultConfig()
	cfg.RedCut = 40
	assert.Error(t, cfg.Validate())
	cfg = DefaultConfig()
	cfg.HorizonDays = 0
	assert.Error(t, cfg.Validate())
}
