package normalize

import (
	"fmt"

	"github.com/3cpo-dev/foresight/pkg/api"
)

// Config holds the fixed constants of normalization. Cut points and
// thresholds are read from here only, never recomputed per call.
type Config struct {
	HorizonDays      int     `yaml:"horizon_days"`
	TrendWindow      int     `yaml:"trend_window"`
	DeadBand         float64 `yaml:"dead_band"`
	VolatilityWindow int     `yaml:"volatility_window"`
	FitWindow        int     `yaml:"fit_window"`

	// Growth above GrowthThreshold and mortality above MortalityThreshold
	// saturate their component of the risk score.
	GrowthThreshold    float64 `yaml:"growth_threshold"`
	MortalityThreshold float64 `yaml:"mortality_threshold"`
	GrowthWeight       float64 `yaml:"growth_weight"`
	MortalityWeight    float64 `yaml:"mortality_weight"`

	RedCut    float64 `yaml:"red_cut"`
	YellowCut float64 `yaml:"yellow_cut"`

	CompletenessPenalty float64            `yaml:"completeness_penalty"`
	VolatilityPenalty   float64            `yaml:"volatility_penalty"`
	BaseConfidence      map[string]float64 `yaml:"base_confidence"`
	DefaultConfidence   float64            `yaml:"default_confidence"`

	// OutbreakWeights scale risk into outbreak probability per trend.
	OutbreakWeights map[api.Trend]float64 `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		HorizonDays:         14,
		TrendWindow:         7,
		DeadBand:            0.02,
		VolatilityWindow:    14,
		FitWindow:           14,
		GrowthThreshold:     0.10,
		MortalityThreshold:  0.02,
		GrowthWeight:        0.6,
		MortalityWeight:     0.4,
		RedCut:              80,
		YellowCut:           50,
		CompletenessPenalty: 0.5,
		VolatilityPenalty:   0.3,
		BaseConfidence: map[string]float64{
			"openai":      0.85,
			"gemini":      0.80,
			"huggingface": 0.70,
		},
		DefaultConfidence: 0.6,
		OutbreakWeights: map[api.Trend]float64{
			api.TrendIncreasing: 1.0,
			api.TrendStable:     0.8,
			api.TrendDecreasing: 0.6,
		},
	}
}

func (c Config) Validate() error {
	switch {
	case c.HorizonDays <= 0:
		return fmt.Errorf("normalize: horizon_days must be positive")
	case c.TrendWindow < 2:
		return fmt.Errorf("normalize: trend_window must be at least 2")
	case c.DeadBand < 0:
		return fmt.Errorf("normalize: dead_band must not be negative")
	case c.GrowthThreshold <= 0 || c.MortalityThreshold <= 0:
		return fmt.Errorf("normalize: growth and mortality thresholds must be positive")
	case c.YellowCut <= 0 || c.RedCut <= c.YellowCut || c.RedCut > 100:
		return fmt.Errorf("normalize: cut points must satisfy 0 < yellow < red <= 100")
	case c.CompletenessPenalty < 0 || c.VolatilityPenalty < 0:
		return fmt.Errorf("normalize: penalties must not be negative")
	}
	return nil
}

// RiskLevelFor buckets a risk score: red at or above RedCut, yellow at or
// above YellowCut, green below.
func (c Config) RiskLevelFor(score float64) api.RiskLevel {
	switch {
	case score >= c.RedCut:
		return api.RiskRed
	case score >= c.YellowCut:
		return api.RiskYellow
	default:
		return api.RiskGreen
	}
}

// Confidence subtracts the completeness and volatility penalties from base.
// synthRatio is the share of forecast values that were synthesized and cv
// the coefficient of variation of recent history; both are clamped to [0,1].
func (c Config) Confidence(base, synthRatio, cv float64) float64 {
	return clamp01(base - c.CompletenessPenalty*clamp01(synthRatio) - c.VolatilityPenalty*clamp01(cv))
}

func (c Config) base(provider string) float64 {
	if v, ok := c.BaseConfidence[provider]; ok {
		return v
	}
	return c.DefaultConfidence
}

func (c Config) outbreakWeight(t api.Trend) float64 {
	if w, ok := c.OutbreakWeights[t]; ok {
		return w
	}
	return 0.8
}
