package api

import "time"

// v1 contains the public wire types served by foresight.

type RiskLevel string

const (
	RiskRed    RiskLevel = "red"
	RiskYellow RiskLevel = "yellow"
	RiskGreen  RiskLevel = "green"
)

type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// SeriesPoint is one forecast value, offset in days from the observation date.
type SeriesPoint struct {
	OffsetDay int     `json:"offset_day" yaml:"offset_day"`
	Value     float64 `json:"value" yaml:"value"`
}

// ForecastRecord is the canonical forecast for one region. Records are
// treated as immutable once published; use Clone before handing one out.
type ForecastRecord struct {
	Region              string        `json:"region"`
	ObservedCases       int64         `json:"observed_cases"`
	ObservedDeaths      int64         `json:"observed_deaths"`
	CasesForecast       []SeriesPoint `json:"cases_forecast"`
	DeathsForecast      []SeriesPoint `json:"deaths_forecast"`
	ConfidenceScore     float64       `json:"confidence_score"`
	RiskLevel           RiskLevel     `json:"risk_level"`
	RiskScore           float64       `json:"risk_score"`
	OutbreakProbability float64       `json:"outbreak_probability"`
	Trend               Trend         `json:"trend"`
	Timestamp           time.Time     `json:"timestamp"`
	SourceProvider      string        `json:"source_provider"`
}

// Clone returns a deep copy that shares no memory with r.
func (r ForecastRecord) Clone() ForecastRecord {
	out := r
	out.CasesForecast = cloneSeries(r.CasesForecast)
	out.DeathsForecast = cloneSeries(r.DeathsForecast)
	return out
}

func cloneSeries(in []SeriesPoint) []SeriesPoint {
	if in == nil {
		return nil
	}
	out := make([]SeriesPoint, len(in))
	copy(out, in)
	return out
}

// DegradedForecast is returned instead of a ForecastRecord when no provider
// can answer. It never carries forecast data.
type DegradedForecast struct {
	Region       string    `json:"region"`
	Degraded     bool      `json:"degraded"`
	Reason       string    `json:"reason"`
	LastProvider string    `json:"last_provider,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type ProviderStats struct {
	Total       int `json:"total"`
	Healthy     int `json:"healthy"`
	Degraded    int `json:"degraded"`
	Unavailable int `json:"unavailable"`
}

type ProviderDetail struct {
	Name                string     `json:"name"`
	Priority            int        `json:"priority"`
	Status              string     `json:"status"`
	ErrorRate           float64    `json:"error_rate"`
	AvgLatencyMs        float64    `json:"avg_latency_ms"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	TotalFailures       int        `json:"total_failures"`
	IsActive            bool       `json:"is_active"`
	Disabled            bool       `json:"disabled"`
	LastChecked         *time.Time `json:"last_checked,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}

// StatusPayload is the combined orchestration status.
type StatusPayload struct {
	Timestamp       time.Time        `json:"timestamp"`
	IsMonitoring    bool             `json:"is_monitoring"`
	CurrentProvider string           `json:"current_provider"`
	OverallStatus   string           `json:"overall_status"`
	Exhausted       bool             `json:"exhausted"`
	ProviderStats   ProviderStats    `json:"provider_stats"`
	Providers       []ProviderDetail `json:"providers"`
}
