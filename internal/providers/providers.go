package providers

import (
	"context"
	"time"

	"github.com/3cpo-dev/foresight/internal/stats"
)

type Capabilities struct {
	Model          string `json:"model"`
	MaxHorizonDays int    `json:"max_horizon_days"`
	ForecastsDeath bool   `json:"forecasts_deaths"`
	Hosted         bool   `json:"hosted"`
}

// Descriptor identifies an adapter and its rank in the failover order.
// Lower Priority values are preferred.
type Descriptor struct {
	Name         string       `json:"name"`
	Priority     int          `json:"priority"`
	Capabilities Capabilities `json:"capabilities"`
}

// Request is the backend-neutral prediction payload.
type Request struct {
	ID          string
	Region      string
	HorizonDays int
	Observed    stats.Observed
	History     []stats.DailyStat
	Context     map[string]string
}

type Point struct {
	Day   int
	Value float64
}

// RawOutput is the single decoded shape every adapter produces. Series may be
// partial or empty; filling the gaps is the normalizer's job.
type RawOutput struct {
	Provider           string
	Model              string
	Cases              []Point
	Deaths             []Point
	ReportedConfidence *float64
	Text               string
	Latency            time.Duration
}

type HealthStatus string

const (
	HealthUp           HealthStatus = "up"
	HealthDown         HealthStatus = "down"
	HealthUnconfigured HealthStatus = "unconfigured"
)

type HealthResult struct {
	Status  HealthStatus
	Latency time.Duration
	Err     error
}

// Adapter wraps one upstream inference backend.
//
// IsAvailable must not touch the network. SendRequest returns errors of type
// *Error so failover can tell configuration, auth, quota and transient
// failures apart. HealthCheck is a cheap probe, not a full prediction.
type Adapter interface {
	IsAvailable() bool
	SendRequest(ctx context.Context, req Request) (RawOutput, error)
	HealthCheck(ctx context.Context) HealthResult
	Describe() Descriptor
}
