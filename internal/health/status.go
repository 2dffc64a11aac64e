package health

import "time"

type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
)

// ProviderHealth is derived from the rolling window and the lock counters.
type ProviderHealth struct {
	Provider            string        `json:"provider"`
	Priority            int           `json:"priority"`
	Status              Status        `json:"status"`
	ErrorRate           float64       `json:"error_rate"`
	AvgLatency          time.Duration `json:"avg_latency"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalFailures       int           `json:"total_failures"`
	IsActive            bool          `json:"is_active"`
	Disabled            bool          `json:"disabled"`
	Samples             int           `json:"samples"`
	LastChecked         *time.Time    `json:"last_checked,omitempty"`
	LastError           string        `json:"last_error,omitempty"`
}

// Evaluate derives status from a window of records, oldest first. With no
// records the provider's local availability decides. The error rate counts
// failures and unconfigured probes; latency averages successful probes.
func Evaluate(window []Record, available bool, degradedRate float64) (Status, float64, time.Duration) {
	if len(window) == 0 {
		if available {
			return StatusHealthy, 0, 0
		}
		return StatusUnavailable, 0, 0
	}
	var failures, successes int
	var latency time.Duration
	for _, r := range window {
		if r.Outcome == OutcomeSuccess {
			successes++
			latency += r.Latency
			continue
		}
		failures++
	}
	rate := float64(failures) / float64(len(window))
	var avg time.Duration
	if successes > 0 {
		avg = latency / time.Duration(successes)
	}
	switch {
	case window[len(window)-1].Outcome == OutcomeUnconfigured, rate >= 1:
		return StatusUnavailable, rate, avg
	case rate >= degradedRate:
		return StatusDegraded, rate, avg
	default:
		return StatusHealthy, rate, avg
	}
}

// Overall folds per-provider statuses into one: healthy when all are,
// unavailable when none is healthy or degraded, otherwise degraded.
func Overall(statuses []Status, exhausted bool) Status {
	if len(statuses) == 0 || exhausted {
		return StatusUnavailable
	}
	healthy, usable := 0, 0
	for _, s := range statuses {
		switch s {
		case StatusHealthy:
			healthy++
			usable++
		case StatusDegraded:
			usable++
		}
	}
	switch {
	case healthy == len(statuses):
		return StatusHealthy
	case usable == 0:
		return StatusUnavailable
	default:
		return StatusDegraded
	}
}
