// Package stats is the boundary to the upstream statistics-ingestion service.
// It supplies the observed totals and daily history a forecast is built from.
package stats

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrRegionNotFound = errors.New("region not found")

// Observed holds the latest known totals for a region. Cases and Deaths are
// cumulative; NewCases and NewDeaths are the most recent daily increments.
type Observed struct {
	Region    string    `json:"region" yaml:"region"`
	Cases     int64     `json:"cases" yaml:"cases"`
	Deaths    int64     `json:"deaths" yaml:"deaths"`
	NewCases  float64   `json:"new_cases" yaml:"new_cases"`
	NewDeaths float64   `json:"new_deaths" yaml:"new_deaths"`
	AsOf      time.Time `json:"as_of" yaml:"as_of"`
}

// DailyStat is one day of new cases and deaths.
type DailyStat struct {
	Date   time.Time `json:"date" yaml:"date"`
	Cases  float64   `json:"cases" yaml:"cases"`
	Deaths float64   `json:"deaths" yaml:"deaths"`
}

// Source supplies observed stats and history per region. History is ordered
// oldest first and holds at most days entries.
type Source interface {
	Observed(ctx context.Context, region string) (Observed, error)
	History(ctx context.Context, region string, days int) ([]DailyStat, error)
}

// CaseSeries extracts the daily case values from history.
func CaseSeries(history []DailyStat) []float64 {
	out := make([]float64, len(history))
	for i, d := range history {
		out[i] = d.Cases
	}
	return out
}

// DeathSeries extracts the daily death values from history.
func DeathSeries(history []DailyStat) []float64 {
	out := make([]float64, len(history))
	for i, d := range history {
		out[i] = d.Deaths
	}
	return out
}

func regionKey(region string) string {
	return strings.ToLower(strings.TrimSpace(region))
}
