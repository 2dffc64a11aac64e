package stats

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// StaticSource serves stats from memory. It backs fixtures and offline runs.
type StaticSource struct {
	mu      sync.RWMutex
	regions map[string]regionData
}

type regionData struct {
	Observed Observed    `yaml:"observed"`
	History  []DailyStat `yaml:"history"`
}

func NewStaticSource() *StaticSource {
	return &StaticSource{regions: map[string]regionData{}}
}

// LoadStaticSource reads a YAML fixture of the form
//
//	regions:
//	  lagos:
//	    observed: {cases: 120, deaths: 3}
//	    history: [{date: 2024-01-01T00:00:00Z, cases: 10, deaths: 0}]
func LoadStaticSource(path string) (*StaticSource, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stats fixture: %w", err)
	}
	var doc struct {
		Regions map[string]regionData `yaml:"regions"`
	}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("parse stats fixture: %w", err)
	}
	s := NewStaticSource()
	for name, data := range doc.Regions {
		s.Set(name, data.Observed, data.History)
	}
	return s, nil
}

// Set replaces the data held for region.
func (s *StaticSource) Set(region string, observed Observed, history []DailyStat) {
	key := regionKey(region)
	observed.Region = key
	h := make([]DailyStat, len(history))
	copy(h, history)
	sort.SliceStable(h, func(i, j int) bool { return h[i].Date.Before(h[j].Date) })

	s.mu.Lock()
	s.regions[key] = regionData{Observed: observed, History: h}
	s.mu.Unlock()
}

func (s *StaticSource) Observed(_ context.Context, region string) (Observed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.regions[regionKey(region)]
	if !ok {
		return Observed{}, fmt.Errorf("%w: %s", ErrRegionNotFound, region)
	}
	return data.Observed, nil
}

func (s *StaticSource) History(_ context.Context, region string, days int) ([]DailyStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.regions[regionKey(region)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRegionNotFound, region)
	}
	h := data.History
	if days > 0 && len(h) > days {
		h = h[len(h)-days:]
	}
	out := make([]DailyStat, len(h))
	copy(out, h)
	return out, nil
}
