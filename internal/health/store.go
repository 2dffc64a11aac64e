// Package health probes providers on a schedule, keeps a bounded history of
// the outcomes and derives each provider's health from it.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultHistoryLimit bounds the records kept per provider.
const DefaultHistoryLimit = 1000

type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeFailure      Outcome = "failure"
	OutcomeUnconfigured Outcome = "unconfigured"
)

type Record struct {
	Provider  string        `json:"provider"`
	Timestamp time.Time     `json:"timestamp"`
	Outcome   Outcome       `json:"outcome"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
}

// RecordSink persists health records outside the process.
type RecordSink interface {
	AppendHealthRecord(ctx context.Context, r Record) error
	LoadHealthRecords(ctx context.Context, provider string, limit int) ([]Record, error)
}

// ring is a fixed-capacity buffer that overwrites its oldest entry.
type ring struct {
	mu    sync.Mutex
	buf   []Record
	start int
	n     int
}

func newRing(capacity int) *ring { return &ring{buf: make([]Record, capacity)} }

func (r *ring) push(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = rec
		r.n++
		return
	}
	r.buf[r.start] = rec
	r.start = (r.start + 1) % len(r.buf)
}

// last returns up to limit of the newest records, oldest first.
func (r *ring) last(limit int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > r.n {
		limit = r.n
	}
	out := make([]Record, limit)
	skip := r.n - limit
	for i := 0; i < limit; i++ {
		out[i] = r.buf[(r.start+skip+i)%len(r.buf)]
	}
	return out
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// MetricsStore keeps insertion-ordered health records per provider. Each
// provider has its own buffer and lock, so probes of different providers do
// not contend.
type MetricsStore struct {
	limit int
	sink  RecordSink

	mu    sync.RWMutex
	rings map[string]*ring
}

func NewMetricsStore(limit int, sink RecordSink) *MetricsStore {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &MetricsStore{limit: limit, sink: sink, rings: map[string]*ring{}}
}

func (m *MetricsStore) ringFor(provider string) *ring {
	m.mu.RLock()
	r, ok := m.rings[provider]
	m.mu.RUnlock()
	if ok {
		return r
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok = m.rings[provider]; !ok {
		r = newRing(m.limit)
		m.rings[provider] = r
	}
	return r
}

// Record appends rec and forwards it to the sink. Sink failures are logged;
// the in-memory history is authoritative.
func (m *MetricsStore) Record(ctx context.Context, rec Record) {
	m.ringFor(rec.Provider).push(rec)
	if m.sink == nil {
		return
	}
	if err := m.sink.AppendHealthRecord(ctx, rec); err != nil {
		log.Warn().Err(err).Str("provider", rec.Provider).Msg("Persist health record failed")
	}
}

// History returns up to limit of the newest records, oldest first. A
// non-positive limit returns everything kept.
func (m *MetricsStore) History(provider string, limit int) []Record {
	m.mu.RLock()
	r, ok := m.rings[provider]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return r.last(limit)
}

func (m *MetricsStore) Len(provider string) int {
	m.mu.RLock()
	r, ok := m.rings[provider]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return r.len()
}

func (m *MetricsStore) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.rings))
	for name := range m.rings {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Seed loads persisted history for providers from the sink.
func (m *MetricsStore) Seed(ctx context.Context, providers []string) error {
	if m.sink == nil {
		return nil
	}
	for _, name := range providers {
		recs, err := m.sink.LoadHealthRecords(ctx, name, m.limit)
		if err != nil {
			return err
		}
		r := m.ringFor(name)
		for _, rec := range recs {
			r.push(rec)
		}
		log.Debug().Str("provider", name).Int("records", len(recs)).Msg("Seeded health history")
	}
	return nil
}
