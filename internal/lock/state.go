// Package lock owns the single active-provider lock, the per-provider failure
// counters and the audit trail of lock transitions.
package lock

import (
	"errors"
	"time"
)

var (
	ErrInvalidProvider = errors.New("invalid provider")
	ErrAlreadyLocked   = errors.New("lock already held")
	ErrNoProvider      = errors.New("no provider available")
)

// DefaultAuditLimit bounds the audit trail when no limit is configured.
const DefaultAuditLimit = 100

type Event string

const (
	EventAcquire   Event = "acquire"
	EventRelease   Event = "release"
	EventReset     Event = "reset"
	EventExhausted Event = "exhausted"
)

type Counters struct {
	Consecutive int `json:"consecutive"`
	Total       int `json:"total"`
}

type AuditEntry struct {
	ID        string    `json:"id"`
	Event     Event     `json:"event"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the whole persisted lock object. ActiveProvider is empty when no
// provider holds the lock; Exhausted marks the terminal state reached when a
// failover found no provider to move to.
type State struct {
	ActiveProvider string              `json:"active_provider"`
	LastProvider   string              `json:"last_provider"`
	Exhausted      bool                `json:"exhausted"`
	Counters       map[string]Counters `json:"counters"`
	LastTransition time.Time           `json:"last_transition"`
	Audit          []AuditEntry        `json:"audit"`
}

func DefaultState() State {
	return State{Counters: map[string]Counters{}}
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := s
	out.Counters = make(map[string]Counters, len(s.Counters))
	for k, v := range s.Counters {
		out.Counters[k] = v
	}
	if s.Audit != nil {
		out.Audit = append([]AuditEntry(nil), s.Audit...)
	}
	return out
}

// Status is a read-only view of the lock. ConsecutiveFailures and
// TotalFailures belong to the active provider.
type Status struct {
	ActiveProvider      string              `json:"active_provider,omitempty"`
	LastProvider        string              `json:"last_provider,omitempty"`
	Exhausted           bool                `json:"exhausted"`
	ConsecutiveFailures int                 `json:"consecutive_failure_count"`
	TotalFailures       int                 `json:"total_failure_count"`
	Counters            map[string]Counters `json:"counters"`
	LastTransition      time.Time           `json:"last_transition_timestamp"`
	AuditSize           int                 `json:"audit_size"`
}
