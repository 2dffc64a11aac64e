package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// StateStore makes lock state durable. LoadLockState reports found=false when
// nothing was saved yet.
type StateStore interface {
	LoadLockState(ctx context.Context) (state State, found bool, err error)
	SaveLockState(ctx context.Context, state State) error
}

type Options struct {
	AuditLimit int
	// Known reports whether a provider name may hold the lock.
	Known func(name string) bool
	// Available reports whether a provider can be failed over to.
	Available func(name string) bool
	Now       func() time.Time
	NewID     func() string

	OnPersistError func(err error)
	OnFailover     func(from, to, reason string)
}

// Registry serializes every lock mutation through one mutex over the whole
// State and writes the result to the store before the mutex is released, so
// the audit trail and the durable copy follow one global order.
type Registry struct {
	mu    sync.Mutex
	state State
	store StateStore
	opts  Options
}

// New loads the last persisted state, or starts from DefaultState.
func New(ctx context.Context, store StateStore, opts Options) (*Registry, error) {
	if opts.AuditLimit <= 0 {
		opts.AuditLimit = DefaultAuditLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	r := &Registry{state: DefaultState(), store: store, opts: opts}
	if store == nil {
		return r, nil
	}
	st, found, err := store.LoadLockState(ctx)
	if err != nil {
		return nil, fmt.Errorf("load lock state: %w", err)
	}
	if found {
		st = st.Clone()
		if len(st.Audit) > opts.AuditLimit {
			st.Audit = st.Audit[len(st.Audit)-opts.AuditLimit:]
		}
		r.state = st
		log.Info().Str("active", st.ActiveProvider).Bool("exhausted", st.Exhausted).Msg("Recovered lock state")
	}
	return r, nil
}

func (r *Registry) stamp() stamp {
	return stamp{ID: r.opts.NewID(), At: r.opts.Now().UTC()}
}

func (r *Registry) known(name string) bool {
	if name == "" {
		return false
	}
	return r.opts.Known == nil || r.opts.Known(name)
}

// commit installs next and persists it. Must hold r.mu. A failed write is
// logged and reported but the in-memory transition stands.
func (r *Registry) commit(ctx context.Context, next State) {
	r.state = next
	if r.store == nil {
		return
	}
	if err := r.store.SaveLockState(context.WithoutCancel(ctx), next.Clone()); err != nil {
		log.Error().Err(err).Msg("Persist lock state failed")
		if r.opts.OnPersistError != nil {
			r.opts.OnPersistError(err)
		}
	}
}

// Acquire gives the lock to name. With force it replaces the current holder.
func (r *Registry) Acquire(ctx context.Context, name string, force bool, reason string) error {
	if !r.known(name) {
		return fmt.Errorf("%w: %q", ErrInvalidProvider, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	from := r.state.ActiveProvider
	next, err := applyAcquire(r.state.Clone(), name, force, reason, r.stamp(), r.opts.AuditLimit)
	if err != nil {
		return fmt.Errorf("%w by %s", err, from)
	}
	r.commit(ctx, next)
	log.Info().Str("event", string(EventAcquire)).Str("from", from).Str("to", name).Str("reason", reason).Msg("Lock acquired")
	return nil
}

// Release clears the lock. Releasing an empty lock is a no-op and reports false.
func (r *Registry) Release(ctx context.Context, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	from := r.state.ActiveProvider
	next, changed := applyRelease(r.state.Clone(), reason, r.stamp(), r.opts.AuditLimit)
	if !changed {
		return false
	}
	r.commit(ctx, next)
	log.Info().Str("event", string(EventRelease)).Str("from", from).Str("reason", reason).Msg("Lock released")
	return true
}

// RecordFailure counts a failure against name, the provider that served the
// call, and returns its new consecutive count.
func (r *Registry) RecordFailure(ctx context.Context, name string) (int, error) {
	if !r.known(name) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidProvider, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next, n := applyFailure(r.state.Clone(), name)
	r.commit(ctx, next)
	return n, nil
}

// RecordSuccess clears name's consecutive counter. Totals are kept.
func (r *Registry) RecordSuccess(ctx context.Context, name string) {
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next, changed := applySuccess(r.state.Clone(), name)
	if changed {
		r.commit(ctx, next)
	}
}

// Failover moves the lock from expected to the next provider in order. If
// another caller already moved it, the current holder is returned unchanged.
// ErrNoProvider means the registry is now exhausted.
func (r *Registry) Failover(ctx context.Context, expected, reason string, order []string) (string, error) {
	return r.failover(ctx, expected, reason, order, false)
}

// ManualFailover moves the lock away from whichever provider holds it and
// clears that provider's consecutive counter. Its total is kept.
func (r *Registry) ManualFailover(ctx context.Context, reason string, order []string) (string, error) {
	r.mu.Lock()
	expected := r.state.ActiveProvider
	r.mu.Unlock()
	return r.failover(ctx, expected, reason, order, true)
}

func (r *Registry) failover(ctx context.Context, expected, reason string, order []string, manual bool) (string, error) {
	r.mu.Lock()
	next, changed := applyFailover(r.state.Clone(), expected, reason, order, r.opts.Available, manual, r.stamp, r.opts.AuditLimit)
	if !changed {
		active, exhausted := r.state.ActiveProvider, r.state.Exhausted
		r.mu.Unlock()
		if active == "" && exhausted {
			return "", ErrNoProvider
		}
		return active, nil
	}
	r.commit(ctx, next)
	to := next.ActiveProvider
	r.mu.Unlock()

	if to == "" {
		log.Error().Str("event", string(EventExhausted)).Str("from", expected).Str("reason", reason).Msg("Failover found no provider")
	} else {
		log.Warn().Str("from", expected).Str("to", to).Str("reason", reason).Bool("manual", manual).Msg("Failover")
	}
	if r.opts.OnFailover != nil {
		r.opts.OnFailover(expected, to, reason)
	}
	if to == "" {
		return "", ErrNoProvider
	}
	return to, nil
}

// Reset restores the default state. It is the only way totals are cleared.
func (r *Registry) Reset(ctx context.Context, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	from := r.state.ActiveProvider
	r.commit(ctx, applyReset(r.state.Clone(), reason, r.stamp(), r.opts.AuditLimit))
	log.Info().Str("event", string(EventReset)).Str("from", from).Str("reason", reason).Msg("Lock reset")
}

func (r *Registry) NextProvider(order []string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return nextProvider(r.state, order, r.opts.Available)
}

func (r *Registry) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.ActiveProvider
}

func (r *Registry) Exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Exhausted
}

func (r *Registry) Counters(name string) Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Counters[name]
}

func (r *Registry) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.state.Clone()
	active := s.Counters[s.ActiveProvider]
	return Status{
		ActiveProvider:      s.ActiveProvider,
		LastProvider:        s.LastProvider,
		Exhausted:           s.Exhausted,
		ConsecutiveFailures: active.Consecutive,
		TotalFailures:       active.Total,
		Counters:            s.Counters,
		LastTransition:      s.LastTransition,
		AuditSize:           len(s.Audit),
	}
}

// AuditTrail returns up to limit of the most recent entries, oldest first.
// A non-positive limit returns the whole trail.
func (r *Registry) AuditTrail(limit int) []AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	audit := r.state.Audit
	if limit > 0 && len(audit) > limit {
		audit = audit[len(audit)-limit:]
	}
	return append([]AuditEntry(nil), audit...)
}

// Snapshot returns a deep copy of the full state.
func (r *Registry) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}
