package lock

import "time"

// stamp identifies the audit entry a transition writes.
type stamp struct {
	ID string
	At time.Time
}

// The apply functions decide the next state. They never perform I/O and
// always work on a state the caller has already cloned.

func applyAcquire(s State, name string, force bool, reason string, st stamp, limit int) (State, error) {
	if s.ActiveProvider != "" && !force {
		return s, ErrAlreadyLocked
	}
	from := s.ActiveProvider
	if from != "" {
		s.LastProvider = from
	}
	s.ActiveProvider = name
	s.Exhausted = false
	c := s.Counters[name]
	c.Consecutive = 0
	s.Counters[name] = c
	s.LastTransition = st.At
	s.Audit = appendAudit(s.Audit, AuditEntry{ID: st.ID, Event: EventAcquire, From: from, To: name, Reason: reason, Timestamp: st.At}, limit)
	return s, nil
}

// applyRelease reports false when nothing was held, leaving s untouched.
func applyRelease(s State, reason string, st stamp, limit int) (State, bool) {
	if s.ActiveProvider == "" {
		return s, false
	}
	from := s.ActiveProvider
	s.LastProvider = from
	s.ActiveProvider = ""
	s.LastTransition = st.At
	s.Audit = appendAudit(s.Audit, AuditEntry{ID: st.ID, Event: EventRelease, From: from, Reason: reason, Timestamp: st.At}, limit)
	return s, true
}

func applyFailure(s State, name string) (State, int) {
	c := s.Counters[name]
	c.Consecutive++
	c.Total++
	s.Counters[name] = c
	return s, c.Consecutive
}

func applySuccess(s State, name string) (State, bool) {
	c, ok := s.Counters[name]
	if !ok || c.Consecutive == 0 {
		return s, false
	}
	c.Consecutive = 0
	s.Counters[name] = c
	return s, true
}

// applyFailover releases expected and acquires the next provider in one step.
// It does nothing when expected no longer holds the lock, so concurrent
// callers that crossed the threshold together fail over once. When manual is
// set the outgoing provider's consecutive counter is cleared as well.
func applyFailover(s State, expected, reason string, order []string, available func(string) bool, manual bool, stamps func() stamp, limit int) (State, bool) {
	if s.ActiveProvider != expected {
		return s, false
	}
	if expected != "" {
		s, _ = applyRelease(s, reason, stamps(), limit)
		if manual {
			c := s.Counters[expected]
			c.Consecutive = 0
			s.Counters[expected] = c
		}
	}
	next := nextProvider(s, order, available)
	if next == "" {
		st := stamps()
		s.Exhausted = true
		s.LastTransition = st.At
		s.Audit = appendAudit(s.Audit, AuditEntry{ID: st.ID, Event: EventExhausted, From: expected, Reason: reason, Timestamp: st.At}, limit)
		return s, true
	}
	s, _ = applyAcquire(s, next, true, reason, stamps(), limit)
	return s, true
}

func applyReset(s State, reason string, st stamp, limit int) State {
	from := s.ActiveProvider
	out := DefaultState()
	out.LastTransition = st.At
	out.Audit = appendAudit(s.Audit, AuditEntry{ID: st.ID, Event: EventReset, From: from, Reason: reason, Timestamp: st.At}, limit)
	return out
}

// nextProvider returns the first available provider in order that is not the
// most recently active one, or "" when none qualifies.
func nextProvider(s State, order []string, available func(string) bool) string {
	recent := s.ActiveProvider
	if recent == "" {
		recent = s.LastProvider
	}
	for _, name := range order {
		if name == recent {
			continue
		}
		if available == nil || available(name) {
			return name
		}
	}
	return ""
}

// appendAudit adds e and drops the oldest entries beyond limit.
func appendAudit(audit []AuditEntry, e AuditEntry, limit int) []AuditEntry {
	if limit <= 0 {
		limit = DefaultAuditLimit
	}
	audit = append(audit, e)
	if over := len(audit) - limit; over > 0 {
		audit = append([]AuditEntry(nil), audit[over:]...)
	}
	return audit
}
