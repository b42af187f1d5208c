// Package eventlog holds the per-session event history: a bounded,
// revision-indexed ring buffer for reconnection replay, and a fan-out
// that delivers live events to subscribers without ever blocking the
// producer.
package eventlog

import (
	"sync"

	"sessionhub/internal/session"
)

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 1000

// Log is a fixed-capacity ring of events ordered by revision. Oldest
// entries are evicted once the capacity is exceeded. It lets a
// reconnecting subscriber catch up from its last-known revision as
// long as that revision is still inside the buffered window.
type Log struct {
	mu       sync.RWMutex
	buf      []session.Event
	capacity int
	pos      int // next write position
	full     bool
	last     uint64 // revision of the newest appended event
}

// NewLog creates a log. lastRevision seeds the newest-revision marker
// for sessions restored from storage, so a subscriber already at the
// restored revision gets an empty replay instead of a snapshot.
func NewLog(capacity int, lastRevision uint64) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		buf:      make([]session.Event, capacity),
		capacity: capacity,
		last:     lastRevision,
	}
}

// Append adds an event, evicting the oldest entry when full.
func (l *Log) Append(ev session.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf[l.pos] = ev
	l.pos = (l.pos + 1) % l.capacity
	if l.pos == 0 {
		l.full = true
	}
	l.last = ev.Revision
}

// LastRevision returns the revision of the newest event (or the seed
// revision when nothing has been appended yet).
func (l *Log) LastRevision() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last
}

// Since returns the buffered events with revision greater than rev, in
// ascending order. The second result is false when rev falls outside
// the buffered window, meaning replay is impossible and the caller
// must fall back to a full snapshot.
func (l *Log) Since(rev uint64) ([]session.Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if rev == l.last {
		// Nothing newer than the caller's position.
		return nil, true
	}
	if rev > l.last {
		// The caller claims a revision this log has never issued. That
		// happens when a restart lost tail writes the caller already
		// saw; replaying from here would hand it events numbered below
		// its position, so force a snapshot instead.
		return nil, false
	}

	entries := l.ordered()
	if len(entries) == 0 {
		// Events exist past rev but none are buffered.
		return nil, false
	}
	if rev+1 < entries[0].Revision {
		// The gap between rev and the oldest buffered entry was evicted.
		return nil, false
	}

	out := make([]session.Event, 0, len(entries))
	for _, ev := range entries {
		if ev.Revision > rev {
			out = append(out, ev)
		}
	}
	return out, true
}

// ordered returns the buffered entries oldest-first. Caller holds the
// lock.
func (l *Log) ordered() []session.Event {
	if !l.full {
		return l.buf[:l.pos]
	}
	out := make([]session.Event, l.capacity)
	copy(out, l.buf[l.pos:])
	copy(out[l.capacity-l.pos:], l.buf[:l.pos])
	return out
}
