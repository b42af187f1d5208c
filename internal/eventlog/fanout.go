package eventlog

import (
	"sync"

	"github.com/google/uuid"

	"sessionhub/internal/session"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity used
// when none is configured.
const DefaultSubscriberBuffer = 100

// Fanout delivers live events to all current subscribers of one
// session. Publishing is O(N) non-blocking enqueues: a subscriber
// whose buffer is full is dropped from the set and its channel closed,
// so a stalled viewer only ever affects itself. A dropped subscriber
// must re-subscribe (replaying from its last seen revision) to resync.
type Fanout struct {
	mu     sync.RWMutex
	subs   map[string]chan session.Event
	buffer int
	closed bool
}

// NewFanout creates a fan-out with the given per-subscriber buffer.
func NewFanout(buffer int) *Fanout {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Fanout{
		subs:   make(map[string]chan session.Event),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber and returns its id and channel.
// The channel is closed when the subscriber is dropped for lagging or
// the fan-out shuts down.
func (f *Fanout) Subscribe() (string, <-chan session.Event) {
	id := uuid.New().String()
	ch := make(chan session.Event, f.buffer)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return id, ch
	}
	f.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel. Safe to
// call for an id that was already dropped.
func (f *Fanout) Unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[id]; ok {
		close(ch)
		delete(f.subs, id)
	}
}

// Publish enqueues the event to every subscriber without blocking.
// Subscribers that cannot accept the event are dropped.
func (f *Fanout) Publish(ev session.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var lagged []string
	for id, ch := range f.subs {
		select {
		case ch <- ev:
		default:
			lagged = append(lagged, id)
		}
	}
	for _, id := range lagged {
		close(f.subs[id])
		delete(f.subs, id)
	}
}

// Len returns the current subscriber count.
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Close drops all subscribers and rejects future subscriptions.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
}
