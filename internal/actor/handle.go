package actor

import (
	"context"
	"sync/atomic"

	"sessionhub/internal/session"
)

// atomicState is the publish-by-replacement slot for the session
// snapshot. Writers (the one actor) never contend with each other and
// readers never block the writer.
type atomicState struct {
	p atomic.Pointer[session.State]
}

func (s *atomicState) store(st *session.State) { s.p.Store(st) }
func (s *atomicState) load() *session.State    { return s.p.Load() }

// Handle is the opaque capability stored in the registry: route an
// input, read the published snapshot, subscribe, stop. It never
// exposes the state itself.
type Handle struct {
	a *Actor
}

// ID returns the session id.
func (h Handle) ID() string { return h.a.id }

// Send routes an input into the actor's inbox without blocking. When
// the inbox is saturated it fails fast with ErrMailboxFull instead of
// queueing without bound; after shutdown it returns ErrStopped.
func (h Handle) Send(in session.Input) error {
	select {
	case <-h.a.stop:
		return ErrStopped
	default:
	}
	select {
	case h.a.inbox <- envelope{input: in}:
		return nil
	case <-h.a.stop:
		return ErrStopped
	default:
		return ErrMailboxFull
	}
}

// Snapshot returns the most recently published immutable state. It is
// lock-free and never observes a partially applied step.
func (h Handle) Snapshot() *session.State {
	return h.a.snap.load()
}

// Subscribe asks the actor for a replay-or-snapshot subscription
// starting after the given revision. The request goes through the
// inbox so it is ordered consistently with event emission. Blocks only
// until the actor picks it up or ctx is done.
func (h Handle) Subscribe(ctx context.Context, since uint64) (Subscription, error) {
	req := &subscribeRequest{since: since, reply: make(chan Subscription, 1)}

	select {
	case h.a.inbox <- envelope{sub: req}:
	case <-h.a.stop:
		return Subscription{}, ErrStopped
	case <-ctx.Done():
		return Subscription{}, ctx.Err()
	}

	select {
	case sub := <-req.reply:
		return sub, nil
	case <-h.a.done:
		return Subscription{}, ErrStopped
	case <-ctx.Done():
		return Subscription{}, ctx.Err()
	}
}

// Unsubscribe detaches a live subscription. Safe for subscribers that
// were already dropped for lagging.
func (h Handle) Unsubscribe(subID string) {
	h.a.fan.Unsubscribe(subID)
}

// Stop terminates the actor goroutine. Inputs still queued are
// discarded; live subscribers are closed. Idempotent.
func (h Handle) Stop() {
	h.a.stopOnce.Do(func() { close(h.a.stop) })
}

// Done is closed once the actor goroutine has exited.
func (h Handle) Done() <-chan struct{} { return h.a.done }
