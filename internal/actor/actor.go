// Package actor runs one goroutine per session that exclusively owns
// that session's state. All inputs (runtime events, client commands,
// and subscribe requests) funnel through a single inbox and are
// processed strictly one at a time, so no lock ever guards session
// state. Concurrent readers get immutable snapshots published through
// an atomic pointer.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sessionhub/internal/eventlog"
	"sessionhub/internal/session"
)

const defaultInboxCapacity = 256

var (
	// ErrMailboxFull is returned when a send would exceed the actor's
	// inbox capacity. Senders must not queue without bound; they retry
	// or surface the error to the caller.
	ErrMailboxFull = errors.New("actor: mailbox full")

	// ErrStopped is returned when the actor has shut down.
	ErrStopped = errors.New("actor: stopped")
)

// Executor performs the I/O an effect describes. Implementations are
// called from the owning actor's goroutine, one effect at a time; a
// returned error is logged and fed back into the session as an
// Errored input rather than crashing the actor.
type Executor interface {
	Persist(ctx context.Context, sessionID string, revision uint64, op session.PersistOp) error
	RuntimeCall(ctx context.Context, sessionID string, call session.RuntimeCall) error
}

// Options tune a spawned actor. Zero values select defaults.
type Options struct {
	InboxCapacity    int
	LogCapacity      int
	SubscriberBuffer int
	Logger           *slog.Logger
	Now              func() time.Time
}

// Actor owns one session. Spawn it with Spawn; interact through its
// Handle.
type Actor struct {
	id     string
	inbox  chan envelope
	snap   atomicState
	log    *eventlog.Log
	fan    *eventlog.Fanout
	exec   Executor
	logger *slog.Logger
	now    func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type envelope struct {
	input session.Input
	sub   *subscribeRequest
}

type subscribeRequest struct {
	since uint64
	reply chan Subscription
}

// Subscription is the actor's answer to a subscribe request: either a
// revision-ordered replay batch (Events) or, when the requested
// revision fell outside the buffered window, a full Snapshot. Live
// carries events from that point on; it is closed when the subscriber
// lags too far behind or the actor stops, after which the subscriber
// must re-subscribe to resync.
type Subscription struct {
	ID       string
	Events   []session.Event
	Snapshot *session.State
	Live     <-chan session.Event
}

// Spawn starts the actor goroutine for the given initial state and
// returns its handle. The initial state is published immediately.
func Spawn(initial session.State, exec Executor, opts Options) Handle {
	inboxCap := opts.InboxCapacity
	if inboxCap <= 0 {
		inboxCap = defaultInboxCapacity
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	a := &Actor{
		id:     initial.ID,
		inbox:  make(chan envelope, inboxCap),
		log:    eventlog.NewLog(opts.LogCapacity, initial.Revision),
		fan:    eventlog.NewFanout(opts.SubscriberBuffer),
		exec:   exec,
		logger: logger,
		now:    now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	a.snap.store(&initial)

	go a.run()
	return Handle{a: a}
}

func (a *Actor) run() {
	defer close(a.done)
	defer a.fan.Close()

	for {
		select {
		case <-a.stop:
			return
		case env := <-a.inbox:
			if env.sub != nil {
				env.sub.reply <- a.handleSubscribe(env.sub.since)
				continue
			}
			a.step(env.input)
		}
	}
}

// step feeds one input through the transition function and executes
// the resulting effects in order, then publishes the new snapshot.
func (a *Actor) step(in session.Input) {
	cur := a.snap.load()
	next, fx := session.Transition(*cur, in, a.now())

	if len(fx) == 0 {
		// Every applicable input emits at least one event; an empty
		// effect list means the input did not apply to the phase.
		a.logger.Debug("input ignored",
			"session", a.id,
			"input", fmt.Sprintf("%T", in),
			"phase", cur.Phase.Kind,
		)
		return
	}

	ctx := context.Background()
	for _, f := range fx {
		switch f := f.(type) {
		case session.EmitEffect:
			a.log.Append(f.Event)
			a.fan.Publish(f.Event)
		case session.PersistEffect:
			if err := a.exec.Persist(ctx, a.id, next.Revision, f.Op); err != nil {
				a.effectFailed("persist", err)
			}
		case session.RuntimeCallEffect:
			if err := a.exec.RuntimeCall(ctx, a.id, f.Call); err != nil {
				a.effectFailed("runtime call", err)
			}
		}
	}

	a.snap.store(&next)
}

// effectFailed logs an effect-execution failure and feeds it back
// through the actor's own inbox. The transition table maps Errored to
// a recovery phase, so the session cannot get stuck; the actor itself
// keeps running.
func (a *Actor) effectFailed(kind string, err error) {
	a.logger.Warn("effect failed",
		"session", a.id,
		"effect", kind,
		"error", err,
	)
	select {
	case a.inbox <- envelope{input: session.Errored{Reason: fmt.Sprintf("%s: %v", kind, err)}}:
	default:
		a.logger.Warn("mailbox full, dropping error input", "session", a.id)
	}
}

func (a *Actor) handleSubscribe(since uint64) Subscription {
	id, live := a.fan.Subscribe()

	events, ok := a.log.Since(since)
	if !ok {
		return Subscription{ID: id, Snapshot: a.snap.load(), Live: live}
	}
	return Subscription{ID: id, Events: events, Live: live}
}
