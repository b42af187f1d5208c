package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"sessionhub/internal/actor"
	"sessionhub/internal/session"
)

type nopExecutor struct{}

func (nopExecutor) Persist(context.Context, string, uint64, session.PersistOp) error { return nil }
func (nopExecutor) RuntimeCall(context.Context, string, session.RuntimeCall) error   { return nil }

func spawnSession(t *testing.T, r *Registry, id string) actor.Handle {
	t.Helper()
	h := actor.Spawn(session.New(id, session.Metadata{}), nopExecutor{}, actor.Options{})
	t.Cleanup(h.Stop)
	if err := r.Register(id, h); err != nil {
		t.Fatal(err)
	}
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRegistry_UnknownSession(t *testing.T) {
	r := New()

	if err := r.Send("ghost", session.TurnStarted{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.Snapshot("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.Subscribe(context.Background(), "ghost", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	r := New()
	h := actor.Spawn(session.New("dup", session.Metadata{}), nopExecutor{}, actor.Options{})
	t.Cleanup(h.Stop)

	if err := r.Register("dup", h); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("dup", h); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestRegistry_SendRoutesToActor(t *testing.T) {
	r := New()
	h := spawnSession(t, r, "sess-1")

	if err := r.Send("sess-1", session.UserSentMessage{Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "working phase", func() bool {
		return h.Snapshot().Phase.Kind == session.PhaseWorking
	})
}

func TestRegistry_EndedSessionRejectsCommands(t *testing.T) {
	r := New()
	h := spawnSession(t, r, "sess-1")

	if err := r.Send("sess-1", session.SessionEnded{Reason: "done"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "ended phase", func() bool {
		return h.Snapshot().Phase.Kind == session.PhaseEnded
	})

	if err := r.Send("sess-1", session.UserSentMessage{Text: "hi"}); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}

	// Runtime events and Resume still pass.
	if err := r.Send("sess-1", session.Resumed{}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "idle after resume", func() bool {
		return h.Snapshot().Phase.Kind == session.PhaseIdle
	})
}

func TestRegistry_RemoveThenLookupFails(t *testing.T) {
	r := New()
	spawnSession(t, r, "sess-1")
	r.Remove("sess-1")
	if _, err := r.Lookup("sess-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}

func TestRegistry_ListEnumeratesAllSessions(t *testing.T) {
	r := New()
	for i := range 50 {
		spawnSession(t, r, fmt.Sprintf("sess-%d", i))
	}

	states := r.List()
	if len(states) != 50 {
		t.Fatalf("expected 50 sessions, got %d", len(states))
	}
	if r.Len() != 50 {
		t.Fatalf("expected Len 50, got %d", r.Len())
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New()
	for i := range 20 {
		spawnSession(t, r, fmt.Sprintf("sess-%d", i))
	}

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := range 200 {
				id := fmt.Sprintf("sess-%d", (w+i)%20)
				r.Send(id, session.MessageCreated{Message: session.Message{
					ID: fmt.Sprintf("w%d-m%d", w, i),
				}})
				r.Snapshot(id)
				r.List()
			}
		}(w)
	}
	wg.Wait()
}

func TestRegistry_StalledSessionDoesNotDelayOthers(t *testing.T) {
	r := New()
	// A stalled actor: tiny inbox, never drained because we stop it
	// after filling (Stop discards queued inputs but keeps the handle
	// registered, so Send returns a typed error immediately).
	stalled := actor.Spawn(session.New("stalled", session.Metadata{}), nopExecutor{}, actor.Options{InboxCapacity: 1})
	if err := r.Register("stalled", stalled); err != nil {
		t.Fatal(err)
	}
	stalled.Stop()
	<-stalled.Done()

	healthy := spawnSession(t, r, "healthy")

	start := time.Now()
	if err := r.Send("stalled", session.TurnStarted{}); err == nil {
		t.Fatal("expected an error from the stalled session")
	}
	if err := r.Send("healthy", session.UserSentMessage{Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("routing took %v; a stalled session must not delay others", elapsed)
	}
	waitFor(t, "healthy session working", func() bool {
		return healthy.Snapshot().Phase.Kind == session.PhaseWorking
	})
}
