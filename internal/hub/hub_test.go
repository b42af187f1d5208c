package hub

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sessionhub/internal/runtime"
	"sessionhub/internal/session"
	"sessionhub/internal/store"
)

type fakeConn struct {
	mu      sync.Mutex
	calls   []session.RuntimeCall
	stopped bool
}

func (c *fakeConn) Call(call session.RuntimeCall) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	return nil
}

func (c *fakeConn) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
}

func (c *fakeConn) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type fakeLauncher struct {
	mu       sync.Mutex
	launches []runtime.LaunchSpec
	conns    []*fakeConn
	fail     bool
}

func (l *fakeLauncher) Launch(spec runtime.LaunchSpec) (runtime.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return nil, errors.New("launch refused")
	}
	conn := &fakeConn{}
	l.launches = append(l.launches, spec)
	l.conns = append(l.conns, conn)
	return conn, nil
}

func (l *fakeLauncher) lastSpec() runtime.LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches[len(l.launches)-1]
}

func (l *fakeLauncher) lastConn() *fakeConn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conns[len(l.conns)-1]
}

func newTestHub(t *testing.T, mutate func(*Options)) (*Hub, *fakeLauncher) {
	t.Helper()
	st, err := store.Open(store.Config{
		Path:     filepath.Join(t.TempDir(), "hub.db"),
		PoolSize: 2,
	})
	if err != nil {
		t.Fatal(err)
	}

	launcher := &fakeLauncher{}
	opts := Options{
		Store:       st,
		Launcher:    launcher,
		MaxSessions: 4,
		GracePeriod: 50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h := New(opts)
	t.Cleanup(func() { h.Shutdown(context.Background()) })
	return h, launcher
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestHub_CreateSession(t *testing.T) {
	h, launcher := newTestHub(t, nil)
	ctx := context.Background()

	dir := t.TempDir()
	id, err := h.CreateSession(ctx, CreateRequest{ProjectPath: dir, Model: "sonnet"})
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("expected a session id")
	}

	spec := launcher.lastSpec()
	if spec.SessionID != id || spec.ProjectPath != dir || spec.Resume {
		t.Fatalf("unexpected launch spec %+v", spec)
	}

	st, err := h.Snapshot(id)
	if err != nil {
		t.Fatal(err)
	}
	if st.Phase.Kind != session.PhaseIdle {
		t.Fatalf("expected idle phase, got %s", st.Phase.Kind)
	}
	if st.Meta.ApprovalPolicy != session.PolicyAlwaysAsk {
		t.Fatalf("expected default approval policy, got %s", st.Meta.ApprovalPolicy)
	}
}

func TestHub_SessionLimit(t *testing.T) {
	h, _ := newTestHub(t, func(o *Options) { o.MaxSessions = 1 })
	ctx := context.Background()

	if _, err := h.CreateSession(ctx, CreateRequest{ProjectPath: t.TempDir()}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.CreateSession(ctx, CreateRequest{ProjectPath: t.TempDir()}); !errors.Is(err, ErrMaxSessions) {
		t.Fatalf("expected ErrMaxSessions, got %v", err)
	}
}

func TestHub_LaunchFailureRollsBack(t *testing.T) {
	h, launcher := newTestHub(t, nil)
	launcher.fail = true

	if _, err := h.CreateSession(context.Background(), CreateRequest{ProjectPath: t.TempDir()}); err == nil {
		t.Fatal("expected launch error")
	}
	if len(h.List()) != 0 {
		t.Fatal("failed launch left a registered session")
	}
}

func TestHub_CommandReachesRuntime(t *testing.T) {
	h, launcher := newTestHub(t, nil)
	ctx := context.Background()

	id, err := h.CreateSession(ctx, CreateRequest{ProjectPath: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	if err := h.Send(id, session.UserSentMessage{Text: "hello"}); err != nil {
		t.Fatal(err)
	}

	conn := launcher.lastConn()
	waitFor(t, func() bool { return conn.callCount() == 1 })

	conn.mu.Lock()
	call, ok := conn.calls[0].(session.SendMessageCall)
	conn.mu.Unlock()
	if !ok || call.Text != "hello" {
		t.Fatalf("unexpected runtime call %#v", call)
	}

	waitFor(t, func() bool {
		st, _ := h.Snapshot(id)
		return st != nil && st.Phase.Kind == session.PhaseWorking
	})
}

func TestHub_RuntimeEventsFlowIn(t *testing.T) {
	h, launcher := newTestHub(t, nil)
	ctx := context.Background()

	id, err := h.CreateSession(ctx, CreateRequest{ProjectPath: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	deliver := launcher.lastSpec().Deliver
	deliver(session.MessageCreated{Message: session.Message{
		ID: "m1", Role: session.RoleAssistant, Kind: session.KindText, Content: "hi",
	}})

	waitFor(t, func() bool {
		st, _ := h.Snapshot(id)
		return st != nil && len(st.Messages) == 1
	})
}

func TestHub_EndedSessionTearsDownAfterGrace(t *testing.T) {
	h, launcher := newTestHub(t, func(o *Options) { o.GracePeriod = 30 * time.Millisecond })
	ctx := context.Background()

	id, err := h.CreateSession(ctx, CreateRequest{ProjectPath: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	if err := h.Send(id, session.UserEnded{Reason: "done"}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		st, err := h.Snapshot(id)
		return err == nil && st.Phase.Kind == session.PhaseEnded
	})

	conn := launcher.lastConn()
	waitFor(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.stopped
	})

	// After the grace period the actor is gone.
	waitFor(t, func() bool {
		_, err := h.Snapshot(id)
		return err != nil
	})
}

func TestHub_EndedSessionRejectsCommands(t *testing.T) {
	h, _ := newTestHub(t, func(o *Options) { o.GracePeriod = time.Minute })
	ctx := context.Background()

	id, err := h.CreateSession(ctx, CreateRequest{ProjectPath: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	if err := h.Send(id, session.UserEnded{}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		st, _ := h.Snapshot(id)
		return st != nil && st.Phase.Kind == session.PhaseEnded
	})

	err = h.Send(id, session.UserSentMessage{Text: "too late"})
	if err == nil {
		t.Fatal("expected rejection for an ended session")
	}
}

func TestHub_ResumeRelaunchesRuntime(t *testing.T) {
	h, launcher := newTestHub(t, func(o *Options) { o.GracePeriod = time.Minute })
	ctx := context.Background()

	id, err := h.CreateSession(ctx, CreateRequest{ProjectPath: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	if err := h.Send(id, session.UserEnded{}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		st, _ := h.Snapshot(id)
		return st != nil && st.Phase.Kind == session.PhaseEnded
	})

	if err := h.Send(id, session.Resumed{}); err != nil {
		t.Fatal(err)
	}

	spec := launcher.lastSpec()
	if !spec.Resume || spec.SessionID != id {
		t.Fatalf("expected a resume launch for %s, got %+v", id, spec)
	}

	waitFor(t, func() bool {
		st, _ := h.Snapshot(id)
		return st != nil && st.Phase.Kind == session.PhaseIdle
	})

	// Commands work again.
	if err := h.Send(id, session.UserSentMessage{Text: "back"}); err != nil {
		t.Fatal(err)
	}
}

func TestHub_SubscribeDeliversLiveEvents(t *testing.T) {
	h, launcher := newTestHub(t, nil)
	ctx := context.Background()

	id, err := h.CreateSession(ctx, CreateRequest{ProjectPath: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	sub, err := h.Subscribe(ctx, id, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Unsubscribe(id, sub.ID)

	deliver := launcher.lastSpec().Deliver
	deliver(session.NameUpdated{Name: "refactor"})

	select {
	case ev := <-sub.Live:
		if ev.Kind != session.EventMetadataChanged {
			t.Fatalf("unexpected event kind %s", ev.Kind)
		}
		if ev.Revision == 0 {
			t.Fatal("expected a revision-tagged event")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no live event arrived")
	}
}

func TestHub_ListChangeNotifications(t *testing.T) {
	var mu sync.Mutex
	notified := 0
	h, _ := newTestHub(t, func(o *Options) {
		o.OnListChanged = func() {
			mu.Lock()
			notified++
			mu.Unlock()
		}
	})

	if _, err := h.CreateSession(context.Background(), CreateRequest{ProjectPath: t.TempDir()}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return notified >= 1
	})

	if got := len(h.List()); got != 1 {
		t.Fatalf("expected 1 listed session, got %d", got)
	}
}

func TestHub_RestoreRespawnsSessions(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "hub.db")
	ctx := context.Background()

	st, err := store.Open(store.Config{Path: dbPath, PoolSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	launcher := &fakeLauncher{}
	h := New(Options{Store: st, Launcher: launcher, MaxSessions: 4})

	id, err := h.CreateSession(ctx, CreateRequest{ProjectPath: dir, Model: "sonnet"})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	// New process: reopen the store and restore.
	st, err = store.Open(store.Config{Path: dbPath, PoolSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	launcher2 := &fakeLauncher{}
	h2 := New(Options{Store: st, Launcher: launcher2, MaxSessions: 4})
	defer h2.Shutdown(ctx)

	if err := h2.Restore(ctx); err != nil {
		t.Fatal(err)
	}

	snap, err := h2.Snapshot(id)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Phase.Kind != session.PhaseIdle {
		t.Fatalf("expected restored session idle, got %s", snap.Phase.Kind)
	}
	if !launcher2.lastSpec().Resume {
		t.Fatal("expected restored runtime launched in resume mode")
	}
}
