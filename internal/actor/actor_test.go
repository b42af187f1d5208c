package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"sessionhub/internal/session"
)

// recordingExecutor collects executed effects and can be told to fail
// specific call kinds.
type recordingExecutor struct {
	mu           sync.Mutex
	persisted    []session.PersistOp
	calls        []session.RuntimeCall
	failCalls    bool
	failPersists bool
}

func (e *recordingExecutor) Persist(_ context.Context, _ string, _ uint64, op session.PersistOp) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failPersists {
		return errors.New("store unavailable")
	}
	e.persisted = append(e.persisted, op)
	return nil
}

func (e *recordingExecutor) RuntimeCall(_ context.Context, _ string, call session.RuntimeCall) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failCalls {
		return errors.New("runtime gone")
	}
	e.calls = append(e.calls, call)
	return nil
}

func (e *recordingExecutor) callList() []session.RuntimeCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]session.RuntimeCall, len(e.calls))
	copy(out, e.calls)
	return out
}

func spawnTest(t *testing.T, opts Options) (Handle, *recordingExecutor) {
	t.Helper()
	exec := &recordingExecutor{}
	initial := session.New("sess-1", session.Metadata{Provider: "claude", Model: "sonnet"})
	h := Spawn(initial, exec, opts)
	t.Cleanup(h.Stop)
	return h, exec
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

func TestActor_PublishesSnapshots(t *testing.T) {
	h, _ := spawnTest(t, Options{})

	if got := h.Snapshot().Phase.Kind; got != session.PhaseIdle {
		t.Fatalf("expected initial idle snapshot, got %s", got)
	}

	if err := h.Send(session.UserSentMessage{Text: "go"}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "working snapshot", func() bool {
		return h.Snapshot().Phase.Kind == session.PhaseWorking
	})
	if len(h.Snapshot().Messages) != 1 {
		t.Fatalf("expected 1 message in snapshot, got %d", len(h.Snapshot().Messages))
	}
}

func TestActor_CommandsApplyInArrivalOrder(t *testing.T) {
	h, exec := spawnTest(t, Options{})

	for _, in := range []session.Input{
		session.UserSentMessage{Text: "start"},
		session.ApprovalRequested{RequestID: "req-1", Type: session.ApprovalExec},
		session.UserApproved{RequestID: "req-1", Decision: session.DecisionApproved},
		session.UserInterrupted{},
	} {
		if err := h.Send(in); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, "interrupt call", func() bool {
		calls := exec.callList()
		return len(calls) == 3
	})

	calls := exec.callList()
	if _, ok := calls[0].(session.SendMessageCall); !ok {
		t.Fatalf("call 0: expected SendMessageCall, got %T", calls[0])
	}
	if _, ok := calls[1].(session.ApproveCall); !ok {
		t.Fatalf("call 1: expected ApproveCall, got %T", calls[1])
	}
	if _, ok := calls[2].(session.InterruptCall); !ok {
		t.Fatalf("call 2: expected InterruptCall, got %T", calls[2])
	}

	// No partial application: the final snapshot reflects both
	// commands fully applied, in order.
	snap := h.Snapshot()
	if snap.Phase.Kind != session.PhaseWorking {
		t.Fatalf("expected working after approve+interrupt, got %s", snap.Phase.Kind)
	}
}

func TestActor_SubscribeReplaysBufferedWindow(t *testing.T) {
	h, _ := spawnTest(t, Options{})

	for i := range 20 {
		err := h.Send(session.MessageCreated{Message: session.Message{
			ID:      fmt.Sprintf("m-%d", i),
			Role:    session.RoleAssistant,
			Kind:    session.KindText,
			Content: "chunk",
		}})
		if err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "20 revisions", func() bool { return h.Snapshot().Revision == 20 })

	sub, err := h.Subscribe(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Unsubscribe(sub.ID)

	if sub.Snapshot != nil {
		t.Fatal("expected replay, got snapshot")
	}
	if len(sub.Events) != 15 {
		t.Fatalf("expected replay of revisions 6..20, got %d events", len(sub.Events))
	}
	if sub.Events[0].Revision != 6 || sub.Events[14].Revision != 20 {
		t.Fatalf("unexpected replay range %d..%d",
			sub.Events[0].Revision, sub.Events[14].Revision)
	}
}

func TestActor_SubscribeFallsBackToSnapshot(t *testing.T) {
	h, _ := spawnTest(t, Options{LogCapacity: 8})

	for i := range 30 {
		err := h.Send(session.MessageCreated{Message: session.Message{
			ID: fmt.Sprintf("m-%d", i), Role: session.RoleAssistant, Kind: session.KindText,
		}})
		if err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "30 revisions", func() bool { return h.Snapshot().Revision == 30 })

	sub, err := h.Subscribe(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Unsubscribe(sub.ID)

	if sub.Snapshot == nil {
		t.Fatal("expected snapshot fallback for an evicted revision")
	}
	if sub.Snapshot.Revision != 30 {
		t.Fatalf("expected snapshot at revision 30, got %d", sub.Snapshot.Revision)
	}
	if len(sub.Events) != 0 {
		t.Fatalf("expected no replay alongside snapshot, got %d events", len(sub.Events))
	}
}

func TestActor_LiveDeliveryAfterSubscribe(t *testing.T) {
	h, _ := spawnTest(t, Options{})

	sub, err := h.Subscribe(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Unsubscribe(sub.ID)

	if err := h.Send(session.UserSentMessage{Text: "hello"}); err != nil {
		t.Fatal(err)
	}

	// UserSentMessage emits message.appended then phase.changed.
	var kinds []session.EventKind
	for range 2 {
		select {
		case ev := <-sub.Live:
			kinds = append(kinds, ev.Kind)
		case <-time.After(2 * time.Second):
			t.Fatalf("live event not delivered, got %v", kinds)
		}
	}
	if kinds[0] != session.EventMessageAppended || kinds[1] != session.EventPhaseChanged {
		t.Fatalf("unexpected event order: %v", kinds)
	}
}

func TestActor_EffectFailureRecoversToIdle(t *testing.T) {
	h, exec := spawnTest(t, Options{})
	exec.mu.Lock()
	exec.failCalls = true
	exec.mu.Unlock()

	if err := h.Send(session.UserSentMessage{Text: "doomed"}); err != nil {
		t.Fatal(err)
	}

	// The failed SendMessage call is fed back as an Errored input,
	// which recovers the phase from Working to Idle.
	waitFor(t, "recovery to idle", func() bool {
		return h.Snapshot().Phase.Kind == session.PhaseIdle && h.Snapshot().Revision > 2
	})
}

func TestActor_MailboxFullFailsFast(t *testing.T) {
	exec := &recordingExecutor{}
	initial := session.New("sess-slow", session.Metadata{})
	h := Spawn(initial, exec, Options{InboxCapacity: 1})
	t.Cleanup(h.Stop)

	// Saturate the inbox faster than the actor can drain it; at least
	// one send must fail fast with ErrMailboxFull rather than block.
	var sawFull bool
	for range 10000 {
		if err := h.Send(session.MessageCreated{Message: session.Message{ID: "m"}}); errors.Is(err, ErrMailboxFull) {
			sawFull = true
			break
		}
	}
	if !sawFull {
		t.Skip("inbox never saturated on this machine")
	}
}

func TestActor_SendAfterStop(t *testing.T) {
	h, _ := spawnTest(t, Options{})
	h.Stop()
	<-h.Done()

	if err := h.Send(session.TurnStarted{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestActor_ReplayReconstructsState(t *testing.T) {
	h, _ := spawnTest(t, Options{})

	inputs := []session.Input{
		session.UserSentMessage{Text: "build"},
		session.MessageCreated{Message: session.Message{ID: "m1", Role: session.RoleAssistant, Kind: session.KindText, Content: "on it"}},
		session.TokensUpdated{Usage: session.TokenUsage{Input: 500, Output: 100}},
		session.TurnCompleted{},
	}
	for _, in := range inputs {
		if err := h.Send(in); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "idle again", func() bool {
		s := h.Snapshot()
		return s.Phase.Kind == session.PhaseIdle && s.Revision > 0 && len(s.Messages) == 2
	})

	sub, err := h.Subscribe(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Unsubscribe(sub.ID)

	// Fold the replay over an empty state and compare with the live
	// snapshot: message count, tokens, phase, and final revision must
	// all line up.
	live := h.Snapshot()
	var msgs int
	var tokens session.TokenUsage
	var phase session.Phase
	var last uint64
	for _, ev := range sub.Events {
		last = ev.Revision
		switch ev.Kind {
		case session.EventMessageAppended:
			msgs++
		case session.EventTokensUpdated:
			tokens = *ev.Usage
		}
		if ev.Phase != nil {
			phase = *ev.Phase
		}
	}
	if last != live.Revision {
		t.Fatalf("replay ends at revision %d, snapshot at %d", last, live.Revision)
	}
	if msgs != len(live.Messages) {
		t.Fatalf("replay reconstructs %d messages, snapshot has %d", msgs, len(live.Messages))
	}
	if tokens != live.Tokens {
		t.Fatalf("replay tokens %+v, snapshot %+v", tokens, live.Tokens)
	}
	if phase.Kind != live.Phase.Kind {
		t.Fatalf("replay phase %s, snapshot %s", phase.Kind, live.Phase.Kind)
	}
}
