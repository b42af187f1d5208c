// Package hub owns session lifecycle: it creates sessions, spawns
// their actors, launches their runtimes, persists their effects, and
// tears them down after they end. Everything the transport layer needs
// goes through the Hub.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"sessionhub/internal/actor"
	"sessionhub/internal/registry"
	"sessionhub/internal/runtime"
	"sessionhub/internal/session"
	"sessionhub/internal/store"
	"sessionhub/internal/watcher"
)

var (
	// ErrMaxSessions is returned when creating a session would exceed
	// the configured limit.
	ErrMaxSessions = errors.New("hub: session limit reached")

	// ErrShutdown is returned once the hub has begun shutting down.
	ErrShutdown = errors.New("hub: shutting down")
)

// Options configure a Hub.
type Options struct {
	Store    *store.Store
	Launcher runtime.Launcher
	Logger   *slog.Logger

	MaxSessions      int
	EventLogCapacity int
	InboxCapacity    int
	SubscriberBuffer int

	// GracePeriod keeps an ended session addressable (snapshots,
	// resume) before its actor is torn down.
	GracePeriod time.Duration

	// Provider labels new sessions' metadata.
	Provider string

	// OnListChanged fires when the session list or a listed summary
	// field changes. Called from actor goroutines; must not block.
	OnListChanged func()
}

// CreateRequest carries the client-supplied fields of a new session.
type CreateRequest struct {
	ProjectPath    string
	Model          string
	Name           string
	ApprovalPolicy session.ApprovalPolicy
	SandboxMode    string
}

// Hub wires the session core to its edges.
type Hub struct {
	reg      *registry.Registry
	store    *store.Store
	launcher runtime.Launcher
	watcher  *watcher.Watcher
	logger   *slog.Logger
	opts     Options

	mu       sync.Mutex
	conns    map[string]runtime.Conn
	removals map[string]*time.Timer
	closed   bool
}

// New creates a hub. Call Restore before serving traffic, and
// Shutdown when done.
func New(opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 32
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 30 * time.Second
	}
	if opts.Provider == "" {
		opts.Provider = "claude"
	}

	h := &Hub{
		reg:      registry.New(),
		store:    opts.Store,
		launcher: opts.Launcher,
		logger:   logger,
		opts:     opts,
		conns:    make(map[string]runtime.Conn),
		removals: make(map[string]*time.Timer),
	}
	h.watcher = watcher.New(h.onDiff, logger)
	return h
}

// CreateSession creates, persists, and launches a new session, and
// returns its id.
func (h *Hub) CreateSession(ctx context.Context, req CreateRequest) (string, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", ErrShutdown
	}
	h.mu.Unlock()

	if h.reg.Len() >= h.opts.MaxSessions {
		return "", ErrMaxSessions
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	policy := req.ApprovalPolicy
	if policy == "" {
		policy = session.PolicyAlwaysAsk
	}
	st := session.New(id, session.Metadata{
		Provider:       h.opts.Provider,
		ProjectPath:    req.ProjectPath,
		Model:          req.Model,
		Name:           req.Name,
		ApprovalPolicy: policy,
		SandboxMode:    req.SandboxMode,
		CreatedAt:      now,
		UpdatedAt:      now,
	})

	if err := h.store.CreateSession(ctx, st); err != nil {
		return "", fmt.Errorf("hub: create session: %w", err)
	}

	if err := h.launch(st, false); err != nil {
		return "", err
	}

	h.logger.Info("session created", "session", id, "project", req.ProjectPath)
	h.notifyList()
	return id, nil
}

// launch spawns the actor, registers it, and starts the runtime and
// the diff watcher for one session.
func (h *Hub) launch(st session.State, resume bool) error {
	handle := actor.Spawn(st, &sessionExecutor{hub: h, sessionID: st.ID}, actor.Options{
		InboxCapacity:    h.opts.InboxCapacity,
		LogCapacity:      h.opts.EventLogCapacity,
		SubscriberBuffer: h.opts.SubscriberBuffer,
		Logger:           h.logger,
	})

	if err := h.reg.Register(st.ID, handle); err != nil {
		handle.Stop()
		return fmt.Errorf("hub: register: %w", err)
	}

	conn, err := h.launcher.Launch(runtime.LaunchSpec{
		SessionID:   st.ID,
		ProjectPath: st.Meta.ProjectPath,
		Model:       st.Meta.Model,
		Resume:      resume,
		Deliver: func(in session.Input) {
			if err := h.reg.Send(st.ID, in); err != nil {
				h.logger.Warn("dropped runtime event", "session", st.ID, "error", err)
			}
		},
	})
	if err != nil {
		h.reg.Remove(st.ID)
		handle.Stop()
		return fmt.Errorf("hub: launch runtime: %w", err)
	}

	h.mu.Lock()
	h.conns[st.ID] = conn
	h.mu.Unlock()

	if err := h.watcher.Watch(st.ID, st.Meta.ProjectPath); err != nil {
		h.logger.Warn("diff watcher unavailable", "session", st.ID, "error", err)
	}
	return nil
}

// Send routes a client input to a session. Resume gets lifecycle
// handling: the scheduled teardown is cancelled and the runtime is
// relaunched before the input reaches the actor.
func (h *Hub) Send(id string, in session.Input) error {
	if _, isResume := in.(session.Resumed); isResume {
		return h.resume(id)
	}
	return h.reg.Send(id, in)
}

func (h *Hub) resume(id string) error {
	handle, err := h.reg.Lookup(id)
	if err != nil {
		return err
	}

	st := handle.Snapshot()
	if st.Phase.Kind != session.PhaseEnded {
		// Nothing to revive; the actor treats Resumed as a no-op.
		return h.reg.Send(id, session.Resumed{})
	}

	h.mu.Lock()
	if t, ok := h.removals[id]; ok {
		t.Stop()
		delete(h.removals, id)
	}
	oldConn := h.conns[id]
	delete(h.conns, id)
	h.mu.Unlock()

	if oldConn != nil {
		oldConn.Stop()
	}

	conn, err := h.launcher.Launch(runtime.LaunchSpec{
		SessionID:   id,
		ProjectPath: st.Meta.ProjectPath,
		Model:       st.Meta.Model,
		Resume:      true,
		Deliver: func(in session.Input) {
			if err := h.reg.Send(id, in); err != nil {
				h.logger.Warn("dropped runtime event", "session", id, "error", err)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("hub: relaunch runtime: %w", err)
	}

	h.mu.Lock()
	h.conns[id] = conn
	h.mu.Unlock()

	if err := h.watcher.Watch(id, st.Meta.ProjectPath); err != nil {
		h.logger.Warn("diff watcher unavailable", "session", id, "error", err)
	}

	h.logger.Info("session resumed", "session", id)
	return h.reg.Send(id, session.Resumed{})
}

// Snapshot returns a session's last published state.
func (h *Hub) Snapshot(id string) (*session.State, error) {
	return h.reg.Snapshot(id)
}

// Subscribe attaches to a session's event stream from the given
// revision.
func (h *Hub) Subscribe(ctx context.Context, id string, since uint64) (actor.Subscription, error) {
	return h.reg.Subscribe(ctx, id, since)
}

// Unsubscribe detaches a live subscription.
func (h *Hub) Unsubscribe(id, subID string) {
	if handle, err := h.reg.Lookup(id); err == nil {
		handle.Unsubscribe(subID)
	}
}

// List returns summaries of all live sessions.
func (h *Hub) List() []session.Summary {
	states := h.reg.List()
	out := make([]session.Summary, 0, len(states))
	for _, st := range states {
		out = append(out, st.Summarize())
	}
	return out
}

// Restore re-spawns an actor for every session the store recovered,
// relaunching each runtime in resume mode. Call once, before serving.
func (h *Hub) Restore(ctx context.Context) error {
	states, err := h.store.Restore(ctx)
	if err != nil {
		return err
	}
	for _, st := range states {
		if err := h.launch(st, true); err != nil {
			h.logger.Error("failed to restore session", "session", st.ID, "error", err)
		}
	}
	if len(states) > 0 {
		h.notifyList()
	}
	return nil
}

// Shutdown stops all runtimes, actors, and watches, then closes the
// store, draining its write queue.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := h.conns
	h.conns = make(map[string]runtime.Conn)
	for _, t := range h.removals {
		t.Stop()
	}
	h.removals = make(map[string]*time.Timer)
	h.mu.Unlock()

	h.watcher.Shutdown()
	for _, conn := range conns {
		conn.Stop()
	}
	for _, st := range h.reg.List() {
		if handle, err := h.reg.Lookup(st.ID); err == nil {
			handle.Stop()
			h.reg.Remove(st.ID)
		}
	}
	return h.store.Close(ctx)
}

// onDiff routes watcher snapshots into the owning session.
func (h *Hub) onDiff(sessionID string, diff session.DiffSnapshot) {
	if err := h.reg.Send(sessionID, session.DiffUpdated{Diff: diff}); err != nil {
		h.logger.Debug("dropped diff update", "session", sessionID, "error", err)
	}
}

// sessionEnded runs the post-end teardown: stop the runtime and the
// watch now, remove the actor after the grace period.
func (h *Hub) sessionEnded(id string) {
	h.mu.Lock()
	conn := h.conns[id]
	delete(h.conns, id)
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.removals[id] = time.AfterFunc(h.opts.GracePeriod, func() {
		h.removeSession(id)
	})
	h.mu.Unlock()

	h.watcher.Unwatch(id)
	if conn != nil {
		conn.Stop()
	}
	h.notifyList()
}

func (h *Hub) removeSession(id string) {
	h.mu.Lock()
	delete(h.removals, id)
	h.mu.Unlock()

	if handle, err := h.reg.Lookup(id); err == nil {
		handle.Stop()
		h.reg.Remove(id)
	}
	h.logger.Info("session removed", "session", id)
	h.notifyList()
}

func (h *Hub) notifyList() {
	if h.opts.OnListChanged != nil {
		h.opts.OnListChanged()
	}
}

// summaryRelevant reports whether persisting op changes a field the
// session list shows.
func summaryRelevant(op session.PersistOp) bool {
	switch op.(type) {
	case session.UpdatePhaseOp, session.UpdateMetadataOp,
		session.UpdateTokensOp, session.EndSessionOp:
		return true
	}
	return false
}

// sessionExecutor is the actor's effect boundary for one session:
// persist ops go to the store's async write queue, runtime calls go to
// the session's connection.
type sessionExecutor struct {
	hub       *Hub
	sessionID string
}

func (e *sessionExecutor) Persist(ctx context.Context, sessionID string, revision uint64, op session.PersistOp) error {
	if err := e.hub.store.Enqueue(sessionID, revision, op); err != nil {
		return err
	}
	if _, ended := op.(session.EndSessionOp); ended {
		// Teardown happens off the actor goroutine; the actor only
		// records the effect.
		go e.hub.sessionEnded(sessionID)
	} else if summaryRelevant(op) {
		e.hub.notifyList()
	}
	return nil
}

func (e *sessionExecutor) RuntimeCall(ctx context.Context, sessionID string, call session.RuntimeCall) error {
	e.hub.mu.Lock()
	conn := e.hub.conns[sessionID]
	e.hub.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("hub: no runtime connection for %s", sessionID)
	}
	return conn.Call(call)
}
