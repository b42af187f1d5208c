// Package registry indexes all live session actors. Lookups are
// sharded so no lock spans more than one map access, and no I/O-bound
// work ever happens under a shard lock: a slow or stalled session
// never delays routing or reads for any other session.
package registry

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"sessionhub/internal/actor"
	"sessionhub/internal/session"
)

const shardCount = 32

var (
	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = errors.New("registry: session not found")

	// ErrAlreadyRegistered is returned when a session id is registered
	// twice.
	ErrAlreadyRegistered = errors.New("registry: session already registered")

	// ErrSessionEnded is returned when a client command targets an
	// ended session. Runtime events and Resume still pass through.
	ErrSessionEnded = errors.New("registry: session ended")
)

type shard struct {
	mu      sync.RWMutex
	handles map[string]actor.Handle
}

// Registry is a concurrent, sharded index from session id to actor
// handle. The zero value is not usable; call New.
type Registry struct {
	shards [shardCount]shard
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].handles = make(map[string]actor.Handle)
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &r.shards[h.Sum32()%shardCount]
}

// Register adds a session handle to the index.
func (r *Registry) Register(id string, h actor.Handle) error {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handles[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}
	s.handles[id] = h
	return nil
}

// Remove drops a session from the index. The actor itself is not
// stopped; that is the owner's job.
func (r *Registry) Remove(id string) {
	s := r.shardFor(id)
	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()
}

// Lookup returns the handle for a session id.
func (r *Registry) Lookup(id string) (actor.Handle, error) {
	s := r.shardFor(id)
	s.mu.RLock()
	h, ok := s.handles[id]
	s.mu.RUnlock()
	if !ok {
		return actor.Handle{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return h, nil
}

// Send routes an input into the target session's inbox without
// blocking. Client commands addressed to an ended session are rejected
// with ErrSessionEnded (Resume excepted); a saturated inbox surfaces
// the actor's fail-fast mailbox error.
func (r *Registry) Send(id string, in session.Input) error {
	h, err := r.Lookup(id)
	if err != nil {
		return err
	}
	if _, isClient := in.(session.ClientInput); isClient {
		if _, isResume := in.(session.Resumed); !isResume {
			if h.Snapshot().Phase.Kind == session.PhaseEnded {
				return fmt.Errorf("%w: %s", ErrSessionEnded, id)
			}
		}
	}
	return h.Send(in)
}

// Snapshot returns the last published state of a session. Lock-free
// beyond the single shard read.
func (r *Registry) Snapshot(id string) (*session.State, error) {
	h, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	return h.Snapshot(), nil
}

// Subscribe attaches to a session's event stream from the given
// revision.
func (r *Registry) Subscribe(ctx context.Context, id string, since uint64) (actor.Subscription, error) {
	h, err := r.Lookup(id)
	if err != nil {
		return actor.Subscription{}, err
	}
	return h.Subscribe(ctx, since)
}

// List enumerates the published snapshots of all live sessions. Each
// shard lock is held only long enough to copy handles; the snapshot
// reads happen outside any lock.
func (r *Registry) List() []*session.State {
	var handles []actor.Handle
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, h := range s.handles {
			handles = append(handles, h)
		}
		s.mu.RUnlock()
	}

	out := make([]*session.State, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Snapshot())
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.handles)
		s.mu.RUnlock()
	}
	return n
}
