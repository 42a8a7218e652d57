// Package session serialises long-running work per requester. A second
// request for a busy session is refused rather than queued.
package session

import (
	"context"
	"errors"
	"sync"
)

// ErrBusy is returned when the session already has work in flight.
var ErrBusy = errors.New("session busy")

// Registry tracks the in-flight operation of every session.
type Registry struct {
	mu     sync.Mutex
	active map[string]*Handle
}

func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*Handle)}
}

// Handle represents exclusive ownership of a session.
type Handle struct {
	key      string
	ctx      context.Context
	cancel   context.CancelFunc
	registry *Registry
	once     sync.Once
}

// TryAcquire claims key. The returned handle's context is cancelled by
// Cancel(key), by Release, or when parent is done.
func (r *Registry) TryAcquire(parent context.Context, key string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.active[key]; busy {
		return nil, ErrBusy
	}

	ctx, cancel := context.WithCancel(parent)
	h := &Handle{key: key, ctx: ctx, cancel: cancel, registry: r}
	r.active[key] = h
	return h, nil
}

// Cancel aborts the work running under key. It reports whether anything was running.
func (r *Registry) Cancel(key string) bool {
	r.mu.Lock()
	h, ok := r.active[key]
	r.mu.Unlock()

	if ok {
		h.cancel()
	}
	return ok
}

// Busy reports whether key has work in flight.
func (r *Registry) Busy(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[key]
	return ok
}

func (h *Handle) Context() context.Context { return h.ctx }

// Release frees the session. Safe to call more than once.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.cancel()
		h.registry.mu.Lock()
		if h.registry.active[h.key] == h {
			delete(h.registry.active, h.key)
		}
		h.registry.mu.Unlock()
	})
}
