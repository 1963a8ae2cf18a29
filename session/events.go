package session

import (
	"slices"
	"sync"
	"time"
)

// Reason explains why the controller expired a session.
type Reason string

const (
	ReasonNoCredentials  Reason = "no_credentials"
	ReasonRefreshExpired Reason = "refresh_expired"
	ReasonInactive       Reason = "inactive"
	ReasonRefreshFailed  Reason = "refresh_failed"
)

// ExpiryEvent is emitted once per expiry, after the store has been cleared
// and the timers stopped.
type ExpiryEvent struct {
	Reason Reason
	At     time.Time
}

// Events is a callback registry for session expiry. The controller emits
// into it without knowing who listens.
type Events struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]func(ExpiryEvent)
}

// NewEvents returns an empty registry.
func NewEvents() *Events {
	return &Events{subs: make(map[uint64]func(ExpiryEvent))}
}

// Subscribe registers fn and returns a func that removes it. Cancelling
// more than once is harmless.
func (e *Events) Subscribe(fn func(ExpiryEvent)) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	id := e.next
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// Emit calls every subscriber synchronously in subscription order.
// Subscribers may subscribe or cancel from inside the callback.
func (e *Events) Emit(evt ExpiryEvent) {
	e.mu.Lock()
	ids := make([]uint64, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(ExpiryEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, e.subs[id])
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(evt)
	}
}

// Len returns the number of live subscriptions.
func (e *Events) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}
