package auth

import (
	"slices"
	"sync"

	"github.com/jmcleod/ironsession/credential"
)

// Status is the authentication state.
type Status int

const (
	StatusUnauthenticated Status = iota
	StatusAuthenticating
	StatusAuthenticated
	StatusRefreshing
)

func (s Status) String() string {
	switch s {
	case StatusAuthenticating:
		return "authenticating"
	case StatusAuthenticated:
		return "authenticated"
	case StatusRefreshing:
		return "refreshing"
	default:
		return "unauthenticated"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State is a snapshot published to subscribers.
type State struct {
	Status Status `json:"status"`
	// User is the cached profile, nil when signed out.
	User *credential.Profile `json:"user,omitempty"`
	// Credentials mirrors the stored bundle while a session is held. It is
	// kept out of JSON so snapshots can be served without leaking tokens.
	Credentials *credential.Bundle `json:"-"`
}

// Authenticated reports whether a session is usable. A refresh in
// progress keeps the previous session usable.
func (s State) Authenticated() bool {
	return s.Status == StatusAuthenticated || (s.Status == StatusRefreshing && s.User != nil)
}

// Loading is true in the transient states.
func (s State) Loading() bool {
	return s.Status == StatusAuthenticating || s.Status == StatusRefreshing
}

// Role is the signed-in user's role, or "".
func (s State) Role() string {
	if s.User == nil {
		return ""
	}
	return s.User.Role
}

func (s State) clone() State {
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	if s.Credentials != nil {
		b := *s.Credentials
		s.Credentials = &b
	}
	return s
}

type subscribers struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]func(State)
}

func (s *subscribers) add(fn func(State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[uint64]func(State))
	}
	s.next++
	id := s.next
	s.fns[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}
}

func (s *subscribers) snapshot() []func(State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, len(s.fns))
	for id := range s.fns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]func(State), 0, len(ids))
	for _, id := range ids {
		out = append(out, s.fns[id])
	}
	return out
}
