// Package guard gates protected operations on the session state and the
// signed-in user's role.
package guard

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"

	"github.com/jmcleod/ironsession/auth"
	"github.com/jmcleod/ironsession/credential"
	"github.com/jmcleod/ironsession/expiry"
)

// Decision is the outcome of a guard check.
type Decision int

const (
	// Allow lets the caller through.
	Allow Decision = iota
	// Login means the caller must sign in.
	Login
	// Forbidden means the user is signed in without the required role.
	Forbidden
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Login:
		return "login"
	default:
		return "forbidden"
	}
}

// Authenticator is the part of *auth.Machine the guard drives.
type Authenticator interface {
	State() auth.State
	CheckAuth(ctx context.Context) bool
	ClearAuthData()
}

// Bundles reads stored credentials.
type Bundles interface {
	Load() (credential.Bundle, bool)
}

// Guard checks access to protected operations.
type Guard struct {
	auth   Authenticator
	store  Bundles
	policy expiry.Policy
}

// New returns a Guard.
func New(a Authenticator, store Bundles, policy expiry.Policy) *Guard {
	return &Guard{auth: a, store: store, policy: policy}
}

// Check decides access for a caller that needs one of roles. No roles
// means any signed-in user.
func (g *Guard) Check(ctx context.Context, roles ...string) Decision {
	if d := g.authenticate(ctx); d != Allow {
		return d
	}
	if len(roles) > 0 && !slices.Contains(roles, g.auth.State().Role()) {
		return Forbidden
	}
	return Allow
}

// CheckLevel decides access for a caller that needs level l.
func (g *Guard) CheckLevel(ctx context.Context, l Level) Decision {
	if d := g.authenticate(ctx); d != Allow {
		return d
	}
	if !HasAccess(g.auth.State().Role(), l) {
		return Forbidden
	}
	return Allow
}

func (g *Guard) authenticate(ctx context.Context) Decision {
	b, ok := g.store.Load()
	if !ok {
		return Login
	}
	if g.policy.IsRefreshExpired(&b) {
		g.auth.ClearAuthData()
		return Login
	}
	if g.policy.IsAccessExpired(&b) || !g.auth.State().Authenticated() {
		if !g.auth.CheckAuth(ctx) {
			return Login
		}
	}
	if !g.auth.State().Authenticated() {
		return Login
	}
	return Allow
}

// Middleware rejects requests that fail Check with 401 or 403.
func (g *Guard) Middleware(roles ...string) func(http.Handler) http.Handler {
	return g.middleware(func(ctx context.Context) Decision { return g.Check(ctx, roles...) })
}

// RequireLevel rejects requests that fail CheckLevel with 401 or 403.
func (g *Guard) RequireLevel(l Level) func(http.Handler) http.Handler {
	return g.middleware(func(ctx context.Context) Decision { return g.CheckLevel(ctx, l) })
}

func (g *Guard) middleware(check func(context.Context) Decision) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch check(r.Context()) {
			case Login:
				writeError(w, http.StatusUnauthorized, "authentication required")
			case Forbidden:
				writeError(w, http.StatusForbidden, "you don't have permission to access this resource")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
