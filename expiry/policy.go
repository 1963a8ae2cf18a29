// Package expiry decides when credentials are expired or due for refresh.
// All functions are pure over a bundle and the policy clock.
package expiry

import (
	"time"

	"github.com/jmcleod/ironsession/credential"
	"github.com/jmcleod/ironsession/internal/clock"
)

// Defaults for Policy thresholds.
const (
	DefaultAccessBuffer     = 5 * time.Minute
	DefaultRefreshLifetime  = 30 * 24 * time.Hour
	DefaultRefreshThreshold = 10 * time.Minute
)

// Policy holds the expiry thresholds.
type Policy struct {
	// AccessBuffer treats the access token as expired this long before
	// its ExpiresAt.
	AccessBuffer time.Duration
	// RefreshLifetime is the assumed refresh token lifetime from IssuedAt.
	RefreshLifetime time.Duration
	// RefreshThreshold is how close to expiry a proactive refresh starts.
	RefreshThreshold time.Duration
	// TrustTokenExpiry uses a bundle's RefreshExpiresAt, when present,
	// instead of IssuedAt + RefreshLifetime.
	TrustTokenExpiry bool

	Clock clock.Clock
}

// Default returns a Policy with the default thresholds on the wall clock.
func Default() Policy {
	return Policy{
		AccessBuffer:     DefaultAccessBuffer,
		RefreshLifetime:  DefaultRefreshLifetime,
		RefreshThreshold: DefaultRefreshThreshold,
		Clock:            clock.Real{},
	}
}

func (p Policy) now() time.Time {
	if p.Clock == nil {
		return time.Now()
	}
	return p.Clock.Now()
}

// IsAccessExpired is true when b is nil or now >= ExpiresAt - AccessBuffer.
func (p Policy) IsAccessExpired(b *credential.Bundle) bool {
	if b == nil {
		return true
	}
	return !p.now().Before(b.ExpiresAt.Add(-p.AccessBuffer))
}

// IsRefreshExpired is true when b is nil or the refresh token has outlived
// its lifetime.
func (p Policy) IsRefreshExpired(b *credential.Bundle) bool {
	if b == nil {
		return true
	}
	return !p.now().Before(p.RefreshExpiresAt(*b))
}

// RefreshExpiresAt is the instant the refresh token is considered dead.
func (p Policy) RefreshExpiresAt(b credential.Bundle) time.Time {
	if p.TrustTokenExpiry && !b.RefreshExpiresAt.IsZero() {
		return b.RefreshExpiresAt
	}
	return b.IssuedAt.Add(p.RefreshLifetime)
}

// TimeUntilExpiry is max(0, ExpiresAt - now), zero for nil.
func (p Policy) TimeUntilExpiry(b *credential.Bundle) time.Duration {
	if b == nil {
		return 0
	}
	return max(0, b.ExpiresAt.Sub(p.now()))
}

// ShouldProactivelyRefresh is true iff 0 < TimeUntilExpiry <= RefreshThreshold.
func (p Policy) ShouldProactivelyRefresh(b *credential.Bundle) bool {
	d := p.TimeUntilExpiry(b)
	return d > 0 && d <= p.RefreshThreshold
}

// RefreshDelay is how long to wait before a proactive refresh of b,
// clamped to zero.
func (p Policy) RefreshDelay(b *credential.Bundle) time.Duration {
	return max(0, p.TimeUntilExpiry(b)-p.RefreshThreshold)
}
