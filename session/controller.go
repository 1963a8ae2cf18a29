// Package session keeps a signed-in session alive in the background:
// it refreshes credentials ahead of expiry, watches for inactivity and
// dead refresh tokens, and announces expiry to subscribers.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/ironsession/credential"
	"github.com/jmcleod/ironsession/expiry"
	"github.com/jmcleod/ironsession/internal/clock"
	"github.com/jmcleod/ironsession/internal/logger"
	"github.com/jmcleod/ironsession/internal/metrics"
)

// Store is the subset of credential.Store the controller reads and clears.
type Store interface {
	Load() (credential.Bundle, bool)
	Clear()
	SaveActivity(t time.Time)
	LoadActivity() (time.Time, bool)
}

// RefreshFunc performs a credential refresh and reports success. The
// controller never refreshes on its own; the owner injects the same path
// interactive callers use.
type RefreshFunc func(ctx context.Context) bool

// Config holds controller timings.
type Config struct {
	// HealthInterval is the period of the health check.
	HealthInterval time.Duration
	// InactivityTimeout expires a session with no recorded activity for
	// this long.
	InactivityTimeout time.Duration
	// MinRefreshInterval is the minimum spacing between timer-driven
	// refreshes.
	MinRefreshInterval time.Duration
}

// DefaultConfig returns a 60s health check, 30m inactivity timeout and 30s
// minimum refresh spacing.
func DefaultConfig() Config {
	return Config{
		HealthInterval:     60 * time.Second,
		InactivityTimeout:  30 * time.Minute,
		MinRefreshInterval: 30 * time.Second,
	}
}

// Health is a point-in-time view of the session.
type Health struct {
	IsValid         bool          `json:"isValid"`
	TimeUntilExpiry time.Duration `json:"timeUntilExpiry"`
	ShouldRefresh   bool          `json:"shouldRefresh"`
	LastActivityAt  time.Time     `json:"lastActivityAt"`
}

// Controller owns the refresh and health-check timers for one session.
// It holds no credentials itself; every decision reads the store.
type Controller struct {
	store   Store
	policy  expiry.Policy
	refresh RefreshFunc
	events  *Events
	clock   clock.Clock
	cfg     Config
	log     *slog.Logger

	mu           sync.Mutex
	running      bool
	refreshTimer clock.Timer
	healthTimer  clock.Timer
	// Sequence numbers identify the currently armed timers so callbacks
	// from a stopped or replaced timer become no-ops.
	refreshSeq   uint64
	healthSeq    uint64
	lastActivity time.Time
	lastFired    time.Time
}

// Option customizes a Controller.
type Option func(*Controller)

func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

func WithConfig(cfg Config) Option {
	return func(ctl *Controller) { ctl.cfg = cfg }
}

func WithLogger(l *slog.Logger) Option {
	return func(ctl *Controller) { ctl.log = l }
}

// New returns a stopped Controller. events receives expiry notifications.
func New(store Store, policy expiry.Policy, refresh RefreshFunc, events *Events, opts ...Option) *Controller {
	c := &Controller{
		store:   store,
		policy:  policy,
		refresh: refresh,
		events:  events,
		clock:   clock.Real{},
		cfg:     DefaultConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.events == nil {
		c.events = NewEvents()
	}
	c.log = logger.Component(c.log, "session")
	return c
}

// Events returns the expiry registry.
func (c *Controller) Events() *Events {
	return c.events
}

// Start arms both timers, replacing any already armed.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimersLocked()
	c.running = true
	c.armHealthLocked()
	c.armRefreshLocked()
	c.log.Debug("session monitoring started")
}

// Stop cancels both timers. Callbacks already running finish but their
// results are ignored.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.log.Debug("session monitoring stopped")
	}
	c.stopTimersLocked()
	c.running = false
}

// Running reports whether the timers are armed.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Rearm reschedules the refresh timer against the stored bundle. Call it
// whenever credentials change outside the controller.
func (c *Controller) Rearm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.stopRefreshLocked()
	c.armRefreshLocked()
}

// RecordActivity marks the user as active now.
func (c *Controller) RecordActivity() {
	now := c.clock.Now()
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
	c.store.SaveActivity(now)
}

// Health derives the session health from the store.
func (c *Controller) Health() Health {
	now := c.clock.Now()
	b, ok := c.store.Load()
	c.mu.Lock()
	last := c.lastActivityLocked(now)
	c.mu.Unlock()
	if !ok {
		return Health{LastActivityAt: last}
	}
	return Health{
		IsValid:         !c.policy.IsRefreshExpired(&b),
		TimeUntilExpiry: c.policy.TimeUntilExpiry(&b),
		ShouldRefresh:   c.policy.ShouldProactivelyRefresh(&b),
		LastActivityAt:  last,
	}
}

// ManualRefresh runs the refresh path now. Success re-arms the refresh
// timer; failure expires the session.
func (c *Controller) ManualRefresh(ctx context.Context) bool {
	if c.refresh(ctx) {
		c.Rearm()
		return true
	}
	c.mu.Lock()
	running := c.running
	if running {
		c.stopTimersLocked()
		c.running = false
	}
	c.mu.Unlock()
	if running {
		c.expire(ReasonRefreshFailed)
	}
	return false
}

func (c *Controller) armRefreshLocked() {
	b, ok := c.store.Load()
	if !ok {
		return
	}
	now := c.clock.Now()
	delay := c.policy.RefreshDelay(&b)
	if !c.lastFired.IsZero() {
		if earliest := c.lastFired.Add(c.cfg.MinRefreshInterval); now.Add(delay).Before(earliest) {
			delay = earliest.Sub(now)
		}
	}
	c.refreshSeq++
	seq := c.refreshSeq
	c.refreshTimer = c.clock.AfterFunc(delay, func() { c.onRefreshTimer(seq) })
	c.log.Debug("refresh scheduled", "in", delay, "expires_at", b.ExpiresAt)
}

func (c *Controller) armHealthLocked() {
	c.healthSeq++
	seq := c.healthSeq
	c.healthTimer = c.clock.AfterFunc(c.cfg.HealthInterval, func() { c.onHealthTimer(seq) })
}

func (c *Controller) stopRefreshLocked() {
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
		c.refreshTimer = nil
	}
	c.refreshSeq++
}

func (c *Controller) stopTimersLocked() {
	c.stopRefreshLocked()
	if c.healthTimer != nil {
		c.healthTimer.Stop()
		c.healthTimer = nil
	}
	c.healthSeq++
}

func (c *Controller) onRefreshTimer(seq uint64) {
	c.mu.Lock()
	if !c.running || seq != c.refreshSeq {
		c.mu.Unlock()
		return
	}
	c.refreshTimer = nil
	c.lastFired = c.clock.Now()
	c.mu.Unlock()

	ok := c.refresh(context.Background())

	c.mu.Lock()
	if !c.running || seq != c.refreshSeq {
		// Stopped, or re-armed by a credential update while refreshing.
		c.mu.Unlock()
		return
	}
	if ok {
		c.armRefreshLocked()
		c.mu.Unlock()
		return
	}
	c.stopTimersLocked()
	c.running = false
	c.mu.Unlock()
	c.expire(ReasonRefreshFailed)
}

func (c *Controller) onHealthTimer(seq uint64) {
	c.mu.Lock()
	if !c.running || seq != c.healthSeq {
		c.mu.Unlock()
		return
	}
	reason, expired := c.checkLocked(c.clock.Now())
	if !expired {
		c.armHealthLocked()
		c.mu.Unlock()
		return
	}
	c.stopTimersLocked()
	c.running = false
	c.mu.Unlock()
	c.expire(reason)
}

func (c *Controller) checkLocked(now time.Time) (Reason, bool) {
	b, ok := c.store.Load()
	switch {
	case !ok:
		return ReasonNoCredentials, true
	case c.policy.IsRefreshExpired(&b):
		return ReasonRefreshExpired, true
	case now.Sub(c.lastActivityLocked(now)) > c.cfg.InactivityTimeout:
		return ReasonInactive, true
	}
	return "", false
}

// lastActivityLocked is the later of the cached and persisted stamps, so
// activity recorded by another process counts. No record at all reads as now.
func (c *Controller) lastActivityLocked(now time.Time) time.Time {
	last := c.lastActivity
	if stored, ok := c.store.LoadActivity(); ok && stored.After(last) {
		last = stored
		c.lastActivity = stored
	}
	if last.IsZero() {
		return now
	}
	return last
}

func (c *Controller) expire(reason Reason) {
	c.store.Clear()
	metrics.SessionExpirations.WithLabelValues(string(reason)).Inc()
	c.log.Info("session expired", "reason", string(reason))
	c.events.Emit(ExpiryEvent{Reason: reason, At: c.clock.Now()})
}
