package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsession/credential"
	"github.com/jmcleod/ironsession/expiry"
	"github.com/jmcleod/ironsession/internal/clock"
	"github.com/jmcleod/ironsession/internal/util"
	"github.com/jmcleod/ironsession/storage/memory"
)

var testStart = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	clk      *clock.Fake
	store    *credential.Store
	policy   expiry.Policy
	ctl      *Controller
	events   []ExpiryEvent
	refreshN atomic.Int32
	refresh  func(ctx context.Context) bool
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	material, err := util.RandomBytes(32)
	require.NoError(t, err)
	key, err := credential.NewKey(material)
	require.NoError(t, err)

	h := &harness{clk: clock.NewFake(testStart)}
	h.store = credential.NewStore(memory.NewRepository(), key, credential.WithClock(h.clk))
	h.policy = expiry.Default()
	h.policy.Clock = h.clk
	h.refresh = func(context.Context) bool { return true }

	events := NewEvents()
	events.Subscribe(func(e ExpiryEvent) { h.events = append(h.events, e) })
	opts = append([]Option{WithClock(h.clk)}, opts...)
	h.ctl = New(h.store, h.policy, func(ctx context.Context) bool {
		h.refreshN.Add(1)
		return h.refresh(ctx)
	}, events, opts...)
	t.Cleanup(h.ctl.Stop)
	return h
}

func (h *harness) save(t *testing.T, expiresIn int64) credential.Bundle {
	t.Helper()
	b, err := h.store.NewBundle("access", "refresh", expiresIn)
	require.NoError(t, err)
	h.store.Save(b)
	return b
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.save(t, 3600)

	h.ctl.Start()
	assert.Equal(t, 2, h.clk.Pending(), "health and refresh timers")
	h.ctl.Start()
	assert.Equal(t, 2, h.clk.Pending(), "restart replaces the timers")
	assert.True(t, h.ctl.Running())

	h.ctl.Stop()
	h.ctl.Stop()
	assert.Zero(t, h.clk.Pending())
	assert.False(t, h.ctl.Running())
}

func TestStartWithoutBundleArmsHealthOnly(t *testing.T) {
	h := newHarness(t)
	h.ctl.Start()
	assert.Equal(t, 1, h.clk.Pending())

	h.clk.Advance(60 * time.Second)
	require.Len(t, h.events, 1)
	assert.Equal(t, ReasonNoCredentials, h.events[0].Reason)
	assert.Equal(t, testStart.Add(time.Minute), h.events[0].At)
	assert.False(t, h.ctl.Running())
	assert.Zero(t, h.clk.Pending())
	assert.Zero(t, h.refreshN.Load())
}

func TestProactiveRefresh(t *testing.T) {
	h := newHarness(t)
	h.save(t, 3600)
	h.refresh = func(context.Context) bool {
		h.save(t, 3600)
		return true
	}
	h.ctl.Start()

	h.clk.Advance(50*time.Minute - time.Second)
	assert.Zero(t, h.refreshN.Load())

	h.clk.Advance(time.Second)
	assert.Equal(t, int32(1), h.refreshN.Load(), "refresh fires at expiry minus threshold")
	assert.Equal(t, 2, h.clk.Pending())

	h.clk.Advance(50 * time.Minute)
	assert.Equal(t, int32(2), h.refreshN.Load(), "rescheduled against the new bundle")
	assert.Empty(t, h.events)
}

func TestRefreshFailureExpires(t *testing.T) {
	h := newHarness(t)
	h.save(t, 900)
	h.store.SaveProfile(credential.Profile{ID: "u1"})
	h.ctl.RecordActivity()
	h.refresh = func(context.Context) bool { return false }
	h.ctl.Start()

	h.clk.Advance(5 * time.Minute)
	require.Len(t, h.events, 1)
	assert.Equal(t, ReasonRefreshFailed, h.events[0].Reason)
	assert.False(t, h.ctl.Running())
	assert.Zero(t, h.clk.Pending())

	_, ok := h.store.Load()
	assert.False(t, ok, "expiry clears the bundle")
	_, ok = h.store.LoadProfile()
	assert.False(t, ok, "expiry clears the profile")
	_, ok = h.store.LoadActivity()
	assert.True(t, ok, "activity survives a clear")
}

func TestInactivityExpires(t *testing.T) {
	h := newHarness(t)
	h.save(t, 24*3600)
	h.ctl.Start()
	h.ctl.RecordActivity()

	h.clk.Advance(30 * time.Minute)
	assert.Empty(t, h.events, "exactly the timeout is still active")

	h.clk.Advance(time.Minute)
	require.Len(t, h.events, 1)
	assert.Equal(t, ReasonInactive, h.events[0].Reason)
}

func TestActivityKeepsSessionAlive(t *testing.T) {
	h := newHarness(t)
	h.save(t, 24*3600)
	h.ctl.Start()

	for range 6 {
		h.ctl.RecordActivity()
		h.clk.Advance(20 * time.Minute)
	}
	assert.Empty(t, h.events)
	assert.True(t, h.ctl.Running())
}

func TestActivityFromStoreCounts(t *testing.T) {
	h := newHarness(t)
	h.save(t, 24*3600)
	h.ctl.RecordActivity()
	h.ctl.Start()

	h.clk.Advance(25 * time.Minute)
	// Another process touched the session.
	h.store.SaveActivity(h.clk.Now())
	h.clk.Advance(25 * time.Minute)
	assert.Empty(t, h.events)
}

func TestRefreshExpiredExpires(t *testing.T) {
	h := newHarness(t, WithConfig(Config{
		HealthInterval:     time.Minute,
		InactivityTimeout:  24 * time.Hour,
		MinRefreshInterval: 30 * time.Second,
	}))
	h.policy.RefreshLifetime = 2 * time.Hour
	h.ctl.policy = h.policy
	h.save(t, 24*3600)
	h.ctl.Start()

	h.clk.Advance(2*time.Hour - time.Minute)
	assert.Empty(t, h.events)
	h.clk.Advance(time.Minute)
	require.Len(t, h.events, 1)
	assert.Equal(t, ReasonRefreshExpired, h.events[0].Reason)
}

func TestMinRefreshInterval(t *testing.T) {
	h := newHarness(t)
	h.save(t, 300)
	h.refresh = func(context.Context) bool {
		h.save(t, 300)
		return true
	}
	h.ctl.Start()

	h.clk.Advance(0)
	assert.Equal(t, int32(1), h.refreshN.Load(), "inside the threshold refreshes immediately")

	h.clk.Advance(29 * time.Second)
	assert.Equal(t, int32(1), h.refreshN.Load())
	h.clk.Advance(time.Second)
	assert.Equal(t, int32(2), h.refreshN.Load())
}

func TestRearmDuringRefreshWins(t *testing.T) {
	h := newHarness(t)
	h.save(t, 3600)
	h.refresh = func(context.Context) bool {
		h.save(t, 7200)
		h.ctl.Rearm()
		return true
	}
	h.ctl.Start()

	h.clk.Advance(50 * time.Minute)
	assert.Equal(t, int32(1), h.refreshN.Load())
	assert.Equal(t, 2, h.clk.Pending(), "one refresh timer, not two")

	h.clk.Advance(60 * time.Minute)
	assert.Equal(t, int32(1), h.refreshN.Load(), "scheduled against the 2h bundle")
	h.clk.Advance(50 * time.Minute)
	assert.Equal(t, int32(2), h.refreshN.Load())
}

func TestStopDuringRefreshSkipsExpiry(t *testing.T) {
	h := newHarness(t)
	h.save(t, 3600)
	h.refresh = func(context.Context) bool {
		h.ctl.Stop()
		return false
	}
	h.ctl.Start()

	h.clk.Advance(50 * time.Minute)
	assert.Empty(t, h.events)
	_, ok := h.store.Load()
	assert.True(t, ok, "a stopped controller leaves the store alone")
}

func TestRearmWhenStopped(t *testing.T) {
	h := newHarness(t)
	h.save(t, 3600)
	h.ctl.Rearm()
	assert.Zero(t, h.clk.Pending())
}

func TestManualRefresh(t *testing.T) {
	h := newHarness(t)
	h.save(t, 3600)
	h.ctl.Start()

	assert.True(t, h.ctl.ManualRefresh(context.Background()))
	assert.Equal(t, 2, h.clk.Pending())

	h.refresh = func(context.Context) bool { return false }
	assert.False(t, h.ctl.ManualRefresh(context.Background()))
	require.Len(t, h.events, 1)
	assert.Equal(t, ReasonRefreshFailed, h.events[0].Reason)
	assert.False(t, h.ctl.Running())

	assert.False(t, h.ctl.ManualRefresh(context.Background()))
	assert.Len(t, h.events, 1, "a stopped controller does not expire again")
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, Health{LastActivityAt: testStart}, h.ctl.Health())

	h.save(t, 3600)
	h.ctl.RecordActivity()
	h.clk.Advance(55 * time.Minute)

	health := h.ctl.Health()
	assert.True(t, health.IsValid)
	assert.Equal(t, 5*time.Minute, health.TimeUntilExpiry)
	assert.True(t, health.ShouldRefresh)
	assert.Equal(t, testStart, health.LastActivityAt)

	h.clk.Advance(2 * time.Hour)
	health = h.ctl.Health()
	assert.True(t, health.IsValid, "an expired access token is refreshable")
	assert.Zero(t, health.TimeUntilExpiry)
	assert.False(t, health.ShouldRefresh)
}

func TestEvents(t *testing.T) {
	e := NewEvents()
	var order []string
	cancelA := e.Subscribe(func(ExpiryEvent) { order = append(order, "a") })
	e.Subscribe(func(ExpiryEvent) { order = append(order, "b") })
	assert.Equal(t, 2, e.Len())

	e.Emit(ExpiryEvent{Reason: ReasonInactive})
	assert.Equal(t, []string{"a", "b"}, order)

	cancelA()
	cancelA()
	order = nil
	e.Emit(ExpiryEvent{Reason: ReasonInactive})
	assert.Equal(t, []string{"b"}, order)

	var cancelSelf func()
	cancelSelf = e.Subscribe(func(ExpiryEvent) { cancelSelf() })
	assert.NotPanics(t, func() { e.Emit(ExpiryEvent{}) })
	assert.Equal(t, 1, e.Len())
}
