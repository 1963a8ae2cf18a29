package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAdvanceFiresInOrder(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var fired []string
	c.AfterFunc(2*time.Minute, func() { fired = append(fired, "b") })
	c.AfterFunc(time.Minute, func() { fired = append(fired, "a") })
	c.AfterFunc(10*time.Minute, func() { fired = append(fired, "c") })
	assert.Equal(t, 3, c.Pending())

	c.Advance(5 * time.Minute)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, start.Add(5*time.Minute), c.Now())
	assert.Equal(t, 1, c.Pending())
}

func TestFakeStop(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	called := false
	timer := c.AfterFunc(time.Second, func() { called = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	c.Advance(time.Minute)
	assert.False(t, called)
	assert.Zero(t, c.Pending())
}

func TestFakeCallbackRearms(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	ticks := 0
	var tick func()
	tick = func() {
		ticks++
		c.AfterFunc(time.Minute, tick)
	}
	c.AfterFunc(time.Minute, tick)

	c.Advance(3 * time.Minute)
	assert.Equal(t, 3, ticks)
	assert.Equal(t, 1, c.Pending())
}

func TestFakeCallbackSeesDeadline(t *testing.T) {
	start := time.Unix(0, 0)
	c := NewFake(start)
	var seen time.Time
	c.AfterFunc(90*time.Second, func() { seen = c.Now() })

	c.Advance(5 * time.Minute)
	assert.Equal(t, start.Add(90*time.Second), seen)
}

func TestRealAfterFunc(t *testing.T) {
	done := make(chan struct{})
	Real{}.AfterFunc(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}
