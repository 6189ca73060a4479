package clock_test

import (
	"testing"
	"time"

	"github.com/ClareAI/astra-call-control/pkg/clock"
	"github.com/stretchr/testify/assert"
)

func TestManualFiresInOrder(t *testing.T) {
	c := clock.NewManual(time.Time{})
	var fired []int
	c.AfterFunc(2*time.Second, func() { fired = append(fired, 2) })
	c.AfterFunc(time.Second, func() { fired = append(fired, 1) })
	c.AfterFunc(time.Second, func() { fired = append(fired, 11) })

	c.Advance(500 * time.Millisecond)
	assert.Empty(t, fired)

	c.Advance(2 * time.Second)
	assert.Equal(t, []int{1, 11, 2}, fired)
}

func TestManualStop(t *testing.T) {
	c := clock.NewManual(time.Time{})
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	c.Advance(time.Minute)
	assert.False(t, fired)
	assert.Equal(t, 0, c.Pending())
}

func TestManualCallbackSchedulesTimer(t *testing.T) {
	c := clock.NewManual(time.Time{})
	start := c.Now()
	var at []time.Duration
	c.AfterFunc(time.Second, func() {
		at = append(at, c.Now().Sub(start))
		c.AfterFunc(time.Second, func() {
			at = append(at, c.Now().Sub(start))
		})
	})

	c.Advance(5 * time.Second)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, at)
	assert.Equal(t, 5*time.Second, c.Now().Sub(start))
}

func TestManualAfter(t *testing.T) {
	c := clock.NewManual(time.Time{})
	ch := c.After(3 * time.Second)
	c.Advance(3 * time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("expected After channel to fire")
	}
}

func TestRealAfterFuncAndStop(t *testing.T) {
	c := clock.NewReal()
	fired := make(chan struct{})
	c.AfterFunc(time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("real timer did not fire")
	}

	stopped := c.AfterFunc(time.Hour, func() { t.Error("stopped timer fired") })
	assert.True(t, stopped.Stop())
	assert.WithinDuration(t, time.Now(), c.Now(), time.Second)
}
