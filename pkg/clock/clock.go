package clock

import (
	"container/heap"
	"sync"
	"time"

	bclock "github.com/benbjohnson/clock"
)

// Clock provides time operations so timer-driven call flows can be tested deterministically.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer represents a cancellable timer
type Timer interface {
	Stop() bool
}

// Real uses wall-clock time
type Real struct {
	c bclock.Clock
}

// NewReal creates a clock backed by the system clock
func NewReal() *Real {
	return &Real{c: bclock.New()}
}

func (c *Real) Now() time.Time {
	return c.c.Now()
}

func (c *Real) After(d time.Duration) <-chan time.Time {
	return c.c.After(d)
}

func (c *Real) AfterFunc(d time.Duration, f func()) Timer {
	return c.c.AfterFunc(d, f)
}

// Manual provides deterministic time control for testing.
// Time only moves when Advance is called.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers timerHeap
}

// NewManual creates a clock with manual time control
func NewManual(start time.Time) *Manual {
	if start.IsZero() {
		start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return &Manual{now: start}
}

func (c *Manual) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.AfterFunc(d, func() {
		ch <- c.Now()
	})
	return ch
}

func (c *Manual) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	mt := &manualTimer{
		seq:    c.seq,
		fireAt: c.now.Add(d),
		fn:     f,
		clock:  c,
	}
	heap.Push(&c.timers, mt)
	return mt
}

// Pending returns the number of timers that have not fired or been stopped
func (c *Manual) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Advance moves time forward and fires all timers that are due, in order
func (c *Manual) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)

	for len(c.timers) > 0 {
		mt := c.timers[0]
		if mt.stopped {
			heap.Pop(&c.timers)
			continue
		}
		if mt.fireAt.After(target) {
			break
		}
		heap.Pop(&c.timers)
		mt.stopped = true
		if mt.fireAt.After(c.now) {
			c.now = mt.fireAt
		}
		// callbacks may schedule new timers
		c.mu.Unlock()
		mt.fn()
		c.mu.Lock()
	}

	c.now = target
	c.mu.Unlock()
}

type manualTimer struct {
	seq     uint64
	fireAt  time.Time
	fn      func()
	clock   *Manual
	stopped bool
	index   int
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

type timerHeap []*manualTimer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].fireAt.Before(h[j].fireAt)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*manualTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
