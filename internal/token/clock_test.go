package token

import (
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually driven Clock for deterministic cache and scheduler
// tests. Timers created via After never fire on their own; tests fire them.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	d  time.Duration
	ch chan time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	t := &fakeTimer{d: d, ch: make(chan time.Time, 1)}
	c.mu.Lock()
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	return t.ch
}

// waitTimer blocks until the n-th timer (0-based) has been created.
func (c *fakeClock) waitTimer(t *testing.T, n int) *fakeTimer {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.timers) > n {
			timer := c.timers[n]
			c.mu.Unlock()
			return timer
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timer %d was never created", n)
	return nil
}

func (ft *fakeTimer) fire(at time.Time) {
	ft.ch <- at
}
