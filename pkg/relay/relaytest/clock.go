// Package relaytest provides deterministic test doubles for the relay
// package: a manual clock and a scripted transport adapter.
package relaytest

import (
	"sort"
	"sync"
	"time"

	"github.com/polisai/polis-relay/pkg/relay"
)

// FakeClock is a deterministic relay.Clock for tests. Timers fire only when
// Advance moves time past their expiry.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

var _ relay.Clock = (*FakeClock)(nil)

// NewFakeClock returns a FakeClock starting at the given time.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now implements relay.Clock.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// NewTimer implements relay.Clock. A non-positive duration fires at once.
func (c *FakeClock) NewTimer(d time.Duration) relay.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{
		clock: c,
		when:  c.now.Add(d),
		ch:    make(chan time.Time, 1),
	}
	if d <= 0 {
		t.ch <- c.now
		return t
	}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward by d, firing due timers in expiry order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)

	sort.SliceStable(c.timers, func(i, j int) bool {
		return c.timers[i].when.Before(c.timers[j].when)
	})

	remaining := c.timers[:0]
	for _, t := range c.timers {
		if t.when.After(c.now) {
			remaining = append(remaining, t)
			continue
		}
		select {
		case t.ch <- t.when:
		default:
		}
	}
	c.timers = remaining
}

// Waiters returns the number of active timers.
func (c *FakeClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// BlockUntil waits in real time until at least n timers are active. It
// returns false if that does not happen within limit.
func (c *FakeClock) BlockUntil(n int, limit time.Duration) bool {
	deadline := time.Now().Add(limit)
	for {
		if c.Waiters() >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

func (c *FakeClock) stop(t *fakeTimer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, active := range c.timers {
		if active == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return true
		}
	}
	return false
}

type fakeTimer struct {
	clock *FakeClock
	when  time.Time
	ch    chan time.Time
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }
func (t *fakeTimer) Stop() bool          { return t.clock.stop(t) }
