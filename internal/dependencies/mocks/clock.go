package mocks

import (
	"sort"
	"sync"
	"time"

	"github.com/sheerbytes/diceduel/internal/dependencies/clock"
)

// MockClock is a mock implementation of Clock for testing.
// AfterFunc callbacks run synchronously inside Advance, in deadline order.
type MockClock struct {
	mu          sync.Mutex
	currentTime time.Time
	seq         int
	timers      []*mockTimer
}

// Ensure MockClock implements Clock
var _ clock.Clock = (*MockClock)(nil)

type mockTimer struct {
	c        *MockClock
	deadline time.Time
	seq      int
	f        func()
	done     bool
}

// Stop removes the timer if it has not fired yet
func (t *mockTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// NewMockClock creates a MockClock set to the given time
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{currentTime: t}
}

// Now returns the mocked current time
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTime
}

// AfterFunc registers f to run when the clock is advanced past d
func (c *MockClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &mockTimer{c: c, deadline: c.currentTime.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by the given duration, firing every timer
// that comes due along the way. Timers scheduled by a firing callback fire
// too if their deadline falls inside the window.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.currentTime.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.currentTime = target
			c.mu.Unlock()
			return
		}
		next.done = true
		if next.deadline.After(c.currentTime) {
			c.currentTime = next.deadline
		}
		c.mu.Unlock()
		next.f()
	}
}

// PendingTimers returns how many timers are still waiting to fire
func (c *MockClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.done {
			n++
		}
	}
	return n
}

func (c *MockClock) nextDueLocked(target time.Time) *mockTimer {
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.done {
			live = append(live, t)
		}
	}
	c.timers = live
	sort.SliceStable(c.timers, func(i, j int) bool {
		if c.timers[i].deadline.Equal(c.timers[j].deadline) {
			return c.timers[i].seq < c.timers[j].seq
		}
		return c.timers[i].deadline.Before(c.timers[j].deadline)
	})
	if len(c.timers) == 0 || c.timers[0].deadline.After(target) {
		return nil
	}
	return c.timers[0]
}
