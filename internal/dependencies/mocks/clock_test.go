package mocks

import (
	"testing"
	"time"
)

func TestMockClock_AdvanceFiresInOrder(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	var fired []string
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	c.AfterFunc(time.Second, func() {
		fired = append(fired, "a")
		c.AfterFunc(500*time.Millisecond, func() { fired = append(fired, "a2") })
	})
	stopped := c.AfterFunc(time.Second, func() { fired = append(fired, "stopped") })
	if !stopped.Stop() {
		t.Fatal("Stop() on pending timer = false")
	}
	if stopped.Stop() {
		t.Fatal("second Stop() = true")
	}

	c.Advance(1600 * time.Millisecond)
	if got := len(fired); got != 2 || fired[0] != "a" || fired[1] != "a2" {
		t.Fatalf("fired = %v, want [a a2]", fired)
	}
	if c.PendingTimers() != 1 {
		t.Fatalf("PendingTimers() = %d, want 1", c.PendingTimers())
	}
	c.Advance(time.Second)
	if len(fired) != 3 || fired[2] != "b" {
		t.Fatalf("fired = %v, want b last", fired)
	}
	if want := time.Unix(0, 0).Add(2600 * time.Millisecond); !c.Now().Equal(want) {
		t.Fatalf("Now() = %v, want %v", c.Now(), want)
	}
}

func TestMockRandom_Queue(t *testing.T) {
	r := NewMockRandom()
	r.QueueIntn(3, 4)
	if r.Intn(6) != 3 || r.Intn(6) != 4 || r.Intn(6) != 0 {
		t.Fatal("queued values not returned in order, then zero")
	}
	if calls := r.Calls(); len(calls) != 3 {
		t.Fatalf("Calls() = %v", calls)
	}
}
