package timers

import (
	"testing"
	"time"

	"github.com/sheerbytes/diceduel/internal/dependencies/clock"
	"github.com/sheerbytes/diceduel/internal/dependencies/mocks"
)

func TestGroup_ScheduleReplaces(t *testing.T) {
	c := mocks.NewMockClock(time.Unix(0, 0))
	g := NewGroup(c, Inline)

	var fired []string
	g.Schedule("round", time.Second, func() { fired = append(fired, "first") })
	g.Schedule("round", 2*time.Second, func() { fired = append(fired, "second") })

	c.Advance(time.Second)
	if len(fired) != 0 {
		t.Fatalf("replaced timer fired: %v", fired)
	}
	c.Advance(time.Second)
	if len(fired) != 1 || fired[0] != "second" {
		t.Fatalf("fired = %v, want [second]", fired)
	}
	if g.Pending("round") {
		t.Fatal("timer still pending after firing")
	}
}

func TestGroup_CancelAll(t *testing.T) {
	c := mocks.NewMockClock(time.Unix(0, 0))
	g := NewGroup(c, Inline)

	count := 0
	g.Schedule("a", time.Second, func() { count++ })
	g.Schedule("b", time.Second, func() { count++ })
	if g.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", g.Len())
	}
	g.CancelAll()
	c.Advance(time.Minute)
	if count != 0 {
		t.Fatalf("cancelled timers fired %d times", count)
	}
	if g.Cancel("a") {
		t.Fatal("Cancel() after CancelAll reported a pending timer")
	}
}

func TestGroup_StaleDispatchDropped(t *testing.T) {
	c := mocks.NewMockClock(time.Unix(0, 0))
	var queued []func()
	g := NewGroup(c, func(f func()) { queued = append(queued, f) })

	fired := false
	g.Schedule("attempt", time.Second, func() { fired = true })
	c.Advance(time.Second)
	if len(queued) != 1 {
		t.Fatalf("dispatch called %d times, want 1", len(queued))
	}

	// cancelled after the clock fired but before the owner ran the callback
	g.Cancel("attempt")
	queued[0]()
	if fired {
		t.Fatal("stale callback ran")
	}
}

func TestGroup_RealClock(t *testing.T) {
	g := NewGroup(clock.New(), nil)
	done := make(chan struct{})
	g.Schedule("x", 10*time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}
