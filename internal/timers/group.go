// Package timers keeps named, cancellable timers for a state machine.
package timers

import (
	"sync"
	"time"

	"github.com/sheerbytes/diceduel/internal/dependencies/clock"
)

// Dispatch hands a fired callback to the goroutine that owns the state machine.
type Dispatch func(func())

// Inline runs callbacks on whatever goroutine the clock fires them on.
func Inline(f func()) { f() }

type entry struct {
	id    uint64
	timer clock.Timer
}

// Group holds at most one pending timer per name. A timer cancelled or
// replaced after it fired but before its callback was dispatched is dropped.
type Group struct {
	clock    clock.Clock
	dispatch Dispatch

	mu     sync.Mutex
	nextID uint64
	timers map[string]entry
}

func NewGroup(c clock.Clock, dispatch Dispatch) *Group {
	if dispatch == nil {
		dispatch = Inline
	}
	return &Group{
		clock:    c,
		dispatch: dispatch,
		timers:   make(map[string]entry),
	}
}

// Schedule arms fn under name, replacing any timer already pending under it.
func (g *Group) Schedule(name string, d time.Duration, fn func()) {
	g.mu.Lock()
	if existing, ok := g.timers[name]; ok {
		existing.timer.Stop()
	}
	g.nextID++
	id := g.nextID
	g.timers[name] = entry{id: id}
	g.mu.Unlock()

	t := g.clock.AfterFunc(d, func() {
		g.dispatch(func() { g.fire(name, id, fn) })
	})

	g.mu.Lock()
	if cur, ok := g.timers[name]; ok && cur.id == id {
		cur.timer = t
		g.timers[name] = cur
	}
	g.mu.Unlock()
}

// Cancel stops the timer pending under name. It reports whether one was pending.
func (g *Group) Cancel(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.timers[name]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(g.timers, name)
	return true
}

// CancelAll stops every pending timer.
func (g *Group) CancelAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for name, e := range g.timers {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(g.timers, name)
	}
}

// Pending reports whether a timer is armed under name.
func (g *Group) Pending(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.timers[name]
	return ok
}

// Len returns the number of armed timers.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.timers)
}

func (g *Group) fire(name string, id uint64, fn func()) {
	g.mu.Lock()
	cur, ok := g.timers[name]
	if !ok || cur.id != id {
		g.mu.Unlock()
		return
	}
	delete(g.timers, name)
	g.mu.Unlock()
	fn()
}
