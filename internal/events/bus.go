package events

import "sync"

// Handler receives published events. Handlers run on the publishing goroutine
// and must not block.
type Handler func(Event)

type subscription struct {
	id uint64
	fn Handler
}

// Bus fans events out to subscribers in subscription order.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	byKind map[Kind][]subscription
	all    []subscription
}

func NewBus() *Bus {
	return &Bus{byKind: make(map[Kind][]subscription)}
}

// Subscribe registers fn for one kind. The returned func removes it and is
// safe to call more than once.
func (b *Bus) Subscribe(kind Kind, fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.byKind[kind] = append(b.byKind[kind], subscription{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		b.byKind[kind] = without(b.byKind[kind], id)
		b.mu.Unlock()
	}
}

// SubscribeAll registers fn for every kind.
func (b *Bus) SubscribeAll(fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		b.all = without(b.all, id)
		b.mu.Unlock()
	}
}

// On subscribes a handler typed by its payload.
func On[T Event](b *Bus, fn func(T)) func() {
	var zero T
	return b.Subscribe(zero.Kind(), func(e Event) {
		if v, ok := e.(T); ok {
			fn(v)
		}
	})
}

// Publish delivers e to its kind's subscribers, then to catch-all subscribers.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	targets := make([]subscription, 0, len(b.byKind[e.Kind()])+len(b.all))
	targets = append(targets, b.byKind[e.Kind()]...)
	targets = append(targets, b.all...)
	b.mu.RUnlock()

	for _, s := range targets {
		s.fn(e)
	}
}

func without(subs []subscription, id uint64) []subscription {
	out := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}
