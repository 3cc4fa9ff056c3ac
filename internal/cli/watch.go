package cli

import (
	"context"

	"github.com/sheerbytes/diceduel/internal/events"
)

// watcher buffers selected bus events for a goroutine that waits on them.
type watcher struct {
	ch     chan events.Event
	unsubs []func()
}

func watch(bus *events.Bus, kinds ...events.Kind) *watcher {
	w := &watcher{ch: make(chan events.Event, 32)}
	for _, kind := range kinds {
		w.unsubs = append(w.unsubs, bus.Subscribe(kind, func(e events.Event) {
			select {
			case w.ch <- e:
			default:
			}
		}))
	}
	return w
}

func (w *watcher) Next(ctx context.Context) (events.Event, error) {
	select {
	case e := <-w.ch:
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *watcher) Close() {
	for _, unsub := range w.unsubs {
		unsub()
	}
}
