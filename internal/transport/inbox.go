package transport

import (
	"sync"

	"github.com/sheerbytes/diceduel/pkg/protocol"
)

// Inbox turns pushes from a reader goroutine into an ordered channel without
// ever blocking the reader.
type Inbox struct {
	mu     sync.Mutex
	queue  []protocol.Envelope
	closed bool
	wake   chan struct{}
	stop   chan struct{}
	stopMu sync.Once
	out    chan protocol.Envelope
}

func NewInbox() *Inbox {
	b := &Inbox{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		out:  make(chan protocol.Envelope),
	}
	go b.pump()
	return b
}

// C is the consumer side.
func (b *Inbox) C() <-chan protocol.Envelope {
	return b.out
}

// Push queues env. It reports false once the inbox was closed.
func (b *Inbox) Push(env protocol.Envelope) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.queue = append(b.queue, env)
	b.mu.Unlock()
	b.signal()
	return true
}

// Close stops accepting pushes. Queued envelopes are still delivered before C closes.
func (b *Inbox) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal()
}

// Abort closes C without delivering what is still queued.
func (b *Inbox) Abort() {
	b.Close()
	b.stopMu.Do(func() { close(b.stop) })
}

func (b *Inbox) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Inbox) pump() {
	defer close(b.out)
	for {
		select {
		case <-b.stop:
			return
		default:
		}
		b.mu.Lock()
		if len(b.queue) > 0 {
			env := b.queue[0]
			b.queue = b.queue[1:]
			b.mu.Unlock()
			select {
			case b.out <- env:
			case <-b.stop:
				return
			}
			continue
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return
		}
		select {
		case <-b.wake:
		case <-b.stop:
			return
		}
	}
}
