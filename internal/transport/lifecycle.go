package transport

import "sync"

// Lifecycle records how a connection ended. The first Finish wins.
type Lifecycle struct {
	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func NewLifecycle() *Lifecycle {
	return &Lifecycle{done: make(chan struct{})}
}

// Finish marks the end with err (nil for a clean close). It reports whether
// this call was the one that ended it.
func (l *Lifecycle) Finish(err error) bool {
	first := false
	l.once.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
		first = true
	})
	return first
}

func (l *Lifecycle) Done() <-chan struct{} {
	return l.done
}

func (l *Lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Finished reports whether Finish was called.
func (l *Lifecycle) Finished() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
