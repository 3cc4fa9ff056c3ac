// Package termio serializes terminal output. Each stream has one writer
// goroutine, so the event printer never blocks the control goroutine on a
// slow terminal.
package termio

import (
	"io"
	"os"
	"sync"
)

type item struct {
	buf []byte
	ack chan struct{}
}

// Writer queues writes for a single background goroutine.
type Writer struct {
	out  io.Writer
	file *os.File
	ch   chan item
}

// NewWriter starts a Writer in front of out.
func NewWriter(out io.Writer) *Writer {
	w := &Writer{
		out: out,
		ch:  make(chan item, 1024),
	}
	if f, ok := out.(*os.File); ok {
		w.file = f
	}
	go func() {
		for it := range w.ch {
			if it.ack != nil {
				close(it.ack)
				continue
			}
			_, _ = w.out.Write(it.buf)
		}
	}()
	return w
}

func (w *Writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	w.ch <- item{buf: buf}
	return len(p), nil
}

// Flush blocks until everything written before it reached the underlying writer.
func (w *Writer) Flush() {
	ack := make(chan struct{})
	w.ch <- item{ack: ack}
	<-ack
}

// File is the underlying file, or nil when the Writer does not wrap one.
func (w *Writer) File() *os.File {
	return w.file
}

type manager struct {
	once   sync.Once
	stdout *Writer
	stderr *Writer
}

var global manager

func Init() {
	global.once.Do(func() {
		global.stdout = NewWriter(os.Stdout)
		global.stderr = NewWriter(os.Stderr)
	})
}

func Stdout() *Writer {
	Init()
	return global.stdout
}

func Stderr() *Writer {
	Init()
	return global.stderr
}

// Flush drains both streams; call it before the process exits.
func Flush() {
	Init()
	global.stdout.Flush()
	global.stderr.Flush()
}
