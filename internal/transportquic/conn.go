package transportquic

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/sheerbytes/diceduel/internal/transport"
	"github.com/sheerbytes/diceduel/pkg/protocol"
)

const (
	codeClosed  quic.ApplicationErrorCode = 0
	codeRefused quic.ApplicationErrorCode = 1

	// closeLinger is how long a local close waits for the remote to finish
	// reading before the QUIC connection is torn down.
	closeLinger = time.Second
)

var errMessageTooLarge = errors.New("message too large")

// conn is one link: newline-delimited JSON envelopes on a single stream.
type conn struct {
	id       string
	local    string
	remote   string
	qc       *quic.Conn
	stream   *quic.Stream
	r        *bufio.Reader
	maxBytes int
	logger   *slog.Logger

	writeMu  sync.Mutex
	inbox    *transport.Inbox
	life     *transport.Lifecycle
	readDone chan struct{}
	// torn is closed once the QUIC connection is closed
	torn chan struct{}

	release func()
}

func newConn(id, local, remote string, qc *quic.Conn, stream *quic.Stream, r *bufio.Reader, maxBytes int, logger *slog.Logger) *conn {
	return &conn{
		id:       id,
		local:    local,
		remote:   remote,
		qc:       qc,
		stream:   stream,
		r:        r,
		maxBytes: maxBytes,
		logger:   logger.With("link_id", id, "remote", remote),
		inbox:    transport.NewInbox(),
		life:     transport.NewLifecycle(),
		readDone: make(chan struct{}),
		torn:     make(chan struct{}),
	}
}

func (c *conn) ID() string { return c.id }
func (c *conn) RemoteAddress() string { return c.remote }
func (c *conn) Messages() <-chan protocol.Envelope { return c.inbox.C() }
func (c *conn) Done() <-chan struct{} { return c.life.Done() }
func (c *conn) Err() error { return c.life.Err() }

func (c *conn) start() {
	go c.readLoop()
}

func (c *conn) readLoop() {
	defer close(c.readDone)
	for {
		line, err := readLine(c.r, c.maxBytes)
		if err != nil {
			c.finish(remoteCloseError(err), false)
			return
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			c.logger.Warn("invalid JSON envelope", "error", err)
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			c.logger.Warn("invalid envelope", "error", err)
			continue
		}
		c.inbox.Push(env)
	}
}

func (c *conn) Send(env protocol.Envelope) error {
	if c.life.Finished() {
		return transport.ErrClosed
	}
	env.LinkID = c.id
	env.From = c.local
	env.To = c.remote
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if len(data) >= c.maxBytes {
		return errMessageTooLarge
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stream.Write(append(data, '\n')); err != nil {
		return errors.Join(transport.ErrClosed, err)
	}
	return nil
}

// Close ends the link locally; the remote side reads end of stream.
func (c *conn) Close() error {
	c.finish(nil, true)
	return nil
}

// finish tears the link down once. A local close drops undelivered messages
// and lets the remote drain; a remote close delivers what was read first.
func (c *conn) finish(err error, local bool) {
	if !c.life.Finish(err) {
		return
	}
	if local {
		c.inbox.Abort()
	} else {
		c.inbox.Close()
	}
	if err != nil {
		c.logger.Debug("link failed", "error", err)
	}

	c.writeMu.Lock()
	_ = c.stream.Close()
	c.writeMu.Unlock()

	teardown := func() {
		_ = c.qc.CloseWithError(codeClosed, "closed")
		close(c.torn)
		if c.release != nil {
			c.release()
		}
	}
	if local {
		go func() {
			select {
			case <-c.readDone:
			case <-time.After(closeLinger):
			}
			teardown()
		}()
		return
	}
	teardown()
}

// remoteCloseError maps a read error to the link's final error; an orderly
// close by the remote is nil.
func remoteCloseError(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.ErrorCode == codeClosed {
		return nil
	}
	return err
}

// readLine reads one newline-terminated line of at most max bytes.
func readLine(r *bufio.Reader, max int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > max {
			return nil, errMessageTooLarge
		}
		if err == nil {
			return line, nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return nil, err
		}
	}
}
