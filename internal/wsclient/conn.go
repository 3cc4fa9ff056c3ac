// Package wsclient is the client half of the rendezvous websocket. The caller
// drives the reader; a single writer goroutine owns every write, pings included.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/diceduel/pkg/protocol"
)

const (
	handshakeTimeout = 5 * time.Second
	pingInterval     = 30 * time.Second
	readIdle         = 2 * pingInterval
	writeWait        = 10 * time.Second
	outboxSize       = 256
	maxFrameBytes    = 64 << 10
)

// ErrClosed is returned by Send after Close or a write failure.
var ErrClosed = errors.New("websocket connection closed")

// HandshakeError is returned by Dial when the service answered the upgrade
// with a plain HTTP status.
type HandshakeError struct {
	Status int
	Body   string
}

func (e *HandshakeError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("rendezvous refused upgrade: %d", e.Status)
	}
	return fmt.Sprintf("rendezvous refused upgrade: %d %s", e.Status, e.Body)
}

type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	outbox     chan protocol.Envelope
	stop       chan struct{}
	writerDone chan struct{}
	stopOnce   sync.Once
}

// Dial opens wsURL, which already carries the path and query.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Conn, error) {
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	ws, resp, err := d.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, handshakeError(resp)
		}
		return nil, err
	}
	ws.SetReadLimit(maxFrameBytes)

	c := &Conn{
		ws:         ws,
		logger:     logger,
		outbox:     make(chan protocol.Envelope, outboxSize),
		stop:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go c.writeLoop()
	return c, nil
}

func handshakeError(resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &HandshakeError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// ReadLoop hands every valid envelope to onEnv until the connection drops,
// Close is called or ctx ends. Malformed frames are logged and skipped.
func (c *Conn) ReadLoop(ctx context.Context, onEnv func(env protocol.Envelope)) error {
	stopWatch := context.AfterFunc(ctx, func() { _ = c.ws.Close() })
	defer stopWatch()

	_ = c.ws.SetReadDeadline(time.Now().Add(readIdle))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readIdle))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("rendezvous connection lost", "error", err)
			}
			return err
		}
		if kind != websocket.TextMessage {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			c.logger.Warn("dropping invalid envelope", "type", env.Type, "error", err)
			continue
		}
		onEnv(env)
	}
}

// Send queues env for the writer. It does not wait for the write.
func (c *Conn) Send(env protocol.Envelope) error {
	select {
	case <-c.writerDone:
		return ErrClosed
	default:
	}
	select {
	case c.outbox <- env:
		return nil
	case <-c.writerDone:
		return ErrClosed
	}
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		var err error
		select {
		case <-c.stop:
			return
		case env := <-c.outbox:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err = c.ws.WriteJSON(env)
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err = c.ws.WriteMessage(websocket.PingMessage, nil)
		}
		if err != nil {
			c.logger.Warn("rendezvous write failed", "error", err)
			// unblock the reader so the owner learns the link is gone
			_ = c.ws.Close()
			return
		}
	}
}

// Close stops the writer, says goodbye and closes the socket. Queued
// envelopes that were not yet written are dropped. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stop)
		<-c.writerDone
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		if err = c.ws.Close(); errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}
