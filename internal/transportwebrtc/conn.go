package transportwebrtc

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/sheerbytes/diceduel/internal/transport"
	"github.com/sheerbytes/diceduel/pkg/protocol"
)

const (
	// closeLinger bounds how long a local close waits for queued messages to
	// be acknowledged by the remote before the peer connection is torn down.
	closeLinger = time.Second
	drainPoll   = 10 * time.Millisecond
)

var errPeerConnectionFailed = errors.New("webrtc: peer connection failed")

// conn is one data channel link. It owns its PeerConnection.
type conn struct {
	id     string
	local  string
	remote string
	pc     *webrtc.PeerConnection
	logger *slog.Logger

	mu sync.Mutex
	dc *webrtc.DataChannel

	inbox *transport.Inbox
	life  *transport.Lifecycle
	open  chan struct{}
	once  sync.Once
	// torn is closed once the peer connection is closed
	torn chan struct{}

	release func()
}

func newConn(id, local, remote string, pc *webrtc.PeerConnection, logger *slog.Logger) *conn {
	return &conn{
		id:     id,
		local:  local,
		remote: remote,
		pc:     pc,
		logger: logger.With("link_id", id, "remote", remote),
		inbox:  transport.NewInbox(),
		life:   transport.NewLifecycle(),
		open:   make(chan struct{}),
		torn:   make(chan struct{}),
	}
}

// attach wires dc's callbacks to the conn. Must run before dc opens.
func (c *conn) attach(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()
	dc.OnOpen(func() {
		c.once.Do(func() { close(c.open) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var env protocol.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			c.logger.Warn("invalid JSON envelope", "error", err)
			return
		}
		if err := env.ValidateBasic(); err != nil {
			c.logger.Warn("invalid envelope", "error", err)
			return
		}
		c.inbox.Push(env)
	})
	dc.OnClose(func() {
		// pion holds locks while running callbacks.
		go c.finish(nil, false)
	})
	dc.OnError(func(err error) {
		go c.finish(err, false)
	})
	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed {
			go c.finish(errPeerConnectionFailed, false)
		}
	})
}

func (c *conn) ID() string { return c.id }
func (c *conn) RemoteAddress() string { return c.remote }
func (c *conn) Messages() <-chan protocol.Envelope { return c.inbox.C() }
func (c *conn) Done() <-chan struct{} { return c.life.Done() }
func (c *conn) Err() error { return c.life.Err() }

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
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if err := dc.SendText(string(data)); err != nil {
		return errors.Join(transport.ErrClosed, err)
	}
	return nil
}

// Close ends the link locally; the remote side sees its data channel close.
func (c *conn) Close() error {
	c.finish(nil, true)
	return nil
}

// finish tears the link down once. A local close drops undelivered inbound
// messages but gives outbound ones up to closeLinger to reach the remote; a
// remote close delivers inbound messages first.
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
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	teardown := func() {
		if dc != nil {
			_ = dc.Close()
		}
		_ = c.pc.Close()
		close(c.torn)
		if c.release != nil {
			c.release()
		}
	}
	if local && err == nil && dc != nil {
		go func() {
			drain(dc, closeLinger)
			teardown()
		}()
		return
	}
	teardown()
}

// drain waits until everything sent on dc has been acknowledged, the channel
// stops being open, or timeout passes.
func drain(dc *webrtc.DataChannel, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for dc.ReadyState() == webrtc.DataChannelStateOpen && dc.BufferedAmount() > 0 {
		if time.Now().After(deadline) {
			return
		}
		time.Sleep(drainPoll)
	}
}
