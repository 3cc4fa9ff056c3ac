// Package signaling holds an address reservation on the rendezvous service
// and demultiplexes the envelopes relayed through it by link id.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/sheerbytes/diceduel/internal/transport"
	"github.com/sheerbytes/diceduel/internal/wsclient"
	"github.com/sheerbytes/diceduel/pkg/protocol"
)

const linkBuffer = 32

// Client is one reserved address on the rendezvous service.
type Client struct {
	conn    *wsclient.Conn
	address string
	logger  *slog.Logger

	mu       sync.Mutex
	links    map[string]*link
	turn     []string
	closed   bool
	released bool
	err      error
	accepts  chan protocol.Envelope
	once     sync.Once

	cancel context.CancelFunc
	done   chan struct{}
}

type link struct {
	remote string
	ch     chan protocol.Envelope
	gone   chan struct{}
	once   sync.Once
}

func (l *link) drop() { l.once.Do(func() { close(l.gone) }) }

// WebSocketURL builds the reservation URL for address on serverURL.
// http and https schemes are mapped to ws and wss.
func WebSocketURL(serverURL, address string) (string, error) {
	if !strings.Contains(serverURL, "://") {
		serverURL = "http://" + serverURL
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("peer_id", address)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial reserves address on the rendezvous service. An empty address is
// replaced by a random one. A 409 maps to transport.ErrIdentityTaken; any
// other failure to reach the service maps to transport.ErrNetworkUnavailable.
func Dial(ctx context.Context, serverURL, address string, logger *slog.Logger) (*Client, error) {
	if address == "" {
		address = "anon-" + uuid.NewString()
	}
	wsURL, err := WebSocketURL(serverURL, address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrNetworkUnavailable, err)
	}

	conn, err := wsclient.Dial(ctx, wsURL, logger)
	if err != nil {
		var hs *wsclient.HandshakeError
		if errors.As(err, &hs) && hs.Status == http.StatusConflict {
			return nil, fmt.Errorf("%w: %s", transport.ErrIdentityTaken, address)
		}
		return nil, fmt.Errorf("%w: %w", transport.ErrNetworkUnavailable, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		address: address,
		logger:  logger.With("component", "signaling", "address", address),
		links:   make(map[string]*link),
		accepts: make(chan protocol.Envelope, linkBuffer),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.readLoop(readCtx)
	return c, nil
}

func (c *Client) Address() string { return c.address }

// Done is closed once the reservation is lost or released.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the reservation ended; nil after Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// TurnServers returns the latest TURN URLs pushed by the service.
func (c *Client) TurnServers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.turn...)
}

// Accept yields the first envelope of every link id this client has not
// registered, typically an offer from a dialing peer.
func (c *Client) Accept() <-chan protocol.Envelope { return c.accepts }

// Register routes envelopes carrying linkID to the returned channel. The gone
// channel closes when remote leaves the service or the reservation ends.
func (c *Client) Register(linkID, remote string) (msgs <-chan protocol.Envelope, gone <-chan struct{}, unregister func()) {
	l := &link{
		remote: remote,
		ch:     make(chan protocol.Envelope, linkBuffer),
		gone:   make(chan struct{}),
	}
	c.mu.Lock()
	if c.closed {
		l.drop()
	} else {
		c.links[linkID] = l
	}
	c.mu.Unlock()

	return l.ch, l.gone, func() {
		c.mu.Lock()
		if c.links[linkID] == l {
			delete(c.links, linkID)
		}
		c.mu.Unlock()
	}
}

// Send relays payload to the address to, tagged with linkID.
func (c *Client) Send(to, linkID, msgType string, payload any) error {
	env, err := protocol.NewEnvelope(msgType, protocol.NewMsgID(), payload)
	if err != nil {
		return err
	}
	env.From = c.address
	env.To = to
	env.LinkID = linkID
	if err := c.conn.Send(env); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrClosed, err)
	}
	return nil
}

// Close releases the reservation.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.released = true
		c.mu.Unlock()

		c.cancel()
		err = c.conn.Close()
		<-c.done
	})
	return err
}

func (c *Client) readLoop(ctx context.Context) {
	err := c.conn.ReadLoop(ctx, c.dispatch)

	c.mu.Lock()
	if !c.released {
		c.err = fmt.Errorf("%w: %w", transport.ErrNetworkUnavailable, err)
	}
	c.closed = true
	links := c.links
	c.links = make(map[string]*link)
	c.mu.Unlock()

	for _, l := range links {
		l.drop()
	}
	close(c.done)
}

func (c *Client) dispatch(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeTurnCredentials:
		var creds protocol.TurnCredentials
		if err := env.DecodePayload(&creds); err != nil {
			c.logger.Warn("bad turn credentials", "error", err)
			return
		}
		c.mu.Lock()
		c.turn = creds.Servers
		c.mu.Unlock()
		return
	case protocol.TypePeerLeft:
		var left protocol.PeerLeft
		if err := env.DecodePayload(&left); err != nil {
			return
		}
		c.mu.Lock()
		var gone []*link
		for _, l := range c.links {
			if l.remote == left.PeerID {
				gone = append(gone, l)
			}
		}
		c.mu.Unlock()
		for _, l := range gone {
			l.drop()
		}
		return
	}

	if env.LinkID == "" {
		c.logger.Debug("dropping envelope without link id", "type", env.Type)
		return
	}

	c.mu.Lock()
	l, ok := c.links[env.LinkID]
	c.mu.Unlock()
	if !ok {
		if env.Type == protocol.TypeError {
			return
		}
		select {
		case c.accepts <- env:
		default:
			c.logger.Warn("accept queue full, dropping", "type", env.Type, "from", env.From)
		}
		return
	}

	select {
	case l.ch <- env:
	default:
		c.logger.Warn("link queue full, dropping", "type", env.Type, "link_id", env.LinkID)
	}
}
