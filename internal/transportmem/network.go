// Package transportmem is an in-process transport used to exercise the
// session core without sockets.
package transportmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/sheerbytes/diceduel/internal/transport"
	"github.com/sheerbytes/diceduel/pkg/protocol"
)

// Policy decides what happens to one dial.
type Policy int

const (
	// Deliver connects if the target exists.
	Deliver Policy = iota
	// Refuse fails the attempt immediately.
	Refuse
	// Blackhole never answers; the attempt ends only when its context does.
	Blackhole
)

// Network holds every endpoint of one simulated rendezvous space.
type Network struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	seq       int
	dials     map[string]int
	opened    int
	destroyed int
	policy    func(from, target string, attempt int) Policy
	openErr   func(address string) error
}

var _ transport.Opener = (*Network)(nil)

func NewNetwork() *Network {
	return &Network{
		endpoints: make(map[string]*Endpoint),
		dials:     make(map[string]int),
	}
}

// SetPolicy installs a dial policy. attempt counts dials to target from 1.
func (n *Network) SetPolicy(p func(from, target string, attempt int) Policy) {
	n.mu.Lock()
	n.policy = p
	n.mu.Unlock()
}

// SetOpenError makes Open fail with the returned error when it is non-nil.
func (n *Network) SetOpenError(f func(address string) error) {
	n.mu.Lock()
	n.openErr = f
	n.mu.Unlock()
}

// Dials returns how many connection attempts targeted address.
func (n *Network) Dials(address string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials[address]
}

// Reserved reports whether a live endpoint holds address.
func (n *Network) Reserved(address string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.endpoints[address]
	return ok
}

// Stats returns how many endpoints were opened and destroyed.
func (n *Network) Stats() (opened, destroyed int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.opened, n.destroyed
}

// Open reserves address, or an auto-assigned one when address is empty.
func (n *Network) Open(ctx context.Context, address string) (transport.Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.openErr != nil {
		if err := n.openErr(address); err != nil {
			return nil, err
		}
	}
	if address == "" {
		n.seq++
		address = fmt.Sprintf("mem-%d", n.seq)
	}
	if _, taken := n.endpoints[address]; taken {
		return nil, transport.ErrIdentityTaken
	}
	ep := &Endpoint{
		net:      n,
		address:  address,
		incoming: make(chan transport.Conn, 16),
		conns:    make(map[*conn]struct{}),
	}
	n.endpoints[address] = ep
	n.opened++
	return ep, nil
}

func (n *Network) release(ep *Endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.endpoints[ep.address] == ep {
		delete(n.endpoints, ep.address)
	}
	n.destroyed++
}

func (n *Network) route(from, target string) (*Endpoint, Policy) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dials[target]++
	policy := Deliver
	if n.policy != nil {
		policy = n.policy(from, target, n.dials[target])
	}
	return n.endpoints[target], policy
}

// Endpoint is one reserved address on a Network.
type Endpoint struct {
	net      *Network
	address  string
	mu       sync.Mutex
	incoming chan transport.Conn
	conns    map[*conn]struct{}
	closed   bool
}

func (e *Endpoint) Address() string { return e.address }

func (e *Endpoint) Incoming() <-chan transport.Conn { return e.incoming }

// Connect makes one attempt to reach target.
func (e *Endpoint) Connect(ctx context.Context, target string) (transport.Conn, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, transport.ErrClosed
	}

	remote, policy := e.net.route(e.address, target)
	switch policy {
	case Refuse:
		return nil, transport.ErrPeerUnavailable
	case Blackhole:
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if remote == nil {
		return nil, fmt.Errorf("%w: %s", transport.ErrPeerUnavailable, target)
	}

	linkID := uuid.NewString()
	local := newConn(linkID, e, target)
	far := newConn(linkID, remote, e.address)
	local.peer, far.peer = far, local

	if !remote.accept(far) {
		return nil, fmt.Errorf("%w: %s", transport.ErrPeerUnavailable, target)
	}
	if !e.track(local) {
		far.Close()
		return nil, transport.ErrClosed
	}
	return local, nil
}

// Destroy releases the address and closes every connection.
func (e *Endpoint) Destroy() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conns := make([]*conn, 0, len(e.conns))
	for c := range e.conns {
		conns = append(conns, c)
	}
	close(e.incoming)
	e.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	e.net.release(e)
	return nil
}

func (e *Endpoint) accept(c *conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	select {
	case e.incoming <- c:
		e.conns[c] = struct{}{}
		return true
	default:
		return false
	}
}

func (e *Endpoint) track(c *conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.conns[c] = struct{}{}
	return true
}

func (e *Endpoint) forget(c *conn) {
	e.mu.Lock()
	delete(e.conns, c)
	e.mu.Unlock()
}

type conn struct {
	id     string
	owner  *Endpoint
	remote string
	inbox  *transport.Inbox
	life   *transport.Lifecycle
	peer   *conn
}

func newConn(id string, owner *Endpoint, remote string) *conn {
	return &conn{
		id:     id,
		owner:  owner,
		remote: remote,
		inbox:  transport.NewInbox(),
		life:   transport.NewLifecycle(),
	}
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
	env.From = c.owner.address
	env.To = c.remote
	if !c.peer.inbox.Push(env) {
		return transport.ErrClosed
	}
	return nil
}

// Close ends both sides. The remote side still drains what was already sent.
func (c *conn) Close() error {
	if !c.life.Finish(nil) {
		return nil
	}
	c.inbox.Abort()
	c.owner.forget(c)
	if c.peer.life.Finish(nil) {
		c.peer.inbox.Close()
		c.peer.owner.forget(c.peer)
	}
	return nil
}
