// Package transportquic runs links over direct QUIC connections. Peers swap
// host and server-reflexive candidates through the rendezvous service, the
// guest races dials to the host's candidates, and both sides prove they know
// the host address before the link opens.
package transportquic

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/sheerbytes/diceduel/internal/signaling"
	"github.com/sheerbytes/diceduel/internal/transport"
	"github.com/sheerbytes/diceduel/pkg/protocol"
)

var (
	_ transport.Opener   = (*Opener)(nil)
	_ transport.Endpoint = (*Endpoint)(nil)
	_ transport.Conn     = (*conn)(nil)
)

// punchPayload is sent toward a guest's candidates to open NAT mappings.
var punchPayload = []byte{0}

// Opener opens QUIC endpoints.
type Opener struct {
	cfg       Config
	tlsServer *tls.Config
	tlsClient *tls.Config
}

// NewOpener creates an Opener. Zero fields of cfg take their defaults.
func NewOpener(cfg Config) (*Opener, error) {
	tlsServer, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	return &Opener{
		cfg:       cfg.withDefaults(),
		tlsServer: tlsServer,
		tlsClient: clientTLSConfig(),
	}, nil
}

// Open reserves address on the rendezvous service and binds a UDP socket.
func (o *Opener) Open(ctx context.Context, address string) (transport.Endpoint, error) {
	sig, err := signaling.Dial(ctx, o.cfg.ServerURL, address, o.cfg.Logger)
	if err != nil {
		return nil, err
	}
	logger := o.cfg.Logger.With("component", "transportquic", "address", sig.Address())

	udp, err := listenUDP()
	if err != nil {
		_ = sig.Close()
		return nil, err
	}
	if res := tuneUDP(udp, o.cfg.UDPReadBuffer, o.cfg.UDPWriteBuffer); res.Err != "" {
		logger.Debug("udp buffer tuning denied", "error", res.Err)
	}

	public := resolvePublicAddrs(ctx, udp, o.cfg.StunServers, logger)
	port := udp.LocalAddr().(*net.UDPAddr).Port
	candidates, err := encodeCandidates(localIPs(o.cfg.IncludeLoopback), port, public)
	if err == nil && len(candidates) == 0 {
		err = errors.New("no usable local candidates")
	}
	if err != nil {
		_ = udp.Close()
		_ = sig.Close()
		return nil, err
	}
	logger.Debug("gathered candidates", "count", len(candidates), "candidates", candidates)

	tr := &quic.Transport{Conn: udp}
	ln, err := tr.Listen(o.tlsServer, defaultQUICConfig())
	if err != nil {
		_ = tr.Close()
		_ = udp.Close()
		_ = sig.Close()
		return nil, fmt.Errorf("quic listen: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		cfg:        o.cfg,
		tlsClient:  o.tlsClient,
		sig:        sig,
		logger:     logger,
		udp:        udp,
		tr:         tr,
		ln:         ln,
		candidates: candidates,
		incoming:   make(chan transport.Conn, 4),
		conns:      make(map[*conn]struct{}),
		pending:    make(map[string]*pendingLink),
		ctx:        runCtx,
		cancel:     cancel,
	}
	go e.signalLoop()
	go e.listenLoop()
	return e, nil
}

// pendingLink is a guest that sent candidates and has not completed its proof yet.
type pendingLink struct {
	remote     string
	gone       <-chan struct{}
	unregister func()
	timer      *time.Timer
}

// Endpoint is a reserved address with one UDP socket used to listen and dial.
type Endpoint struct {
	cfg       Config
	tlsClient *tls.Config
	sig       *signaling.Client
	logger    *slog.Logger

	udp        *net.UDPConn
	tr         *quic.Transport
	ln         *quic.Listener
	candidates []string

	mu       sync.Mutex
	closed   bool
	incoming chan transport.Conn
	conns    map[*conn]struct{}
	pending  map[string]*pendingLink

	ctx    context.Context
	cancel context.CancelFunc
}

func (e *Endpoint) Address() string { return e.sig.Address() }
func (e *Endpoint) Incoming() <-chan transport.Conn { return e.incoming }

// Connect swaps candidates with target, races QUIC dials to target's
// candidates and runs the address proof on the winner.
func (e *Endpoint) Connect(ctx context.Context, target string) (transport.Conn, error) {
	if e.isClosed() {
		return nil, transport.ErrClosed
	}

	linkID := uuid.NewString()
	replies, gone, unregister := e.sig.Register(linkID, target)
	dialCtx, cancel := context.WithTimeout(ctx, e.cfg.DialTimeout)
	defer cancel()
	fail := func(err error) (transport.Conn, error) {
		unregister()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	if err := e.sig.Send(target, linkID, protocol.TypeIceCandidates, protocol.IceCandidates{Candidates: e.candidates}); err != nil {
		return fail(err)
	}

	var remote []*net.UDPAddr
	for remote == nil {
		select {
		case env := <-replies:
			switch env.Type {
			case protocol.TypeIceCandidates:
				var cands protocol.IceCandidates
				if err := env.DecodePayload(&cands); err != nil {
					return fail(fmt.Errorf("%w: %w", transport.ErrPeerUnavailable, err))
				}
				remote = parseCandidates(cands.Candidates)
				if len(remote) == 0 {
					return fail(fmt.Errorf("%w: no usable candidates from %s", transport.ErrPeerUnavailable, target))
				}
			case protocol.TypeError:
				var perr protocol.Error
				_ = env.DecodePayload(&perr)
				return fail(fmt.Errorf("%w: %s", transport.ErrPeerUnavailable, perr.Message))
			}
		case <-gone:
			return fail(fmt.Errorf("%w: %s left", transport.ErrPeerUnavailable, target))
		case <-dialCtx.Done():
			return fail(fmt.Errorf("%w: no candidates from %s", transport.ErrPeerUnavailable, target))
		}
	}

	qc, err := e.race(dialCtx, remote)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", transport.ErrPeerUnavailable, err))
	}
	stream, r, err := e.prove(dialCtx, qc, target, linkID)
	if err != nil {
		_ = qc.CloseWithError(codeRefused, "proof failed")
		return fail(fmt.Errorf("%w: %w", transport.ErrPeerUnavailable, err))
	}

	c := newConn(linkID, e.Address(), target, qc, stream, r, e.cfg.MaxMessageBytes, e.logger)
	c.release = func() { unregister(); e.forget(c) }
	if !e.track(c) {
		c.finish(transport.ErrClosed, true)
		return nil, transport.ErrClosed
	}
	c.start()
	go e.watchGone(c, gone)
	return c, nil
}

// race dials every candidate at once and keeps the first connection.
func (e *Endpoint) race(ctx context.Context, candidates []*net.UDPAddr) (*quic.Conn, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultCh := make(chan *quic.Conn, 1)
	var wg sync.WaitGroup
	for _, addr := range candidates {
		wg.Add(1)
		go func(addr *net.UDPAddr) {
			defer wg.Done()
			qc, err := e.tr.Dial(ctx, addr, e.tlsClient, defaultQUICConfig())
			if err != nil {
				e.logger.Debug("dial failed", "addr", addr.String(), "error", err)
				return
			}
			select {
			case resultCh <- qc:
				e.logger.Debug("dial won", "addr", addr.String())
			default:
				_ = qc.CloseWithError(codeClosed, "race_lost")
			}
		}(addr)
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case qc := <-resultCh:
		return qc, nil
	case <-allDone:
		select {
		case qc := <-resultCh:
			return qc, nil
		default:
		}
		return nil, errors.New("all dials failed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// prove opens the link stream as the guest and exchanges hellos.
func (e *Endpoint) prove(ctx context.Context, qc *quic.Conn, target, linkID string) (*quic.Stream, *bufio.Reader, error) {
	key, err := deriveProofKey(qc, target)
	if err != nil {
		return nil, nil, err
	}
	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open stream: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}
	h, err := newHello(key, proofRoleGuest, linkID)
	if err != nil {
		return nil, nil, err
	}
	if err := writeHello(stream, h); err != nil {
		return nil, nil, err
	}
	r := bufio.NewReader(stream)
	reply, err := readHello(r)
	if err != nil {
		return nil, nil, err
	}
	if reply.LinkID != linkID {
		return nil, nil, errProofMismatch
	}
	if err := verifyHello(key, reply, proofRoleHost); err != nil {
		return nil, nil, err
	}
	_ = stream.SetDeadline(time.Time{})
	return stream, r, nil
}

// Destroy closes every connection, lets each linger for the remote to drain
// it, then closes the socket and releases the address.
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
	pending := e.pending
	e.pending = make(map[string]*pendingLink)
	close(e.incoming)
	e.mu.Unlock()

	e.cancel()
	for _, p := range pending {
		p.timer.Stop()
		p.unregister()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	for _, c := range conns {
		<-c.torn
	}
	_ = e.ln.Close()
	_ = e.tr.Close()
	_ = e.udp.Close()
	return e.sig.Close()
}

func (e *Endpoint) signalLoop() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.sig.Done():
			return
		case env := <-e.sig.Accept():
			if env.Type != protocol.TypeIceCandidates || env.LinkID == "" {
				continue
			}
			e.offer(env)
		}
	}
}

// offer answers a guest's candidates with ours and waits for its dial.
func (e *Endpoint) offer(env protocol.Envelope) {
	var cands protocol.IceCandidates
	if err := env.DecodePayload(&cands); err != nil {
		e.logger.Warn("bad candidates", "error", err, "from", env.From)
		return
	}

	_, gone, unregister := e.sig.Register(env.LinkID, env.From)
	p := &pendingLink{remote: env.From, gone: gone, unregister: unregister}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		unregister()
		return
	}
	if _, dup := e.pending[env.LinkID]; dup {
		e.mu.Unlock()
		return
	}
	p.timer = time.AfterFunc(e.cfg.HandshakeTimeout, func() {
		if e.claim(env.LinkID) == p {
			e.logger.Debug("guest never completed proof", "from", env.From)
			p.unregister()
		}
	})
	e.pending[env.LinkID] = p
	e.mu.Unlock()

	if err := e.sig.Send(env.From, env.LinkID, protocol.TypeIceCandidates, protocol.IceCandidates{Candidates: e.candidates}); err != nil {
		e.logger.Debug("send candidates failed", "error", err, "to", env.From)
		return
	}
	for _, addr := range parseCandidates(cands.Candidates) {
		_, _ = e.tr.WriteTo(punchPayload, addr)
	}
}

// claim removes and returns the pending link for linkID.
func (e *Endpoint) claim(linkID string) *pendingLink {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pending[linkID]
	if !ok {
		return nil
	}
	delete(e.pending, linkID)
	p.timer.Stop()
	return p
}

func (e *Endpoint) listenLoop() {
	for {
		qc, err := e.ln.Accept(e.ctx)
		if err != nil {
			return
		}
		go e.admit(qc)
	}
}

// admit runs the host side of the proof and publishes the link on Incoming.
func (e *Endpoint) admit(qc *quic.Conn) {
	refuse := func(reason string, err error) {
		e.logger.Debug("refused link", "reason", reason, "error", err, "remote_addr", qc.RemoteAddr())
		_ = qc.CloseWithError(codeRefused, reason)
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.HandshakeTimeout)
	defer cancel()
	stream, err := qc.AcceptStream(ctx)
	if err != nil {
		refuse("no stream", err)
		return
	}
	_ = stream.SetDeadline(time.Now().Add(e.cfg.HandshakeTimeout))
	r := bufio.NewReader(stream)
	h, err := readHello(r)
	if err != nil {
		refuse("bad hello", err)
		return
	}
	p := e.claim(h.LinkID)
	if p == nil {
		refuse("unknown link", nil)
		return
	}
	key, err := deriveProofKey(qc, e.Address())
	if err == nil {
		err = verifyHello(key, h, proofRoleGuest)
	}
	if err != nil {
		p.unregister()
		refuse("proof failed", err)
		return
	}
	reply, err := newHello(key, proofRoleHost, h.LinkID)
	if err == nil {
		err = writeHello(stream, reply)
	}
	if err != nil {
		p.unregister()
		refuse("proof failed", err)
		return
	}
	_ = stream.SetDeadline(time.Time{})

	c := newConn(h.LinkID, e.Address(), p.remote, qc, stream, r, e.cfg.MaxMessageBytes, e.logger)
	c.release = func() { p.unregister(); e.forget(c) }

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		c.finish(transport.ErrClosed, true)
		return
	}
	select {
	case e.incoming <- c:
		e.conns[c] = struct{}{}
		e.mu.Unlock()
	default:
		e.mu.Unlock()
		c.finish(errors.New("incoming queue full"), true)
		return
	}
	c.start()
	go e.watchGone(c, p.gone)
}

// watchGone closes c when the rendezvous service reports its remote left.
// watchGone ends c when its remote leaves the rendezvous service. The link
// itself gets closeLinger to report the close, so frames already in flight
// are still delivered.
func (e *Endpoint) watchGone(c *conn, gone <-chan struct{}) {
	select {
	case <-gone:
	case <-c.life.Done():
		return
	}
	select {
	case <-c.life.Done():
	case <-time.After(closeLinger):
		c.finish(nil, false)
	}
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
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
