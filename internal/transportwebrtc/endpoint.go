// Package transportwebrtc runs links over pion WebRTC data channels,
// negotiated through the rendezvous service with vanilla ICE.
package transportwebrtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/sheerbytes/diceduel/internal/signaling"
	"github.com/sheerbytes/diceduel/internal/transport"
	"github.com/sheerbytes/diceduel/pkg/protocol"
)

const channelLabel = "duel"

var (
	_ transport.Opener   = (*Opener)(nil)
	_ transport.Endpoint = (*Endpoint)(nil)
	_ transport.Conn     = (*conn)(nil)
)

// Opener opens WebRTC endpoints.
type Opener struct {
	cfg Config
	api *webrtc.API
}

// NewOpener creates an Opener. Zero fields of cfg take their defaults.
func NewOpener(cfg Config) *Opener {
	def := DefaultConfig()
	if cfg.ServerURL == "" {
		cfg.ServerURL = def.ServerURL
	}
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = def.AnswerTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Opener{cfg: cfg, api: newAPI(cfg)}
}

// Open reserves address on the rendezvous service.
func (o *Opener) Open(ctx context.Context, address string) (transport.Endpoint, error) {
	sig, err := signaling.Dial(ctx, o.cfg.ServerURL, address, o.cfg.Logger)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		cfg:      o.cfg,
		api:      o.api,
		sig:      sig,
		logger:   o.cfg.Logger.With("component", "transportwebrtc", "address", sig.Address()),
		incoming: make(chan transport.Conn, 4),
		conns:    make(map[*conn]struct{}),
		ctx:      runCtx,
		cancel:   cancel,
	}
	go e.acceptLoop()
	return e, nil
}

// Endpoint is a reserved address that dials and answers WebRTC links.
type Endpoint struct {
	cfg    Config
	api    *webrtc.API
	sig    *signaling.Client
	logger *slog.Logger

	mu       sync.Mutex
	closed   bool
	incoming chan transport.Conn
	conns    map[*conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func (e *Endpoint) Address() string { return e.sig.Address() }
func (e *Endpoint) Incoming() <-chan transport.Conn { return e.incoming }

// Connect offers a data channel to target and waits until it opens.
func (e *Endpoint) Connect(ctx context.Context, target string) (transport.Conn, error) {
	if e.isClosed() {
		return nil, transport.ErrClosed
	}

	pc, err := e.newPeerConnection()
	if err != nil {
		return nil, err
	}
	linkID := uuid.NewString()
	c := newConn(linkID, e.Address(), target, pc, e.logger)
	replies, gone, unregister := e.sig.Register(linkID, target)
	c.release = func() { unregister(); e.forget(c) }
	fail := func(err error) (transport.Conn, error) {
		c.finish(err, true)
		return nil, err
	}

	ordered := true
	dc, err := pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fail(fmt.Errorf("create data channel: %w", err))
	}
	c.attach(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(fmt.Errorf("create offer: %w", err))
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail(fmt.Errorf("set local description: %w", err))
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	if err := e.sig.Send(target, linkID, protocol.TypeOffer, protocol.Offer{SDP: pc.LocalDescription().SDP}); err != nil {
		return fail(err)
	}

	for {
		select {
		case env := <-replies:
			switch env.Type {
			case protocol.TypeAnswer:
				var answer protocol.Answer
				if err := env.DecodePayload(&answer); err != nil {
					return fail(fmt.Errorf("%w: %w", transport.ErrPeerUnavailable, err))
				}
				if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
					return fail(fmt.Errorf("%w: %w", transport.ErrPeerUnavailable, err))
				}
			case protocol.TypeError:
				var perr protocol.Error
				_ = env.DecodePayload(&perr)
				return fail(fmt.Errorf("%w: %s", transport.ErrPeerUnavailable, perr.Message))
			}
		case <-c.open:
			if !e.track(c) {
				return fail(transport.ErrClosed)
			}
			go e.watchGone(c, gone)
			return c, nil
		case <-c.life.Done():
			return fail(fmt.Errorf("%w: %s", transport.ErrPeerUnavailable, target))
		case <-gone:
			return fail(fmt.Errorf("%w: %s left", transport.ErrPeerUnavailable, target))
		case <-ctx.Done():
			return fail(ctx.Err())
		}
	}
}

// Destroy closes every connection, waits for their queued messages to drain
// and releases the address.
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

	e.cancel()
	for _, c := range conns {
		_ = c.Close()
	}
	for _, c := range conns {
		<-c.torn
	}
	return e.sig.Close()
}

func (e *Endpoint) acceptLoop() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.sig.Done():
			return
		case env := <-e.sig.Accept():
			if env.Type != protocol.TypeOffer {
				continue
			}
			go e.answer(env)
		}
	}
}

// answer accepts one offer and publishes the link on Incoming once its data
// channel opens.
func (e *Endpoint) answer(env protocol.Envelope) {
	var offer protocol.Offer
	if err := env.DecodePayload(&offer); err != nil {
		e.logger.Warn("bad offer", "error", err, "from", env.From)
		return
	}

	pc, err := e.newPeerConnection()
	if err != nil {
		e.logger.Warn("create peer connection", "error", err)
		return
	}
	c := newConn(env.LinkID, e.Address(), env.From, pc, e.logger)
	attached := make(chan struct{})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != channelLabel {
			return
		}
		c.attach(dc)
		close(attached)
	})

	_, gone, unregister := e.sig.Register(env.LinkID, env.From)
	c.release = func() { unregister(); e.forget(c) }
	fail := func(err error) {
		e.logger.Debug("answer failed", "error", err, "from", env.From)
		c.finish(err, true)
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		fail(err)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		fail(err)
		return
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		fail(err)
		return
	}

	timeout := time.NewTimer(e.cfg.AnswerTimeout)
	defer timeout.Stop()

	select {
	case <-gathered:
	case <-timeout.C:
		fail(errors.New("ice gathering timed out"))
		return
	case <-e.ctx.Done():
		fail(transport.ErrClosed)
		return
	}
	if err := e.sig.Send(env.From, env.LinkID, protocol.TypeAnswer, protocol.Answer{SDP: pc.LocalDescription().SDP}); err != nil {
		fail(err)
		return
	}

	select {
	case <-attached:
	case <-timeout.C:
		fail(errors.New("no data channel"))
		return
	case <-e.ctx.Done():
		fail(transport.ErrClosed)
		return
	}
	select {
	case <-c.open:
	case <-c.life.Done():
		fail(c.life.Err())
		return
	case <-gone:
		fail(errors.New("peer left"))
		return
	case <-timeout.C:
		fail(errors.New("data channel did not open"))
		return
	case <-e.ctx.Done():
		fail(transport.ErrClosed)
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		fail(transport.ErrClosed)
		return
	}
	select {
	case e.incoming <- c:
		e.conns[c] = struct{}{}
		e.mu.Unlock()
	default:
		e.mu.Unlock()
		fail(errors.New("incoming queue full"))
		return
	}
	go e.watchGone(c, gone)
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

func (e *Endpoint) newPeerConnection() (*webrtc.PeerConnection, error) {
	servers, err := ICEServers(e.cfg.StunServers, append(append([]string(nil), e.cfg.TurnServers...), e.sig.TurnServers()...))
	if err != nil {
		return nil, err
	}
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return pc, nil
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
