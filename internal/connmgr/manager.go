// Package connmgr owns the single peer link of a player: it reserves the
// room address for a host, dials it for a guest, and tears everything down
// on leave or failure.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sheerbytes/diceduel/internal/dependencies/clock"
	"github.com/sheerbytes/diceduel/internal/dependencies/random"
	"github.com/sheerbytes/diceduel/internal/model"
	"github.com/sheerbytes/diceduel/internal/roomcode"
	"github.com/sheerbytes/diceduel/internal/timers"
	"github.com/sheerbytes/diceduel/internal/transport"
	"github.com/sheerbytes/diceduel/pkg/protocol"
)

// State of the link.
type State int

const (
	StateIdle State = iota
	StateListening
	StateDialing
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateDialing:
		return "dialing"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	timerJoin    = "join-timeout"
	timerAttempt = "attempt-timeout"
	timerLinger  = "linger"
)

var errAttemptTimedOut = errors.New("connection attempt timed out")

// Config bounds room creation and joining.
type Config struct {
	MaxCreateAttempts int
	MaxJoinAttempts   int
	// AttemptTimeout bounds a single dial to the host.
	AttemptTimeout time.Duration
	// JoinTimeout bounds the whole join, across attempts.
	JoinTimeout time.Duration
	// OpenTimeout bounds reserving an address with the rendezvous service.
	OpenTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxCreateAttempts: 3,
		MaxJoinAttempts:   5,
		AttemptTimeout:    3 * time.Second,
		JoinTimeout:       15 * time.Second,
		OpenTimeout:       10 * time.Second,
	}
}

// Events are raised on the owner goroutine. Any of them may be nil.
type Events struct {
	RoomCreated func(code roomcode.Code)
	LinkOpened  func()
	LinkMessage func(env protocol.Envelope)
	LinkClosed  func(err error)
	// Failed follows a full teardown, so the manager is Idle when it runs.
	Failed func(err error)
}

// Manager must only be used from the owner goroutine. Work finished on
// other goroutines comes back through post and is dropped if it belongs to
// an attempt that was superseded or torn down.
type Manager struct {
	cfg    Config
	opener transport.Opener
	random random.Random
	timers *timers.Group
	post   timers.Dispatch
	events Events
	logger *slog.Logger

	state    State
	role     model.Role
	code     roomcode.Code
	target   string
	sealed   bool
	gen      uint64
	link     uint64
	attempts int

	ctx           context.Context
	cancel        context.CancelFunc
	attemptCancel context.CancelFunc
	endpoint      transport.Endpoint
	conn          transport.Conn
}

func New(cfg Config, opener transport.Opener, c clock.Clock, r random.Random, post timers.Dispatch, events Events, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		opener: opener,
		random: r,
		timers: timers.NewGroup(c, post),
		post:   post,
		events: events,
		logger: logger.With("component", "connmgr"),
	}
}

func (m *Manager) State() State { return m.state }
func (m *Manager) Role() model.Role { return m.role }
func (m *Manager) Code() roomcode.Code { return m.code }

// Address is the reserved local address, empty while none is held.
func (m *Manager) Address() string {
	if m.endpoint == nil {
		return ""
	}
	return m.endpoint.Address()
}

// CreateRoom reserves a fresh room code and starts accepting a guest.
func (m *Manager) CreateRoom() {
	m.Leave()
	m.begin(model.RoleHost, StateListening)
	m.tryCreate()
}

// JoinRoom dials the host of code.
func (m *Manager) JoinRoom(code roomcode.Code) {
	m.Leave()
	m.begin(model.RoleGuest, StateDialing)
	m.code = code
	m.target = roomcode.Encode(code)

	gen := m.gen
	m.timers.Schedule(timerJoin, m.cfg.JoinTimeout, func() {
		if gen != m.gen {
			return
		}
		m.fail(fmt.Errorf("%w: no link to room %s within %s", model.ErrConnectionTimedOut, code, m.cfg.JoinTimeout))
	})

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.OpenTimeout)
	go func() {
		defer cancel()
		ep, err := m.opener.Open(ctx, "")
		m.post(func() { m.onGuestOpened(gen, ep, err) })
	}()
}

// Seal stops the host from binding any later guest.
func (m *Manager) Seal() {
	m.sealed = true
}

// Send writes to the bound connection.
func (m *Manager) Send(env protocol.Envelope) error {
	if m.conn == nil {
		return model.ErrNotConnected
	}
	return m.conn.Send(env)
}

// CloseLink closes the bound connection after linger without leaving the room.
func (m *Manager) CloseLink(linger time.Duration) {
	c := m.conn
	if c == nil {
		return
	}
	if linger <= 0 {
		c.Close()
		return
	}
	m.timers.Schedule(timerLinger, linger, func() { c.Close() })
}

// Leave cancels everything in flight and releases the reserved address.
// Safe to call at any time, any number of times.
func (m *Manager) Leave() {
	m.gen++
	m.timers.CancelAll()
	if m.attemptCancel != nil {
		m.attemptCancel()
		m.attemptCancel = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	if m.endpoint != nil {
		addr := m.endpoint.Address()
		if err := m.endpoint.Destroy(); err != nil {
			m.logger.Warn("destroy endpoint", "address", addr, "error", err)
		}
		m.endpoint = nil
		m.logger.Debug("released address", "address", addr)
	}
	m.state = StateIdle
	m.role = model.RoleNone
	m.code = 0
	m.target = ""
	m.sealed = false
	m.attempts = 0
}

func (m *Manager) begin(role model.Role, state State) {
	m.role = role
	m.state = state
	m.ctx, m.cancel = context.WithCancel(context.Background())
}

func (m *Manager) fail(err error) {
	m.logger.Info("link failed", "role", m.role.String(), "error", err)
	m.Leave()
	if m.events.Failed != nil {
		m.events.Failed(err)
	}
}

func (m *Manager) tryCreate() {
	m.attempts++
	attempt := m.attempts
	gen := m.gen
	code := roomcode.Generate(m.random)
	m.code = code

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.OpenTimeout)
	go func() {
		defer cancel()
		ep, err := m.opener.Open(ctx, roomcode.Encode(code))
		m.post(func() { m.onCreateResult(gen, attempt, code, ep, err) })
	}()
}

func (m *Manager) onCreateResult(gen uint64, attempt int, code roomcode.Code, ep transport.Endpoint, err error) {
	if gen != m.gen {
		if ep != nil {
			ep.Destroy()
		}
		return
	}
	if err != nil {
		if !errors.Is(err, transport.ErrIdentityTaken) {
			m.fail(fmt.Errorf("%w: %v", model.ErrNetworkUnavailable, err))
			return
		}
		m.logger.Debug("room code taken", "code", code.String(), "attempt", attempt)
		if attempt >= m.cfg.MaxCreateAttempts {
			m.fail(fmt.Errorf("%w: %w after %d attempts", model.ErrRoomCreateFailed, model.ErrCodeCollision, attempt))
			return
		}
		m.tryCreate()
		return
	}

	m.endpoint = ep
	m.logger.Info("room created", "code", code.String(), "address", ep.Address())
	go m.acceptLoop(gen, ep)
	if m.events.RoomCreated != nil {
		m.events.RoomCreated(code)
	}
}

func (m *Manager) onGuestOpened(gen uint64, ep transport.Endpoint, err error) {
	if gen != m.gen {
		if ep != nil {
			ep.Destroy()
		}
		return
	}
	if err != nil {
		m.fail(fmt.Errorf("%w: %v", model.ErrNetworkUnavailable, err))
		return
	}
	m.endpoint = ep
	go m.acceptLoop(gen, ep)
	m.dial()
}

func (m *Manager) dial() {
	m.attempts++
	attempt := m.attempts
	gen := m.gen
	ep := m.endpoint
	target := m.target

	ctx, cancel := context.WithCancel(m.ctx)
	m.attemptCancel = cancel
	m.timers.Schedule(timerAttempt, m.cfg.AttemptTimeout, func() {
		m.onAttemptDone(gen, attempt, nil, errAttemptTimedOut)
	})
	m.logger.Debug("dialing host", "target", target, "attempt", attempt)

	go func() {
		c, err := ep.Connect(ctx, target)
		m.post(func() { m.onAttemptDone(gen, attempt, c, err) })
	}()
}

func (m *Manager) onAttemptDone(gen uint64, attempt int, c transport.Conn, err error) {
	if gen != m.gen || attempt != m.attempts || m.state != StateDialing {
		if c != nil {
			c.Close()
		}
		return
	}
	m.timers.Cancel(timerAttempt)
	if m.attemptCancel != nil {
		m.attemptCancel()
		m.attemptCancel = nil
	}

	if err == nil {
		m.timers.Cancel(timerJoin)
		m.bind(gen, c)
		return
	}
	if errors.Is(err, transport.ErrNetworkUnavailable) {
		m.fail(fmt.Errorf("%w: %v", model.ErrNetworkUnavailable, err))
		return
	}
	m.logger.Debug("attempt failed", "attempt", attempt, "error", err)
	if attempt >= m.cfg.MaxJoinAttempts {
		m.fail(fmt.Errorf("%w: room %s unreachable after %d attempts: %v", model.ErrRoomNotFound, m.code, attempt, err))
		return
	}
	m.dial()
}

func (m *Manager) acceptLoop(gen uint64, ep transport.Endpoint) {
	for c := range ep.Incoming() {
		m.post(func() { m.onInbound(gen, c) })
	}
}

func (m *Manager) onInbound(gen uint64, c transport.Conn) {
	if gen != m.gen || m.state != StateListening || m.conn != nil || m.sealed {
		m.logger.Debug("closing extra inbound connection", "remote", c.RemoteAddress())
		c.Close()
		return
	}
	m.bind(gen, c)
}

func (m *Manager) bind(gen uint64, c transport.Conn) {
	m.link++
	link := m.link
	m.conn = c
	m.state = StateOpen
	m.logger.Info("link open", "role", m.role.String(), "remote", c.RemoteAddress())

	go func() {
		for env := range c.Messages() {
			m.post(func() { m.onMessage(gen, link, env) })
		}
		<-c.Done()
		err := c.Err()
		m.post(func() { m.onClosed(gen, link, err) })
	}()

	if m.events.LinkOpened != nil {
		m.events.LinkOpened()
	}
}

func (m *Manager) onMessage(gen, link uint64, env protocol.Envelope) {
	if gen != m.gen || link != m.link || m.conn == nil {
		return
	}
	if err := env.ValidateBasic(); err != nil {
		m.logger.Debug("dropping invalid envelope", "error", err)
		return
	}
	if m.events.LinkMessage != nil {
		m.events.LinkMessage(env)
	}
}

func (m *Manager) onClosed(gen, link uint64, err error) {
	if gen != m.gen || link != m.link || m.conn == nil {
		return
	}
	m.conn = nil
	m.timers.Cancel(timerLinger)
	if m.role == model.RoleHost && !m.sealed {
		m.state = StateListening
	} else {
		m.state = StateClosed
	}
	m.logger.Info("link closed", "role", m.role.String(), "error", err)
	if m.events.LinkClosed != nil {
		m.events.LinkClosed(err)
	}
}
