// Package duel is the session core a front end drives: it turns player
// intents into room, link and match work and reports back on an event bus.
package duel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sheerbytes/diceduel/internal/connmgr"
	"github.com/sheerbytes/diceduel/internal/dependencies/clock"
	"github.com/sheerbytes/diceduel/internal/dependencies/random"
	"github.com/sheerbytes/diceduel/internal/events"
	"github.com/sheerbytes/diceduel/internal/game"
	"github.com/sheerbytes/diceduel/internal/model"
	"github.com/sheerbytes/diceduel/internal/roomcode"
	"github.com/sheerbytes/diceduel/internal/session"
	"github.com/sheerbytes/diceduel/internal/timers"
	"github.com/sheerbytes/diceduel/internal/transport"
	"github.com/sheerbytes/diceduel/pkg/protocol"
)

const timerHandshake = "handshake"

// ErrAccountsUnavailable is reported when no account service was configured.
var ErrAccountsUnavailable = errors.New("account service unavailable")

// Accounts is the login and leaderboard collaborator.
type Accounts interface {
	Login(ctx context.Context, username, password string) (model.Identity, error)
	RecordWin(ctx context.Context, username string) error
	Leaderboard(ctx context.Context) ([]model.LeaderboardEntry, error)
}

type Config struct {
	Conn connmgr.Config
	Game game.Config
	// HandshakeTimeout bounds the time from link open to match start.
	HandshakeTimeout time.Duration
	// AccountsTimeout bounds each call to the account service.
	AccountsTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Conn:             connmgr.DefaultConfig(),
		Game:             game.DefaultConfig(),
		HandshakeTimeout: 10 * time.Second,
		AccountsTimeout:  5 * time.Second,
	}
}

type Deps struct {
	Opener   transport.Opener
	Accounts Accounts
	Clock    clock.Clock
	Random   random.Random
	Bus      *events.Bus
	Logger   *slog.Logger
	// Accept overrides the host's join policy.
	Accept session.AcceptFunc
}

// Client runs every state change on one control goroutine. Intent methods
// only enqueue work and return immediately; outcomes arrive on Bus.
type Client struct {
	cfg    Config
	deps   Deps
	bus    *events.Bus
	logger *slog.Logger

	inbox     chan func()
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	// background account calls; Close waits for them
	bg sync.WaitGroup

	// owned by the control goroutine
	mgr      *connmgr.Manager
	timers   *timers.Group
	proto    *session.Protocol
	loop     *game.Loop
	self     model.Identity
	account  model.Identity
	loggedIn bool
	recorded bool
}

func New(cfg Config, deps Deps) *Client {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Random == nil {
		deps.Random = random.New()
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	c := &Client{
		cfg:     cfg,
		deps:    deps,
		bus:     deps.Bus,
		logger:  deps.Logger.With("component", "duel"),
		inbox:   make(chan func(), 256),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	c.timers = timers.NewGroup(deps.Clock, c.post)
	c.mgr = connmgr.New(cfg.Conn, deps.Opener, deps.Clock, deps.Random, c.post, connmgr.Events{
		RoomCreated: c.onRoomCreated,
		LinkOpened:  c.onLinkOpened,
		LinkMessage: c.onLinkMessage,
		LinkClosed:  c.onLinkClosed,
		Failed:      c.onFailed,
	}, deps.Logger)
	go c.run()
	return c
}

// Bus is where every outcome is published.
func (c *Client) Bus() *events.Bus { return c.bus }

// CreateRoom leaves any current room and hosts a new one as identity.
func (c *Client) CreateRoom(identity model.Identity) {
	c.post(func() {
		if !identity.Valid() {
			c.bus.Publish(events.GenericError{Message: model.ErrInvalidIdentity.Error(), Err: model.ErrInvalidIdentity})
			return
		}
		c.leave()
		c.self = identity
		c.mgr.CreateRoom()
	})
}

// JoinRoom leaves any current room and joins code as identity.
func (c *Client) JoinRoom(identity model.Identity, code roomcode.Code) {
	c.post(func() {
		if !identity.Valid() {
			c.bus.Publish(events.GenericError{Message: model.ErrInvalidIdentity.Error(), Err: model.ErrInvalidIdentity})
			return
		}
		if !code.Valid() {
			c.bus.Publish(events.ConnectError{Message: model.ErrInvalidRoomCode.Error(), Err: model.ErrInvalidRoomCode})
			return
		}
		c.leave()
		c.self = identity
		c.mgr.JoinRoom(code)
	})
}

// LeaveRoom tears down the room, the link and any match. Idempotent.
func (c *Client) LeaveRoom() {
	c.post(c.leave)
}

// Login authenticates against the account service, registering new names.
func (c *Client) Login(username, password string) {
	c.post(func() {
		if c.deps.Accounts == nil {
			c.bus.Publish(events.LoginFailed{Err: ErrAccountsUnavailable})
			return
		}
		c.bg.Add(1)
		go func() {
			defer c.bg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AccountsTimeout)
			defer cancel()
			id, err := c.deps.Accounts.Login(ctx, username, password)
			c.post(func() {
				if err != nil {
					c.logger.Info("login failed", "username", username, "error", err)
					c.bus.Publish(events.LoginFailed{Err: err})
					return
				}
				c.account = id
				c.loggedIn = true
				c.bus.Publish(events.LoginSucceeded{Identity: id})
			})
		}()
	})
}

// Logout leaves any room and forgets the logged-in identity.
func (c *Client) Logout() {
	c.post(func() {
		c.leave()
		c.account = model.Identity{}
		c.loggedIn = false
		c.bus.Publish(events.LoggedOut{})
	})
}

// Account returns the logged-in identity.
func (c *Client) Account() (model.Identity, bool) {
	var (
		id model.Identity
		ok bool
	)
	c.do(func() { id, ok = c.account, c.loggedIn })
	return id, ok
}

// GetLeaderboard fetches the leaderboard and publishes it.
func (c *Client) GetLeaderboard() {
	c.post(func() {
		if c.deps.Accounts == nil {
			c.bus.Publish(events.GenericError{Message: ErrAccountsUnavailable.Error(), Err: ErrAccountsUnavailable})
			return
		}
		c.bg.Add(1)
		go func() {
			defer c.bg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AccountsTimeout)
			defer cancel()
			entries, err := c.deps.Accounts.Leaderboard(ctx)
			c.post(func() {
				if err != nil {
					c.bus.Publish(events.GenericError{Message: "leaderboard unavailable", Err: err})
					return
				}
				c.bus.Publish(events.LeaderboardData{Entries: entries})
			})
		}()
	})
}

// Close leaves any room, stops the control goroutine and waits for account
// calls already in flight, such as recording a win.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.do(c.leave)
		close(c.done)
		<-c.stopped
		c.bg.Wait()
	})
}

func (c *Client) run() {
	defer close(c.stopped)
	for {
		select {
		case f := <-c.inbox:
			f()
		case <-c.done:
			return
		}
	}
}

func (c *Client) post(f func()) {
	select {
	case c.inbox <- f:
	case <-c.done:
	}
}

func (c *Client) do(f func()) {
	wait := make(chan struct{})
	c.post(func() {
		f()
		close(wait)
	})
	select {
	case <-wait:
	case <-c.done:
	}
}

func (c *Client) leave() {
	c.timers.CancelAll()
	if c.loop != nil {
		c.loop.Stop()
		c.loop = nil
	}
	c.proto = nil
	c.recorded = false
	c.mgr.Leave()
}

func (c *Client) hooks() session.Hooks {
	return session.Hooks{
		MatchStarted: c.onMatchStarted,
		Round:        c.onRound,
		MatchEnded:   c.onMatchEnded,
		Failed:       c.onFailed,
	}
}

func (c *Client) onRoomCreated(code roomcode.Code) {
	c.proto = session.NewHost(c.self, code, c.mgr, c.deps.Accept, c.hooks(), c.deps.Logger)
	c.bus.Publish(events.RoomCreated{Code: code})
}

func (c *Client) onLinkOpened() {
	if c.mgr.Role() == model.RoleGuest {
		c.proto = session.NewGuest(c.self, c.mgr.Code(), c.mgr, c.hooks(), c.deps.Logger)
		c.timers.Schedule(timerHandshake, c.cfg.HandshakeTimeout, func() {
			c.onFailed(fmt.Errorf("%w: host never started the match", model.ErrConnectionTimedOut))
		})
	} else {
		c.timers.Schedule(timerHandshake, c.cfg.HandshakeTimeout, func() {
			c.logger.Info("guest never asked to join, dropping link")
			c.mgr.CloseLink(0)
		})
	}
	if c.proto != nil {
		c.proto.LinkOpened()
	}
}

func (c *Client) onLinkMessage(env protocol.Envelope) {
	if c.proto != nil {
		c.proto.HandleMessage(env)
	}
}

func (c *Client) onLinkClosed(error) {
	c.timers.Cancel(timerHandshake)
	if c.proto != nil {
		c.proto.LinkClosed()
	}
}

func (c *Client) onFailed(err error) {
	c.leave()
	c.bus.Publish(events.ConnectError{Message: err.Error(), Err: err})
}

func (c *Client) onMatchStarted(s *session.Session) {
	c.timers.Cancel(timerHandshake)
	if s.Role() == model.RoleHost {
		c.mgr.Seal()
		c.loop = game.NewLoop(c.cfg.Game, c.deps.Clock, c.deps.Random, c.post, c.proto, c.deps.Logger)
		c.loop.Start(s.Players())
	}
	c.bus.Publish(events.MatchStarted{Code: s.Code(), Players: s.Players(), Role: s.Role()})
}

func (c *Client) onRound(result model.RoundResult) {
	c.bus.Publish(events.RoundResult{Result: result})
}

func (c *Client) onMatchEnded(winnerID string, abandoned bool) {
	c.bus.Publish(events.MatchEnded{WinnerID: winnerID, Abandoned: abandoned})
	if abandoned {
		c.leave()
		return
	}
	if winnerID != c.self.ID || c.recorded {
		return
	}
	c.recorded = true
	c.recordWin(c.self.DisplayName)
}

func (c *Client) recordWin(username string) {
	if c.deps.Accounts == nil {
		return
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AccountsTimeout)
		defer cancel()
		if err := c.deps.Accounts.RecordWin(ctx, username); err != nil {
			c.post(func() {
				c.bus.Publish(events.GenericError{Message: "could not record win", Err: err})
			})
		}
	}()
}
