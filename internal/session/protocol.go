package session

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sheerbytes/diceduel/internal/model"
	"github.com/sheerbytes/diceduel/internal/roomcode"
	"github.com/sheerbytes/diceduel/pkg/protocol"
)

// RejectLinger gives a rejection time to reach the guest before the link closes.
const RejectLinger = 250 * time.Millisecond

// Link is the open connection the protocol talks over.
type Link interface {
	Send(env protocol.Envelope) error
	// CloseLink closes the connection after linger, keeping the room open.
	CloseLink(linger time.Duration)
}

// AcceptFunc decides whether the host lets a guest in.
type AcceptFunc func(host, guest model.Identity) error

// RejectDuplicateName refuses a guest whose display name matches the host's.
func RejectDuplicateName(host, guest model.Identity) error {
	if host.SameName(guest) {
		return model.ErrDuplicateIdentity
	}
	return nil
}

// Hooks receive what the protocol decides. Any of them may be nil.
type Hooks struct {
	MatchStarted func(s *Session)
	Round        func(result model.RoundResult)
	MatchEnded   func(winnerID string, abandoned bool)
	// Failed reports a guest handshake that can no longer succeed.
	Failed func(err error)
}

// Protocol runs one side of the session handshake and relays the host's
// outcomes. Not safe for concurrent use.
type Protocol struct {
	role    model.Role
	self    model.Identity
	link    Link
	accept  AcceptFunc
	hooks   Hooks
	logger  *slog.Logger
	session *Session

	requested bool
	failed    bool
}

// NewHost builds the host side. A nil accept uses RejectDuplicateName.
func NewHost(self model.Identity, code roomcode.Code, link Link, accept AcceptFunc, hooks Hooks, logger *slog.Logger) *Protocol {
	if accept == nil {
		accept = RejectDuplicateName
	}
	return newProtocol(model.RoleHost, self, code, link, accept, hooks, logger)
}

func NewGuest(self model.Identity, code roomcode.Code, link Link, hooks Hooks, logger *slog.Logger) *Protocol {
	return newProtocol(model.RoleGuest, self, code, link, nil, hooks, logger)
}

func newProtocol(role model.Role, self model.Identity, code roomcode.Code, link Link, accept AcceptFunc, hooks Hooks, logger *slog.Logger) *Protocol {
	if logger == nil {
		logger = slog.Default()
	}
	return &Protocol{
		role:    role,
		self:    self,
		link:    link,
		accept:  accept,
		hooks:   hooks,
		logger:  logger.With("component", "session", "role", role.String()),
		session: New(role, code),
	}
}

func (p *Protocol) Session() *Session { return p.session }

// LinkOpened is called once per bound connection.
func (p *Protocol) LinkOpened() {
	if p.role != model.RoleGuest || p.requested {
		return
	}
	p.requested = true
	p.send(protocol.TypeJoinRequest, protocol.JoinRequest{ID: p.self.ID, DisplayName: p.self.DisplayName})
}

// HandleMessage applies one inbound envelope. Unknown types are ignored.
func (p *Protocol) HandleMessage(env protocol.Envelope) {
	if p.role == model.RoleHost {
		p.handleHost(env)
		return
	}
	p.handleGuest(env)
}

// LinkClosed is called when the bound connection ends.
func (p *Protocol) LinkClosed() {
	switch p.session.Phase() {
	case PhaseActive:
		if err := p.session.Abandon(); err != nil {
			return
		}
		p.logger.Info("match abandoned")
		if p.hooks.MatchEnded != nil {
			p.hooks.MatchEnded("", true)
		}
	case PhasePending:
		if p.role == model.RoleGuest {
			p.fail(model.ErrPeerClosed)
		}
	}
}

// BroadcastRound sends a result to the guest and raises it locally. Host only.
func (p *Protocol) BroadcastRound(result model.RoundResult) {
	if p.role != model.RoleHost || p.session.Phase() != PhaseActive {
		return
	}
	p.send(protocol.TypeRoundResult, protocol.RoundResult{
		Rolls:    result.Rolls,
		WinnerID: result.WinnerID,
		IsTie:    result.IsTie,
	})
	if p.hooks.Round != nil {
		p.hooks.Round(result)
	}
}

// BroadcastMatchEnd completes the session on both sides. Host only.
func (p *Protocol) BroadcastMatchEnd(winnerID string) {
	if p.role != model.RoleHost {
		return
	}
	if err := p.session.Complete(winnerID); err != nil {
		p.logger.Debug("match end ignored", "error", err)
		return
	}
	p.send(protocol.TypeMatchEnd, protocol.MatchEnd{WinnerID: winnerID})
	if p.hooks.MatchEnded != nil {
		p.hooks.MatchEnded(winnerID, false)
	}
}

// admissible holds regardless of the accept policy: rolls are keyed by
// player id, so the two ids must differ.
func admissible(host, guest model.Identity) error {
	if !guest.Valid() {
		return model.ErrInvalidIdentity
	}
	if guest.ID == host.ID {
		return fmt.Errorf("%w: guest id %q is the host's", model.ErrDuplicateIdentity, guest.ID)
	}
	return nil
}

func (p *Protocol) handleHost(env protocol.Envelope) {
	if env.Type != protocol.TypeJoinRequest {
		p.logger.Debug("ignoring message", "type", env.Type)
		return
	}
	if p.session.Phase() != PhasePending {
		p.logger.Debug("join request after match start ignored")
		return
	}
	var req protocol.JoinRequest
	if err := env.DecodePayload(&req); err != nil {
		p.logger.Warn("bad join request", "error", err)
		return
	}
	guest := model.Identity{ID: req.ID, DisplayName: req.DisplayName}

	err := admissible(p.self, guest)
	if err == nil {
		err = p.accept(p.self, guest)
	}
	if err != nil {
		p.logger.Info("join rejected", "guest", guest.DisplayName, "error", err)
		code := protocol.CodeRejected
		if errors.Is(err, model.ErrDuplicateIdentity) {
			code = protocol.CodeDuplicateName
		}
		p.send(protocol.TypeJoinRejected, protocol.JoinRejected{Code: code, Reason: err.Error()})
		p.link.CloseLink(RejectLinger)
		return
	}

	players := []model.Identity{p.self, guest}
	if err := p.session.Activate(players); err != nil {
		p.logger.Warn("activate failed", "error", err)
		return
	}
	start := protocol.MatchStart{RoomCode: p.session.Code().String()}
	for _, pl := range players {
		start.Players = append(start.Players, protocol.PlayerInfo{ID: pl.ID, DisplayName: pl.DisplayName})
	}
	p.send(protocol.TypeMatchStart, start)
	p.logger.Info("guest admitted", "guest", guest.DisplayName)
	if p.hooks.MatchStarted != nil {
		p.hooks.MatchStarted(p.session)
	}
}

func (p *Protocol) handleGuest(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeMatchStart:
		if p.session.Phase() != PhasePending || p.failed {
			return
		}
		var start protocol.MatchStart
		if err := env.DecodePayload(&start); err != nil {
			p.logger.Warn("bad match start", "error", err)
			return
		}
		players := make([]model.Identity, 0, len(start.Players))
		for _, pl := range start.Players {
			players = append(players, model.Identity{ID: pl.ID, DisplayName: pl.DisplayName})
		}
		if err := p.session.Activate(players); err != nil {
			p.logger.Warn("activate failed", "error", err)
			return
		}
		if p.hooks.MatchStarted != nil {
			p.hooks.MatchStarted(p.session)
		}

	case protocol.TypeJoinRejected:
		if p.session.Phase() != PhasePending {
			return
		}
		var rej protocol.JoinRejected
		if err := env.DecodePayload(&rej); err != nil {
			p.logger.Warn("bad join rejection", "error", err)
		}
		base := model.ErrJoinRejected
		if rej.Code == protocol.CodeDuplicateName {
			base = model.ErrDuplicateIdentity
		}
		p.fail(fmt.Errorf("%w: %s", base, rej.Reason))

	case protocol.TypeRoundResult:
		if p.session.Phase() != PhaseActive {
			return
		}
		var rr protocol.RoundResult
		if err := env.DecodePayload(&rr); err != nil {
			p.logger.Warn("bad round result", "error", err)
			return
		}
		if p.hooks.Round != nil {
			p.hooks.Round(model.RoundResult{Rolls: rr.Rolls, WinnerID: rr.WinnerID, IsTie: rr.IsTie})
		}

	case protocol.TypeMatchEnd:
		var end protocol.MatchEnd
		if err := env.DecodePayload(&end); err != nil {
			p.logger.Warn("bad match end", "error", err)
			return
		}
		if err := p.session.Complete(end.WinnerID); err != nil {
			return
		}
		if p.hooks.MatchEnded != nil {
			p.hooks.MatchEnded(end.WinnerID, false)
		}

	default:
		p.logger.Debug("ignoring message", "type", env.Type)
	}
}

func (p *Protocol) fail(err error) {
	if p.failed {
		return
	}
	p.failed = true
	p.logger.Info("handshake failed", "error", err)
	if p.hooks.Failed != nil {
		p.hooks.Failed(err)
	}
}

func (p *Protocol) send(msgType string, payload any) {
	env, err := protocol.NewEnvelope(msgType, protocol.NewMsgID(), payload)
	if err != nil {
		p.logger.Error("encode message", "type", msgType, "error", err)
		return
	}
	if err := p.link.Send(env); err != nil {
		p.logger.Warn("send failed", "type", msgType, "error", err)
	}
}
