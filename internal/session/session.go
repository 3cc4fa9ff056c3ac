// Package session holds the match session and the messages the two players
// exchange to start, play and end it.
package session

import (
	"errors"
	"fmt"

	"github.com/sheerbytes/diceduel/internal/model"
	"github.com/sheerbytes/diceduel/internal/roomcode"
)

// Phase of a session. Complete and Abandoned are terminal.
type Phase int

const (
	PhasePending Phase = iota
	PhaseActive
	PhaseComplete
	PhaseAbandoned
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseActive:
		return "active"
	case PhaseComplete:
		return "complete"
	case PhaseAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// ErrInvalidTransition is returned when a phase change is not allowed from the current phase.
var ErrInvalidTransition = errors.New("invalid session transition")

// Session is one match between a host and a guest. A rematch is a new Session.
type Session struct {
	role    model.Role
	code    roomcode.Code
	players []model.Identity
	phase   Phase
	winner  string
}

func New(role model.Role, code roomcode.Code) *Session {
	return &Session{role: role, code: code}
}

func (s *Session) Role() model.Role { return s.role }
func (s *Session) Code() roomcode.Code { return s.code }
func (s *Session) Phase() Phase { return s.phase }

// Winner is set only once the session is Complete.
func (s *Session) Winner() string { return s.winner }

// Players returns the roster, host first.
func (s *Session) Players() []model.Identity {
	return append([]model.Identity(nil), s.players...)
}

// Terminal reports whether the phase can no longer change.
func (s *Session) Terminal() bool {
	return s.phase == PhaseComplete || s.phase == PhaseAbandoned
}

// Activate fixes the roster and starts the match.
func (s *Session) Activate(players []model.Identity) error {
	if s.phase != PhasePending {
		return fmt.Errorf("%w: activate from %s", ErrInvalidTransition, s.phase)
	}
	if len(players) != 2 {
		return fmt.Errorf("%w: need 2 players, got %d", ErrInvalidTransition, len(players))
	}
	s.players = append([]model.Identity(nil), players...)
	s.phase = PhaseActive
	return nil
}

// Complete records the winner.
func (s *Session) Complete(winnerID string) error {
	if s.phase != PhaseActive {
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, s.phase)
	}
	s.phase = PhaseComplete
	s.winner = winnerID
	return nil
}

// Abandon ends an active match without a winner.
func (s *Session) Abandon() error {
	if s.phase != PhaseActive {
		return fmt.Errorf("%w: abandon from %s", ErrInvalidTransition, s.phase)
	}
	s.phase = PhaseAbandoned
	return nil
}
