// Package game runs the host-authoritative dice match.
package game

import (
	"log/slog"
	"time"

	"github.com/sheerbytes/diceduel/internal/dependencies/clock"
	"github.com/sheerbytes/diceduel/internal/dependencies/random"
	"github.com/sheerbytes/diceduel/internal/model"
	"github.com/sheerbytes/diceduel/internal/timers"
)

// State of the match.
type State int

const (
	AwaitingPlayers State = iota
	Rolling
	Decided
)

func (s State) String() string {
	switch s {
	case AwaitingPlayers:
		return "awaiting_players"
	case Rolling:
		return "rolling"
	case Decided:
		return "decided"
	default:
		return "unknown"
	}
}

const (
	timerRoll = "roll"
	timerEnd  = "match-end"
)

// Broadcaster delivers authoritative outcomes to both players.
type Broadcaster interface {
	BroadcastRound(result model.RoundResult)
	BroadcastMatchEnd(winnerID string)
}

// Config holds the match pacing.
type Config struct {
	// StartDelay is the pause between match start and the first roll.
	StartDelay time.Duration
	// SettleDelay separates a tied roll from the re-roll.
	SettleDelay time.Duration
	// RevealDelay separates the deciding roll from the end of the match.
	RevealDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		StartDelay:  time.Second,
		SettleDelay: 3500 * time.Millisecond,
		RevealDelay: 3500 * time.Millisecond,
	}
}

// Loop rolls for both players until someone wins. It must be driven from a
// single goroutine; timer callbacks arrive through the dispatch function.
type Loop struct {
	cfg    Config
	random random.Random
	timers *timers.Group
	out    Broadcaster
	logger *slog.Logger

	state   State
	players []model.Identity
	rounds  int
	winner  string
}

func NewLoop(cfg Config, c clock.Clock, r random.Random, dispatch timers.Dispatch, out Broadcaster, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:    cfg,
		random: r,
		timers: timers.NewGroup(c, dispatch),
		out:    out,
		logger: logger.With("component", "game"),
	}
}

// Start begins rolling. It does nothing unless two players are given and
// the loop has not started before.
func (l *Loop) Start(players []model.Identity) {
	if l.state != AwaitingPlayers {
		return
	}
	if len(players) < 2 {
		l.logger.Debug("start ignored", "players", len(players))
		return
	}
	l.players = append([]model.Identity(nil), players[:2]...)
	l.state = Rolling
	l.logger.Info("match started", "host", l.players[0].ID, "guest", l.players[1].ID)
	l.timers.Schedule(timerRoll, l.cfg.StartDelay, l.roll)
}

// Stop cancels any pending roll or match end.
func (l *Loop) Stop() {
	l.timers.CancelAll()
}

func (l *Loop) State() State { return l.state }
func (l *Loop) Rounds() int { return l.rounds }
func (l *Loop) Winner() string { return l.winner }
func (l *Loop) Pending() bool { return l.timers.Len() > 0 }

func (l *Loop) rollDie() int {
	return 1 + l.random.Intn(model.DieFaces)
}

func (l *Loop) roll() {
	if l.state != Rolling {
		return
	}
	a, b := l.rollDie(), l.rollDie()
	result := model.NewRoundResult(l.players[0].ID, a, l.players[1].ID, b)
	l.rounds++
	l.logger.Info("round rolled", "round", l.rounds, "host_roll", a, "guest_roll", b, "tie", result.IsTie)
	l.out.BroadcastRound(result)

	if result.IsTie {
		l.timers.Schedule(timerRoll, l.cfg.SettleDelay, l.roll)
		return
	}
	l.state = Decided
	l.winner = result.WinnerID
	l.timers.Schedule(timerEnd, l.cfg.RevealDelay, func() {
		l.logger.Info("match decided", "winner", l.winner, "rounds", l.rounds)
		l.out.BroadcastMatchEnd(l.winner)
	})
}
