package cli

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sheerbytes/diceduel/internal/events"
	"github.com/sheerbytes/diceduel/internal/model"
	"github.com/sheerbytes/diceduel/internal/roomcode"
)

var (
	alice = model.Identity{ID: "a1", DisplayName: "Alice"}
	bob   = model.Identity{ID: "b1", DisplayName: "Bob"}
)

func TestPrinter_Match(t *testing.T) {
	var out bytes.Buffer
	bus := events.NewBus()
	p := NewPrinter(&out)
	p.SetSelf(alice)
	unsub := p.Attach(bus)

	bus.Publish(events.RoomCreated{Code: roomcode.Code(4521)})
	bus.Publish(events.MatchStarted{Code: roomcode.Code(4521), Players: []model.Identity{alice, bob}, Role: model.RoleHost})
	bus.Publish(events.RoundResult{Result: model.NewRoundResult("a1", 3, "b1", 3)})
	bus.Publish(events.RoundResult{Result: model.NewRoundResult("a1", 2, "b1", 5)})
	bus.Publish(events.MatchEnded{WinnerID: "b1"})
	unsub()
	bus.Publish(events.LoggedOut{})

	got := out.String()
	assert.Contains(t, got, "Room 4521 is open")
	assert.Contains(t, got, "Alice vs Bob. You are the host.")
	assert.Contains(t, got, "Alice rolled 3")
	assert.Contains(t, got, "Tie! Rolling again...")
	assert.Contains(t, got, "Bob rolled 5")
	assert.Contains(t, got, "Bob takes it.")
	assert.Contains(t, got, "Bob wins the match.")
	assert.NotContains(t, got, "Logged out")
	assert.Less(t, strings.Index(got, "Alice rolled 2"), strings.Index(got, "Bob rolled 5"))
}

func TestPrinter_SelfWinsAndAbandon(t *testing.T) {
	var out bytes.Buffer
	p := NewPrinter(&out)
	p.SetSelf(alice)
	p.Handle(events.MatchStarted{Code: roomcode.Code(1000), Players: []model.Identity{bob, alice}, Role: model.RoleGuest})
	p.Handle(events.MatchEnded{WinnerID: "a1"})
	p.Handle(events.MatchEnded{Abandoned: true})

	assert.Contains(t, out.String(), "You win the match!")
	assert.Contains(t, out.String(), "Your opponent left.")
}

func TestPrinter_Errors(t *testing.T) {
	var out bytes.Buffer
	p := NewPrinter(&out)
	p.Handle(events.ConnectError{Message: "room not found", Err: model.ErrRoomNotFound})
	p.Handle(events.GenericError{Message: "leaderboard unavailable"})
	p.Handle(events.LoginFailed{Err: errors.New("invalid credentials")})

	assert.Contains(t, out.String(), "Connection error: room not found")
	assert.Contains(t, out.String(), "Error: leaderboard unavailable")
	assert.Contains(t, out.String(), "Login failed: invalid credentials")
}

func TestPrintLeaderboard(t *testing.T) {
	var out bytes.Buffer
	printLeaderboard(&out, nil)
	assert.Equal(t, "No wins recorded yet.\n", out.String())

	out.Reset()
	printLeaderboard(&out, []model.LeaderboardEntry{{Name: "carol", Wins: 7}, {Name: "dave", Wins: 2}})
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, 3)
	assert.Equal(t, []string{"RANK", "PLAYER", "WINS"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"1", "carol", "7"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"2", "dave", "2"}, strings.Fields(lines[2]))
}
