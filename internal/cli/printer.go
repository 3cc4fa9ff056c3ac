package cli

import (
	"fmt"
	"io"
	"sync"
	"text/tabwriter"

	"github.com/sheerbytes/diceduel/internal/events"
	"github.com/sheerbytes/diceduel/internal/model"
)

// Printer renders bus events as lines of game output.
type Printer struct {
	mu      sync.Mutex
	w       io.Writer
	players []model.Identity
	selfID  string
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Attach subscribes the printer to every event on bus.
func (p *Printer) Attach(bus *events.Bus) func() {
	return bus.SubscribeAll(p.Handle)
}

// SetSelf marks which player is "you" in match output.
func (p *Printer) SetSelf(id model.Identity) {
	p.mu.Lock()
	p.selfID = id.ID
	p.mu.Unlock()
}

func (p *Printer) Handle(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev := e.(type) {
	case events.LoginSucceeded:
		fmt.Fprintf(p.w, "Logged in as %s.\n", ev.Identity.DisplayName)
	case events.LoginFailed:
		fmt.Fprintf(p.w, "Login failed: %v\n", ev.Err)
	case events.LoggedOut:
		fmt.Fprintln(p.w, "Logged out.")
	case events.RoomCreated:
		fmt.Fprintf(p.w, "Room %s is open. Share the code and wait for an opponent...\n", ev.Code)
	case events.MatchStarted:
		p.players = append(p.players[:0], ev.Players...)
		if len(ev.Players) == 2 {
			fmt.Fprintf(p.w, "Match started in room %s: %s vs %s. You are the %s.\n",
				ev.Code, ev.Players[0].DisplayName, ev.Players[1].DisplayName, ev.Role)
		} else {
			fmt.Fprintf(p.w, "Match started in room %s. You are the %s.\n", ev.Code, ev.Role)
		}
	case events.RoundResult:
		p.printRound(ev.Result)
	case events.MatchEnded:
		switch {
		case ev.Abandoned:
			fmt.Fprintln(p.w, "Your opponent left. The match has no winner.")
		case ev.WinnerID == p.selfID && p.selfID != "":
			fmt.Fprintln(p.w, "You win the match!")
		default:
			fmt.Fprintf(p.w, "%s wins the match.\n", p.name(ev.WinnerID))
		}
	case events.ConnectError:
		fmt.Fprintf(p.w, "Connection error: %s\n", ev.Message)
	case events.GenericError:
		fmt.Fprintf(p.w, "Error: %s\n", ev.Message)
	case events.LeaderboardData:
		printLeaderboard(p.w, ev.Entries)
	}
}

func (p *Printer) printRound(r model.RoundResult) {
	for _, player := range p.players {
		if roll, ok := r.Rolls[player.ID]; ok {
			fmt.Fprintf(p.w, "  %s rolled %d\n", player.DisplayName, roll)
		}
	}
	if r.IsTie {
		fmt.Fprintln(p.w, "  Tie! Rolling again...")
		return
	}
	fmt.Fprintf(p.w, "  %s takes it.\n", p.name(r.WinnerID))
}

func (p *Printer) name(id string) string {
	for _, player := range p.players {
		if player.ID == id {
			return player.DisplayName
		}
	}
	return id
}

func printLeaderboard(w io.Writer, entries []model.LeaderboardEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No wins recorded yet.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tPLAYER\tWINS")
	for i, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%d\n", i+1, e.Name, e.Wins)
	}
	_ = tw.Flush()
}
