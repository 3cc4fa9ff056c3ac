// Package events is the typed channel between the session core and whatever presents it.
package events

import (
	"github.com/sheerbytes/diceduel/internal/model"
	"github.com/sheerbytes/diceduel/internal/roomcode"
)

// Kind identifies an event. The set is closed.
type Kind int

const (
	KindLoginSucceeded Kind = iota + 1
	KindLoginFailed
	KindLoggedOut
	KindRoomCreated
	KindMatchStarted
	KindRoundResult
	KindMatchEnded
	KindConnectError
	KindGenericError
	KindLeaderboardData
)

var kindNames = map[Kind]string{
	KindLoginSucceeded:  "login_succeeded",
	KindLoginFailed:     "login_failed",
	KindLoggedOut:       "logged_out",
	KindRoomCreated:     "room_created",
	KindMatchStarted:    "match_started",
	KindRoundResult:     "round_result",
	KindMatchEnded:      "match_ended",
	KindConnectError:    "connect_error",
	KindGenericError:    "generic_error",
	KindLeaderboardData: "leaderboard_data",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Kinds lists every event kind.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kindNames))
	for k := KindLoginSucceeded; k <= KindLeaderboardData; k++ {
		out = append(out, k)
	}
	return out
}

// Event is implemented by every payload type below.
type Event interface {
	Kind() Kind
}

type LoginSucceeded struct {
	Identity model.Identity
}

type LoginFailed struct {
	Err error
}

type LoggedOut struct{}

// RoomCreated is raised on the host once its room address is reserved.
type RoomCreated struct {
	Code roomcode.Code
}

// MatchStarted carries the roster, host first, and the local player's role.
type MatchStarted struct {
	Code    roomcode.Code
	Players []model.Identity
	Role    model.Role
}

type RoundResult struct {
	Result model.RoundResult
}

// MatchEnded has an empty WinnerID when nobody won, which happens only when
// the match was abandoned.
type MatchEnded struct {
	WinnerID  string
	Abandoned bool
}

// ConnectError reports any failure to create, join or keep a room.
type ConnectError struct {
	Message string
	Err     error
}

// GenericError reports failures outside connection setup.
type GenericError struct {
	Message string
	Err     error
}

type LeaderboardData struct {
	Entries []model.LeaderboardEntry
}

func (LoginSucceeded) Kind() Kind { return KindLoginSucceeded }
func (LoginFailed) Kind() Kind { return KindLoginFailed }
func (LoggedOut) Kind() Kind { return KindLoggedOut }
func (RoomCreated) Kind() Kind { return KindRoomCreated }
func (MatchStarted) Kind() Kind { return KindMatchStarted }
func (RoundResult) Kind() Kind { return KindRoundResult }
func (MatchEnded) Kind() Kind { return KindMatchEnded }
func (ConnectError) Kind() Kind { return KindConnectError }
func (GenericError) Kind() Kind { return KindGenericError }
func (LeaderboardData) Kind() Kind { return KindLeaderboardData }

func (e ConnectError) Error() string { return e.Message }
func (e ConnectError) Unwrap() error { return e.Err }
func (e GenericError) Error() string { return e.Message }
func (e GenericError) Unwrap() error { return e.Err }
