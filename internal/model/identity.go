package model

import "strings"

// Identity is a player as seen by the session core. IDs come from the
// account collaborator; the core never mints them.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Valid reports whether both fields are set.
func (i Identity) Valid() bool {
	return strings.TrimSpace(i.ID) != "" && strings.TrimSpace(i.DisplayName) != ""
}

// SameName compares display names the way players perceive them.
func (i Identity) SameName(other Identity) bool {
	return strings.EqualFold(strings.TrimSpace(i.DisplayName), strings.TrimSpace(other.DisplayName))
}

// Role is which side of a link a peer occupies.
type Role int

const (
	RoleNone Role = iota
	RoleHost
	RoleGuest
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleGuest:
		return "guest"
	default:
		return "none"
	}
}

// LeaderboardEntry is one row of the win leaderboard.
type LeaderboardEntry struct {
	Name string `json:"name"`
	Wins int64  `json:"wins"`
}
