package accounts

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/sheerbytes/diceduel/internal/model"
)

// Store errors
var (
	ErrAccountNotFound = errors.New("account not found")
	ErrUsernameExists  = errors.New("username already exists")
)

// Account is a registered player.
type Account struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store persists accounts and win counts.
type Store interface {
	// CreateAccount fails with ErrUsernameExists if the username is taken.
	CreateAccount(ctx context.Context, account *Account) error
	// GetAccount fails with ErrAccountNotFound.
	GetAccount(ctx context.Context, username string) (*Account, error)
	IncrementWins(ctx context.Context, username string) (int64, error)
	// TopWins returns up to limit entries, most wins first, ties by name.
	TopWins(ctx context.Context, limit int) ([]model.LeaderboardEntry, error)
}

// SortLeaderboard orders entries by wins descending, then name ascending.
func SortLeaderboard(entries []model.LeaderboardEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Wins != entries[j].Wins {
			return entries[i].Wins > entries[j].Wins
		}
		return entries[i].Name < entries[j].Name
	})
}
