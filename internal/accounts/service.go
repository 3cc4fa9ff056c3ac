// Package accounts logs players in and keeps the win leaderboard.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/sheerbytes/diceduel/internal/dependencies/clock"
	"github.com/sheerbytes/diceduel/internal/model"
)

// ErrInvalidUsername is returned for empty or overlong usernames.
var ErrInvalidUsername = errors.New("username must be 1 to 24 characters")

const maxUsernameLen = 24

// Config holds configuration for the account service
type Config struct {
	BcryptCost      int
	LeaderboardSize int
}

// DefaultConfig returns default account configuration
func DefaultConfig() Config {
	return Config{
		BcryptCost:      bcrypt.DefaultCost,
		LeaderboardSize: 10,
	}
}

// Service handles login and win bookkeeping
type Service struct {
	store Store
	clock clock.Clock
	cfg   Config
}

// New creates a new Service
func New(store Store, clock clock.Clock, cfg Config) *Service {
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.LeaderboardSize <= 0 {
		cfg.LeaderboardSize = DefaultConfig().LeaderboardSize
	}
	return &Service{store: store, clock: clock, cfg: cfg}
}

// Login authenticates username, registering it on first use.
func (s *Service) Login(ctx context.Context, username, password string) (model.Identity, error) {
	username = strings.TrimSpace(username)
	if username == "" || utf8.RuneCountInString(username) > maxUsernameLen {
		return model.Identity{}, ErrInvalidUsername
	}

	acct, err := s.store.GetAccount(ctx, username)
	if errors.Is(err, ErrAccountNotFound) {
		acct, err = s.register(ctx, username, password)
	}
	if err != nil {
		return model.Identity{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		return model.Identity{}, model.ErrInvalidCredentials
	}
	return model.Identity{ID: acct.ID, DisplayName: acct.Username}, nil
}

// RecordWin adds one win for username.
func (s *Service) RecordWin(ctx context.Context, username string) error {
	if strings.TrimSpace(username) == "" {
		return ErrInvalidUsername
	}
	if _, err := s.store.IncrementWins(ctx, username); err != nil {
		return fmt.Errorf("record win: %w", err)
	}
	return nil
}

// Leaderboard returns the top players by wins.
func (s *Service) Leaderboard(ctx context.Context) ([]model.LeaderboardEntry, error) {
	return s.store.TopWins(ctx, s.cfg.LeaderboardSize)
}

func (s *Service) register(ctx context.Context, username, password string) (*Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	acct := &Account{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    s.clock.Now(),
	}
	err = s.store.CreateAccount(ctx, acct)
	if errors.Is(err, ErrUsernameExists) {
		// registered concurrently; check the password against the winner
		return s.store.GetAccount(ctx, username)
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}
