package memory

import (
	"context"
	"sync"

	"github.com/sheerbytes/diceduel/internal/accounts"
	"github.com/sheerbytes/diceduel/internal/model"
)

// Store is an in-memory implementation of accounts.Store
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*accounts.Account
	wins     map[string]int64
}

// New creates a new in-memory store
func New() *Store {
	return &Store{
		accounts: make(map[string]*accounts.Account),
		wins:     make(map[string]int64),
	}
}

// Ensure Store implements the interface
var _ accounts.Store = (*Store)(nil)

func (s *Store) CreateAccount(ctx context.Context, account *accounts.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[account.Username]; ok {
		return accounts.ErrUsernameExists
	}
	cp := *account
	s.accounts[account.Username] = &cp
	return nil
}

func (s *Store) GetAccount(ctx context.Context, username string) (*accounts.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[username]
	if !ok {
		return nil, accounts.ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (s *Store) IncrementWins(ctx context.Context, username string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wins[username]++
	return s.wins[username], nil
}

func (s *Store) TopWins(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	s.mu.RLock()
	entries := make([]model.LeaderboardEntry, 0, len(s.wins))
	for name, wins := range s.wins {
		entries = append(entries, model.LeaderboardEntry{Name: name, Wins: wins})
	}
	s.mu.RUnlock()

	accounts.SortLeaderboard(entries)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

