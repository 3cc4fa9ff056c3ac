package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sheerbytes/diceduel/internal/accounts"
	"github.com/sheerbytes/diceduel/internal/model"
)

// Store is a Redis-backed implementation of accounts.Store
type Store struct {
	client *redis.Client
	cfg    Config
}

// New creates a new Redis store and verifies the connection
func New(cfg Config) (*Store, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &Store{client: client, cfg: cfg}, nil
}

// NewWithClient creates a Redis store with an existing client (for testing)
func NewWithClient(client *redis.Client, cfg Config) *Store {
	return &Store{client: client, cfg: cfg}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Ensure Store implements the interface
var _ accounts.Store = (*Store)(nil)

func (s *Store) CreateAccount(ctx context.Context, account *accounts.Account) error {
	data, err := json.Marshal(account)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, accountKey(account.Username), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return accounts.ErrUsernameExists
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, username string) (*accounts.Account, error) {
	data, err := s.client.Get(ctx, accountKey(username)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, accounts.ErrAccountNotFound
		}
		return nil, err
	}

	var acct accounts.Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

func (s *Store) IncrementWins(ctx context.Context, username string) (int64, error) {
	score, err := s.client.ZIncrBy(ctx, leaderboardKey(), 1, username).Result()
	if err != nil {
		return 0, err
	}
	return int64(score), nil
}

// TopWins reads the whole set so ties at the cut are ordered by name.
func (s *Store) TopWins(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	zs, err := s.client.ZRevRangeWithScores(ctx, leaderboardKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]model.LeaderboardEntry, 0, len(zs))
	for _, z := range zs {
		name, _ := z.Member.(string)
		entries = append(entries, model.LeaderboardEntry{Name: name, Wins: int64(z.Score)})
	}
	accounts.SortLeaderboard(entries)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
