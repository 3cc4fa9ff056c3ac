package cli

import (
	"github.com/sheerbytes/diceduel/internal/accounts"
	"github.com/sheerbytes/diceduel/internal/accounts/memory"
	redisstore "github.com/sheerbytes/diceduel/internal/accounts/redis"
	"github.com/sheerbytes/diceduel/internal/config"
	"github.com/sheerbytes/diceduel/internal/dependencies/clock"
)

// openAccounts builds the account service on the configured backend. The
// returned close func releases the backend.
func openAccounts(cfg config.ClientConfig) (*accounts.Service, func() error, error) {
	switch cfg.AccountsBackend() {
	case "redis":
		rcfg := redisstore.DefaultConfig()
		if cfg.RedisURL != "" {
			rcfg.URL = cfg.RedisURL
		}
		store, err := redisstore.New(rcfg)
		if err != nil {
			return nil, nil, err
		}
		return accounts.New(store, clock.New(), accounts.DefaultConfig()), store.Close, nil
	default:
		return accounts.New(memory.New(), clock.New(), accounts.DefaultConfig()), func() error { return nil }, nil
	}
}
