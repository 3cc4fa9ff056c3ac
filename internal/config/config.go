package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment override, e.g. DICEDUEL_PORT.
const EnvPrefix = "DICEDUEL"

// ServerConfig holds configuration for the rendezvous server binary.
type ServerConfig struct {
	Port     int
	LogLevel string

	MaxPeers         int
	MaxMessageBytes  int
	WSConnectsPerMin int
	WSConnectsBurst  int
	WSMsgsPerSec     int
	WSMsgsBurst      int
	MaxWSConnections int
	WSIdleTimeout    time.Duration

	TurnServers          []string
	TurnStaticAuthSecret string
	TurnCredentialTTL    time.Duration
}

// ClientConfig holds configuration for the dice client.
type ClientConfig struct {
	ServerURL   string
	LogLevel    string
	Transport   string // webrtc or quic
	StunServers []string
	TurnServers []string

	Name     string
	Password string

	// Accounts is memory or redis; empty picks redis when RedisURL is set.
	Accounts string
	RedisURL string

	MaxCreateAttempts int
	MaxJoinAttempts   int
	AttemptTimeout    time.Duration
	JoinTimeout       time.Duration
	HandshakeTimeout  time.Duration
	SettleDelay       time.Duration
	RevealDelay       time.Duration
}

// DefaultServerConfig returns the server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:              8080,
		LogLevel:          "info",
		MaxPeers:          1000,
		MaxMessageBytes:   64 * 1024,
		WSConnectsPerMin:  30,
		WSConnectsBurst:   10,
		WSMsgsPerSec:      50,
		WSMsgsBurst:       100,
		MaxWSConnections:  2000,
		WSIdleTimeout:     10 * time.Minute,
		TurnCredentialTTL: time.Hour,
	}
}

// DefaultClientConfig returns the client defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL:         "http://localhost:8080",
		LogLevel:          "warn",
		Transport:         "webrtc",
		StunServers:       []string{"stun:stun.l.google.com:19302"},
		MaxCreateAttempts: 3,
		MaxJoinAttempts:   5,
		AttemptTimeout:    3 * time.Second,
		JoinTimeout:       15 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		SettleDelay:       3500 * time.Millisecond,
		RevealDelay:       3500 * time.Millisecond,
	}
}

// Validate checks ranges that flags cannot express.
func (c ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.Port)
	}
	if !validLevel(c.LogLevel) {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if c.MaxMessageBytes < 0 || c.MaxPeers < 0 || c.MaxWSConnections < 0 {
		return errors.New("limits must not be negative")
	}
	return nil
}

// Validate checks ranges that flags cannot express.
func (c ClientConfig) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server url is required")
	}
	if !validLevel(c.LogLevel) {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	switch c.Transport {
	case "webrtc", "quic":
	default:
		return fmt.Errorf("unknown transport %q (want webrtc or quic)", c.Transport)
	}
	switch c.Accounts {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("unknown accounts backend %q (want memory or redis)", c.Accounts)
	}
	if c.MaxCreateAttempts < 1 || c.MaxJoinAttempts < 1 {
		return errors.New("attempt counts must be at least 1")
	}
	if c.AttemptTimeout <= 0 || c.JoinTimeout <= 0 || c.HandshakeTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	return nil
}

// AccountsBackend resolves the accounts backend. The memory backend lives only
// as long as the process, so wins recorded there never reach a later
// leaderboard query.
func (c ClientConfig) AccountsBackend() string {
	if c.Accounts != "" {
		return c.Accounts
	}
	if c.RedisURL != "" {
		return "redis"
	}
	return "memory"
}

// BindServerFlags registers server flags on fs with cfg's values as defaults.
func BindServerFlags(fs *pflag.FlagSet, cfg *ServerConfig) {
	normalize(fs)
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "port to listen on (env: DICEDUEL_PORT)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.IntVar(&cfg.MaxPeers, "max-peers", cfg.MaxPeers, "max concurrently reserved addresses")
	fs.IntVar(&cfg.MaxMessageBytes, "max-message-bytes", cfg.MaxMessageBytes, "max websocket message size")
	fs.IntVar(&cfg.WSConnectsPerMin, "ws-connects-per-min", cfg.WSConnectsPerMin, "max websocket connects per minute per IP")
	fs.IntVar(&cfg.WSConnectsBurst, "ws-connects-burst", cfg.WSConnectsBurst, "burst websocket connects per IP")
	fs.IntVar(&cfg.WSMsgsPerSec, "ws-msgs-per-sec", cfg.WSMsgsPerSec, "max websocket messages per second per connection")
	fs.IntVar(&cfg.WSMsgsBurst, "ws-msgs-burst", cfg.WSMsgsBurst, "burst websocket messages per connection")
	fs.IntVar(&cfg.MaxWSConnections, "max-ws-connections", cfg.MaxWSConnections, "max concurrent websocket connections")
	fs.DurationVar(&cfg.WSIdleTimeout, "ws-idle-timeout", cfg.WSIdleTimeout, "websocket idle timeout")
	fs.StringSliceVar(&cfg.TurnServers, "turn-server", cfg.TurnServers, "TURN server URLs (repeatable, comma-separated)")
	fs.StringVar(&cfg.TurnStaticAuthSecret, "turn-static-auth-secret", cfg.TurnStaticAuthSecret, "TURN REST static auth secret (coturn use-auth-secret)")
	fs.DurationVar(&cfg.TurnCredentialTTL, "turn-cred-ttl", cfg.TurnCredentialTTL, "TURN credential TTL")
}

// BindClientFlags registers client flags on fs with cfg's values as defaults.
func BindClientFlags(fs *pflag.FlagSet, cfg *ClientConfig) {
	normalize(fs)
	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "rendezvous server URL (env: DICEDUEL_SERVER_URL)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "peer transport: webrtc or quic")
	fs.StringSliceVar(&cfg.StunServers, "stun-server", cfg.StunServers, "STUN server URLs (repeatable)")
	fs.StringSliceVar(&cfg.TurnServers, "turn-server", cfg.TurnServers, "TURN server URLs with credentials (repeatable)")
	fs.StringVarP(&cfg.Name, "name", "n", cfg.Name, "player name (env: DICEDUEL_NAME)")
	fs.StringVar(&cfg.Password, "password", cfg.Password, "account password; empty plays anonymously (env: DICEDUEL_PASSWORD)")
	fs.StringVar(&cfg.Accounts, "accounts", cfg.Accounts, "accounts backend: memory (kept for this process only) or redis; defaults to redis when --redis-url is set")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "redis URL for persistent accounts and leaderboard, e.g. redis://localhost:6379 (env: DICEDUEL_REDIS_URL)")
	fs.IntVar(&cfg.MaxCreateAttempts, "max-create-attempts", cfg.MaxCreateAttempts, "room codes tried before giving up")
	fs.IntVar(&cfg.MaxJoinAttempts, "max-join-attempts", cfg.MaxJoinAttempts, "dial attempts before a room is reported missing")
	fs.DurationVar(&cfg.AttemptTimeout, "attempt-timeout", cfg.AttemptTimeout, "timeout of one dial attempt")
	fs.DurationVar(&cfg.JoinTimeout, "join-timeout", cfg.JoinTimeout, "overall join timeout")
	fs.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "time allowed for the join handshake")
	fs.DurationVar(&cfg.SettleDelay, "settle-delay", cfg.SettleDelay, "time the dice spin before a result")
	fs.DurationVar(&cfg.RevealDelay, "reveal-delay", cfg.RevealDelay, "time a winning result is shown before the match ends")
}

// ApplyEnv fills every flag the user did not set from DICEDUEL_* variables.
func ApplyEnv(fs *pflag.FlagSet) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			if err := fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name))); err != nil {
				errs = append(errs, fmt.Errorf("env %s_%s: %w", EnvPrefix, envKey(f.Name), err))
			}
		}
	})
	return errors.Join(errs...)
}

// ParseServerConfig parses server configuration from args and the environment.
// Flags take precedence over environment variables.
func ParseServerConfig(args []string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	fs := pflag.NewFlagSet("diceserv", pflag.ContinueOnError)
	BindServerFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if err := ApplyEnv(fs); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ParseClientConfig parses client configuration from args and the environment.
// Flags take precedence over environment variables.
func ParseClientConfig(args []string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	fs := pflag.NewFlagSet("dice", pflag.ContinueOnError)
	BindClientFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if err := ApplyEnv(fs); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func normalize(fs *pflag.FlagSet) {
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
}

func envKey(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

func validLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
