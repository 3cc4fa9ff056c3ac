package rendezvous

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sheerbytes/diceduel/internal/config"
	"github.com/sheerbytes/diceduel/pkg/protocol"
)

var errTurnDisabled = errors.New("turn credentials not configured")

// turnIssuer mints coturn REST credentials (use-auth-secret): the username is
// "<expiry unix>:<peer>" and the password the base64 HMAC-SHA1 of it.
type turnIssuer struct {
	urls   []*url.URL
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// newTurnIssuer returns nil unless a secret and at least one usable server
// are configured.
func newTurnIssuer(cfg config.ServerConfig, logger *slog.Logger) *turnIssuer {
	switch {
	case len(cfg.TurnServers) == 0 && cfg.TurnStaticAuthSecret == "":
		return nil
	case len(cfg.TurnServers) == 0:
		logger.Warn("turn secret ignored, no turn servers configured")
		return nil
	case cfg.TurnStaticAuthSecret == "":
		logger.Warn("turn servers ignored, no static auth secret set")
		return nil
	}

	urls := make([]*url.URL, 0, len(cfg.TurnServers))
	for _, raw := range cfg.TurnServers {
		u, err := parseTurnURL(raw)
		if err != nil {
			logger.Warn("skipping turn server", "server", raw, "error", err)
			continue
		}
		urls = append(urls, u)
	}
	if len(urls) == 0 {
		return nil
	}

	ttl := cfg.TurnCredentialTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	logger.Info("issuing turn credentials", "servers", len(urls), "ttl", ttl)
	return &turnIssuer{
		urls:   urls,
		secret: []byte(cfg.TurnStaticAuthSecret),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (t *turnIssuer) Issue(peerID string) (protocol.TurnCredentials, error) {
	if t == nil {
		return protocol.TurnCredentials{}, errTurnDisabled
	}
	expiry := t.now().Add(t.ttl).UTC()
	username := strconv.FormatInt(expiry.Unix(), 10) + ":" + peerID
	password := turnPassword(t.secret, username)

	creds := protocol.TurnCredentials{
		Servers:   make([]string, len(t.urls)),
		ExpiresAt: expiry.Format(time.RFC3339),
	}
	for i, base := range t.urls {
		u := *base
		u.User = url.UserPassword(username, password)
		creds.Servers[i] = u.String()
	}
	return creds, nil
}

func turnPassword(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// parseTurnURL accepts turn:host:port, turn://host:port and bare host:port,
// plus the turns forms, and normalizes them to scheme://host.
func parseTurnURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty turn server")
	}
	scheme, rest, _ := strings.Cut(raw, ":")
	if scheme != "turn" && scheme != "turns" {
		if strings.Contains(raw, "://") {
			return nil, fmt.Errorf("unsupported turn scheme %q", scheme)
		}
		scheme, rest = "turn", raw
	}
	u, err := url.Parse(scheme + "://" + strings.TrimPrefix(rest, "//"))
	if err != nil {
		return nil, fmt.Errorf("parse turn server: %w", err)
	}
	if u.Hostname() == "" {
		return nil, errors.New("missing turn host")
	}
	return u, nil
}
