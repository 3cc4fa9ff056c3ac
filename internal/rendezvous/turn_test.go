package rendezvous

import (
	"net/url"
	"testing"
	"time"

	"github.com/sheerbytes/diceduel/internal/config"
	"github.com/sheerbytes/diceduel/internal/testutil"
)

func TestParseTurnURL(t *testing.T) {
	tests := []struct {
		raw     string
		scheme  string
		host    string
		wantErr bool
	}{
		{raw: "turn:turn.example.com:3478", scheme: "turn", host: "turn.example.com:3478"},
		{raw: "turns:turn.example.com:5349?transport=tcp", scheme: "turns", host: "turn.example.com:5349"},
		{raw: "turn://turn.example.com:3478", scheme: "turn", host: "turn.example.com:3478"},
		{raw: "turn.example.com:3478", scheme: "turn", host: "turn.example.com:3478"},
		{raw: "http://turn.example.com", wantErr: true},
		{raw: "turn:", wantErr: true},
		{raw: "  ", wantErr: true},
	}
	for _, tt := range tests {
		u, err := parseTurnURL(tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseTurnURL(%q) expected error, got %v", tt.raw, u)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseTurnURL(%q) error = %v", tt.raw, err)
		}
		if u.Scheme != tt.scheme || u.Host != tt.host {
			t.Errorf("parseTurnURL(%q) = %s", tt.raw, u)
		}
	}
}

func TestTurnIssuer_Issue(t *testing.T) {
	cfg := config.DefaultServerConfig()
	cfg.TurnServers = []string{"turn:turn.example.com:3478"}
	cfg.TurnStaticAuthSecret = "s3cret"
	cfg.TurnCredentialTTL = time.Hour

	issuer := newTurnIssuer(cfg, testutil.NopLogger())
	if issuer == nil {
		t.Fatal("expected issuer to be enabled")
	}
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	issuer.now = func() time.Time { return now }

	creds, err := issuer.Issue("alice")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if creds.ExpiresAt != "2024-01-01T13:00:00Z" {
		t.Errorf("ExpiresAt = %s", creds.ExpiresAt)
	}
	u, _ := url.Parse(creds.Servers[0])
	wantUser := "1704114000:alice"
	if u.User.Username() != wantUser {
		t.Errorf("username = %s, want %s", u.User.Username(), wantUser)
	}
	pass, _ := u.User.Password()
	if pass != turnPassword([]byte("s3cret"), wantUser) {
		t.Errorf("password mismatch")
	}
}

func TestTurnIssuer_Disabled(t *testing.T) {
	cfg := config.DefaultServerConfig()
	cfg.TurnServers = []string{"turn:turn.example.com:3478"}

	if newTurnIssuer(cfg, testutil.NopLogger()) != nil {
		t.Error("expected nil issuer without a secret")
	}
	var issuer *turnIssuer
	if _, err := issuer.Issue("alice"); err == nil {
		t.Error("expected error from nil issuer")
	}
}

func TestTurnIssuer_SkipsBadServers(t *testing.T) {
	cfg := config.DefaultServerConfig()
	cfg.TurnServers = []string{"http://bad", "turns:turn.example.com:5349"}
	cfg.TurnStaticAuthSecret = "s3cret"

	issuer := newTurnIssuer(cfg, testutil.NopLogger())
	if issuer == nil {
		t.Fatal("expected issuer to be enabled")
	}
	creds, err := issuer.Issue("bob")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if len(creds.Servers) != 1 {
		t.Fatalf("servers = %v, want one", creds.Servers)
	}
	u, _ := url.Parse(creds.Servers[0])
	if u.Scheme != "turns" || u.Host != "turn.example.com:5349" {
		t.Errorf("server = %s", creds.Servers[0])
	}

	cfg.TurnServers = []string{"http://bad"}
	if newTurnIssuer(cfg, testutil.NopLogger()) != nil {
		t.Error("expected nil issuer when no server is usable")
	}
}
