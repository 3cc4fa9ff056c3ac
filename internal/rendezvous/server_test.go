package rendezvous

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/diceduel/internal/config"
	"github.com/sheerbytes/diceduel/internal/testutil"
	"github.com/sheerbytes/diceduel/pkg/protocol"
)

func newTestServer(t *testing.T, mutate func(*config.ServerConfig)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.DefaultServerConfig()
	cfg.WSConnectsPerMin = 0
	if mutate != nil {
		mutate(&cfg)
	}
	srv := New(cfg, "test", testutil.NopLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func wsURL(ts *httptest.Server, peerID string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?peer_id=" + peerID
}

func dial(t *testing.T, ts *httptest.Server, peerID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, peerID), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env protocol.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func send(t *testing.T, conn *websocket.Conn, to, linkID string) {
	t.Helper()
	env := protocol.MustEnvelope(protocol.TypeOffer, protocol.Offer{SDP: "v=0"})
	env.To = to
	env.LinkID = linkID
	env.From = "spoofed"
	require.NoError(t, conn.WriteJSON(env))
}

func waitReserved(t *testing.T, srv *Server, peerID string, want bool) {
	t.Helper()
	require.Eventually(t, func() bool { return srv.Registry().Has(peerID) == want }, 2*time.Second, 5*time.Millisecond)
}

func TestServer_Health(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body["ok"])
}

func TestServer_Status(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	dial(t, ts, "host")
	waitReserved(t, srv, "host", true)

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status protocol.ServerStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, protocol.ProtocolVersion, status.ProtocolVersion)
	assert.Equal(t, 1, status.Peers)
}

func TestServer_MissingPeerID(t *testing.T) {
	_, ts := newTestServer(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_DuplicateAddressConflict(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	dial(t, ts, "diceduel-v2-4521")
	waitReserved(t, srv, "diceduel-v2-4521", true)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "diceduel-v2-4521"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var body protocol.Error
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, protocol.CodeIdentityTaken, body.Code)
}

func TestServer_AddressReleasedOnDisconnect(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	conn := dial(t, ts, "room")
	waitReserved(t, srv, "room", true)

	require.NoError(t, conn.Close())
	waitReserved(t, srv, "room", false)

	dial(t, ts, "room")
	waitReserved(t, srv, "room", true)
}

func TestServer_RoutesAndStampsFrom(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	host := dial(t, ts, "host")
	guest := dial(t, ts, "guest")
	waitReserved(t, srv, "host", true)
	waitReserved(t, srv, "guest", true)

	send(t, guest, "host", "link-1")

	env := readEnvelope(t, host)
	assert.Equal(t, protocol.TypeOffer, env.Type)
	assert.Equal(t, "guest", env.From)
	assert.Equal(t, "link-1", env.LinkID)
}

func TestServer_PeerNotFound(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	guest := dial(t, ts, "guest")
	waitReserved(t, srv, "guest", true)

	send(t, guest, "diceduel-v2-9999", "link-7")

	env := readEnvelope(t, guest)
	require.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, "link-7", env.LinkID)
	var e protocol.Error
	require.NoError(t, env.DecodePayload(&e))
	assert.Equal(t, protocol.CodePeerNotFound, e.Code)
}

func TestServer_PeerLeftAfterContact(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	host := dial(t, ts, "host")
	guest := dial(t, ts, "guest")
	waitReserved(t, srv, "host", true)
	waitReserved(t, srv, "guest", true)

	send(t, guest, "host", "link-1")
	readEnvelope(t, host)

	require.NoError(t, guest.Close())

	env := readEnvelope(t, host)
	require.Equal(t, protocol.TypePeerLeft, env.Type)
	var left protocol.PeerLeft
	require.NoError(t, env.DecodePayload(&left))
	assert.Equal(t, "guest", left.PeerID)
}

func TestServer_TurnCredentialsPushedOnConnect(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.ServerConfig) {
		cfg.TurnServers = []string{"turn:turn.example.com:3478"}
		cfg.TurnStaticAuthSecret = "s3cret"
	})
	conn := dial(t, ts, "host")

	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeTurnCredentials, env.Type)
	var creds protocol.TurnCredentials
	require.NoError(t, env.DecodePayload(&creds))
	require.Len(t, creds.Servers, 1)
	assert.Contains(t, creds.Servers[0], "turn.example.com:3478")
}

func TestServer_ConnectRateLimit(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.ServerConfig) {
		cfg.WSConnectsPerMin = 1
		cfg.WSConnectsBurst = 1
	})
	dial(t, ts, "first")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "second"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestServer_MessageRateLimitDisconnects(t *testing.T) {
	srv, ts := newTestServer(t, func(cfg *config.ServerConfig) {
		cfg.WSMsgsPerSec = 1
		cfg.WSMsgsBurst = 1
	})
	guest := dial(t, ts, "guest")
	waitReserved(t, srv, "guest", true)

	env := protocol.MustEnvelope(protocol.TypeOffer, protocol.Offer{SDP: "v=0"})
	env.To = "nobody"
	for i := 0; i < 5; i++ {
		_ = guest.WriteJSON(env)
	}
	waitReserved(t, srv, "guest", false)
}

func TestServer_ConcurrentReservationsConflict(t *testing.T) {
	_, ts := newTestServer(t, nil)

	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "diceduel-v2-4521"), nil)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
				t.Cleanup(func() { conn.Close() })
				return
			}
			if resp != nil && resp.StatusCode == http.StatusConflict {
				conflicts++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, conflicts)
}
