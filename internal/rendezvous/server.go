// Package rendezvous is the signaling service peers use to reserve an
// address and reach each other. It keeps no room or game state: it only
// knows which addresses are live and relays envelopes between them.
package rendezvous

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/sheerbytes/diceduel/internal/config"
	"github.com/sheerbytes/diceduel/pkg/protocol"
)

// serverID is the From of envelopes the service originates.
const serverID = "server"

// Server relays envelopes between reserved addresses.
type Server struct {
	cfg      config.ServerConfig
	version  string
	logger   *slog.Logger
	registry *Registry
	connects *ipLimiter
	conns    *connLimiter
	turn     *turnIssuer
	started  time.Time
	upgrader websocket.Upgrader
}

// New creates a server from cfg.
func New(cfg config.ServerConfig, version string, logger *slog.Logger) *Server {
	logger = logger.With("component", "rendezvous")
	var connectRate rate.Limit
	if cfg.WSConnectsPerMin > 0 {
		connectRate = rate.Limit(float64(cfg.WSConnectsPerMin) / 60.0)
	}
	return &Server{
		cfg:      cfg,
		version:  version,
		logger:   logger,
		registry: NewRegistry(cfg.MaxPeers),
		connects: newIPLimiter(connectRate, cfg.WSConnectsBurst),
		conns:    newConnLimiter(cfg.MaxWSConnections),
		turn:     newTurnIssuer(cfg, logger),
		started:  time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Registry exposes the live reservations.
func (s *Server) Registry() *Registry { return s.registry }

// Handler returns the HTTP routes of the service.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/ws", s.handleWebSocket)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.ServerStatus{
		Version:         s.version,
		ProtocolVersion: protocol.ProtocolVersion,
		Peers:           s.registry.Count(),
		UptimeSeconds:   int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peer_id")
	if peerID == "" {
		sendError(w, http.StatusBadRequest, protocol.CodeBadRequest, "missing peer_id")
		return
	}
	if peerID == serverID {
		sendError(w, http.StatusBadRequest, protocol.CodeBadRequest, "reserved peer_id")
		return
	}
	if !s.connects.Allow(clientIP(r)) {
		sendError(w, http.StatusTooManyRequests, protocol.CodeRateLimited, "rate limit exceeded")
		return
	}
	if !s.conns.Acquire() {
		sendError(w, http.StatusTooManyRequests, protocol.CodeRateLimited, "connection limit reached")
		return
	}
	defer s.conns.Release()

	// Reserved before the upgrade so a conflict is a plain 409 the client
	// sees from Dial, never a frame after it.
	res, err := s.registry.Reserve(peerID)
	switch {
	case errors.Is(err, ErrReserved):
		sendError(w, http.StatusConflict, protocol.CodeIdentityTaken, "peer_id already reserved")
		return
	case err != nil:
		sendError(w, http.StatusTooManyRequests, protocol.CodeRateLimited, err.Error())
		return
	}
	defer res.Release()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	maxMessageSize := s.cfg.MaxMessageBytes
	if maxMessageSize <= 0 {
		maxMessageSize = 64 * 1024
	}
	conn.SetReadLimit(int64(maxMessageSize))

	var writeMu sync.Mutex
	res.Attach(func(env protocol.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(env)
	})

	idle := s.cfg.WSIdleTimeout
	if idle > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(idle))
		})
		conn.SetPingHandler(func(appData string) error {
			_ = conn.SetReadDeadline(time.Now().Add(idle))
			writeMu.Lock()
			err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
			writeMu.Unlock()
			return err
		})
	}

	logger := s.logger.With("peer_id", peerID, "ip", clientIP(r))
	logger.Info("peer connected")
	defer logger.Info("peer disconnected")

	if s.turn != nil {
		creds, err := s.turn.Issue(peerID)
		if err != nil {
			logger.Error("failed to issue turn credentials", "error", err)
		} else {
			env, err := protocol.NewEnvelope(protocol.TypeTurnCredentials, protocol.NewMsgID(), creds)
			if err == nil {
				env.From = serverID
				env.To = peerID
				s.registry.SendTo(peerID, env)
			}
		}
	}

	msgLimiter := newMessageLimiter(s.cfg.WSMsgsPerSec, s.cfg.WSMsgsBurst)
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				logger.Info("websocket idle timeout")
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logger.Warn("websocket read error", "error", err)
			}
			return
		}
		if idle > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(idle))
		}

		if messageType != websocket.TextMessage {
			continue
		}

		if msgLimiter != nil && !msgLimiter.Allow() {
			logger.Warn("websocket message rate limit exceeded")
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			logger.Warn("invalid JSON envelope", "error", err)
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			logger.Warn("invalid envelope", "error", err)
			continue
		}

		// From always matches the reservation.
		env.From = peerID

		if env.To == "" {
			s.registry.SendTo(peerID, serverError(peerID, env.LinkID, protocol.CodeBadRequest, "missing to"))
			continue
		}
		if !s.registry.Route(env) {
			s.registry.SendTo(peerID, serverError(peerID, env.LinkID, protocol.CodePeerNotFound, "target peer not found: "+env.To))
			logger.Debug("peer not found for targeted send", "to", env.To, "type", env.Type)
		}
	}
}

// serverError builds an error envelope for peerID, echoing linkID so the
// sender can match it to the attempt that caused it.
func serverError(peerID, linkID, code, message string) protocol.Envelope {
	env := protocol.MustEnvelope(protocol.TypeError, protocol.Error{Code: code, Message: message})
	env.From = serverID
	env.To = peerID
	env.LinkID = linkID
	return env
}

func sendError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.Error{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
