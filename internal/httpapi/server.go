package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"chatstack.local/projects/agent-bridge/internal/breaker"
	"chatstack.local/projects/agent-bridge/internal/bridge"
	"chatstack.local/projects/agent-bridge/internal/event"
)

const maxWSMessageBytes int64 = 1 << 20

type server struct {
	logger   *log.Logger
	bridges  *bridge.Factory
	breakers *breaker.Manager
}

// NewServer returns the HTTP surface: health, the websocket attach
// endpoint, and the breaker state snapshot. Authentication happens
// upstream; this layer trusts the user_id it is handed.
func NewServer(logger *log.Logger, addr string, bridges *bridge.Factory, breakers *breaker.Manager) *http.Server {
	h := &server{
		logger:   logger,
		bridges:  bridges,
		breakers: breakers,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/v1/ws", h.handleWS)
	mux.HandleFunc("/v1/breakers", h.handleBreakers)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.breakers.States())
}

func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if userID == "" || sessionID == "" {
		http.Error(w, "user_id and session_id are required", http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: isWebSocketOriginAllowed}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("ws upgrade failed user_id=%s err=%v", userID, err)
		return
	}
	conn.SetReadLimit(maxWSMessageBytes)

	emitter, err := s.bridges.CreateUserEmitter(userID, sessionID, conn)
	if err != nil {
		if errors.Is(err, bridge.ErrConnectionLimit) {
			s.logger.Printf("ws rejected user_id=%s err=%v", userID, err)
			_ = conn.WriteJSON(map[string]any{"type": "error", "error": "connection limit exceeded"})
			_ = conn.Close()
			return
		}
		// Emitter exists without a live connection; events buffer.
		s.logger.Printf("ws attach degraded user_id=%s err=%v", userID, err)
	}

	greeting := event.New(event.TypeConnectionEstablished)
	greeting.UserID = userID
	greeting.Status = "connected"
	emitter.Emit(greeting, bridge.PriorityHigh)

	s.logger.Printf("ws connected user_id=%s session_id=%s connection_id=%s", userID, sessionID, emitter.ConnectionID())
	s.readLoop(conn, emitter)
}

// readLoop services inbound control frames until the client goes away,
// then detaches the emitter from the dead connection.
func (s *server) readLoop(conn *websocket.Conn, emitter *bridge.UserEmitter) {
	defer func() {
		connectionID := emitter.ConnectionID()
		if connectionID != "" {
			s.bridges.Pool().RemoveConnection(emitter.UserID(), connectionID)
			emitter.ClearConnectionID()
		}
		s.logger.Printf("ws disconnected user_id=%s", emitter.UserID())
	}()

	for {
		var inbound map[string]any
		if err := conn.ReadJSON(&inbound); err != nil {
			return
		}

		msgType, _ := inbound["type"].(string)
		switch event.Type(msgType) {
		case event.TypePing, event.TypeHeartbeat:
			pong := event.New(event.TypePong)
			pong.UserID = emitter.UserID()
			emitter.Emit(pong, bridge.PriorityHigh)
		default:
			// Inbound traffic other than keepalives is ignored; the bridge
			// is an outbound event plane.
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func isWebSocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsedOrigin, err := url.Parse(origin)
	if err != nil || strings.TrimSpace(parsedOrigin.Host) == "" {
		return false
	}
	return strings.EqualFold(parsedOrigin.Host, r.Host)
}
