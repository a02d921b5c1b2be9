package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chatstack.local/projects/agent-bridge/internal/breaker"
	"chatstack.local/projects/agent-bridge/internal/bridge"
	"chatstack.local/projects/agent-bridge/internal/event"
)

func testLogger() *log.Logger {
	return log.New(os.Stdout, "", 0)
}

func newTestServer(t *testing.T, maxConns int) (*httptest.Server, *bridge.Factory, *breaker.Manager) {
	t.Helper()
	logger := testLogger()
	pool := bridge.NewConnectionPool(logger, maxConns)
	bridges := bridge.NewFactory(logger, pool)
	breakers := breaker.NewManager(logger)
	srv := NewServer(logger, ":0", bridges, breakers)
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts, bridges, breakers
}

func wsURL(ts *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws?" + query
}

func dialWS(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, query), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var decoded map[string]any
	if err := conn.ReadJSON(&decoded); err != nil {
		t.Fatalf("read: %v", err)
	}
	return decoded
}

func TestHealthz(t *testing.T) {
	ts, _, _ := newTestServer(t, 5)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestBreakersSnapshot(t *testing.T) {
	ts, _, breakers := newTestServer(t, 5)
	b := breakers.GetOrCreate("llm-service", breaker.Config{FailureThreshold: 1})
	b.RecordFailure(time.Millisecond, errors.New("down"))

	resp, err := http.Get(ts.URL + "/v1/breakers")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var states map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&states); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if states["llm-service"] != string(breaker.StateOpen) {
		t.Fatalf("unexpected snapshot: %v", states)
	}
}

func TestWSRequiresIdentity(t *testing.T) {
	ts, _, _ := newTestServer(t, 5)

	resp, err := http.Get(ts.URL + "/v1/ws?user_id=u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without session_id, got %d", resp.StatusCode)
	}
}

func TestWSConnectReceivesGreeting(t *testing.T) {
	ts, bridges, _ := newTestServer(t, 5)
	conn := dialWS(t, ts, "user_id=u1&session_id=s1")

	greeting := readEvent(t, conn)
	if greeting["type"] != string(event.TypeConnectionEstablished) {
		t.Fatalf("expected connection_established, got %v", greeting["type"])
	}
	if greeting["user_id"] != "u1" || greeting["status"] != "connected" {
		t.Fatalf("unexpected greeting: %v", greeting)
	}
	if _, ok := greeting["event_id"]; !ok {
		t.Fatalf("greeting missing event_id: %v", greeting)
	}

	if _, ok := bridges.GetUserEmitter("u1"); !ok {
		t.Fatalf("emitter not registered for connected user")
	}
}

func TestWSPingGetsPong(t *testing.T) {
	ts, _, _ := newTestServer(t, 5)
	conn := dialWS(t, ts, "user_id=u1&session_id=s1")
	_ = readEvent(t, conn) // greeting

	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	pong := readEvent(t, conn)
	if pong["type"] != string(event.TypePong) {
		t.Fatalf("expected pong, got %v", pong["type"])
	}
}

func TestWSEventsReachConnectedClient(t *testing.T) {
	ts, bridges, _ := newTestServer(t, 5)
	conn := dialWS(t, ts, "user_id=u1&session_id=s1")
	_ = readEvent(t, conn) // greeting

	ev := event.New(event.TypeAgentCompleted)
	ev.UserID = "u1"
	ev.AgentName = "researcher"
	if !bridges.BroadcastToUser("u1", ev) {
		t.Fatalf("broadcast failed")
	}

	got := readEvent(t, conn)
	if got["type"] != string(event.TypeAgentCompleted) || got["agent_name"] != "researcher" {
		t.Fatalf("unexpected event: %v", got)
	}
}

func TestWSConnectionLimit(t *testing.T) {
	ts, _, _ := newTestServer(t, 2)

	for i := 0; i < 2; i++ {
		conn := dialWS(t, ts, fmt.Sprintf("user_id=u1&session_id=s%d", i))
		_ = readEvent(t, conn)
	}

	over := dialWS(t, ts, "user_id=u1&session_id=s-over")
	msg := readEvent(t, over)
	if msg["type"] != "error" || msg["error"] != "connection limit exceeded" {
		t.Fatalf("expected limit rejection, got %v", msg)
	}

	// The server closes the rejected connection.
	_ = over.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := over.ReadMessage(); err == nil {
		t.Fatalf("expected closed connection after rejection")
	}

	// A different user still connects fine.
	other := dialWS(t, ts, "user_id=u2&session_id=s1")
	if greeting := readEvent(t, other); greeting["type"] != string(event.TypeConnectionEstablished) {
		t.Fatalf("cap leaked across users: %v", greeting)
	}
}

func TestWSDisconnectDetachesEmitter(t *testing.T) {
	ts, bridges, _ := newTestServer(t, 5)
	conn := dialWS(t, ts, "user_id=u1&session_id=s1")
	_ = readEvent(t, conn)
	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(bridges.Pool().ActiveConnections("u1")) == 0 {
			emitter, ok := bridges.GetUserEmitter("u1")
			if ok && emitter.ConnectionID() == "" {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("connection not detached after client close")
}

func TestWSRejectsCrossOrigin(t *testing.T) {
	ts, _, _ := newTestServer(t, 5)

	header := http.Header{"Origin": []string{"http://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "user_id=u1&session_id=s1"), header)
	if err == nil {
		t.Fatalf("expected cross-origin dial to fail")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}
