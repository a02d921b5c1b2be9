package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"chatstack.local/projects/agent-bridge/internal/event"
	"chatstack.local/projects/agent-bridge/internal/ids"
)

const DefaultMaxConnectionsPerUser = 5

// ErrConnectionLimit is the classification for per-user cap rejections,
// distinct from transport failures.
var ErrConnectionLimit = errors.New("connection limit exceeded")

// ConnectionLimitError reports a rejected add for a user at the cap.
type ConnectionLimitError struct {
	UserID string
	Limit  int
}

func (e *ConnectionLimitError) Error() string {
	return fmt.Sprintf("connection limit exceeded for user %s (max %d)", e.UserID, e.Limit)
}

func (e *ConnectionLimitError) Unwrap() error { return ErrConnectionLimit }

// Socket is the transport handle owned by the pool. *websocket.Conn
// satisfies it; tests substitute fakes.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type poolEntry struct {
	connectionID string
	socket       Socket

	// Serializes writes per socket; gorilla conns allow one concurrent writer.
	writeMu sync.Mutex
}

func (p *poolEntry) send(payload []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.socket.WriteMessage(websocket.TextMessage, payload)
}

// ConnectionPool owns the live socket handles, keyed per user, and enforces
// the per-user connection cap. Locking is per user so traffic for one user
// never contends with another's.
type ConnectionPool struct {
	logger  *log.Logger
	maxConn int

	mu    sync.Mutex
	users map[string]*userConnections
}

type userConnections struct {
	mu      sync.Mutex
	entries []*poolEntry
}

func NewConnectionPool(logger *log.Logger, maxConnectionsPerUser int) *ConnectionPool {
	if maxConnectionsPerUser <= 0 {
		maxConnectionsPerUser = DefaultMaxConnectionsPerUser
	}
	return &ConnectionPool{
		logger:  logger,
		maxConn: maxConnectionsPerUser,
		users:   make(map[string]*userConnections),
	}
}

func (p *ConnectionPool) userFor(userID string) *userConnections {
	p.mu.Lock()
	defer p.mu.Unlock()
	if uc, ok := p.users[userID]; ok {
		return uc
	}
	uc := &userConnections{}
	p.users[userID] = uc
	return uc
}

// AddConnection registers a live socket for the user and returns its fresh
// connection id. Users at the cap get a ConnectionLimitError.
func (p *ConnectionPool) AddConnection(userID string, socket Socket) (string, error) {
	if socket == nil {
		return "", errors.New("socket is nil")
	}

	uc := p.userFor(userID)
	uc.mu.Lock()
	defer uc.mu.Unlock()

	if len(uc.entries) >= p.maxConn {
		return "", &ConnectionLimitError{UserID: userID, Limit: p.maxConn}
	}

	entry := &poolEntry{
		connectionID: ids.NewPrefixed("conn"),
		socket:       socket,
	}
	uc.entries = append(uc.entries, entry)
	p.logger.Printf("connection added user_id=%s connection_id=%s total=%d", userID, entry.connectionID, len(uc.entries))
	return entry.connectionID, nil
}

// RemoveConnection closes and drops one connection. Returns false when the
// id is not registered for the user.
func (p *ConnectionPool) RemoveConnection(userID, connectionID string) bool {
	uc := p.userFor(userID)
	uc.mu.Lock()
	defer uc.mu.Unlock()

	for i, entry := range uc.entries {
		if entry.connectionID != connectionID {
			continue
		}
		_ = entry.socket.Close()
		uc.entries = append(uc.entries[:i], uc.entries[i+1:]...)
		p.logger.Printf("connection removed user_id=%s connection_id=%s", userID, connectionID)
		return true
	}
	return false
}

// BroadcastToUser serializes the event and sends it to every live
// connection of the user. A dead socket does not abort delivery to the
// rest; it is dropped from the pool. Returns the delivered count.
func (p *ConnectionPool) BroadcastToUser(userID string, e event.Event) int {
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Printf("event marshal failed user_id=%s event_id=%s err=%v", userID, e.EventID, err)
		return 0
	}

	uc := p.userFor(userID)
	uc.mu.Lock()
	entries := make([]*poolEntry, len(uc.entries))
	copy(entries, uc.entries)
	uc.mu.Unlock()

	delivered := 0
	var dead []string
	for _, entry := range entries {
		if err := entry.send(payload); err != nil {
			p.logger.Printf("send failed user_id=%s connection_id=%s event_id=%s err=%v", userID, entry.connectionID, e.EventID, err)
			dead = append(dead, entry.connectionID)
			continue
		}
		delivered++
	}

	for _, connectionID := range dead {
		p.RemoveConnection(userID, connectionID)
	}
	return delivered
}

// CleanupUserConnections closes and removes every connection of the user.
// Returns the number closed.
func (p *ConnectionPool) CleanupUserConnections(userID string) int {
	uc := p.userFor(userID)
	uc.mu.Lock()
	defer uc.mu.Unlock()

	closed := len(uc.entries)
	for _, entry := range uc.entries {
		_ = entry.socket.Close()
	}
	uc.entries = nil
	if closed > 0 {
		p.logger.Printf("connections cleaned user_id=%s closed=%d", userID, closed)
	}
	return closed
}

// ActiveConnections returns the connection ids currently registered for the
// user.
func (p *ConnectionPool) ActiveConnections(userID string) []string {
	uc := p.userFor(userID)
	uc.mu.Lock()
	defer uc.mu.Unlock()

	out := make([]string, 0, len(uc.entries))
	for _, entry := range uc.entries {
		out = append(out, entry.connectionID)
	}
	return out
}
