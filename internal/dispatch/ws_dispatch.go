package dispatch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/carpool-ledger/internal/models"
	"github.com/example/carpool-ledger/internal/observability"
)

// Notice tells a board that a ride changed. Clients re-read the ride from
// the API; the notice itself is not authoritative.
type Notice struct {
	RideID models.RideID `json:"ride_id"`
	Status models.Status `json:"status"`
	At     time.Time     `json:"at"`
}

// wsConn is the part of *websocket.Conn the board writes to.
type wsConn interface {
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type boardConn struct {
	conn wsConn
	mu   sync.Mutex
}

func (c *boardConn) send(n Notice, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteJSON(n)
}

// Board keeps one websocket per session and fans ride notices out to all.
type Board struct {
	logger       *slog.Logger
	writeTimeout time.Duration

	mu    sync.RWMutex
	conns map[string]*boardConn
}

func NewBoard(logger *slog.Logger) *Board {
	return &Board{logger: logger, writeTimeout: 2 * time.Second, conns: make(map[string]*boardConn)}
}

// Add registers conn for sessionID, closing any earlier connection of the
// same session.
func (b *Board) Add(sessionID string, conn *websocket.Conn) {
	b.add(sessionID, conn)
}

func (b *Board) add(sessionID string, conn wsConn) {
	b.mu.Lock()
	old := b.conns[sessionID]
	b.conns[sessionID] = &boardConn{conn: conn}
	n := len(b.conns)
	b.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
	observability.BoardSubscribers.Set(float64(n))
}

// Remove closes and forgets the session's connection.
func (b *Board) Remove(sessionID string) {
	b.mu.Lock()
	c, ok := b.conns[sessionID]
	delete(b.conns, sessionID)
	n := len(b.conns)
	b.mu.Unlock()
	if ok {
		_ = c.conn.Close()
	}
	observability.BoardSubscribers.Set(float64(n))
}

// Drop forgets conn once its reader has stopped, unless a newer connection
// replaced it.
func (b *Board) Drop(sessionID string, conn *websocket.Conn) {
	b.drop(sessionID, conn)
}

func (b *Board) drop(sessionID string, conn wsConn) {
	b.mu.Lock()
	if c, ok := b.conns[sessionID]; ok && c.conn == conn {
		delete(b.conns, sessionID)
	}
	n := len(b.conns)
	b.mu.Unlock()
	_ = conn.Close()
	observability.BoardSubscribers.Set(float64(n))
}

// RideChanged broadcasts a notice. Connections that fail to accept it are
// dropped.
func (b *Board) RideChanged(id models.RideID, status models.Status) {
	n := Notice{RideID: id, Status: status, At: time.Now().UTC()}
	b.mu.RLock()
	targets := make(map[string]*boardConn, len(b.conns))
	for sid, c := range b.conns {
		targets[sid] = c
	}
	b.mu.RUnlock()

	for sid, c := range targets {
		if err := c.send(n, b.writeTimeout); err != nil {
			b.logger.Warn("board send failed", "session_id", sid, "error", err)
			b.mu.Lock()
			if b.conns[sid] == c {
				delete(b.conns, sid)
			}
			b.mu.Unlock()
			_ = c.conn.Close()
		}
	}
}

// Connected reports whether sessionID has a live board connection.
func (b *Board) Connected(sessionID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.conns[sessionID]
	return ok
}
