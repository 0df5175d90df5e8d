package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/example/carpool-ledger/internal/session"
)

// handleBoard upgrades to a websocket that receives ride notices. Browsers
// cannot set headers on the handshake, so the session id may also come as
// the session_id query parameter.
func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.Header.Get(sessionHeader))
	if id == "" {
		id = strings.TrimSpace(r.URL.Query().Get("session_id"))
	}
	if id == "" {
		s.writeError(w, r, session.ErrNoSession)
		return
	}
	if _, err := s.sessions.Get(id); err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("board upgrade failed", "session_id", id, "error", err)
		return
	}
	s.board.Add(id, conn)
	go s.readBoard(id, conn)
}

// readBoard drains client frames so control frames are processed, and
// unregisters the connection when the peer goes away.
func (s *Server) readBoard(id string, conn *websocket.Conn) {
	defer s.board.Drop(id, conn)
	conn.SetReadLimit(512)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Info("board connection closed", "session_id", id, "error", err)
			}
			return
		}
	}
}
