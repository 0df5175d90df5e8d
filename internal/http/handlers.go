package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/example/carpool-ledger/internal/models"
	"github.com/example/carpool-ledger/internal/observability"
	"github.com/example/carpool-ledger/internal/session"
)

const sessionHeader = "X-Session-ID"

func (s *Server) session(r *http.Request) (*session.Session, error) {
	id := strings.TrimSpace(r.Header.Get(sessionHeader))
	if id == "" {
		return nil, session.ErrNoSession
	}
	return s.sessions.Get(id)
}

// requireRole resolves the session and checks it is logged in as role.
func (s *Server) requireRole(r *http.Request, role session.Role) (*session.Session, error) {
	sess, err := s.session(r)
	if err != nil {
		return nil, err
	}
	if err := sess.Require(role); err != nil {
		return nil, err
	}
	return sess, nil
}

// requireLogin accepts either role.
func (s *Server) requireLogin(r *http.Request) (*session.Session, error) {
	sess, err := s.session(r)
	if err != nil {
		return nil, err
	}
	if sess.Role() == session.RoleNone {
		return nil, session.ErrNotLoggedIn
	}
	return sess, nil
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.accounts.Accounts(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]string, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, a.Hex())
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

type connectRequest struct {
	Account string `json:"account"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	account, err := session.ParseAccount(req.Account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.sessions.Connect(r.Context(), account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": sess.ID,
		"account":    sess.Account.Hex(),
		"created_at": sess.CreatedAt,
	})
}

// handleDisconnect only lets a session close itself.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sess.ID != id {
		s.writeError(w, r, fmt.Errorf("%w: cannot close another session", models.ErrUnauthorized))
		return
	}
	if err := s.sessions.Disconnect(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.board != nil {
		s.board.Remove(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

type sessionView struct {
	SessionID      string        `json:"session_id"`
	Account        string        `json:"account"`
	BalanceWei     string        `json:"balance_wei"`
	Balance        string        `json:"balance"`
	User           *session.User `json:"user,omitempty"`
	Role           session.Role  `json:"role,omitempty"`
	BoardConnected bool          `json:"board_connected"`
}

func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	balance, err := s.accounts.Balance(r.Context(), sess.Account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	v := sessionView{
		SessionID:  sess.ID,
		Account:    sess.Account.Hex(),
		BalanceWei: weiString(balance),
		Balance:    s.fare.Format(balance),
		Role:       sess.Role(),
	}
	if u, ok := sess.User(); ok {
		v.User = &u
	}
	if s.board != nil {
		v.BoardConnected = s.board.Connected(sess.ID)
	}
	writeJSON(w, http.StatusOK, v)
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// handleRegister binds the new user to the session's connected account.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	role, err := session.ParseRole(req.Role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.users.Register(r.Context(), session.Registration{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Role:     role,
		Wallet:   sess.Account,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("user registered", "email", u.Email, "role", u.Role, "wallet", u.Wallet.Hex())
	writeJSON(w, http.StatusCreated, u)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.users.Login(r.Context(), req.Email, req.Password, sess.Account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess.Login(u)
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess.Logout()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListReconciliations(w http.ResponseWriter, r *http.Request) {
	recs, err := s.journal.OpenReconciliations(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []models.Reconciliation{}
	}
	observability.OpenReconciliations.Set(float64(len(recs)))
	writeJSON(w, http.StatusOK, map[string]any{"reconciliations": recs})
}

func (s *Server) handleResolveReconciliation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: reconciliation id must be an integer", models.ErrInvalidInput))
		return
	}
	if err := s.journal.ResolveReconciliation(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	observability.OpenReconciliations.Dec()
	s.logger.Info("reconciliation resolved", "reconciliation_id", id)
	w.WriteHeader(http.StatusNoContent)
}
