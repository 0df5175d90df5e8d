// Package session holds the per-client state of the API: the connected
// ledger account, the logged-in role and the session's chat store.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/example/carpool-ledger/internal/chat"
	"github.com/example/carpool-ledger/internal/models"
)

var (
	ErrNoSession   = errors.New("no such session")
	ErrNotLoggedIn = errors.New("log in first")
	ErrWrongRole   = fmt.Errorf("%w: action not allowed for this role", models.ErrUnauthorized)
)

type Session struct {
	ID        string
	Account   common.Address
	CreatedAt time.Time
	Chat      *chat.Store

	mu   sync.RWMutex
	user *User
}

// Login attaches a registered user to the session.
func (s *Session) Login(u User) {
	s.mu.Lock()
	s.user = &u
	s.mu.Unlock()
}

// Logout clears the role; the account stays connected.
func (s *Session) Logout() {
	s.mu.Lock()
	s.user = nil
	s.mu.Unlock()
}

func (s *Session) User() (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return User{}, false
	}
	return *s.user, true
}

func (s *Session) Role() Role {
	if u, ok := s.User(); ok {
		return u.Role
	}
	return RoleNone
}

// Require fails unless the session is logged in with role.
func (s *Session) Require(role Role) error {
	switch s.Role() {
	case RoleNone:
		return ErrNotLoggedIn
	case role:
		return nil
	}
	return ErrWrongRole
}
