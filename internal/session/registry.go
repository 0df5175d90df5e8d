package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/example/carpool-ledger/internal/models"
)

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrWalletMismatch     = errors.New("account is bound to a different wallet")
)

type Role string

const (
	RoleNone      Role = ""
	RolePassenger Role = "passenger"
	RoleDriver    Role = "driver"
)

func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RolePassenger:
		return RolePassenger, nil
	case RoleDriver:
		return RoleDriver, nil
	}
	return RoleNone, fmt.Errorf("%w: role must be passenger or driver", models.ErrInvalidInput)
}

// User is a registered identity. Wallet is the account it was registered
// from; login is only allowed from that account.
type User struct {
	Name   string         `json:"name"`
	Email  string         `json:"email"`
	Role   Role           `json:"role"`
	Wallet common.Address `json:"wallet"`

	passwordHash string
}

type Registration struct {
	Name     string
	Email    string
	Password string
	Role     Role
	Wallet   common.Address
}

// Registry holds users for the life of the process. It is not persisted.
type Registry struct {
	params HashParams

	mu    sync.RWMutex
	users map[string]User
}

func NewRegistry(params HashParams) *Registry {
	return &Registry{params: params, users: make(map[string]User)}
}

func validEmail(email string) bool {
	at := strings.Index(email, "@")
	if at <= 0 || at != strings.LastIndex(email, "@") {
		return false
	}
	domain := email[at+1:]
	dot := strings.Index(domain, ".")
	return dot > 0 && dot < len(domain)-1
}

func (r *Registry) Register(_ context.Context, reg Registration) (User, error) {
	name := strings.TrimSpace(reg.Name)
	email := strings.ToLower(strings.TrimSpace(reg.Email))
	if name == "" || email == "" || reg.Password == "" {
		return User{}, fmt.Errorf("%w: name, email and password are required", models.ErrInvalidInput)
	}
	if !validEmail(email) {
		return User{}, fmt.Errorf("%w: invalid email address", models.ErrInvalidInput)
	}
	if reg.Role != RolePassenger && reg.Role != RoleDriver {
		return User{}, fmt.Errorf("%w: role must be passenger or driver", models.ErrInvalidInput)
	}
	if reg.Wallet == (common.Address{}) {
		return User{}, fmt.Errorf("%w: connect an account before registering", models.ErrInvalidInput)
	}

	r.mu.RLock()
	_, taken := r.users[email]
	r.mu.RUnlock()
	if taken {
		return User{}, ErrEmailTaken
	}
	hash, err := hashPassword(reg.Password, r.params)
	if err != nil {
		return User{}, err
	}
	u := User{Name: name, Email: email, Role: reg.Role, Wallet: reg.Wallet, passwordHash: hash}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.users[email]; taken {
		return User{}, ErrEmailTaken
	}
	r.users[email] = u
	return u, nil
}

// Login checks the password and that wallet is the registering account.
func (r *Registry) Login(_ context.Context, email, password string, wallet common.Address) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return User{}, fmt.Errorf("%w: email and password are required", models.ErrInvalidInput)
	}
	r.mu.RLock()
	u, ok := r.users[email]
	r.mu.RUnlock()
	if !ok {
		return User{}, ErrInvalidCredentials
	}
	match, err := verifyPassword(password, u.passwordHash)
	if err != nil {
		return User{}, err
	}
	if !match {
		return User{}, ErrInvalidCredentials
	}
	if u.Wallet != wallet {
		return User{}, ErrWalletMismatch
	}
	return u, nil
}
