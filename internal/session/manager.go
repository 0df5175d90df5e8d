package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/example/carpool-ledger/internal/chat"
	"github.com/example/carpool-ledger/internal/models"
	"github.com/example/carpool-ledger/internal/observability"
)

// Keyring lists the accounts the ledger node can sign for.
type Keyring interface {
	Accounts(ctx context.Context) ([]common.Address, error)
}

type Manager struct {
	keyring Keyring
	rides   chat.RideReader
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(keyring Keyring, rides chat.RideReader, logger *slog.Logger) *Manager {
	return &Manager{keyring: keyring, rides: rides, logger: logger, now: time.Now, sessions: make(map[string]*Session)}
}

// ParseAccount accepts a hex address. Mixed-case input must carry a valid
// EIP-55 checksum.
func ParseAccount(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q is not an account address", models.ErrInvalidInput, s)
	}
	addr := common.HexToAddress(s)
	hex := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if hex != strings.ToLower(hex) && hex != strings.ToUpper(hex) && "0x"+hex != addr.Hex() {
		return common.Address{}, fmt.Errorf("%w: bad checksum for %s", models.ErrInvalidInput, s)
	}
	return addr, nil
}

// Connect opens a session for an account the node manages.
func (m *Manager) Connect(ctx context.Context, account common.Address) (*Session, error) {
	accounts, err := m.keyring.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	known := false
	for _, a := range accounts {
		if a == account {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: %s is not managed by the ledger node", models.ErrInvalidInput, account.Hex())
	}

	s := &Session{
		ID:        uuid.NewString(),
		Account:   account,
		CreatedAt: m.now().UTC(),
		Chat:      chat.NewStore(m.rides),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	n := len(m.sessions)
	m.mu.Unlock()
	observability.SessionsActive.Set(float64(n))
	m.logger.Info("session connected", "session_id", s.ID, "account", account.Hex())
	return s, nil
}

// Disconnect destroys the session and its chat history.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	n := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	observability.SessionsActive.Set(float64(n))
	m.logger.Info("session disconnected", "session_id", id)
	return nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNoSession
	}
	return s, nil
}
