package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/example/carpool-ledger/internal/models"
)

// ErrUnknownReconciliation is returned when resolving an id that is not an
// open reconciliation.
var ErrUnknownReconciliation = errors.New("storage: unknown reconciliation")

// Journal is the off-ledger audit trail. Nothing here is authoritative for
// ride state; it records what the API observed and what needs an operator.
type Journal interface {
	AppendEvent(ctx context.Context, ev models.LifecycleEvent) error
	SaveReconciliation(ctx context.Context, r models.Reconciliation) error
	OpenReconciliations(ctx context.Context) ([]models.Reconciliation, error)
	ResolveReconciliation(ctx context.Context, id int64) error
}

type MemoryStore struct {
	mu     sync.RWMutex
	events []models.LifecycleEvent
	seen   map[eventKey]struct{}
	recs   []models.Reconciliation
	nextID int64
}

type eventKey struct {
	tx  common.Hash
	typ models.EventType
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[eventKey]struct{})}
}

func (m *MemoryStore) AppendEvent(_ context.Context, ev models.LifecycleEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.TxHash != (common.Hash{}) {
		k := eventKey{tx: ev.TxHash, typ: ev.Type}
		if _, dup := m.seen[k]; dup {
			return nil
		}
		m.seen[k] = struct{}{}
	}
	m.events = append(m.events, ev)
	return nil
}

// Events returns the journaled events for one ride in append order.
func (m *MemoryStore) Events(id models.RideID) []models.LifecycleEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.LifecycleEvent
	for _, ev := range m.events {
		if ev.RideID == id {
			out = append(out, ev)
		}
	}
	return out
}

func (m *MemoryStore) SaveReconciliation(_ context.Context, r models.Reconciliation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.TxHash != (common.Hash{}) {
		for _, existing := range m.recs {
			if existing.TxHash == r.TxHash {
				return nil
			}
		}
	}
	m.nextID++
	r.ID = m.nextID
	m.recs = append(m.recs, r)
	return nil
}

func (m *MemoryStore) OpenReconciliations(_ context.Context) ([]models.Reconciliation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Reconciliation
	for _, r := range m.recs {
		if !r.Resolved {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ResolveReconciliation(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.recs {
		if m.recs[i].ID == id && !m.recs[i].Resolved {
			m.recs[i].Resolved = true
			return nil
		}
	}
	return ErrUnknownReconciliation
}
