// Package chat keeps ride-scoped messages for one session.
//
// Messages live in memory and go away with the session that wrote them;
// two sessions do not see each other's messages. Participation is checked
// against the ledger on every access, so a driver bound after the first
// message can read the history kept in that session.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"

	"github.com/example/carpool-ledger/internal/models"
)

var ErrEmptyMessage = errors.New("chat: empty message")

const MaxMessageLen = 2000

// RideReader resolves the current ledger state of a ride.
type RideReader interface {
	GetRide(ctx context.Context, id models.RideID) (models.Ride, error)
}

type Store struct {
	rides RideReader
	now   func() time.Time

	mu   sync.Mutex
	msgs map[models.RideID][]models.ChatMessage
}

func NewStore(rides RideReader) *Store {
	return &Store{rides: rides, now: time.Now, msgs: make(map[models.RideID][]models.ChatMessage)}
}

func (s *Store) authorize(ctx context.Context, id models.RideID, who common.Address) error {
	ride, err := s.rides.GetRide(ctx, id)
	if err != nil {
		return err
	}
	if !ride.IsParticipant(who) {
		return fmt.Errorf("ride %d: %w", id, models.ErrUnauthorized)
	}
	return nil
}

// Send appends a message from sender, who must be the ride's passenger or
// bound driver.
func (s *Store) Send(ctx context.Context, id models.RideID, sender common.Address, text string) (models.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.ChatMessage{}, ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageLen {
		return models.ChatMessage{}, fmt.Errorf("%w: message longer than %d characters", models.ErrInvalidInput, MaxMessageLen)
	}
	if err := s.authorize(ctx, id, sender); err != nil {
		return models.ChatMessage{}, err
	}
	msg := models.ChatMessage{Sender: sender, Text: text, SentAt: s.now().UTC()}
	s.mu.Lock()
	s.msgs[id] = append(s.msgs[id], msg)
	s.mu.Unlock()
	return msg, nil
}

// Read returns the ride's messages in send order.
func (s *Store) Read(ctx context.Context, id models.RideID, viewer common.Address) ([]models.ChatMessage, error) {
	if err := s.authorize(ctx, id, viewer); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ChatMessage, len(s.msgs[id]))
	copy(out, s.msgs[id])
	return out, nil
}
