package models

import (
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RideID is the identifier the ledger assigns when a ride is requested.
type RideID uint64

func (id RideID) String() string { return strconv.FormatUint(uint64(id), 10) }

// ParseRideID parses a decimal ride identifier as used in URLs.
func ParseRideID(s string) (RideID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return RideID(n), nil
}

// Ride mirrors the ledger's ride record. The ledger owns it; callers must
// not treat a copy as current.
type Ride struct {
	ID             RideID         `json:"ride_id"`
	Passenger      common.Address `json:"passenger"`
	Driver         common.Address `json:"driver"`
	DistanceMeters uint64         `json:"distance_meters"`
	Fare           *big.Int       `json:"fare_wei"`
	Status         Status         `json:"status"`
}

// HasDriver reports whether a driver has been bound to the ride.
func (r Ride) HasDriver() bool { return r.Driver != (common.Address{}) }

// IsParticipant reports whether addr is the ride's passenger or bound driver.
func (r Ride) IsParticipant(addr common.Address) bool {
	if addr == (common.Address{}) {
		return false
	}
	return r.Passenger == addr || (r.HasDriver() && r.Driver == addr)
}

// RouteQuote is derived per request and never persisted.
type RouteQuote struct {
	Pickup         Coord    `json:"pickup"`
	Dropoff        Coord    `json:"dropoff"`
	Path           []Coord  `json:"path"`
	DistanceKm     float64  `json:"distance_km"`
	DistanceMeters uint64   `json:"distance_meters"`
	Fare           *big.Int `json:"fare_wei"`
}

type ChatMessage struct {
	Sender common.Address `json:"sender"`
	Text   string         `json:"text"`
	SentAt time.Time      `json:"sent_at"`
}

type EventType string

const (
	EventRideRequested    EventType = "ride_requested"
	EventRideAccepted     EventType = "ride_accepted"
	EventRideCompleted    EventType = "ride_completed"
	EventRequestPending   EventType = "request_pending"
	EventDecodeFailed     EventType = "event_decode_failed"
	EventAcceptRaceLost   EventType = "accept_race_lost"
	EventCompleteRejected EventType = "complete_rejected"
)

// LifecycleEvent is an off-ledger audit record of something the engine
// observed. It is informational; the ledger stays authoritative.
type LifecycleEvent struct {
	Type           EventType      `json:"type"`
	RideID         RideID         `json:"ride_id"`
	Actor          common.Address `json:"actor"`
	TxHash         common.Hash    `json:"tx_hash"`
	DistanceMeters uint64         `json:"distance_meters,omitempty"`
	FareWei        string         `json:"fare_wei,omitempty"`
	Status         Status         `json:"status"`
	At             time.Time      `json:"at"`
}

// Reconciliation records value that may have moved on the ledger without
// a ride id the client could confirm.
type Reconciliation struct {
	ID             int64          `json:"id"`
	TxHash         common.Hash    `json:"tx_hash"`
	Passenger      common.Address `json:"passenger"`
	FareWei        string         `json:"fare_wei"`
	DistanceMeters uint64         `json:"distance_meters"`
	Reason         string         `json:"reason"`
	Detail         string         `json:"detail"`
	CreatedAt      time.Time      `json:"created_at"`
	Resolved       bool           `json:"resolved"`
}
