package models

import "errors"

// Error classes shared by the adapters, the ledger client and the engine.
// Concrete errors wrap one of these so callers can branch with errors.Is.
var (
	// ErrConnectivity: ledger node or HTTP provider unreachable. Retryable by the user.
	ErrConnectivity = errors.New("connectivity error")
	// ErrPrecondition: the ledger guard (or the client-side mirror of it) rejected the transition.
	ErrPrecondition = errors.New("ride no longer available for this action")
	// ErrEventDecode: the call succeeded but its result could not be interpreted.
	ErrEventDecode = errors.New("ledger result could not be decoded")
	// ErrNotFound: stale ride id or unresolved place name.
	ErrNotFound = errors.New("not found")
	// ErrProviderUnavailable: routing or geocoding outage.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrStillPending: the transaction was submitted but no receipt arrived in time.
	ErrStillPending = errors.New("transaction still pending")

	ErrInsufficientBalance = errors.New("insufficient balance for fare")
	ErrUnauthorized        = errors.New("not a participant of this ride")
	ErrInvalidInput        = errors.New("invalid input")
)
