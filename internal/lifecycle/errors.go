package lifecycle

import (
	"fmt"

	"github.com/example/carpool-ledger/internal/models"
)

// RaceLostError reports a transition the ledger rejected, typically because
// another session changed the ride first. Ride is the ledger state read
// back after the rejection; Refreshed is false when that read failed and
// Ride is the state seen before submitting.
type RaceLostError struct {
	Op        string
	Ride      models.Ride
	Refreshed bool
	Err       error
}

func (e *RaceLostError) Error() string {
	return fmt.Sprintf("%s ride %d: %v (now %s)", e.Op, e.Ride.ID, e.Err, e.Ride.Status)
}

func (e *RaceLostError) Unwrap() error { return e.Err }
