package lifecycle

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/example/carpool-ledger/internal/models"
	"github.com/example/carpool-ledger/internal/observability"
)

// LookupFailure is a listed ride id whose details could not be read.
type LookupFailure struct {
	RideID models.RideID `json:"ride_id"`
	Error  string        `json:"error"`
	Err    error         `json:"-"`
}

// ListResult keeps the ledger's order. A failed lookup is reported in
// Failed and never drops the rest of the list.
type ListResult struct {
	Rides  []models.Ride   `json:"rides"`
	Failed []LookupFailure `json:"failed,omitempty"`
}

// ListAvailable returns rides still waiting for a driver.
func (e *Engine) ListAvailable(ctx context.Context) (ListResult, error) {
	ids, err := e.Ledger.AvailableRides(ctx)
	if err != nil {
		return ListResult{}, err
	}
	return e.hydrate(ctx, ids, func(r models.Ride) bool { return r.Status == models.StatusRequested }), nil
}

// ListActive returns the user's rides that are not completed yet, as
// passenger or as driver.
func (e *Engine) ListActive(ctx context.Context, user common.Address) (ListResult, error) {
	ids, err := e.Ledger.UserActiveRides(ctx, user)
	if err != nil {
		return ListResult{}, err
	}
	return e.hydrate(ctx, ids, func(r models.Ride) bool {
		return r.IsParticipant(user) && r.Status != models.StatusCompleted
	}), nil
}

func (e *Engine) ListCompleted(ctx context.Context, user common.Address) (ListResult, error) {
	ids, err := e.Ledger.UserCompletedRides(ctx, user)
	if err != nil {
		return ListResult{}, err
	}
	return e.hydrate(ctx, ids, func(r models.Ride) bool {
		return r.IsParticipant(user) && r.Status == models.StatusCompleted
	}), nil
}

// hydrate reads every id concurrently and assembles the result in input
// order. Rides rejected by keep belong to another view and are dropped.
func (e *Engine) hydrate(ctx context.Context, ids []models.RideID, keep func(models.Ride) bool) ListResult {
	rides := make([]models.Ride, len(ids))
	errs := make([]error, len(ids))

	limit := e.HydrateLimit
	if limit <= 0 {
		limit = defaultHydrateLimit
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			rides[i], errs[i] = e.Ledger.GetRide(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	res := ListResult{Rides: make([]models.Ride, 0, len(ids))}
	seen := make(map[models.RideID]struct{}, len(ids))
	for i, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if errs[i] != nil {
			observability.HydrationFailures.Inc()
			e.logger().Warn("ride lookup failed", "ride_id", id, "error", errs[i])
			res.Failed = append(res.Failed, LookupFailure{RideID: id, Error: errs[i].Error(), Err: errs[i]})
			continue
		}
		if keep(rides[i]) {
			res.Rides = append(res.Rides, rides[i])
		}
	}
	return res
}
