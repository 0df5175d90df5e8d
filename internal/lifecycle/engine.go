// Package lifecycle drives rides through Requested → Accepted → Completed.
//
// The ledger is the only source of ride state. The engine re-reads a ride
// before every mutating call and mirrors the contract's guards so obvious
// rejections fail fast, but it never holds a local lock around a ledger
// call: two sessions may race and the contract decides. A submitted
// transaction cannot be withdrawn, so context cancellation only prevents
// submission.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/example/carpool-ledger/internal/fare"
	"github.com/example/carpool-ledger/internal/geo"
	"github.com/example/carpool-ledger/internal/ingest"
	"github.com/example/carpool-ledger/internal/ledger"
	"github.com/example/carpool-ledger/internal/models"
	"github.com/example/carpool-ledger/internal/observability"
	"github.com/example/carpool-ledger/internal/routing"
	"github.com/example/carpool-ledger/internal/storage"
)

// Ledger is the contract surface the engine drives. *ledger.Client
// implements it.
type Ledger interface {
	RequestRide(ctx context.Context, from common.Address, distanceMeters uint64, value *big.Int) (models.RideID, ledger.Receipt, error)
	AcceptRide(ctx context.Context, id models.RideID, caller common.Address) (ledger.Receipt, error)
	CompleteRide(ctx context.Context, id models.RideID, caller common.Address) (ledger.Receipt, error)
	GetRide(ctx context.Context, id models.RideID) (models.Ride, error)
	AvailableRides(ctx context.Context) ([]models.RideID, error)
	UserActiveRides(ctx context.Context, user common.Address) ([]models.RideID, error)
	UserCompletedRides(ctx context.Context, user common.Address) ([]models.RideID, error)
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
}

// Notifier is told about confirmed transitions so ride boards can refresh.
type Notifier interface {
	RideChanged(id models.RideID, status models.Status)
}

const defaultHydrateLimit = 8

// Engine wires the ledger to the request-time providers. Events, Board and
// Journal are optional.
type Engine struct {
	Ledger   Ledger
	Geocoder geo.Geocoder
	Router   routing.Router
	Fare     *fare.Calculator
	Events   ingest.Publisher
	Board    Notifier
	Journal  storage.Journal
	Logger   *slog.Logger

	// HydrateLimit bounds concurrent getRide calls when building a list.
	HydrateLimit int

	now func() time.Time
}

type RequestResult struct {
	RideID  models.RideID     `json:"ride_id"`
	Quote   models.RouteQuote `json:"quote"`
	Receipt ledger.Receipt    `json:"receipt"`
}

type TransitionResult struct {
	RideID  models.RideID  `json:"ride_id"`
	Status  models.Status  `json:"status"`
	Receipt ledger.Receipt `json:"receipt"`
}

func (e *Engine) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now().UTC()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Quote resolves both places, routes between them and prices the ride.
// Every call hits the providers; quotes are not reused.
func (e *Engine) Quote(ctx context.Context, pickup, dropoff string) (models.RouteQuote, error) {
	if strings.TrimSpace(pickup) == "" || strings.TrimSpace(dropoff) == "" {
		return models.RouteQuote{}, fmt.Errorf("%w: pickup and dropoff are required", models.ErrInvalidInput)
	}

	var from, to models.Coord
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := e.Geocoder.Resolve(gctx, pickup)
		if err != nil {
			return fmt.Errorf("pickup %q: %w", pickup, err)
		}
		from = c
		return nil
	})
	g.Go(func() error {
		c, err := e.Geocoder.Resolve(gctx, dropoff)
		if err != nil {
			return fmt.Errorf("dropoff %q: %w", dropoff, err)
		}
		to = c
		return nil
	})
	if err := g.Wait(); err != nil {
		observability.ProviderCalls.WithLabelValues("geocoder", observability.Outcome(err)).Inc()
		return models.RouteQuote{}, err
	}
	observability.ProviderCalls.WithLabelValues("geocoder", "ok").Inc()

	route, err := e.Router.Route(ctx, from, to)
	observability.ProviderCalls.WithLabelValues("router", observability.Outcome(err)).Inc()
	if err != nil {
		return models.RouteQuote{}, err
	}

	meters := fare.MetersFromKm(route.DistanceKm)
	if meters == 0 {
		return models.RouteQuote{}, fmt.Errorf("%w: pickup and dropoff are the same place", models.ErrInvalidInput)
	}
	amount, err := e.Fare.Compute(route.DistanceKm)
	if err != nil {
		return models.RouteQuote{}, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	return models.RouteQuote{
		Pickup:         from,
		Dropoff:        to,
		Path:           route.Path,
		DistanceKm:     route.DistanceKm,
		DistanceMeters: meters,
		Fare:           amount,
	}, nil
}

// RequestRide prices the trip afresh and escrows the fare on the ledger.
//
// If the transaction went through but its ride id could not be read from
// the receipt, or no receipt arrived in time, value may have moved without
// a ride the client can show. Those outcomes are journaled for
// reconciliation and returned as errors.
func (e *Engine) RequestRide(ctx context.Context, passenger common.Address, pickup, dropoff string) (res RequestResult, err error) {
	defer func() { observability.RideTransitions.WithLabelValues("request", observability.Outcome(err)).Inc() }()

	if passenger == (common.Address{}) {
		return RequestResult{}, fmt.Errorf("%w: no account", models.ErrInvalidInput)
	}
	quote, err := e.Quote(ctx, pickup, dropoff)
	if err != nil {
		return RequestResult{}, err
	}
	balance, err := e.Ledger.Balance(ctx, passenger)
	if err != nil {
		return RequestResult{}, err
	}
	if balance.Cmp(quote.Fare) < 0 {
		return RequestResult{}, fmt.Errorf("%w: balance %s below fare %s", models.ErrInsufficientBalance,
			e.Fare.Format(balance), e.Fare.Format(quote.Fare))
	}
	if err := ctx.Err(); err != nil {
		return RequestResult{}, err
	}

	id, receipt, err := e.Ledger.RequestRide(ctx, passenger, quote.DistanceMeters, quote.Fare)
	if err != nil {
		if errors.Is(err, models.ErrEventDecode) || errors.Is(err, models.ErrStillPending) {
			e.reconcile(ctx, passenger, quote, err)
		}
		return RequestResult{}, err
	}

	e.logger().Info("ride requested", "ride_id", id, "passenger", passenger.Hex(),
		"distance_m", quote.DistanceMeters, "fare_wei", quote.Fare.String(), "tx", receipt.TxHash.Hex())
	e.emit(ctx, models.LifecycleEvent{
		Type:           models.EventRideRequested,
		RideID:         id,
		Actor:          passenger,
		TxHash:         receipt.TxHash,
		DistanceMeters: quote.DistanceMeters,
		FareWei:        quote.Fare.String(),
		Status:         models.StatusRequested,
	})
	return RequestResult{RideID: id, Quote: quote, Receipt: receipt}, nil
}

func (e *Engine) reconcile(ctx context.Context, passenger common.Address, quote models.RouteQuote, cause error) {
	tx, _ := ledger.TxHash(cause)
	reason, evType := "receipt_pending", models.EventRequestPending
	if errors.Is(cause, models.ErrEventDecode) {
		reason, evType = "event_decode_failed", models.EventDecodeFailed
	}
	e.logger().Error("ride request needs reconciliation", "reason", reason, "tx", tx.Hex(),
		"passenger", passenger.Hex(), "fare_wei", quote.Fare.String(), "error", cause)

	rec := models.Reconciliation{
		TxHash:         tx,
		Passenger:      passenger,
		FareWei:        quote.Fare.String(),
		DistanceMeters: quote.DistanceMeters,
		Reason:         reason,
		Detail:         cause.Error(),
		CreatedAt:      e.clock(),
	}
	if e.Journal != nil {
		if err := e.Journal.SaveReconciliation(context.WithoutCancel(ctx), rec); err != nil {
			e.logger().Error("save reconciliation failed", "tx", tx.Hex(), "error", err)
		} else {
			observability.OpenReconciliations.Inc()
		}
	}
	e.publish(ctx, models.LifecycleEvent{
		Type:           evType,
		Actor:          passenger,
		TxHash:         tx,
		DistanceMeters: quote.DistanceMeters,
		FareWei:        quote.Fare.String(),
		Status:         models.StatusRequested,
	})
}

// AcceptRide binds driver to a Requested ride.
func (e *Engine) AcceptRide(ctx context.Context, driver common.Address, id models.RideID) (res TransitionResult, err error) {
	defer func() { observability.RideTransitions.WithLabelValues("accept", observability.Outcome(err)).Inc() }()

	ride, err := e.Ledger.GetRide(ctx, id)
	if err != nil {
		return TransitionResult{}, err
	}
	if !models.CanTransition(ride.Status, models.StatusAccepted) {
		return TransitionResult{}, fmt.Errorf("accept ride %d: %w (status %s)", id, models.ErrPrecondition, ride.Status)
	}
	if ride.Passenger == driver {
		return TransitionResult{}, fmt.Errorf("accept ride %d: %w (passenger cannot drive own ride)", id, models.ErrPrecondition)
	}
	if err := ctx.Err(); err != nil {
		return TransitionResult{}, err
	}

	receipt, err := e.Ledger.AcceptRide(ctx, id, driver)
	if err != nil {
		return TransitionResult{}, e.rejected(ctx, "accept", models.EventAcceptRaceLost, ride, driver, err)
	}
	e.logger().Info("ride accepted", "ride_id", id, "driver", driver.Hex(), "tx", receipt.TxHash.Hex())
	e.emit(ctx, models.LifecycleEvent{
		Type:           models.EventRideAccepted,
		RideID:         id,
		Actor:          driver,
		TxHash:         receipt.TxHash,
		DistanceMeters: ride.DistanceMeters,
		FareWei:        ride.Fare.String(),
		Status:         models.StatusAccepted,
	})
	return TransitionResult{RideID: id, Status: models.StatusAccepted, Receipt: receipt}, nil
}

// CompleteRide releases the escrowed fare to the bound driver.
func (e *Engine) CompleteRide(ctx context.Context, driver common.Address, id models.RideID) (res TransitionResult, err error) {
	defer func() { observability.RideTransitions.WithLabelValues("complete", observability.Outcome(err)).Inc() }()

	ride, err := e.Ledger.GetRide(ctx, id)
	if err != nil {
		return TransitionResult{}, err
	}
	if !models.CanTransition(ride.Status, models.StatusCompleted) {
		return TransitionResult{}, fmt.Errorf("complete ride %d: %w (status %s)", id, models.ErrPrecondition, ride.Status)
	}
	if ride.Driver != driver {
		return TransitionResult{}, fmt.Errorf("complete ride %d: %w (caller is not the bound driver)", id, models.ErrPrecondition)
	}
	if err := ctx.Err(); err != nil {
		return TransitionResult{}, err
	}

	receipt, err := e.Ledger.CompleteRide(ctx, id, driver)
	if err != nil {
		return TransitionResult{}, e.rejected(ctx, "complete", models.EventCompleteRejected, ride, driver, err)
	}
	e.logger().Info("ride completed", "ride_id", id, "driver", driver.Hex(), "fare_wei", ride.Fare.String(), "tx", receipt.TxHash.Hex())
	e.emit(ctx, models.LifecycleEvent{
		Type:           models.EventRideCompleted,
		RideID:         id,
		Actor:          driver,
		TxHash:         receipt.TxHash,
		DistanceMeters: ride.DistanceMeters,
		FareWei:        ride.Fare.String(),
		Status:         models.StatusCompleted,
	})
	return TransitionResult{RideID: id, Status: models.StatusCompleted, Receipt: receipt}, nil
}

// rejected turns a ledger guard rejection into a *RaceLostError carrying
// the ride as it is now. Other errors pass through.
func (e *Engine) rejected(ctx context.Context, op string, evType models.EventType, before models.Ride, caller common.Address, err error) error {
	if !errors.Is(err, models.ErrPrecondition) {
		if errors.Is(err, models.ErrStillPending) {
			tx, _ := ledger.TxHash(err)
			e.logger().Warn("transition still pending", "op", op, "ride_id", before.ID, "tx", tx.Hex())
		}
		return err
	}
	lost := &RaceLostError{Op: op, Ride: before, Err: err}
	current, ferr := e.Ledger.GetRide(context.WithoutCancel(ctx), before.ID)
	if ferr == nil {
		lost.Ride = current
		lost.Refreshed = true
	} else {
		e.logger().Warn("re-read after rejection failed", "op", op, "ride_id", before.ID, "error", ferr)
	}
	tx, _ := ledger.TxHash(err)
	e.logger().Info("transition rejected by ledger", "op", op, "ride_id", before.ID,
		"caller", caller.Hex(), "status_now", lost.Ride.Status.String(), "driver_now", lost.Ride.Driver.Hex())
	e.publish(ctx, models.LifecycleEvent{
		Type:   evType,
		RideID: before.ID,
		Actor:  caller,
		TxHash: tx,
		Status: lost.Ride.Status,
	})
	if lost.Refreshed && e.Board != nil {
		e.Board.RideChanged(before.ID, lost.Ride.Status)
	}
	return lost
}

// GetRide reads the current ledger state of one ride.
func (e *Engine) GetRide(ctx context.Context, id models.RideID) (models.Ride, error) {
	return e.Ledger.GetRide(ctx, id)
}

// emit records a confirmed transition and tells the board.
func (e *Engine) emit(ctx context.Context, ev models.LifecycleEvent) {
	e.publish(ctx, ev)
	if e.Board != nil {
		e.Board.RideChanged(ev.RideID, ev.Status)
	}
}

// publish is best effort: the ledger already holds the outcome.
func (e *Engine) publish(ctx context.Context, ev models.LifecycleEvent) {
	if e.Events == nil {
		return
	}
	ev.At = e.clock()
	if err := e.Events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.logger().Warn("publish lifecycle event failed", "type", ev.Type, "ride_id", ev.RideID, "error", err)
	}
}
