package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/example/carpool-ledger/internal/models"
)

// decodeRide interprets the getRide tuple
// (passenger, driver, distance, status, fare). Anything that does not
// describe a coherent ride is rejected rather than shown.
func decodeRide(id models.RideID, values []interface{}) (models.Ride, error) {
	if len(values) != 5 {
		return models.Ride{}, fmt.Errorf("%w: getRide returned %d values", models.ErrEventDecode, len(values))
	}
	passenger, ok1 := values[0].(common.Address)
	driver, ok2 := values[1].(common.Address)
	distance, ok3 := values[2].(*big.Int)
	rawStatus, ok4 := values[3].(uint8)
	fare, ok5 := values[4].(*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return models.Ride{}, fmt.Errorf("%w: getRide returned unexpected types", models.ErrEventDecode)
	}
	if passenger == (common.Address{}) {
		// mappings return zero values for ids that were never issued
		return models.Ride{}, fmt.Errorf("ride %d: %w", id, models.ErrNotFound)
	}
	status, err := models.ParseStatus(rawStatus)
	if err != nil {
		return models.Ride{}, err
	}
	if !distance.IsUint64() {
		return models.Ride{}, fmt.Errorf("%w: distance %s out of range", models.ErrEventDecode, distance)
	}
	if fare.Sign() < 0 {
		return models.Ride{}, fmt.Errorf("%w: negative fare", models.ErrEventDecode)
	}
	ride := models.Ride{
		ID:             id,
		Passenger:      passenger,
		Driver:         driver,
		DistanceMeters: distance.Uint64(),
		Fare:           fare,
		Status:         status,
	}
	// Requested rides have no driver; accepted and completed ones must.
	if (status == models.StatusRequested) == ride.HasDriver() {
		return models.Ride{}, fmt.Errorf("%w: ride %d is %s with driver %s", models.ErrEventDecode, id, status, driver.Hex())
	}
	return ride, nil
}

func decodeRideIDs(values []interface{}) ([]models.RideID, error) {
	if len(values) != 1 {
		return nil, fmt.Errorf("%w: expected one id list, got %d values", models.ErrEventDecode, len(values))
	}
	raw, ok := values[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: id list has type %T", models.ErrEventDecode, values[0])
	}
	ids := make([]models.RideID, 0, len(raw))
	for _, n := range raw {
		if n == nil || !n.IsUint64() {
			return nil, fmt.Errorf("%w: ride id %v out of range", models.ErrEventDecode, n)
		}
		ids = append(ids, models.RideID(n.Uint64()))
	}
	return ids, nil
}

// decodeRideRequested extracts the ride id from the first RideRequested log
// emitted by the contract in r. rideId may be declared indexed or not.
func (c *Client) decodeRideRequested(r *types.Receipt) (models.RideID, error) {
	ev, ok := c.abi.Events["RideRequested"]
	if !ok {
		return 0, fmt.Errorf("%w: abi has no RideRequested event", models.ErrEventDecode)
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	for _, lg := range r.Logs {
		if lg == nil || lg.Address != c.address || len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
			continue
		}
		fields := make(map[string]interface{})
		if len(indexed) > 0 {
			if len(lg.Topics)-1 != len(indexed) {
				return 0, fmt.Errorf("%w: RideRequested has %d topics", models.ErrEventDecode, len(lg.Topics))
			}
			if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
				return 0, fmt.Errorf("%w: RideRequested topics: %v", models.ErrEventDecode, err)
			}
		}
		if err := ev.Inputs.UnpackIntoMap(fields, lg.Data); err != nil {
			return 0, fmt.Errorf("%w: RideRequested data: %v", models.ErrEventDecode, err)
		}
		id, ok := fields["rideId"].(*big.Int)
		if !ok || !id.IsUint64() {
			return 0, fmt.Errorf("%w: RideRequested rideId %v", models.ErrEventDecode, fields["rideId"])
		}
		return models.RideID(id.Uint64()), nil
	}
	return 0, fmt.Errorf("%w: no RideRequested event in receipt", models.ErrEventDecode)
}
