package httpapi

import (
	"math/big"

	"github.com/example/carpool-ledger/internal/fare"
	"github.com/example/carpool-ledger/internal/lifecycle"
	"github.com/example/carpool-ledger/internal/models"
)

// Amounts are rendered as decimal strings; wei values overflow JSON numbers.
type rideView struct {
	RideID         models.RideID `json:"ride_id"`
	Passenger      string        `json:"passenger"`
	Driver         string        `json:"driver,omitempty"`
	DistanceMeters uint64        `json:"distance_meters"`
	DistanceKm     float64       `json:"distance_km"`
	FareWei        string        `json:"fare_wei"`
	Fare           string        `json:"fare"`
	Status         models.Status `json:"status"`
}

func (s *Server) rideView(r models.Ride) rideView {
	v := rideView{
		RideID:         r.ID,
		Passenger:      r.Passenger.Hex(),
		DistanceMeters: r.DistanceMeters,
		DistanceKm:     fare.KmFromMeters(r.DistanceMeters),
		FareWei:        weiString(r.Fare),
		Fare:           s.fare.Format(r.Fare),
		Status:         r.Status,
	}
	if r.HasDriver() {
		v.Driver = r.Driver.Hex()
	}
	return v
}

type quoteView struct {
	Pickup         models.Coord   `json:"pickup"`
	Dropoff        models.Coord   `json:"dropoff"`
	Path           []models.Coord `json:"path"`
	DistanceKm     float64        `json:"distance_km"`
	DistanceMeters uint64         `json:"distance_meters"`
	FareWei        string         `json:"fare_wei"`
	Fare           string         `json:"fare"`
	RatePerKm      string         `json:"rate_per_km"`
}

func (s *Server) quoteView(q models.RouteQuote) quoteView {
	return quoteView{
		Pickup:         q.Pickup,
		Dropoff:        q.Dropoff,
		Path:           q.Path,
		DistanceKm:     q.DistanceKm,
		DistanceMeters: q.DistanceMeters,
		FareWei:        weiString(q.Fare),
		Fare:           s.fare.Format(q.Fare),
		RatePerKm:      s.fare.Rate().String(),
	}
}

type listView struct {
	Rides  []rideView                `json:"rides"`
	Failed []lifecycle.LookupFailure `json:"failed,omitempty"`
}

func (s *Server) listView(res lifecycle.ListResult) listView {
	out := listView{Rides: make([]rideView, 0, len(res.Rides)), Failed: res.Failed}
	for _, r := range res.Rides {
		out.Rides = append(out.Rides, s.rideView(r))
	}
	return out
}

func weiString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
