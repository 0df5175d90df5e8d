// Package fare converts a routed distance into the ledger-native value
// escrowed at request time.
//
// The router reports kilometres as a float while the contract stores whole
// metres. Both numbers are derived from the same router distance at request
// time: the fare from km directly, the stored distance via MetersFromKm.
// The fare is never recomputed from a ride's stored distance.
package fare

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// NativeDecimals is the number of smallest units per display unit (wei per ether).
const NativeDecimals int32 = 18

var ErrInvalidDistance = errors.New("fare: distance must be a finite non-negative number")

type Calculator struct {
	perKm    decimal.Decimal // smallest units per km
	rate     decimal.Decimal // display units per km
	decimals int32
}

// NewCalculator builds a calculator charging ratePerKm display units per km,
// where one display unit is 10^decimals smallest units.
func NewCalculator(ratePerKm decimal.Decimal, decimals int32) (*Calculator, error) {
	if ratePerKm.IsNegative() {
		return nil, fmt.Errorf("fare: negative rate %s", ratePerKm)
	}
	return &Calculator{perKm: ratePerKm.Shift(decimals), rate: ratePerKm, decimals: decimals}, nil
}

// Rate returns the configured display units per km.
func (c *Calculator) Rate() decimal.Decimal { return c.rate }

// Compute returns floor(distanceKm * rate) in the smallest native unit.
func (c *Calculator) Compute(distanceKm float64) (*big.Int, error) {
	if math.IsNaN(distanceKm) || math.IsInf(distanceKm, 0) || distanceKm < 0 {
		return nil, ErrInvalidDistance
	}
	return decimal.NewFromFloat(distanceKm).Mul(c.perKm).Floor().BigInt(), nil
}

// Format renders an amount of smallest units in display units.
func (c *Calculator) Format(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -c.decimals).String()
}

// MetersFromKm is the distance stored on the ledger for a routed distance.
func MetersFromKm(km float64) uint64 {
	if km <= 0 || math.IsNaN(km) {
		return 0
	}
	return uint64(math.Round(km * 1000))
}

// KmFromMeters converts a stored ledger distance back to km for display.
func KmFromMeters(m uint64) float64 {
	return float64(m) / 1000
}
