// Package margin implements the short put margin model shared by strike
// selection and portfolio allocation.
package margin

import (
	"math"

	"github.com/eddiefleurent/scranton_puts/internal/models"
)

const (
	// RegTUnderlyingPct is the share of the underlying charged before the OTM credit.
	RegTUnderlyingPct = 0.20
	// RegTMinimumPct is the minimum requirement as a share of the underlying.
	RegTMinimumPct = 0.10
	// SanityFloorPct is the minimum believable broker margin as a share of strike notional.
	SanityFloorPct = 0.05
	// minimumMargin keeps the resolved margin strictly positive for degenerate inputs.
	minimumMargin = 1.0
)

// RegTEstimate returns the per-contract Reg-T requirement for a short put:
// max(20% of S − OTM amount + premium, 10% of S) × 100.
func RegTEstimate(stockPrice, strike, premium float64) float64 {
	otmAmount := math.Max(0, stockPrice-strike)
	base := RegTUnderlyingPct*stockPrice - otmAmount + premium
	floor := RegTMinimumPct * stockPrice
	return math.Max(base, floor) * models.SharesPerContract
}

// SanityFloor returns the smallest per-contract broker margin treated as real.
func SanityFloor(strike float64) float64 {
	return SanityFloorPct * strike * models.SharesPerContract
}

// IsBelievable reports whether a broker-returned per-contract margin clears the sanity floor.
func IsBelievable(actual, strike float64) bool {
	return !math.IsNaN(actual) && actual >= SanityFloor(strike)
}

// NotionalFloor is 10% of the larger of underlying and strike, per contract.
func NotionalFloor(stockPrice, strike float64) float64 {
	return RegTMinimumPct * math.Max(stockPrice, strike) * models.SharesPerContract
}

// Resolve walks the fallback chain for one contract: broker actual when it
// clears the sanity floor, else the estimate when positive, else the
// notional floor. The result is always > 0.
func Resolve(actual *float64, estimate, stockPrice, strike float64) (float64, models.MarginSource) {
	if actual != nil && IsBelievable(*actual, strike) && *actual > 0 {
		return *actual, models.MarginBrokerConfirmed
	}
	if estimate > 0 && !math.IsInf(estimate, 0) {
		return estimate, models.MarginEstimated
	}
	if f := NotionalFloor(stockPrice, strike); f > 0 {
		return f, models.MarginEstimated
	}
	return minimumMargin, models.MarginEstimated
}

// Efficiency returns premium/margin, or 0 when margin is not positive.
func Efficiency(premium, margin float64) float64 {
	if margin <= 0 {
		return 0
	}
	return premium / margin
}
