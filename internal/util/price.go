// Package util provides common utility functions for price calculations.
package util

import "math"

// defaultSpreadFraction is how far into the spread a sell limit reaches from the bid.
const defaultSpreadFraction = 0.40

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.01, 1.2345 becomes 1.23 or 1.24 depending on rounding.
// A negative tick is treated as its absolute value; zero, NaN and Inf inputs pass through.
func RoundToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return math.Round(x/tick) * tick
}

// FloorToTick rounds x down to a tick increment.
func FloorToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	// epsilon so 1.30 / 0.05 does not floor to 25
	return math.Floor(x/tick+1e-9) * tick
}

// CeilToTick rounds x up to a tick increment.
func CeilToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return math.Ceil(x/tick-1e-9) * tick
}

// SellLimitCalculator prices sell-to-open limit orders inside the spread.
type SellLimitCalculator struct {
	Tick           float64
	SpreadFraction float64
}

// NewSellLimitCalculator creates a calculator using the given tick size.
func NewSellLimitCalculator(tick float64) SellLimitCalculator {
	return SellLimitCalculator{Tick: tick, SpreadFraction: defaultSpreadFraction}
}

// CalculateSellLimit returns bid + fraction × spread rounded down to the tick,
// never below the bid. A missing or crossed ask returns the bid, rounded up to
// the tick when it is off tick.
func (s SellLimitCalculator) CalculateSellLimit(bid, ask float64) float64 {
	if bid <= 0 {
		return 0
	}
	if ask <= bid {
		return CeilToTick(bid, s.Tick)
	}
	limit := FloorToTick(bid+s.SpreadFraction*(ask-bid), s.Tick)
	if limit < bid {
		return CeilToTick(bid, s.Tick)
	}
	return limit
}
