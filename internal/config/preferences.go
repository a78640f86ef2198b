package config

import "time"

// Preferences is the resolved, read-only view of the configuration that the
// strike finder and portfolio builder consume. It is passed by value.
type Preferences struct {
	MinPremium    float64
	MaxPremium    float64
	TargetPremium float64

	MinOTMPct     float64
	TargetOTMPct  float64
	RareMinOTMPct float64

	TargetDTE int
	MaxDTE    int

	HighPriceThreshold    float64
	MaxContractsHighPrice int
	MaxContracts          int
	TickSize              float64

	MarginBudgetPct        float64
	MarginBudgetFallback   float64
	MaxMarginCeiling       float64
	MaxPositions           int
	MaxSectorConcentration int
	SoftUtilizationPct     float64
	HighIVRank             float64

	PacingDelay      time.Duration
	RetryPacingDelay time.Duration
	SettleDelay      time.Duration
	MaxAttempts      int
}

// Preferences resolves the configuration into a Preferences value.
// Call after Validate so defaults are populated.
func (c *Config) Preferences() Preferences {
	return Preferences{
		MinPremium:             c.Strikes.MinPremium,
		MaxPremium:             c.Strikes.MaxPremium,
		TargetPremium:          c.Strikes.TargetPremium,
		MinOTMPct:              c.Strikes.MinOTMPct,
		TargetOTMPct:           c.Strikes.TargetOTMPct,
		RareMinOTMPct:          c.Strikes.RareMinOTMPct,
		TargetDTE:              c.Strikes.TargetDTE,
		MaxDTE:                 c.Strikes.MaxDTE,
		HighPriceThreshold:     c.Strikes.HighPriceThreshold,
		MaxContractsHighPrice:  c.Strikes.MaxContractsHighPrice,
		MaxContracts:           c.Strikes.MaxContracts,
		TickSize:               c.Strikes.TickSize,
		MarginBudgetPct:        c.Portfolio.MarginBudgetPct,
		MarginBudgetFallback:   c.Portfolio.MarginBudgetFallback,
		MaxMarginCeiling:       c.Portfolio.MaxMarginCeiling,
		MaxPositions:           c.Portfolio.MaxPositions,
		MaxSectorConcentration: c.Portfolio.MaxSectorConcentration,
		SoftUtilizationPct:     c.Portfolio.SoftUtilizationPct,
		HighIVRank:             c.Portfolio.HighIVRank,
		PacingDelay:            c.MarginRetry.PacingDelay,
		RetryPacingDelay:       c.MarginRetry.RetryPacingDelay,
		SettleDelay:            c.MarginRetry.SettleDelay,
		MaxAttempts:            c.MarginRetry.MaxAttempts,
	}
}

// DefaultPreferences returns the preferences produced by an empty paper config.
func DefaultPreferences() Preferences {
	return Default().Preferences()
}
