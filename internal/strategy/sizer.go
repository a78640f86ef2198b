package strategy

import (
	"math"

	"github.com/eddiefleurent/scranton_puts/internal/models"
)

// EquitySizer limits each trade's cash-secured notional to a share of
// account equity.
type EquitySizer struct {
	Equity          float64
	RiskPctPerTrade float64
}

// NewEquitySizer creates a sizer for the given equity and per-trade risk fraction.
func NewEquitySizer(equity, riskPctPerTrade float64) *EquitySizer {
	return &EquitySizer{Equity: equity, RiskPctPerTrade: riskPctPerTrade}
}

// CalculateContracts returns how many contracts of strike fit in the risk
// allowance, capped at priceBasedMax. May return 0 when one contract does not fit.
func (s *EquitySizer) CalculateContracts(strike float64, priceBasedMax int) int {
	if strike <= 0 || s.Equity <= 0 || s.RiskPctPerTrade <= 0 {
		return priceBasedMax
	}
	allowance := s.Equity * s.RiskPctPerTrade
	n := int(math.Floor(allowance / (strike * models.SharesPerContract)))
	if n > priceBasedMax {
		n = priceBasedMax
	}
	if n < 0 {
		n = 0
	}
	return n
}
