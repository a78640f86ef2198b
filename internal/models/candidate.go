// Package models defines the value objects that flow through strike
// selection and portfolio allocation.
package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// SharesPerContract is the standard equity option multiplier.
const SharesPerContract = 100.0

// UnknownSector is used when no sector annotation exists for a symbol.
const UnknownSector = "Unknown"

// ErrInvalidCandidate is returned when an option candidate has unusable fields.
var ErrInvalidCandidate = errors.New("invalid option candidate")

// OptionCandidate is one already-scored short put leg produced by the
// upstream screener.
type OptionCandidate struct {
	Expiration   time.Time `json:"expiration"`
	Symbol       string    `json:"symbol"`
	Source       string    `json:"source,omitempty"`
	StockPrice   float64   `json:"stock_price"`
	Strike       float64   `json:"strike"`
	Bid          float64   `json:"bid"`
	Ask          float64   `json:"ask"`
	Delta        float64   `json:"delta"`
	IV           float64   `json:"iv"`
	IVRank       float64   `json:"iv_rank"` // fraction in [0,1]
	Score        float64   `json:"score"`   // upstream composite score
	DTE          int       `json:"dte"`
	Volume       int64     `json:"volume"`
	OpenInterest int64     `json:"open_interest"`
}

// Validate reports whether the candidate can be converted.
func (o OptionCandidate) Validate() error {
	switch {
	case o.Symbol == "":
		return fmt.Errorf("%w: empty symbol", ErrInvalidCandidate)
	case !finite(o.StockPrice) || o.StockPrice <= 0:
		return fmt.Errorf("%w: %s stock price %v", ErrInvalidCandidate, o.Symbol, o.StockPrice)
	case !finite(o.Strike) || o.Strike <= 0:
		return fmt.Errorf("%w: %s strike %v", ErrInvalidCandidate, o.Symbol, o.Strike)
	case !finite(o.Bid) || o.Bid < 0:
		return fmt.Errorf("%w: %s bid %v", ErrInvalidCandidate, o.Symbol, o.Bid)
	case !finite(o.Ask) || o.Ask < 0:
		return fmt.Errorf("%w: %s ask %v", ErrInvalidCandidate, o.Symbol, o.Ask)
	case !finite(o.IVRank) || !finite(o.IV) || !finite(o.Delta):
		return fmt.Errorf("%w: %s non-finite greeks", ErrInvalidCandidate, o.Symbol)
	case o.DTE < 0:
		return fmt.Errorf("%w: %s negative dte %d", ErrInvalidCandidate, o.Symbol, o.DTE)
	case o.Expiration.IsZero():
		return fmt.Errorf("%w: %s missing expiration", ErrInvalidCandidate, o.Symbol)
	}
	return nil
}

// OTMPct returns the put's distance below the underlying as a fraction of price.
func (o OptionCandidate) OTMPct() float64 {
	if o.StockPrice <= 0 {
		return 0
	}
	return (o.StockPrice - o.Strike) / o.StockPrice
}

// Mid returns the bid/ask midpoint, or the bid when the ask is missing.
func (o OptionCandidate) Mid() float64 {
	if o.Ask <= 0 {
		return o.Bid
	}
	return (o.Bid + o.Ask) / 2
}

// StrikeCandidate is the single selected strike/expiration for one symbol.
type StrikeCandidate struct {
	Expiration       time.Time `json:"expiration"`
	MarginActual     *float64  `json:"margin_actual,omitempty"` // per contract, broker confirmed
	Symbol           string    `json:"symbol"`
	Sector           string    `json:"sector"`
	Source           string    `json:"source"`
	StockPrice       float64   `json:"stock_price"`
	Strike           float64   `json:"strike"`
	Bid              float64   `json:"bid"`
	Ask              float64   `json:"ask"`
	Mid              float64   `json:"mid"`
	SuggestedLimit   float64   `json:"suggested_limit"`
	OTMPct           float64   `json:"otm_pct"`
	Delta            float64   `json:"delta"`
	IV               float64   `json:"iv"`
	IVRank           float64   `json:"iv_rank"`
	MarginEstimate   float64   `json:"margin_estimate"` // per contract, Reg-T
	TotalMargin      float64   `json:"total_margin"`
	PremiumIncome    float64   `json:"premium_income"`
	MarginEfficiency float64   `json:"margin_efficiency"`
	Score            float64   `json:"score"`
	DTE              int       `json:"dte"`
	Contracts        int       `json:"contracts"`
	Volume           int64     `json:"volume"`
	OpenInterest     int64     `json:"open_interest"`
}

// Premium returns the per-share premium used for income and margin math.
func (c StrikeCandidate) Premium() float64 {
	return c.Bid
}

// Notional returns strike × 100, the cash-secured amount for one contract.
func (c StrikeCandidate) Notional() float64 {
	return c.Strike * SharesPerContract
}

// EstimatedEfficiency is premium income over the Reg-T estimate for all contracts.
func (c StrikeCandidate) EstimatedEfficiency() float64 {
	total := c.MarginEstimate * float64(c.Contracts)
	if total <= 0 {
		return 0
	}
	return c.PremiumIncome / total
}

// WithActualMargin returns a copy carrying the broker-confirmed per-contract
// margin (nil when unavailable) and the resolved per-contract margin, with
// TotalMargin and MarginEfficiency recomputed. Other fields are untouched.
func (c StrikeCandidate) WithActualMargin(actual *float64, effectivePerContract float64) StrikeCandidate {
	out := c
	if actual != nil {
		v := *actual
		out.MarginActual = &v
	} else {
		out.MarginActual = nil
	}
	out.TotalMargin = effectivePerContract * float64(c.Contracts)
	out.MarginEfficiency = 0
	if out.TotalMargin > 0 {
		out.MarginEfficiency = out.PremiumIncome / out.TotalMargin
	}
	return out
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
