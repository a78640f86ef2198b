package strategy

import (
	"math"

	"github.com/eddiefleurent/scranton_puts/internal/config"
)

// Composite score weights. They sum to 1.
const (
	WeightOTM        = 0.35
	WeightPremium    = 0.25
	WeightEfficiency = 0.20
	WeightIVRank     = 0.10
	WeightLiquidity  = 0.10
)

// FarOTMPremiumException is the OTM% at which premiums above the maximum are
// still accepted.
const FarOTMPremiumException = 0.25

// IV rank breakpoints, as fractions.
const (
	ivRankLow  = 0.30
	ivRankHigh = 0.60
)

// ScoreBreakdown holds the per-dimension scores (0-100) of one candidate.
type ScoreBreakdown struct {
	OTM        float64
	Premium    float64
	Efficiency float64
	IVRank     float64
	Liquidity  float64
	Total      float64
}

func newBreakdown(otm, premium, efficiency, ivRank, liquidity float64) ScoreBreakdown {
	b := ScoreBreakdown{
		OTM:        otm,
		Premium:    premium,
		Efficiency: efficiency,
		IVRank:     ivRank,
		Liquidity:  liquidity,
	}
	b.Total = WeightOTM*otm +
		WeightPremium*premium +
		WeightEfficiency*efficiency +
		WeightIVRank*ivRank +
		WeightLiquidity*liquidity
	return b
}

// otmScore is 100 at or beyond the target. Between the minimum and the
// target it runs 80 to 100. Rare-pass candidates below the minimum run
// 50 to 80 from the rare minimum up.
func otmScore(otm float64, p config.Preferences) float64 {
	if otm >= p.TargetOTMPct {
		return 100
	}
	if otm >= p.MinOTMPct {
		span := p.TargetOTMPct - p.MinOTMPct
		if span <= 0 {
			return 100
		}
		return 80 + 20*(otm-p.MinOTMPct)/span
	}
	span := p.MinOTMPct - p.RareMinOTMPct
	if span <= 0 {
		return 0
	}
	return clamp(50+30*(otm-p.RareMinOTMPct)/span, 0, 80)
}

// premiumScore peaks at the target premium and is 0 at or below the minimum.
// Above the maximum it loses up to 30 more points by twice the maximum, then
// falls twice as fast to a floor of 40.
func premiumScore(premium float64, p config.Preferences) float64 {
	switch {
	case premium <= p.MinPremium:
		return 0
	case premium < p.TargetPremium:
		span := p.TargetPremium - p.MinPremium
		if span <= 0 {
			return 100
		}
		return 100 * (premium - p.MinPremium) / span
	case premium <= p.MaxPremium:
		span := p.MaxPremium - p.TargetPremium
		if span <= 0 {
			return 100
		}
		return 100 - 20*(premium-p.TargetPremium)/span
	}

	if p.MaxPremium <= 0 {
		return 40
	}
	excess := premium - p.MaxPremium
	if excess <= p.MaxPremium {
		return 80 - 30*excess/p.MaxPremium
	}
	return math.Max(40, 50-60*(excess-p.MaxPremium)/p.MaxPremium)
}

// efficiencyScore saturates at 10% premium per dollar of margin.
func efficiencyScore(efficiency float64) float64 {
	if efficiency <= 0 || math.IsNaN(efficiency) {
		return 0
	}
	return math.Min(100, efficiency*1000)
}

// ivRankScore prefers low IV rank: 100 below 30%, 100 to 70 across 30-60%,
// then a steeper decay with a floor of 20.
func ivRankScore(ivRank float64) float64 {
	switch {
	case ivRank < ivRankLow:
		return 100
	case ivRank <= ivRankHigh:
		return 100 - 30*(ivRank-ivRankLow)/(ivRankHigh-ivRankLow)
	default:
		return math.Max(20, 70-125*(ivRank-ivRankHigh))
	}
}

// liquidityScore averages stepped volume and open interest sub-scores.
func liquidityScore(volume, openInterest int64) float64 {
	return (volumeScore(volume) + openInterestScore(openInterest)) / 2
}

func volumeScore(v int64) float64 {
	switch {
	case v >= 1000:
		return 100
	case v >= 500:
		return 75
	case v >= 100:
		return 50
	case v >= 10:
		return 25
	default:
		return 0
	}
}

func openInterestScore(oi int64) float64 {
	switch {
	case oi >= 2000:
		return 100
	case oi >= 1000:
		return 75
	case oi >= 500:
		return 50
	case oi >= 100:
		return 25
	default:
		return 0
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
