// Package strategy selects the best cash-secured put strike for each symbol.
package strategy

import (
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/scranton_puts/internal/config"
	"github.com/eddiefleurent/scranton_puts/internal/margin"
	"github.com/eddiefleurent/scranton_puts/internal/models"
	"github.com/eddiefleurent/scranton_puts/internal/util"
)

// PositionSizer caps contracts by account risk.
type PositionSizer interface {
	CalculateContracts(strike float64, priceBasedMax int) int
}

// LimitCalculator prices the suggested sell limit.
type LimitCalculator interface {
	CalculateSellLimit(bid, ask float64) float64
}

// StrikeFinder picks at most one strike per symbol from scored option legs.
type StrikeFinder struct {
	sizer  PositionSizer
	limits LimitCalculator
	log    zerolog.Logger
	prefs  config.Preferences
}

// Option configures a StrikeFinder.
type Option func(*StrikeFinder)

// WithPositionSizer caps contract counts with an equity-based sizer.
func WithPositionSizer(s PositionSizer) Option {
	return func(f *StrikeFinder) { f.sizer = s }
}

// WithLimitCalculator overrides the suggested limit pricing.
func WithLimitCalculator(l LimitCalculator) Option {
	return func(f *StrikeFinder) {
		if l != nil {
			f.limits = l
		}
	}
}

// NewStrikeFinder creates a new strike finder.
func NewStrikeFinder(prefs config.Preferences, log zerolog.Logger, opts ...Option) *StrikeFinder {
	f := &StrikeFinder{
		prefs:  prefs,
		limits: util.NewSellLimitCalculator(prefs.TickSize),
		log:    log.With().Str("component", "strike_finder").Logger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// scored is a converted candidate that survived filtering.
type scored struct {
	candidate models.StrikeCandidate
	breakdown ScoreBreakdown
}

// FindBestStrikes returns the best candidate for each symbol, sorted by score
// descending and then by symbol. Symbols with no surviving candidate are
// dropped. sectors may be nil.
func (f *StrikeFinder) FindBestStrikes(
	symbols []string,
	candidates map[string][]models.OptionCandidate,
	sectors map[string]string,
) []models.StrikeCandidate {
	seen := make(map[string]bool, len(symbols))
	results := make([]models.StrikeCandidate, 0, len(symbols))

	for _, symbol := range symbols {
		if seen[symbol] {
			continue
		}
		seen[symbol] = true

		legs, ok := candidates[symbol]
		if !ok || len(legs) == 0 {
			f.log.Info().Str("symbol", symbol).Msg("No option candidates, skipping")
			continue
		}

		best, ok := f.bestForSymbol(symbol, legs, sectorFor(symbol, sectors))
		if !ok {
			continue
		}
		results = append(results, best)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Symbol < results[j].Symbol
	})

	f.log.Info().
		Int("symbols", len(seen)).
		Int("selected", len(results)).
		Msg("Strike selection complete")
	return results
}

func (f *StrikeFinder) bestForSymbol(symbol string, legs []models.OptionCandidate, sector string) (models.StrikeCandidate, bool) {
	valid := f.wellFormed(symbol, legs)
	survivors := f.filter(valid, sector, f.prefs.MinOTMPct)
	pass := 1
	if len(survivors) == 0 && f.prefs.RareMinOTMPct < f.prefs.MinOTMPct {
		survivors = f.filter(valid, sector, f.prefs.RareMinOTMPct)
		pass = 2
	}
	if len(survivors) == 0 {
		f.log.Info().
			Str("symbol", symbol).
			Int("candidates", len(legs)).
			Msg("No candidate passed filters, dropping symbol")
		return models.StrikeCandidate{}, false
	}

	best := survivors[0]
	for _, s := range survivors[1:] {
		if better(s, best, f.prefs.TargetDTE) {
			best = s
		}
	}

	f.log.Debug().
		Str("symbol", symbol).
		Int("pass", pass).
		Float64("strike", best.candidate.Strike).
		Int("dte", best.candidate.DTE).
		Float64("score", best.breakdown.Total).
		Float64("otm_score", best.breakdown.OTM).
		Float64("premium_score", best.breakdown.Premium).
		Float64("efficiency_score", best.breakdown.Efficiency).
		Msg("Selected strike")
	return best.candidate, true
}

// better orders survivors: higher score, then DTE closer to target, then the
// lower (safer) strike.
func better(a, b scored, targetDTE int) bool {
	if a.breakdown.Total != b.breakdown.Total {
		return a.breakdown.Total > b.breakdown.Total
	}
	da, db := absInt(a.candidate.DTE-targetDTE), absInt(b.candidate.DTE-targetDTE)
	if da != db {
		return da < db
	}
	return a.candidate.Strike < b.candidate.Strike
}

// wellFormed drops malformed legs and legs filed under another symbol.
func (f *StrikeFinder) wellFormed(symbol string, legs []models.OptionCandidate) []models.OptionCandidate {
	out := make([]models.OptionCandidate, 0, len(legs))
	for _, leg := range legs {
		if err := leg.Validate(); err != nil {
			f.log.Warn().Err(err).Str("symbol", symbol).Msg("Dropping malformed candidate")
			continue
		}
		if leg.Symbol != symbol {
			f.log.Warn().
				Str("symbol", symbol).
				Str("candidate_symbol", leg.Symbol).
				Msg("Dropping candidate filed under another symbol")
			continue
		}
		out = append(out, leg)
	}
	return out
}

func (f *StrikeFinder) filter(legs []models.OptionCandidate, sector string, otmFloor float64) []scored {
	var out []scored
	for _, leg := range legs {
		if !f.passes(leg, otmFloor) {
			continue
		}
		c := f.convert(leg, sector)
		b := f.score(leg, c.MarginEfficiency)
		c.Score = b.Total
		out = append(out, scored{candidate: c, breakdown: b})
	}
	return out
}

func (f *StrikeFinder) passes(leg models.OptionCandidate, otmFloor float64) bool {
	otm := leg.OTMPct()
	if otm < otmFloor {
		return false
	}
	if leg.DTE > f.prefs.MaxDTE {
		return false
	}
	premium := leg.Bid
	if premium < f.prefs.MinPremium {
		return false
	}
	if premium > f.prefs.MaxPremium && otm < FarOTMPremiumException {
		return false
	}
	return true
}

// convert builds the StrikeCandidate with sizing and margin estimate filled in.
func (f *StrikeFinder) convert(leg models.OptionCandidate, sector string) models.StrikeCandidate {
	contracts := f.contracts(leg.StockPrice, leg.Strike)
	estimate := margin.RegTEstimate(leg.StockPrice, leg.Strike, leg.Bid)
	income := leg.Bid * models.SharesPerContract * float64(contracts)
	total := estimate * float64(contracts)

	return models.StrikeCandidate{
		Symbol:           leg.Symbol,
		Sector:           sector,
		Source:           leg.Source,
		StockPrice:       leg.StockPrice,
		Strike:           leg.Strike,
		Expiration:       leg.Expiration,
		DTE:              leg.DTE,
		Bid:              leg.Bid,
		Ask:              leg.Ask,
		Mid:              leg.Mid(),
		SuggestedLimit:   f.limits.CalculateSellLimit(leg.Bid, leg.Ask),
		OTMPct:           leg.OTMPct(),
		Delta:            leg.Delta,
		IV:               leg.IV,
		IVRank:           leg.IVRank,
		Volume:           leg.Volume,
		OpenInterest:     leg.OpenInterest,
		MarginEstimate:   estimate,
		Contracts:        contracts,
		TotalMargin:      total,
		PremiumIncome:    income,
		MarginEfficiency: margin.Efficiency(income, total),
	}
}

// contracts applies the price-based cap and the optional sizer. Always >= 1.
func (f *StrikeFinder) contracts(stockPrice, strike float64) int {
	limit := f.prefs.MaxContracts
	if stockPrice > f.prefs.HighPriceThreshold {
		limit = f.prefs.MaxContractsHighPrice
	}
	if f.sizer != nil {
		if n := f.sizer.CalculateContracts(strike, limit); n < limit {
			limit = n
		}
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// ScoreCandidate returns the per-dimension scores for one option leg using
// the same sizing and margin estimate as FindBestStrikes. Filters are not
// applied.
func (f *StrikeFinder) ScoreCandidate(leg models.OptionCandidate) ScoreBreakdown {
	c := f.convert(leg, models.UnknownSector)
	return f.score(leg, c.MarginEfficiency)
}

func (f *StrikeFinder) score(leg models.OptionCandidate, efficiency float64) ScoreBreakdown {
	return newBreakdown(
		otmScore(leg.OTMPct(), f.prefs),
		premiumScore(leg.Bid, f.prefs),
		efficiencyScore(efficiency),
		ivRankScore(leg.IVRank),
		liquidityScore(leg.Volume, leg.OpenInterest),
	)
}

func sectorFor(symbol string, sectors map[string]string) string {
	if s := strings.TrimSpace(sectors[symbol]); s != "" {
		return s
	}
	return models.UnknownSector
}

func absInt(v int) int {
	return int(math.Abs(float64(v)))
}
