package mock

import (
	"hash/fnv"
	"math"
	"sort"
	"time"

	"github.com/eddiefleurent/scranton_puts/internal/models"
)

// Underlying describes one symbol for sample chain generation.
type Underlying struct {
	Symbol string
	Sector string
	Price  float64
	IV     float64 // annualized, fraction
	IVRank float64 // fraction in [0,1]
}

// SampleUniverse is a small mixed-sector universe for offline runs.
var SampleUniverse = []Underlying{
	{Symbol: "AAPL", Sector: "Technology", Price: 228.50, IV: 0.28, IVRank: 0.35},
	{Symbol: "MSFT", Sector: "Technology", Price: 415.20, IV: 0.24, IVRank: 0.28},
	{Symbol: "AMD", Sector: "Technology", Price: 152.80, IV: 0.48, IVRank: 0.55},
	{Symbol: "NVDA", Sector: "Technology", Price: 118.40, IV: 0.52, IVRank: 0.62},
	{Symbol: "JPM", Sector: "Financials", Price: 208.10, IV: 0.22, IVRank: 0.25},
	{Symbol: "BAC", Sector: "Financials", Price: 39.60, IV: 0.27, IVRank: 0.31},
	{Symbol: "XOM", Sector: "Energy", Price: 116.30, IV: 0.25, IVRank: 0.42},
	{Symbol: "KO", Sector: "Consumer Staples", Price: 69.80, IV: 0.16, IVRank: 0.18},
	{Symbol: "PFE", Sector: "Health Care", Price: 28.90, IV: 0.29, IVRank: 0.47},
	{Symbol: "F", Sector: "Consumer Discretionary", Price: 10.75, IV: 0.38, IVRank: 0.40},
}

// GenerateCandidates builds a deterministic put chain for each underlying,
// with strikes below the price at the usual listing interval. Bid/ask come
// from a simplified time-value model.
func GenerateCandidates(universe []Underlying, expiration, now time.Time) map[string][]models.OptionCandidate {
	dte := int(math.Ceil(expiration.Sub(now).Hours() / 24))
	if dte < 0 {
		dte = 0
	}
	t := math.Max(float64(dte), 1) / 365.0

	out := make(map[string][]models.OptionCandidate, len(universe))
	for _, u := range universe {
		interval := strikeInterval(u.Price)
		top := math.Floor(u.Price/interval) * interval
		seed := symbolSeed(u.Symbol)

		var chain []models.OptionCandidate
		for k := 0; k < 12; k++ {
			strike := top - float64(k)*interval
			if strike <= 0 {
				break
			}
			otm := (u.Price - strike) / u.Price
			sd := u.IV * math.Sqrt(t)
			// distance in standard deviations drives the time value decay
			z := otm / math.Max(sd, 1e-6)
			value := u.Price * sd * 0.4 * math.Exp(-0.5*z*z)
			value = math.Round(value*100) / 100
			if value < 0.05 {
				continue
			}
			spread := math.Max(0.01, math.Round(value*0.08*100)/100)
			volume := int64(50 + (seed+uint32(k)*37)%2500)
			oi := int64(100 + (seed+uint32(k)*53)%5000)

			chain = append(chain, models.OptionCandidate{
				Symbol:       u.Symbol,
				StockPrice:   u.Price,
				Strike:       strike,
				Expiration:   expiration,
				DTE:          dte,
				Bid:          value,
				Ask:          value + spread,
				Delta:        -math.Round(0.5*math.Exp(-0.5*z*z)*1000) / 1000,
				IV:           u.IV,
				IVRank:       u.IVRank,
				Volume:       volume,
				OpenInterest: oi,
				Source:       "paper",
			})
		}
		out[u.Symbol] = chain
	}
	return out
}

// Sectors returns the sector map for a universe.
func Sectors(universe []Underlying) map[string]string {
	out := make(map[string]string, len(universe))
	for _, u := range universe {
		out[u.Symbol] = u.Sector
	}
	return out
}

// Symbols returns the universe symbols sorted.
func Symbols(universe []Underlying) []string {
	out := make([]string, 0, len(universe))
	for _, u := range universe {
		out = append(out, u.Symbol)
	}
	sort.Strings(out)
	return out
}

// NextFriday returns the first Friday at least minDays after now, at midnight UTC.
func NextFriday(now time.Time, minDays int) time.Time {
	d := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, minDays)
	for d.Weekday() != time.Friday {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

func strikeInterval(price float64) float64 {
	switch {
	case price < 25:
		return 0.5
	case price < 100:
		return 1
	case price < 200:
		return 2.5
	default:
		return 5
	}
}

func symbolSeed(symbol string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return h.Sum32()
}
