package portfolio

import (
	"fmt"
	"sort"

	"github.com/eddiefleurent/scranton_puts/internal/models"
)

// compareRanks ranks trades by estimated and by actual efficiency and
// returns one comparison per trade, ordered by actual rank.
func compareRanks(trades []models.StagedTrade) []models.MarginComparison {
	if len(trades) == 0 {
		return []models.MarginComparison{}
	}

	estimated := rankBy(trades, func(t models.StagedTrade) float64 { return t.EstimatedEfficiency() })
	actual := rankBy(trades, func(t models.StagedTrade) float64 { return t.MarginEfficiency })

	out := make([]models.MarginComparison, len(trades))
	for i, t := range trades {
		out[i] = models.MarginComparison{
			Symbol:              t.Symbol,
			MarginSource:        t.MarginSource,
			EstimatedMargin:     t.MarginEstimate * float64(t.Contracts),
			EstimatedEfficiency: t.EstimatedEfficiency(),
			ActualMargin:        t.TotalMargin,
			ActualEfficiency:    t.MarginEfficiency,
			EstimatedRank:       estimated[i],
			ActualRank:          actual[i],
			RankShift:           estimated[i] - actual[i],
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ActualRank < out[j].ActualRank })
	return out
}

// rankBy returns the 1-based rank of each trade under key, descending, ties
// broken by symbol then input order.
func rankBy(trades []models.StagedTrade, key func(models.StagedTrade) float64) []int {
	idx := make([]int, len(trades))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ka, kb := key(trades[idx[a]]), key(trades[idx[b]])
		if ka != kb {
			return ka > kb
		}
		return trades[idx[a]].Symbol < trades[idx[b]].Symbol
	})
	ranks := make([]int, len(trades))
	for pos, i := range idx {
		ranks[i] = pos + 1
	}
	return ranks
}

func (b *Builder) warnings(plan *models.PortfolioPlan, candidates int) []string {
	var out []string

	if plan.MarginBudget <= 0 && candidates > 0 {
		out = append(out, fmt.Sprintf("no margin budget available (requested %s, committed %s, ceiling %s)",
			dollars(plan.RequestedBudget), dollars(plan.CommittedMargin), dollars(b.prefs.MaxMarginCeiling)))
	}

	for _, t := range plan.Trades {
		if t.IVRank > b.prefs.HighIVRank {
			out = append(out, fmt.Sprintf("%s: IV rank %.0f%% above %.0f%% threshold",
				t.Symbol, t.IVRank*100, b.prefs.HighIVRank*100))
		}
	}

	if n := plan.EstimatedCount(); n > 0 {
		out = append(out, fmt.Sprintf("%d of %d selected trades use estimated margin", n, len(plan.Trades)))
	}

	if u := plan.BudgetUtilization(); u > b.prefs.SoftUtilizationPct {
		out = append(out, fmt.Sprintf("budget utilization %.1f%% exceeds %.0f%% soft limit",
			u*100, b.prefs.SoftUtilizationPct*100))
	}

	sectors := make([]string, 0, len(plan.SectorDistribution))
	for s := range plan.SectorDistribution {
		sectors = append(sectors, s)
	}
	sort.Strings(sectors)
	for _, s := range sectors {
		if n := plan.SectorDistribution[s]; n >= b.prefs.MaxSectorConcentration {
			out = append(out, fmt.Sprintf("sector %s at concentration cap (%d)", s, n))
		}
	}
	return out
}
