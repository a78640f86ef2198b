package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/eddiefleurent/scranton_puts/internal/models"
	"github.com/eddiefleurent/scranton_puts/internal/storage"
)

func writePlan(w io.Writer, plan *models.PortfolioPlan, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	case "text", "":
		return writePlanText(w, plan)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func writePlanText(w io.Writer, plan *models.PortfolioPlan) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintf(tw, "Budget:\t%s requested, %s available (%s committed in %d trades)\n",
		money(plan.RequestedBudget), money(plan.MarginBudget), money(plan.CommittedMargin), plan.CommittedCount)
	fmt.Fprintf(tw, "Used:\t%s (%.1f%%), %s remaining, %s premium\n\n",
		money(plan.TotalMarginUsed), plan.BudgetUtilization()*100, money(plan.MarginRemaining), money(plan.TotalPremiumExpected))

	if len(plan.Trades) > 0 {
		fmt.Fprintln(tw, "Selected:")
		fmt.Fprintln(tw, "#\tSYMBOL\tSECTOR\tSTRIKE\tEXP\tQTY\tLIMIT\tMARGIN\tSOURCE\tPREMIUM\tEFF")
		for _, t := range plan.Trades {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%.2f\t%s\t%d\t%.2f\t%s\t%s\t%s\t%.2f%%\n",
				t.PortfolioRank, t.Symbol, t.Sector, t.Strike, t.Expiration.Format("2006-01-02"),
				t.Contracts, t.SuggestedLimit, money(t.TotalMargin), t.MarginSource,
				money(t.TotalPremium), t.MarginEfficiency*100)
		}
		fmt.Fprintln(tw)
	}

	if len(plan.SkippedTrades) > 0 {
		fmt.Fprintln(tw, "Skipped:")
		for _, t := range plan.SkippedTrades {
			fmt.Fprintf(tw, "\t%s\t%s\n", t.Symbol, t.SkipReason)
		}
		fmt.Fprintln(tw)
	}

	moved := 0
	for _, c := range plan.MarginComparisons {
		if c.RankShift != 0 {
			moved++
		}
	}
	if moved > 0 {
		fmt.Fprintln(tw, "Rank changes from broker margin:")
		for _, c := range plan.MarginComparisons {
			if c.RankShift == 0 {
				continue
			}
			fmt.Fprintf(tw, "\t%s\t#%d -> #%d\t%s -> %s\n",
				c.Symbol, c.EstimatedRank, c.ActualRank, money(c.EstimatedMargin), money(c.ActualMargin))
		}
		fmt.Fprintln(tw)
	}

	for _, warning := range plan.Warnings {
		fmt.Fprintf(tw, "WARNING: %s\n", warning)
	}
	return tw.Flush()
}

func writeEntries(w io.Writer, entries []storage.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSYMBOL\tSTRIKE\tEXP\tQTY\tMARGIN")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\t%d\t%s\n",
			e.ID, e.Status, e.Symbol, e.Strike, e.Expiration.Format("2006-01-02"), e.Contracts, money(e.TotalMargin))
	}
	return tw.Flush()
}

func money(v float64) string {
	return fmt.Sprintf("$%.2f", v)
}
