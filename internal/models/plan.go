package models

// PortfolioPlan is the result of one allocation run.
type PortfolioPlan struct {
	SectorDistribution   map[string]int     `json:"sector_distribution"`
	Trades               []StagedTrade      `json:"trades"`
	SkippedTrades        []StagedTrade      `json:"skipped_trades"`
	MarginComparisons    []MarginComparison `json:"margin_comparisons"`
	Warnings             []string           `json:"warnings"`
	TotalMarginUsed      float64            `json:"total_margin_used"`
	MarginBudget         float64            `json:"margin_budget"` // available for new trades
	MarginRemaining      float64            `json:"margin_remaining"`
	TotalPremiumExpected float64            `json:"total_premium_expected"`
	RequestedBudget      float64            `json:"requested_budget"`
	CommittedMargin      float64            `json:"committed_margin"`
	CommittedCount       int                `json:"committed_count"`
	// Fatal is set when nothing could be allocated because committed margin
	// already reached the ceiling.
	Fatal bool `json:"fatal"`
}

// NewEmptyPlan returns a plan with initialized collections.
func NewEmptyPlan() *PortfolioPlan {
	return &PortfolioPlan{
		SectorDistribution: make(map[string]int),
		Trades:             []StagedTrade{},
		SkippedTrades:      []StagedTrade{},
		MarginComparisons:  []MarginComparison{},
		Warnings:           []string{},
	}
}

// BudgetUtilization is the share of the available budget used by new trades.
func (p *PortfolioPlan) BudgetUtilization() float64 {
	if p.MarginBudget <= 0 {
		return 0
	}
	return p.TotalMarginUsed / p.MarginBudget
}

// Symbols returns the selected symbols in portfolio rank order.
func (p *PortfolioPlan) Symbols() []string {
	out := make([]string, 0, len(p.Trades))
	for _, t := range p.Trades {
		out = append(out, t.Symbol)
	}
	return out
}

// EstimatedCount returns how many selected trades rely on estimated margin.
func (p *PortfolioPlan) EstimatedCount() int {
	n := 0
	for _, t := range p.Trades {
		if t.MarginSource == MarginEstimated {
			n++
		}
	}
	return n
}
