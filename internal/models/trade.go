package models

// MarginSource records where a trade's margin figure came from.
type MarginSource string

const (
	// MarginBrokerConfirmed means the broker returned a believable margin.
	MarginBrokerConfirmed MarginSource = "broker_confirmed"
	// MarginEstimated means the Reg-T estimate (or its floor) was used.
	MarginEstimated MarginSource = "estimated"
)

// StagedTrade is a StrikeCandidate after budget and constraint evaluation.
type StagedTrade struct {
	StrikeCandidate
	MarginSource      MarginSource `json:"margin_source"`
	SkipReason        string       `json:"skip_reason,omitempty"`
	MarginPerContract float64      `json:"margin_per_contract"`
	TotalPremium      float64      `json:"total_premium"`
	CumulativeMargin  float64      `json:"cumulative_margin"`
	PortfolioRank     int          `json:"portfolio_rank"`
	WithinBudget      bool         `json:"within_budget"`
}

// ActualEfficiency is total premium over the effective total margin.
func (t StagedTrade) ActualEfficiency() float64 {
	if t.TotalMargin <= 0 {
		return 0
	}
	return t.TotalPremium / t.TotalMargin
}

// MarginComparison shows how broker margin moved a candidate's ranking.
type MarginComparison struct {
	Symbol              string       `json:"symbol"`
	MarginSource        MarginSource `json:"margin_source"`
	EstimatedMargin     float64      `json:"estimated_margin"`
	EstimatedEfficiency float64      `json:"estimated_efficiency"`
	ActualMargin        float64      `json:"actual_margin"`
	ActualEfficiency    float64      `json:"actual_efficiency"`
	EstimatedRank       int          `json:"estimated_rank"`
	ActualRank          int          `json:"actual_rank"`
	RankShift           int          `json:"rank_shift"` // positive = moved up
}
