// Package storage records staged trades and reports the margin already
// committed to them.
package storage

import (
	"context"
	"time"

	"github.com/eddiefleurent/scranton_puts/internal/models"
)

// CommittedMarginReader reports margin reserved by trades that are staged but
// not yet reflected in the broker account.
//
// Implementations must be safe for concurrent use.
type CommittedMarginReader interface {
	CommittedMargin(ctx context.Context) (total float64, count int, err error)
}

// Ledger is a CommittedMarginReader that can also record new trades.
type Ledger interface {
	CommittedMarginReader
	Stage(ctx context.Context, plan *models.PortfolioPlan) ([]Entry, error)
	UpdateStatus(ctx context.Context, id string, to Status, reason string) error
	Entries() []Entry
}

// Entry is one staged trade in the ledger.
type Entry struct {
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
	Expiration        time.Time           `json:"expiration"`
	ID                string              `json:"id"`
	AccountScope      string              `json:"account_scope"`
	Status            Status              `json:"status"`
	StatusReason      string              `json:"status_reason,omitempty"`
	Symbol            string              `json:"symbol"`
	Sector            string              `json:"sector"`
	MarginSource      models.MarginSource `json:"margin_source"`
	Strike            float64             `json:"strike"`
	LimitPrice        float64             `json:"limit_price"`
	MarginPerContract float64             `json:"margin_per_contract"`
	TotalMargin       float64             `json:"total_margin"`
	TotalPremium      float64             `json:"total_premium"`
	Contracts         int                 `json:"contracts"`
	PortfolioRank     int                 `json:"portfolio_rank"`
}

// NewStorage creates the default ledger implementation (JSON file based).
func NewStorage(path, accountScope string) (Ledger, error) {
	return NewJSONLedger(path, accountScope)
}

// Ensure implementations satisfy the interfaces
var (
	_ Ledger                = (*JSONLedger)(nil)
	_ CommittedMarginReader = (*MemoryStore)(nil)
)
