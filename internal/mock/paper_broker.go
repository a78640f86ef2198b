// Package mock provides a deterministic paper broker and sample option data
// for offline runs and tests.
package mock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/scranton_puts/internal/broker"
	"github.com/eddiefleurent/scranton_puts/internal/margin"
)

// errPaperBroker is the error injected by Fail.
var errPaperBroker = errors.New("paper broker: simulated failure")

// PaperBroker is an in-process MarginBroker. Margin defaults to the Reg-T
// estimate scaled by MarginMultiplier; individual symbols can be overridden,
// made unlisted, or made to fail a fixed number of times.
type PaperBroker struct {
	overrides        map[string]*float64 // per contract
	failures         map[string]int
	unlisted         map[string]bool
	prices           map[string]float64
	calls            map[string]int
	summary          AccountSummaryFunc
	NetLiquidation   float64
	MarginMultiplier float64
	mu               sync.Mutex
}

// AccountSummaryFunc lets tests control the summary response.
type AccountSummaryFunc func() (*broker.AccountSummary, error)

var _ broker.MarginBroker = (*PaperBroker)(nil)

// NewPaperBroker creates a paper broker with the given net liquidation value.
func NewPaperBroker(netLiquidation float64) *PaperBroker {
	return &PaperBroker{
		overrides:        make(map[string]*float64),
		failures:         make(map[string]int),
		unlisted:         make(map[string]bool),
		prices:           make(map[string]float64),
		calls:            make(map[string]int),
		NetLiquidation:   netLiquidation,
		MarginMultiplier: 1.0,
	}
}

// SetPrice records the underlying price used for the default margin figure.
func (p *PaperBroker) SetPrice(symbol string, price float64) *PaperBroker {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[normalize(symbol)] = price
	return p
}

// SetMargin fixes the per-contract margin for symbol. nil makes the broker
// report no margin.
func (p *PaperBroker) SetMargin(symbol string, perContract *float64) *PaperBroker {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overrides[normalize(symbol)] = perContract
	return p
}

// Fail makes the next n margin queries for symbol return an error.
func (p *PaperBroker) Fail(symbol string, n int) *PaperBroker {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[normalize(symbol)] = n
	return p
}

// Unlist makes qualification of symbol return no contracts.
func (p *PaperBroker) Unlist(symbol string) *PaperBroker {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unlisted[normalize(symbol)] = true
	return p
}

// WithSummary overrides GetAccountSummary.
func (p *PaperBroker) WithSummary(fn AccountSummaryFunc) *PaperBroker {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.summary = fn
	return p
}

// MarginCalls returns how many margin queries were made for symbol.
func (p *PaperBroker) MarginCalls(symbol string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[normalize(symbol)]
}

// GetAccountSummary returns the configured net liquidation value.
func (p *PaperBroker) GetAccountSummary(_ context.Context) (*broker.AccountSummary, error) {
	p.mu.Lock()
	fn := p.summary
	netLiq := p.NetLiquidation
	p.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return &broker.AccountSummary{
		NetLiquidation:    netLiq,
		OptionBuyingPower: netLiq,
		TotalCash:         netLiq,
	}, nil
}

// GetOptionContract builds an unqualified contract.
func (p *PaperBroker) GetOptionContract(symbol string, strike float64, expiration time.Time, right broker.Right) broker.Contract {
	return broker.NewContract(symbol, strike, expiration, right)
}

// QualifyContract marks the contract as listed unless the symbol is unlisted.
func (p *PaperBroker) QualifyContract(ctx context.Context, contract broker.Contract) ([]broker.Contract, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unlisted[contract.Symbol] {
		return nil, nil
	}
	contract.Qualified = true
	return []broker.Contract{contract}, nil
}

// GetActualMargin returns the margin for quantity contracts.
func (p *PaperBroker) GetActualMargin(ctx context.Context, contract broker.Contract, quantity int) (*float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	sym := contract.Symbol
	p.calls[sym]++

	if n := p.failures[sym]; n > 0 {
		p.failures[sym] = n - 1
		return nil, fmt.Errorf("%s: %w", sym, errPaperBroker)
	}
	if !contract.Qualified {
		return nil, fmt.Errorf("%w: %s", broker.ErrContractNotFound, contract.OCCSymbol)
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity %d", quantity)
	}

	if v, ok := p.overrides[sym]; ok {
		if v == nil {
			return nil, nil
		}
		total := *v * float64(quantity)
		return &total, nil
	}

	price, ok := p.prices[sym]
	if !ok || price <= 0 {
		price = contract.Strike
	}
	perContract := margin.RegTEstimate(price, contract.Strike, contract.Bid) * p.MarginMultiplier
	total := math.Round(perContract*float64(quantity)*100) / 100
	return &total, nil
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
