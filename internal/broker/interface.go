package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

var (
	// ErrContractNotFound is returned when a contract cannot be qualified.
	ErrContractNotFound = errors.New("option contract not found")
	// ErrNoMargin is returned when the broker produced no usable margin figure.
	ErrNoMargin = errors.New("broker returned no margin")
)

// Right is the option type of a contract.
type Right string

const (
	// RightPut represents a put option contract
	RightPut Right = "P"
	// RightCall represents a call option contract
	RightCall Right = "C"
)

// Contract identifies one listed option. A qualified contract carries the
// broker's symbol and a reference quote.
type Contract struct {
	Expiration time.Time
	Symbol     string // underlying
	OCCSymbol  string
	Right      Right
	Strike     float64
	Bid        float64
	Ask        float64
	Qualified  bool
}

// AccountSummary holds the account values the allocator needs.
type AccountSummary struct {
	NetLiquidation    float64
	InitMarginReq     float64
	MaintMarginReq    float64
	OptionBuyingPower float64
	TotalCash         float64
}

// MarginBroker is the broker capability consumed by portfolio allocation.
// Implementations are assumed to be a single serialized session.
type MarginBroker interface {
	// GetAccountSummary returns nil, nil when the broker has no summary.
	GetAccountSummary(ctx context.Context) (*AccountSummary, error)
	// GetActualMargin returns the initial margin for selling quantity
	// contracts, in dollars for the whole quantity. nil means unavailable.
	GetActualMargin(ctx context.Context, contract Contract, quantity int) (*float64, error)
	GetOptionContract(symbol string, strike float64, expiration time.Time, right Right) Contract
	QualifyContract(ctx context.Context, contract Contract) ([]Contract, error)
}

// StrikeMatchEpsilon defines the precision tolerance for matching strike prices
const StrikeMatchEpsilon = 1e-3

// NewContract builds an unqualified contract with its OCC symbol.
func NewContract(symbol string, strike float64, expiration time.Time, right Right) Contract {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	return Contract{
		Symbol:     symbol,
		Strike:     strike,
		Expiration: expiration,
		Right:      right,
		OCCSymbol:  OCCSymbol(symbol, expiration, right, strike),
	}
}

// OCCSymbol builds SYMBOL + YYMMDD + P/C + 8-digit strike (thousandths).
//
// Example: AAPL, 2026-10-30, P, 170 → AAPL261030P00170000
func OCCSymbol(symbol string, expiration time.Time, right Right, strike float64) string {
	// Round strikes to nearest 1/1000th dollar for OCC encoding (standard format)
	const eps = 1e-9
	strikeInt := int(math.Round(strike*1000 + eps))
	return fmt.Sprintf("%s%s%s%08d", symbol, expiration.Format("060102"), right, strikeInt)
}

// CircuitBreakerBroker wraps a MarginBroker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  MarginBroker
	breaker *gobreaker.CircuitBreaker
}

// Ensure wrappers implement MarginBroker at compile time.
var (
	_ MarginBroker = (*CircuitBreakerBroker)(nil)
	_ MarginBroker = (*TradierClient)(nil)
)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker MarginBroker,
	fn func(MarginBroker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings trips after 60% failures over at least 5 requests.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  3,                // Allow 3 requests when half-open
	Interval:     60 * time.Second, // Reset counts every minute
	Timeout:      30 * time.Second, // Open circuit for 30 seconds
	MinRequests:  5,                // Minimum requests before tripping
	FailureRatio: 0.6,              // Trip if 60% failure rate
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with sensible defaults
func NewCircuitBreakerBroker(broker MarginBroker, log zerolog.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, DefaultCircuitBreakerSettings, log)
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings
func NewCircuitBreakerBrokerWithSettings(
	broker MarginBroker,
	settings CircuitBreakerSettings,
	log zerolog.Logger,
) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State returns the current breaker state.
func (c *CircuitBreakerBroker) State() gobreaker.State {
	return c.breaker.State()
}

// GetAccountSummary wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetAccountSummary(ctx context.Context) (*AccountSummary, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b MarginBroker) (*AccountSummary, error) {
		return b.GetAccountSummary(ctx)
	})
}

// GetActualMargin wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetActualMargin(ctx context.Context, contract Contract, quantity int) (*float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b MarginBroker) (*float64, error) {
		return b.GetActualMargin(ctx, contract, quantity)
	})
}

// GetOptionContract builds a contract locally; no breaker needed
func (c *CircuitBreakerBroker) GetOptionContract(symbol string, strike float64, expiration time.Time, right Right) Contract {
	return c.broker.GetOptionContract(symbol, strike, expiration, right)
}

// QualifyContract wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) QualifyContract(ctx context.Context, contract Contract) ([]Contract, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b MarginBroker) ([]Contract, error) {
		return b.QualifyContract(ctx, contract)
	})
}
