// Package portfolio allocates a margin budget across strike candidates.
package portfolio

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/scranton_puts/internal/broker"
	"github.com/eddiefleurent/scranton_puts/internal/config"
	"github.com/eddiefleurent/scranton_puts/internal/margin"
	"github.com/eddiefleurent/scranton_puts/internal/metrics"
	"github.com/eddiefleurent/scranton_puts/internal/models"
	"github.com/eddiefleurent/scranton_puts/internal/retry"
	"github.com/eddiefleurent/scranton_puts/internal/storage"
)

// Skip reason kinds, used as metric labels.
const (
	skipMaxPositions = "max_positions"
	skipDuplicate    = "duplicate_symbol"
	skipSectorCap    = "sector_cap"
	skipBudget       = "budget"
)

// Builder turns strike candidates into a PortfolioPlan. It is not safe for
// concurrent use against the same broker session.
type Builder struct {
	broker  broker.MarginBroker
	store   storage.CommittedMarginReader
	sleeper retry.Sleeper
	metrics *metrics.Recorder
	log     zerolog.Logger
	prefs   config.Preferences
	policy  retry.Policy
}

// Option configures a Builder.
type Option func(*Builder)

// WithRetryPolicy overrides the margin query retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(b *Builder) { b.policy = p.Sanitized() }
}

// WithSleeper replaces the wall-clock sleeper used for pacing.
func WithSleeper(s retry.Sleeper) Option {
	return func(b *Builder) {
		if s != nil {
			b.sleeper = s
		}
	}
}

// WithMetrics records run statistics.
func WithMetrics(r *metrics.Recorder) Option {
	return func(b *Builder) { b.metrics = r }
}

// NewBuilder creates a portfolio builder. A nil broker runs offline with
// estimated margin only; a nil store means nothing is committed.
func NewBuilder(
	prefs config.Preferences,
	mb broker.MarginBroker,
	store storage.CommittedMarginReader,
	log zerolog.Logger,
	opts ...Option,
) *Builder {
	b := &Builder{
		prefs:   prefs,
		broker:  mb,
		store:   store,
		sleeper: retry.RealSleeper{},
		log:     log.With().Str("component", "portfolio_builder").Logger(),
		policy: retry.Policy{
			MaxAttempts:      prefs.MaxAttempts,
			PacingDelay:      prefs.PacingDelay,
			RetryPacingDelay: prefs.RetryPacingDelay,
			SettleDelay:      prefs.SettleDelay,
		}.Sanitized(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildPortfolio runs committed-margin check, budget resolution, margin
// acquisition, reranking and greedy selection. marginBudget overrides the
// derived budget when non-nil. The only error is context cancellation.
func (b *Builder) BuildPortfolio(
	ctx context.Context,
	candidates []models.StrikeCandidate,
	marginBudget *float64,
) (*models.PortfolioPlan, error) {
	plan := models.NewEmptyPlan()
	var warnings []string

	// 1. margin already committed to staged trades
	committed, committedCount, err := b.committedMargin(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("reading committed margin: %w", ctxErr)
		}
		b.log.Warn().Err(err).Msg("Committed margin lookup failed, assuming none")
		warnings = append(warnings, fmt.Sprintf("committed margin unavailable (%v); assuming $0", err))
		committed, committedCount = 0, 0
	}
	plan.CommittedMargin = committed
	plan.CommittedCount = committedCount

	if committed >= b.prefs.MaxMarginCeiling {
		msg := fmt.Sprintf("FATAL: committed margin %s across %d staged trades is at or above the %s ceiling; no new trades considered",
			dollars(committed), committedCount, dollars(b.prefs.MaxMarginCeiling))
		b.log.Error().
			Float64("committed", committed).
			Float64("ceiling", b.prefs.MaxMarginCeiling).
			Msg("Margin ceiling reached")
		plan.Fatal = true
		plan.Warnings = []string{msg}
		b.metrics.RecordRun("fatal", 0, 0, committed)
		return plan, nil
	}

	// 2. budget
	requested, budgetWarnings := b.resolveBudget(ctx, marginBudget)
	warnings = append(warnings, budgetWarnings...)
	available := math.Max(0, math.Min(requested, b.prefs.MaxMarginCeiling-committed))
	plan.RequestedBudget = requested
	plan.MarginBudget = available

	b.log.Info().
		Float64("requested", requested).
		Float64("committed", committed).
		Float64("available", available).
		Int("candidates", len(candidates)).
		Msg("Building portfolio")
	b.metrics.RecordCandidates(len(candidates))

	// 3. margin acquisition
	trades, err := b.acquireMargins(ctx, candidates)
	if err != nil {
		return nil, err
	}

	// 4. estimated vs actual ranking
	plan.MarginComparisons = compareRanks(trades)

	// 5. sort by actual efficiency
	sortByEfficiency(trades)

	// 6. greedy selection
	b.allocate(plan, trades, available)

	// 7. warnings
	plan.Warnings = append(append(plan.Warnings, warnings...), b.warnings(plan, len(candidates))...)

	b.metrics.RecordRun("ok", available, plan.TotalMarginUsed, committed)
	b.log.Info().
		Int("selected", len(plan.Trades)).
		Int("skipped", len(plan.SkippedTrades)).
		Float64("margin_used", plan.TotalMarginUsed).
		Float64("premium", plan.TotalPremiumExpected).
		Float64("utilization", plan.BudgetUtilization()).
		Msg("Portfolio built")
	return plan, nil
}

func (b *Builder) committedMargin(ctx context.Context) (float64, int, error) {
	if b.store == nil {
		return 0, 0, nil
	}
	total, count, err := b.store.CommittedMargin(ctx)
	if err != nil {
		return 0, 0, err
	}
	if math.IsNaN(total) || total < 0 {
		return 0, 0, fmt.Errorf("invalid committed margin %v", total)
	}
	return total, count, nil
}

// resolveBudget picks caller budget, then equity × pct, then the static fallback.
func (b *Builder) resolveBudget(ctx context.Context, requested *float64) (float64, []string) {
	if requested != nil {
		v := *requested
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			b.log.Debug().Float64("budget", v).Msg("Using caller budget")
			return math.Max(0, v), nil
		}
		b.log.Warn().Float64("budget", v).Msg("Ignoring non-finite caller budget")
	}

	fallback := b.prefs.MarginBudgetFallback
	if b.broker == nil {
		return fallback, nil
	}

	summary, err := b.broker.GetAccountSummary(ctx)
	switch {
	case err != nil:
		b.log.Warn().Err(err).Float64("fallback", fallback).Msg("Account summary failed, using fallback budget")
		return fallback, []string{fmt.Sprintf("account summary unavailable; using fallback budget %s", dollars(fallback))}
	case summary == nil || summary.NetLiquidation <= 0 || math.IsNaN(summary.NetLiquidation):
		b.log.Warn().Float64("fallback", fallback).Msg("No account equity, using fallback budget")
		return fallback, []string{fmt.Sprintf("account equity unavailable; using fallback budget %s", dollars(fallback))}
	}

	budget := summary.NetLiquidation * b.prefs.MarginBudgetPct
	b.log.Debug().
		Float64("net_liquidation", summary.NetLiquidation).
		Float64("pct", b.prefs.MarginBudgetPct).
		Float64("budget", budget).
		Msg("Budget from account equity")
	return budget, nil
}

// acquireMargins asks the broker for each candidate's margin and resolves
// every candidate to a StagedTrade with a positive per-contract margin.
func (b *Builder) acquireMargins(ctx context.Context, candidates []models.StrikeCandidate) ([]models.StagedTrade, error) {
	normalized := make([]models.StrikeCandidate, len(candidates))
	for i, c := range candidates {
		normalized[i] = normalizeCandidate(c)
	}

	actuals := make([]*float64, len(normalized))
	if b.broker != nil && len(normalized) > 0 {
		outcomes, err := retry.TwoPhase(ctx, b.policy, b.sleeper, len(normalized),
			func(ctx context.Context, i, attempt int) (*float64, error) {
				return b.queryMargin(ctx, normalized[i], attempt)
			})
		if err != nil {
			return nil, err
		}
		for i, o := range outcomes {
			c := normalized[i]
			if o.Failed() {
				b.log.Warn().
					Err(o.Err).
					Str("symbol", c.Symbol).
					Int("attempts", o.Attempts).
					Bool("transient", retry.IsTransientError(o.Err)).
					Bool("rejected", broker.IsPermanentAPIError(o.Err)).
					Msg("Broker margin unavailable, falling back to estimate")
				continue
			}
			actuals[i] = o.Value
		}
	}

	trades := make([]models.StagedTrade, 0, len(normalized))
	for i, c := range normalized {
		actual := actuals[i]
		if actual != nil && (!margin.IsBelievable(*actual, c.Strike) || *actual <= 0) {
			b.log.Warn().
				Str("symbol", c.Symbol).
				Float64("actual", *actual).
				Float64("floor", margin.SanityFloor(c.Strike)).
				Msg("Broker margin below sanity floor, discarding")
			actual = nil
		}

		effective, source := margin.Resolve(actual, c.MarginEstimate, c.StockPrice, c.Strike)
		updated := c.WithActualMargin(actual, effective)
		b.metrics.RecordMarginSource(string(source))

		trades = append(trades, models.StagedTrade{
			StrikeCandidate:   updated,
			MarginPerContract: effective,
			MarginSource:      source,
			TotalPremium:      updated.PremiumIncome,
		})
	}
	return trades, nil
}

// queryMargin qualifies the candidate's put and returns the broker margin
// per contract. A nil figure is reported as an error so it is retried.
func (b *Builder) queryMargin(ctx context.Context, c models.StrikeCandidate, attempt int) (*float64, error) {
	start := time.Now()
	contract := b.broker.GetOptionContract(c.Symbol, c.Strike, c.Expiration, broker.RightPut)

	qualified, err := b.broker.QualifyContract(ctx, contract)
	if err != nil {
		b.metrics.ObserveMarginQuery(metrics.OutcomeError, time.Since(start))
		return nil, fmt.Errorf("qualifying %s: %w", contract.OCCSymbol, err)
	}
	if len(qualified) == 0 {
		b.metrics.ObserveMarginQuery(metrics.OutcomeUnqualified, time.Since(start))
		return nil, fmt.Errorf("%w: %s", broker.ErrContractNotFound, contract.OCCSymbol)
	}

	q := qualified[0]
	if q.Bid <= 0 {
		q.Bid = c.Bid
	}
	total, err := b.broker.GetActualMargin(ctx, q, c.Contracts)
	if err != nil {
		b.metrics.ObserveMarginQuery(metrics.OutcomeError, time.Since(start))
		return nil, err
	}
	if total == nil || math.IsNaN(*total) {
		b.metrics.ObserveMarginQuery(metrics.OutcomeUnavailable, time.Since(start))
		return nil, fmt.Errorf("%w: %s", broker.ErrNoMargin, contract.OCCSymbol)
	}

	perContract := *total / float64(c.Contracts)
	outcome := metrics.OutcomeConfirmed
	if !margin.IsBelievable(perContract, c.Strike) || perContract <= 0 {
		outcome = metrics.OutcomeBelowFloor
	}
	b.metrics.ObserveMarginQuery(outcome, time.Since(start))
	b.log.Debug().
		Str("symbol", c.Symbol).
		Int("attempt", attempt).
		Float64("per_contract", perContract).
		Float64("estimate", c.MarginEstimate).
		Msg("Broker margin received")
	return &perContract, nil
}

// allocate walks trades in order and accepts each one that satisfies every
// constraint. Σ margin never exceeds available at any step.
func (b *Builder) allocate(plan *models.PortfolioPlan, trades []models.StagedTrade, available float64) {
	selected := make(map[string]bool)
	cumulative := 0.0

	for _, t := range trades {
		t.CumulativeMargin = cumulative
		reason, kind := b.rejection(t, len(plan.Trades), selected, plan.SectorDistribution, cumulative, available)
		if reason != "" {
			t.SkipReason = reason
			t.WithinBudget = false
			plan.SkippedTrades = append(plan.SkippedTrades, t)
			b.metrics.RecordSkipped(kind)
			b.log.Debug().Str("symbol", t.Symbol).Str("reason", reason).Msg("Trade skipped")
			continue
		}

		cumulative += t.TotalMargin
		t.CumulativeMargin = cumulative
		t.WithinBudget = true
		t.PortfolioRank = len(plan.Trades) + 1

		selected[t.Symbol] = true
		plan.SectorDistribution[t.Sector]++
		plan.Trades = append(plan.Trades, t)
		plan.TotalPremiumExpected += t.TotalPremium
		b.metrics.RecordSelected(t.Sector)
	}

	plan.TotalMarginUsed = cumulative
	plan.MarginRemaining = available - cumulative
}

func (b *Builder) rejection(
	t models.StagedTrade,
	accepted int,
	selected map[string]bool,
	sectors map[string]int,
	cumulative, available float64,
) (string, string) {
	switch {
	case accepted >= b.prefs.MaxPositions:
		return fmt.Sprintf("max positions reached (%d)", b.prefs.MaxPositions), skipMaxPositions
	case selected[t.Symbol]:
		return fmt.Sprintf("symbol %s already selected", t.Symbol), skipDuplicate
	case sectors[t.Sector] >= b.prefs.MaxSectorConcentration:
		return fmt.Sprintf("sector %s at concentration cap (%d)", t.Sector, b.prefs.MaxSectorConcentration), skipSectorCap
	case cumulative+t.TotalMargin > available:
		return fmt.Sprintf("budget exceeded: needs %s, %s remaining",
			dollars(t.TotalMargin), dollars(available-cumulative)), skipBudget
	}
	return "", ""
}

// normalizeCandidate enforces contracts >= 1 and a sector label.
func normalizeCandidate(c models.StrikeCandidate) models.StrikeCandidate {
	if c.Contracts < 1 {
		c.Contracts = 1
		c.PremiumIncome = c.Bid * models.SharesPerContract
	}
	if c.Sector == "" {
		c.Sector = models.UnknownSector
	}
	return c
}

// sortByEfficiency orders by actual efficiency descending, then symbol.
func sortByEfficiency(trades []models.StagedTrade) {
	sort.SliceStable(trades, func(i, j int) bool {
		ei, ej := trades[i].MarginEfficiency, trades[j].MarginEfficiency
		if ei != ej {
			return ei > ej
		}
		return trades[i].Symbol < trades[j].Symbol
	})
}

func dollars(v float64) string {
	return fmt.Sprintf("$%.2f", v)
}
