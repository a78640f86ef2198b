package portfolio

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/scranton_puts/internal/broker"
	"github.com/eddiefleurent/scranton_puts/internal/config"
	"github.com/eddiefleurent/scranton_puts/internal/margin"
	"github.com/eddiefleurent/scranton_puts/internal/metrics"
	"github.com/eddiefleurent/scranton_puts/internal/mock"
	"github.com/eddiefleurent/scranton_puts/internal/models"
	"github.com/eddiefleurent/scranton_puts/internal/storage"
)

type recordingSleeper struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.slept = append(s.slept, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) durations() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.slept...)
}

var testExpiration = time.Date(2026, 11, 20, 0, 0, 0, 0, time.UTC)

// candidate builds a one-contract candidate with a fixed per-contract estimate.
func candidate(symbol, sector string, strike, bid, estimate float64) models.StrikeCandidate {
	c := models.StrikeCandidate{
		Symbol:         symbol,
		Sector:         sector,
		StockPrice:     strike * 1.1,
		Strike:         strike,
		Expiration:     testExpiration,
		DTE:            32,
		Bid:            bid,
		Ask:            bid + 0.05,
		Mid:            bid + 0.025,
		SuggestedLimit: bid,
		OTMPct:         1 - 1/1.1,
		IVRank:         0.40,
		MarginEstimate: estimate,
		Contracts:      1,
		PremiumIncome:  bid * models.SharesPerContract,
		Source:         "test",
	}
	c.TotalMargin = estimate
	c.MarginEfficiency = margin.Efficiency(c.PremiumIncome, c.TotalMargin)
	return c
}

func testPrefs() config.Preferences {
	return config.DefaultPreferences()
}

func newTestBuilder(prefs config.Preferences, mb broker.MarginBroker, store storage.CommittedMarginReader) (*Builder, *recordingSleeper) {
	sleeper := &recordingSleeper{}
	return NewBuilder(prefs, mb, store, zerolog.Nop(), WithSleeper(sleeper)), sleeper
}

func budget(v float64) *float64 { return &v }

func TestBuildPortfolio_SectorCap(t *testing.T) {
	prefs := testPrefs()
	prefs.MaxSectorConcentration = 1
	b, _ := newTestBuilder(prefs, nil, nil)

	candidates := []models.StrikeCandidate{
		candidate("LOW", "Technology", 100, 0.50, 2000),
		candidate("HIGH", "Technology", 100, 0.90, 2000),
	}
	plan, err := b.BuildPortfolio(context.Background(), candidates, budget(100000))
	require.NoError(t, err)

	require.Len(t, plan.Trades, 1)
	assert.Equal(t, "HIGH", plan.Trades[0].Symbol)
	require.Len(t, plan.SkippedTrades, 1)
	assert.Equal(t, "LOW", plan.SkippedTrades[0].Symbol)
	assert.Equal(t, "sector Technology at concentration cap (1)", plan.SkippedTrades[0].SkipReason)
	assert.False(t, plan.SkippedTrades[0].WithinBudget)
	assert.Contains(t, plan.Warnings, "sector Technology at concentration cap (1)")
}

func TestBuildPortfolio_BrokerMarginBelowSanityFloor(t *testing.T) {
	pb := mock.NewPaperBroker(100000).SetMargin("XYZ", budget(400))
	b, sleeper := newTestBuilder(testPrefs(), pb, nil)

	c := candidate("XYZ", "Energy", 100, 0.50, margin.RegTEstimate(110, 100, 0.50))
	plan, err := b.BuildPortfolio(context.Background(), []models.StrikeCandidate{c}, budget(50000))
	require.NoError(t, err)

	require.Len(t, plan.Trades, 1)
	got := plan.Trades[0]
	assert.Equal(t, models.MarginEstimated, got.MarginSource)
	assert.Nil(t, got.MarginActual)
	assert.Equal(t, c.MarginEstimate, got.MarginPerContract)
	assert.Equal(t, 1, pb.MarginCalls("XYZ"), "below-floor values are not retried")
	assert.Len(t, sleeper.durations(), 1, "one pacing sleep, no retry pass")
}

func TestBuildPortfolio_BudgetExhaustion(t *testing.T) {
	b, _ := newTestBuilder(testPrefs(), nil, nil)
	candidates := []models.StrikeCandidate{
		candidate("AAA", "Technology", 200, 4.00, 20000),
		candidate("BBB", "Energy", 200, 3.00, 20000),
		candidate("CCC", "Financials", 200, 2.00, 20000),
	}

	plan, err := b.BuildPortfolio(context.Background(), candidates, budget(45000))
	require.NoError(t, err)

	assert.Equal(t, []string{"AAA", "BBB"}, plan.Symbols())
	require.Len(t, plan.SkippedTrades, 1)
	assert.Equal(t, "CCC", plan.SkippedTrades[0].Symbol)
	assert.Equal(t, "budget exceeded: needs $20000.00, $5000.00 remaining", plan.SkippedTrades[0].SkipReason)
	assert.Equal(t, 40000.0, plan.TotalMarginUsed)
	assert.Equal(t, 5000.0, plan.MarginRemaining)
	assert.Equal(t, 45000.0, plan.MarginBudget)
	assert.Equal(t, 20000.0, plan.Trades[0].CumulativeMargin)
	assert.Equal(t, 40000.0, plan.Trades[1].CumulativeMargin)
	assert.Equal(t, 1, plan.Trades[0].PortfolioRank)
	assert.Equal(t, 2, plan.Trades[1].PortfolioRank)
	assert.Equal(t, 700.0, plan.TotalPremiumExpected)
}

func TestBuildPortfolio_CommittedAtCeilingIsFatal(t *testing.T) {
	prefs := testPrefs()
	store := storage.NewMemoryStore("acct", storage.Entry{
		AccountScope: "acct", Status: storage.StatusStaged, TotalMargin: prefs.MaxMarginCeiling,
	})
	pb := mock.NewPaperBroker(1000000)
	b, sleeper := newTestBuilder(prefs, pb, store)

	candidates := []models.StrikeCandidate{
		candidate("AAA", "Technology", 50, 2.00, 1000),
		candidate("BBB", "Energy", 50, 2.00, 1000),
	}
	plan, err := b.BuildPortfolio(context.Background(), candidates, budget(100000))
	require.NoError(t, err)

	assert.True(t, plan.Fatal)
	assert.Empty(t, plan.Trades)
	assert.Empty(t, plan.SkippedTrades)
	require.Len(t, plan.Warnings, 1)
	assert.True(t, strings.HasPrefix(plan.Warnings[0], "FATAL"))
	assert.Equal(t, prefs.MaxMarginCeiling, plan.CommittedMargin)
	assert.Equal(t, 1, plan.CommittedCount)
	assert.Zero(t, plan.MarginBudget)
	assert.Zero(t, pb.MarginCalls("AAA"), "no broker calls once the ceiling is reached")
	assert.Empty(t, sleeper.durations())
}

func TestBuildPortfolio_MaxPositionsAndDuplicates(t *testing.T) {
	prefs := testPrefs()
	prefs.MaxPositions = 2
	b, _ := newTestBuilder(prefs, nil, nil)

	candidates := []models.StrikeCandidate{
		candidate("AAA", "Technology", 100, 1.00, 1000),
		candidate("AAA", "Technology", 95, 0.90, 1000),
		candidate("BBB", "Energy", 100, 0.80, 1000),
		candidate("CCC", "Financials", 100, 0.70, 1000),
	}
	plan, err := b.BuildPortfolio(context.Background(), candidates, budget(100000))
	require.NoError(t, err)

	assert.Equal(t, []string{"AAA", "BBB"}, plan.Symbols())
	require.Len(t, plan.SkippedTrades, 2)
	assert.Equal(t, "symbol AAA already selected", plan.SkippedTrades[0].SkipReason)
	assert.Equal(t, "max positions reached (2)", plan.SkippedTrades[1].SkipReason)
	assert.Equal(t, "CCC", plan.SkippedTrades[1].Symbol)
}

func TestBuildPortfolio_RetriesFailedQueriesOnce(t *testing.T) {
	pb := mock.NewPaperBroker(100000).
		SetMargin("AAA", budget(1500)).
		SetMargin("BBB", budget(1200)).
		Fail("AAA", 1).
		Fail("BBB", 2)
	b, sleeper := newTestBuilder(testPrefs(), pb, nil)

	candidates := []models.StrikeCandidate{
		candidate("AAA", "Technology", 100, 1.00, 1000),
		candidate("BBB", "Energy", 100, 1.00, 1000),
	}
	plan, err := b.BuildPortfolio(context.Background(), candidates, budget(100000))
	require.NoError(t, err)

	assert.Equal(t, 2, pb.MarginCalls("AAA"))
	assert.Equal(t, 2, pb.MarginCalls("BBB"))

	bySymbol := map[string]models.StagedTrade{}
	for _, tr := range plan.Trades {
		bySymbol[tr.Symbol] = tr
	}
	require.Contains(t, bySymbol, "AAA")
	require.Contains(t, bySymbol, "BBB")
	assert.Equal(t, models.MarginBrokerConfirmed, bySymbol["AAA"].MarginSource)
	require.NotNil(t, bySymbol["AAA"].MarginActual)
	assert.Equal(t, 1500.0, *bySymbol["AAA"].MarginActual)
	assert.Equal(t, models.MarginEstimated, bySymbol["BBB"].MarginSource)
	assert.Equal(t, 1000.0, bySymbol["BBB"].MarginPerContract)

	policy := b.policy
	assert.Equal(t, []time.Duration{
		policy.PacingDelay, policy.PacingDelay, // first pass
		policy.SettleDelay,      // before retries
		policy.RetryPacingDelay, // between the two retries
	}, sleeper.durations())
	assert.Contains(t, plan.Warnings, "1 of 2 selected trades use estimated margin")
}

func TestBuildPortfolio_ActualMarginIsPerContract(t *testing.T) {
	pb := mock.NewPaperBroker(100000).SetMargin("AAA", budget(1800))
	b, _ := newTestBuilder(testPrefs(), pb, nil)

	c := candidate("AAA", "Technology", 100, 1.00, 1000)
	c.Contracts = 3
	c.PremiumIncome = 300
	plan, err := b.BuildPortfolio(context.Background(), []models.StrikeCandidate{c}, budget(100000))
	require.NoError(t, err)

	require.Len(t, plan.Trades, 1)
	tr := plan.Trades[0]
	assert.Equal(t, 1800.0, tr.MarginPerContract)
	assert.Equal(t, 5400.0, tr.TotalMargin)
	assert.InDelta(t, 300.0/5400.0, tr.MarginEfficiency, 1e-12)
	assert.Equal(t, 300.0, tr.TotalPremium)
}

func TestBuildPortfolio_UnlistedContractFallsBack(t *testing.T) {
	pb := mock.NewPaperBroker(100000).Unlist("GONE")
	b, _ := newTestBuilder(testPrefs(), pb, nil)

	plan, err := b.BuildPortfolio(context.Background(),
		[]models.StrikeCandidate{candidate("GONE", "Energy", 40, 0.30, 600)}, budget(10000))
	require.NoError(t, err)

	require.Len(t, plan.Trades, 1)
	assert.Equal(t, models.MarginEstimated, plan.Trades[0].MarginSource)
	assert.Zero(t, pb.MarginCalls("GONE"), "unqualified contracts never reach the margin query")
}

func TestBuildPortfolio_ZeroEstimateUsesNotionalFloor(t *testing.T) {
	b, _ := newTestBuilder(testPrefs(), nil, nil)
	c := candidate("PENNY", "Materials", 2, 0.10, 0)
	c.StockPrice = 2.5

	plan, err := b.BuildPortfolio(context.Background(), []models.StrikeCandidate{c}, budget(10000))
	require.NoError(t, err)

	require.Len(t, plan.Trades, 1)
	assert.InDelta(t, 25.0, plan.Trades[0].MarginPerContract, 1e-9)
	assert.Greater(t, plan.Trades[0].TotalMargin, 0.0)
}

func TestBuildPortfolio_MarginComparisons(t *testing.T) {
	pb := mock.NewPaperBroker(100000).
		SetMargin("AAA", budget(5000)).
		SetMargin("BBB", budget(2000))
	b, _ := newTestBuilder(testPrefs(), pb, nil)

	candidates := []models.StrikeCandidate{
		candidate("AAA", "Technology", 100, 1.00, 1000),
		candidate("BBB", "Energy", 100, 1.00, 2000),
	}
	plan, err := b.BuildPortfolio(context.Background(), candidates, budget(100000))
	require.NoError(t, err)

	require.Len(t, plan.MarginComparisons, 2)
	first, second := plan.MarginComparisons[0], plan.MarginComparisons[1]
	assert.Equal(t, "BBB", first.Symbol)
	assert.Equal(t, 2, first.EstimatedRank)
	assert.Equal(t, 1, first.ActualRank)
	assert.Equal(t, 1, first.RankShift)
	assert.Equal(t, "AAA", second.Symbol)
	assert.Equal(t, -1, second.RankShift)
	assert.Equal(t, 5000.0, second.ActualMargin)
	assert.Equal(t, 1000.0, second.EstimatedMargin)

	assert.Equal(t, []string{"BBB", "AAA"}, plan.Symbols())
}

func TestBuildPortfolio_EfficiencyTieBreaksBySymbol(t *testing.T) {
	b, _ := newTestBuilder(testPrefs(), nil, nil)
	candidates := []models.StrikeCandidate{
		candidate("ZZZ", "Energy", 100, 1.00, 1000),
		candidate("AAA", "Technology", 100, 1.00, 1000),
	}
	plan, err := b.BuildPortfolio(context.Background(), candidates, budget(100000))
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA", "ZZZ"}, plan.Symbols())
}

func TestBuildPortfolio_BudgetResolution(t *testing.T) {
	prefs := testPrefs()

	tests := []struct {
		name          string
		broker        func() broker.MarginBroker
		store         storage.CommittedMarginReader
		explicit      *float64
		wantRequested float64
		wantAvailable float64
		wantWarning   string
	}{
		{
			name:          "explicit budget wins",
			broker:        func() broker.MarginBroker { return mock.NewPaperBroker(1000000) },
			explicit:      budget(30000),
			wantRequested: 30000,
			wantAvailable: 30000,
		},
		{
			name:          "equity times pct",
			broker:        func() broker.MarginBroker { return mock.NewPaperBroker(100000) },
			wantRequested: 100000 * prefs.MarginBudgetPct,
			wantAvailable: 100000 * prefs.MarginBudgetPct,
		},
		{
			name:          "offline uses fallback",
			broker:        func() broker.MarginBroker { return nil },
			wantRequested: prefs.MarginBudgetFallback,
			wantAvailable: prefs.MarginBudgetFallback,
		},
		{
			name: "summary error uses fallback",
			broker: func() broker.MarginBroker {
				return mock.NewPaperBroker(0).WithSummary(func() (*broker.AccountSummary, error) {
					return nil, errors.New("session expired")
				})
			},
			wantRequested: prefs.MarginBudgetFallback,
			wantAvailable: prefs.MarginBudgetFallback,
			wantWarning:   "account summary unavailable",
		},
		{
			name:          "zero equity uses fallback",
			broker:        func() broker.MarginBroker { return mock.NewPaperBroker(0) },
			wantRequested: prefs.MarginBudgetFallback,
			wantAvailable: prefs.MarginBudgetFallback,
			wantWarning:   "account equity unavailable",
		},
		{
			name:   "ceiling minus committed caps the budget",
			broker: func() broker.MarginBroker { return nil },
			store: storage.NewMemoryStore("", storage.Entry{
				Status: storage.StatusStaged, TotalMargin: prefs.MaxMarginCeiling - 10000,
			}),
			wantRequested: prefs.MarginBudgetFallback,
			wantAvailable: 10000,
		},
		{
			name:          "negative explicit budget floors at zero",
			broker:        func() broker.MarginBroker { return nil },
			explicit:      budget(-5),
			wantRequested: 0,
			wantAvailable: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newTestBuilder(prefs, tt.broker(), tt.store)
			plan, err := b.BuildPortfolio(context.Background(), nil, tt.explicit)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRequested, plan.RequestedBudget)
			assert.Equal(t, tt.wantAvailable, plan.MarginBudget)
			assert.False(t, plan.Fatal)
			if tt.wantWarning != "" {
				require.NotEmpty(t, plan.Warnings)
				assert.Contains(t, plan.Warnings[0], tt.wantWarning)
			}
		})
	}
}

func TestBuildPortfolio_CommittedStoreErrorTreatedAsZero(t *testing.T) {
	store := storage.NewMemoryStore("acct")
	store.SetError(errors.New("ledger unreadable"))
	b, _ := newTestBuilder(testPrefs(), nil, store)

	plan, err := b.BuildPortfolio(context.Background(),
		[]models.StrikeCandidate{candidate("AAA", "Technology", 100, 1.00, 1000)}, budget(20000))
	require.NoError(t, err)

	assert.Zero(t, plan.CommittedMargin)
	assert.Equal(t, 20000.0, plan.MarginBudget)
	assert.Len(t, plan.Trades, 1)
	require.NotEmpty(t, plan.Warnings)
	assert.Contains(t, plan.Warnings[0], "committed margin unavailable")
	assert.Equal(t, 1, store.Calls())
}

func TestBuildPortfolio_Warnings(t *testing.T) {
	b, _ := newTestBuilder(testPrefs(), nil, nil)

	hot := candidate("HOT", "Technology", 100, 1.00, 2100)
	hot.IVRank = 0.72
	plan, err := b.BuildPortfolio(context.Background(), []models.StrikeCandidate{hot}, budget(2200))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"HOT: IV rank 72% above 60% threshold",
		"1 of 1 selected trades use estimated margin",
		"budget utilization 95.5% exceeds 80% soft limit",
	}, plan.Warnings)
}

func TestBuildPortfolio_NoBudgetWarning(t *testing.T) {
	b, _ := newTestBuilder(testPrefs(), nil, nil)
	plan, err := b.BuildPortfolio(context.Background(),
		[]models.StrikeCandidate{candidate("AAA", "Technology", 100, 1.00, 1000)}, budget(0))
	require.NoError(t, err)

	assert.Empty(t, plan.Trades)
	require.Len(t, plan.SkippedTrades, 1)
	assert.Contains(t, plan.SkippedTrades[0].SkipReason, "budget exceeded")
	require.NotEmpty(t, plan.Warnings)
	assert.Contains(t, plan.Warnings[0], "no margin budget available")
}

func TestBuildPortfolio_EmptyCandidates(t *testing.T) {
	b, _ := newTestBuilder(testPrefs(), nil, nil)
	plan, err := b.BuildPortfolio(context.Background(), nil, budget(10000))
	require.NoError(t, err)
	assert.Empty(t, plan.Trades)
	assert.Empty(t, plan.SkippedTrades)
	assert.Empty(t, plan.MarginComparisons)
	assert.Empty(t, plan.Warnings)
	assert.Equal(t, 10000.0, plan.MarginRemaining)
}

func TestBuildPortfolio_NormalizesContractsAndSector(t *testing.T) {
	b, _ := newTestBuilder(testPrefs(), nil, nil)
	c := candidate("AAA", "", 100, 1.00, 1000)
	c.Contracts = 0
	c.PremiumIncome = 0

	plan, err := b.BuildPortfolio(context.Background(), []models.StrikeCandidate{c}, budget(10000))
	require.NoError(t, err)
	require.Len(t, plan.Trades, 1)
	assert.Equal(t, 1, plan.Trades[0].Contracts)
	assert.Equal(t, 100.0, plan.Trades[0].TotalPremium)
	assert.Equal(t, models.UnknownSector, plan.Trades[0].Sector)
	assert.Equal(t, 1, plan.SectorDistribution[models.UnknownSector])
}

func TestBuildPortfolio_DoesNotMutateInput(t *testing.T) {
	pb := mock.NewPaperBroker(100000).SetMargin("AAA", budget(3000))
	b, _ := newTestBuilder(testPrefs(), pb, nil)

	candidates := []models.StrikeCandidate{candidate("AAA", "Technology", 100, 1.00, 1000)}
	before := candidates[0]
	_, err := b.BuildPortfolio(context.Background(), candidates, budget(10000))
	require.NoError(t, err)
	assert.Equal(t, before, candidates[0])
}

func TestBuildPortfolio_CanceledContext(t *testing.T) {
	pb := mock.NewPaperBroker(100000)
	b, _ := newTestBuilder(testPrefs(), pb, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	plan, err := b.BuildPortfolio(ctx,
		[]models.StrikeCandidate{candidate("AAA", "Technology", 100, 1.00, 1000)}, budget(10000))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, plan)
}

func TestBuildPortfolio_RecordsMetrics(t *testing.T) {
	rec := metrics.NewRecorder()
	prefs := testPrefs()
	prefs.MaxSectorConcentration = 1
	b := NewBuilder(prefs, nil, nil, zerolog.Nop(), WithSleeper(&recordingSleeper{}), WithMetrics(rec))

	candidates := []models.StrikeCandidate{
		candidate("AAA", "Technology", 100, 1.00, 1000),
		candidate("BBB", "Technology", 100, 0.50, 1000),
	}
	_, err := b.BuildPortfolio(context.Background(), candidates, budget(10000))
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.Candidates))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.Runs.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.Selected.WithLabelValues("Technology")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.Skipped.WithLabelValues(skipSectorCap)))
	assert.Equal(t, 2.0, testutil.ToFloat64(rec.MarginSources.WithLabelValues(string(models.MarginEstimated))))
	assert.Equal(t, 1000.0, testutil.ToFloat64(rec.MarginUsed))
}

// sampleCandidates builds one candidate per sample symbol from the generated
// chains, priced through the Reg-T estimate.
func sampleCandidates(t *testing.T) []models.StrikeCandidate {
	t.Helper()
	now := time.Date(2026, 10, 19, 15, 0, 0, 0, time.UTC)
	chains := mock.GenerateCandidates(mock.SampleUniverse, mock.NextFriday(now, 7), now)
	sectors := mock.Sectors(mock.SampleUniverse)

	var out []models.StrikeCandidate
	for _, sym := range mock.Symbols(mock.SampleUniverse) {
		chain := chains[sym]
		if len(chain) == 0 {
			continue
		}
		leg := chain[len(chain)/2]
		est := margin.RegTEstimate(leg.StockPrice, leg.Strike, leg.Bid)
		c := models.StrikeCandidate{
			Symbol:         sym,
			Sector:         sectors[sym],
			StockPrice:     leg.StockPrice,
			Strike:         leg.Strike,
			Expiration:     leg.Expiration,
			DTE:            leg.DTE,
			Bid:            leg.Bid,
			Ask:            leg.Ask,
			IVRank:         leg.IVRank,
			MarginEstimate: est,
			Contracts:      2,
			PremiumIncome:  leg.Bid * models.SharesPerContract * 2,
		}
		c.TotalMargin = est * 2
		c.MarginEfficiency = margin.Efficiency(c.PremiumIncome, c.TotalMargin)
		out = append(out, c)
	}
	require.NotEmpty(t, out)
	return out
}

func TestBuildPortfolio_Invariants(t *testing.T) {
	prefs := testPrefs()
	prefs.MaxPositions = 6
	prefs.MaxSectorConcentration = 2
	candidates := sampleCandidates(t)

	for _, avail := range []float64{0, 3000, 12000, 40000, 1e6} {
		pb := mock.NewPaperBroker(500000)
		pb.MarginMultiplier = 1.15
		b, _ := newTestBuilder(prefs, pb, nil)

		plan, err := b.BuildPortfolio(context.Background(), candidates, budget(avail))
		require.NoError(t, err)

		assert.LessOrEqual(t, len(plan.Trades), prefs.MaxPositions)
		assert.Equal(t, len(candidates), len(plan.Trades)+len(plan.SkippedTrades))

		seen := map[string]bool{}
		sectors := map[string]int{}
		running := 0.0
		for i, tr := range plan.Trades {
			assert.False(t, seen[tr.Symbol], "duplicate %s", tr.Symbol)
			seen[tr.Symbol] = true
			sectors[tr.Sector]++
			assert.LessOrEqual(t, sectors[tr.Sector], prefs.MaxSectorConcentration)

			running += tr.TotalMargin
			assert.LessOrEqual(t, running, plan.MarginBudget)
			assert.Equal(t, running, tr.CumulativeMargin)
			assert.Equal(t, i+1, tr.PortfolioRank)
			assert.True(t, tr.WithinBudget)
			assert.Greater(t, tr.MarginPerContract, 0.0)
			assert.GreaterOrEqual(t, tr.Contracts, 1)
			if i > 0 {
				assert.GreaterOrEqual(t, plan.Trades[i-1].MarginEfficiency, tr.MarginEfficiency)
			}
		}
		for _, s := range plan.SkippedTrades {
			assert.NotEmpty(t, s.SkipReason)
			assert.Greater(t, s.TotalMargin, 0.0)
		}
		assert.Equal(t, sectors, plan.SectorDistribution)
		assert.InDelta(t, plan.MarginBudget-plan.TotalMarginUsed, plan.MarginRemaining, 1e-9)
	}
}

func TestBuildPortfolio_Idempotent(t *testing.T) {
	candidates := sampleCandidates(t)
	run := func() *models.PortfolioPlan {
		pb := mock.NewPaperBroker(250000)
		b, _ := newTestBuilder(testPrefs(), pb, nil)
		plan, err := b.BuildPortfolio(context.Background(), candidates, nil)
		require.NoError(t, err)
		return plan
	}
	assert.Equal(t, run(), run())
}
