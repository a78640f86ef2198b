// Command integration runs a smoke check of the margin path against the
// Tradier sandbox: balances, chain lookup, contract qualification, margin
// preview, a one-trade portfolio build and a ledger round trip.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/eddiefleurent/scranton_puts/internal/broker"
	"github.com/eddiefleurent/scranton_puts/internal/config"
	"github.com/eddiefleurent/scranton_puts/internal/margin"
	"github.com/eddiefleurent/scranton_puts/internal/mock"
	"github.com/eddiefleurent/scranton_puts/internal/models"
	"github.com/eddiefleurent/scranton_puts/internal/portfolio"
	"github.com/eddiefleurent/scranton_puts/internal/storage"
)

type check struct {
	name string
	fn   func(ctx context.Context, s *session) error
}

type session struct {
	api    *broker.TradierAPI
	client broker.MarginBroker
	prefs  config.Preferences
	log    zerolog.Logger
	symbol string
	exp    time.Time
	put    broker.Contract
	margin *float64
}

func main() {
	var (
		configPath string
		symbol     string
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&symbol, "symbol", "SPY", "Underlying used for the checks")
	flag.Parse()

	_ = godotenv.Load()
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Str("component", "integration").Logger()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if !cfg.IsPaperTrading() || cfg.Broker.Provider != "tradier" {
		log.Fatal().Msg("Integration checks need environment.mode 'paper' and broker.provider 'tradier'")
	}

	api := broker.NewTradierAPIWithBaseURL(cfg.Broker.APIKey, cfg.Broker.AccountID, true, "").
		WithTimeout(cfg.Broker.Timeout).
		WithLogger(log)
	s := &session{
		api:    api,
		client: broker.NewCircuitBreakerBroker(broker.NewTradierClient(api), log),
		prefs:  cfg.Preferences(),
		log:    log,
		symbol: symbol,
		exp:    mock.NextFriday(time.Now(), cfg.Strikes.TargetDTE),
	}

	checks := []check{
		{"Account summary", checkAccountSummary},
		{"Put chain and qualification", checkQualification},
		{"Margin preview", checkMarginPreview},
		{"Portfolio build", checkPortfolioBuild},
		{"Ledger round trip", checkLedger},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	passed := 0
	for i, c := range checks {
		fmt.Printf("Check %d: %s\n", i+1, c.name)
		if err := c.fn(ctx, s); err != nil {
			fmt.Printf("  FAILED: %v\n\n", err)
			continue
		}
		passed++
		fmt.Print("  PASSED\n\n")
	}

	fmt.Printf("%d/%d checks passed\n", passed, len(checks))
	if passed != len(checks) {
		os.Exit(1)
	}
}

func checkAccountSummary(ctx context.Context, s *session) error {
	summary, err := s.client.GetAccountSummary(ctx)
	if err != nil {
		return err
	}
	if summary.NetLiquidation <= 0 {
		return fmt.Errorf("net liquidation is %.2f", summary.NetLiquidation)
	}
	fmt.Printf("  net liquidation $%.2f, option buying power $%.2f\n", summary.NetLiquidation, summary.OptionBuyingPower)
	return nil
}

func checkQualification(ctx context.Context, s *session) error {
	chain, err := s.api.GetOptionChainCtx(ctx, s.symbol, s.exp.Format("2006-01-02"))
	if err != nil {
		return err
	}

	var puts []broker.Option
	for _, o := range chain {
		if o.OptionType == "put" && o.Bid > 0 {
			puts = append(puts, o)
		}
	}
	if len(puts) == 0 {
		return fmt.Errorf("no bid puts for %s %s", s.symbol, s.exp.Format("2006-01-02"))
	}
	// lower third of the listed strikes is comfortably out of the money
	pick := puts[len(puts)/3]

	contract := s.client.GetOptionContract(s.symbol, pick.Strike, s.exp, broker.RightPut)
	qualified, err := s.client.QualifyContract(ctx, contract)
	if err != nil {
		return err
	}
	if len(qualified) == 0 {
		return fmt.Errorf("%s did not qualify", contract.OCCSymbol)
	}
	s.put = qualified[0]
	fmt.Printf("  %s bid %.2f ask %.2f\n", s.put.OCCSymbol, s.put.Bid, s.put.Ask)
	return nil
}

func checkMarginPreview(ctx context.Context, s *session) error {
	if !s.put.Qualified {
		return fmt.Errorf("no qualified contract from the previous check")
	}
	total, err := s.client.GetActualMargin(ctx, s.put, 1)
	if err != nil {
		return err
	}
	if total == nil {
		return fmt.Errorf("preview returned no margin")
	}
	s.margin = total
	believable := margin.IsBelievable(*total, s.put.Strike)
	fmt.Printf("  margin $%.2f (sanity floor $%.2f, believable %v)\n", *total, margin.SanityFloor(s.put.Strike), believable)
	return nil
}

func checkPortfolioBuild(ctx context.Context, s *session) error {
	if !s.put.Qualified {
		return fmt.Errorf("no qualified contract from the previous check")
	}
	// the chain carries no underlying quote; price the estimate at the strike
	c := models.StrikeCandidate{
		Symbol:         s.symbol,
		Sector:         "Index",
		StockPrice:     s.put.Strike,
		Strike:         s.put.Strike,
		Expiration:     s.exp,
		Bid:            s.put.Bid,
		Ask:            s.put.Ask,
		SuggestedLimit: s.put.Bid,
		MarginEstimate: margin.RegTEstimate(s.put.Strike, s.put.Strike, s.put.Bid),
		Contracts:      1,
		PremiumIncome:  s.put.Bid * models.SharesPerContract,
	}

	b := portfolio.NewBuilder(s.prefs, s.client, nil, s.log)
	plan, err := b.BuildPortfolio(ctx, []models.StrikeCandidate{c}, nil)
	if err != nil {
		return err
	}
	if len(plan.Trades)+len(plan.SkippedTrades) != 1 {
		return fmt.Errorf("expected one evaluated trade, got %d", len(plan.Trades)+len(plan.SkippedTrades))
	}
	for _, w := range plan.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
	fmt.Printf("  budget $%.2f, used $%.2f, selected %v\n", plan.MarginBudget, plan.TotalMarginUsed, plan.Symbols())
	return nil
}

func checkLedger(ctx context.Context, s *session) error {
	dir, err := os.MkdirTemp("", "allocator-integration")
	if err != nil {
		return err
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			s.log.Warn().Err(err).Msg("Failed to clean up ledger dir")
		}
	}()

	ledger, err := storage.NewJSONLedger(filepath.Join(dir, "staged.json"), "integration")
	if err != nil {
		return err
	}

	plan := models.NewEmptyPlan()
	plan.Trades = append(plan.Trades, models.StagedTrade{
		StrikeCandidate: models.StrikeCandidate{
			Symbol: s.symbol, Strike: s.put.Strike, Expiration: s.exp, Contracts: 1, TotalMargin: 1000,
		},
		MarginSource: models.MarginEstimated,
		WithinBudget: true,
	})
	added, err := ledger.Stage(ctx, plan)
	if err != nil {
		return err
	}
	if err := ledger.UpdateStatus(ctx, added[0].ID, storage.StatusCancelled, "integration cleanup"); err != nil {
		return err
	}
	total, count, err := ledger.CommittedMargin(ctx)
	if err != nil {
		return err
	}
	if total != 0 || count != 0 {
		return fmt.Errorf("cancelled entry still committed: $%.2f in %d", total, count)
	}
	return nil
}
