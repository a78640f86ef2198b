package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/eddiefleurent/scranton_puts/internal/broker"
	"github.com/eddiefleurent/scranton_puts/internal/config"
	"github.com/eddiefleurent/scranton_puts/internal/metrics"
	"github.com/eddiefleurent/scranton_puts/internal/mock"
	"github.com/eddiefleurent/scranton_puts/internal/models"
	"github.com/eddiefleurent/scranton_puts/internal/portfolio"
	"github.com/eddiefleurent/scranton_puts/internal/storage"
	"github.com/eddiefleurent/scranton_puts/internal/strategy"
)

// errFatalPlan is returned when the plan could not allocate anything because
// committed margin already reached the ceiling.
var errFatalPlan = errors.New("margin ceiling reached")

type options struct {
	configPath     string
	envFile        string
	candidatesPath string
	sectorsPath    string
	format         string
	budget         float64
	paperEquity    float64
	budgetSet      bool
	offline        bool
}

type app struct {
	cfg     *config.Config
	prefs   config.Preferences
	log     zerolog.Logger
	broker  broker.MarginBroker
	ledger  storage.Ledger
	metrics *metrics.Recorder
	now     func() time.Time
}

func newApp(opts *options, logOut io.Writer) (*app, error) {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading env file: %w", err)
		}
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}

	log := newLogger(cfg.Environment, logOut)
	if cfg.IsPaperTrading() {
		log.Info().Msg("Paper mode: plans are advisory, nothing is sent to the broker")
	}

	mb, err := newBroker(cfg, opts, log)
	if err != nil {
		return nil, err
	}

	ledger, err := storage.NewStorage(cfg.Storage.Path, cfg.Storage.AccountScope)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	return &app{
		cfg:     cfg,
		prefs:   cfg.Preferences(),
		log:     log,
		broker:  mb,
		ledger:  ledger,
		metrics: metrics.NewRecorder(),
		now:     time.Now,
	}, nil
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid default config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newLogger(env config.EnvironmentConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(env.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	w := out
	if env.LogFormat == "console" {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// newBroker returns nil in offline mode, which makes the builder use
// estimated margin for every candidate.
func newBroker(cfg *config.Config, opts *options, log zerolog.Logger) (broker.MarginBroker, error) {
	if opts.offline {
		log.Info().Msg("Offline: using Reg-T estimates only")
		return nil, nil
	}

	switch cfg.Broker.Provider {
	case "paper":
		log.Info().Float64("net_liquidation", opts.paperEquity).Msg("Using paper broker")
		return mock.NewPaperBroker(opts.paperEquity), nil
	case "tradier":
		if cfg.Broker.APIKey == "" || cfg.Broker.AccountID == "" {
			return nil, errors.New("tradier broker requires api_key and account_id")
		}
		limits := broker.RateLimits{
			MarketData: cfg.Broker.RateLimitPerMinute,
			Trading:    cfg.Broker.RateLimitPerMinute,
			Standard:   cfg.Broker.RateLimitPerMinute,
		}
		api := broker.NewTradierAPIWithBaseURL(
			cfg.Broker.APIKey,
			cfg.Broker.AccountID,
			cfg.IsPaperTrading(),
			cfg.Broker.APIEndpoint,
			limits,
		).WithTimeout(cfg.Broker.Timeout).WithLogger(log)
		log.Info().Bool("sandbox", cfg.IsPaperTrading()).Msg("Using Tradier broker")
		return broker.NewCircuitBreakerBroker(broker.NewTradierClient(api), log), nil
	default:
		return nil, fmt.Errorf("unknown broker provider %q", cfg.Broker.Provider)
	}
}

// chainInput is the per-symbol option legs plus sector annotations.
type chainInput struct {
	chains  map[string][]models.OptionCandidate
	sectors map[string]string
	symbols []string
}

// loadChains reads candidate legs from disk, or generates the sample
// universe when no file is given.
func (a *app) loadChains(opts *options) (*chainInput, error) {
	if opts.candidatesPath == "" {
		now := a.now()
		exp := mock.NextFriday(now, a.prefs.TargetDTE)
		a.log.Info().Time("expiration", exp).Msg("No candidates file, using sample universe")
		return &chainInput{
			chains:  mock.GenerateCandidates(mock.SampleUniverse, exp, now),
			sectors: mock.Sectors(mock.SampleUniverse),
			symbols: mock.Symbols(mock.SampleUniverse),
		}, nil
	}

	in := &chainInput{}
	if err := readJSON(opts.candidatesPath, &in.chains); err != nil {
		return nil, fmt.Errorf("reading candidates: %w", err)
	}
	if opts.sectorsPath != "" {
		if err := readJSON(opts.sectorsPath, &in.sectors); err != nil {
			return nil, fmt.Errorf("reading sectors: %w", err)
		}
	}
	for sym := range in.chains {
		in.symbols = append(in.symbols, sym)
	}
	sort.Strings(in.symbols)
	return in, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-provided input file
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// buildPlan runs the strike finder and the portfolio builder.
func (a *app) buildPlan(ctx context.Context, opts *options) (*models.PortfolioPlan, error) {
	in, err := a.loadChains(opts)
	if err != nil {
		return nil, err
	}

	var finderOpts []strategy.Option
	if a.cfg.Sizing.Enabled {
		if sizer := a.equitySizer(ctx); sizer != nil {
			finderOpts = append(finderOpts, strategy.WithPositionSizer(sizer))
		}
	}

	finder := strategy.NewStrikeFinder(a.prefs, a.log, finderOpts...)
	strikes := finder.FindBestStrikes(in.symbols, in.chains, in.sectors)

	var budget *float64
	if opts.budgetSet {
		b := opts.budget
		budget = &b
	}

	builder := portfolio.NewBuilder(a.prefs, a.broker, a.ledger, a.log, portfolio.WithMetrics(a.metrics))
	plan, err := builder.BuildPortfolio(ctx, strikes, budget)
	if err != nil {
		return nil, err
	}

	if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
		a.log.Warn().Err(err).Msg("Failed to write metrics")
	}
	return plan, nil
}

func (a *app) equitySizer(ctx context.Context) *strategy.EquitySizer {
	if a.broker == nil {
		a.log.Warn().Msg("Position sizing enabled but offline, using price-based caps")
		return nil
	}
	summary, err := a.broker.GetAccountSummary(ctx)
	if err != nil || summary == nil || summary.NetLiquidation <= 0 {
		a.log.Warn().Err(err).Msg("No account equity for position sizing, using price-based caps")
		return nil
	}
	return strategy.NewEquitySizer(summary.NetLiquidation, a.cfg.Sizing.RiskPctPerTrade)
}
