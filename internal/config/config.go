// Package config provides configuration management for the put allocator.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Strike selection defaults
const (
	defaultMinPremium           = 0.30
	defaultMaxPremium           = 2.00
	defaultTargetPremium        = 0.60
	defaultMinOTMPct            = 0.10
	defaultTargetOTMPct         = 0.15
	defaultRareMinOTMPct        = 0.07
	defaultTargetDTE            = 7
	defaultMaxDTE               = 14
	defaultHighPriceThreshold   = 200.0
	defaultMaxContractsHighPx   = 3
	defaultMaxContracts         = 5
	defaultTickSize             = 0.01
	defaultRiskPctPerTrade      = 0.02
	defaultRateLimitPerMinute   = 120
	defaultBrokerTimeout        = 10 * time.Second
	defaultLedgerPath           = "staged_trades.json"
	defaultAccountScope         = "default"
	defaultMarginBudgetPct      = 0.20
	defaultMarginBudgetFallback = 50000.0
	defaultMaxMarginCeiling     = 150000.0
	defaultMaxPositions         = 10
	defaultMaxSectorConc        = 3
	defaultSoftUtilizationPct   = 0.80
	defaultHighIVRank           = 0.60
	defaultPacingDelay          = 500 * time.Millisecond
	defaultRetryPacingDelay     = 250 * time.Millisecond
	defaultSettleDelay          = 2 * time.Second
	defaultMaxAttempts          = 2
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Strikes     StrikesConfig     `yaml:"strikes"`
	Sizing      SizingConfig      `yaml:"sizing"`
	Portfolio   PortfolioConfig   `yaml:"portfolio"`
	MarginRetry MarginRetryConfig `yaml:"margin_retry"`
	Storage     StorageConfig     `yaml:"storage"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode      string `yaml:"mode"`       // paper | live
	LogLevel  string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat string `yaml:"log_format"` // console | json
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider           string        `yaml:"provider"` // tradier | paper
	APIKey             string        `yaml:"api_key"`
	APIEndpoint        string        `yaml:"api_endpoint"`
	AccountID          string        `yaml:"account_id"`
	Timeout            time.Duration `yaml:"timeout"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute"`
}

// StrikesConfig defines the strike selection filters and scoring targets.
type StrikesConfig struct {
	MinPremium            float64 `yaml:"min_premium"`
	MaxPremium            float64 `yaml:"max_premium"`
	TargetPremium         float64 `yaml:"target_premium"`
	MinOTMPct             float64 `yaml:"min_otm_pct"`
	TargetOTMPct          float64 `yaml:"target_otm_pct"`
	RareMinOTMPct         float64 `yaml:"rare_min_otm_pct"`
	TargetDTE             int     `yaml:"target_dte"`
	MaxDTE                int     `yaml:"max_dte"`
	HighPriceThreshold    float64 `yaml:"high_price_threshold"`
	MaxContractsHighPrice int     `yaml:"max_contracts_high_price"`
	MaxContracts          int     `yaml:"max_contracts"`
	TickSize              float64 `yaml:"tick_size"`
}

// SizingConfig configures the optional equity-based position sizer.
type SizingConfig struct {
	Enabled         bool    `yaml:"enabled"`
	RiskPctPerTrade float64 `yaml:"risk_pct_per_trade"`
}

// PortfolioConfig defines budget and diversification limits.
type PortfolioConfig struct {
	MarginBudgetPct        float64 `yaml:"margin_budget_pct"`
	MarginBudgetFallback   float64 `yaml:"margin_budget_fallback"`
	MaxMarginCeiling       float64 `yaml:"max_margin_ceiling"`
	MaxPositions           int     `yaml:"max_positions"`
	MaxSectorConcentration int     `yaml:"max_sector_concentration"`
	SoftUtilizationPct     float64 `yaml:"soft_utilization_pct"`
	HighIVRank             float64 `yaml:"high_iv_rank"`
}

// MarginRetryConfig controls pacing of broker margin queries.
type MarginRetryConfig struct {
	PacingDelay      time.Duration `yaml:"pacing_delay"`
	RetryPacingDelay time.Duration `yaml:"retry_pacing_delay"`
	SettleDelay      time.Duration `yaml:"settle_delay"`
	MaxAttempts      int           `yaml:"max_attempts"`
}

// StorageConfig defines the staged trade ledger location.
type StorageConfig struct {
	Path         string `yaml:"path"`
	AccountScope string `yaml:"account_scope"`
}

// MetricsConfig defines where run metrics are written, if anywhere.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML config bytes, expanding environment variables first.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	// keys absent from the file keep their defaults; explicit zeros survive
	config := Default()
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

// Default returns a paper config with every setting at its default.
func Default() *Config {
	c := &Config{
		Strikes: StrikesConfig{
			MinOTMPct:     defaultMinOTMPct,
			RareMinOTMPct: defaultRareMinOTMPct,
		},
	}
	c.normalize()
	return c
}

// Validate normalizes defaults and checks that all values are consistent.
func (c *Config) Validate() error {
	c.normalize()

	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch c.Environment.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("environment.log_format must be 'console' or 'json'")
	}

	switch c.Broker.Provider {
	case "paper":
	case "tradier":
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required for tradier")
		}
		if c.Broker.AccountID == "" {
			return fmt.Errorf("broker.account_id is required for tradier")
		}
	default:
		return fmt.Errorf("broker.provider must be 'tradier' or 'paper'")
	}
	if c.Broker.RateLimitPerMinute <= 0 {
		return fmt.Errorf("broker.rate_limit_per_minute must be > 0")
	}

	s := c.Strikes
	if s.MinPremium <= 0 {
		return fmt.Errorf("strikes.min_premium must be > 0")
	}
	if s.MaxPremium <= s.MinPremium {
		return fmt.Errorf("strikes.max_premium (%.2f) must be > strikes.min_premium (%.2f)",
			s.MaxPremium, s.MinPremium)
	}
	if s.TargetPremium < s.MinPremium || s.TargetPremium > s.MaxPremium {
		return fmt.Errorf("strikes.target_premium (%.2f) must be within [%.2f,%.2f]",
			s.TargetPremium, s.MinPremium, s.MaxPremium)
	}
	if s.MinOTMPct < 0 || s.MinOTMPct >= 1 {
		return fmt.Errorf("strikes.min_otm_pct must be in [0,1)")
	}
	if s.TargetOTMPct < s.MinOTMPct || s.TargetOTMPct >= 1 {
		return fmt.Errorf("strikes.target_otm_pct (%.3f) must be in [min_otm_pct,1)", s.TargetOTMPct)
	}
	if s.RareMinOTMPct < 0 || s.RareMinOTMPct > s.MinOTMPct {
		return fmt.Errorf("strikes.rare_min_otm_pct (%.3f) must be in [0,min_otm_pct]", s.RareMinOTMPct)
	}
	if s.MaxDTE <= 0 {
		return fmt.Errorf("strikes.max_dte must be > 0")
	}
	if s.TargetDTE <= 0 || s.TargetDTE > s.MaxDTE {
		return fmt.Errorf("strikes.target_dte (%d) must be within (0,%d]", s.TargetDTE, s.MaxDTE)
	}
	if s.HighPriceThreshold <= 0 {
		return fmt.Errorf("strikes.high_price_threshold must be > 0")
	}
	if s.MaxContractsHighPrice <= 0 || s.MaxContracts <= 0 {
		return fmt.Errorf("strikes.max_contracts and max_contracts_high_price must be > 0")
	}
	if s.TickSize <= 0 {
		return fmt.Errorf("strikes.tick_size must be > 0")
	}

	if c.Sizing.Enabled && (c.Sizing.RiskPctPerTrade <= 0 || c.Sizing.RiskPctPerTrade > 1) {
		return fmt.Errorf("sizing.risk_pct_per_trade must be in (0,1]")
	}

	p := c.Portfolio
	if p.MarginBudgetPct <= 0 || p.MarginBudgetPct > 1 {
		return fmt.Errorf("portfolio.margin_budget_pct must be in (0,1]")
	}
	if p.MarginBudgetFallback <= 0 {
		return fmt.Errorf("portfolio.margin_budget_fallback must be > 0")
	}
	if p.MaxMarginCeiling <= 0 {
		return fmt.Errorf("portfolio.max_margin_ceiling must be > 0")
	}
	if p.MaxPositions <= 0 {
		return fmt.Errorf("portfolio.max_positions must be > 0")
	}
	if p.MaxSectorConcentration <= 0 {
		return fmt.Errorf("portfolio.max_sector_concentration must be > 0")
	}
	if p.SoftUtilizationPct <= 0 || p.SoftUtilizationPct > 1 {
		return fmt.Errorf("portfolio.soft_utilization_pct must be in (0,1]")
	}
	if p.HighIVRank <= 0 || p.HighIVRank > 1 {
		return fmt.Errorf("portfolio.high_iv_rank must be in (0,1]")
	}

	r := c.MarginRetry
	if r.PacingDelay < 0 || r.RetryPacingDelay < 0 || r.SettleDelay < 0 {
		return fmt.Errorf("margin_retry delays must be >= 0")
	}
	if r.MaxAttempts < 1 || r.MaxAttempts > 2 {
		return fmt.Errorf("margin_retry.max_attempts must be 1 or 2")
	}

	return nil
}

// IsPaperTrading returns true if the allocator is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// normalize fills zero values with defaults. The OTM floors are left alone
// because zero is a valid setting for them; Default seeds those.
func (c *Config) normalize() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "paper"
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Environment.LogFormat == "" {
		c.Environment.LogFormat = "console"
	}
	if c.Broker.Provider == "" {
		c.Broker.Provider = "paper"
	}
	if c.Broker.Timeout == 0 {
		c.Broker.Timeout = defaultBrokerTimeout
	}
	if c.Broker.RateLimitPerMinute == 0 {
		c.Broker.RateLimitPerMinute = defaultRateLimitPerMinute
	}

	s := &c.Strikes
	setFloat(&s.MinPremium, defaultMinPremium)
	setFloat(&s.MaxPremium, defaultMaxPremium)
	setFloat(&s.TargetPremium, defaultTargetPremium)
	setFloat(&s.TargetOTMPct, defaultTargetOTMPct)
	setInt(&s.TargetDTE, defaultTargetDTE)
	setInt(&s.MaxDTE, defaultMaxDTE)
	setFloat(&s.HighPriceThreshold, defaultHighPriceThreshold)
	setInt(&s.MaxContractsHighPrice, defaultMaxContractsHighPx)
	setInt(&s.MaxContracts, defaultMaxContracts)
	setFloat(&s.TickSize, defaultTickSize)

	setFloat(&c.Sizing.RiskPctPerTrade, defaultRiskPctPerTrade)

	p := &c.Portfolio
	setFloat(&p.MarginBudgetPct, defaultMarginBudgetPct)
	setFloat(&p.MarginBudgetFallback, defaultMarginBudgetFallback)
	setFloat(&p.MaxMarginCeiling, defaultMaxMarginCeiling)
	setInt(&p.MaxPositions, defaultMaxPositions)
	setInt(&p.MaxSectorConcentration, defaultMaxSectorConc)
	setFloat(&p.SoftUtilizationPct, defaultSoftUtilizationPct)
	setFloat(&p.HighIVRank, defaultHighIVRank)

	r := &c.MarginRetry
	if r.PacingDelay == 0 {
		r.PacingDelay = defaultPacingDelay
	}
	if r.RetryPacingDelay == 0 {
		r.RetryPacingDelay = defaultRetryPacingDelay
	}
	if r.SettleDelay == 0 {
		r.SettleDelay = defaultSettleDelay
	}
	setInt(&r.MaxAttempts, defaultMaxAttempts)

	if c.Storage.Path == "" {
		c.Storage.Path = defaultLedgerPath
	}
	if c.Storage.AccountScope == "" {
		c.Storage.AccountScope = defaultAccountScope
	}
}

func setFloat(v *float64, def float64) {
	if *v == 0 {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}
