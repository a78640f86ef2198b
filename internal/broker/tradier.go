// Package broker provides the broker collaborator used to confirm margin for
// short put candidates. It includes the Tradier API client implementation.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// endpointCategory selects which rate limiter guards a request.
type endpointCategory int

const (
	categoryMarketData endpointCategory = iota
	categoryTrading
	categoryStandard
)

// TradierAPI is a thin client over the Tradier REST API.
type TradierAPI struct {
	client     *http.Client
	limiters   map[endpointCategory]*rate.Limiter
	chains     map[string][]Option
	log        zerolog.Logger
	chainGroup singleflight.Group
	apiKey     string
	baseURL    string
	accountID  string
	rateLimits RateLimits
	timeout    time.Duration
	chainMu    sync.RWMutex
	sandbox    bool
}

// RateLimits defines API rate limits for different endpoint categories.
type RateLimits struct {
	MarketData int // requests per minute
	Trading    int // requests per minute
	Standard   int // requests per minute
}

// NewTradierAPI creates a new TradierAPI client with default settings.
func NewTradierAPI(apiKey, accountID string, sandbox bool) *TradierAPI {
	return NewTradierAPIWithBaseURL(apiKey, accountID, sandbox, "")
}

// NewTradierAPIWithBaseURL creates a new TradierAPI client with optional custom baseURL and rate limits
func NewTradierAPIWithBaseURL(
	apiKey, accountID string,
	sandbox bool,
	baseURL string,
	customLimits ...RateLimits,
) *TradierAPI {
	var limits RateLimits

	if baseURL == "" {
		if sandbox {
			baseURL = "https://sandbox.tradier.com/v1"
		} else {
			baseURL = "https://api.tradier.com/v1"
		}
	}
	// Normalize once
	baseURL = strings.TrimRight(baseURL, "/")

	// Use custom limits if provided, otherwise use defaults based on sandbox mode
	var providedLimits RateLimits
	if len(customLimits) > 0 {
		providedLimits = customLimits[0]
	}

	if providedLimits.MarketData > 0 || providedLimits.Trading > 0 || providedLimits.Standard > 0 {
		limits = providedLimits
	} else if sandbox {
		limits = RateLimits{
			MarketData: 120,
			Trading:    120,
			Standard:   120,
		}
	} else {
		limits = RateLimits{
			MarketData: 500,
			Trading:    500,
			Standard:   500,
		}
	}

	defaultTimeout := 10 * time.Second

	return &TradierAPI{
		apiKey:     apiKey,
		baseURL:    baseURL,
		accountID:  accountID,
		client:     &http.Client{Timeout: defaultTimeout},
		sandbox:    sandbox,
		rateLimits: limits,
		timeout:    defaultTimeout,
		limiters: map[endpointCategory]*rate.Limiter{
			categoryMarketData: newMinuteLimiter(limits.MarketData),
			categoryTrading:    newMinuteLimiter(limits.Trading),
			categoryStandard:   newMinuteLimiter(limits.Standard),
		},
		chains: make(map[string][]Option),
		log:    zerolog.Nop(),
	}
}

// newMinuteLimiter converts a per-minute budget into a token bucket.
// A non-positive budget disables limiting.
func newMinuteLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := perMinute / 60
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (t *TradierAPI) WithHTTPClient(c *http.Client) *TradierAPI {
	if c != nil {
		t.client = c
	}
	return t
}

// WithTimeout sets the HTTP client timeout duration.
func (t *TradierAPI) WithTimeout(timeout time.Duration) *TradierAPI {
	if timeout <= 0 {
		return t
	}
	t.timeout = timeout
	if t.client != nil {
		t.client.Timeout = timeout
	}
	return t
}

// WithLogger sets the logger used for request diagnostics.
func (t *TradierAPI) WithLogger(log zerolog.Logger) *TradierAPI {
	t.log = log.With().Str("component", "tradier").Logger()
	return t
}

// ============ API Response Structures ============

// Handle single-object vs array responses from Tradier
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

// OptionChainResponse represents the API response for option chain requests.
type OptionChainResponse struct {
	Options struct {
		Option singleOrArray[Option] `json:"option"`
	} `json:"options"`
}

// Option represents an option contract from the Tradier API.
type Option struct {
	Symbol         string  `json:"symbol"`
	Description    string  `json:"description"`
	OptionType     string  `json:"option_type"`
	ExpirationDate string  `json:"expiration_date"`
	Underlying     string  `json:"underlying"`
	RootSymbol     string  `json:"root_symbol"`
	Bid            float64 `json:"bid"`
	Ask            float64 `json:"ask"`
	Last           float64 `json:"last"`
	Volume         int64   `json:"volume"`
	OpenInterest   int64   `json:"open_interest"`
	Strike         float64 `json:"strike"`
}

// BalanceResponse represents the account balance response from the Tradier API.
type BalanceResponse struct {
	Balances struct {
		AccountNumber      string  `json:"account_number"`
		AccountType        string  `json:"account_type"`
		TotalEquity        float64 `json:"total_equity"`
		TotalCash          float64 `json:"total_cash"`
		CurrentRequirement float64 `json:"current_requirement"`
		OptionRequirement  float64 `json:"option_requirement"`
		Margin             *struct {
			FedCall           float64 `json:"fed_call"`
			MaintenanceCall   float64 `json:"maintenance_call"`
			OptionBuyingPower float64 `json:"option_buying_power"`
			StockBuyingPower  float64 `json:"stock_buying_power"`
		} `json:"margin"`
		Cash *struct {
			CashAvailable  float64 `json:"cash_available"`
			UnsettledFunds float64 `json:"unsettled_funds"`
		} `json:"cash"`
		PDT *struct {
			FedCall           float64 `json:"fed_call"`
			MaintenanceCall   float64 `json:"maintenance_call"`
			OptionBuyingPower float64 `json:"option_buying_power"`
			StockBuyingPower  float64 `json:"stock_buying_power"`
		} `json:"pdt"`
	} `json:"balances"`
}

// GetOptionBuyingPower extracts option buying power based on account type
func (b *BalanceResponse) GetOptionBuyingPower() (float64, error) {
	switch b.Balances.AccountType {
	case "margin":
		if b.Balances.Margin != nil {
			return b.Balances.Margin.OptionBuyingPower, nil
		}
		return 0, fmt.Errorf("margin account type specified but margin data is missing")
	case "pdt":
		if b.Balances.PDT != nil {
			return b.Balances.PDT.OptionBuyingPower, nil
		}
		return 0, fmt.Errorf("pdt account type specified but pdt data is missing")
	case "cash":
		if b.Balances.Cash != nil {
			return b.Balances.Cash.CashAvailable, nil
		}
		return 0, fmt.Errorf("cash account type specified but cash data is missing")
	}

	return 0, fmt.Errorf("unknown account type: %s", b.Balances.AccountType)
}

// OrderPreviewResponse is the body of an order placed with preview=true.
type OrderPreviewResponse struct {
	Order struct {
		Status            string  `json:"status"`
		Symbol            string  `json:"symbol"`
		OptionSymbol      string  `json:"option_symbol"`
		Side              string  `json:"side"`
		Class             string  `json:"class"`
		Duration          string  `json:"duration"`
		Type              string  `json:"type"`
		Commission        float64 `json:"commission"`
		Cost              float64 `json:"cost"`
		Fees              float64 `json:"fees"`
		OrderCost         float64 `json:"order_cost"`
		MarginChange      float64 `json:"margin_change"`
		BuyingPowerEffect float64 `json:"buying_power_effect"`
		Price             float64 `json:"price"`
		Quantity          float64 `json:"quantity"`
		Result            bool    `json:"result"`
	} `json:"order"`
}

// ============ API Methods ============

// GetBalanceCtx retrieves account balances.
func (t *TradierAPI) GetBalanceCtx(ctx context.Context) (*BalanceResponse, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/balances", t.baseURL, t.accountID)
	var response BalanceResponse
	if err := t.makeRequestCtx(ctx, categoryStandard, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// GetOptionChainCtx retrieves the option chain for a symbol and expiration
// date. Chains are fetched once per client; concurrent callers share a fetch.
func (t *TradierAPI) GetOptionChainCtx(ctx context.Context, symbol, expiration string) ([]Option, error) {
	key := symbol + "|" + expiration

	t.chainMu.RLock()
	cached, ok := t.chains[key]
	t.chainMu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err, _ := t.chainGroup.Do(key, func() (interface{}, error) {
		t.chainMu.RLock()
		cached, ok := t.chains[key]
		t.chainMu.RUnlock()
		if ok {
			return cached, nil
		}

		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("expiration", expiration)
		params.Set("greeks", "false")
		endpoint := t.baseURL + "/markets/options/chains?" + params.Encode()

		var response OptionChainResponse
		if err := t.makeRequestCtx(ctx, categoryMarketData, "GET", endpoint, nil, &response); err != nil {
			return nil, err
		}
		chain := []Option(response.Options.Option)

		t.chainMu.Lock()
		t.chains[key] = chain
		t.chainMu.Unlock()
		return chain, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Option), nil
}

// PreviewSellToOpenCtx previews a single-leg sell_to_open limit order and
// returns the broker's view of its cost and margin impact. Nothing is placed.
func (t *TradierAPI) PreviewSellToOpenCtx(
	ctx context.Context,
	underlying, optionSymbol string,
	quantity int,
	limitPrice float64,
) (*OrderPreviewResponse, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity for order: %d, quantity must be greater than zero", quantity)
	}
	if limitPrice <= 0 {
		return nil, fmt.Errorf("invalid price for limit order: %.2f, price must be positive", limitPrice)
	}

	params := url.Values{}
	params.Add("class", "option")
	params.Add("symbol", underlying)
	params.Add("option_symbol", optionSymbol)
	params.Add("side", "sell_to_open")
	params.Add("quantity", fmt.Sprintf("%d", quantity))
	params.Add("type", "limit")
	params.Add("duration", "day")
	params.Add("price", fmt.Sprintf("%.2f", limitPrice))
	params.Add("preview", "true")

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)

	var response OrderPreviewResponse
	if err := t.makeRequestCtx(ctx, categoryTrading, "POST", endpoint, params, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// makeRequestCtx makes a rate limited HTTP request with context support
func (t *TradierAPI) makeRequestCtx(ctx context.Context, category endpointCategory, method, endpoint string,
	params url.Values, response interface{}) error {
	if lim, ok := t.limiters[category]; ok {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var req *http.Request
	var err error

	if method == "POST" && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Authorization", "Bearer "+t.apiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "scranton-puts/1.0 (+tradier)")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.log.Debug().Err(err).Msg("Failed to close response body")
		}
	}()

	// Check rate limit headers
	remaining := resp.Header.Get("X-Ratelimit-Available")
	if remaining == "" {
		remaining = resp.Header.Get("X-RateLimit-Remaining")
	}
	if remaining != "" && t.sandbox {
		t.log.Debug().Str("remaining", remaining).Msg("Rate limit remaining")
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		ct := resp.Header.Get("Content-Type")
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s (%s) -> %s (retry-after: %s)", method, endpoint, ct, string(body), ra)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s (%s) -> %s", method, endpoint, ct, string(body))}
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// ============ MarginBroker implementation ============

// TradierClient adapts TradierAPI to the MarginBroker interface.
type TradierClient struct {
	*TradierAPI
}

// NewTradierClient creates a new Tradier margin broker.
func NewTradierClient(api *TradierAPI) *TradierClient {
	return &TradierClient{TradierAPI: api}
}

// GetAccountSummary maps Tradier balances onto an AccountSummary.
func (t *TradierClient) GetAccountSummary(ctx context.Context) (*AccountSummary, error) {
	balance, err := t.GetBalanceCtx(ctx)
	if err != nil {
		return nil, err
	}
	b := balance.Balances
	summary := &AccountSummary{
		NetLiquidation: b.TotalEquity,
		InitMarginReq:  b.CurrentRequirement,
		MaintMarginReq: b.OptionRequirement,
		TotalCash:      b.TotalCash,
	}
	if obp, err := balance.GetOptionBuyingPower(); err == nil {
		summary.OptionBuyingPower = obp
	} else {
		t.log.Debug().Err(err).Msg("Option buying power unavailable")
	}
	return summary, nil
}

// GetOptionContract builds an unqualified contract.
func (t *TradierClient) GetOptionContract(symbol string, strike float64, expiration time.Time, right Right) Contract {
	return NewContract(symbol, strike, expiration, right)
}

// QualifyContract resolves a contract against the listed chain. An empty
// result means the strike/expiration is not listed.
func (t *TradierClient) QualifyContract(ctx context.Context, contract Contract) ([]Contract, error) {
	chain, err := t.GetOptionChainCtx(ctx, contract.Symbol, contract.Expiration.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("fetching chain for %s: %w", contract.Symbol, err)
	}

	wantType := "put"
	if contract.Right == RightCall {
		wantType = "call"
	}

	var out []Contract
	for _, opt := range chain {
		if opt.OptionType != wantType || math.Abs(opt.Strike-contract.Strike) > StrikeMatchEpsilon {
			continue
		}
		if underlying := extractUnderlyingFromOSI(opt.Symbol); underlying != "" && underlying != contract.Symbol {
			// adjusted / non-standard root
			continue
		}
		q := contract
		q.OCCSymbol = opt.Symbol
		q.Bid = opt.Bid
		q.Ask = opt.Ask
		q.Qualified = true
		out = append(out, q)
	}
	return out, nil
}

// GetActualMargin previews a sell_to_open order and reports its margin
// impact for the whole quantity. Zero impact is reported as nil.
func (t *TradierClient) GetActualMargin(ctx context.Context, contract Contract, quantity int) (*float64, error) {
	if !contract.Qualified {
		return nil, fmt.Errorf("%w: %s not qualified", ErrContractNotFound, contract.OCCSymbol)
	}
	price := contract.Bid
	if price < 0.01 {
		price = 0.01
	}
	preview, err := t.PreviewSellToOpenCtx(ctx, contract.Symbol, contract.OCCSymbol, quantity, price)
	if err != nil {
		return nil, err
	}
	if preview.Order.Status != "" && preview.Order.Status != "ok" {
		return nil, fmt.Errorf("preview rejected for %s: status %s", contract.OCCSymbol, preview.Order.Status)
	}

	value := math.Abs(preview.Order.MarginChange)
	if value == 0 {
		value = math.Abs(preview.Order.BuyingPowerEffect)
	}
	if value == 0 || math.IsNaN(value) {
		return nil, nil
	}
	return &value, nil
}

// ============ Helper Functions ============

// extractUnderlyingFromOSI extracts the underlying symbol from an OSI-formatted option symbol
// e.g., "SPY241220P00450000" -> "SPY"
func extractUnderlyingFromOSI(s string) string {
	// OSI format: UNDERLYING + YYMMDD + P/C + 8-digit strike
	trimmedS := strings.TrimSpace(s)
	if len(trimmedS) < 16 { // minimum length for a valid option symbol
		return ""
	}

	// Look for the first 6-digit sequence (expiration date) with proper validation
	for i := 0; i <= len(trimmedS)-15; i++ { // need at least 15 chars after start for YYMMDD + P/C + 8 digits
		if !isDigits(trimmedS[i:i+6], 6) {
			continue
		}
		// Check that the 6-digit sequence is not part of a longer numeric run
		if i > 0 && trimmedS[i-1] >= '0' && trimmedS[i-1] <= '9' {
			continue
		}

		expirationEnd := i + 6
		switch trimmedS[expirationEnd] {
		case 'P', 'C', 'p', 'c':
		default:
			continue
		}

		strikeStart := expirationEnd + 1
		strikeEnd := strikeStart + 8
		if !isDigits(trimmedS[strikeStart:strikeEnd], 8) {
			continue
		}

		// The string must end exactly after the strike
		if strikeEnd != len(trimmedS) {
			continue
		}

		return strings.TrimSpace(trimmedS[:i])
	}

	return ""
}

// isDigits checks if a string consists of exactly n digits
func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// IsPermanentAPIError reports 4xx responses other than 429.
func IsPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != http.StatusTooManyRequests
	}
	return false
}
