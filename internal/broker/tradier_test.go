package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLimits = RateLimits{MarketData: 6000, Trading: 6000, Standard: 6000}

func newTestAPIWithServer(h http.HandlerFunc) (*TradierAPI, *httptest.Server) {
	s := httptest.NewServer(h)
	api := NewTradierAPIWithBaseURL("test-key", "ACC123", true, s.URL, testLimits)
	api = api.WithHTTPClient(s.Client())
	return api, s
}

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Status: 429, Body: "too many requests"}
	assert.Equal(t, "API error 429: too many requests", err.Error())
}

func TestNewTradierAPIWithBaseURL_DefaultsAndNormalization(t *testing.T) {
	tests := []struct {
		name        string
		sandbox     bool
		baseURL     string
		wantBaseURL string
		wantLimits  RateLimits
	}{
		{
			name:        "sandbox default baseURL and limits",
			sandbox:     true,
			wantBaseURL: "https://sandbox.tradier.com/v1",
			wantLimits:  RateLimits{MarketData: 120, Trading: 120, Standard: 120},
		},
		{
			name:        "production default baseURL and limits",
			wantBaseURL: "https://api.tradier.com/v1",
			wantLimits:  RateLimits{MarketData: 500, Trading: 500, Standard: 500},
		},
		{
			name:        "custom baseURL preserved and trimmed",
			baseURL:     "https://example.test/api/",
			wantBaseURL: "https://example.test/api",
			wantLimits:  RateLimits{MarketData: 500, Trading: 500, Standard: 500},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := NewTradierAPIWithBaseURL("k", "acc", tt.sandbox, tt.baseURL)
			assert.Equal(t, tt.wantBaseURL, api.baseURL)
			assert.Equal(t, tt.wantLimits, api.rateLimits)
			assert.Len(t, api.limiters, 3)
		})
	}
}

func TestNewTradierAPIWithBaseURL_CustomLimitsOverride(t *testing.T) {
	custom := RateLimits{MarketData: 1, Trading: 2, Standard: 3}
	api := NewTradierAPIWithBaseURL("k", "acc", false, "", custom)
	assert.Equal(t, custom, api.rateLimits)
}

func TestWithTimeout(t *testing.T) {
	api := NewTradierAPI("k", "acc", true)
	api.WithTimeout(3 * time.Second)
	assert.Equal(t, 3*time.Second, api.client.Timeout)

	api.WithTimeout(0)
	assert.Equal(t, 3*time.Second, api.client.Timeout, "non-positive timeout ignored")
}

func TestNewMinuteLimiter(t *testing.T) {
	unlimited := newMinuteLimiter(0)
	for i := 0; i < 100; i++ {
		assert.True(t, unlimited.Allow())
	}

	lim := newMinuteLimiter(30)
	assert.Equal(t, 1, lim.Burst())
	assert.True(t, lim.Allow())
	assert.False(t, lim.Allow())
}

func TestMakeRequestCtx_SuccessGET(t *testing.T) {
	type payload struct {
		Foo string `json:"foo"`
	}
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Header().Set("X-RateLimit-Remaining", "42")
		_ = json.NewEncoder(w).Encode(payload{Foo: "bar"})
	})
	defer srv.Close()

	var out payload
	require.NoError(t, api.makeRequestCtx(context.Background(), categoryStandard, "GET", api.baseURL+"/ok", nil, &out))
	assert.Equal(t, "bar", out.Foo)
}

func TestMakeRequestCtx_SuccessPOST_FormEncoded(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		values, err := url.ParseQuery(string(body))
		assert.NoError(t, err)
		assert.Equal(t, "1", values.Get("a"))
		assert.Equal(t, "two", values.Get("b"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	defer srv.Close()

	var out map[string]any
	err := api.makeRequestCtx(context.Background(), categoryTrading, "POST", api.baseURL+"/create",
		url.Values{"a": []string{"1"}, "b": []string{"two"}}, &out)
	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])
}

func TestMakeRequestCtx_Non2xxReturnsAPIError(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})
	defer srv.Close()

	var out map[string]any
	err := api.makeRequestCtx(context.Background(), categoryStandard, "GET", api.baseURL+"/err", nil, &out)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.Contains(t, apiErr.Body, "slow down")
	assert.Contains(t, apiErr.Body, "retry-after: 5")
	assert.False(t, IsPermanentAPIError(err))
}

func TestMakeRequestCtx_EmptyBodyEOF(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	defer srv.Close()

	var out map[string]any
	assert.NoError(t, api.makeRequestCtx(context.Background(), categoryStandard, "GET", api.baseURL+"/empty", nil, &out))
}

func TestMakeRequestCtx_ContextCancel(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach the server")
	})
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out map[string]any
	err := api.makeRequestCtx(ctx, categoryStandard, "GET", api.baseURL+"/x", nil, &out)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsPermanentAPIError(t *testing.T) {
	assert.True(t, IsPermanentAPIError(&APIError{Status: 400}))
	assert.True(t, IsPermanentAPIError(&APIError{Status: 404}))
	assert.False(t, IsPermanentAPIError(&APIError{Status: 429}))
	assert.False(t, IsPermanentAPIError(&APIError{Status: 503}))
	assert.False(t, IsPermanentAPIError(errors.New("plain")))
}

func TestGetOptionBuyingPower(t *testing.T) {
	var margin BalanceResponse
	require.NoError(t, json.Unmarshal([]byte(`{"balances":{"account_type":"margin","margin":{"option_buying_power":25000}}}`), &margin))
	obp, err := margin.GetOptionBuyingPower()
	require.NoError(t, err)
	assert.Equal(t, 25000.0, obp)

	var cash BalanceResponse
	require.NoError(t, json.Unmarshal([]byte(`{"balances":{"account_type":"cash","cash":{"cash_available":1200}}}`), &cash))
	obp, err = cash.GetOptionBuyingPower()
	require.NoError(t, err)
	assert.Equal(t, 1200.0, obp)

	var pdt BalanceResponse
	require.NoError(t, json.Unmarshal([]byte(`{"balances":{"account_type":"pdt"}}`), &pdt))
	_, err = pdt.GetOptionBuyingPower()
	assert.Error(t, err)

	var unknown BalanceResponse
	require.NoError(t, json.Unmarshal([]byte(`{"balances":{"account_type":"ira"}}`), &unknown))
	_, err = unknown.GetOptionBuyingPower()
	assert.ErrorContains(t, err, "unknown account type")
}

func TestGetOptionChainCtx_SingleAndCached(t *testing.T) {
	var hits int32
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, "/markets/options/chains", r.URL.Path)
		assert.Equal(t, "AAPL", r.URL.Query().Get("symbol"))
		assert.Equal(t, "2026-10-30", r.URL.Query().Get("expiration"))
		// single object instead of array
		_, _ = w.Write([]byte(`{"options":{"option":{"symbol":"AAPL261030P00170000","option_type":"put","strike":170,"bid":1.1,"ask":1.2}}}`))
	})
	defer srv.Close()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			chain, err := api.GetOptionChainCtx(context.Background(), "AAPL", "2026-10-30")
			assert.NoError(t, err)
			assert.Len(t, chain, 1)
		}()
	}
	wg.Wait()

	chain, err := api.GetOptionChainCtx(context.Background(), "AAPL", "2026-10-30")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "AAPL261030P00170000", chain[0].Symbol)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "concurrent fetches are shared and results cached")
}

func TestGetOptionChainCtx_EmptyAndError(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") == "BAD" {
			http.Error(w, "nope", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"options":null}`))
	})
	defer srv.Close()

	chain, err := api.GetOptionChainCtx(context.Background(), "XYZ", "2026-10-30")
	require.NoError(t, err)
	assert.Empty(t, chain)

	_, err = api.GetOptionChainCtx(context.Background(), "BAD", "2026-10-30")
	assert.Error(t, err)
}

func TestPreviewSellToOpenCtx_ValidationErrors(t *testing.T) {
	api := NewTradierAPIWithBaseURL("k", "acc", true, "http://invalid.test", testLimits)
	_, err := api.PreviewSellToOpenCtx(context.Background(), "AAPL", "AAPL261030P00170000", 0, 1.0)
	assert.ErrorContains(t, err, "invalid quantity")
	_, err = api.PreviewSellToOpenCtx(context.Background(), "AAPL", "AAPL261030P00170000", 1, 0)
	assert.ErrorContains(t, err, "invalid price")
}

func TestTradierClient_GetAccountSummary(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/ACC123/balances", r.URL.Path)
		_, _ = w.Write([]byte(`{"balances":{"account_type":"margin","total_equity":250000,"total_cash":80000,` +
			`"current_requirement":40000,"option_requirement":30000,"margin":{"option_buying_power":120000}}}`))
	})
	defer srv.Close()

	client := NewTradierClient(api)
	summary, err := client.GetAccountSummary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &AccountSummary{
		NetLiquidation:    250000,
		InitMarginReq:     40000,
		MaintMarginReq:    30000,
		OptionBuyingPower: 120000,
		TotalCash:         80000,
	}, summary)
}

func TestTradierClient_QualifyContract(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"options":{"option":[
			{"symbol":"AAPL261030P00170000","option_type":"put","strike":170,"bid":1.10,"ask":1.20},
			{"symbol":"AAPL261030C00170000","option_type":"call","strike":170,"bid":3.10,"ask":3.20},
			{"symbol":"AAPL261030P00175000","option_type":"put","strike":175,"bid":2.10,"ask":2.20},
			{"symbol":"AAPLX261030P00170000","option_type":"put","strike":170,"bid":0.90,"ask":1.00}
		]}}`))
	})
	defer srv.Close()

	client := NewTradierClient(api)
	exp := time.Date(2026, 10, 30, 0, 0, 0, 0, time.UTC)
	contract := client.GetOptionContract("aapl", 170, exp, RightPut)
	assert.False(t, contract.Qualified)
	assert.Equal(t, "AAPL261030P00170000", contract.OCCSymbol)

	qualified, err := client.QualifyContract(context.Background(), contract)
	require.NoError(t, err)
	require.Len(t, qualified, 1)
	assert.True(t, qualified[0].Qualified)
	assert.Equal(t, "AAPL261030P00170000", qualified[0].OCCSymbol)
	assert.Equal(t, 1.10, qualified[0].Bid)

	missing := client.GetOptionContract("AAPL", 172.5, exp, RightPut)
	qualified, err = client.QualifyContract(context.Background(), missing)
	require.NoError(t, err)
	assert.Empty(t, qualified)
}

func TestTradierClient_GetActualMargin(t *testing.T) {
	qualified := Contract{
		Symbol:     "AAPL",
		OCCSymbol:  "AAPL261030P00170000",
		Right:      RightPut,
		Strike:     170,
		Expiration: time.Date(2026, 10, 30, 0, 0, 0, 0, time.UTC),
		Bid:        0.45,
		Ask:        0.55,
		Qualified:  true,
	}

	tests := []struct {
		name    string
		body    string
		status  int
		want    *float64
		wantErr bool
	}{
		{
			name: "margin change used",
			body: `{"order":{"status":"ok","margin_change":-6000.5,"buying_power_effect":-5900}}`,
			want: floatPtr(6000.5),
		},
		{
			name: "buying power effect fallback",
			body: `{"order":{"status":"ok","buying_power_effect":-5900}}`,
			want: floatPtr(5900),
		},
		{
			name: "zero means unavailable",
			body: `{"order":{"status":"ok"}}`,
		},
		{
			name:    "rejected preview",
			body:    `{"order":{"status":"error"}}`,
			wantErr: true,
		},
		{
			name:    "server error",
			body:    `boom`,
			status:  http.StatusInternalServerError,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/accounts/ACC123/orders", r.URL.Path)
				assert.NoError(t, r.ParseForm())
				assert.Equal(t, "sell_to_open", r.PostForm.Get("side"))
				assert.Equal(t, "true", r.PostForm.Get("preview"))
				assert.Equal(t, "AAPL261030P00170000", r.PostForm.Get("option_symbol"))
				assert.Equal(t, "5", r.PostForm.Get("quantity"))
				assert.Equal(t, "0.45", r.PostForm.Get("price"))
				if tt.status != 0 {
					w.WriteHeader(tt.status)
				}
				_, _ = w.Write([]byte(tt.body))
			})
			defer srv.Close()

			got, err := NewTradierClient(api).GetActualMargin(context.Background(), qualified, 5)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.InDelta(t, *tt.want, *got, 1e-9)
		})
	}
}

func TestTradierClient_GetActualMargin_Unqualified(t *testing.T) {
	client := NewTradierClient(NewTradierAPIWithBaseURL("k", "acc", true, "http://invalid.test", testLimits))
	_, err := client.GetActualMargin(context.Background(), Contract{OCCSymbol: "X"}, 1)
	assert.ErrorIs(t, err, ErrContractNotFound)
}

func TestExtractUnderlyingFromOSI_BasicAndEdgeCases(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"AAPL250101P00150000", "AAPL"},
		{"SPY240920C00450000", "SPY"},
		{" TSLA250228P00090000", "TSLA"},
		{"XYZ250101X00150000", ""},
		{"AAPL250101P001500000", ""},
		{"AAPL", ""},
		{"FOO012345P00123456", "FOO"},
		{"BRK.B250101P00150000", "BRK.B"},
		{"A2B250101P00150000", "A2B"},
		{"123456P00123456", ""},
		{"A250101P00150000", "A"},
		{"SPY250101P00150000EXTRA", ""},
		{"SPY250101P0015000A", ""},
		{"SPY250101P00150000 ", "SPY"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, extractUnderlyingFromOSI(tc.in))
		})
	}
}

func TestIsDigits(t *testing.T) {
	assert.True(t, isDigits("123456", 6))
	assert.False(t, isDigits("12345", 6))
	assert.False(t, isDigits("12a456", 6))
	assert.True(t, isDigits("00150000", 8))
}

func floatPtr(v float64) *float64 { return &v }
