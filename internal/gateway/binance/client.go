package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"chartsync/internal/gateway/provider"
	"chartsync/internal/logger"
	"chartsync/internal/market"
	"chartsync/internal/pkg/circuit"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
)

var log = logger.For("binance")

// Client talks to the Binance spot REST API. Klines are requested directly
// over the SDK's HTTP client so the HTTP status and every row stay visible;
// signed endpoints go through the SDK services.
type Client struct {
	cfg     Config
	sdk     *gobinance.Client
	breaker *circuit.Breaker

	statsMu sync.Mutex
	stats   provider.Stats
}

var (
	_ provider.Provider      = (*Client)(nil)
	_ provider.StatsReporter = (*Client)(nil)
)

func New(cfg Config) (*Client, error) {
	final := cfg.withDefaults()
	if _, err := url.Parse(final.RESTBaseURL); err != nil {
		return nil, fmt.Errorf("invalid REST base url: %w", err)
	}
	sdk := gobinance.NewClient(final.APIKey, final.APISecret)
	sdk.BaseURL = final.RESTBaseURL
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyURL != "" {
		proxyURL, err := url.Parse(final.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	sdk.HTTPClient = httpClient
	return &Client{
		cfg:     final,
		sdk:     sdk,
		breaker: circuit.New("binance-rest", final.BreakerThreshold, final.BreakerTimeout),
	}, nil
}

func (c *Client) Name() string { return "binance" }

func (c *Client) FetchPage(ctx context.Context, req provider.PageRequest) (provider.Page, error) {
	if req.Series.IsZero() || !market.IsSeriesKey(req.Series.Key()) {
		return provider.Page{}, &provider.InvalidSeriesError{Name: req.Series.Key()}
	}
	var page provider.Page
	err := c.breaker.Execute(func() error {
		var err error
		page, err = c.fetchKlines(ctx, req.Series, req.Start, req.End, provider.ClampLimit(req.Limit))
		return err
	}, tripsBreaker)
	c.record(err)
	return page, err
}

func (c *Client) EarliestTimestamp(ctx context.Context, id market.SeriesID) (int64, bool, error) {
	page, err := c.FetchPage(ctx, provider.PageRequest{Series: id, Start: 1, Limit: 1})
	if err != nil {
		return 0, false, err
	}
	if len(page.Candles) == 0 {
		return 0, false, nil
	}
	return page.Candles[0].Time, true, nil
}

func (c *Client) Ping(ctx context.Context) error {
	err := c.breaker.Execute(func() error {
		return classify("ping", c.sdk.NewPingService().Do(ctx))
	}, tripsBreaker)
	c.record(err)
	return err
}

// AccountBalance returns the non-zero balances of the configured account.
func (c *Client) AccountBalance(ctx context.Context) ([]provider.Balance, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, &provider.APIError{Status: http.StatusUnauthorized, Message: "api key/secret not configured"}
	}
	var acct *gobinance.Account
	err := c.breaker.Execute(func() error {
		var err error
		acct, err = c.sdk.NewGetAccountService().Do(ctx)
		return classify("account", err)
	}, tripsBreaker)
	c.record(err)
	if err != nil {
		return nil, err
	}
	out := make([]provider.Balance, 0, len(acct.Balances))
	for _, b := range acct.Balances {
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			return nil, &provider.ParseError{Err: fmt.Errorf("balance %s free %q: %w", b.Asset, b.Free, err)}
		}
		locked, err := decimal.NewFromString(b.Locked)
		if err != nil {
			return nil, &provider.ParseError{Err: fmt.Errorf("balance %s locked %q: %w", b.Asset, b.Locked, err)}
		}
		bal := provider.Balance{Asset: b.Asset, Free: free, Locked: locked}
		if bal.Total().IsZero() {
			continue
		}
		out = append(out, bal)
	}
	return out, nil
}

// Stats reports request counters and the breaker state.
func (c *Client) Stats() provider.Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	out := c.stats
	out.Breaker = c.breaker.State().String()
	return out
}

func (c *Client) record(err error) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats.Requests++
	if err != nil {
		c.stats.Failures++
		c.stats.LastError = err.Error()
	}
}

// tripsBreaker counts transport failures and server-side errors. Client
// errors and cancellations say nothing about exchange health.
func tripsBreaker(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 || apiErr.Status == http.StatusTooManyRequests || apiErr.Status == http.StatusTeapot
	}
	var netErr *provider.NetworkError
	return errors.As(err, &netErr)
}

// classify maps SDK errors onto the provider taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return &provider.APIError{Status: statusForCode(apiErr.Code), Code: apiErr.Code, Message: apiErr.Message}
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return &provider.ParseError{Err: err}
	}
	return &provider.NetworkError{Op: op, Err: err}
}

// statusForCode approximates the HTTP status behind a Binance error code,
// which the SDK does not expose.
func statusForCode(code int64) int {
	switch {
	case code == -1003:
		return http.StatusTooManyRequests
	case code == -2014 || code == -2015:
		return http.StatusUnauthorized
	case code == -1021 || code == -1022:
		return http.StatusBadRequest
	case code <= -1100:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
