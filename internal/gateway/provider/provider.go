// Package provider defines the remote market-data contract used by the sync
// engine and the closed set of errors it may return.
package provider

import (
	"context"

	"chartsync/internal/market"

	"github.com/shopspring/decimal"
)

// MaxPageSize is the largest page the exchange serves in one kline request.
const MaxPageSize = 1000

// PageRequest asks for up to Limit candles. End pages backward ("ending at or
// before End"), Start pages forward. Both are Unix seconds; zero means unset.
type PageRequest struct {
	Series market.SeriesID
	Start  int64
	End    int64
	Limit  int
}

// Page is one response ordered oldest first. Raw counts the rows the exchange
// returned before malformed rows were dropped, and RawOldest is the oldest
// open time among those rows, so paging decisions are not skewed by local
// validation. RawOldest is zero when the provider does not report it.
type Page struct {
	Candles   []market.Candle
	Raw       int
	RawOldest int64
}

// Oldest returns the oldest open time the exchange sent, falling back to the
// first kept candle and then to fallback on an empty page.
func (p Page) Oldest(fallback int64) int64 {
	if p.RawOldest > 0 {
		return p.RawOldest
	}
	if len(p.Candles) == 0 {
		return fallback
	}
	return p.Candles[0].Time
}

type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

func (b Balance) Total() decimal.Decimal { return b.Free.Add(b.Locked) }

// Provider is the remote candle source.
type Provider interface {
	Name() string
	FetchPage(ctx context.Context, req PageRequest) (Page, error)
	// EarliestTimestamp reports the oldest candle the exchange holds for the
	// series; ok is false when the exchange returned nothing.
	EarliestTimestamp(ctx context.Context, id market.SeriesID) (ts int64, ok bool, err error)
	Ping(ctx context.Context) error
	AccountBalance(ctx context.Context) ([]Balance, error)
}

// Stats counts requests a provider has issued.
type Stats struct {
	Requests  int64  `json:"requests"`
	Failures  int64  `json:"failures"`
	LastError string `json:"last_error,omitempty"`
	Breaker   string `json:"breaker"`
}

// StatsReporter is implemented by providers that count their requests.
type StatsReporter interface {
	Stats() Stats
}

func ClampLimit(limit int) int {
	if limit <= 0 || limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
