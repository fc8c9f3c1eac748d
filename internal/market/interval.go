package market

import (
	"sort"
	"strings"
	"time"
)

// DefaultIntervalSeconds applies to intervals the exchange table does not know.
const DefaultIntervalSeconds int64 = 3600

// intervalSeconds mirrors Binance kline intervals. 1M is approximated as 30 days.
var intervalSeconds = map[string]int64{
	"1m":  60,
	"3m":  180,
	"5m":  300,
	"15m": 900,
	"30m": 1800,
	"1h":  3600,
	"2h":  7200,
	"4h":  14400,
	"6h":  21600,
	"8h":  28800,
	"12h": 43200,
	"1d":  86400,
	"3d":  259200,
	"1w":  604800,
	"1M":  2592000,
}

// NormalizeInterval lower-cases an interval except for month intervals,
// where "1M" and "1m" mean different things.
func NormalizeInterval(iv string) string {
	iv = strings.TrimSpace(iv)
	if strings.HasSuffix(iv, "M") {
		return iv
	}
	return strings.ToLower(iv)
}

// IntervalSeconds returns the bucket width in seconds, falling back to one hour.
func IntervalSeconds(iv string) int64 {
	if s, ok := intervalSeconds[NormalizeInterval(iv)]; ok {
		return s
	}
	return DefaultIntervalSeconds
}

// IntervalDuration is IntervalSeconds as a time.Duration.
func IntervalDuration(iv string) time.Duration {
	return time.Duration(IntervalSeconds(iv)) * time.Second
}

func KnownInterval(iv string) bool {
	_, ok := intervalSeconds[NormalizeInterval(iv)]
	return ok
}

// SupportedIntervals returns the known intervals ordered by width.
func SupportedIntervals() []string {
	keys := make([]string, 0, len(intervalSeconds))
	for k := range intervalSeconds {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return intervalSeconds[keys[i]] < intervalSeconds[keys[j]]
	})
	return keys
}

// ExpectedCandles estimates how many buckets fit in periodSeconds.
func ExpectedCandles(iv string, periodSeconds int64) int64 {
	if periodSeconds <= 0 {
		return 0
	}
	return periodSeconds / IntervalSeconds(iv)
}

// CandlesBack returns the span covered by count buckets.
func CandlesBack(iv string, count int) int64 {
	return IntervalSeconds(iv) * int64(count)
}

// AlignDown snaps ts onto the interval grid.
func AlignDown(ts, step int64) int64 {
	if step <= 0 {
		return ts
	}
	rem := ts % step
	if rem < 0 {
		rem += step
	}
	return ts - rem
}
