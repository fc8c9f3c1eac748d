package market

import "time"

// DefaultCloseGrace is how long after a bucket closes it is still treated as
// forming, covering exchange-side settlement lag.
const DefaultCloseGrace = 10 * time.Second

// DropUnclosed removes the trailing candle while its bucket has not closed yet.
// Exchanges return the in-progress bucket as the last element of a page.
func DropUnclosed(candles []Candle, interval string, now time.Time) []Candle {
	return dropUnclosedAt(candles, IntervalSeconds(interval), now, DefaultCloseGrace)
}

func dropUnclosedAt(candles []Candle, intervalSeconds int64, now time.Time, grace time.Duration) []Candle {
	if len(candles) == 0 || intervalSeconds <= 0 {
		return candles
	}
	if grace < 0 {
		grace = 0
	}
	last := candles[len(candles)-1]
	if last.Time <= 0 {
		return candles
	}
	cutoff := time.Unix(last.Time+intervalSeconds, 0).Add(grace)
	if now.Before(cutoff) {
		return candles[:len(candles)-1]
	}
	return candles
}
