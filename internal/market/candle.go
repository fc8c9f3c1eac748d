package market

import (
	"fmt"
	"math"
	"time"
)

// Candle is one OHLCV bucket. Time is the bucket open in Unix seconds.
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// MaxFutureSkew bounds how far ahead of the local clock a persisted or
// remote candle may be stamped before it is rejected.
const MaxFutureSkew = time.Hour

// NewCandle builds a candle whose high/low always bracket open and close.
func NewCandle(ts int64, open, high, low, close, volume float64) Candle {
	return Candle{
		Time:   ts,
		Open:   open,
		High:   math.Max(high, math.Max(open, close)),
		Low:    math.Min(low, math.Min(open, close)),
		Close:  close,
		Volume: volume,
	}
}

// ValidationError describes why a candle was refused.
type ValidationError struct {
	Time   int64
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid candle at %d: %s %s", e.Time, e.Field, e.Reason)
}

// Validate checks a candle coming from disk or from the network.
func (c Candle) Validate() error {
	return c.validateAt(time.Now())
}

func (c Candle) validateAt(now time.Time) error {
	if c.Time <= 0 {
		return &ValidationError{Time: c.Time, Field: "time", Reason: "must be positive"}
	}
	if c.Time > now.Add(MaxFutureSkew).Unix() {
		return &ValidationError{Time: c.Time, Field: "time", Reason: "is in the future"}
	}
	prices := [...]struct {
		name string
		v    float64
	}{{"open", c.Open}, {"high", c.High}, {"low", c.Low}, {"close", c.Close}}
	for _, p := range prices {
		if math.IsNaN(p.v) || math.IsInf(p.v, 0) {
			return &ValidationError{Time: c.Time, Field: p.name, Reason: "is not finite"}
		}
		if p.v <= 0 {
			return &ValidationError{Time: c.Time, Field: p.name, Reason: "must be positive"}
		}
	}
	if math.IsNaN(c.Volume) || math.IsInf(c.Volume, 0) || c.Volume < 0 {
		return &ValidationError{Time: c.Time, Field: "volume", Reason: "must be finite and >= 0"}
	}
	if c.Low > c.High {
		return &ValidationError{Time: c.Time, Field: "low", Reason: "above high"}
	}
	return nil
}

// OpenTimeMillis is the bucket open in the exchange's millisecond unit.
func (c Candle) OpenTimeMillis() int64 { return c.Time * 1000 }

func (c Candle) TimeString() string {
	if c.Time <= 0 {
		return "-"
	}
	return time.Unix(c.Time, 0).UTC().Format("2006-01-02 15:04") + "Z"
}
