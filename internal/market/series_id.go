package market

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSeriesID is returned for names that are not SYMBOL_interval.
var ErrInvalidSeriesID = errors.New("invalid series id")

// SeriesID identifies one candle series.
type SeriesID struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
}

func NewSeriesID(symbol, interval string) SeriesID {
	return SeriesID{
		Symbol:   strings.ToUpper(strings.TrimSpace(symbol)),
		Interval: NormalizeInterval(interval),
	}
}

// ParseSeriesID accepts "BTCUSDT_1h": exactly one underscore, neither
// leading nor trailing.
func ParseSeriesID(name string) (SeriesID, error) {
	name = strings.TrimSpace(name)
	if !IsSeriesKey(name) {
		return SeriesID{}, fmt.Errorf("%w: %q (expected SYMBOL_INTERVAL)", ErrInvalidSeriesID, name)
	}
	idx := strings.IndexByte(name, '_')
	return NewSeriesID(name[:idx], name[idx+1:]), nil
}

// IsSeriesKey reports whether name has the SYMBOL_INTERVAL shape.
func IsSeriesKey(name string) bool {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 || idx >= len(name)-1 {
		return false
	}
	return strings.IndexByte(name[idx+1:], '_') < 0
}

func (id SeriesID) Key() string { return id.Symbol + "_" + id.Interval }

func (id SeriesID) String() string { return id.Key() }

func (id SeriesID) IsZero() bool { return id.Symbol == "" || id.Interval == "" }

func (id SeriesID) IntervalSeconds() int64 { return IntervalSeconds(id.Interval) }
