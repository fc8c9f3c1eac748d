package market

import (
	"math"
	"sort"
	"sync"

	"chartsync/internal/logger"
)

const priceCacheLimit = 100

// TimeRange is an inclusive [Start, End] span of candle timestamps.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// PriceRange holds the lowest low and highest high over a span.
type PriceRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// MergeResult summarizes one Merge call.
type MergeResult struct {
	Added    int `json:"added"`
	Replaced int `json:"replaced"`
	Dropped  int `json:"dropped"`
}

// Series is the candle store of a single SeriesID. Candles are kept strictly
// increasing by Time. The derived caches are owned by the series, dropped on
// every mutation and rebuilt on the next read.
type Series struct {
	id SeriesID

	mu      sync.Mutex
	candles []Candle

	timeRange  *TimeRange
	priceRange *PriceRange
	rangeCache map[TimeRange]PriceRange
}

func NewSeries(id SeriesID) *Series {
	return &Series{id: id, rangeCache: make(map[TimeRange]PriceRange)}
}

// NewSeriesFrom builds a series from persisted candles, which go through the
// same validation and ordering as Merge.
func NewSeriesFrom(id SeriesID, candles []Candle) *Series {
	s := NewSeries(id)
	s.Merge(candles)
	return s
}

func (s *Series) ID() SeriesID { return s.id }

// Merge inserts incoming candles, which may be unsorted and may overlap the
// stored extent. A timestamp that already exists is overwritten by the
// incoming value. Invalid candles are dropped.
func (s *Series) Merge(incoming []Candle) MergeResult {
	var res MergeResult
	if len(incoming) == 0 {
		return res
	}
	batch := make([]Candle, 0, len(incoming))
	for _, c := range incoming {
		if err := c.Validate(); err != nil {
			res.Dropped++
			logger.For("market").Warnf("%s: dropping candle: %v", s.id, err)
			continue
		}
		batch = append(batch, c)
	}
	batch = sortUnique(batch)
	if len(batch) == 0 {
		return res
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.candles)
	switch {
	case n == 0:
		s.candles = batch
		res.Added = len(batch)
	case batch[0].Time > s.candles[n-1].Time:
		s.candles = append(s.candles, batch...)
		res.Added = len(batch)
	default:
		s.candles, res.Added, res.Replaced = mergeSorted(s.candles, batch)
	}
	s.invalidate()
	return res
}

// UpdateOrAppend is the realtime fast path: it rewrites the last candle when
// timestamps match, appends when newer and falls back to Merge otherwise.
// It reports whether a new timestamp was added.
func (s *Series) UpdateOrAppend(c Candle) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	n := len(s.candles)
	switch {
	case n == 0 || c.Time > s.candles[n-1].Time:
		s.candles = append(s.candles, c)
		s.invalidate()
		s.mu.Unlock()
		return true, nil
	case c.Time == s.candles[n-1].Time:
		s.candles[n-1] = c
		s.invalidate()
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()
	return s.Merge([]Candle{c}).Added > 0, nil
}

// ReplaceAll swaps the whole sequence, used when a series is reloaded.
func (s *Series) ReplaceAll(candles []Candle) {
	fresh := NewSeriesFrom(s.id, candles)
	s.mu.Lock()
	s.candles = fresh.candles
	s.invalidate()
	s.mu.Unlock()
}

// invalidate must be called with mu held.
func (s *Series) invalidate() {
	s.timeRange = nil
	s.priceRange = nil
	if len(s.rangeCache) > 0 {
		s.rangeCache = make(map[TimeRange]PriceRange)
	}
}

func (s *Series) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.candles)
}

func (s *Series) IsEmpty() bool { return s.Len() == 0 }

// Candles returns a copy of the stored sequence.
func (s *Series) Candles() []Candle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Candle, len(s.candles))
	copy(out, s.candles)
	return out
}

func (s *Series) Last() (Candle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.candles) == 0 {
		return Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}

// TimeRange returns the oldest and newest timestamps.
func (s *Series) TimeRange() (TimeRange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.candles) == 0 {
		return TimeRange{}, false
	}
	if s.timeRange == nil {
		s.timeRange = &TimeRange{Start: s.candles[0].Time, End: s.candles[len(s.candles)-1].Time}
	}
	return *s.timeRange, true
}

func (s *Series) Oldest() (int64, bool) {
	tr, ok := s.TimeRange()
	return tr.Start, ok
}

func (s *Series) Newest() (int64, bool) {
	tr, ok := s.TimeRange()
	return tr.End, ok
}

// PriceRange covers every stored candle.
func (s *Series) PriceRange() (PriceRange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.candles) == 0 {
		return PriceRange{}, false
	}
	if s.priceRange == nil {
		pr := priceRangeOf(s.candles)
		s.priceRange = &pr
	}
	return *s.priceRange, true
}

// PriceRangeFor covers candles with start <= Time <= end.
func (s *Series) PriceRangeFor(start, end int64) (PriceRange, bool) {
	key := TimeRange{Start: start, End: end}
	s.mu.Lock()
	defer s.mu.Unlock()
	if pr, ok := s.rangeCache[key]; ok {
		return pr, true
	}
	lo, hi := s.window(start, end)
	if lo >= hi {
		return PriceRange{}, false
	}
	pr := priceRangeOf(s.candles[lo:hi])
	if len(s.rangeCache) >= priceCacheLimit {
		s.rangeCache = make(map[TimeRange]PriceRange)
	}
	s.rangeCache[key] = pr
	return pr, true
}

// Visible returns a copy of the candles with start <= Time <= end.
func (s *Series) Visible(start, end int64) []Candle {
	s.mu.Lock()
	defer s.mu.Unlock()
	lo, hi := s.window(start, end)
	if lo >= hi {
		return nil
	}
	out := make([]Candle, hi-lo)
	copy(out, s.candles[lo:hi])
	return out
}

func (s *Series) window(start, end int64) (int, int) {
	lo := sort.Search(len(s.candles), func(i int) bool { return s.candles[i].Time >= start })
	hi := sort.Search(len(s.candles), func(i int) bool { return s.candles[i].Time > end })
	return lo, hi
}

// InternalGaps lists holes between consecutive candles wider than 1.5
// intervals, as [before, after) pairs in ascending order.
func (s *Series) InternalGaps(intervalSeconds int64) []TimeRange {
	if intervalSeconds <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TimeRange
	for i := 1; i < len(s.candles); i++ {
		prev, next := s.candles[i-1].Time, s.candles[i].Time
		if (next-prev)*2 > intervalSeconds*3 {
			out = append(out, TimeRange{Start: prev, End: next})
		}
	}
	return out
}

func priceRangeOf(cs []Candle) PriceRange {
	pr := PriceRange{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, c := range cs {
		pr.Min = math.Min(pr.Min, c.Low)
		pr.Max = math.Max(pr.Max, c.High)
	}
	return pr
}

// sortUnique orders candles by time; for repeated timestamps the one that
// came last in the input wins.
func sortUnique(cs []Candle) []Candle {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].Time < cs[j].Time })
	out := cs[:0]
	for _, c := range cs {
		if n := len(out); n > 0 && out[n-1].Time == c.Time {
			out[n-1] = c
			continue
		}
		out = append(out, c)
	}
	return out
}

func mergeSorted(existing, batch []Candle) ([]Candle, int, int) {
	out := make([]Candle, 0, len(existing)+len(batch))
	added, replaced := 0, 0
	i, j := 0, 0
	for i < len(existing) && j < len(batch) {
		switch {
		case existing[i].Time < batch[j].Time:
			out = append(out, existing[i])
			i++
		case existing[i].Time > batch[j].Time:
			out = append(out, batch[j])
			added++
			j++
		default:
			out = append(out, batch[j])
			replaced++
			i++
			j++
		}
	}
	out = append(out, existing[i:]...)
	added += len(batch) - j
	out = append(out, batch[j:]...)
	return out, added, replaced
}
