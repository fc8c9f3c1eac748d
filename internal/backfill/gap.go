package backfill

import (
	"sync"

	"chartsync/internal/market"
)

type GapKind string

const (
	GapRecent     GapKind = "recent"
	GapInternal   GapKind = "internal"
	GapHistorical GapKind = "historical"
)

// Gap is a half-open range [Start, End) of Unix seconds missing from a series.
type Gap struct {
	Start int64   `json:"start"`
	End   int64   `json:"end"`
	Kind  GapKind `json:"kind"`
}

func (g Gap) Span() int64 { return g.End - g.Start }

// HistoryMemory remembers series whose backward walk already reached the
// first candle the exchange has.
type HistoryMemory interface {
	Exhausted(id market.SeriesID) bool
	MarkExhausted(id market.SeriesID)
	ResetHistory(id market.SeriesID)
}

// MemoryHistory is a process-local HistoryMemory.
type MemoryHistory struct {
	mu   sync.RWMutex
	seen map[string]bool
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{seen: make(map[string]bool)}
}

func (m *MemoryHistory) Exhausted(id market.SeriesID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seen[id.Key()]
}

func (m *MemoryHistory) MarkExhausted(id market.SeriesID) {
	m.mu.Lock()
	m.seen[id.Key()] = true
	m.mu.Unlock()
}

func (m *MemoryHistory) ResetHistory(id market.SeriesID) {
	m.mu.Lock()
	delete(m.seen, id.Key())
	m.mu.Unlock()
}

// RecentThreshold is how stale the newest candle may get before a recent gap
// is reported: one interval plus 10%, never below five minutes.
func RecentThreshold(intervalSeconds int64) int64 {
	t := intervalSeconds + intervalSeconds/10
	if t < 300 {
		return 300
	}
	return t
}

// Detector classifies what a series is missing.
type Detector struct {
	// History enables the historical extension gap. Without it the detector
	// could not remember an exhausted walk, so the extension is skipped.
	History HistoryMemory
	// ScanInternal turns on the O(n) scan for interior holes.
	ScanInternal bool
}

func NewDetector(history HistoryMemory, scanInternal bool) *Detector {
	return &Detector{History: history, ScanInternal: scanInternal}
}

// Detect returns the gaps of s ordered recent, internal (newest first),
// historical. The ranges are disjoint.
func (d *Detector) Detect(s *market.Series, interval string, now int64) []Gap {
	tr, ok := s.TimeRange()
	if !ok {
		return []Gap{{Start: 0, End: now, Kind: GapHistorical}}
	}
	iv := market.IntervalSeconds(interval)
	var gaps []Gap
	if now-tr.End > RecentThreshold(iv) {
		gaps = append(gaps, Gap{Start: tr.End, End: now, Kind: GapRecent})
	}
	if d.ScanInternal {
		holes := s.InternalGaps(iv)
		for i := len(holes) - 1; i >= 0; i-- {
			gaps = append(gaps, Gap{Start: holes[i].Start, End: holes[i].End, Kind: GapInternal})
		}
	}
	if d.History != nil && tr.Start > 0 && !d.History.Exhausted(s.ID()) {
		gaps = append(gaps, Gap{Start: 0, End: tr.Start, Kind: GapHistorical})
	}
	return gaps
}

// EstimateTotal sums the expected candle count of every gap.
func EstimateTotal(gaps []Gap, interval string) int64 {
	var total int64
	for _, g := range gaps {
		total += market.ExpectedCandles(interval, g.Span())
	}
	return total
}
