package backfill

import (
	"sort"
	"sync"
	"time"

	"chartsync/internal/market"
)

// Progress is the state of one in-flight synchronization. The active gap is
// [CurrentStart, TargetEnd]; TargetEnd moves backward as pages arrive.
type Progress struct {
	Series         market.SeriesID `json:"series"`
	RunID          string          `json:"run_id,omitempty"`
	CurrentCount   int64           `json:"current_count"`
	EstimatedTotal int64           `json:"estimated_total"`
	CurrentStart   int64           `json:"current_start"`
	TargetEnd      int64           `json:"target_end"`
	CurrentKind    GapKind         `json:"current_kind"`
	GapsRemaining  []Gap           `json:"gaps_remaining"`
	Paused         bool            `json:"paused"`
	Batches        int             `json:"batches"`
	LastError      string          `json:"last_error,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	UpdatedAt      time.Time       `json:"updated_at"`

	// Generation changes every time a record is started, so work begun for a
	// stopped run can tell it no longer owns the record.
	Generation uint64 `json:"-"`
}

// Percent is CurrentCount over EstimatedTotal, capped at 100.
func (p Progress) Percent() float64 {
	if p.EstimatedTotal <= 0 {
		return 0
	}
	pct := float64(p.CurrentCount) / float64(p.EstimatedTotal) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

func (p Progress) copy() Progress {
	out := p
	out.GapsRemaining = append([]Gap(nil), p.GapsRemaining...)
	return out
}

// Manager holds at most one Progress per series. Every operation on a series
// without a record is a no-op reporting false or an empty value.
type Manager struct {
	mu      sync.Mutex
	records map[string]*Progress
	seq     uint64
	now     func() time.Time
}

func NewManager() *Manager {
	return &Manager{records: make(map[string]*Progress), now: time.Now}
}

// Start seeds a record with the first gap active. It refuses when a record
// already exists or there is nothing to fetch.
func (m *Manager) Start(id market.SeriesID, gaps []Gap, estimatedTotal int64) bool {
	if len(gaps) == 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id.Key()]; ok {
		return false
	}
	now := m.now()
	first := gaps[0]
	m.seq++
	m.records[id.Key()] = &Progress{
		Generation:     m.seq,
		Series:         id,
		EstimatedTotal: estimatedTotal,
		CurrentStart:   first.Start,
		TargetEnd:      first.End,
		CurrentKind:    first.Kind,
		GapsRemaining:  append([]Gap(nil), gaps[1:]...),
		StartedAt:      now,
		UpdatedAt:      now,
	}
	return true
}

// AdvanceGap makes the next queued gap active. It returns false when nothing
// is queued; the caller then finishes the synchronization.
func (m *Manager) AdvanceGap(id market.SeriesID) (Gap, bool) {
	g, advanced, _ := m.advance(id)
	return g, advanced
}

func (m *Manager) advance(id market.SeriesID) (next Gap, advanced, exists bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[id.Key()]
	if !ok {
		return Gap{}, false, false
	}
	next, advanced = advanceLocked(p)
	if advanced {
		p.UpdatedAt = m.now()
	}
	return next, advanced, true
}

func advanceLocked(p *Progress) (Gap, bool) {
	if len(p.GapsRemaining) == 0 {
		return Gap{}, false
	}
	next := p.GapsRemaining[0]
	p.GapsRemaining = p.GapsRemaining[1:]
	p.CurrentStart = next.Start
	p.TargetEnd = next.End
	p.CurrentKind = next.Kind
	return next, true
}

// Commit runs fn on the record under the manager lock, but only while the
// record is still the generation the caller read. It reports whether fn ran.
func (m *Manager) Commit(id market.SeriesID, generation uint64, fn func(*Progress)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[id.Key()]
	if !ok || p.Generation != generation {
		return false
	}
	fn(p)
	p.UpdatedAt = m.now()
	return true
}

// UpdateProgress records the cumulative count and the next page boundary.
func (m *Manager) UpdateProgress(id market.SeriesID, count, targetEnd int64) bool {
	return m.update(id, func(p *Progress) {
		p.CurrentCount = count
		p.TargetEnd = targetEnd
		p.Batches++
	})
}

func (m *Manager) Pause(id market.SeriesID) bool {
	return m.update(id, func(p *Progress) { p.Paused = true })
}

func (m *Manager) Resume(id market.SeriesID) bool {
	return m.update(id, func(p *Progress) { p.Paused = false })
}

// Finish removes the record after the last gap closed.
func (m *Manager) Finish(id market.SeriesID) bool { return m.remove(id, 0) }

// FinishGeneration removes the record only if it is still the given
// generation.
func (m *Manager) FinishGeneration(id market.SeriesID, generation uint64) bool {
	return m.remove(id, generation)
}

// Stop removes the record on request. Pages still in flight are discarded
// when they come back.
func (m *Manager) Stop(id market.SeriesID) bool { return m.remove(id, 0) }

// remove deletes the record; a non-zero generation must match.
func (m *Manager) remove(id market.SeriesID, generation uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[id.Key()]
	if !ok || (generation != 0 && p.Generation != generation) {
		return false
	}
	delete(m.records, id.Key())
	return true
}

func (m *Manager) IsDownloading(id market.SeriesID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[id.Key()]
	return ok
}

func (m *Manager) IsPaused(id market.SeriesID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[id.Key()]
	return ok && p.Paused
}

// Progress returns a copy of the record.
func (m *Manager) Progress(id market.SeriesID) (Progress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[id.Key()]
	if !ok {
		return Progress{}, false
	}
	return p.copy(), true
}

// All returns copies of every record ordered by series key.
func (m *Manager) All() []Progress {
	m.mu.Lock()
	out := make([]Progress, 0, len(m.records))
	for _, p := range m.records {
		out = append(out, p.copy())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Series.Key() < out[j].Series.Key() })
	return out
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *Manager) update(id market.SeriesID, fn func(*Progress)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[id.Key()]
	if !ok {
		return false
	}
	fn(p)
	p.UpdatedAt = m.now()
	return true
}

func (m *Manager) SetRunID(id market.SeriesID, runID string) bool {
	return m.update(id, func(p *Progress) { p.RunID = runID })
}

// SetError records why the loop stalled; an empty msg clears it.
func (m *Manager) SetError(id market.SeriesID, msg string) bool {
	return m.update(id, func(p *Progress) { p.LastError = msg })
}
