package backfill

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"chartsync/internal/gateway/provider"
	"chartsync/internal/market"

	"github.com/stretchr/testify/mock"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) FetchPage(ctx context.Context, req provider.PageRequest) (provider.Page, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(provider.Page), args.Error(1)
}

func (m *mockProvider) EarliestTimestamp(ctx context.Context, id market.SeriesID) (int64, bool, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}

func (m *mockProvider) Ping(context.Context) error { return nil }

func (m *mockProvider) AccountBalance(context.Context) ([]provider.Balance, error) {
	return nil, nil
}

func endAt(end int64) interface{} {
	return mock.MatchedBy(func(req provider.PageRequest) bool { return req.End == end })
}

func candlesAt(times ...int64) []market.Candle {
	out := make([]market.Candle, 0, len(times))
	for _, ts := range times {
		out = append(out, market.NewCandle(ts, 10, 11, 9, 10.5, 1))
	}
	return out
}

// stepCandles returns n candles ending at end, step seconds apart.
func stepCandles(end, step int64, n int) []market.Candle {
	times := make([]int64, n)
	for i := range times {
		times[i] = end - int64(n-1-i)*step
	}
	return candlesAt(times...)
}

type memRepo struct {
	mu      sync.Mutex
	data    map[string][]market.Candle
	saves   map[string]int
	failFor map[string]bool
}

func newMemRepo() *memRepo {
	return &memRepo{data: map[string][]market.Candle{}, saves: map[string]int{}, failFor: map[string]bool{}}
}

func (r *memRepo) Save(_ context.Context, id market.SeriesID, candles []market.Candle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFor[id.Key()] {
		return errors.New("disk full")
	}
	r.data[id.Key()] = append([]market.Candle(nil), candles...)
	r.saves[id.Key()]++
	return nil
}

func (r *memRepo) Load(_ context.Context, id market.SeriesID) ([]market.Candle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.data[id.Key()]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", id, fs.ErrNotExist)
	}
	return append([]market.Candle(nil), cs...), nil
}

func (r *memRepo) List(context.Context) ([]market.SeriesID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []market.SeriesID
	for k := range r.data {
		id, err := market.ParseSeriesID(k)
		if err == nil {
			out = append(out, id)
		}
	}
	return out, nil
}

func (r *memRepo) saved(id market.SeriesID) ([]market.Candle, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data[id.Key()], r.saves[id.Key()]
}

type runRow struct {
	status  string
	fetched int64
	err     string
}

type memRuns struct {
	mu   sync.Mutex
	rows map[string]runRow
}

func newMemRuns() *memRuns { return &memRuns{rows: map[string]runRow{}} }

func (r *memRuns) BeginRun(_ context.Context, runID string, _ market.SeriesID, _ any, _ int64) error {
	r.mu.Lock()
	r.rows[runID] = runRow{status: RunRunning}
	r.mu.Unlock()
	return nil
}

func (r *memRuns) FinishRun(_ context.Context, runID, status string, fetched int64, runErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := runRow{status: status, fetched: fetched}
	if runErr != nil {
		row.err = runErr.Error()
	}
	r.rows[runID] = row
	return nil
}

func (r *memRuns) get(runID string) runRow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[runID]
}
