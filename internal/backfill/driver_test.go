package backfill

import (
	"context"
	"errors"
	"testing"
	"time"

	"chartsync/internal/gateway/provider"
	"chartsync/internal/market"
	"chartsync/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type driverFixture struct {
	prov     *mockProvider
	registry *store.Registry
	manager  *Manager
	history  *MemoryHistory
	driver   *Driver
}

func newDriverFixture() *driverFixture {
	f := &driverFixture{
		prov:     new(mockProvider),
		registry: store.NewRegistry(),
		manager:  NewManager(),
		history:  NewMemoryHistory(),
	}
	f.driver = NewDriver(f.prov, f.registry, f.manager, DriverOptions{
		PageDelay: time.Millisecond,
		History:   f.history,
	})
	return f
}

func TestFetchBatchFiltersOvershootAndClosesGap(t *testing.T) {
	f := newDriverFixture()
	id := market.NewSeriesID("BTCUSDT", "1m")
	require.True(t, f.manager.Start(id, []Gap{{Start: 1000, End: 5000, Kind: GapInternal}}, 4))

	page := provider.Page{Candles: candlesAt(500, 1000, 2000, 3000, 4000, 5000), Raw: 1000}
	f.prov.On("FetchPage", mock.Anything, provider.PageRequest{Series: id, End: 5000, Limit: 1000}).Return(page, nil).Once()

	res, err := f.driver.FetchBatch(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, res.GapClosed)
	assert.True(t, res.Finished)
	assert.Equal(t, int64(1000), res.Next)
	assert.Equal(t, 5, res.Fetched)
	assert.Equal(t, int64(5), res.Total)

	s, ok := f.registry.Get(id)
	require.True(t, ok)
	oldest, _ := s.Oldest()
	assert.Equal(t, int64(1000), oldest, "candles older than the gap are discarded")
	assert.False(t, f.history.Exhausted(id), "only historical gaps mark exhaustion")
	f.prov.AssertExpectations(t)
}

func TestFetchBatchPauseBlocksNetwork(t *testing.T) {
	f := newDriverFixture()
	id := market.NewSeriesID("BTCUSDT", "1h")
	require.True(t, f.manager.Start(id, []Gap{{Start: 0, End: 7200, Kind: GapHistorical}}, 2))
	f.prov.On("FetchPage", mock.Anything, mock.Anything).Return(provider.Page{Candles: candlesAt(3600, 7200), Raw: 2}, nil)

	f.manager.Pause(id)
	_, err := f.driver.FetchBatch(context.Background(), id)
	assert.ErrorIs(t, err, ErrPaused)
	f.prov.AssertNumberOfCalls(t, "FetchPage", 0)

	f.manager.Resume(id)
	_, err = f.driver.FetchBatch(context.Background(), id)
	require.NoError(t, err)
	f.prov.AssertNumberOfCalls(t, "FetchPage", 1)
}

func TestFetchBatchWithoutRecord(t *testing.T) {
	f := newDriverFixture()
	_, err := f.driver.FetchBatch(context.Background(), market.NewSeriesID("BTCUSDT", "1h"))
	assert.ErrorIs(t, err, ErrNotSyncing)
	f.prov.AssertNumberOfCalls(t, "FetchPage", 0)
}

func TestFetchBatchDiscardsPageAfterStop(t *testing.T) {
	f := newDriverFixture()
	id := market.NewSeriesID("BTCUSDT", "1h")
	require.True(t, f.manager.Start(id, []Gap{{Start: 0, End: 7200, Kind: GapHistorical}}, 2))
	f.prov.On("FetchPage", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { f.manager.Stop(id) }).
		Return(provider.Page{Candles: candlesAt(3600, 7200), Raw: 2}, nil)

	_, err := f.driver.FetchBatch(context.Background(), id)
	assert.ErrorIs(t, err, ErrDiscarded)
	_, ok := f.registry.Get(id)
	assert.False(t, ok, "store must stay untouched")
	assert.False(t, f.history.Exhausted(id))
}

func TestFetchBatchDiscardsPageAfterRestart(t *testing.T) {
	f := newDriverFixture()
	id := market.NewSeriesID("BTCUSDT", "1h")
	gaps := []Gap{{Start: 0, End: 7200, Kind: GapHistorical}}
	require.True(t, f.manager.Start(id, gaps, 2))
	before, _ := f.manager.Progress(id)

	f.prov.On("FetchPage", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			f.manager.Stop(id)
			f.manager.Start(id, gaps, 2)
		}).
		Return(provider.Page{Candles: candlesAt(3600, 7200), Raw: 2}, nil).Once()

	_, err := f.driver.FetchBatch(context.Background(), id)
	assert.ErrorIs(t, err, ErrDiscarded)

	after, ok := f.manager.Progress(id)
	require.True(t, ok)
	assert.NotEqual(t, before.Generation, after.Generation)
	assert.Equal(t, int64(7200), after.TargetEnd)
	assert.Zero(t, after.CurrentCount)
	assert.Zero(t, after.Batches)
	assert.Equal(t, GapHistorical, after.CurrentKind, "the new run keeps its gap")
	_, ok = f.registry.Get(id)
	assert.False(t, ok, "store must stay untouched")
	assert.False(t, f.history.Exhausted(id))
}

func TestFetchBatchStepsPastFullPageOfInvalidRows(t *testing.T) {
	f := newDriverFixture()
	id := market.NewSeriesID("BTCUSDT", "1m")
	end := int64(600_000)
	require.True(t, f.manager.Start(id, []Gap{{Start: 0, End: end, Kind: GapHistorical}}, 10_000))

	// Every row of a full page was rejected by validation, but the exchange
	// still reported how far back it went.
	rawOldest := end - 999*60
	f.prov.On("FetchPage", mock.Anything, endAt(end)).
		Return(provider.Page{Raw: 1000, RawOldest: rawOldest}, nil).Once()

	res, err := f.driver.FetchBatch(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, res.GapClosed)
	assert.False(t, res.Finished)
	assert.Zero(t, res.Fetched)
	assert.Equal(t, rawOldest-1, res.Next)

	p, ok := f.manager.Progress(id)
	require.True(t, ok)
	assert.Equal(t, rawOldest-1, p.TargetEnd)
	assert.False(t, f.history.Exhausted(id))
}

func TestFetchBatchPrefersRawOldestOverKeptCandles(t *testing.T) {
	f := newDriverFixture()
	id := market.NewSeriesID("BTCUSDT", "1m")
	end := int64(600_000)
	require.True(t, f.manager.Start(id, []Gap{{Start: 0, End: end, Kind: GapHistorical}}, 10_000))

	// The oldest rows were invalid; only the newest half survived.
	kept := stepCandles(end, 60, 500)
	rawOldest := end - 999*60
	f.prov.On("FetchPage", mock.Anything, endAt(end)).
		Return(provider.Page{Candles: kept, Raw: 1000, RawOldest: rawOldest}, nil).Once()

	res, err := f.driver.FetchBatch(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 500, res.Fetched)
	assert.Equal(t, rawOldest-1, res.Next, "the walk must not request the invalid rows again")
}

func TestFetchBatchShortPageTerminatesHistory(t *testing.T) {
	f := newDriverFixture()
	id := market.NewSeriesID("BTCUSDT", "1h")
	require.True(t, f.manager.Start(id, []Gap{{Start: 0, End: 36000, Kind: GapHistorical}}, 10))
	f.prov.On("FetchPage", mock.Anything, endAt(36000)).
		Return(provider.Page{Candles: candlesAt(28800, 32400, 36000), Raw: 3}, nil).Once()

	res, err := f.driver.FetchBatch(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, res.GapClosed)
	assert.Equal(t, int64(0), res.Next)
	assert.True(t, res.Finished)
	assert.True(t, f.history.Exhausted(id))
}

func TestFetchBatchWalksBackwardAcrossPages(t *testing.T) {
	f := newDriverFixture()
	id := market.NewSeriesID("BTCUSDT", "1m")
	end := int64(600_000)
	require.True(t, f.manager.Start(id, []Gap{{Start: 0, End: end, Kind: GapHistorical}}, 10_000))

	full := stepCandles(end, 60, 1000)
	oldest := full[0].Time
	f.prov.On("FetchPage", mock.Anything, endAt(end)).Return(provider.Page{Candles: full, Raw: 1000}, nil).Once()
	f.prov.On("FetchPage", mock.Anything, endAt(oldest-1)).Return(provider.Page{}, nil).Once()

	res, err := f.driver.FetchBatch(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, res.GapClosed)
	assert.Equal(t, oldest-1, res.Next)
	p, _ := f.manager.Progress(id)
	assert.Equal(t, oldest-1, p.TargetEnd)
	assert.False(t, f.history.Exhausted(id))

	// A full first page costs exactly one extra request before the walk
	// learns there is nothing older.
	res, err = f.driver.FetchBatch(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, res.GapClosed)
	assert.True(t, res.Finished)
	assert.Equal(t, int64(1000), res.Total)
	assert.True(t, f.history.Exhausted(id))
	f.prov.AssertNumberOfCalls(t, "FetchPage", 2)
}

func TestFetchBatchAdvancesToNextGap(t *testing.T) {
	f := newDriverFixture()
	id := market.NewSeriesID("BTCUSDT", "1h")
	gaps := []Gap{
		{Start: 36000, End: 43200, Kind: GapRecent},
		{Start: 0, End: 7200, Kind: GapHistorical},
	}
	require.True(t, f.manager.Start(id, gaps, 4))
	f.prov.On("FetchPage", mock.Anything, endAt(43200)).
		Return(provider.Page{Candles: candlesAt(32400, 36000, 39600, 43200), Raw: 1000}, nil).Once()

	res, err := f.driver.FetchBatch(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, res.GapClosed)
	assert.False(t, res.Finished)
	assert.Equal(t, 3, res.Fetched)

	p, ok := f.manager.Progress(id)
	require.True(t, ok)
	assert.Equal(t, GapHistorical, p.CurrentKind)
	assert.Equal(t, int64(7200), p.TargetEnd)
	assert.Equal(t, int64(3), p.CurrentCount)
}

func TestFetchBatchErrorLeavesProgressUntouched(t *testing.T) {
	f := newDriverFixture()
	id := market.NewSeriesID("BTCUSDT", "1h")
	require.True(t, f.manager.Start(id, []Gap{{Start: 0, End: 7200, Kind: GapHistorical}}, 2))
	before, _ := f.manager.Progress(id)

	netErr := &provider.NetworkError{Op: "klines", Err: errors.New("connection reset")}
	f.prov.On("FetchPage", mock.Anything, mock.Anything).Return(provider.Page{}, netErr).Once()

	_, err := f.driver.FetchBatch(context.Background(), id)
	require.Error(t, err)
	assert.True(t, provider.Retryable(err))

	after, _ := f.manager.Progress(id)
	assert.Equal(t, before.TargetEnd, after.TargetEnd)
	assert.Equal(t, before.CurrentCount, after.CurrentCount)
	assert.Equal(t, before.Batches, after.Batches)
}
