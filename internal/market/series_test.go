package market

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hourly(times ...int64) []Candle {
	out := make([]Candle, 0, len(times))
	for _, ts := range times {
		p := 10 + float64(ts)/100
		out = append(out, NewCandle(ts, p, p+1, p-1, p+0.5, 10))
	}
	return out
}

func TestMergeIdempotent(t *testing.T) {
	s := NewSeries(NewSeriesID("BTCUSDT", "1h"))
	page := hourly(7200, 3600, 10800)

	first := s.Merge(page)
	assert.Equal(t, 3, first.Added)

	second := s.Merge(page)
	assert.Equal(t, 0, second.Added)
	assert.Equal(t, 3, second.Replaced)
	assert.Equal(t, 3, s.Len())
}

func TestMergeLastWriteWins(t *testing.T) {
	s := NewSeriesFrom(NewSeriesID("BTCUSDT", "1h"), hourly(3600, 7200))
	updated := NewCandle(7200, 50, 60, 40, 55, 99)

	res := s.Merge([]Candle{updated, NewCandle(10800, 1, 2, 1, 2, 1)})
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, res.Replaced)

	got := s.Candles()
	require.Len(t, got, 3)
	assert.Equal(t, updated, got[1])
}

func TestMergeDuplicatesWithinBatchKeepLast(t *testing.T) {
	s := NewSeries(NewSeriesID("ETHUSDT", "1h"))
	a := NewCandle(3600, 1, 1, 1, 1, 1)
	b := NewCandle(3600, 2, 2, 2, 2, 2)
	res := s.Merge([]Candle{a, b})
	assert.Equal(t, 1, res.Added)
	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, b, last)
}

func TestMergeDropsInvalid(t *testing.T) {
	s := NewSeries(NewSeriesID("ETHUSDT", "1h"))
	res := s.Merge([]Candle{{Time: 3600, Open: -1, High: 1, Low: -1, Close: 1}, NewCandle(7200, 1, 1, 1, 1, 1)})
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 0, s.Merge(nil).Added)
}

func TestMergeKeepsSortInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s := NewSeries(NewSeriesID("BTCUSDT", "1m"))
	for round := 0; round < 50; round++ {
		batch := make([]int64, 0, 20)
		for i := 0; i < 20; i++ {
			batch = append(batch, int64(rng.Intn(500)+1)*60)
		}
		s.Merge(hourly(batch...))
	}
	got := s.Candles()
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].Time, got[i].Time)
	}
}

func TestCachesInvalidatedOnMutation(t *testing.T) {
	s := NewSeriesFrom(NewSeriesID("BTCUSDT", "1h"), hourly(3600, 7200))
	tr, ok := s.TimeRange()
	require.True(t, ok)
	assert.Equal(t, TimeRange{Start: 3600, End: 7200}, tr)
	pr, _ := s.PriceRange()
	windowed, _ := s.PriceRangeFor(3600, 3600)

	s.Merge(hourly(10800))
	tr, _ = s.TimeRange()
	assert.Equal(t, int64(10800), tr.End)
	pr2, _ := s.PriceRange()
	assert.Greater(t, pr2.Max, pr.Max)
	again, _ := s.PriceRangeFor(3600, 3600)
	assert.Equal(t, windowed, again)
}

func TestUpdateOrAppend(t *testing.T) {
	s := NewSeriesFrom(NewSeriesID("BTCUSDT", "1h"), hourly(3600, 7200))

	added, err := s.UpdateOrAppend(NewCandle(7200, 9, 9, 9, 9, 9))
	require.NoError(t, err)
	assert.False(t, added)

	added, err = s.UpdateOrAppend(NewCandle(10800, 9, 9, 9, 9, 9))
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.UpdateOrAppend(NewCandle(5400, 9, 9, 9, 9, 9))
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, 4, s.Len())

	_, err = s.UpdateOrAppend(Candle{})
	assert.Error(t, err)
}

func TestVisibleAndInternalGaps(t *testing.T) {
	s := NewSeriesFrom(NewSeriesID("BTCUSDT", "1h"), hourly(3600, 7200, 18000, 21600))
	vis := s.Visible(7200, 18000)
	require.Len(t, vis, 2)
	assert.Equal(t, int64(7200), vis[0].Time)
	assert.Nil(t, s.Visible(30000, 40000))

	gaps := s.InternalGaps(3600)
	assert.Equal(t, []TimeRange{{Start: 7200, End: 18000}}, gaps)
}
