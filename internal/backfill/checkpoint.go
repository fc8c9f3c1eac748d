package backfill

import (
	"context"
	"errors"
	"time"

	"chartsync/internal/events"
	"chartsync/internal/gateway/provider"
	"chartsync/internal/logger"
	"chartsync/internal/market"

	"golang.org/x/sync/errgroup"
)

// CheckpointBatch is the candle count that makes up one checkpoint batch.
const CheckpointBatch = 1000

const DefaultCheckpointEvery = 10

// Saver persists a full snapshot of one series.
type Saver interface {
	Save(ctx context.Context, id market.SeriesID, candles []market.Candle) error
}

type SaveResult struct {
	Series market.SeriesID
	Count  int
	Err    error
}

// Checkpointer writes series snapshots to disk during and after a sync.
type Checkpointer struct {
	saver  Saver
	series SeriesSet
	bus    events.Publisher
	every  int64
	log    logger.Scoped
}

func NewCheckpointer(saver Saver, series SeriesSet, bus events.Publisher, every int) *Checkpointer {
	if every <= 0 {
		every = DefaultCheckpointEvery
	}
	if bus == nil {
		bus = events.Discard{}
	}
	return &Checkpointer{saver: saver, series: series, bus: bus, every: int64(every), log: logger.For("checkpoint")}
}

// ShouldCheckpoint reports whether a batch warrants a save: every period-th
// batch, whenever a gap closes, and at the end.
func ShouldCheckpoint(batchNumber, period int64, gapClosed, finished bool) bool {
	if gapClosed || finished {
		return true
	}
	if period <= 0 {
		period = DefaultCheckpointEvery
	}
	return batchNumber%period == 0
}

func (c *Checkpointer) Due(res BatchResult) bool {
	return ShouldCheckpoint(res.BatchNumber, c.every, res.GapClosed, res.Finished)
}

// Save writes each series concurrently and publishes one SaveComplete per
// series. A failure on one series does not stop the others.
func (c *Checkpointer) Save(ctx context.Context, ids ...market.SeriesID) ([]SaveResult, error) {
	results := make([]SaveResult, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			results[i] = c.saveOne(ctx, id)
			return results[i].Err
		})
	}
	_ = g.Wait()

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return results, errors.Join(errs...)
}

func (c *Checkpointer) saveOne(ctx context.Context, id market.SeriesID) SaveResult {
	res := SaveResult{Series: id}
	s, ok := c.series.Get(id)
	if !ok {
		return res
	}
	candles := s.Candles()
	res.Count = len(candles)
	ev := events.Event{Kind: events.KindSaveComplete, Series: id, Count: res.Count, At: time.Now()}
	if err := c.saver.Save(ctx, id, candles); err != nil {
		res.Err = &provider.PersistenceError{Series: id, Op: "save", Err: err}
		ev.Error = res.Err.Error()
		c.log.Errorf("save %s failed: %v", id, err)
	} else {
		c.log.Debugf("saved %s (%d candles)", id, res.Count)
	}
	c.bus.Publish(ev)
	return res
}
