package backfill

import (
	"context"
	"errors"
	"time"

	"chartsync/internal/gateway/provider"
	"chartsync/internal/logger"
	"chartsync/internal/market"

	"golang.org/x/time/rate"
)

var (
	ErrNotSyncing = errors.New("series is not synchronizing")
	ErrPaused     = errors.New("synchronization is paused")
	// ErrDiscarded means the synchronization was stopped, or stopped and
	// started again, while a page was in flight. The page was dropped without
	// touching the series.
	ErrDiscarded = errors.New("page discarded: synchronization stopped")
)

const DefaultPageDelay = 100 * time.Millisecond

// SeriesSet is where fetched candles land.
type SeriesSet interface {
	Get(id market.SeriesID) (*market.Series, bool)
	GetOrCreate(id market.SeriesID) (*market.Series, bool)
}

// BatchResult describes one page fetched by the Driver.
type BatchResult struct {
	Series    market.SeriesID
	Kind      GapKind
	Fetched   int
	Added     int
	Total     int64
	Raw       int
	Next      int64
	GapClosed bool
	Finished  bool

	// BatchNumber is the thousand-candle batch the cumulative count falls in.
	BatchNumber int64
}

// Driver fetches one page per call for the active gap of a series, walking
// backward from the gap end toward its start.
type Driver struct {
	provider provider.Provider
	series   SeriesSet
	manager  *Manager
	history  HistoryMemory
	limiter  *rate.Limiter
	pageSize int
	log      logger.Scoped
}

type DriverOptions struct {
	PageSize  int
	PageDelay time.Duration
	History   HistoryMemory
}

func NewDriver(p provider.Provider, series SeriesSet, manager *Manager, opts DriverOptions) *Driver {
	delay := opts.PageDelay
	if delay <= 0 {
		delay = DefaultPageDelay
	}
	return &Driver{
		provider: p,
		series:   series,
		manager:  manager,
		history:  opts.History,
		limiter:  rate.NewLimiter(rate.Every(delay), 1),
		pageSize: provider.ClampLimit(opts.PageSize),
		log:      logger.For("backfill"),
	}
}

func (d *Driver) PageSize() int { return d.pageSize }

// FetchBatch requests the next page of the active gap and merges it. Paused
// or missing records return without a network call. On error the progress
// record is left as it was so the same page can be retried.
func (d *Driver) FetchBatch(ctx context.Context, id market.SeriesID) (BatchResult, error) {
	return d.fetchBatch(ctx, id, 0)
}

// fetchBatch is FetchBatch for one run. A non-zero generation must match the
// record for the call to proceed. Whatever generation the request was built
// from must still own the record when the page comes back, or the page is
// dropped: the merge and the progress update happen under one manager lock.
func (d *Driver) fetchBatch(ctx context.Context, id market.SeriesID, generation uint64) (BatchResult, error) {
	res := BatchResult{Series: id}
	if _, err := d.active(id, generation); err != nil {
		return res, err
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return res, err
	}
	p, err := d.active(id, generation)
	if err != nil {
		return res, err
	}
	res.Kind = p.CurrentKind

	page, err := d.provider.FetchPage(ctx, provider.PageRequest{
		Series: id,
		End:    p.TargetEnd,
		Limit:  d.pageSize,
	})
	if err != nil {
		return res, err
	}
	res.Raw = page.Raw

	filtered := make([]market.Candle, 0, len(page.Candles))
	for _, c := range page.Candles {
		if c.Time >= p.CurrentStart && c.Time <= p.TargetEnd {
			filtered = append(filtered, c)
		}
	}
	oldest := page.Oldest(p.TargetEnd)
	res.GapClosed = oldest <= p.CurrentStart || page.Raw < d.pageSize
	res.Fetched = len(filtered)
	res.Total = p.CurrentCount + int64(res.Fetched)
	res.BatchNumber = res.Total/CheckpointBatch + 1
	res.Next = oldest - 1
	if res.GapClosed {
		res.Next = p.CurrentStart
	}

	committed := d.manager.Commit(id, p.Generation, func(rec *Progress) {
		s, _ := d.series.GetOrCreate(id)
		res.Added = s.Merge(filtered).Added
		rec.CurrentCount = res.Total
		rec.TargetEnd = res.Next
		rec.Batches++
		if res.GapClosed {
			_, advanced := advanceLocked(rec)
			res.Finished = !advanced
		}
	})
	if !committed {
		d.log.Debugf("%s stopped mid-flight, dropping %d candles", id, len(filtered))
		return BatchResult{Series: id, Kind: res.Kind, Raw: res.Raw}, ErrDiscarded
	}

	if res.GapClosed && p.CurrentKind == GapHistorical && d.history != nil {
		d.history.MarkExhausted(id)
		d.log.Infof("%s history exhausted at %d", id, oldest)
	}
	return res, nil
}

func (d *Driver) active(id market.SeriesID, generation uint64) (Progress, error) {
	p, ok := d.manager.Progress(id)
	if !ok || (generation != 0 && p.Generation != generation) {
		return Progress{}, ErrNotSyncing
	}
	if p.Paused {
		return Progress{}, ErrPaused
	}
	return p, nil
}
