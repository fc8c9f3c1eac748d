// Package realtime keeps registered series current by polling the provider on
// a cron schedule. There is no streaming; each tick fetches forward from the
// newest stored candle.
package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chartsync/internal/backfill"
	"chartsync/internal/gateway/provider"
	"chartsync/internal/logger"
	"chartsync/internal/market"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultSchedule = "0 * * * * *"
	// LatestLimit is how many candles a poll asks for once a series has
	// fallen too far behind to catch up forward.
	LatestLimit = 100
	parallelism = 4
)

// FetchPlan is the request a poll issues for one series. Start zero means
// "the most recent Limit candles".
type FetchPlan struct {
	Start int64
	Limit int
}

// ComputeFetchSince catches up forward from last while the series is less
// than two intervals behind, otherwise it re-anchors on the latest candles.
// Older holes are left to the gap detector.
func ComputeFetchSince(last, now, intervalSeconds int64) FetchPlan {
	if last > 0 && now-last < 2*intervalSeconds {
		return FetchPlan{Start: last, Limit: provider.MaxPageSize}
	}
	return FetchPlan{Limit: LatestLimit}
}

type SeriesSource interface {
	IDs() []market.SeriesID
	Get(id market.SeriesID) (*market.Series, bool)
}

type Checkpointer interface {
	Save(ctx context.Context, ids ...market.SeriesID) ([]backfill.SaveResult, error)
}

type Options struct {
	Schedule       string
	KeepOpenCandle bool
}

type Poller struct {
	provider   provider.Provider
	series     SeriesSource
	checkpoint Checkpointer
	opts       Options
	now        func() time.Time
	log        logger.Scoped

	mu   sync.Mutex
	cron *cron.Cron
}

func NewPoller(p provider.Provider, series SeriesSource, checkpoint Checkpointer, opts Options) *Poller {
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	return &Poller{
		provider:   p,
		series:     series,
		checkpoint: checkpoint,
		opts:       opts,
		now:        time.Now,
		log:        logger.For("realtime"),
	}
}

// Start registers the poll on the cron schedule (six fields, seconds first).
// Overlapping ticks are skipped.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return nil
	}
	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(p.opts.Schedule, func() {
		if _, err := p.PollOnce(ctx); err != nil {
			p.log.Warnf("poll: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("register realtime poll %q: %w", p.opts.Schedule, err)
	}
	c.Start()
	p.cron = c
	p.log.Infof("poller started (%s)", p.opts.Schedule)
	return nil
}

// Stop waits for a running poll to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	p.log.Infof("poller stopped")
}

// PollOnce updates every series that already has data and saves the ones that
// changed. It returns the changed series.
func (p *Poller) PollOnce(ctx context.Context) ([]market.SeriesID, error) {
	ids := p.series.IDs()
	changed := make([]bool, len(ids))

	var g errgroup.Group
	g.SetLimit(parallelism)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			ok, err := p.pollSeries(ctx, id)
			if err != nil {
				p.log.Warnf("poll %s: %v", id, err)
				return nil
			}
			changed[i] = ok
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []market.SeriesID
	for i, ok := range changed {
		if ok {
			out = append(out, ids[i])
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	_, err := p.checkpoint.Save(ctx, out...)
	return out, err
}

func (p *Poller) pollSeries(ctx context.Context, id market.SeriesID) (bool, error) {
	s, ok := p.series.Get(id)
	if !ok {
		return false, nil
	}
	last, ok := s.Newest()
	if !ok {
		return false, nil
	}
	now := p.now()
	plan := ComputeFetchSince(last, now.Unix(), id.IntervalSeconds())
	page, err := p.provider.FetchPage(ctx, provider.PageRequest{Series: id, Start: plan.Start, Limit: plan.Limit})
	if err != nil {
		return false, err
	}
	candles := page.Candles
	if !p.opts.KeepOpenCandle {
		candles = market.DropUnclosed(candles, id.Interval, now)
	}
	res := s.Merge(candles)
	if res.Added > 0 {
		p.log.Debugf("%s +%d candles", id, res.Added)
	}
	return res.Added+res.Replaced > 0, nil
}
