package backfill

import (
	"context"
	"errors"
	"io/fs"
	"sync"
	"time"

	"chartsync/internal/events"
	"chartsync/internal/gateway/provider"
	"chartsync/internal/logger"
	"chartsync/internal/market"

	"github.com/google/uuid"
)

const (
	DefaultMaxRetries = 5
	DefaultRetryBase  = 500 * time.Millisecond
	maxRetryDelay     = 30 * time.Second
)

// Run statuses written to the RunRecorder.
const (
	RunRunning  = "running"
	RunDone     = "done"
	RunStopped  = "stopped"
	RunStalled  = "stalled"
	RunNoChange = "up_to_date"
)

// Repository loads and saves whole series.
type Repository interface {
	Saver
	Load(ctx context.Context, id market.SeriesID) ([]market.Candle, error)
	List(ctx context.Context) ([]market.SeriesID, error)
}

// RunRecorder keeps a history of sync runs.
type RunRecorder interface {
	BeginRun(ctx context.Context, runID string, id market.SeriesID, gaps any, estimated int64) error
	FinishRun(ctx context.Context, runID, status string, fetched int64, runErr error) error
}

type Options struct {
	PageSize        int
	PageDelay       time.Duration
	CheckpointEvery int
	MaxRetries      int
	RetryBase       time.Duration
	ProbeEarliest   bool
	ScanInternal    bool
}

func (o Options) withDefaults() Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryBase <= 0 {
		o.RetryBase = DefaultRetryBase
	}
	return o
}

// SyncStart describes what Sync set in motion.
type SyncStart struct {
	Series         market.SeriesID `json:"series"`
	RunID          string          `json:"run_id,omitempty"`
	Gaps           []Gap           `json:"gaps"`
	EstimatedTotal int64           `json:"estimated_total"`
	Started        bool            `json:"started"`
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Service runs one background loop per synchronizing series.
type Service struct {
	provider   provider.Provider
	series     SeriesSet
	repo       Repository
	runs       RunRecorder
	bus        events.Publisher
	history    HistoryMemory
	manager    *Manager
	detector   *Detector
	driver     *Driver
	checkpoint *Checkpointer
	opts       Options
	now        func() time.Time
	log        logger.Scoped

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	loops map[string]*loop
}

type Deps struct {
	Provider provider.Provider
	Series   SeriesSet
	Repo     Repository
	Runs     RunRecorder
	Bus      events.Publisher
	History  HistoryMemory
}

func NewService(deps Deps, opts Options) *Service {
	opts = opts.withDefaults()
	if deps.Bus == nil {
		deps.Bus = events.Discard{}
	}
	if deps.History == nil {
		deps.History = NewMemoryHistory()
	}
	manager := NewManager()
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		provider: deps.Provider,
		series:   deps.Series,
		repo:     deps.Repo,
		runs:     deps.Runs,
		bus:      deps.Bus,
		history:  deps.History,
		manager:  manager,
		detector: NewDetector(deps.History, opts.ScanInternal),
		driver: NewDriver(deps.Provider, deps.Series, manager, DriverOptions{
			PageSize:  opts.PageSize,
			PageDelay: opts.PageDelay,
			History:   deps.History,
		}),
		checkpoint: NewCheckpointer(deps.Repo, deps.Series, deps.Bus, opts.CheckpointEvery),
		opts:       opts,
		now:        time.Now,
		log:        logger.For("backfill"),
		ctx:        ctx,
		cancel:     cancel,
		loops:      make(map[string]*loop),
	}
}

func (s *Service) Manager() *Manager { return s.manager }

func (s *Service) Checkpointer() *Checkpointer { return s.checkpoint }

// LoadAll registers every series found in the repository.
func (s *Service) LoadAll(ctx context.Context) (int, error) {
	ids, err := s.repo.List(ctx)
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, id := range ids {
		if _, err := s.Series(ctx, id); err != nil {
			s.log.Warnf("load %s: %v", id, err)
			continue
		}
		loaded++
	}
	return loaded, nil
}

// Series returns the in-memory series, reading it from the repository on
// first use. A missing file yields an empty series.
func (s *Service) Series(ctx context.Context, id market.SeriesID) (*market.Series, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if existing, ok := s.series.Get(id); ok {
		return existing, nil
	}
	candles, err := s.repo.Load(ctx, id)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, &provider.PersistenceError{Series: id, Op: "load", Err: err}
	}
	series, _ := s.series.GetOrCreate(id)
	if len(candles) > 0 {
		res := series.Merge(candles)
		s.log.Infof("loaded %s: %d candles (%d dropped)", id, res.Added+res.Replaced, res.Dropped)
	}
	return series, nil
}

// Gaps reports what Sync would fetch right now.
func (s *Service) Gaps(ctx context.Context, id market.SeriesID) ([]Gap, error) {
	series, err := s.Series(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.detector.Detect(series, id.Interval, s.now().Unix()), nil
}

// Sync detects the gaps of id and starts filling them in the background. It
// is a no-op when the series is already synchronizing or has no gaps.
func (s *Service) Sync(ctx context.Context, id market.SeriesID) (SyncStart, error) {
	out := SyncStart{Series: id}
	if p, ok := s.manager.Progress(id); ok {
		out.RunID = p.RunID
		return out, nil
	}
	series, err := s.Series(ctx, id)
	if err != nil {
		return out, err
	}
	gaps := s.detector.Detect(series, id.Interval, s.now().Unix())
	if s.opts.ProbeEarliest {
		gaps = s.probeEarliest(ctx, id, gaps)
	}
	out.Gaps = gaps
	out.EstimatedTotal = EstimateTotal(gaps, id.Interval)
	out.RunID = uuid.NewString()

	if len(gaps) == 0 {
		s.recordBegin(ctx, out)
		s.recordFinish(ctx, out.RunID, RunNoChange, 0, nil)
		s.log.Debugf("%s up to date", id)
		return out, nil
	}
	if !s.manager.Start(id, gaps, out.EstimatedTotal) {
		p, _ := s.manager.Progress(id)
		out.RunID = p.RunID
		return out, nil
	}
	s.manager.SetRunID(id, out.RunID)
	s.recordBegin(ctx, out)
	out.Started = true
	s.log.Infof("sync %s: %d gaps, ~%d candles, run %s", id, len(gaps), out.EstimatedTotal, out.RunID)
	s.spawn(id)
	return out, nil
}

// probeEarliest narrows the historical gap to what the exchange actually
// holds, or drops it when the series already reaches that far.
func (s *Service) probeEarliest(ctx context.Context, id market.SeriesID, gaps []Gap) []Gap {
	n := len(gaps)
	if n == 0 || gaps[n-1].Kind != GapHistorical {
		return gaps
	}
	earliest, ok, err := s.provider.EarliestTimestamp(ctx, id)
	if err != nil {
		s.log.Warnf("earliest probe for %s failed: %v", id, err)
		return gaps
	}
	if !ok {
		return gaps
	}
	last := gaps[n-1]
	if earliest >= last.End {
		s.history.MarkExhausted(id)
		return gaps[:n-1]
	}
	if earliest > last.Start {
		out := append([]Gap(nil), gaps...)
		out[n-1].Start = earliest
		return out
	}
	return gaps
}

// ResetHistory forgets that the backward walk of id reached the exchange's
// first candle, so the next Sync looks for older history again.
func (s *Service) ResetHistory(id market.SeriesID) error {
	if err := validateID(id); err != nil {
		return err
	}
	s.history.ResetHistory(id)
	s.log.Infof("history of %s reset", id)
	return nil
}

func (s *Service) Progress(id market.SeriesID) (Progress, bool) { return s.manager.Progress(id) }

func (s *Service) Downloads() []Progress { return s.manager.All() }

func (s *Service) Pause(id market.SeriesID) bool { return s.manager.Pause(id) }

// Resume clears the pause flag and restarts the loop if it had exited.
func (s *Service) Resume(id market.SeriesID) bool {
	if !s.manager.Resume(id) {
		return false
	}
	s.manager.SetError(id, "")
	s.spawn(id)
	return true
}

// Retry restarts a stalled loop from the boundary it stalled at.
func (s *Service) Retry(id market.SeriesID) bool {
	if !s.manager.IsDownloading(id) {
		return false
	}
	s.manager.SetError(id, "")
	s.spawn(id)
	return true
}

// Stop drops the synchronization and cancels its loop, so a later Sync starts
// a fresh one. What was already merged is saved; a page still in flight is
// discarded when it returns.
func (s *Service) Stop(ctx context.Context, id market.SeriesID) bool {
	p, ok := s.manager.Progress(id)
	if !ok || !s.manager.FinishGeneration(id, p.Generation) {
		return false
	}
	s.cancelLoop(id)
	s.recordFinish(ctx, p.RunID, RunStopped, p.CurrentCount, nil)
	if _, err := s.checkpoint.Save(ctx, id); err != nil {
		s.log.Warnf("save after stop %s: %v", id, err)
	}
	s.log.Infof("sync %s stopped at %d candles", id, p.CurrentCount)
	return true
}

// Wait blocks until the loop of id exits or ctx is done.
func (s *Service) Wait(ctx context.Context, id market.SeriesID) error {
	s.mu.Lock()
	l, ok := s.loops[id.Key()]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels every loop and waits for them to exit.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// spawn starts a loop bound to the current record of id.
func (s *Service) spawn(id market.SeriesID) {
	p, ok := s.manager.Progress(id)
	if !ok {
		return
	}
	key := id.Key()
	s.mu.Lock()
	if _, running := s.loops[key]; running {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	l := &loop{cancel: cancel, done: make(chan struct{})}
	s.loops[key] = l
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer close(l.done)
		defer s.detach(key, l)
		s.run(ctx, id, p.Generation, l)
	}()
}

// cancelLoop forgets the loop of id and cancels it without waiting.
func (s *Service) cancelLoop(id market.SeriesID) {
	s.mu.Lock()
	l, ok := s.loops[id.Key()]
	if ok {
		delete(s.loops, id.Key())
	}
	s.mu.Unlock()
	if ok {
		l.cancel()
	}
}

func (s *Service) detach(key string, l *loop) {
	s.mu.Lock()
	if s.loops[key] == l {
		delete(s.loops, key)
	}
	s.mu.Unlock()
	l.cancel()
}

// exitPaused detaches the loop unless a Resume slipped in after the driver
// saw the pause flag. Resume flips the flag before it takes s.mu, so one of
// the two always wins.
func (s *Service) exitPaused(id market.SeriesID, l *loop) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.manager.IsDownloading(id) && !s.manager.IsPaused(id) {
		return false
	}
	if s.loops[id.Key()] == l {
		delete(s.loops, id.Key())
	}
	return true
}

func (s *Service) run(ctx context.Context, id market.SeriesID, gen uint64, l *loop) {
	attempt := 0
	for {
		res, err := s.driver.fetchBatch(ctx, id, gen)
		switch {
		case err == nil:
			attempt = 0
			s.afterBatch(ctx, id, res)
			if res.Finished {
				s.finish(ctx, id, gen, res.Total)
				return
			}
		case errors.Is(err, ErrPaused):
			if s.exitPaused(id, l) {
				s.log.Infof("sync %s paused", id)
				return
			}
		case errors.Is(err, ErrNotSyncing), errors.Is(err, ErrDiscarded):
			return
		case ctx.Err() != nil:
			return
		case provider.Retryable(err) && attempt < s.opts.MaxRetries:
			attempt++
			delay := Backoff(s.opts.RetryBase, attempt)
			s.log.Warnf("sync %s page failed (attempt %d/%d), retrying in %s: %v", id, attempt, s.opts.MaxRetries, delay, err)
			if !sleepCtx(ctx, delay) {
				return
			}
		default:
			s.stall(ctx, id, gen, err)
			return
		}
	}
}

func (s *Service) afterBatch(ctx context.Context, id market.SeriesID, res BatchResult) {
	total := 0
	if p, ok := s.manager.Progress(id); ok {
		total = int(p.EstimatedTotal)
	}
	s.bus.Publish(events.Event{
		Kind:   events.KindBatchProgress,
		Series: id,
		Count:  int(res.Total),
		Total:  total,
		At:     s.now(),
	})
	if s.checkpoint.Due(res) {
		if _, err := s.checkpoint.Save(context.WithoutCancel(ctx), id); err != nil {
			s.log.Warnf("checkpoint %s: %v", id, err)
		}
	}
}

func (s *Service) finish(ctx context.Context, id market.SeriesID, gen uint64, total int64) {
	p, ok := s.manager.Progress(id)
	if !ok || !s.manager.FinishGeneration(id, gen) {
		return
	}
	s.recordFinish(context.WithoutCancel(ctx), p.RunID, RunDone, total, nil)
	s.bus.Publish(events.Event{Kind: events.KindSyncComplete, Series: id, Count: int(total), At: s.now()})
	s.log.Infof("sync %s complete: %d candles", id, total)
}

// stall keeps the record so the user can retry or stop.
func (s *Service) stall(ctx context.Context, id market.SeriesID, gen uint64, err error) {
	var p Progress
	if !s.manager.Commit(id, gen, func(rec *Progress) {
		rec.LastError = err.Error()
		p = *rec
	}) {
		return
	}
	s.recordFinish(context.WithoutCancel(ctx), p.RunID, RunStalled, p.CurrentCount, err)
	s.bus.Publish(events.Event{
		Kind:   events.KindBatchProgress,
		Series: id,
		Count:  int(p.CurrentCount),
		Total:  int(p.EstimatedTotal),
		Error:  err.Error(),
		At:     s.now(),
	})
	s.log.Errorf("sync %s stalled at %d candles: %v", id, p.CurrentCount, err)
}

func (s *Service) recordBegin(ctx context.Context, start SyncStart) {
	if s.runs == nil {
		return
	}
	if err := s.runs.BeginRun(ctx, start.RunID, start.Series, start.Gaps, start.EstimatedTotal); err != nil {
		s.log.Warnf("record run %s: %v", start.RunID, err)
	}
}

func (s *Service) recordFinish(ctx context.Context, runID, status string, fetched int64, runErr error) {
	if s.runs == nil || runID == "" {
		return
	}
	if err := s.runs.FinishRun(ctx, runID, status, fetched, runErr); err != nil {
		s.log.Warnf("close run %s: %v", runID, err)
	}
}

// Backoff is base * 2^(attempt-1), capped at 30s.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func validateID(id market.SeriesID) error {
	if id.IsZero() || !market.KnownInterval(id.Interval) {
		return &provider.InvalidSeriesError{Name: id.Key()}
	}
	return nil
}
