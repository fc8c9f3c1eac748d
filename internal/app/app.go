package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"chartsync/internal/backfill"
	"chartsync/internal/config"
	"chartsync/internal/events"
	"chartsync/internal/gateway/provider"
	"chartsync/internal/logger"
	"chartsync/internal/market"
	"chartsync/internal/realtime"
	"chartsync/internal/store"
	"chartsync/internal/store/jsonfile"
	"chartsync/internal/store/ledger"
	apihttp "chartsync/internal/transport/http/api"

	"golang.org/x/sync/errgroup"
)

// App wires configuration to the sync engine and its front-ends.
type App struct {
	cfg      *config.Config
	series   []market.SeriesID
	provider provider.Provider
	registry *store.Registry
	files    *jsonfile.Store
	ledger   *ledger.Ledger
	bus      *events.Bus
	svc      *backfill.Service
	poller   *realtime.Poller
	api      *apihttp.Server
	Summary  *StartupSummary

	closeOnce sync.Once
}

// NewApp builds the application without starting anything.
func NewApp(cfg *config.Config, opts ...AppBuilderOption) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg, opts)
}

// Run loads stored series, starts the configured syncs and the realtime
// poller, and serves the HTTP API until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()

	if a.Summary != nil {
		a.Summary.Print()
	}
	loaded, err := a.svc.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load series: %w", err)
	}
	logger.Infof("loaded %d series from %s", loaded, a.files.Root())

	if a.cfg.Sync.AutoSync {
		for _, id := range a.series {
			if _, err := a.svc.Sync(ctx, id); err != nil {
				logger.Warnf("auto sync %s: %v", id, err)
			}
		}
	}

	if a.poller != nil {
		if err := a.poller.Start(ctx); err != nil {
			return fmt.Errorf("start realtime poller: %w", err)
		}
		defer a.poller.Stop()
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.api.Start(ctx); err != nil {
			return fmt.Errorf("api server error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		a.logEvents(ctx)
		return nil
	})
	return group.Wait()
}

func (a *App) logEvents(ctx context.Context) {
	ch, cancel := a.bus.Subscribe(256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch {
			case ev.Failed():
				logger.Warnf("%s %s: %s", ev.Kind, ev.Series, ev.Error)
			case ev.Kind == events.KindSyncComplete:
				logger.Infof("sync complete %s: %d candles", ev.Series, ev.Count)
			case ev.Kind == events.KindSaveComplete:
				logger.Debugf("saved %s: %d candles", ev.Series, ev.Count)
			}
		}
	}
}

// SyncAndWait synchronizes ids and blocks until every started run ends.
// onEvent, when set, sees every engine event raised meanwhile. A run that
// stalls is reported as an error; cancelling ctx stops the remaining runs.
func (a *App) SyncAndWait(ctx context.Context, ids []market.SeriesID, onEvent func(events.Event)) error {
	if onEvent != nil {
		ch, cancel := a.bus.Subscribe(1024)
		drained := make(chan struct{})
		go func() {
			defer close(drained)
			for ev := range ch {
				onEvent(ev)
			}
		}()
		defer func() {
			cancel()
			<-drained
		}()
	}

	started := make([]market.SeriesID, 0, len(ids))
	var errs []error
	for _, id := range ids {
		res, err := a.svc.Sync(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		if res.Started {
			started = append(started, id)
		}
	}

	for _, id := range started {
		if err := a.svc.Wait(ctx, id); err != nil {
			for _, rest := range started {
				a.svc.Stop(context.WithoutCancel(ctx), rest)
			}
			return err
		}
		if p, ok := a.svc.Progress(id); ok {
			errs = append(errs, fmt.Errorf("%s stalled: %s", id, p.LastError))
		}
	}
	return errors.Join(errs...)
}

// Gaps loads id and reports what a sync would download.
func (a *App) Gaps(ctx context.Context, id market.SeriesID) ([]backfill.Gap, error) {
	return a.svc.Gaps(ctx, id)
}

// Runs lists recorded sync runs, newest first. A nil id lists every series.
func (a *App) Runs(ctx context.Context, id *market.SeriesID, limit int) ([]ledger.Run, error) {
	return a.ledger.Runs(ctx, id, limit)
}

// ResetHistory makes the next sync of id look for older history again.
func (a *App) ResetHistory(id market.SeriesID) error {
	return a.svc.ResetHistory(id)
}

// ApplyConfig picks up the settings that can change without a restart.
func (a *App) ApplyConfig(cfg *config.Config) {
	if a == nil || cfg == nil {
		return
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Debugf("log level now %s", logger.Level())
}

// Close stops background work, saves the series that were still
// downloading and releases the ledger.
func (a *App) Close() {
	if a == nil || a.svc == nil {
		return
	}
	a.closeOnce.Do(a.shutdown)
}

func (a *App) shutdown() {
	pending := make([]market.SeriesID, 0)
	for _, p := range a.svc.Downloads() {
		pending = append(pending, p.Series)
	}
	a.svc.Close()
	if len(pending) > 0 {
		if _, err := a.svc.Checkpointer().Save(context.Background(), pending...); err != nil {
			logger.Warnf("final save: %v", err)
		}
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			logger.Warnf("close ledger: %v", err)
		}
	}
}

func (a *App) Service() *backfill.Service { return a.svc }

func (a *App) Provider() provider.Provider { return a.provider }

func (a *App) Registry() *store.Registry { return a.registry }

func (a *App) API() *apihttp.Server { return a.api }
