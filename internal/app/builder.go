package app

import (
	"context"
	"fmt"

	"chartsync/internal/backfill"
	"chartsync/internal/config"
	"chartsync/internal/events"
	"chartsync/internal/gateway"
	"chartsync/internal/gateway/provider"
	"chartsync/internal/realtime"
	"chartsync/internal/store"
	"chartsync/internal/store/jsonfile"
	"chartsync/internal/store/ledger"
	apihttp "chartsync/internal/transport/http/api"
)

type AppBuilder struct {
	cfg *config.Config

	providerFn func(config.ProviderConfig) (provider.Provider, error)
	ledgerFn   func(path string) (*ledger.Ledger, error)
}

type AppBuilderOption func(*AppBuilder)

// WithProvider replaces the configured exchange client.
func WithProvider(p provider.Provider) AppBuilderOption {
	return func(b *AppBuilder) {
		b.providerFn = func(config.ProviderConfig) (provider.Provider, error) { return p, nil }
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		providerFn: gateway.NewProviderFromConfig,
		ledgerFn:   ledger.Open,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if b == nil || b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	ids, err := cfg.Sync.SeriesIDs()
	if err != nil {
		return nil, err
	}
	p, err := b.providerFn(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("init provider: %w", err)
	}
	lg, err := b.ledgerFn(cfg.Sync.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	registry := store.NewRegistry()
	files := jsonfile.New(cfg.Sync.DataDir, cfg.Sync.Exchange)
	bus := events.NewBus()
	svc := backfill.NewService(backfill.Deps{
		Provider: p,
		Series:   registry,
		Repo:     files,
		Runs:     lg,
		Bus:      bus,
		History:  lg,
	}, syncOptions(cfg.Sync))

	var poller *realtime.Poller
	if cfg.Realtime.Enabled {
		poller = realtime.NewPoller(p, registry, svc.Checkpointer(), realtime.Options{
			Schedule:       cfg.Realtime.Schedule,
			KeepOpenCandle: cfg.Realtime.KeepOpenCandle,
		})
	}

	api, err := apihttp.NewServer(apihttp.Config{
		Addr:     cfg.App.HTTPAddr,
		Sync:     svc,
		Series:   registry,
		Runs:     lg,
		Events:   bus,
		Provider: p,
	})
	if err != nil {
		svc.Close()
		_ = lg.Close()
		return nil, fmt.Errorf("init api server: %w", err)
	}

	return &App{
		cfg:      cfg,
		series:   ids,
		provider: p,
		registry: registry,
		files:    files,
		ledger:   lg,
		bus:      bus,
		svc:      svc,
		poller:   poller,
		api:      api,
		Summary:  newStartupSummary(cfg, p.Name(), ids),
	}, nil
}

func syncOptions(sc config.SyncConfig) backfill.Options {
	return backfill.Options{
		PageSize:        sc.PageSize,
		PageDelay:       sc.PageDelay(),
		CheckpointEvery: sc.CheckpointEvery,
		MaxRetries:      sc.MaxRetries,
		RetryBase:       sc.RetryBase(),
		ProbeEarliest:   sc.ProbeEarliest,
		ScanInternal:    sc.ScanInternal,
	}
}
