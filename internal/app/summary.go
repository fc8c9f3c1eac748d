package app

import (
	"fmt"
	"strings"

	"chartsync/internal/config"
	"chartsync/internal/market"
)

type StartupSummary struct {
	Provider ProviderSummary
	Storage  StorageSummary
	Sync     SyncSummary
	Realtime RealtimeSummary
	HTTPAddr string
}

type ProviderSummary struct {
	Name    string
	BaseURL string
	Signed  bool
}

type StorageSummary struct {
	DataDir  string
	Exchange string
	Ledger   string
}

type SyncSummary struct {
	Series          []string
	AutoSync        bool
	PageSize        int
	PageDelayMS     int
	CheckpointEvery int
	ProbeEarliest   bool
}

type RealtimeSummary struct {
	Enabled  bool
	Schedule string
}

func newStartupSummary(cfg *config.Config, providerName string, ids []market.SeriesID) *StartupSummary {
	series := make([]string, 0, len(ids))
	for _, id := range ids {
		series = append(series, id.String())
	}
	return &StartupSummary{
		Provider: ProviderSummary{
			Name:    providerName,
			BaseURL: cfg.Provider.RESTBaseURL,
			Signed:  cfg.Provider.APIKey != "",
		},
		Storage: StorageSummary{
			DataDir:  cfg.Sync.DataDir,
			Exchange: cfg.Sync.Exchange,
			Ledger:   cfg.Sync.LedgerPath,
		},
		Sync: SyncSummary{
			Series:          series,
			AutoSync:        cfg.Sync.AutoSync,
			PageSize:        cfg.Sync.PageSize,
			PageDelayMS:     cfg.Sync.PageDelayMS,
			CheckpointEvery: cfg.Sync.CheckpointEvery,
			ProbeEarliest:   cfg.Sync.ProbeEarliest,
		},
		Realtime: RealtimeSummary{
			Enabled:  cfg.Realtime.Enabled,
			Schedule: cfg.Realtime.Schedule,
		},
		HTTPAddr: cfg.App.HTTPAddr,
	}
}

func (s *StartupSummary) Print() {
	title := "STARTUP SUMMARY"
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len(title)/2, title)
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[PROVIDER]")
	fmt.Printf("  name:     %s\n", s.Provider.Name)
	fmt.Printf("  rest:     %s\n", orDash(s.Provider.BaseURL))
	fmt.Printf("  signed:   %t\n", s.Provider.Signed)
	fmt.Println()

	fmt.Println("[STORAGE]")
	fmt.Printf("  data dir: %s/%s\n", s.Storage.DataDir, s.Storage.Exchange)
	fmt.Printf("  ledger:   %s\n", s.Storage.Ledger)
	fmt.Println()

	fmt.Println("[SYNC]")
	fmt.Printf("  series:     %s\n", formatList(s.Sync.Series))
	fmt.Printf("  auto sync:  %t\n", s.Sync.AutoSync)
	fmt.Printf("  page:       %d candles every %dms\n", s.Sync.PageSize, s.Sync.PageDelayMS)
	fmt.Printf("  checkpoint: every %d batches\n", s.Sync.CheckpointEvery)
	fmt.Printf("  probe:      %t\n", s.Sync.ProbeEarliest)
	fmt.Println()

	fmt.Println("[REALTIME]")
	if s.Realtime.Enabled {
		fmt.Printf("  schedule: %s\n", s.Realtime.Schedule)
	} else {
		fmt.Println("  (disabled)")
	}
	fmt.Println()

	fmt.Printf("[HTTP] %s\n", orDash(s.HTTPAddr))
	fmt.Println(strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
