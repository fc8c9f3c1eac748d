package config

import (
	"fmt"
	"strings"
	"time"

	"chartsync/internal/market"
)

// Config is the root of chartsync's configuration file.
type Config struct {
	App      AppConfig      `toml:"app"`
	Provider ProviderConfig `toml:"provider"`
	Sync     SyncConfig     `toml:"sync"`
	Realtime RealtimeConfig `toml:"realtime"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	LogPath  string `toml:"log_path"`
	HTTPAddr string `toml:"http_addr"`
}

// ProviderConfig selects the remote market-data source. Keys are only needed
// for the account balance query.
type ProviderConfig struct {
	Name                  string `toml:"name"`
	RESTBaseURL           string `toml:"rest_base_url"`
	HTTPTimeoutSeconds    int    `toml:"http_timeout_seconds"`
	APIKey                string `toml:"api_key"`
	APISecret             string `toml:"api_secret"`
	ProxyURL              string `toml:"proxy_url"`
	BreakerThreshold      int    `toml:"breaker_threshold"`
	BreakerTimeoutSeconds int    `toml:"breaker_timeout_seconds"`
}

func (p ProviderConfig) HTTPTimeout() time.Duration {
	return time.Duration(p.HTTPTimeoutSeconds) * time.Second
}

func (p ProviderConfig) BreakerTimeout() time.Duration {
	return time.Duration(p.BreakerTimeoutSeconds) * time.Second
}

type SyncConfig struct {
	DataDir         string   `toml:"data_dir"`
	Exchange        string   `toml:"exchange"`
	LedgerPath      string   `toml:"ledger_path"`
	PageSize        int      `toml:"page_size"`
	PageDelayMS     int      `toml:"page_delay_ms"`
	CheckpointEvery int      `toml:"checkpoint_every"`
	MaxRetries      int      `toml:"max_retries"`
	RetryBaseMS     int      `toml:"retry_base_ms"`
	Series          []string `toml:"series"`
	AutoSync        bool     `toml:"auto_sync"`
	ProbeEarliest   bool     `toml:"probe_earliest"`
	ScanInternal    bool     `toml:"scan_internal"`
}

func (s SyncConfig) PageDelay() time.Duration {
	return time.Duration(s.PageDelayMS) * time.Millisecond
}

func (s SyncConfig) RetryBase() time.Duration {
	return time.Duration(s.RetryBaseMS) * time.Millisecond
}

// SeriesIDs parses sync.series ("BTCUSDT_1h") in order, skipping duplicates.
func (s SyncConfig) SeriesIDs() ([]market.SeriesID, error) {
	out := make([]market.SeriesID, 0, len(s.Series))
	seen := make(map[string]bool, len(s.Series))
	for _, raw := range s.Series {
		id, err := market.ParseSeriesID(raw)
		if err != nil {
			return nil, err
		}
		if !market.KnownInterval(id.Interval) {
			return nil, fmt.Errorf("sync.series %q: unsupported interval %q", raw, id.Interval)
		}
		if seen[id.Key()] {
			continue
		}
		seen[id.Key()] = true
		out = append(out, id)
	}
	return out, nil
}

type RealtimeConfig struct {
	Enabled        bool   `toml:"enabled"`
	Schedule       string `toml:"schedule"`
	KeepOpenCandle bool   `toml:"keep_open_candle"`
}

// keySet records the dotted keys present in the file so defaults never
// override an explicit zero value.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path != "" {
		k[path] = struct{}{}
	}
}

func (k keySet) isSet(path string) bool {
	_, ok := k[strings.ToLower(strings.TrimSpace(path))]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
