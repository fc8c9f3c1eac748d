package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"chartsync/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
sync:
  series: ["btcusdt_1h", "ETHUSDT_1m", "BTCUSDT_1h"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, ":9992", cfg.App.HTTPAddr)
	assert.Equal(t, "binance", cfg.Provider.Name)
	assert.Equal(t, "https://api.binance.com", cfg.Provider.RESTBaseURL)
	assert.Equal(t, 15*time.Second, cfg.Provider.HTTPTimeout())
	assert.Equal(t, 1000, cfg.Sync.PageSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Sync.PageDelay())
	assert.Equal(t, 10, cfg.Sync.CheckpointEvery)
	assert.True(t, cfg.Sync.ProbeEarliest)
	assert.True(t, cfg.Sync.AutoSync)
	assert.True(t, cfg.Realtime.Enabled)
	assert.False(t, cfg.Realtime.KeepOpenCandle)
	assert.Equal(t, defaultRealtimeSchedule, cfg.Realtime.Schedule)

	ids, err := cfg.Sync.SeriesIDs()
	require.NoError(t, err)
	assert.Equal(t, []market.SeriesID{
		market.NewSeriesID("BTCUSDT", "1h"),
		market.NewSeriesID("ETHUSDT", "1m"),
	}, ids)
}

func TestLoadKeepsExplicitFalseAndZero(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
sync:
  probe_earliest: false
  max_retries: 0
realtime:
  enabled: false
  schedule: "not a schedule"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Sync.ProbeEarliest)
	assert.Zero(t, cfg.Sync.MaxRetries)
	assert.False(t, cfg.Realtime.Enabled, "a disabled poller skips schedule validation")
}

func TestLoadIncludesMergeInOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
app:
  log_level: debug
  http_addr: ":8000"
sync:
  page_size: 500
`)
	path := writeFile(t, dir, "config.yaml", `
include: ["base.yaml"]
app:
  http_addr: ":9000"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, ":9000", cfg.App.HTTPAddr)
	assert.Equal(t, 500, cfg.Sync.PageSize)
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", `include: ["b.yaml"]`)
	writeFile(t, dir, "b.yaml", `include: ["a.yaml"]`)
	_, err := Load(filepath.Join(dir, "a.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"page size":    "sync:\n  page_size: 5000\n",
		"series":       "sync:\n  series: [\"BTCUSDT\"]\n",
		"interval":     "sync:\n  series: [\"BTCUSDT_7x\"]\n",
		"provider":     "provider:\n  name: kraken\n",
		"log level":    "app:\n  log_level: loud\n",
		"bad schedule": "realtime:\n  schedule: \"every minute\"\n",
		"bad base url": "provider:\n  rest_base_url: \"not a url\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.yaml", body)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	assert.Equal(t, DefaultPath, ResolvePath(""))
	t.Setenv(EnvConfigPath, "/etc/chartsync.yaml")
	assert.Equal(t, "/etc/chartsync.yaml", ResolvePath(""))
	assert.Equal(t, "local.yaml", ResolvePath("local.yaml"))
}
