package commands

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"chartsync/internal/config"
	"chartsync/internal/events"
	"chartsync/internal/market"
	"chartsync/internal/store/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
app:
  log_level: error
  log_path: %q
sync:
  data_dir: %q
  ledger_path: %q
  series: ["BTCUSDT_1h", "ETHUSDT_1d"]
`, filepath.Join(dir, "logs", "chartsync.log"), filepath.Join(dir, "data"), filepath.Join(dir, "ledger.db"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		configPath = ""
		verbose = false
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestGapsCommandListsFreshSeries(t *testing.T) {
	path := writeConfig(t)
	out, err := execute(t, "--config", path, "gaps")
	require.NoError(t, err)

	assert.Contains(t, out, "BTCUSDT_1h")
	assert.Contains(t, out, "ETHUSDT_1d")
	assert.Contains(t, out, "historical")
	assert.Contains(t, out, "origin")
}

func TestRunsCommandEmptyLedger(t *testing.T) {
	path := writeConfig(t)
	out, err := execute(t, "--config", path, "runs", "BTCUSDT_1h")
	require.NoError(t, err)
	assert.Contains(t, out, "STATUS")
}

func TestResetHistoryCommandClearsLedgerFlag(t *testing.T) {
	path := writeConfig(t)
	ledgerPath := filepath.Join(filepath.Dir(path), "ledger.db")
	id := market.NewSeriesID("BTCUSDT", "1h")

	l, err := ledger.Open(ledgerPath)
	require.NoError(t, err)
	l.MarkExhausted(id)
	require.NoError(t, l.Close())

	out, err := execute(t, "--config", path, "reset-history", "BTCUSDT_1h")
	require.NoError(t, err)
	assert.Contains(t, out, "BTCUSDT_1h history reset")

	reopened, err := ledger.Open(ledgerPath)
	require.NoError(t, err)
	defer reopened.Close()
	assert.False(t, reopened.Exhausted(id))
}

func TestGapsCommandRejectsBadSeries(t *testing.T) {
	path := writeConfig(t)
	_, err := execute(t, "--config", path, "gaps", "BTCUSDT")
	assert.Error(t, err)
}

func TestSeriesArgsFallsBackToConfig(t *testing.T) {
	cfg := &config.Config{Sync: config.SyncConfig{Series: []string{"BTCUSDT_1h"}}}

	ids, err := seriesArgs(nil, cfg)
	require.NoError(t, err)
	assert.Equal(t, []market.SeriesID{market.NewSeriesID("BTCUSDT", "1h")}, ids)

	ids, err = seriesArgs([]string{"ethusdt_4h", "ETHUSDT_4h"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, []market.SeriesID{market.NewSeriesID("ETHUSDT", "4h")}, ids)
}

func TestPrintEvent(t *testing.T) {
	id := market.NewSeriesID("BTCUSDT", "1h")
	var buf bytes.Buffer
	printEvent(&buf, events.Event{Kind: events.KindBatchProgress, Series: id, Count: 1000, Total: 5000})
	printEvent(&buf, events.Event{Kind: events.KindBatchProgress, Series: id, Error: "boom"})
	printEvent(&buf, events.Event{Kind: events.KindSyncComplete, Series: id, Count: 4000})

	out := buf.String()
	assert.Contains(t, out, "1000 / ~5000")
	assert.Contains(t, out, "error: boom")
	assert.Contains(t, out, "sync_complete")
}
