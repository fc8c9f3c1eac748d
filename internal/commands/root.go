package commands

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"chartsync/internal/config"
	"chartsync/internal/logger"
	"chartsync/internal/market"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "chartsync",
	Short: "Candlestick history synchronizer",
	Long: `chartsync keeps local OHLCV candle files complete for a set of
exchange series (symbol + interval).

It detects the recent, internal and historical gaps of each series, pages
them in from the exchange in the background, and checkpoints the merged
result to JSON files under the data directory.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $"+config.EnvConfigPath+" or "+config.DefaultPath+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

// loadConfig reads the config and points logging at stdout plus the
// configured log file. The returned closer releases the file.
func loadConfig() (*config.Config, string, func(), error) {
	path := config.ResolvePath(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, nil, err
	}
	if verbose {
		cfg.App.LogLevel = "debug"
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		return nil, path, nil, err
	}
	logger.SetLevel(cfg.App.LogLevel)
	closer := func() {
		if logFile != nil {
			_ = logFile.Close()
		}
	}
	return cfg, path, closer, nil
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}

// seriesArgs parses positional series names, falling back to sync.series.
func seriesArgs(args []string, cfg *config.Config) ([]market.SeriesID, error) {
	if len(args) == 0 {
		return cfg.Sync.SeriesIDs()
	}
	return config.SyncConfig{Series: args}.SeriesIDs()
}
