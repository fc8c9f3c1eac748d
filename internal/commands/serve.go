package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chartsync/internal/app"
	"chartsync/internal/config"
	"chartsync/internal/logger"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync engine, realtime poller and HTTP API",
	Long: `Loads every stored series, starts a sync for each configured series
when sync.auto_sync is set, polls for new candles on the realtime schedule
and serves the control API until interrupted.

The config file is watched; log level changes apply without a restart.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, path, closeLog, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer closeLog()
	logger.Infof("config loaded from %s (env=%s)", path, cfg.App.Env)

	a, err := app.NewApp(cfg)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	if err := config.Watch(path, a.ApplyConfig); err != nil {
		logger.Warnf("config watch disabled: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}
