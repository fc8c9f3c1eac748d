package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"chartsync/internal/app"
	"chartsync/internal/events"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync [SERIES...]",
	Short: "Fill the gaps of one or more series and exit",
	Long: `Synchronizes each series to the present and waits for the downloads
to finish. Series are written SYMBOL_INTERVAL; without arguments the
series listed under sync.series are used.

Examples:
  chartsync sync BTCUSDT_1h
  chartsync sync BTCUSDT_1d ETHUSDT_4h`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, _, closeLog, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer closeLog()
	ids, err := seriesArgs(args, cfg)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("no series given and sync.series is empty")
	}

	a, err := app.NewApp(cfg)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	out := cmd.OutOrStdout()
	return a.SyncAndWait(ctx, ids, func(ev events.Event) { printEvent(out, ev) })
}

func printEvent(w io.Writer, ev events.Event) {
	switch {
	case ev.Failed():
		fmt.Fprintf(w, "%-16s %-15s error: %s\n", ev.Series, ev.Kind, ev.Error)
	case ev.Kind == events.KindBatchProgress && ev.Total > 0:
		fmt.Fprintf(w, "%-16s %-15s %d / ~%d\n", ev.Series, ev.Kind, ev.Count, ev.Total)
	default:
		fmt.Fprintf(w, "%-16s %-15s %d\n", ev.Series, ev.Kind, ev.Count)
	}
}
