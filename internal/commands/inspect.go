package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"chartsync/internal/app"
	"chartsync/internal/market"

	"github.com/spf13/cobra"
)

var runsLimit int

var gapsCmd = &cobra.Command{
	Use:   "gaps [SERIES...]",
	Short: "Show what a sync would download",
	RunE:  runGaps,
}

var resetHistoryCmd = &cobra.Command{
	Use:   "reset-history [SERIES...]",
	Short: "Forget that a series reached the start of exchange history",
	RunE:  runResetHistory,
}

var runsCmd = &cobra.Command{
	Use:   "runs [SERIES]",
	Short: "List recorded sync runs",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRuns,
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "number of runs to list")
	rootCmd.AddCommand(gapsCmd, runsCmd, resetHistoryCmd)
}

func runGaps(cmd *cobra.Command, args []string) error {
	cfg, _, closeLog, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer closeLog()
	ids, err := seriesArgs(args, cfg)
	if err != nil {
		return err
	}
	a, err := app.NewApp(cfg)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer a.Close()

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERIES\tKIND\tSTART\tEND\tEXPECTED")
	for _, id := range ids {
		gaps, err := a.Gaps(commandContext(cmd), id)
		if err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
		if len(gaps) == 0 {
			fmt.Fprintf(tw, "%s\t-\t-\t-\t0\n", id)
			continue
		}
		for _, g := range gaps {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", id, g.Kind, formatTS(g.Start), formatTS(g.End),
				market.ExpectedCandles(id.Interval, g.Span()))
		}
	}
	return tw.Flush()
}

func runRuns(cmd *cobra.Command, args []string) error {
	cfg, _, closeLog, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer closeLog()
	var filter *market.SeriesID
	if len(args) == 1 {
		id, err := market.ParseSeriesID(args[0])
		if err != nil {
			return err
		}
		filter = &id
	}
	a, err := app.NewApp(cfg)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer a.Close()

	runs, err := a.Runs(commandContext(cmd), filter, runsLimit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSERIES\tSTATUS\tFETCHED\tESTIMATED\tSTARTED\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n", r.ID, r.Series, r.Status, r.Fetched,
			r.EstimatedTotal, r.StartedAt.Local().Format(time.DateTime), r.Error)
	}
	return tw.Flush()
}

func runResetHistory(cmd *cobra.Command, args []string) error {
	cfg, _, closeLog, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer closeLog()
	ids, err := seriesArgs(args, cfg)
	if err != nil {
		return err
	}
	a, err := app.NewApp(cfg)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer a.Close()

	for _, id := range ids {
		if err := a.ResetHistory(id); err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s history reset\n", id)
	}
	return nil
}

func formatTS(ts int64) string {
	if ts <= 0 {
		return "origin"
	}
	return time.Unix(ts, 0).UTC().Format(time.DateTime)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
