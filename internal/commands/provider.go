package commands

import (
	"fmt"
	"text/tabwriter"

	"chartsync/internal/app"
	"chartsync/internal/gateway/provider"

	"github.com/spf13/cobra"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the exchange is reachable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, closeAll, err := openApp()
		if err != nil {
			return err
		}
		defer closeAll()
		if err := a.Provider().Ping(commandContext(cmd)); err != nil {
			return fmt.Errorf("%s unreachable: %w", a.Provider().Name(), err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s ok\n", a.Provider().Name())
		if r, ok := a.Provider().(provider.StatsReporter); ok {
			st := r.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "requests=%d failures=%d breaker=%s\n", st.Requests, st.Failures, st.Breaker)
		}
		return nil
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show non-zero account balances (needs provider.api_key)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, closeAll, err := openApp()
		if err != nil {
			return err
		}
		defer closeAll()
		balances, err := a.Provider().AccountBalance(commandContext(cmd))
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ASSET\tFREE\tLOCKED\tTOTAL")
		for _, b := range balances {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", b.Asset, b.Free.String(), b.Locked.String(), b.Total().String())
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(pingCmd, balanceCmd)
}

func openApp() (*app.App, func(), error) {
	cfg, _, closeLog, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	a, err := app.NewApp(cfg)
	if err != nil {
		closeLog()
		return nil, nil, fmt.Errorf("init app: %w", err)
	}
	return a, func() {
		a.Close()
		closeLog()
	}, nil
}
