package main

import (
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Inspect job and group state",
}

var statusGroupCmd = &cobra.Command{
	Use:   "group <group-id>",
	Short: "Show a job group and its items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "analyze")
		if err != nil {
			return err
		}
		defer env.Close()

		group, items, err := env.Store.GetGroup(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"group": group, "items": items})
	},
}

var statusJobCmd = &cobra.Command{
	Use:   "job <job-id>",
	Short: "Show a single job item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "analyze")
		if err != nil {
			return err
		}
		defer env.Close()

		item, err := env.Store.GetItem(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(item)
	},
}

var statusLookbackHours int

var statusMetricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show pipeline health over a lookback window",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "analyze")
		if err != nil {
			return err
		}
		defer env.Close()

		hours := statusLookbackHours
		if hours <= 0 {
			hours = cfg.Monitoring.LookbackWindowHours
		}
		if hours <= 0 {
			hours = 24
		}
		snap, err := env.Metrics.Collect(ctx, hours)
		if err != nil {
			return err
		}
		return printJSON(snap)
	},
}

func init() {
	statusMetricsCmd.Flags().IntVar(&statusLookbackHours, "lookback-hours", 0, "metrics window in hours (default from config)")
	statusCmd.AddCommand(statusMetricsCmd)
	statusCmd.AddCommand(statusGroupCmd)
	statusCmd.AddCommand(statusJobCmd)
	rootCmd.AddCommand(statusCmd)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrap(err, "marshal output")
	}
	fmt.Println(string(out))
	return nil
}
