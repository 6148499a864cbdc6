package main

import (
	"github.com/spf13/cobra"
)

var recordFieldPath string

var recordCmd = &cobra.Command{
	Use:   "record <entity-id>",
	Short: "Print the current compiled record for a venue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "analyze")
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Store.GetCurrentRecord(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

var claimsCmd = &cobra.Command{
	Use:   "claims <entity-id>",
	Short: "List ledger claims for a venue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "analyze")
		if err != nil {
			return err
		}
		defer env.Close()

		claims, err := env.Ledger.Query(ctx, args[0], recordFieldPath)
		if err != nil {
			return err
		}
		return printJSON(claims)
	},
}

func init() {
	claimsCmd.Flags().StringVar(&recordFieldPath, "field-path", "", "filter claims to one field path")
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(claimsCmd)
}
