package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "write every dirty block to the device",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, ctx, done, err := connect(cmd)
		if err != nil {
			return err
		}
		defer done()
		res, err := r.Sync(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "%d blocks written, %d failed\n", res.Written, res.Failed)
		return err
	},
}
