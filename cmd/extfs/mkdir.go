package main

import (
	"github.com/spf13/cobra"
)

func init() {
	mkdirCmd.Flags().Uint16("mode", 0755, "permission bits of the new directories")
	rootCmd.AddCommand(mkdirCmd, rmdirCmd, rmCmd)
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir PATH...",
	Short: "create directories",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetUint16("mode")
		r, ctx, done, err := connect(cmd)
		if err != nil {
			return err
		}
		defer done()
		for _, path := range args {
			if _, err := r.Mkdir(ctx, path, mode); err != nil {
				return err
			}
		}
		return nil
	},
}

var rmdirCmd = &cobra.Command{
	Use:   "rmdir PATH...",
	Short: "remove empty directories",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, ctx, done, err := connect(cmd)
		if err != nil {
			return err
		}
		defer done()
		for _, path := range args {
			if err := r.Rmdir(ctx, path); err != nil {
				return err
			}
		}
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm PATH...",
	Short: "remove files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, ctx, done, err := connect(cmd)
		if err != nil {
			return err
		}
		defer done()
		for _, path := range args {
			if err := r.Unlink(ctx, path); err != nil {
				return err
			}
		}
		return nil
	},
}
