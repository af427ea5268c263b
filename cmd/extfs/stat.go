package main

import (
	"github.com/spf13/cobra"

	"github.com/jnwhiteh/extfs/common"
	"github.com/jnwhiteh/extfs/debug"
)

func init() {
	rootCmd.AddCommand(statCmd)
}

var statCmd = &cobra.Command{
	Use:   "stat PATH",
	Short: "print the attributes of a file as yaml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, ctx, done, err := connect(cmd)
		if err != nil {
			return err
		}
		defer done()
		info, err := r.Stat(ctx, args[0])
		if err != nil {
			return err
		}
		return debug.WriteYAML(cmd.OutOrStdout(), struct {
			Path  string          `yaml:"path"`
			Perms string          `yaml:"perms"`
			Info  common.FileInfo `yaml:",inline"`
		}{args[0], debug.ModeString(info.Mode), info})
	},
}
