package main

import (
	"github.com/spf13/cobra"

	"github.com/jnwhiteh/extfs/common"
	"github.com/jnwhiteh/extfs/fs"
)

func init() {
	rootCmd.AddCommand(catCmd)
}

var catCmd = &cobra.Command{
	Use:   "cat PATH...",
	Short: "copy files to standard output",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, ctx, done, err := connect(cmd)
		if err != nil {
			return err
		}
		defer done()
		out := cmd.OutOrStdout()
		for _, path := range args {
			ino, err := r.Open(ctx, path, common.O_READ, 0)
			if err != nil {
				return err
			}
			var off uint64
			for {
				data, err := r.Read(ctx, ino, off, fs.MaxTransfer)
				if err != nil {
					r.Close(ctx, ino)
					return err
				}
				if len(data) == 0 {
					break
				}
				if _, err := out.Write(data); err != nil {
					r.Close(ctx, ino)
					return err
				}
				off += uint64(len(data))
			}
			if err := r.Close(ctx, ino); err != nil {
				return err
			}
		}
		return nil
	},
}
