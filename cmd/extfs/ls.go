package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jnwhiteh/extfs/debug"
)

func init() {
	rootCmd.AddCommand(lsCmd)
}

var lsCmd = &cobra.Command{
	Use:   "ls [PATH]",
	Short: "list a directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/"
		if len(args) == 1 {
			path = args[0]
		}
		r, ctx, done, err := connect(cmd)
		if err != nil {
			return err
		}
		defer done()

		dir, err := r.Stat(ctx, path)
		if err != nil {
			return err
		}
		entries, err := r.Readdir(ctx, dir.Ino)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 1, ' ', tabwriter.AlignRight)
		for _, e := range entries {
			info, err := r.Istat(ctx, e.Ino)
			if err != nil {
				return err
			}
			name := e.Name
			if info.IsSymlink() {
				if target, err := r.Readlink(ctx, e.Ino); err == nil {
					name += " -> " + target
				}
			}
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t %s\n", debug.ModeString(info.Mode), info.Links, info.UID, info.GID, info.Size, name)
		}
		return tw.Flush()
	},
}
