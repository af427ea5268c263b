package main

import (
	"github.com/spf13/cobra"

	"github.com/jnwhiteh/extfs/fusefs"
	"github.com/jnwhiteh/extfs/proto"
)

func init() {
	rootCmd.AddCommand(mountCmd)
}

var mountCmd = &cobra.Command{
	Use:   "mount DIR",
	Short: "mount the served filesystem read-only with FUSE until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := proto.Dial(cfg.Server.Network, cfg.Server.Addr, uid, gid)
		if err != nil {
			return err
		}
		defer r.Disconnect()
		return fusefs.Mount(cmd.Context(), args[0], r, logger.WithField("component", "fuse"))
	},
}
