package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jnwhiteh/extfs/common"
	"github.com/jnwhiteh/extfs/debug"
	"github.com/jnwhiteh/extfs/fs"
	"github.com/jnwhiteh/extfs/sched"
)

func init() {
	f := dumpCmd.Flags()
	f.UintSlice("block", nil, "print these blocks instead of the superblock report")
	f.Bool("dir", false, "decode data blocks given with --block as directory blocks")
	f.Bool("stats", false, "mount the image and include cache and scheduler statistics")
	rootCmd.AddCommand(dumpCmd)
}

// dump reads the configured device directly, so the daemon must not be
// serving it.
var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "print on-disk structures of the configured device",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		blocks, _ := f.GetUintSlice("block")
		dir, _ := f.GetBool("dir")
		withStats, _ := f.GetBool("stats")
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		dev, err := cfg.Device.Open(logger)
		if err != nil {
			return err
		}
		defer dev.Close()
		sb, groups, err := fs.ReadSuper(ctx, dev)
		if err != nil {
			return err
		}

		if len(blocks) > 0 {
			bs := sb.BlockSize()
			buf := make([]byte, bs)
			for _, b := range blocks {
				if b >= uint(sb.BlocksCount) {
					return fmt.Errorf("block %d of %d: %w", b, sb.BlocksCount, common.EINVAL)
				}
				spb := bs / common.SectorSize
				if err := dev.ReadSectors(ctx, buf, uint64(b)*uint64(spb), spb); err != nil {
					return err
				}
				if err := debug.PrintBlock(out, sb, groups, uint32(b), buf, dir); err != nil {
					return err
				}
			}
			return nil
		}

		report := debug.Report{Superblock: *sb, Groups: groups}
		if withStats {
			s, err := sched.New(cfg.Scheduler(), logger.WithField("component", "sched"))
			if err != nil {
				return err
			}
			defer s.Shutdown()
			srv, err := fs.NewServer(dev, cfg.FS(), s, logger.WithField("component", "fs"))
			if err != nil {
				return err
			}
			if _, err := srv.Client(0, 0).Readdir(ctx, common.RootIno); err != nil {
				srv.Shutdown()
				return err
			}
			report.Stats = srv.Stats(ctx)
			srv.Shutdown()
		}
		return debug.WriteYAML(out, report)
	},
}
