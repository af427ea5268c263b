package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jnwhiteh/extfs/common"
	"github.com/jnwhiteh/extfs/device"
	"github.com/jnwhiteh/extfs/mkfs"
)

func init() {
	f := mkfsCmd.Flags()
	f.Int("size", 4096, "filesystem size in blocks")
	f.Int("block-size", mkfs.MinBlockSize, "block size in bytes")
	f.Uint32("inodes-per-group", 0, "inodes per block group (0 derives it from --inode-ratio)")
	f.Int("inode-ratio", mkfs.DefaultRatio, "bytes of space per inode")
	f.String("volume", "", "volume name")
	rootCmd.AddCommand(mkfsCmd)
}

var mkfsCmd = &cobra.Command{
	Use:   "mkfs IMAGE",
	Short: "create an image file holding an empty filesystem",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		size, _ := f.GetInt("size")
		bs, _ := f.GetInt("block-size")
		ipg, _ := f.GetUint32("inodes-per-group")
		ratio, _ := f.GetInt("inode-ratio")
		volume, _ := f.GetString("volume")
		if size <= 0 {
			return fmt.Errorf("size %d: %w", size, common.EINVAL)
		}

		dev, err := device.CreateFile(args[0], uint64(size)*uint64(bs/common.SectorSize))
		if err != nil {
			return err
		}
		defer dev.Close()
		sb, groups, err := mkfs.Format(cmd.Context(), dev, mkfs.Options{
			BlockSize:      bs,
			InodesPerGroup: ipg,
			InodeRatio:     ratio,
			VolumeName:     volume,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d blocks of %d bytes, %d inodes, %d groups\n",
			args[0], sb.BlocksCount, sb.BlockSize(), sb.InodesCount, len(groups))
		return nil
	},
}
