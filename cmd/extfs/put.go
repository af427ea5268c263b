package main

import (
	"errors"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jnwhiteh/extfs/common"
	"github.com/jnwhiteh/extfs/fs"
)

func init() {
	putCmd.Flags().Uint16("mode", 0644, "permission bits of a created file")
	rootCmd.AddCommand(putCmd)
}

var putCmd = &cobra.Command{
	Use:   "put LOCAL PATH",
	Short: "copy a local file (or - for standard input) into the filesystem",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		mode, _ := cmd.Flags().GetUint16("mode")
		var in io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}

		r, ctx, done, err := connect(cmd)
		if err != nil {
			return err
		}
		defer done()
		ino, err := r.Open(ctx, args[1], common.O_WRITE|common.O_CREATE|common.O_TRUNC, mode)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := r.Close(ctx, ino); err == nil {
				err = cerr
			}
		}()

		buf := make([]byte, fs.MaxTransfer)
		var off uint64
		for {
			n, rerr := io.ReadFull(in, buf)
			if n > 0 {
				if _, err := r.Write(ctx, ino, off, buf[:n]); err != nil {
					return err
				}
				off += uint64(n)
			}
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
				return nil
			}
			if rerr != nil {
				return rerr
			}
		}
	},
}
