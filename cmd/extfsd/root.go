package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jnwhiteh/extfs/config"
	"github.com/jnwhiteh/extfs/fs"
	"github.com/jnwhiteh/extfs/mkfs"
	"github.com/jnwhiteh/extfs/sched"
)

func init() {
	config.Flags(rootCmd.Flags())
	rootCmd.Flags().Bool("format", false, "format the device before serving (always done for ram devices)")
}

var rootCmd = &cobra.Command{
	Use:           "extfsd",
	Short:         "serve an extfs filesystem",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		v := viper.New()
		if err := config.BindFlags(v, cmd.Flags()); err != nil {
			return err
		}
		file, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(v, file)
		if err != nil {
			return err
		}
		format, _ := cmd.Flags().GetBool("format")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, format || cfg.Device.Kind == "ram")
	},
}

func serve(ctx context.Context, cfg config.Config, format bool) error {
	logger := log.NewEntry(cfg.Logger())

	dev, err := cfg.Device.Open(logger)
	if err != nil {
		return err
	}
	defer dev.Close()
	if format {
		sb, _, err := mkfs.Format(ctx, dev, mkfs.Options{})
		if err != nil {
			return err
		}
		logger.WithField("blocks", sb.BlocksCount).Info("formatted device")
	}

	s, err := sched.New(cfg.Scheduler(), logger.WithField("component", "sched"))
	if err != nil {
		return err
	}
	defer s.Shutdown()

	srv, err := fs.NewServer(dev, cfg.FS(), s, logger.WithField("component", "fs"))
	if err != nil {
		return err
	}
	defer srv.Shutdown()

	if cfg.Server.Network == "unix" {
		if err := os.Remove(cfg.Server.Addr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	ln, err := net.Listen(cfg.Server.Network, cfg.Server.Addr)
	if err != nil {
		return err
	}
	return srv.Serve(ctx, ln)
}
