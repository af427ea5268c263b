package main

import (
	"context"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jnwhiteh/extfs/config"
	"github.com/jnwhiteh/extfs/proto"
)

var (
	cfg    config.Config
	logger *log.Entry

	uid, gid uint32
	timeout  time.Duration
)

func init() {
	pf := rootCmd.PersistentFlags()
	config.Flags(pf)
	pf.Uint32Var(&uid, "uid", uint32(os.Getuid()), "user id to act as, honoured for root peers on unix sockets")
	pf.Uint32Var(&gid, "gid", uint32(os.Getgid()), "group id sent with requests")
	pf.DurationVar(&timeout, "timeout", 30*time.Second, "per-command timeout")
}

var rootCmd = &cobra.Command{
	Use:           "extfs",
	Short:         "extfs filesystem client",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v := viper.New()
		if err := config.BindFlags(v, cmd.Flags()); err != nil {
			return err
		}
		file, _ := cmd.Flags().GetString("config")
		var err error
		if cfg, err = config.Load(v, file); err != nil {
			return err
		}
		logger = log.NewEntry(cfg.Logger())
		return nil
	},
}

// connect dials the daemon. The returned context carries the command
// timeout.
func connect(cmd *cobra.Command) (*proto.Remote, context.Context, func(), error) {
	r, err := proto.Dial(cfg.Server.Network, cfg.Server.Addr, uid, gid)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	return r, ctx, func() {
		cancel()
		r.Disconnect()
	}, nil
}
