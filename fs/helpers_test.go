package fs

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/jnwhiteh/extfs/common"
	"github.com/jnwhiteh/extfs/device"
	"github.com/jnwhiteh/extfs/mkfs"
	"github.com/jnwhiteh/extfs/sched"
	"github.com/jnwhiteh/extfs/testutils"
)

var bg = context.Background()

// newImage formats a 4 MiB ramdisk.
func newImage(t *testing.T) *device.Ramdisk {
	dev := device.NewRamdisk(8192)
	_, _, err := mkfs.Format(bg, dev, mkfs.Options{})
	require.NoError(t, err)
	return dev
}

func startServer(t *testing.T, dev common.BlockDevice, cfg Config) (*Server, *test.Hook) {
	logger, hook := testutils.NewLogger(t)
	s, err := sched.New(sched.Config{CPUs: 2}, logger)
	require.NoError(t, err)
	srv, err := NewServer(dev, cfg, s, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.Shutdown()
		s.Shutdown()
	})
	return srv, hook
}

// OpenTestImage starts a server on a fresh image and returns a superuser
// session.
func OpenTestImage(t *testing.T) (*Server, *Client) {
	cfg := DefaultConfig()
	cfg.CacheSlots = 64
	srv, _ := startServer(t, newImage(t), cfg)
	return srv, srv.Client(0, 0)
}

func createFile(t *testing.T, c *Client, path string, data []byte) uint32 {
	ino, err := c.Open(bg, path, common.O_READ|common.O_WRITE|common.O_CREATE, 0644)
	require.NoError(t, err)
	if len(data) > 0 {
		n, err := c.Write(bg, ino, 0, data)
		require.NoError(t, err)
		require.Equal(t, len(data), n)
	}
	return ino
}

// failing wraps a fresh image so that every write can be made to fail.
type failing struct {
	*testutils.FailingDevice
	sectors uint64
}

func newFailing(t *testing.T) *failing {
	dev := newImage(t)
	return &failing{FailingDevice: testutils.NewFailingDevice(dev), sectors: dev.Capacity()}
}

func (f *failing) failAll(fail bool) {
	for s := uint64(0); s < f.sectors; s++ {
		f.FailWrite(s, fail)
	}
}
