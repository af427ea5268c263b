package fs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnwhiteh/extfs/common"
)

func TestPersistAcrossRemount(t *testing.T) {
	dev := newImage(t)
	for _, alloc := range []string{"bitmap", "indexed"} {
		t.Run(alloc, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Allocator = alloc

			srv, _ := startServer(t, dev, cfg)
			c := srv.Client(0, 0)
			_, err := c.Mkdir(bg, "/"+alloc, 0755)
			require.NoError(t, err)
			ino := createFile(t, c, "/"+alloc+"/data", []byte("persisted "+alloc))
			require.NoError(t, c.Close(bg, ino))
			_, err = c.Symlink(bg, "data", "/"+alloc+"/link")
			require.NoError(t, err)
			free := srv.Superblock().FreeBlocksCount
			srv.Shutdown()

			srv, _ = startServer(t, dev, cfg)
			c = srv.Client(0, 0)
			assert.Equal(t, free, srv.Superblock().FreeBlocksCount)
			info, err := c.Stat(bg, "/"+alloc+"/link")
			require.NoError(t, err)
			assert.Equal(t, ino, info.Ino)
			data, err := c.Read(bg, ino, 0, 100)
			require.NoError(t, err)
			assert.Equal(t, "persisted "+alloc, string(data))
		})
	}
}

func TestMountCountAdvances(t *testing.T) {
	dev := newImage(t)
	srv, _ := startServer(t, dev, DefaultConfig())
	first := srv.Superblock().MntCount
	srv.Shutdown()

	srv, _ = startServer(t, dev, DefaultConfig())
	assert.Equal(t, first+1, srv.Superblock().MntCount)
	assert.Equal(t, uint16(common.StateDirty), srv.Superblock().State)
}

func TestShutdownFreesUnlinkedOpenFile(t *testing.T) {
	dev := newImage(t)
	srv, _ := startServer(t, dev, DefaultConfig())
	c := srv.Client(0, 0)
	sb := srv.Superblock()

	ino := createFile(t, c, "/tmp", bytes.Repeat([]byte("t"), 20*1024))
	require.NoError(t, c.Unlink(bg, "/tmp"))
	require.NoError(t, srv.Shutdown())

	srv, _ = startServer(t, dev, DefaultConfig())
	c = srv.Client(0, 0)
	assert.Equal(t, sb.FreeInodesCount, srv.Superblock().FreeInodesCount)
	assert.Equal(t, sb.FreeBlocksCount, srv.Superblock().FreeBlocksCount)
	_, err := c.Istat(bg, ino)
	assert.ErrorIs(t, err, common.ENOENT)
}
