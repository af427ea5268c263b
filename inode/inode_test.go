package inode

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnwhiteh/extfs/bcache"
	"github.com/jnwhiteh/extfs/common"
	"github.com/jnwhiteh/extfs/device"
	"github.com/jnwhiteh/extfs/testutils"
)

const bsize = 1024

// Two groups of 16 inodes; tables at blocks 4 and 10.
func openTestCache(t *testing.T, dev common.BlockDevice, slots int) (*Cache, *bcache.Cache) {
	logger, _ := testutils.NewLogger(t)
	bc, err := bcache.New(dev, bcache.Config{Slots: 16, BlockSize: bsize}, logger)
	require.NoError(t, err)
	sb := &common.Superblock{InodesCount: 32, InodesPerGroup: 16, InodeSize: 128}
	groups := []common.GroupDesc{{InodeTable: 4}, {InodeTable: 10}}
	return New(bc, sb, groups, Config{Slots: slots}, logger), bc
}

func TestGetRejectsBadNumbers(t *testing.T) {
	ic, _ := openTestCache(t, device.NewRamdisk(32), 8)
	ctx := context.Background()
	for _, ino := range []uint32{0, 33, 1000} {
		_, err := ic.Get(ctx, ino)
		assert.ErrorIs(t, err, common.EINODE, "ino %d", ino)
	}
}

// Setters write through to the cached table block at the inode's slot.
func TestHandleAliasesBlock(t *testing.T) {
	ram := device.NewRamdisk(32)
	ic, bc := openTestCache(t, ram, 8)
	ctx := context.Background()

	h, err := ic.Get(ctx, 18) // group 1, index 1
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)
	h.Init(common.S_IFREG|0644, 70000, 5, now)
	h.SetSize(1<<32 + 10)
	h.SetLinks(1)
	h.SetBlock(0, 99)
	h.SetBlock(14, 7)

	assert.Equal(t, common.S_IFREG|0644, h.Mode())
	assert.True(t, h.IsRegular())
	assert.Equal(t, uint32(70000), h.UID())
	assert.Equal(t, uint32(5), h.GID())
	assert.Equal(t, uint64(1<<32+10), h.Size())
	assert.Equal(t, now, h.MTime())
	assert.Equal(t, uint32(99), h.Block(0))
	assert.Equal(t, uint32(7), h.Block(14))
	ic.Put(h)

	_, err = bc.FlushAll(ctx)
	require.NoError(t, err)
	raw := testutils.ReadBlock(t, ram, bsize, 10)[128:256]
	assert.Equal(t, common.S_IFREG|0644, binary.LittleEndian.Uint16(raw[0:]))
	assert.Equal(t, uint32(10), binary.LittleEndian.Uint32(raw[4:]))
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(raw[108:]))
	assert.Equal(t, uint32(99), binary.LittleEndian.Uint32(raw[40:]))
	assert.Equal(t, uint16(70000&0xFFFF), binary.LittleEndian.Uint16(raw[2:]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(raw[120:]))
}

func TestRefcounting(t *testing.T) {
	ic, bc := openTestCache(t, device.NewRamdisk(32), 8)
	ctx := context.Background()

	a, err := ic.Get(ctx, 3)
	require.NoError(t, err)
	b, err := ic.Get(ctx, 3)
	require.NoError(t, err)
	assert.Same(t, a, b)
	ic.Dup(a)
	assert.Equal(t, Stats{Live: 1, Hits: 1, Misses: 1}, ic.Stats())
	assert.Equal(t, 1, bc.Stats(ctx).Pinned)

	ic.Put(a)
	ic.Put(b)
	assert.Equal(t, 1, ic.Stats().Live)
	ic.Put(a)
	assert.Equal(t, 0, ic.Stats().Live)
	assert.Equal(t, 0, bc.Stats(ctx).Pinned)
	assert.Panics(t, func() { ic.Put(a) })
}

func TestTableFull(t *testing.T) {
	ic, _ := openTestCache(t, device.NewRamdisk(32), 2)
	ctx := context.Background()

	a, err := ic.Get(ctx, 1)
	require.NoError(t, err)
	b, err := ic.Get(ctx, 2)
	require.NoError(t, err)
	_, err = ic.Get(ctx, 3)
	assert.ErrorIs(t, err, common.ENFILE)
	ic.Put(a)
	c, err := ic.Get(ctx, 3)
	require.NoError(t, err)
	ic.Put(b)
	ic.Put(c)
}

func TestLoadFailure(t *testing.T) {
	dev := testutils.NewFailingDevice(device.NewRamdisk(32))
	ic, _ := openTestCache(t, dev, 8)
	ctx := context.Background()

	dev.FailRead(4*bsize/common.SectorSize, true)
	_, err := ic.Get(ctx, 1)
	assert.ErrorIs(t, err, common.EIO)
	assert.Equal(t, 0, ic.Stats().Live)

	dev.FailRead(4*bsize/common.SectorSize, false)
	h, err := ic.Get(ctx, 1)
	require.NoError(t, err)
	ic.Put(h)
}

// Concurrent gets of one inode wait for a single load.
func TestConcurrentGet(t *testing.T) {
	bdev := testutils.NewBlockingDevice(device.NewRamdisk(32))
	ic, _ := openTestCache(t, bdev, 8)
	ctx := context.Background()

	var wg sync.WaitGroup
	handles := make([]*Handle, 4)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := ic.Get(ctx, 5)
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	<-bdev.HasBlocked
	time.Sleep(10 * time.Millisecond)
	bdev.Unblock <- true
	wg.Wait()

	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
	assert.Equal(t, uint64(1), ic.Stats().Misses)
	for _, h := range handles {
		ic.Put(h)
	}
	assert.Equal(t, 0, ic.Stats().Live)
}

func TestPermits(t *testing.T) {
	ic, _ := openTestCache(t, device.NewRamdisk(32), 8)
	h, err := ic.Get(context.Background(), 12)
	require.NoError(t, err)
	defer ic.Put(h)

	h.Init(common.S_IFREG|0640, 100, 20, time.Now())
	assert.True(t, h.Permits(100, 1, common.R_BIT|common.W_BIT))
	assert.True(t, h.Permits(200, 20, common.R_BIT))
	assert.False(t, h.Permits(200, 20, common.W_BIT))
	assert.False(t, h.Permits(300, 30, common.R_BIT))
	assert.True(t, h.Permits(0, 0, common.R_BIT|common.W_BIT))
	assert.False(t, h.Permits(0, 0, common.X_BIT))
}
