package alloctbl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnwhiteh/extfs/bcache"
	"github.com/jnwhiteh/extfs/common"
	"github.com/jnwhiteh/extfs/device"
	"github.com/jnwhiteh/extfs/mkfs"
	"github.com/jnwhiteh/extfs/testutils"
)

type fixture struct {
	dev    *device.Ramdisk
	bc     *bcache.Cache
	sb     *common.Superblock
	groups []common.GroupDesc
}

func newFixture(t *testing.T, sectors uint64, opts mkfs.Options) *fixture {
	ctx := context.Background()
	dev := device.NewRamdisk(sectors)
	sb, groups, err := mkfs.Format(ctx, dev, opts)
	require.NoError(t, err)
	logger, _ := testutils.NewLogger(t)
	bc, err := bcache.New(dev, bcache.Config{Slots: 64, BlockSize: sb.BlockSize()}, logger)
	require.NoError(t, err)
	return &fixture{dev: dev, bc: bc, sb: sb, groups: groups}
}

func (f *fixture) reread(t *testing.T, g int) common.GroupDesc {
	_, err := f.bc.FlushAll(context.Background())
	require.NoError(t, err)
	blk := testutils.ReadBlock(t, f.dev, f.sb.BlockSize(), f.sb.GDTBlock())
	var gd common.GroupDesc
	gd.Decode(blk[g*common.GroupDescSize:])
	return gd
}

func allocators(t *testing.T, f *fixture) map[string]common.Allocator {
	bm := NewBitmap(f.bc, f.sb, f.groups, nil)
	idx, err := LoadIndexed(context.Background(), NewBitmap(f.bc, f.sb, f.groups, nil))
	require.NoError(t, err)
	return map[string]common.Allocator{"bitmap": bm, "indexed": idx}
}

func TestAllocBlockHintAndAccounting(t *testing.T) {
	for name := range allocators(t, newFixture(t, 4096, mkfs.Options{})) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, 4096, mkfs.Options{})
			a := allocators(t, f)[name]
			ctx := context.Background()
			before := f.sb.FreeBlocksCount

			b1, err := a.AllocBlock(ctx, 0)
			require.NoError(t, err)
			b2, err := a.AllocBlock(ctx, b1)
			require.NoError(t, err)
			assert.Greater(t, b2, b1)

			b3, err := a.AllocBlock(ctx, 1500)
			require.NoError(t, err)
			assert.Equal(t, uint32(1500), b3)

			assert.Equal(t, before-3, f.sb.FreeBlocksCount)
			assert.Equal(t, uint16(before-3), f.reread(t, 0).FreeBlocksCount)

			require.NoError(t, a.FreeBlock(ctx, b3))
			assert.ErrorIs(t, a.FreeBlock(ctx, b3), common.EINVAL)
			assert.ErrorIs(t, a.FreeBlock(ctx, f.sb.BlocksCount), common.EINVAL)
			assert.Equal(t, before-2, f.sb.FreeBlocksCount)

			// the freed block is handed out again
			again, err := a.AllocBlock(ctx, 1500)
			require.NoError(t, err)
			assert.Equal(t, b3, again)
		})
	}
}

func TestAllocInode(t *testing.T) {
	for name := range allocators(t, newFixture(t, 4096, mkfs.Options{})) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, 4096, mkfs.Options{})
			a := allocators(t, f)[name]
			ctx := context.Background()

			ino, err := a.AllocInode(ctx, true)
			require.NoError(t, err)
			assert.Equal(t, common.FirstIno, ino)
			gd := f.reread(t, 0)
			assert.Equal(t, uint16(2), gd.UsedDirsCount)

			next, err := a.AllocInode(ctx, false)
			require.NoError(t, err)
			assert.Equal(t, common.FirstIno+1, next)

			require.NoError(t, a.FreeInode(ctx, ino, true))
			assert.Equal(t, uint16(1), f.reread(t, 0).UsedDirsCount)
			assert.ErrorIs(t, a.FreeInode(ctx, common.RootIno, true), common.EINVAL)
			assert.ErrorIs(t, a.FreeInode(ctx, ino, false), common.EINVAL)
		})
	}
}

// Exhausting blocks yields ENOSPC and leaves the counts at zero.
func TestNoSpace(t *testing.T) {
	for name := range allocators(t, newFixture(t, 512, mkfs.Options{InodesPerGroup: 16})) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, 512, mkfs.Options{InodesPerGroup: 16})
			a := allocators(t, f)[name]
			ctx := context.Background()

			free := int(f.sb.FreeBlocksCount)
			seen := make(map[uint32]bool)
			for i := 0; i < free; i++ {
				b, err := a.AllocBlock(ctx, 0)
				require.NoError(t, err)
				assert.False(t, seen[b], "block %d handed out twice", b)
				seen[b] = true
			}
			_, err := a.AllocBlock(ctx, 0)
			assert.ErrorIs(t, err, common.ENOSPC)
			assert.Equal(t, uint32(0), f.sb.FreeBlocksCount)

			for f.sb.FreeInodesCount > 0 {
				_, err := a.AllocInode(ctx, false)
				require.NoError(t, err)
			}
			_, err = a.AllocInode(ctx, false)
			assert.ErrorIs(t, err, common.ENOSPC)
		})
	}
}

func TestSpillsIntoNextGroup(t *testing.T) {
	f := newFixture(t, 2*4000, mkfs.Options{BlocksPerGroup: 1024, InodesPerGroup: 16})
	require.Greater(t, len(f.groups), 1)
	a := NewBitmap(f.bc, f.sb, f.groups, nil)
	ctx := context.Background()

	for {
		b, err := a.AllocBlock(ctx, 0)
		require.NoError(t, err)
		if b >= f.sb.FirstDataBlock+f.sb.BlocksPerGroup {
			break
		}
	}
	assert.Equal(t, uint16(0), f.groups[0].FreeBlocksCount)
	for {
		ino, err := a.AllocInode(ctx, false)
		require.NoError(t, err)
		if ino > f.sb.InodesPerGroup {
			break
		}
	}
	assert.Equal(t, uint16(0), f.groups[0].FreeInodesCount)
}

func TestIndexedFreeCounts(t *testing.T) {
	f := newFixture(t, 4096, mkfs.Options{})
	ctx := context.Background()
	idx, err := LoadIndexed(ctx, NewBitmap(f.bc, f.sb, f.groups, nil))
	require.NoError(t, err)

	blocks, inodes := idx.Free(ctx)
	assert.Equal(t, int(f.sb.FreeBlocksCount), blocks)
	assert.Equal(t, int(f.sb.FreeInodesCount), inodes)

	_, err = idx.AllocBlock(ctx, 0)
	require.NoError(t, err)
	blocks, _ = idx.Free(ctx)
	assert.Equal(t, int(f.sb.FreeBlocksCount), blocks)
}
