package file

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnwhiteh/extfs/alloctbl"
	"github.com/jnwhiteh/extfs/bcache"
	"github.com/jnwhiteh/extfs/common"
	"github.com/jnwhiteh/extfs/device"
	"github.com/jnwhiteh/extfs/inode"
	"github.com/jnwhiteh/extfs/mkfs"
	"github.com/jnwhiteh/extfs/testutils"
)

const bs = 1024

type fixture struct {
	sb    *common.Superblock
	bc    *bcache.Cache
	ic    *inode.Cache
	alloc common.Allocator
	m     *Mapper
}

func newFixture(t *testing.T) *fixture {
	ctx := context.Background()
	dev := device.NewRamdisk(8192) // 4096 blocks
	sb, groups, err := mkfs.Format(ctx, dev, mkfs.Options{})
	require.NoError(t, err)
	logger, _ := testutils.NewLogger(t)
	bc, err := bcache.New(dev, bcache.Config{Slots: 64, BlockSize: sb.BlockSize()}, logger)
	require.NoError(t, err)
	return &fixture{
		sb:    sb,
		bc:    bc,
		ic:    inode.New(bc, sb, groups, inode.Config{}, logger),
		alloc: alloctbl.NewBitmap(bc, sb, groups, logger),
		m:     NewMapper(bc, sb.BlocksCount, logger),
	}
}

func (f *fixture) newFile(t *testing.T, mode uint16) *inode.Handle {
	ctx := context.Background()
	ino, err := f.alloc.AllocInode(ctx, false)
	require.NoError(t, err)
	h, err := f.ic.Get(ctx, ino)
	require.NoError(t, err)
	h.Init(mode, 0, 0, time.Now())
	h.SetLinks(1)
	t.Cleanup(func() { f.ic.Put(h) })
	return h
}

func (f *fixture) read(t *testing.T, h *inode.Handle, off uint64, n int) []byte {
	buf := make([]byte, n)
	got, err := f.m.Read(context.Background(), h, buf, off)
	require.NoError(t, err)
	return buf[:got]
}

func TestMaxSize(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, uint64((12+256+256*256)*bs), f.m.MaxSize())
}

// Each step across a mapping boundary costs the indirect blocks it needs.
func TestMappingBoundaries(t *testing.T) {
	f := newFixture(t)
	h := f.newFile(t, common.S_IFREG|0644)
	ctx := context.Background()
	sectors := uint32(bs / common.SectorSize)

	cases := []struct {
		off   uint64
		added uint32 // blocks allocated by the write
	}{
		{0, 1},
		{11 * bs, 1},
		{12 * bs, 2},               // single indirect + data
		{(12 + 255) * bs, 1},       // last single-indirect slot
		{(12 + 256) * bs, 3},       // double indirect + indirect + data
		{(12 + 256 + 256) * bs, 2}, // second indirect under the double
	}
	for _, c := range cases {
		before := h.Blocks512()
		n, err := f.m.Write(ctx, h, []byte{0xAA}, c.off, f.alloc)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		assert.Equal(t, before+c.added*sectors, h.Blocks512(), "offset %d", c.off)

		b, err := f.m.Map(ctx, h, c.off)
		require.NoError(t, err)
		assert.NotZero(t, b)
		assert.Equal(t, []byte{0xAA}, f.read(t, h, c.off, 1))
	}
	assert.NotZero(t, h.Block(common.IndBlock))
	assert.NotZero(t, h.Block(common.DIndBlock))
	assert.Zero(t, h.Block(common.TIndBlock))

	_, err := f.m.Map(ctx, h, f.m.MaxSize())
	assert.ErrorIs(t, err, common.EFBIG)
}

func TestReadStopsAtEOF(t *testing.T) {
	f := newFixture(t)
	h := f.newFile(t, common.S_IFREG|0644)
	_, err := f.m.Write(context.Background(), h, []byte("0123456789"), 0, f.alloc)
	require.NoError(t, err)

	assert.Equal(t, []byte("56789"), f.read(t, h, 5, 100))
	assert.Empty(t, f.read(t, h, 10, 100))
	assert.Empty(t, f.read(t, h, 1000, 100))
	assert.Empty(t, f.read(t, h, 0, 0))
}

func TestHolesReadAsZeros(t *testing.T) {
	f := newFixture(t)
	h := f.newFile(t, common.S_IFREG|0644)
	ctx := context.Background()
	_, err := f.m.Write(ctx, h, []byte("x"), 5*bs+3, f.alloc)
	require.NoError(t, err)

	assert.Equal(t, uint64(5*bs+4), h.Size())
	assert.Equal(t, uint32(bs/common.SectorSize), h.Blocks512())
	b, err := f.m.Map(ctx, h, 0)
	require.NoError(t, err)
	assert.Zero(t, b)

	got := f.read(t, h, 0, 5*bs+4)
	want := make([]byte, 5*bs+4)
	want[5*bs+3] = 'x'
	assert.Equal(t, want, got)
}

func TestWriteSpansBlocks(t *testing.T) {
	f := newFixture(t)
	h := f.newFile(t, common.S_IFREG|0644)
	data := bytes.Repeat([]byte("extfs!"), 1000) // 6000 bytes
	n, err := f.m.Write(context.Background(), h, data, 700, f.alloc)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, uint64(6700), h.Size())
	assert.Equal(t, data, f.read(t, h, 700, len(data)))

	// overwrite in the middle keeps the rest
	_, err = f.m.Write(context.Background(), h, []byte("XYZ"), 1023, f.alloc)
	require.NoError(t, err)
	got := f.read(t, h, 1020, 8)
	assert.Equal(t, append(append([]byte{}, data[320:323]...), append([]byte("XYZ"), data[326:328]...)...), got)
}

func TestWritePastMaxSize(t *testing.T) {
	f := newFixture(t)
	h := f.newFile(t, common.S_IFREG|0644)
	n, err := f.m.Write(context.Background(), h, []byte("abcd"), f.m.MaxSize()-2, f.alloc)
	assert.ErrorIs(t, err, common.EFBIG)
	assert.Equal(t, 2, n)
	assert.Equal(t, f.m.MaxSize(), h.Size())
}

func TestWriteNoSpaceKeepsPartial(t *testing.T) {
	f := newFixture(t)
	h := f.newFile(t, common.S_IFREG|0644)
	free := int(f.sb.FreeBlocksCount)
	data := make([]byte, (free+10)*bs)
	n, err := f.m.Write(context.Background(), h, data, 0, f.alloc)
	assert.ErrorIs(t, err, common.ENOSPC)
	assert.Greater(t, n, 0)
	assert.Less(t, n, len(data))
	assert.Equal(t, uint64(n), h.Size())
	assert.Zero(t, f.sb.FreeBlocksCount)
}

func TestTruncateFreesBlocks(t *testing.T) {
	f := newFixture(t)
	h := f.newFile(t, common.S_IFREG|0644)
	ctx := context.Background()
	free := f.sb.FreeBlocksCount

	data := bytes.Repeat([]byte{1}, 300*bs)
	_, err := f.m.Write(ctx, h, data, 0, f.alloc)
	require.NoError(t, err)
	// 300 data, one single indirect, one double and one indirect below it
	assert.Equal(t, free-303, f.sb.FreeBlocksCount)

	require.NoError(t, f.m.Truncate(ctx, h, 13*bs+5, f.alloc))
	assert.Equal(t, uint64(13*bs+5), h.Size())
	assert.Equal(t, uint32(15*bs/common.SectorSize), h.Blocks512())
	assert.Zero(t, h.Block(common.DIndBlock))
	assert.Equal(t, free-15, f.sb.FreeBlocksCount)

	require.NoError(t, f.m.Truncate(ctx, h, 0, f.alloc))
	assert.Zero(t, h.Size())
	assert.Zero(t, h.Blocks512())
	for i := 0; i < common.NBlockPtrs; i++ {
		assert.Zero(t, h.Block(i), "block %d", i)
	}
	assert.Equal(t, free, f.sb.FreeBlocksCount)
}

// A block freed by one file and still resident in the cache must come back
// zeroed when another file takes it as an indirect block.
func TestReusedCachedBlockIsZeroed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.newFile(t, common.S_IFREG|0644)

	// every word of every block looks like a valid block pointer
	pattern := make([]byte, 13*bs)
	for i := 0; i < len(pattern); i += 4 {
		binary.LittleEndian.PutUint32(pattern[i:], 5)
	}
	_, err := f.m.Write(ctx, a, pattern, 0, f.alloc)
	require.NoError(t, err)
	require.NoError(t, f.m.Truncate(ctx, a, 0, f.alloc))

	b := f.newFile(t, common.S_IFREG|0644)
	_, err = f.m.Write(ctx, b, []byte{1}, 12*bs, f.alloc)
	require.NoError(t, err)
	require.NotZero(t, b.Block(common.IndBlock))

	blk, err := f.m.Map(ctx, b, 13*bs)
	require.NoError(t, err)
	assert.Zero(t, blk)
	assert.Equal(t, make([]byte, 12*bs), f.read(t, b, 0, 12*bs))
}

// Shrinking and growing again must not resurrect the old bytes.
func TestTruncateClearsTail(t *testing.T) {
	f := newFixture(t)
	h := f.newFile(t, common.S_IFREG|0644)
	ctx := context.Background()
	_, err := f.m.Write(ctx, h, bytes.Repeat([]byte{'a'}, 100), 0, f.alloc)
	require.NoError(t, err)

	require.NoError(t, f.m.Truncate(ctx, h, 10, f.alloc))
	require.NoError(t, f.m.Truncate(ctx, h, 100, f.alloc))
	got := f.read(t, h, 0, 100)
	assert.Equal(t, bytes.Repeat([]byte{'a'}, 10), got[:10])
	assert.Equal(t, make([]byte, 90), got[10:])

	// same for a write that leaves a gap
	require.NoError(t, f.m.Truncate(ctx, h, 20, f.alloc))
	_, err = f.m.Write(ctx, h, []byte("z"), 50, f.alloc)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 30), f.read(t, h, 20, 30))
}

func TestFastSymlinkRead(t *testing.T) {
	f := newFixture(t)
	h := f.newFile(t, common.S_IFLNK|0777)
	h.SetInline([]byte("../target"))
	h.SetSize(9)

	assert.Equal(t, []byte("target"), f.read(t, h, 3, 64))
	assert.Empty(t, f.read(t, h, 9, 64))
}
