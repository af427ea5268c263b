package bcache

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnwhiteh/extfs/common"
	"github.com/jnwhiteh/extfs/sched"
	"github.com/jnwhiteh/extfs/testutils"
)

const bsize = 1024

func openTestCache(t *testing.T, dev common.BlockDevice, slots int) *Cache {
	logger, _ := testutils.NewLogger(t)
	c, err := New(dev, Config{Slots: slots, BlockSize: bsize}, logger)
	require.NoError(t, err)
	return c
}

func fill(b byte) []byte {
	return bytes.Repeat([]byte{b}, bsize)
}

func TestNewValidates(t *testing.T) {
	dev := testutils.NewTestDevice(t, bsize, 4)
	_, err := New(dev, Config{Slots: 6, BlockSize: bsize}, nil)
	assert.ErrorIs(t, err, common.EINVAL)
	_, err = New(dev, Config{Slots: 8, BlockSize: 1000}, nil)
	assert.ErrorIs(t, err, common.EINVAL)
}

func TestRequestReadsBlock(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t, testutils.NewTestDevice(t, bsize, 16), 8)

	e, err := c.Request(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), e.BlockNo())
	assert.Equal(t, fill(5), e.Data())
	c.Release(e)

	_, err = c.Request(ctx, 16)
	assert.ErrorIs(t, err, common.EINVAL)
}

// A second request for a block sees the bytes written through the first.
func TestCoherence(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t, testutils.NewTestDevice(t, bsize, 16), 8)

	e, err := c.Request(ctx, 3)
	require.NoError(t, err)
	copy(e.Data(), "hello")
	c.MarkDirty(e)
	c.Release(e)

	e2, err := c.Request(ctx, 3)
	require.NoError(t, err)
	assert.Same(t, e, e2)
	assert.Equal(t, "hello", string(e2.Data()[:5]))
	c.Release(e2)

	s := c.Stats(ctx)
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Equal(t, 1, s.Dirty)
	assert.InDelta(t, 0.5, s.HitRatio(), 1e-9)
}

func TestLinearProbe(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t, testutils.NewTestDevice(t, bsize, 32), 8)

	a, err := c.Request(ctx, 2)
	require.NoError(t, err)
	b, err := c.Request(ctx, 10) // same home as 2
	require.NoError(t, err)
	d, err := c.Request(ctx, 7) // home 7, free
	require.NoError(t, err)
	w, err := c.Request(ctx, 15) // home 7, wraps
	require.NoError(t, err)

	assert.Equal(t, 2, a.Slot())
	assert.Equal(t, 3, b.Slot())
	assert.Equal(t, 7, d.Slot())
	assert.Equal(t, 0, w.Slot())
	for _, e := range []*Entry{a, b, d, w} {
		c.Release(e)
	}
}

// Once the cache is full a miss evicts the home slot.
func TestEvictHome(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t, testutils.NewTestDevice(t, bsize, 32), 4)

	for i := uint32(0); i < 4; i++ {
		e, err := c.Request(ctx, i)
		require.NoError(t, err)
		c.Release(e)
	}
	e, err := c.Request(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Slot())
	assert.Equal(t, fill(6), e.Data())
	c.Release(e)

	s := c.Stats(ctx)
	assert.Equal(t, uint64(1), s.Evictions)
	assert.Equal(t, 4, s.Resident)

	// block 2 went away with the eviction
	e, err = c.Request(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, fill(2), e.Data())
	c.Release(e)
	assert.Equal(t, uint64(2), c.Stats(ctx).Evictions)
}

// A pinned home slot is skipped in favour of the next unpinned one.
func TestEvictSkipsPinned(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t, testutils.NewTestDevice(t, bsize, 32), 4)

	var held []*Entry
	for i := uint32(0); i < 4; i++ {
		e, err := c.Request(ctx, i)
		require.NoError(t, err)
		held = append(held, e)
	}
	_, err := c.Request(ctx, 5)
	assert.ErrorIs(t, err, common.EBUSY)

	c.Release(held[3])
	e, err := c.Request(ctx, 5) // home slot 1 pinned, 2 pinned, 3 free to evict
	require.NoError(t, err)
	assert.Equal(t, 3, e.Slot())
	c.Release(e)
	for _, h := range held[:3] {
		c.Release(h)
	}
	assert.Panics(t, func() { c.Release(e) })
}

// Dirty data written before an eviction is on the device afterwards.
func TestNoWriteLossOnEviction(t *testing.T) {
	ctx := context.Background()
	dev := testutils.NewTestDevice(t, bsize, 64)
	c := openTestCache(t, dev, 4)

	e, err := c.Request(ctx, 1)
	require.NoError(t, err)
	copy(e.Data(), fill(0xAB))
	c.MarkDirty(e)
	c.Release(e)

	for i := uint32(10); i < 20; i++ {
		e, err := c.Request(ctx, i)
		require.NoError(t, err)
		c.Release(e)
	}
	assert.False(t, c.find(1) != nil, "block 1 should have been evicted")
	assert.Equal(t, fill(0xAB), testutils.ReadBlock(t, dev, bsize, 1))

	e, err = c.Request(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, fill(0xAB), e.Data())
	c.Release(e)
}

func TestFlushIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dev := testutils.NewCountingDevice(testutils.NewTestDevice(t, bsize, 16))
	c := openTestCache(t, dev, 8)

	for i := uint32(0); i < 3; i++ {
		e, err := c.Request(ctx, i)
		require.NoError(t, err)
		e.Data()[0] = 0xFF
		c.MarkDirty(e)
		c.Release(e)
	}

	res, err := c.FlushAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, FlushResult{Written: 3}, res)
	_, writes := dev.Counts()
	assert.Equal(t, 3, writes)

	res, err = c.FlushAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, FlushResult{}, res)
	_, writes = dev.Counts()
	assert.Equal(t, 3, writes)
	assert.Equal(t, 0, c.Stats(ctx).Dirty)
}

// One failing block does not stop the others from being flushed.
func TestFlushContinuesPastFailure(t *testing.T) {
	ctx := context.Background()
	ram := testutils.NewTestDevice(t, bsize, 16)
	dev := testutils.NewFailingDevice(ram)
	c := openTestCache(t, dev, 8)

	for i := uint32(1); i <= 3; i++ {
		e, err := c.Request(ctx, i)
		require.NoError(t, err)
		copy(e.Data(), fill(0xEE))
		c.MarkDirty(e)
		c.Release(e)
	}
	dev.FailWrite(2*bsize/common.SectorSize, true)

	res, err := c.FlushAll(ctx)
	assert.ErrorIs(t, err, common.EIO)
	assert.Equal(t, FlushResult{Written: 2, Failed: 1}, res)
	assert.Equal(t, fill(0xEE), testutils.ReadBlock(t, ram, bsize, 1))
	assert.Equal(t, fill(2), testutils.ReadBlock(t, ram, bsize, 2))
	assert.Equal(t, fill(0xEE), testutils.ReadBlock(t, ram, bsize, 3))

	// the failed block is still dirty and goes out once the device recovers
	dev.FailWrite(2*bsize/common.SectorSize, false)
	res, err = c.FlushAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, FlushResult{Written: 1}, res)
	assert.Equal(t, fill(0xEE), testutils.ReadBlock(t, ram, bsize, 2))
}

// A failed read leaves the slot free and the entry absent.
func TestReadFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	dev := testutils.NewFailingDevice(testutils.NewTestDevice(t, bsize, 16))
	c := openTestCache(t, dev, 8)

	dev.FailRead(4*bsize/common.SectorSize, true)
	_, err := c.Request(ctx, 4)
	assert.ErrorIs(t, err, common.EIO)
	s := c.Stats(ctx)
	assert.Equal(t, 0, s.Resident)
	assert.Equal(t, uint64(0), s.Misses)

	dev.FailRead(4*bsize/common.SectorSize, false)
	e, err := c.Request(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, fill(4), e.Data())
	c.Release(e)
}

func TestEvictionWriteFailureKeepsVictim(t *testing.T) {
	ctx := context.Background()
	ram := testutils.NewTestDevice(t, bsize, 16)
	dev := testutils.NewFailingDevice(ram)
	c := openTestCache(t, dev, 1)

	e, err := c.Request(ctx, 0)
	require.NoError(t, err)
	copy(e.Data(), fill(0x11))
	c.MarkDirty(e)
	c.Release(e)

	dev.FailWrite(0, true)
	_, err = c.Request(ctx, 1)
	assert.ErrorIs(t, err, common.EIO)

	e, err = c.Request(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, fill(0x11), e.Data())
	assert.True(t, e.Dirty())
	c.Release(e)
}

func TestBufferExhaustion(t *testing.T) {
	ctx := context.Background()
	pool := NewBoundedPool(bsize)
	c, err := New(testutils.NewTestDevice(t, bsize, 16), Config{Slots: 4, BlockSize: bsize, Pool: pool}, nil)
	require.NoError(t, err)

	e, err := c.Request(ctx, 0)
	require.NoError(t, err)
	c.Release(e)

	_, err = c.Request(ctx, 1)
	assert.ErrorIs(t, err, common.ENOMEM)
	assert.Equal(t, 1, c.Stats(ctx).Resident)

	e, err = c.Request(ctx, 0)
	require.NoError(t, err)
	c.Release(e)
	assert.Equal(t, bsize, pool.Used())
}

func TestCreateSkipsRead(t *testing.T) {
	ctx := context.Background()
	dev := testutils.NewCountingDevice(testutils.NewTestDevice(t, bsize, 16))
	c := openTestCache(t, dev, 4)

	e, err := c.Create(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, bsize), e.Data())
	c.Release(e)
	reads, _ := dev.Counts()
	assert.Equal(t, 0, reads)

	// a resident block is handed back zeroed too, so a freed block that is
	// still cached cannot leak its old contents into its next owner
	e, err = c.Request(ctx, 9)
	require.NoError(t, err)
	e.Data()[0] = 1
	c.Release(e)
	e, err = c.Create(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, bsize), e.Data())
	c.Release(e)
	assert.Equal(t, uint64(1), c.Stats(ctx).Misses)
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	ram := testutils.NewTestDevice(t, bsize, 16)
	dev := testutils.NewCountingDevice(ram)
	c := openTestCache(t, dev, 4)

	e, err := c.Request(ctx, 2)
	require.NoError(t, err)
	e.Data()[0] = 0x42
	c.MarkDirty(e)
	c.Release(e)

	require.NoError(t, c.Invalidate(ctx))
	assert.Equal(t, 0, c.Stats(ctx).Resident)
	assert.Equal(t, byte(0x42), testutils.ReadBlock(t, ram, bsize, 2)[0])

	e, err = c.Request(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, byte(0x42), e.Data()[0])
	c.Release(e)
	reads, _ := dev.Counts()
	assert.Equal(t, 2, reads)
}

// Concurrent requests for one block yield one entry and one device read.
func TestConcurrentRequests(t *testing.T) {
	ctx := context.Background()
	dev := testutils.NewCountingDevice(testutils.NewTestDevice(t, bsize, 16))
	c := openTestCache(t, dev, 8)

	var wg sync.WaitGroup
	entries := make([]*Entry, 16)
	for i := range entries {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := c.Request(ctx, 7)
			assert.NoError(t, err)
			entries[i] = e
		}(i)
	}
	wg.Wait()
	for _, e := range entries {
		assert.Same(t, entries[0], e)
		c.Release(e)
	}
	reads, _ := dev.Counts()
	assert.Equal(t, 1, reads)
}

// Threads missing on the same home slot while the device is slow end up in
// distinct slots, and a thread waiting on the device does not hold its CPU.
func TestSameHomeUnderScheduler(t *testing.T) {
	s, err := sched.New(sched.Config{CPUs: 1}, nil)
	require.NoError(t, err)
	defer s.Shutdown()

	bdev := testutils.NewBlockingDevice(testutils.NewTestDevice(t, bsize, 32))
	c := openTestCache(t, bdev, 8)

	result := make(chan *Entry, 2)
	for _, n := range []uint32{3, 11} {
		n := n
		s.Go("reader", func(th *sched.Thread) {
			ctx := sched.WithThread(context.Background(), th)
			e, err := c.Request(ctx, n)
			assert.NoError(t, err)
			result <- e
		})
	}

	<-bdev.HasBlocked
	ran := make(chan struct{})
	s.Go("bystander", func(th *sched.Thread) { close(ran) })
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("device wait kept the CPU")
	}
	bdev.Unblock <- true
	<-bdev.HasBlocked
	bdev.Unblock <- true

	a, b := <-result, <-result
	assert.ElementsMatch(t, []int{3, 4}, []int{a.Slot(), b.Slot()})
	assert.Equal(t, fill(byte(a.BlockNo())), a.Data())
	assert.Equal(t, fill(byte(b.BlockNo())), b.Data())
}
