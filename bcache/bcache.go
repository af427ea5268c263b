// Package bcache implements a direct-mapped, write-back block cache.
//
// Block n has its home in slot n & (slots-1). On a miss the block goes to the
// first free slot at or after its home (wrapping). Once every slot holds a
// block, a miss evicts the home slot, or the next unpinned slot after it,
// writing the victim back first if it is dirty.
package bcache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/jnwhiteh/extfs/common"
	"github.com/jnwhiteh/extfs/sched"
)

type Config struct {
	Slots     int        // must be a power of two
	BlockSize int        // multiple of the sector size
	Pool      BufferPool // nil means unbounded heap allocation
}

// Entry is a cache slot. While a caller holds an entry (between Request or
// Create and Release) it will not be evicted and Data may be read and
// modified freely. Modifications must be followed by MarkDirty.
type Entry struct {
	blockNo uint32
	valid   bool  // slot holds blockNo; guarded by the cache lock
	dirty   int32 // atomic
	pins    int32 // atomic; only incremented under the cache lock
	slot    int
	buf     []byte
}

func (e *Entry) BlockNo() uint32 { return e.blockNo }
func (e *Entry) Data() []byte    { return e.buf }
func (e *Entry) Slot() int       { return e.slot }
func (e *Entry) Dirty() bool     { return atomic.LoadInt32(&e.dirty) == 1 }

type Stats struct {
	Slots      int
	Resident   int
	Pinned     int
	Dirty      int
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Writebacks uint64
}

// HitRatio is the fraction of requests served from the cache.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// FlushResult tells how a FlushAll went.
type FlushResult struct {
	Written int
	Failed  int
}

type Cache struct {
	dev    common.BlockDevice
	bsize  int
	spb    int // sectors per block
	blocks uint64
	mask   uint32
	pool   BufferPool

	// lock is held across device transfers, so it has to be a lock that
	// releases the CPU of a waiting thread.
	lock  sched.Mutex
	slots []Entry
	free  int // slots that hold no block

	hits       uint64 // atomic
	misses     uint64 // atomic
	evictions  uint64 // atomic
	writebacks uint64 // atomic

	log *log.Entry
}

// New creates a cache in front of dev. No buffers are allocated until blocks
// are requested.
func New(dev common.BlockDevice, cfg Config, logger *log.Entry) (*Cache, error) {
	if cfg.Slots <= 0 || cfg.Slots&(cfg.Slots-1) != 0 {
		return nil, fmt.Errorf("cache slots %d is not a power of two: %w", cfg.Slots, common.EINVAL)
	}
	if cfg.BlockSize <= 0 || cfg.BlockSize%common.SectorSize != 0 {
		return nil, fmt.Errorf("block size %d is not a multiple of the sector size: %w", cfg.BlockSize, common.EINVAL)
	}
	if cfg.Pool == nil {
		cfg.Pool = HeapPool{}
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	spb := cfg.BlockSize / common.SectorSize
	c := &Cache{
		dev:    dev,
		bsize:  cfg.BlockSize,
		spb:    spb,
		blocks: dev.Capacity() / uint64(spb),
		mask:   uint32(cfg.Slots - 1),
		pool:   cfg.Pool,
		slots:  make([]Entry, cfg.Slots),
		free:   cfg.Slots,
		log:    logger.WithField("component", "bcache"),
	}
	for i := range c.slots {
		c.slots[i].slot = i
	}
	return c, nil
}

func (c *Cache) BlockSize() int { return c.bsize }

// Blocks is the number of blocks on the device.
func (c *Cache) Blocks() uint64 { return c.blocks }

// Request returns the entry for blockNo, reading it from the device on a
// miss. The entry stays pinned until Release.
func (c *Cache) Request(ctx context.Context, blockNo uint32) (*Entry, error) {
	return c.get(ctx, blockNo, true)
}

// Create is Request for a block whose previous contents do not matter. The
// device read is skipped and the buffer is zeroed, whether or not the block
// was resident.
func (c *Cache) Create(ctx context.Context, blockNo uint32) (*Entry, error) {
	return c.get(ctx, blockNo, false)
}

func (c *Cache) get(ctx context.Context, blockNo uint32, read bool) (*Entry, error) {
	if uint64(blockNo) >= c.blocks {
		return nil, fmt.Errorf("block %d beyond device end %d: %w", blockNo, c.blocks, common.EINVAL)
	}

	c.lock.Lock(ctx)
	defer c.lock.Unlock()

	if e := c.find(blockNo); e != nil {
		atomic.AddUint64(&c.hits, 1)
		atomic.AddInt32(&e.pins, 1)
		if !read {
			zero(e.buf)
		}
		return e, nil
	}

	e, err := c.slotFor(ctx, blockNo)
	if err != nil {
		return nil, err
	}
	if e.buf == nil {
		buf, err := c.pool.Get(c.bsize)
		if err != nil {
			return nil, fmt.Errorf("buffer for block %d: %w", blockNo, err)
		}
		e.buf = buf
	}

	e.blockNo = blockNo
	e.valid = true
	atomic.StoreInt32(&e.dirty, 0)
	c.free--

	if read {
		if err := c.transfer(ctx, e, false); err != nil {
			e.valid = false
			c.free++
			c.log.WithFields(log.Fields{"block": blockNo, "slot": e.slot}).WithError(err).Error("block read failed")
			return nil, err
		}
	} else {
		zero(e.buf)
	}
	atomic.AddUint64(&c.misses, 1)
	atomic.AddInt32(&e.pins, 1)
	return e, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// find scans the slots starting at blockNo's home.
func (c *Cache) find(blockNo uint32) *Entry {
	home := blockNo & c.mask
	for i := uint32(0); i <= c.mask; i++ {
		e := &c.slots[(home+i)&c.mask]
		if e.valid && e.blockNo == blockNo {
			return e
		}
	}
	return nil
}

// slotFor picks the slot that blockNo will occupy and makes it free,
// evicting its current block if needed.
func (c *Cache) slotFor(ctx context.Context, blockNo uint32) (*Entry, error) {
	home := blockNo & c.mask
	if c.free > 0 {
		for i := uint32(0); i <= c.mask; i++ {
			e := &c.slots[(home+i)&c.mask]
			if !e.valid {
				return e, nil
			}
		}
	}

	for i := uint32(0); i <= c.mask; i++ {
		e := &c.slots[(home+i)&c.mask]
		if atomic.LoadInt32(&e.pins) > 0 {
			continue
		}
		if atomic.LoadInt32(&e.dirty) == 1 {
			if err := c.writeBack(ctx, e); err != nil {
				return nil, err
			}
		}
		c.log.WithFields(log.Fields{"block": e.blockNo, "slot": e.slot, "for": blockNo}).Debug("evicting block")
		atomic.AddUint64(&c.evictions, 1)
		e.valid = false
		c.free++
		return e, nil
	}
	return nil, fmt.Errorf("all %d cache slots pinned: %w", len(c.slots), common.EBUSY)
}

func (c *Cache) writeBack(ctx context.Context, e *Entry) error {
	atomic.StoreInt32(&e.dirty, 0)
	if err := c.transfer(ctx, e, true); err != nil {
		atomic.StoreInt32(&e.dirty, 1)
		c.log.WithFields(log.Fields{"block": e.blockNo, "slot": e.slot}).WithError(err).Error("block write failed")
		return err
	}
	atomic.AddUint64(&c.writebacks, 1)
	return nil
}

func (c *Cache) transfer(ctx context.Context, e *Entry, write bool) error {
	sector := uint64(e.blockNo) * uint64(c.spb)
	var err error
	sched.Block(ctx, func() {
		if write {
			err = c.dev.WriteSectors(ctx, e.buf, sector, c.spb)
		} else {
			err = c.dev.ReadSectors(ctx, e.buf, sector, c.spb)
		}
	})
	if err != nil && !errors.Is(err, common.EIO) {
		err = fmt.Errorf("block %d: %v: %w", e.blockNo, err, common.EIO)
	}
	return err
}

// MarkDirty records that e's buffer has been modified. It does no I/O.
func (c *Cache) MarkDirty(e *Entry) {
	atomic.StoreInt32(&e.dirty, 1)
}

// Release unpins an entry obtained from Request or Create. The entry must
// not be used afterwards.
func (c *Cache) Release(e *Entry) {
	if atomic.AddInt32(&e.pins, -1) < 0 {
		panic(fmt.Sprintf("bcache: release of unpinned block %d", e.blockNo))
	}
}

// FlushAll writes every dirty block back. A failed block stays dirty and the
// flush carries on with the rest; the failures are returned joined together.
func (c *Cache) FlushAll(ctx context.Context) (FlushResult, error) {
	c.lock.Lock(ctx)
	defer c.lock.Unlock()

	var res FlushResult
	var errs []error
	for i := range c.slots {
		e := &c.slots[i]
		if !e.valid || atomic.LoadInt32(&e.dirty) == 0 {
			continue
		}
		if err := c.writeBack(ctx, e); err != nil {
			res.Failed++
			errs = append(errs, err)
			continue
		}
		res.Written++
	}
	if res.Written > 0 || res.Failed > 0 {
		c.log.WithFields(log.Fields{"written": res.Written, "failed": res.Failed}).Debug("flushed cache")
	}
	return res, errors.Join(errs...)
}

// Invalidate flushes the cache and then forgets every block that is not
// pinned, so that later requests go to the device.
func (c *Cache) Invalidate(ctx context.Context) error {
	if _, err := c.FlushAll(ctx); err != nil {
		return err
	}
	c.lock.Lock(ctx)
	defer c.lock.Unlock()
	for i := range c.slots {
		e := &c.slots[i]
		if e.valid && atomic.LoadInt32(&e.pins) == 0 && atomic.LoadInt32(&e.dirty) == 0 {
			e.valid = false
			c.free++
		}
	}
	return nil
}

func (c *Cache) Stats(ctx context.Context) Stats {
	c.lock.Lock(ctx)
	defer c.lock.Unlock()
	s := Stats{
		Slots:      len(c.slots),
		Hits:       atomic.LoadUint64(&c.hits),
		Misses:     atomic.LoadUint64(&c.misses),
		Evictions:  atomic.LoadUint64(&c.evictions),
		Writebacks: atomic.LoadUint64(&c.writebacks),
	}
	for i := range c.slots {
		e := &c.slots[i]
		if !e.valid {
			continue
		}
		s.Resident++
		if atomic.LoadInt32(&e.pins) > 0 {
			s.Pinned++
		}
		if atomic.LoadInt32(&e.dirty) == 1 {
			s.Dirty++
		}
	}
	return s
}
