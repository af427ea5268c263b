// Package inode keeps live inode handles. A handle does not copy the inode:
// it points into the cached inode-table block, so every change made through
// a handle lands in that block and is written back with it.
package inode

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/jnwhiteh/extfs/bcache"
	"github.com/jnwhiteh/extfs/common"
	"github.com/jnwhiteh/extfs/sched"
)

type Config struct {
	Slots int // maximum number of live handles
}

type Stats struct {
	Live   int
	Hits   uint64
	Misses uint64
}

// cacheSlot is a table entry. While the handle is being loaded, loaded is
// open and later lookups of the same inode wait on it.
type cacheSlot struct {
	handle *Handle
	loaded chan struct{}
	err    error
}

type Cache struct {
	bc     *bcache.Cache
	sb     *common.Superblock
	groups []common.GroupDesc
	slots  int

	mu     sync.Mutex // never held across block I/O
	table  map[uint32]*cacheSlot
	hits   uint64
	misses uint64

	log *log.Entry
}

func New(bc *bcache.Cache, sb *common.Superblock, groups []common.GroupDesc, cfg Config, logger *log.Entry) *Cache {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Cache{
		bc:     bc,
		sb:     sb,
		groups: groups,
		slots:  cfg.Slots,
		table:  make(map[uint32]*cacheSlot),
		log:    logger.WithField("component", "icache"),
	}
}

// Get returns a handle to inode ino, loading its table block if needed. The
// handle must be given back with Put.
func (c *Cache) Get(ctx context.Context, ino uint32) (*Handle, error) {
	block, off, ok := common.InodeLocation(c.sb, c.groups, ino)
	if !ok {
		return nil, fmt.Errorf("inode %d: %w", ino, common.EINODE)
	}

	for {
		c.mu.Lock()
		cs, ok := c.table[ino]
		if !ok {
			break
		}
		if cs.handle != nil {
			c.hits++
			cs.handle.refs++
			c.mu.Unlock()
			return cs.handle, nil
		}
		c.mu.Unlock()
		// somebody else is loading it; look again once they are done
		sched.Block(ctx, func() { <-cs.loaded })
		if cs.err != nil {
			return nil, cs.err
		}
	}
	if c.slots > 0 && len(c.table) >= c.slots {
		c.mu.Unlock()
		return nil, fmt.Errorf("%d inodes in use: %w", c.slots, common.ENFILE)
	}
	c.misses++
	cs := &cacheSlot{loaded: make(chan struct{})}
	c.table[ino] = cs
	c.mu.Unlock()

	entry, err := c.bc.Request(ctx, block)

	c.mu.Lock()
	if err != nil {
		cs.err = fmt.Errorf("loading inode %d: %w", ino, err)
		delete(c.table, ino)
	} else {
		cs.handle = &Handle{ino: ino, c: c, entry: entry, off: off, refs: 1}
	}
	close(cs.loaded)
	c.mu.Unlock()

	if cs.err != nil {
		c.log.WithField("ino", ino).WithError(err).Error("inode load failed")
		return nil, cs.err
	}
	return cs.handle, nil
}

// Dup adds a reference to a live handle.
func (c *Cache) Dup(h *Handle) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	h.refs++
	return h
}

// Put drops a reference. The last reference unpins the inode-table block.
func (c *Cache) Put(h *Handle) {
	if h == nil {
		return
	}
	c.mu.Lock()
	h.refs--
	if h.refs < 0 {
		c.mu.Unlock()
		panic(fmt.Sprintf("inode: put of released inode %d", h.ino))
	}
	last := h.refs == 0
	if last {
		delete(c.table, h.ino)
	}
	c.mu.Unlock()
	if last {
		c.bc.Release(h.entry)
	}
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Live: len(c.table), Hits: c.hits, Misses: c.misses}
}
