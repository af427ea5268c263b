// Package alloctbl allocates blocks and inodes from the per-group bitmaps.
package alloctbl

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/jnwhiteh/extfs/bcache"
	"github.com/jnwhiteh/extfs/common"
	"github.com/jnwhiteh/extfs/sched"
)

const (
	IMAP = iota // inode bitmap
	BMAP        // block bitmap
)

// Bitmap allocates by scanning the on-disk bitmaps, starting where the last
// search left off. Free counts are kept in the group descriptors and the
// superblock.
type Bitmap struct {
	bc     *bcache.Cache
	sb     *common.Superblock
	groups []common.GroupDesc

	lock     sched.Mutex
	i_search uint32 // start searching for unallocated inodes here
	b_search uint32 // start searching for unallocated blocks here

	log *log.Entry
}

// NewBitmap returns an allocator over the filesystem described by sb and
// groups. Both are updated in place as bits are allocated and freed.
func NewBitmap(bc *bcache.Cache, sb *common.Superblock, groups []common.GroupDesc, logger *log.Entry) *Bitmap {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Bitmap{
		bc:     bc,
		sb:     sb,
		groups: groups,
		log:    logger.WithField("component", "alloc"),
	}
}

// bitsIn returns the number of valid bits in group g's bitmap.
func (a *Bitmap) bitsIn(which int, g int) uint32 {
	if which == IMAP {
		return a.sb.InodesPerGroup
	}
	first := a.sb.FirstDataBlock + uint32(g)*a.sb.BlocksPerGroup
	n := a.sb.BlocksCount - first
	if n > a.sb.BlocksPerGroup {
		n = a.sb.BlocksPerGroup
	}
	return n
}

func (a *Bitmap) mapBlock(which int, g int) uint32 {
	if which == IMAP {
		return a.groups[g].InodeBitmap
	}
	return a.groups[g].BlockBitmap
}

// toBit converts a block or inode number into (group, bit).
func (a *Bitmap) toBit(which int, n uint32) (int, uint32, error) {
	if which == IMAP {
		if n == 0 || n > a.sb.InodesCount {
			return 0, 0, fmt.Errorf("inode %d: %w", n, common.EINODE)
		}
		return int((n - 1) / a.sb.InodesPerGroup), (n - 1) % a.sb.InodesPerGroup, nil
	}
	if n < a.sb.FirstDataBlock || n >= a.sb.BlocksCount {
		return 0, 0, fmt.Errorf("block %d outside the filesystem: %w", n, common.EINVAL)
	}
	rel := n - a.sb.FirstDataBlock
	return int(rel / a.sb.BlocksPerGroup), rel % a.sb.BlocksPerGroup, nil
}

func (a *Bitmap) fromBit(which int, g int, bit uint32) uint32 {
	if which == IMAP {
		return uint32(g)*a.sb.InodesPerGroup + bit + 1
	}
	return a.sb.FirstDataBlock + uint32(g)*a.sb.BlocksPerGroup + bit
}

// alloc_bit allocates a bit from the bitmaps, starting at number origin, and
// returns the block or inode number it stands for.
func (a *Bitmap) alloc_bit(ctx context.Context, which int, origin uint32) (uint32, error) {
	ngroups := len(a.groups)
	g, start, err := a.toBit(which, origin)
	if err != nil {
		g, start = 0, 0 // for robustness
	}

	// Iterate over all groups plus one, because we start in the middle
	for count := 0; count <= ngroups; count++ {
		if a.free(which, g) > 0 {
			n, ok, err := a.scan(ctx, which, g, start)
			if err != nil {
				return 0, err
			}
			if ok {
				return n, nil
			}
		}
		g = (g + 1) % ngroups
		start = 0
	}
	return 0, common.ENOSPC
}

func (a *Bitmap) free(which int, g int) uint16 {
	if which == IMAP {
		return a.groups[g].FreeInodesCount
	}
	return a.groups[g].FreeBlocksCount
}

// scan looks for a clear bit in group g at or after start and claims it.
func (a *Bitmap) scan(ctx context.Context, which int, g int, start uint32) (uint32, bool, error) {
	e, err := a.bc.Request(ctx, a.mapBlock(which, g))
	if err != nil {
		return 0, false, err
	}
	defer a.bc.Release(e)

	bits := a.bitsIn(which, g)
	data := e.Data()
	for bit := start; bit < bits; bit++ {
		if bit%8 == 0 && data[bit/8] == 0xFF {
			bit += 7
			continue
		}
		if data[bit/8]&(1<<(bit%8)) != 0 {
			continue
		}
		data[bit/8] |= 1 << (bit % 8)
		a.bc.MarkDirty(e)
		if err := a.account(ctx, which, g, -1); err != nil {
			data[bit/8] &^= 1 << (bit % 8)
			return 0, false, err
		}
		return a.fromBit(which, g, bit), true, nil
	}
	return 0, false, nil
}

// free_bit clears the bit for number n.
func (a *Bitmap) free_bit(ctx context.Context, which int, n uint32) error {
	g, bit, err := a.toBit(which, n)
	if err != nil {
		return err
	}
	e, err := a.bc.Request(ctx, a.mapBlock(which, g))
	if err != nil {
		return err
	}
	defer a.bc.Release(e)

	data := e.Data()
	if data[bit/8]&(1<<(bit%8)) == 0 {
		return fmt.Errorf("freeing unallocated %s %d: %w", kind(which), n, common.EINVAL)
	}
	data[bit/8] &^= 1 << (bit % 8)
	a.bc.MarkDirty(e)
	return a.account(ctx, which, g, 1)
}

// account adjusts the free counts of group g and writes its descriptor back.
func (a *Bitmap) account(ctx context.Context, which int, g int, delta int) error {
	gd := &a.groups[g]
	if which == IMAP {
		gd.FreeInodesCount = uint16(int(gd.FreeInodesCount) + delta)
		a.sb.FreeInodesCount = uint32(int(a.sb.FreeInodesCount) + delta)
	} else {
		gd.FreeBlocksCount = uint16(int(gd.FreeBlocksCount) + delta)
		a.sb.FreeBlocksCount = uint32(int(a.sb.FreeBlocksCount) + delta)
	}
	return a.writeDesc(ctx, g)
}

func (a *Bitmap) writeDesc(ctx context.Context, g int) error {
	return WriteGroupDesc(ctx, a.bc, a.sb, a.groups, g)
}

// WriteGroupDesc encodes descriptor g into its slot in the cached group
// descriptor table.
func WriteGroupDesc(ctx context.Context, bc *bcache.Cache, sb *common.Superblock, groups []common.GroupDesc, g int) error {
	bs := uint32(bc.BlockSize())
	off := uint32(g) * common.GroupDescSize
	e, err := bc.Request(ctx, sb.GDTBlock()+off/bs)
	if err != nil {
		return err
	}
	groups[g].Encode(e.Data()[off%bs:])
	bc.MarkDirty(e)
	bc.Release(e)
	return nil
}

func kind(which int) string {
	if which == IMAP {
		return "inode"
	}
	return "block"
}

func (a *Bitmap) AllocBlock(ctx context.Context, hint uint32) (uint32, error) {
	a.lock.Lock(ctx)
	defer a.lock.Unlock()

	origin := hint
	if hint < a.sb.FirstDataBlock || hint >= a.sb.BlocksCount {
		origin = a.b_search
	}
	b, err := a.alloc_bit(ctx, BMAP, origin)
	if err != nil {
		a.log.WithField("free", a.sb.FreeBlocksCount).WithError(err).Warn("block allocation failed")
		return 0, err
	}
	a.b_search = b // next time start here
	return b, nil
}

func (a *Bitmap) FreeBlock(ctx context.Context, b uint32) error {
	a.lock.Lock(ctx)
	defer a.lock.Unlock()
	if err := a.free_bit(ctx, BMAP, b); err != nil {
		return err
	}
	if b < a.b_search {
		a.b_search = b
	}
	return nil
}

func (a *Bitmap) AllocInode(ctx context.Context, dir bool) (uint32, error) {
	a.lock.Lock(ctx)
	defer a.lock.Unlock()

	origin := a.i_search
	if origin < a.sb.FirstIno {
		origin = a.sb.FirstIno
	}
	ino, err := a.alloc_bit(ctx, IMAP, origin)
	if err != nil {
		a.log.WithField("free", a.sb.FreeInodesCount).WithError(err).Warn("out of inodes")
		return 0, err
	}
	a.i_search = ino
	if dir {
		g := int((ino - 1) / a.sb.InodesPerGroup)
		a.groups[g].UsedDirsCount++
		if err := a.writeDesc(ctx, g); err != nil {
			return 0, err
		}
	}
	return ino, nil
}

func (a *Bitmap) FreeInode(ctx context.Context, ino uint32, dir bool) error {
	a.lock.Lock(ctx)
	defer a.lock.Unlock()
	if ino < a.sb.FirstIno {
		return fmt.Errorf("freeing reserved inode %d: %w", ino, common.EINVAL)
	}
	if err := a.free_bit(ctx, IMAP, ino); err != nil {
		return err
	}
	if dir {
		g := int((ino - 1) / a.sb.InodesPerGroup)
		if a.groups[g].UsedDirsCount > 0 {
			a.groups[g].UsedDirsCount--
		}
		if err := a.writeDesc(ctx, g); err != nil {
			return err
		}
	}
	if ino < a.i_search {
		a.i_search = ino
	}
	return nil
}
