// Package mkfs creates an empty ext2 filesystem (revision 1, sparse
// superblocks, directory file types) with a root directory owned by the
// superuser.
package mkfs

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jnwhiteh/extfs/common"
)

const (
	MinBlockSize = 1024
	MaxBlockSize = 32768 // rec_len of a whole-block dirent must fit 16 bits
	DefaultRatio = 4096  // bytes of space per inode

	// group descriptors count free blocks and inodes in 16 bits
	maxGroupCount = 65528
)

type Options struct {
	BlockSize      int    // zero means 1024
	BlocksPerGroup uint32 // zero means 8 * BlockSize, the most one bitmap block can map
	InodesPerGroup uint32 // zero derives the count from InodeRatio
	InodeRatio     int    // zero means DefaultRatio
	VolumeName     string
	Now            time.Time // zero means time.Now()
}

// Format writes a new filesystem to dev and returns its superblock and group
// descriptors.
func Format(ctx context.Context, dev common.BlockDevice, opts Options) (*common.Superblock, []common.GroupDesc, error) {
	l, err := plan(dev.Capacity(), opts)
	if err != nil {
		return nil, nil, err
	}
	w := &writer{dev: dev, bs: l.bs, spb: l.bs / common.SectorSize}
	if err := l.write(ctx, w); err != nil {
		return nil, nil, err
	}
	return &l.sb, l.groups, nil
}

type layout struct {
	bs        int
	sb        common.Superblock
	groups    []common.GroupDesc
	gdtBlocks uint32
	itBlocks  uint32
	rootBlock uint32
	now       time.Time
}

func plan(sectors uint64, opts Options) (*layout, error) {
	bs := opts.BlockSize
	if bs == 0 {
		bs = MinBlockSize
	}
	if bs < MinBlockSize || bs > MaxBlockSize || bs&(bs-1) != 0 {
		return nil, fmt.Errorf("block size %d: %w", bs, common.EINVAL)
	}
	logBS := uint32(0)
	for 1024<<logBS < bs {
		logBS++
	}

	total64 := sectors / uint64(bs/common.SectorSize)
	if total64 > 1<<32-1 {
		total64 = 1<<32 - 1
	}
	total := uint32(total64)

	bpg := opts.BlocksPerGroup
	if bpg == 0 {
		bpg = uint32(8 * bs)
		if bpg > maxGroupCount {
			bpg = maxGroupCount
		}
	}
	if bpg > uint32(8*bs) || bpg > maxGroupCount || bpg%8 != 0 || bpg < 64 {
		return nil, fmt.Errorf("blocks per group %d: %w", bpg, common.EINVAL)
	}

	firstData := uint32(0)
	if bs == 1024 {
		firstData = 1
	}
	if total <= firstData {
		return nil, fmt.Errorf("device of %d blocks is too small: %w", total, common.ENOSPC)
	}
	ngroups := (total - firstData + bpg - 1) / bpg

	ipb := uint32(bs / common.InodeSize)
	align := ipb
	if align < 8 {
		align = 8
	}
	ipg := opts.InodesPerGroup
	if ipg == 0 {
		ratio := opts.InodeRatio
		if ratio <= 0 {
			ratio = DefaultRatio
		}
		inodes := uint64(total) * uint64(bs) / uint64(ratio)
		ipg = uint32(inodes / uint64(ngroups))
	}
	if ipg < 16 {
		ipg = 16
	}
	ipg = (ipg + align - 1) / align * align
	if ipg > uint32(8*bs) {
		ipg = uint32(8 * bs)
	}
	if ipg > maxGroupCount {
		ipg = maxGroupCount / align * align
	}

	l := &layout{
		bs:        bs,
		gdtBlocks: (ngroups*common.GroupDescSize + uint32(bs) - 1) / uint32(bs),
		itBlocks:  ipg / ipb,
		now:       opts.Now,
	}
	if l.now.IsZero() {
		l.now = time.Now()
	}

	// A trailing group too small for its own metadata is dropped.
	last := total - firstData - (ngroups-1)*bpg
	if last < l.overhead(ngroups-1)+1 {
		ngroups--
		total = firstData + ngroups*bpg
		l.gdtBlocks = (ngroups*common.GroupDescSize + uint32(bs) - 1) / uint32(bs)
	}
	if ngroups == 0 || bpg < l.overhead(0)+1 {
		return nil, fmt.Errorf("device of %d blocks is too small: %w", total, common.ENOSPC)
	}

	l.sb = common.Superblock{
		InodesCount:     ngroups * ipg,
		BlocksCount:     total,
		FirstDataBlock:  firstData,
		LogBlockSize:    logBS,
		BlocksPerGroup:  bpg,
		InodesPerGroup:  ipg,
		WTime:           uint32(l.now.Unix()),
		MaxMntCount:     0xFFFF,
		State:           common.StateClean,
		Errors:          1,
		RevLevel:        common.RevDynamic,
		FirstIno:        common.FirstIno,
		InodeSize:       common.InodeSize,
		FeatureIncompat: common.FeatureIncompatFiletype,
		FeatureROCompat: common.FeatureROCompatSparse,
		VolumeName:      opts.VolumeName,
	}

	l.groups = make([]common.GroupDesc, ngroups)
	for g := range l.groups {
		start := l.groupStart(g)
		pos := start
		if HasSuper(g) {
			pos += 1 + l.gdtBlocks
		}
		gd := &l.groups[g]
		gd.BlockBitmap = pos
		gd.InodeBitmap = pos + 1
		gd.InodeTable = pos + 2
		used := pos + 2 + l.itBlocks - start
		gd.FreeBlocksCount = uint16(l.blocksIn(g) - used)
		gd.FreeInodesCount = uint16(ipg)
	}

	// root directory: one data block and the reserved inodes
	l.rootBlock = l.groups[0].InodeTable + l.itBlocks
	l.groups[0].FreeBlocksCount--
	l.groups[0].FreeInodesCount -= uint16(common.FirstIno - 1)
	l.groups[0].UsedDirsCount = 1

	for _, gd := range l.groups {
		l.sb.FreeBlocksCount += uint32(gd.FreeBlocksCount)
		l.sb.FreeInodesCount += uint32(gd.FreeInodesCount)
	}
	return l, nil
}

// HasSuper reports whether group g carries a superblock copy: groups 0 and 1
// and the powers of 3, 5 and 7.
func HasSuper(g int) bool {
	if g <= 1 {
		return true
	}
	for _, base := range []int{3, 5, 7} {
		n := base
		for n < g {
			n *= base
		}
		if n == g {
			return true
		}
	}
	return false
}

func (l *layout) groupStart(g int) uint32 {
	return l.sb.FirstDataBlock + uint32(g)*l.sb.BlocksPerGroup
}

func (l *layout) blocksIn(g int) uint32 {
	n := l.sb.BlocksCount - l.groupStart(g)
	if n > l.sb.BlocksPerGroup {
		n = l.sb.BlocksPerGroup
	}
	return n
}

func (l *layout) overhead(g uint32) uint32 {
	n := 2 + l.itBlocks
	if HasSuper(int(g)) {
		n += 1 + l.gdtBlocks
	}
	return n
}

type writer struct {
	dev common.BlockDevice
	bs  int
	spb int
}

func (w *writer) block(ctx context.Context, n uint32, buf []byte) error {
	if err := w.dev.WriteSectors(ctx, buf, uint64(n)*uint64(w.spb), w.spb); err != nil {
		return fmt.Errorf("writing block %d: %w", n, err)
	}
	return nil
}

func (l *layout) write(ctx context.Context, w *writer) error {
	bs := l.bs

	// group descriptor table
	gdt := make([]byte, int(l.gdtBlocks)*bs)
	for g := range l.groups {
		l.groups[g].Encode(gdt[g*common.GroupDescSize:])
	}

	for g := range l.groups {
		start := l.groupStart(g)
		gd := l.groups[g]

		if HasSuper(g) {
			sb := l.sb
			sb.BlockGroupNr = uint16(g)
			buf := make([]byte, bs)
			// the primary superblock always sits at byte 1024
			off := 0
			if g == 0 && bs > common.SuperblockOffset {
				off = common.SuperblockOffset
			}
			sb.Encode(buf[off:])
			if err := w.block(ctx, start, buf); err != nil {
				return err
			}
			for i := uint32(0); i < l.gdtBlocks; i++ {
				if err := w.block(ctx, start+1+i, gdt[int(i)*bs:int(i+1)*bs]); err != nil {
					return err
				}
			}
		}
		if g == 0 && l.sb.FirstDataBlock == 1 {
			if err := w.block(ctx, 0, make([]byte, bs)); err != nil { // boot block
				return err
			}
		}

		// block bitmap: metadata in use, padding past the group end set
		bmap := make([]byte, bs)
		used := gd.InodeTable + l.itBlocks - start
		if g == 0 {
			used++ // root directory block
		}
		setBits(bmap, 0, used)
		setBits(bmap, l.blocksIn(g), uint32(8*bs))
		if err := w.block(ctx, gd.BlockBitmap, bmap); err != nil {
			return err
		}

		imap := make([]byte, bs)
		if g == 0 {
			setBits(imap, 0, common.FirstIno-1)
		}
		setBits(imap, l.sb.InodesPerGroup, uint32(8*bs))
		if err := w.block(ctx, gd.InodeBitmap, imap); err != nil {
			return err
		}

		zero := make([]byte, bs)
		for i := uint32(0); i < l.itBlocks; i++ {
			buf := zero
			if g == 0 && i == 0 {
				buf = make([]byte, bs)
				l.encodeRoot(buf[(common.RootIno-1)*common.InodeSize:])
			}
			if err := w.block(ctx, gd.InodeTable+i, buf); err != nil {
				return err
			}
		}
	}

	dir := make([]byte, bs)
	common.EncodeDirent(dir, common.DirEntry{Ino: common.RootIno, RecLen: 12, FileType: common.FT_DIR, Name: "."})
	common.EncodeDirent(dir[12:], common.DirEntry{Ino: common.RootIno, RecLen: uint16(bs - 12), FileType: common.FT_DIR, Name: ".."})
	return w.block(ctx, l.rootBlock, dir)
}

func (l *layout) encodeRoot(b []byte) {
	le := binary.LittleEndian
	now := uint32(l.now.Unix())
	le.PutUint16(b[common.InoMode:], common.S_IFDIR|0755)
	le.PutUint32(b[common.InoSize:], uint32(l.bs))
	le.PutUint32(b[common.InoATime:], now)
	le.PutUint32(b[common.InoCTime:], now)
	le.PutUint32(b[common.InoMTime:], now)
	le.PutUint16(b[common.InoLinks:], 2)
	le.PutUint32(b[common.InoBlocks:], uint32(l.bs/common.SectorSize))
	le.PutUint32(b[common.InoBlock:], l.rootBlock)
}

func setBits(b []byte, from, to uint32) {
	for bit := from; bit < to; bit++ {
		b[bit/8] |= 1 << (bit % 8)
	}
}
