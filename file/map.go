// Package file maps byte offsets of an inode onto device blocks and moves
// file data through the block cache.
//
// Logical blocks 0-11 are mapped by the inode's direct pointers, the next
// bs/4 by the single-indirect block and the next (bs/4)^2 by the
// double-indirect block. Triple indirection is not supported.
package file

import (
	"context"
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/jnwhiteh/extfs/bcache"
	"github.com/jnwhiteh/extfs/common"
	"github.com/jnwhiteh/extfs/inode"
)

// Mapper performs the block mapping for every inode of one filesystem.
type Mapper struct {
	bc     *bcache.Cache
	bs     uint64
	ptrs   uint64 // block pointers per indirect block
	blocks uint32 // device size in blocks, for pointer sanity checks
	log    *log.Entry
}

func NewMapper(bc *bcache.Cache, blocks uint32, logger *log.Entry) *Mapper {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	bs := uint64(bc.BlockSize())
	return &Mapper{
		bc:     bc,
		bs:     bs,
		ptrs:   bs / 4,
		blocks: blocks,
		log:    logger.WithField("component", "file"),
	}
}

// MaxSize is the largest file size the mapping can express.
func (m *Mapper) MaxSize() uint64 {
	return (common.NDirect + m.ptrs + m.ptrs*m.ptrs) * m.bs
}

// where locates logical block lb: the pointer path from the inode down to
// the data block. depth is 0 for direct, 1 for single and 2 for double
// indirection.
type where struct {
	depth int
	slot  int    // inode block array slot
	idx   [2]int // index within each level of indirect block
}

func (m *Mapper) locate(lb uint64) (where, error) {
	if lb < common.NDirect {
		return where{depth: 0, slot: int(lb)}, nil
	}
	lb -= common.NDirect
	if lb < m.ptrs {
		return where{depth: 1, slot: common.IndBlock, idx: [2]int{int(lb)}}, nil
	}
	lb -= m.ptrs
	if lb < m.ptrs*m.ptrs {
		return where{depth: 2, slot: common.DIndBlock, idx: [2]int{int(lb / m.ptrs), int(lb % m.ptrs)}}, nil
	}
	return where{}, fmt.Errorf("logical block beyond double indirection: %w", common.EFBIG)
}

// Map returns the device block holding byte off of h, or 0 for a hole.
func (m *Mapper) Map(ctx context.Context, h *inode.Handle, off uint64) (uint32, error) {
	w, err := m.locate(off / m.bs)
	if err != nil {
		return 0, err
	}
	b := h.Block(w.slot)
	for level := 0; level < w.depth && b != 0; level++ {
		if b, err = m.rdIndir(ctx, b, w.idx[level]); err != nil {
			return 0, err
		}
	}
	if err := m.check(b); err != nil {
		return 0, fmt.Errorf("inode %d offset %d: %w", h.Ino(), off, err)
	}
	return b, nil
}

func (m *Mapper) check(b uint32) error {
	if m.blocks != 0 && b >= m.blocks {
		m.log.WithField("block", b).Error("illegal block number in file map")
		return fmt.Errorf("illegal block number %d: %w", b, common.EIO)
	}
	return nil
}

// rdIndir reads entry index of indirect block b.
func (m *Mapper) rdIndir(ctx context.Context, b uint32, index int) (uint32, error) {
	if err := m.check(b); err != nil {
		return 0, err
	}
	e, err := m.bc.Request(ctx, b)
	if err != nil {
		return 0, err
	}
	defer m.bc.Release(e)
	return binary.LittleEndian.Uint32(e.Data()[4*index:]), nil
}
