package file

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/jnwhiteh/extfs/common"
	"github.com/jnwhiteh/extfs/inode"
)

// Truncate sets the size of h. Shrinking frees the data and indirect blocks
// past the new end; growing leaves a hole.
func (m *Mapper) Truncate(ctx context.Context, h *inode.Handle, size uint64, alloc common.Allocator) error {
	old := h.Size()
	if size > m.MaxSize() {
		return common.EFBIG
	}
	defer func() {
		now := time.Now()
		h.SetMTime(now)
		h.SetCTime(now)
	}()

	if size >= old || (h.IsSymlink() && h.Blocks512() == 0) {
		if err := m.clearTail(ctx, h, old); err != nil {
			return err
		}
		h.SetSize(size)
		return nil
	}

	keep := (size + m.bs - 1) / m.bs // logical blocks that survive
	for i := keep; i < common.NDirect; i++ {
		if b := h.Block(int(i)); b != 0 {
			if err := m.freeBlock(ctx, h, alloc, b); err != nil {
				return err
			}
			h.SetBlock(int(i), 0)
		}
	}
	if err := m.truncIndir(ctx, h, common.IndBlock, 1, sub(keep, common.NDirect), alloc); err != nil {
		return err
	}
	if err := m.truncIndir(ctx, h, common.DIndBlock, 2, sub(keep, common.NDirect+m.ptrs), alloc); err != nil {
		return err
	}
	h.SetSize(size)
	return m.clearTail(ctx, h, size)
}

func sub(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return 0
}

// truncIndir frees what the indirect tree in block slot maps at or past
// logical index keep, and the tree root itself if nothing is left.
func (m *Mapper) truncIndir(ctx context.Context, h *inode.Handle, slot, depth int, keep uint64, alloc common.Allocator) error {
	root := h.Block(slot)
	if root == 0 {
		return nil
	}
	empty, err := m.truncTree(ctx, h, root, depth, keep, alloc)
	if err != nil || !empty {
		return err
	}
	if err := m.freeBlock(ctx, h, alloc, root); err != nil {
		return err
	}
	h.SetBlock(slot, 0)
	return nil
}

func (m *Mapper) truncTree(ctx context.Context, h *inode.Handle, b uint32, depth int, keep uint64, alloc common.Allocator) (bool, error) {
	if err := m.check(b); err != nil {
		return false, err
	}
	span := uint64(1) // logical blocks per entry
	if depth == 2 {
		span = m.ptrs
	}
	e, err := m.bc.Request(ctx, b)
	if err != nil {
		return false, err
	}
	defer m.bc.Release(e)

	data := e.Data()
	for i := uint64(0); i < m.ptrs; i++ {
		lo := i * span
		if lo+span <= keep {
			continue
		}
		ptr := binary.LittleEndian.Uint32(data[4*i:])
		if ptr == 0 {
			continue
		}
		if depth > 1 {
			empty, err := m.truncTree(ctx, h, ptr, depth-1, sub(keep, lo), alloc)
			if err != nil {
				return false, err
			}
			if !empty {
				continue
			}
		}
		if err := m.freeBlock(ctx, h, alloc, ptr); err != nil {
			return false, err
		}
		binary.LittleEndian.PutUint32(data[4*i:], 0)
		m.bc.MarkDirty(e)
	}
	return keep == 0, nil
}
