package file

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jnwhiteh/extfs/bcache"
	"github.com/jnwhiteh/extfs/common"
	"github.com/jnwhiteh/extfs/inode"
	"github.com/jnwhiteh/extfs/sched"
)

// MapForWrite is Map for a block about to be written: missing data and
// indirect blocks along the way are allocated. fresh reports that the data
// block was just allocated, so its old contents are meaningless.
func (m *Mapper) MapForWrite(ctx context.Context, h *inode.Handle, off uint64, alloc common.Allocator) (b uint32, fresh bool, err error) {
	lb := off / m.bs
	w, err := m.locate(lb)
	if err != nil {
		return 0, false, err
	}

	if w.depth == 0 {
		if b = h.Block(w.slot); b != 0 {
			return b, false, m.check(b)
		}
		hint := uint32(0)
		if w.slot > 0 && h.Block(w.slot-1) != 0 {
			hint = h.Block(w.slot-1) + 1
		}
		if b, err = m.newBlock(ctx, h, alloc, hint, false); err != nil {
			return 0, false, err
		}
		h.SetBlock(w.slot, b)
		return b, true, nil
	}

	ind := h.Block(w.slot)
	if ind == 0 {
		if ind, err = m.newBlock(ctx, h, alloc, h.Block(common.NDirect-1), true); err != nil {
			return 0, false, err
		}
		h.SetBlock(w.slot, ind)
	} else if err := m.check(ind); err != nil {
		return 0, false, err
	}

	for level := 0; level < w.depth; level++ {
		last := level == w.depth-1
		e, err := m.bc.Request(ctx, ind)
		if err != nil {
			return 0, false, err
		}
		slot := e.Data()[4*w.idx[level]:]
		ptr := binary.LittleEndian.Uint32(slot)
		if ptr != 0 {
			m.bc.Release(e)
			if err := m.check(ptr); err != nil {
				return 0, false, err
			}
			if last {
				return ptr, false, nil
			}
			ind = ptr
			continue
		}

		ptr, err = m.newBlock(ctx, h, alloc, ind+1, !last)
		if err != nil {
			m.bc.Release(e)
			return 0, false, err
		}
		binary.LittleEndian.PutUint32(slot, ptr)
		m.bc.MarkDirty(e)
		m.bc.Release(e)
		if last {
			return ptr, true, nil
		}
		ind = ptr
	}
	panic("unreachable")
}

// newBlock allocates a block for h. Indirect blocks are zeroed in the cache;
// data blocks are left to the caller, which must go through Create so that a
// stale cached copy of a previously freed block is never reused.
func (m *Mapper) newBlock(ctx context.Context, h *inode.Handle, alloc common.Allocator, hint uint32, zero bool) (uint32, error) {
	b, err := alloc.AllocBlock(ctx, hint)
	if err != nil {
		return 0, fmt.Errorf("inode %d: %w", h.Ino(), err)
	}
	if zero {
		e, err := m.bc.Create(ctx, b)
		if err != nil {
			if ferr := alloc.FreeBlock(ctx, b); ferr != nil {
				m.log.WithError(ferr).WithField("block", b).Warn("cannot free block after failed allocation")
			}
			return 0, err
		}
		m.bc.MarkDirty(e)
		m.bc.Release(e)
	}
	h.SetBlocks512(h.Blocks512() + uint32(m.bs/common.SectorSize))
	return b, nil
}

func (m *Mapper) freeBlock(ctx context.Context, h *inode.Handle, alloc common.Allocator, b uint32) error {
	if err := alloc.FreeBlock(ctx, b); err != nil {
		return err
	}
	per := uint32(m.bs / common.SectorSize)
	if n := h.Blocks512(); n >= per {
		h.SetBlocks512(n - per)
	}
	return nil
}

// Write copies data into h at off, a block at a time, allocating blocks as
// needed. On error the bytes already written stay written and their count is
// returned with the error.
func (m *Mapper) Write(ctx context.Context, h *inode.Handle, data []byte, off uint64, alloc common.Allocator) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	size := h.Size()
	if off > size {
		if err := m.clearTail(ctx, h, size); err != nil {
			return 0, err
		}
	}

	written := 0
	var err error
	for written < len(data) {
		pos := off + uint64(written)
		if pos >= m.MaxSize() {
			err = fmt.Errorf("inode %d offset %d: %w", h.Ino(), pos, common.EFBIG)
			break
		}
		boff := pos % m.bs
		chunk := int(m.bs - boff)
		if chunk > len(data)-written {
			chunk = len(data) - written
		}

		var b uint32
		var fresh bool
		if b, fresh, err = m.MapForWrite(ctx, h, pos, alloc); err != nil {
			break
		}
		var e *bcache.Entry
		if fresh || uint64(chunk) == m.bs {
			e, err = m.bc.Create(ctx, b)
		} else {
			e, err = m.bc.Request(ctx, b)
		}
		if err != nil {
			break
		}
		copy(e.Data()[boff:], data[written:written+chunk])
		m.bc.MarkDirty(e)
		m.bc.Release(e)
		written += chunk
		sched.Checkpoint(ctx)
	}

	if end := off + uint64(written); end > size {
		h.SetSize(end)
	}
	if written > 0 {
		now := time.Now()
		h.SetMTime(now)
		h.SetCTime(now)
	}
	return written, err
}

// clearTail zeroes the bytes past size in the block holding size, so that
// growing the file later exposes zeros rather than stale data.
func (m *Mapper) clearTail(ctx context.Context, h *inode.Handle, size uint64) error {
	if size%m.bs == 0 || (h.IsSymlink() && h.Blocks512() == 0) {
		return nil
	}
	b, err := m.Map(ctx, h, size)
	if err != nil || b == 0 {
		return err
	}
	e, err := m.bc.Request(ctx, b)
	if err != nil {
		return err
	}
	tail := e.Data()[size%m.bs:]
	for i := range tail {
		tail[i] = 0
	}
	m.bc.MarkDirty(e)
	m.bc.Release(e)
	return nil
}
