package lookup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jnwhiteh/extfs/bcache"
	"github.com/jnwhiteh/extfs/common"
	"github.com/jnwhiteh/extfs/inode"
	"github.com/jnwhiteh/extfs/sched"
)

type dirop int

const (
	opLookup  dirop = iota // find name
	opDelete               // remove name
	opIsEmpty              // only . and .. present
	opRepoint              // point name at another inode
)

// slot is a position inside a cached directory block.
type slot struct {
	e    *bcache.Entry
	off  int
	prev int // offset of the preceding entry in the block, -1 at the start
}

// scan calls fn for every record of directory h, tombstones included, until
// fn returns true. The entry in s stays pinned only for the duration of fn.
func (r *Resolver) scan(ctx context.Context, h *inode.Handle, fn func(de common.DirEntry, s slot) bool) error {
	nblocks := (h.Size() + r.bs - 1) / r.bs
	if max := uint64(common.NDirect) + r.bs/4; nblocks > max {
		return fmt.Errorf("directory %d has %d blocks: %w", h.Ino(), nblocks, common.EDIRTOOBIG)
	}
	for lb := uint64(0); lb < nblocks; lb++ {
		b, err := r.m.Map(ctx, h, lb*r.bs)
		if err != nil {
			return err
		}
		if b == 0 {
			continue
		}
		e, err := r.bc.Request(ctx, b)
		if err != nil {
			return err
		}
		data := e.Data()
		prev := -1
		for off := 0; off < len(data); {
			de, err := common.DecodeDirent(data[off:])
			if err != nil {
				r.bc.Release(e)
				r.log.WithField("ino", h.Ino()).WithField("block", b).WithError(err).Error("bad directory block")
				return fmt.Errorf("directory %d block %d offset %d: %w", h.Ino(), b, off, err)
			}
			if fn(de, slot{e: e, off: off, prev: prev}) {
				r.bc.Release(e)
				return nil
			}
			prev = off
			off += int(de.RecLen)
		}
		r.bc.Release(e)
		sched.Checkpoint(ctx)
	}
	return nil
}

// dir fetches ino and checks that it is a directory.
func (r *Resolver) dir(ctx context.Context, ino uint32) (*inode.Handle, error) {
	h, err := r.ic.Get(ctx, ino)
	if err != nil {
		return nil, err
	}
	if !h.IsDir() {
		r.ic.Put(h)
		return nil, fmt.Errorf("inode %d: %w", ino, common.ENOTDIR)
	}
	return h, nil
}

// Find returns the inode number stored under name in directory dir.
func (r *Resolver) Find(ctx context.Context, dir uint32, name string) (uint32, error) {
	h, err := r.dir(ctx, dir)
	if err != nil {
		return 0, err
	}
	defer r.ic.Put(h)
	var ino uint32
	err = r.searchDir(ctx, h, name, &ino, opLookup)
	return ino, err
}

// ReadDir lists the live entries of directory dir in on-disk order.
func (r *Resolver) ReadDir(ctx context.Context, dir uint32) ([]common.DirEntry, error) {
	h, err := r.dir(ctx, dir)
	if err != nil {
		return nil, err
	}
	defer r.ic.Put(h)
	var out []common.DirEntry
	err = r.scan(ctx, h, func(de common.DirEntry, _ slot) bool {
		if de.Ino != 0 {
			out = append(out, de)
		}
		return false
	})
	return out, err
}

// Link enters name for inode ino into directory dir. Blocks the directory
// needs to grow are taken from alloc.
func (r *Resolver) Link(ctx context.Context, dir uint32, name string, ino uint32, ftype uint8, alloc common.Allocator) error {
	if name == "" {
		return fmt.Errorf("empty name: %w", common.EINVAL)
	}
	if err := r.checkName(name); err != nil {
		return err
	}
	h, err := r.dir(ctx, dir)
	if err != nil {
		return err
	}
	defer r.ic.Put(h)
	var found uint32
	if err := r.searchDir(ctx, h, name, &found, opLookup); err == nil {
		return fmt.Errorf("%q in directory %d: %w", name, dir, common.EEXIST)
	} else if !errors.Is(err, common.ENOENT) {
		return err
	}

	de := common.DirEntry{Ino: ino, FileType: ftype, Name: name}
	if err := r.enter(ctx, h, de, alloc); err != nil {
		return err
	}
	now := time.Now()
	h.SetMTime(now)
	h.SetCTime(now)
	return nil
}

// Unlink removes name from directory dir and returns the inode it named.
func (r *Resolver) Unlink(ctx context.Context, dir uint32, name string) (uint32, error) {
	if name == "." || name == ".." {
		return 0, fmt.Errorf("unlink %q: %w", name, common.EINVAL)
	}
	h, err := r.dir(ctx, dir)
	if err != nil {
		return 0, err
	}
	defer r.ic.Put(h)
	var ino uint32
	if err := r.searchDir(ctx, h, name, &ino, opDelete); err != nil {
		return 0, err
	}
	now := time.Now()
	h.SetMTime(now)
	h.SetCTime(now)
	return ino, nil
}

// IsEmpty reports whether directory dir holds nothing besides . and ..
func (r *Resolver) IsEmpty(ctx context.Context, dir uint32) (bool, error) {
	h, err := r.dir(ctx, dir)
	if err != nil {
		return false, err
	}
	defer r.ic.Put(h)
	err = r.searchDir(ctx, h, "", nil, opIsEmpty)
	if errors.Is(err, common.ENOTEMPTY) {
		return false, nil
	}
	return err == nil, err
}

// InitDir writes the first block of the new directory h, holding . and ..
func (r *Resolver) InitDir(ctx context.Context, h *inode.Handle, parent uint32, alloc common.Allocator) error {
	b, _, err := r.m.MapForWrite(ctx, h, 0, alloc)
	if err != nil {
		return err
	}
	e, err := r.bc.Create(ctx, b)
	if err != nil {
		return err
	}
	data := e.Data()
	for i := range data {
		data[i] = 0
	}
	dot := common.DirEntry{Ino: h.Ino(), RecLen: uint16(common.DirentLen(1)), FileType: common.FT_DIR, Name: "."}
	common.EncodeDirent(data, dot)
	common.EncodeDirent(data[dot.RecLen:], common.DirEntry{
		Ino:      parent,
		RecLen:   uint16(len(data) - int(dot.RecLen)),
		FileType: common.FT_DIR,
		Name:     "..",
	})
	r.bc.MarkDirty(e)
	r.bc.Release(e)
	h.SetSize(r.bs)
	return nil
}

// SetParent rewrites the .. entry of directory h.
func (r *Resolver) SetParent(ctx context.Context, h *inode.Handle, parent uint32) error {
	return r.searchDir(ctx, h, "..", &parent, opRepoint)
}

// searchDir performs op on the entry for name in one pass over directory h.
func (r *Resolver) searchDir(ctx context.Context, h *inode.Handle, name string, ino *uint32, op dirop) error {
	var result error
	matched := false
	err := r.scan(ctx, h, func(de common.DirEntry, s slot) bool {
		if de.Ino == 0 {
			return false
		}
		switch op {
		case opIsEmpty:
			if de.Name != "." && de.Name != ".." {
				result = common.ENOTEMPTY
				return true
			}
			return false
		case opLookup:
			if de.Name == name {
				*ino = de.Ino
				matched = true
				return true
			}
		case opDelete:
			if de.Name == name {
				*ino = de.Ino
				matched = true
				r.erase(s, de)
				return true
			}
		case opRepoint:
			if de.Name == name {
				de.Ino = *ino
				common.EncodeDirent(s.e.Data()[s.off:], de)
				r.bc.MarkDirty(s.e)
				matched = true
				return true
			}
		}
		return false
	})
	switch {
	case err != nil:
		return err
	case result != nil:
		return result
	case op == opIsEmpty:
		return nil
	case !matched:
		return fmt.Errorf("%q in directory %d: %w", name, h.Ino(), common.ENOENT)
	}
	return nil
}

// erase removes the record at s, folding its space into the preceding
// record or leaving a tombstone at the start of a block.
func (r *Resolver) erase(s slot, de common.DirEntry) {
	data := s.e.Data()
	if s.prev >= 0 {
		prev, _ := common.DecodeDirent(data[s.prev:])
		prev.RecLen += de.RecLen
		common.EncodeDirent(data[s.prev:], prev)
	} else {
		de.Ino = 0
		common.EncodeDirent(data[s.off:], de)
	}
	r.bc.MarkDirty(s.e)
}

// enter stores de in the first record with room for it, splitting a live
// record's slack if needed, or in a new block appended to the directory.
func (r *Resolver) enter(ctx context.Context, h *inode.Handle, de common.DirEntry, alloc common.Allocator) error {
	need := common.DirentLen(len(de.Name))
	done := false
	err := r.scan(ctx, h, func(cur common.DirEntry, s slot) bool {
		data := s.e.Data()
		if cur.Ino == 0 {
			if int(cur.RecLen) < need {
				return false
			}
			de.RecLen = cur.RecLen
			common.EncodeDirent(data[s.off:], de)
		} else {
			used := common.DirentLen(len(cur.Name))
			if int(cur.RecLen)-used < need {
				return false
			}
			de.RecLen = cur.RecLen - uint16(used)
			cur.RecLen = uint16(used)
			common.EncodeDirent(data[s.off:], cur)
			common.EncodeDirent(data[s.off+used:], de)
		}
		r.bc.MarkDirty(s.e)
		done = true
		return true
	})
	if err != nil || done {
		return err
	}

	size := h.Size()
	if (size+r.bs-1)/r.bs >= uint64(common.NDirect)+r.bs/4 {
		return fmt.Errorf("directory %d: %w", h.Ino(), common.EDIRTOOBIG)
	}
	size = (size + r.bs - 1) / r.bs * r.bs
	b, _, err := r.m.MapForWrite(ctx, h, size, alloc)
	if err != nil {
		return err
	}
	e, err := r.bc.Create(ctx, b)
	if err != nil {
		return err
	}
	data := e.Data()
	for i := range data {
		data[i] = 0
	}
	de.RecLen = uint16(len(data))
	common.EncodeDirent(data, de)
	r.bc.MarkDirty(e)
	r.bc.Release(e)
	h.SetSize(size + r.bs)
	return nil
}
