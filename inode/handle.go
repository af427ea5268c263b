package inode

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/jnwhiteh/extfs/bcache"
	"github.com/jnwhiteh/extfs/common"
	"github.com/jnwhiteh/extfs/sched"
)

var le = binary.LittleEndian

// Handle is a live reference to an on-disk inode. Getters decode straight
// from the cached block; setters encode into it and mark it dirty.
type Handle struct {
	ino   uint32
	c     *Cache
	entry *bcache.Entry
	off   int
	refs  int // guarded by c.mu

	// lock serializes changes to the inode and the data it maps.
	lock sched.Mutex
}

func (h *Handle) Ino() uint32 { return h.ino }

func (h *Handle) Lock(ctx context.Context) { h.lock.Lock(ctx) }
func (h *Handle) Unlock()                  { h.lock.Unlock() }

func (h *Handle) raw() []byte {
	return h.entry.Data()[h.off : h.off+common.InodeSize]
}

func (h *Handle) dirty() {
	h.c.bc.MarkDirty(h.entry)
}

func (h *Handle) u16(off int) uint16 { return le.Uint16(h.raw()[off:]) }
func (h *Handle) u32(off int) uint32 { return le.Uint32(h.raw()[off:]) }

func (h *Handle) put16(off int, v uint16) {
	le.PutUint16(h.raw()[off:], v)
	h.dirty()
}

func (h *Handle) put32(off int, v uint32) {
	le.PutUint32(h.raw()[off:], v)
	h.dirty()
}

func (h *Handle) Mode() uint16          { return h.u16(common.InoMode) }
func (h *Handle) SetMode(m uint16)      { h.put16(common.InoMode, m) }
func (h *Handle) Type() uint16          { return h.Mode() & common.S_IFMT }
func (h *Handle) IsDir() bool           { return h.Type() == common.S_IFDIR }
func (h *Handle) IsRegular() bool       { return h.Type() == common.S_IFREG }
func (h *Handle) IsSymlink() bool       { return h.Type() == common.S_IFLNK }
func (h *Handle) Links() uint16         { return h.u16(common.InoLinks) }
func (h *Handle) SetLinks(n uint16)     { h.put16(common.InoLinks, n) }
func (h *Handle) Blocks512() uint32     { return h.u32(common.InoBlocks) }
func (h *Handle) SetBlocks512(n uint32) { h.put32(common.InoBlocks, n) }
func (h *Handle) Flags() uint32         { return h.u32(common.InoFlags) }

func (h *Handle) UID() uint32 {
	return uint32(h.u16(common.InoUID)) | uint32(h.u16(common.InoUIDHigh))<<16
}

func (h *Handle) SetUID(uid uint32) {
	le.PutUint16(h.raw()[common.InoUID:], uint16(uid))
	h.put16(common.InoUIDHigh, uint16(uid>>16))
}

func (h *Handle) GID() uint32 {
	return uint32(h.u16(common.InoGID)) | uint32(h.u16(common.InoGIDHigh))<<16
}

func (h *Handle) SetGID(gid uint32) {
	le.PutUint16(h.raw()[common.InoGID:], uint16(gid))
	h.put16(common.InoGIDHigh, uint16(gid>>16))
}

// Size is the file size. The high word is only meaningful for regular files;
// for directories the same field holds the directory ACL.
func (h *Handle) Size() uint64 {
	size := uint64(h.u32(common.InoSize))
	if h.IsRegular() {
		size |= uint64(h.u32(common.InoSizeHigh)) << 32
	}
	return size
}

func (h *Handle) SetSize(size uint64) {
	le.PutUint32(h.raw()[common.InoSize:], uint32(size))
	if h.IsRegular() {
		le.PutUint32(h.raw()[common.InoSizeHigh:], uint32(size>>32))
	}
	h.dirty()
}

func (h *Handle) ATime() time.Time { return time.Unix(int64(h.u32(common.InoATime)), 0) }
func (h *Handle) MTime() time.Time { return time.Unix(int64(h.u32(common.InoMTime)), 0) }
func (h *Handle) CTime() time.Time { return time.Unix(int64(h.u32(common.InoCTime)), 0) }
func (h *Handle) DTime() time.Time { return time.Unix(int64(h.u32(common.InoDTime)), 0) }

func (h *Handle) SetATime(t time.Time) { h.put32(common.InoATime, uint32(t.Unix())) }
func (h *Handle) SetMTime(t time.Time) { h.put32(common.InoMTime, uint32(t.Unix())) }
func (h *Handle) SetCTime(t time.Time) { h.put32(common.InoCTime, uint32(t.Unix())) }
func (h *Handle) SetDTime(t time.Time) { h.put32(common.InoDTime, uint32(t.Unix())) }

// Block returns block pointer i (0..14).
func (h *Handle) Block(i int) uint32 {
	return h.u32(common.InoBlock + 4*i)
}

func (h *Handle) SetBlock(i int, b uint32) {
	h.put32(common.InoBlock+4*i, b)
}

// Inline returns the 60 bytes of the block pointer array, which hold the
// target of a fast symlink.
func (h *Handle) Inline() []byte {
	return h.raw()[common.InoBlock : common.InoBlock+4*common.NBlockPtrs]
}

// SetInline stores data in the block pointer array.
func (h *Handle) SetInline(data []byte) {
	area := h.Inline()
	for i := range area {
		area[i] = 0
	}
	copy(area, data)
	h.dirty()
}

// Init overwrites the inode with a fresh one of the given mode and owner.
func (h *Handle) Init(mode uint16, uid, gid uint32, now time.Time) {
	raw := h.raw()
	for i := range raw {
		raw[i] = 0
	}
	le.PutUint16(raw[common.InoMode:], mode)
	le.PutUint32(raw[common.InoATime:], uint32(now.Unix()))
	le.PutUint32(raw[common.InoCTime:], uint32(now.Unix()))
	le.PutUint32(raw[common.InoMTime:], uint32(now.Unix()))
	h.SetUID(uid)
	h.SetGID(gid)
}

// Info describes the inode.
func (h *Handle) Info() common.FileInfo {
	return common.FileInfo{
		Ino:       h.ino,
		Mode:      h.Mode(),
		UID:       h.UID(),
		GID:       h.GID(),
		Size:      h.Size(),
		Links:     h.Links(),
		Blocks:    h.Blocks512(),
		BlockSize: uint32(h.c.bc.BlockSize()),
		ATime:     h.ATime(),
		MTime:     h.MTime(),
		CTime:     h.CTime(),
	}
}

// Permits reports whether uid/gid may access the inode with the requested
// rwx bits (R_BIT, W_BIT, X_BIT). The superuser may do anything except
// execute files that have no execute bit at all.
func (h *Handle) Permits(uid, gid uint32, want uint16) bool {
	mode := h.Mode()
	if uid == 0 {
		if want&common.X_BIT != 0 && !h.IsDir() && mode&0111 == 0 {
			return false
		}
		return true
	}
	var bits uint16
	switch {
	case uid == h.UID():
		bits = (mode >> 6) & 7
	case gid == h.GID():
		bits = (mode >> 3) & 7
	default:
		bits = mode & 7
	}
	return bits&want == want
}
