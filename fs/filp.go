package fs

import (
	"sync"

	"github.com/jnwhiteh/extfs/inode"
)

// A filp is an open inode. The handle stays pinned in the inode cache until
// the last close, so an unlinked but open file keeps its data until then.
type filp struct {
	count  int
	handle *inode.Handle
}

// openTable maps inode numbers to their open instances.
type openTable struct {
	mu    sync.Mutex
	files map[uint32]*filp
}

func newOpenTable() *openTable {
	return &openTable{files: make(map[uint32]*filp)}
}

// add records another open of h. The table takes over the caller's
// reference unless the inode was already open, in which case the extra
// reference is returned for the caller to put.
func (t *openTable) add(h *inode.Handle) (extra *inode.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fp, ok := t.files[h.Ino()]; ok {
		fp.count++
		return h
	}
	t.files[h.Ino()] = &filp{count: 1, handle: h}
	return nil
}

// remove drops one open of ino. It returns the handle once the last open is
// gone, and ok is false if ino was not open.
func (t *openTable) remove(ino uint32) (last *inode.Handle, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fp, ok := t.files[ino]
	if !ok {
		return nil, false
	}
	if fp.count--; fp.count == 0 {
		delete(t.files, ino)
		return fp.handle, true
	}
	return nil, true
}

func (t *openTable) isOpen(ino uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.files[ino]
	return ok
}

func (t *openTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files)
}

// drain empties the table and returns the handles it held.
func (t *openTable) drain() []*inode.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	var hs []*inode.Handle
	for ino, fp := range t.files {
		hs = append(hs, fp.handle)
		delete(t.files, ino)
	}
	return hs
}
