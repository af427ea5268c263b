package fs

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jnwhiteh/extfs/common"
	"github.com/jnwhiteh/extfs/inode"
)

// live rejects a handle on an inode that is not allocated. Callers that take
// an inode number from a client must check it under h.Lock.
func live(h *inode.Handle) error {
	if h.Mode() == 0 {
		return fmt.Errorf("inode %d is free: %w", h.Ino(), common.ENOENT)
	}
	return nil
}

// access checks that who may use h in the way given by the rwx bits.
func (srv *Server) access(who caller, h *inode.Handle, want uint16) error {
	if !h.Permits(who.uid, who.gid, want) {
		return fmt.Errorf("inode %d: %w", h.Ino(), common.EACCES)
	}
	return nil
}

// parent resolves the directory that will hold the last component of path
// and checks that who may change it.
func (srv *Server) parent(ctx context.Context, who caller, path string) (*inode.Handle, string, error) {
	dir, name, err := srv.r.ResolveParent(ctx, path)
	if err != nil {
		return nil, "", err
	}
	dirp, err := srv.ic.Get(ctx, dir)
	if err != nil {
		return nil, "", err
	}
	if err := srv.access(who, dirp, common.W_BIT|common.X_BIT); err != nil {
		srv.ic.Put(dirp)
		return nil, "", err
	}
	return dirp, name, nil
}

// new_node allocates an inode of the given mode, owned by who, and enters it
// into dirp under name. Directories also get their first block.
func (srv *Server) new_node(ctx context.Context, who caller, dirp *inode.Handle, name string, mode uint16) (*inode.Handle, error) {
	if _, err := srv.r.Find(ctx, dirp.Ino(), name); err == nil {
		return nil, fmt.Errorf("%q: %w", name, common.EEXIST)
	}
	isDir := mode&common.S_IFMT == common.S_IFDIR
	if isDir && dirp.Links() >= math.MaxUint16 {
		return nil, fmt.Errorf("directory %d has too many links: %w", dirp.Ino(), common.ENOSPC)
	}

	ino, err := srv.alloc.AllocInode(ctx, isDir)
	if err != nil {
		return nil, err
	}
	rip, err := srv.ic.Get(ctx, ino)
	if err != nil {
		srv.freeInode(ctx, ino, isDir)
		return nil, err
	}
	rip.Init(mode, who.uid, who.gid, time.Now())
	rip.SetLinks(1)

	undo := func(err error) (*inode.Handle, error) {
		rip.Lock(ctx)
		if terr := srv.m.Truncate(ctx, rip, 0, srv.alloc); terr != nil {
			srv.log.WithError(terr).WithField("inode", ino).Warn("cannot release blocks of abandoned inode")
		}
		rip.SetLinks(0)
		rip.SetDTime(time.Now())
		rip.SetMode(0)
		rip.Unlock()
		srv.ic.Put(rip)
		srv.freeInode(ctx, ino, isDir)
		return nil, err
	}

	if isDir {
		rip.SetLinks(2) // . and the entry in the parent
		if err := srv.r.InitDir(ctx, rip, dirp.Ino(), srv.alloc); err != nil {
			return undo(err)
		}
	}
	if err := srv.r.Link(ctx, dirp.Ino(), name, ino, common.FileTypeOf(mode), srv.alloc); err != nil {
		return undo(err)
	}
	if isDir {
		dirp.SetLinks(dirp.Links() + 1) // ..
	}
	return rip, nil
}

// drop gives back a handle whose link count may have reached zero. An
// unlinked inode is freed with its blocks once nothing has it open.
func (srv *Server) drop(ctx context.Context, h *inode.Handle) error {
	defer srv.ic.Put(h)
	if h.Links() > 0 || srv.files.isOpen(h.Ino()) {
		return nil
	}
	h.Lock(ctx)
	if err := srv.m.Truncate(ctx, h, 0, srv.alloc); err != nil {
		h.Unlock()
		return err
	}
	isDir := h.IsDir()
	h.SetDTime(time.Now())
	h.SetMode(0)
	h.Unlock()
	return srv.alloc.FreeInode(ctx, h.Ino(), isDir)
}

// freeInode returns ino to the allocator on a path that is already failing.
func (srv *Server) freeInode(ctx context.Context, ino uint32, isDir bool) {
	if err := srv.alloc.FreeInode(ctx, ino, isDir); err != nil {
		srv.log.WithError(err).WithField("inode", ino).Warn("cannot free inode")
	}
}
