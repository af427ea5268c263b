package fs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jnwhiteh/extfs/bcache"
	"github.com/jnwhiteh/extfs/common"
)

const accmode = common.O_READ | common.O_WRITE

func (srv *Server) do_open(ctx context.Context, who caller, path string, flags int, mode uint16) (uint32, error) {
	if flags&accmode == 0 {
		return 0, fmt.Errorf("open %q without read or write: %w", path, common.EINVAL)
	}
	srv.ns.Lock(ctx)
	defer srv.ns.Unlock()

	ino, err := srv.r.Resolve(ctx, path)
	switch {
	case err == nil && flags&common.O_CREATE != 0 && flags&common.O_EXCL != 0:
		return 0, fmt.Errorf("%q: %w", path, common.EEXIST)
	case errors.Is(err, common.ENOENT) && flags&common.O_CREATE != 0:
		dirp, name, perr := srv.parent(ctx, who, path)
		if perr != nil {
			return 0, perr
		}
		rip, cerr := srv.new_node(ctx, who, dirp, name, common.S_IFREG|mode&07777)
		srv.ic.Put(dirp)
		if cerr != nil {
			return 0, cerr
		}
		srv.files.add(rip)
		return rip.Ino(), nil
	case err != nil:
		return 0, err
	}

	rip, err := srv.ic.Get(ctx, ino)
	if err != nil {
		return 0, err
	}
	var want uint16
	if flags&common.O_READ != 0 {
		want |= common.R_BIT
	}
	if flags&common.O_WRITE != 0 {
		want |= common.W_BIT
		if rip.IsDir() {
			srv.ic.Put(rip)
			return 0, fmt.Errorf("%q: %w", path, common.EISDIR)
		}
	}
	if err := srv.access(who, rip, want); err != nil {
		srv.ic.Put(rip)
		return 0, err
	}
	if flags&common.O_TRUNC != 0 && flags&common.O_WRITE != 0 && rip.IsRegular() {
		rip.Lock(ctx)
		err := srv.m.Truncate(ctx, rip, 0, srv.alloc)
		rip.Unlock()
		if err != nil {
			srv.ic.Put(rip)
			return 0, err
		}
	}
	if extra := srv.files.add(rip); extra != nil {
		srv.ic.Put(extra)
	}
	return ino, nil
}

func (srv *Server) do_close(ctx context.Context, ino uint32) error {
	srv.ns.Lock(ctx)
	defer srv.ns.Unlock()
	h, ok := srv.files.remove(ino)
	if !ok {
		return fmt.Errorf("inode %d is not open: %w", ino, common.EBADF)
	}
	if h == nil {
		return nil
	}
	return srv.drop(ctx, h)
}

func (srv *Server) do_stat(ctx context.Context, path string) (common.FileInfo, error) {
	srv.ns.Lock(ctx)
	defer srv.ns.Unlock()
	ino, err := srv.r.Resolve(ctx, path)
	if err != nil {
		return common.FileInfo{}, err
	}
	return srv.do_istat(ctx, ino)
}

func (srv *Server) do_istat(ctx context.Context, ino uint32) (common.FileInfo, error) {
	h, err := srv.ic.Get(ctx, ino)
	if err != nil {
		return common.FileInfo{}, err
	}
	defer srv.ic.Put(h)
	h.Lock(ctx)
	defer h.Unlock()
	if err := live(h); err != nil {
		return common.FileInfo{}, err
	}
	return h.Info(), nil
}

// do_read returns up to count bytes at off. A zero count is not an error and
// yields no data.
func (srv *Server) do_read(ctx context.Context, who caller, ino uint32, off uint64, count int) ([]byte, error) {
	if count < 0 || count > MaxTransfer {
		return nil, fmt.Errorf("read of %d bytes: %w", count, common.EINVAL)
	}
	h, err := srv.ic.Get(ctx, ino)
	if err != nil {
		return nil, err
	}
	defer srv.ic.Put(h)
	h.Lock(ctx)
	defer h.Unlock()
	if err := live(h); err != nil {
		return nil, err
	}
	if h.IsDir() {
		return nil, fmt.Errorf("inode %d: %w", ino, common.EISDIR)
	}
	if err := srv.access(who, h, common.R_BIT); err != nil {
		return nil, err
	}
	if count == 0 {
		return []byte{}, nil
	}
	if size := h.Size(); off < size && uint64(count) > size-off {
		count = int(size - off)
	}
	buf := make([]byte, count)
	n, err := srv.m.Read(ctx, h, buf, off)
	return buf[:n], err
}

func (srv *Server) do_write(ctx context.Context, who caller, ino uint32, off uint64, data []byte) (int, error) {
	if len(data) > MaxTransfer {
		return 0, fmt.Errorf("write of %d bytes: %w", len(data), common.EINVAL)
	}
	srv.ns.Lock(ctx)
	defer srv.ns.Unlock()
	h, err := srv.ic.Get(ctx, ino)
	if err != nil {
		return 0, err
	}
	defer srv.ic.Put(h)
	h.Lock(ctx)
	defer h.Unlock()
	if err := live(h); err != nil {
		return 0, err
	}
	if h.IsDir() {
		return 0, fmt.Errorf("inode %d: %w", ino, common.EISDIR)
	}
	if err := srv.access(who, h, common.W_BIT); err != nil {
		return 0, err
	}
	return srv.m.Write(ctx, h, data, off, srv.alloc)
}

func (srv *Server) do_truncate(ctx context.Context, who caller, ino uint32, size uint64) error {
	srv.ns.Lock(ctx)
	defer srv.ns.Unlock()
	h, err := srv.ic.Get(ctx, ino)
	if err != nil {
		return err
	}
	defer srv.ic.Put(h)
	h.Lock(ctx)
	defer h.Unlock()
	if err := live(h); err != nil {
		return err
	}
	if !h.IsRegular() {
		return fmt.Errorf("truncate inode %d: %w", ino, common.EINVAL)
	}
	if err := srv.access(who, h, common.W_BIT); err != nil {
		return err
	}
	return srv.m.Truncate(ctx, h, size, srv.alloc)
}

// do_sync writes the superblock and every dirty block. Blocks that fail to
// write stay dirty for the next sync.
func (srv *Server) do_sync(ctx context.Context) (bcache.FlushResult, error) {
	srv.ns.Lock(ctx)
	defer srv.ns.Unlock()
	if err := srv.writeSuper(ctx); err != nil {
		return bcache.FlushResult{}, err
	}
	res, err := srv.bc.FlushAll(ctx)
	if err != nil {
		srv.log.WithError(err).WithField("failed", res.Failed).Warn("sync left dirty blocks")
	}
	return res, err
}

func (srv *Server) do_mkdir(ctx context.Context, who caller, path string, mode uint16) (uint32, error) {
	srv.ns.Lock(ctx)
	defer srv.ns.Unlock()
	dirp, name, err := srv.parent(ctx, who, path)
	if err != nil {
		return 0, err
	}
	defer srv.ic.Put(dirp)
	rip, err := srv.new_node(ctx, who, dirp, name, common.S_IFDIR|mode&07777)
	if err != nil {
		return 0, err
	}
	defer srv.ic.Put(rip)
	return rip.Ino(), nil
}

func (srv *Server) do_rmdir(ctx context.Context, who caller, path string) error {
	srv.ns.Lock(ctx)
	defer srv.ns.Unlock()
	dirp, name, err := srv.parent(ctx, who, path)
	if err != nil {
		return err
	}
	defer srv.ic.Put(dirp)
	if name == "." || name == ".." {
		return fmt.Errorf("rmdir %q: %w", path, common.EINVAL)
	}
	ino, err := srv.r.Find(ctx, dirp.Ino(), name)
	if err != nil {
		return err
	}
	rip, err := srv.ic.Get(ctx, ino)
	if err != nil {
		return err
	}
	if !rip.IsDir() {
		srv.ic.Put(rip)
		return fmt.Errorf("%q: %w", path, common.ENOTDIR)
	}
	if ino == common.RootIno || srv.files.isOpen(ino) {
		srv.ic.Put(rip)
		return fmt.Errorf("%q: %w", path, common.EBUSY)
	}
	empty, err := srv.r.IsEmpty(ctx, ino)
	if err == nil && !empty {
		err = fmt.Errorf("%q: %w", path, common.ENOTEMPTY)
	}
	if err == nil {
		_, err = srv.r.Unlink(ctx, dirp.Ino(), name)
	}
	if err != nil {
		srv.ic.Put(rip)
		return err
	}
	rip.SetLinks(0)
	dirp.SetLinks(dirp.Links() - 1)
	return srv.drop(ctx, rip)
}

func (srv *Server) do_readdir(ctx context.Context, who caller, ino uint32) ([]common.DirEntry, error) {
	h, err := srv.ic.Get(ctx, ino)
	if err != nil {
		return nil, err
	}
	defer srv.ic.Put(h)
	if !h.IsDir() {
		return nil, fmt.Errorf("inode %d: %w", ino, common.ENOTDIR)
	}
	if err := srv.access(who, h, common.R_BIT); err != nil {
		return nil, err
	}
	srv.ns.Lock(ctx)
	defer srv.ns.Unlock()
	return srv.r.ReadDir(ctx, ino)
}

func (srv *Server) do_link(ctx context.Context, who caller, oldpath, newpath string) error {
	srv.ns.Lock(ctx)
	defer srv.ns.Unlock()
	ino, err := srv.r.ResolveNoFollow(ctx, oldpath)
	if err != nil {
		return err
	}
	rip, err := srv.ic.Get(ctx, ino)
	if err != nil {
		return err
	}
	defer srv.ic.Put(rip)
	if rip.IsDir() {
		return fmt.Errorf("link to directory %q: %w", oldpath, common.EISDIR)
	}
	if rip.Links() >= math.MaxUint16 {
		return fmt.Errorf("%q has too many links: %w", oldpath, common.ENOSPC)
	}
	dirp, name, err := srv.parent(ctx, who, newpath)
	if err != nil {
		return err
	}
	defer srv.ic.Put(dirp)
	if err := srv.r.Link(ctx, dirp.Ino(), name, ino, common.FileTypeOf(rip.Mode()), srv.alloc); err != nil {
		return err
	}
	rip.SetLinks(rip.Links() + 1)
	rip.SetCTime(time.Now())
	return nil
}

func (srv *Server) do_unlink(ctx context.Context, who caller, path string) error {
	srv.ns.Lock(ctx)
	defer srv.ns.Unlock()
	dirp, name, err := srv.parent(ctx, who, path)
	if err != nil {
		return err
	}
	defer srv.ic.Put(dirp)
	ino, err := srv.r.Find(ctx, dirp.Ino(), name)
	if err != nil {
		return err
	}
	rip, err := srv.ic.Get(ctx, ino)
	if err != nil {
		return err
	}
	if rip.IsDir() {
		srv.ic.Put(rip)
		return fmt.Errorf("unlink %q: %w", path, common.EISDIR)
	}
	if _, err := srv.r.Unlink(ctx, dirp.Ino(), name); err != nil {
		srv.ic.Put(rip)
		return err
	}
	if n := rip.Links(); n > 0 {
		rip.SetLinks(n - 1)
	}
	rip.SetCTime(time.Now())
	return srv.drop(ctx, rip)
}

// do_symlink creates path as a link to target. Short targets are stored in
// the inode itself.
func (srv *Server) do_symlink(ctx context.Context, who caller, target, path string) (uint32, error) {
	if target == "" || len(target) > common.MaxPathLen {
		return 0, fmt.Errorf("symlink target of %d bytes: %w", len(target), common.EINVAL)
	}
	srv.ns.Lock(ctx)
	defer srv.ns.Unlock()
	dirp, name, err := srv.parent(ctx, who, path)
	if err != nil {
		return 0, err
	}
	defer srv.ic.Put(dirp)
	rip, err := srv.new_node(ctx, who, dirp, name, common.S_IFLNK|0777)
	if err != nil {
		return 0, err
	}
	defer srv.ic.Put(rip)
	if len(target) < common.FastSymlinkMax {
		rip.SetInline([]byte(target))
		rip.SetSize(uint64(len(target)))
	} else if _, err := srv.m.Write(ctx, rip, []byte(target), 0, srv.alloc); err != nil {
		return 0, err
	}
	return rip.Ino(), nil
}

func (srv *Server) do_readlink(ctx context.Context, ino uint32) (string, error) {
	srv.ns.Lock(ctx)
	defer srv.ns.Unlock()
	return srv.r.ReadLink(ctx, ino)
}

// do_chmod changes the permission bits. Only the owner and the superuser
// may do so.
func (srv *Server) do_chmod(ctx context.Context, who caller, path string, mode uint16) error {
	srv.ns.Lock(ctx)
	defer srv.ns.Unlock()
	ino, err := srv.r.Resolve(ctx, path)
	if err != nil {
		return err
	}
	rip, err := srv.ic.Get(ctx, ino)
	if err != nil {
		return err
	}
	defer srv.ic.Put(rip)
	if who.uid != 0 && who.uid != rip.UID() {
		return fmt.Errorf("chmod %q: %w", path, common.EACCES)
	}
	rip.SetMode(rip.Type() | mode&07777)
	rip.SetCTime(time.Now())
	return nil
}
