// Package fusefs exposes a filesystem session through FUSE. The mount is
// read-only; writes go through the extfs client.
package fusefs

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	log "github.com/sirupsen/logrus"

	"github.com/jnwhiteh/extfs/common"
)

// Backend is the part of a filesystem session the mount needs. Both
// fs.Client and proto.Remote implement it.
type Backend interface {
	Istat(ctx context.Context, ino uint32) (common.FileInfo, error)
	Read(ctx context.Context, ino uint32, off uint64, count int) ([]byte, error)
	Readdir(ctx context.Context, ino uint32) ([]common.DirEntry, error)
	Readlink(ctx context.Context, ino uint32) (string, error)
}

const attrValid = time.Second

// FS is the FUSE filesystem. Nodes are kept per inode so that the same
// inode always maps to the same fs.Node.
type FS struct {
	b   Backend
	log *log.Entry

	mu    sync.Mutex
	nodes map[uint32]*Node
}

func New(b Backend, logger *log.Entry) *FS {
	return &FS{b: b, log: logger, nodes: make(map[uint32]*Node)}
}

func (f *FS) Root() (fs.Node, error) {
	return f.node(common.RootIno), nil
}

func (f *FS) node(ino uint32) *Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[ino]
	if !ok {
		n = &Node{fs: f, ino: ino}
		f.nodes[ino] = n
	}
	return n
}

// Node is a file, directory or symlink. It is also its own handle.
type Node struct {
	fs  *FS
	ino uint32
}

var (
	_ fs.FS                 = (*FS)(nil)
	_ fs.Node               = (*Node)(nil)
	_ fs.NodeStringLookuper = (*Node)(nil)
	_ fs.HandleReadDirAller = (*Node)(nil)
	_ fs.HandleReader       = (*Node)(nil)
	_ fs.NodeReadlinker     = (*Node)(nil)
)

func (n *Node) Attr(ctx context.Context, a *fuse.Attr) error {
	info, err := n.fs.b.Istat(ctx, n.ino)
	if err != nil {
		return n.fail("stat", err)
	}
	a.Valid = attrValid
	a.Inode = uint64(info.Ino)
	a.Size = info.Size
	a.Blocks = uint64(info.Blocks)
	a.BlockSize = info.BlockSize
	a.Atime = info.ATime
	a.Mtime = info.MTime
	a.Ctime = info.CTime
	a.Mode = FileMode(info.Mode)
	a.Nlink = uint32(info.Links)
	a.Uid = info.UID
	a.Gid = info.GID
	return nil
}

func (n *Node) Lookup(ctx context.Context, name string) (fs.Node, error) {
	entries, err := n.fs.b.Readdir(ctx, n.ino)
	if err != nil {
		return nil, n.fail("lookup", err)
	}
	for _, e := range entries {
		if e.Name == name {
			return n.fs.node(e.Ino), nil
		}
	}
	return nil, syscall.ENOENT
}

func (n *Node) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	entries, err := n.fs.b.Readdir(ctx, n.ino)
	if err != nil {
		return nil, n.fail("readdir", err)
	}
	out := make([]fuse.Dirent, 0, len(entries))
	for _, e := range entries {
		out = append(out, fuse.Dirent{Inode: uint64(e.Ino), Type: direntType(e.FileType), Name: e.Name})
	}
	return out, nil
}

func (n *Node) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	if req.Offset < 0 {
		return syscall.EINVAL
	}
	data, err := n.fs.b.Read(ctx, n.ino, uint64(req.Offset), req.Size)
	if err != nil {
		return n.fail("read", err)
	}
	resp.Data = data
	return nil
}

func (n *Node) Readlink(ctx context.Context, req *fuse.ReadlinkRequest) (string, error) {
	target, err := n.fs.b.Readlink(ctx, n.ino)
	if err != nil {
		return "", n.fail("readlink", err)
	}
	return target, nil
}

func (n *Node) fail(op string, err error) error {
	errno := Errno(err)
	if errno == syscall.EIO {
		n.fs.log.WithFields(log.Fields{"op": op, "ino": n.ino}).WithError(err).Warn("request failed")
	}
	return errno
}

// FileMode converts an on-disk mode to an os.FileMode.
func FileMode(mode uint16) os.FileMode {
	m := os.FileMode(mode & 0777)
	switch mode & common.S_IFMT {
	case common.S_IFDIR:
		m |= os.ModeDir
	case common.S_IFLNK:
		m |= os.ModeSymlink
	case common.S_IFCHR:
		m |= os.ModeDevice | os.ModeCharDevice
	case common.S_IFBLK:
		m |= os.ModeDevice
	case common.S_IFIFO:
		m |= os.ModeNamedPipe
	case common.S_IFSOCK:
		m |= os.ModeSocket
	}
	if mode&common.S_ISUID != 0 {
		m |= os.ModeSetuid
	}
	if mode&common.S_ISGID != 0 {
		m |= os.ModeSetgid
	}
	if mode&common.S_ISVTX != 0 {
		m |= os.ModeSticky
	}
	return m
}

func direntType(ft uint8) fuse.DirentType {
	switch ft {
	case common.FT_DIR:
		return fuse.DT_Dir
	case common.FT_REG_FILE:
		return fuse.DT_File
	case common.FT_SYMLINK:
		return fuse.DT_Link
	case common.FT_CHRDEV:
		return fuse.DT_Char
	case common.FT_BLKDEV:
		return fuse.DT_Block
	case common.FT_FIFO:
		return fuse.DT_FIFO
	case common.FT_SOCK:
		return fuse.DT_Socket
	}
	return fuse.DT_Unknown
}

var errnos = []struct {
	err   error
	errno syscall.Errno
}{
	{common.ENOENT, syscall.ENOENT},
	{common.ENOTDIR, syscall.ENOTDIR},
	{common.EISDIR, syscall.EISDIR},
	{common.EACCES, syscall.EACCES},
	{common.EINVAL, syscall.EINVAL},
	{common.EINODE, syscall.ENOENT},
	{common.ENAMETOOLONG, syscall.ENAMETOOLONG},
	{common.ELOOP, syscall.ELOOP},
	{common.ENOSPC, syscall.ENOSPC},
	{common.EEXIST, syscall.EEXIST},
	{common.ENOTEMPTY, syscall.ENOTEMPTY},
	{common.EBUSY, syscall.EBUSY},
	{common.EBADF, syscall.EBADF},
	{common.EFBIG, syscall.EFBIG},
	{common.ENOTSUP, syscall.ENOTSUP},
	{common.ENOMEM, syscall.ENOMEM},
	{common.ENFILE, syscall.ENFILE},
}

// Errno maps a filesystem error to the errno reported to the kernel.
func Errno(err error) syscall.Errno {
	for _, e := range errnos {
		if errors.Is(err, e.err) {
			return e.errno
		}
	}
	return syscall.EIO
}

// Mount mounts b read-only at dir and serves it until ctx is cancelled or
// the filesystem is unmounted from outside.
func Mount(ctx context.Context, dir string, b Backend, logger *log.Entry) error {
	c, err := fuse.Mount(dir,
		fuse.FSName("extfs"),
		fuse.Subtype("extfs"),
		fuse.ReadOnly(),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			if err := fuse.Unmount(dir); err != nil {
				logger.WithError(err).Warn("unmount failed")
			}
		case <-stop:
		}
	}()

	logger.WithField("dir", dir).Info("mounted")
	err = fs.Serve(c, New(b, logger))
	logger.WithField("dir", dir).Info("unmounted")
	return err
}
