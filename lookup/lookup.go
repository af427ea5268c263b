// Package lookup resolves absolute paths to inode numbers and maintains the
// entries of directory files.
package lookup

import (
	"context"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/jnwhiteh/extfs/bcache"
	"github.com/jnwhiteh/extfs/common"
	"github.com/jnwhiteh/extfs/file"
	"github.com/jnwhiteh/extfs/inode"
)

type Config struct {
	MaxNameLen  int // zero means common.MaxNameLen
	MaxSymlinks int // zero means common.MaxSymlinks
}

// Resolver walks directories of one filesystem. Callers serialize
// modifications of the namespace; the resolver only guards its mount table.
type Resolver struct {
	bc  *bcache.Cache
	ic  *inode.Cache
	m   *file.Mapper
	cfg Config
	bs  uint64
	log *log.Entry

	mu     sync.Mutex
	mounts map[uint32]bool
}

func New(bc *bcache.Cache, ic *inode.Cache, m *file.Mapper, cfg Config, logger *log.Entry) *Resolver {
	if cfg.MaxNameLen <= 0 || cfg.MaxNameLen > common.MaxNameLen {
		cfg.MaxNameLen = common.MaxNameLen
	}
	if cfg.MaxSymlinks <= 0 {
		cfg.MaxSymlinks = common.MaxSymlinks
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Resolver{
		bc:     bc,
		ic:     ic,
		m:      m,
		cfg:    cfg,
		bs:     uint64(bc.BlockSize()),
		log:    logger.WithField("component", "lookup"),
		mounts: make(map[uint32]bool),
	}
}

// Mount marks directory ino as covered by another filesystem. Resolution
// stops there with an *common.ErrMountPoint.
func (r *Resolver) Mount(ino uint32) {
	r.mu.Lock()
	r.mounts[ino] = true
	r.mu.Unlock()
}

func (r *Resolver) Unmount(ino uint32) {
	r.mu.Lock()
	delete(r.mounts, ino)
	r.mu.Unlock()
}

func (r *Resolver) mounted(ino uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mounts[ino]
}

// split breaks path into its non-empty components.
func split(path string) []string {
	var comps []string
	for _, c := range strings.Split(path, "/") {
		if c != "" {
			comps = append(comps, c)
		}
	}
	return comps
}

func (r *Resolver) checkPath(path string) error {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("relative path %q: %w", path, common.EINVAL)
	}
	if len(path) > common.MaxPathLen {
		return fmt.Errorf("path of %d bytes: %w", len(path), common.ENAMETOOLONG)
	}
	return nil
}

// Resolve returns the inode named by the absolute path, following symbolic
// links, including a link in the final component.
func (r *Resolver) Resolve(ctx context.Context, path string) (uint32, error) {
	if err := r.checkPath(path); err != nil {
		return 0, err
	}
	return r.walk(ctx, common.RootIno, split(path), true)
}

// ResolveNoFollow is Resolve without following a link in the last component.
func (r *Resolver) ResolveNoFollow(ctx context.Context, path string) (uint32, error) {
	if err := r.checkPath(path); err != nil {
		return 0, err
	}
	return r.walk(ctx, common.RootIno, split(path), false)
}

// ResolveParent returns the directory that holds the last component of path
// and that component's name. The name need not exist.
func (r *Resolver) ResolveParent(ctx context.Context, path string) (uint32, string, error) {
	if err := r.checkPath(path); err != nil {
		return 0, "", err
	}
	comps := split(path)
	if len(comps) == 0 {
		return 0, "", fmt.Errorf("no last component in %q: %w", path, common.EINVAL)
	}
	name := comps[len(comps)-1]
	if err := r.checkName(name); err != nil {
		return 0, "", err
	}
	dir, err := r.walk(ctx, common.RootIno, comps[:len(comps)-1], true)
	if err != nil {
		return 0, "", err
	}
	h, err := r.ic.Get(ctx, dir)
	if err != nil {
		return 0, "", err
	}
	defer r.ic.Put(h)
	if !h.IsDir() {
		return 0, "", fmt.Errorf("inode %d: %w", dir, common.ENOTDIR)
	}
	return dir, name, nil
}

func (r *Resolver) checkName(name string) error {
	if len(name) > r.cfg.MaxNameLen {
		return fmt.Errorf("%.16q...: %w", name, common.ENAMETOOLONG)
	}
	return nil
}

// walk resolves comps starting at directory cur.
func (r *Resolver) walk(ctx context.Context, cur uint32, comps []string, follow bool) (uint32, error) {
	links := 0
	for i := 0; i < len(comps); i++ {
		name := comps[i]
		if err := r.checkName(name); err != nil {
			return 0, err
		}
		ino, err := r.Find(ctx, cur, name)
		if err != nil {
			return 0, err
		}
		if ino != cur && r.mounted(ino) {
			return 0, &common.ErrMountPoint{Ino: ino, Rest: "/" + strings.Join(comps[i+1:], "/")}
		}

		if i < len(comps)-1 || follow {
			target, ok, err := r.readLink(ctx, ino)
			if err != nil {
				return 0, err
			}
			if ok {
				if links++; links > r.cfg.MaxSymlinks {
					return 0, fmt.Errorf("following %q: %w", name, common.ELOOP)
				}
				if target == "" {
					return 0, fmt.Errorf("empty symlink %q: %w", name, common.ENOENT)
				}
				if strings.HasPrefix(target, "/") {
					cur = common.RootIno
				}
				comps = append(split(target), comps[i+1:]...)
				i = -1
				continue
			}
		}
		cur = ino
	}
	return cur, nil
}

// ReadLink returns the target of symlink ino.
func (r *Resolver) ReadLink(ctx context.Context, ino uint32) (string, error) {
	target, ok, err := r.readLink(ctx, ino)
	if err == nil && !ok {
		err = fmt.Errorf("inode %d is not a symlink: %w", ino, common.EINVAL)
	}
	return target, err
}

func (r *Resolver) readLink(ctx context.Context, ino uint32) (string, bool, error) {
	h, err := r.ic.Get(ctx, ino)
	if err != nil {
		return "", false, err
	}
	defer r.ic.Put(h)
	if !h.IsSymlink() {
		return "", false, nil
	}
	size := h.Size()
	if size > common.MaxPathLen {
		return "", true, fmt.Errorf("symlink %d of %d bytes: %w", ino, size, common.ENAMETOOLONG)
	}
	buf := make([]byte, size)
	n, err := r.m.Read(ctx, h, buf, 0)
	if err != nil {
		return "", true, err
	}
	return string(buf[:n]), true, nil
}
