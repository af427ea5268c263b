// Package fs is the filesystem service. A Server owns one mounted device and
// answers requests from its clients on a set of scheduler threads.
package fs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jnwhiteh/extfs/alloctbl"
	"github.com/jnwhiteh/extfs/bcache"
	"github.com/jnwhiteh/extfs/common"
	"github.com/jnwhiteh/extfs/file"
	"github.com/jnwhiteh/extfs/inode"
	"github.com/jnwhiteh/extfs/lookup"
	"github.com/jnwhiteh/extfs/sched"
)

// MaxTransfer is the largest read a single request may ask for.
const MaxTransfer = 1 << 20

var ErrShutdown = fmt.Errorf("filesystem shut down: %w", common.EIO)

type Config struct {
	CacheSlots     int // power of two
	MaxBufferBytes int // zero means unbounded
	InodeSlots     int // zero means unbounded
	Workers        int
	MaxNameLen     int
	Allocator      string // "bitmap" (default) or "indexed"

	// RemoteUID and RemoteGID are the identity of network clients whose
	// credentials cannot be read from the connection.
	RemoteUID, RemoteGID uint32
}

// Nobody is the default identity of unauthenticated network clients.
const Nobody = 65534

// DefaultConfig returns the configuration used when nothing else is given.
func DefaultConfig() Config {
	return Config{
		CacheSlots: 256,
		InodeSlots: 1024,
		Workers:    2,
		MaxNameLen: common.MaxNameLen,
		RemoteUID:  Nobody,
		RemoteGID:  Nobody,
	}
}

type Stats struct {
	Cache  bcache.Stats `yaml:"cache"`
	Inodes inode.Stats  `yaml:"inodes"`
	Sched  sched.Stats  `yaml:"sched"`
	Open   int          `yaml:"open"`
}

type Server struct {
	cfg    Config
	dev    common.BlockDevice
	sched  *sched.Scheduler
	sb     *common.Superblock
	groups []common.GroupDesc

	bc    *bcache.Cache
	ic    *inode.Cache
	m     *file.Mapper
	r     *lookup.Resolver
	alloc common.Allocator

	ns    sched.Mutex // held by every request that modifies the filesystem
	files *openTable

	in       chan envelope
	done     chan struct{}
	workers  []*sched.Thread
	shutdown sync.Once
	log      *log.Entry
}

// NewServer mounts the filesystem on dev and starts cfg.Workers request
// threads on s. The device must already hold a filesystem.
func NewServer(dev common.BlockDevice, cfg Config, s *sched.Scheduler, logger *log.Entry) (*Server, error) {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	ctx := context.Background()
	sb, groups, err := ReadSuper(ctx, dev)
	if err != nil {
		return nil, err
	}

	var pool bcache.BufferPool = bcache.HeapPool{}
	if cfg.MaxBufferBytes > 0 {
		pool = bcache.NewBoundedPool(cfg.MaxBufferBytes)
	}
	bc, err := bcache.New(dev, bcache.Config{Slots: cfg.CacheSlots, BlockSize: sb.BlockSize(), Pool: pool}, logger)
	if err != nil {
		return nil, err
	}
	ic := inode.New(bc, sb, groups, inode.Config{Slots: cfg.InodeSlots}, logger)
	m := file.NewMapper(bc, sb.BlocksCount, logger)

	srv := &Server{
		cfg:    cfg,
		dev:    dev,
		sched:  s,
		sb:     sb,
		groups: groups,
		bc:     bc,
		ic:     ic,
		m:      m,
		r:      lookup.New(bc, ic, m, lookup.Config{MaxNameLen: cfg.MaxNameLen}, logger),
		files:  newOpenTable(),
		in:     make(chan envelope),
		done:   make(chan struct{}),
		log:    logger.WithField("component", "fs"),
	}

	bm := alloctbl.NewBitmap(bc, sb, groups, logger)
	switch cfg.Allocator {
	case "", "bitmap":
		srv.alloc = bm
	case "indexed":
		if srv.alloc, err = alloctbl.LoadIndexed(ctx, bm); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown allocator %q: %w", cfg.Allocator, common.EINVAL)
	}

	root, err := ic.Get(ctx, common.RootIno)
	if err != nil {
		return nil, fmt.Errorf("fetching root inode: %w", err)
	}
	isDir := root.IsDir()
	ic.Put(root)
	if !isDir {
		return nil, fmt.Errorf("root inode is not a directory: %w", common.EINVAL)
	}

	if sb.State != common.StateClean {
		srv.log.Warn("filesystem was not cleanly unmounted")
	}
	sb.State = common.StateDirty
	sb.MntCount++
	sb.MTime = uint32(time.Now().Unix())
	if err := srv.writeSuper(ctx); err != nil {
		return nil, err
	}
	if _, err := bc.FlushAll(ctx); err != nil {
		return nil, err
	}

	for i := 0; i < cfg.Workers; i++ {
		srv.workers = append(srv.workers, s.Go(fmt.Sprintf("fs-%d", i), srv.loop))
	}
	srv.log.WithFields(log.Fields{
		"blocks":     sb.BlocksCount,
		"inodes":     sb.InodesCount,
		"block_size": sb.BlockSize(),
		"groups":     len(groups),
	}).Info("mounted filesystem")
	return srv, nil
}

// ReadSuper reads the primary superblock and the group descriptor table
// straight from the device.
func ReadSuper(ctx context.Context, dev common.BlockDevice) (*common.Superblock, []common.GroupDesc, error) {
	buf := make([]byte, common.SuperblockSize)
	if err := dev.ReadSectors(ctx, buf, common.SuperblockOffset/common.SectorSize, common.SuperblockSize/common.SectorSize); err != nil {
		return nil, nil, fmt.Errorf("reading superblock: %w", err)
	}
	sb := new(common.Superblock)
	if err := sb.Decode(buf); err != nil {
		return nil, nil, err
	}
	bs := sb.BlockSize()
	if uint64(sb.BlocksCount)*uint64(bs/common.SectorSize) > dev.Capacity() {
		return nil, nil, fmt.Errorf("filesystem of %d blocks exceeds device: %w", sb.BlocksCount, common.EINVAL)
	}

	n := sb.GroupCount()
	gdtBlocks := (n*common.GroupDescSize + bs - 1) / bs
	gdt := make([]byte, gdtBlocks*bs)
	sector := uint64(sb.GDTBlock()) * uint64(bs/common.SectorSize)
	if err := dev.ReadSectors(ctx, gdt, sector, len(gdt)/common.SectorSize); err != nil {
		return nil, nil, fmt.Errorf("reading group descriptors: %w", err)
	}
	groups := make([]common.GroupDesc, n)
	for g := range groups {
		groups[g].Decode(gdt[g*common.GroupDescSize:])
	}
	return sb, groups, nil
}

// writeSuper stores the in-memory superblock into its cached block.
func (srv *Server) writeSuper(ctx context.Context) error {
	bs := srv.bc.BlockSize()
	e, err := srv.bc.Request(ctx, uint32(common.SuperblockOffset/bs))
	if err != nil {
		return fmt.Errorf("writing superblock: %w", err)
	}
	off := common.SuperblockOffset % bs
	srv.sb.WTime = uint32(time.Now().Unix())
	srv.sb.Encode(e.Data()[off : off+common.SuperblockSize])
	srv.bc.MarkDirty(e)
	srv.bc.Release(e)
	return nil
}

// loop is the body of a request thread.
func (srv *Server) loop(t *sched.Thread) {
	ctx := sched.WithThread(context.Background(), t)
	for {
		var env envelope
		alive := true
		t.Block(func() {
			select {
			case env = <-srv.in:
			case <-srv.done:
				alive = false
			}
		})
		if !alive {
			return
		}
		env.reply <- srv.handle(ctx, env.who, env.req)
	}
}

func (srv *Server) handle(ctx context.Context, who caller, req reqFS) resFS {
	switch req := req.(type) {
	case req_FS_Open:
		ino, err := srv.do_open(ctx, who, req.path, req.flags, req.mode)
		return res_FS_Open{ino, srv.report("open", who, err)}
	case req_FS_Close:
		err := srv.do_close(ctx, req.ino)
		return res_FS_Close{srv.report("close", who, err)}
	case req_FS_Stat:
		info, err := srv.do_stat(ctx, req.path)
		return res_FS_Stat{info, srv.report("stat", who, err)}
	case req_FS_Istat:
		info, err := srv.do_istat(ctx, req.ino)
		return res_FS_Stat{info, srv.report("istat", who, err)}
	case req_FS_Read:
		data, err := srv.do_read(ctx, who, req.ino, req.off, req.count)
		return res_FS_Read{data, srv.report("read", who, err)}
	case req_FS_Write:
		n, err := srv.do_write(ctx, who, req.ino, req.off, req.data)
		return res_FS_Write{n, srv.report("write", who, err)}
	case req_FS_Truncate:
		err := srv.do_truncate(ctx, who, req.ino, req.size)
		return res_FS_Truncate{srv.report("truncate", who, err)}
	case req_FS_Sync:
		res, err := srv.do_sync(ctx)
		return res_FS_Sync{res, srv.report("sync", who, err)}
	case req_FS_Mkdir:
		ino, err := srv.do_mkdir(ctx, who, req.path, req.mode)
		return res_FS_Mkdir{ino, srv.report("mkdir", who, err)}
	case req_FS_Rmdir:
		err := srv.do_rmdir(ctx, who, req.path)
		return res_FS_Rmdir{srv.report("rmdir", who, err)}
	case req_FS_Readdir:
		entries, err := srv.do_readdir(ctx, who, req.ino)
		return res_FS_Readdir{entries, srv.report("readdir", who, err)}
	case req_FS_Link:
		err := srv.do_link(ctx, who, req.oldpath, req.newpath)
		return res_FS_Link{srv.report("link", who, err)}
	case req_FS_Unlink:
		err := srv.do_unlink(ctx, who, req.path)
		return res_FS_Unlink{srv.report("unlink", who, err)}
	case req_FS_Symlink:
		ino, err := srv.do_symlink(ctx, who, req.target, req.path)
		return res_FS_Symlink{ino, srv.report("symlink", who, err)}
	case req_FS_Readlink:
		target, err := srv.do_readlink(ctx, req.ino)
		return res_FS_Readlink{target, srv.report("readlink", who, err)}
	case req_FS_Chmod:
		err := srv.do_chmod(ctx, who, req.path, req.mode)
		return res_FS_Chmod{srv.report("chmod", who, err)}
	}
	panic(fmt.Sprintf("fs: unknown request %T", req))
}

// report logs failures that point at the device rather than the caller.
func (srv *Server) report(op string, who caller, err error) error {
	if err != nil && (errors.Is(err, common.EIO) || errors.Is(err, common.ENOMEM)) {
		srv.log.WithFields(log.Fields{"op": op, "client": who.session}).WithError(err).Error("request failed")
	}
	return err
}

// call hands req to a request thread and waits for the answer, releasing the
// caller's CPU if ctx carries a thread.
func (srv *Server) call(ctx context.Context, who caller, req reqFS) (resFS, error) {
	env := envelope{who: who, req: req, reply: make(chan resFS, 1)}
	var res resFS
	var err error
	sched.Block(ctx, func() {
		select {
		case srv.in <- env:
		case <-srv.done:
			err = ErrShutdown
			return
		case <-ctx.Done():
			err = ctx.Err()
			return
		}
		res = <-env.reply
	})
	return res, err
}

// Client returns a session acting with the given identity.
func (srv *Server) Client(uid, gid uint32) *Client {
	return &Client{srv: srv, who: caller{uid: uid, gid: gid, session: "local"}}
}

func (srv *Server) Superblock() common.Superblock {
	return *srv.sb
}

func (srv *Server) Stats(ctx context.Context) Stats {
	return Stats{
		Cache:  srv.bc.Stats(ctx),
		Inodes: srv.ic.Stats(),
		Sched:  srv.sched.Stats(),
		Open:   srv.files.len(),
	}
}

// Shutdown stops the request threads, closes every open file, marks the
// filesystem clean and flushes the cache. The device is left open.
func (srv *Server) Shutdown() error {
	var err error
	srv.shutdown.Do(func() {
		close(srv.done)
		for _, t := range srv.workers {
			t.Join(nil)
		}
		ctx := context.Background()
		// unlinked files that were still open are freed here
		for _, h := range srv.files.drain() {
			if derr := srv.drop(ctx, h); derr != nil {
				srv.log.WithError(derr).WithField("inode", h.Ino()).Warn("cannot free unlinked inode")
			}
		}
		srv.sb.State = common.StateClean
		if err = srv.writeSuper(ctx); err != nil {
			return
		}
		var res bcache.FlushResult
		res, err = srv.bc.FlushAll(ctx)
		srv.log.WithFields(log.Fields{"written": res.Written, "failed": res.Failed}).Info("filesystem shut down")
	})
	return err
}
