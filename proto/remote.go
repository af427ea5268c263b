package proto

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jnwhiteh/extfs/bcache"
	"github.com/jnwhiteh/extfs/common"
)

// Remote is a client session with a filesystem service across a network
// connection. Calls are sent one at a time. UID and GID travel with every
// request but the service only acts on them for a superuser peer.
type Remote struct {
	UID, GID uint32

	mu   sync.Mutex
	conn net.Conn
	rd   *bufio.Reader
}

// Dial connects to the service listening on addr.
func Dial(network, addr string, uid, gid uint32) (*Remote, error) {
	conn, err := net.DialTimeout(network, addr, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return NewRemote(conn, uid, gid), nil
}

// NewRemote wraps an established connection.
func NewRemote(conn net.Conn, uid, gid uint32) *Remote {
	return &Remote{UID: uid, GID: gid, conn: conn, rd: bufio.NewReader(conn)}
}

// Disconnect closes the connection to the service.
func (r *Remote) Disconnect() error {
	return r.conn.Close()
}

func (r *Remote) call(ctx context.Context, req *Request) (*Response, error) {
	req.UID, req.GID = r.UID, r.GID
	r.mu.Lock()
	defer r.mu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := r.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if err := WriteRequest(r.conn, req); err != nil {
		return nil, err
	}
	res, err := ReadResponse(r.rd)
	if err != nil {
		return nil, err
	}
	if res.Msg != req.Msg+ResponseOffset {
		return nil, fmt.Errorf("response %d to request %d: %w", res.Msg, req.Msg, common.EIO)
	}
	return res, res.Err()
}

func (r *Remote) Open(ctx context.Context, path string, flags int, mode uint16) (uint32, error) {
	res, err := r.call(ctx, &Request{Msg: MsgOpen, Path: path, Flags: uint32(flags), Mode: mode})
	if err != nil {
		return 0, err
	}
	return res.Ino, nil
}

func (r *Remote) Close(ctx context.Context, ino uint32) error {
	_, err := r.call(ctx, &Request{Msg: MsgClose, Ino: ino})
	return err
}

func (r *Remote) Stat(ctx context.Context, path string) (common.FileInfo, error) {
	res, err := r.call(ctx, &Request{Msg: MsgStat, Path: path})
	if err != nil {
		return common.FileInfo{}, err
	}
	return res.Info, nil
}

func (r *Remote) Istat(ctx context.Context, ino uint32) (common.FileInfo, error) {
	res, err := r.call(ctx, &Request{Msg: MsgIstat, Ino: ino})
	if err != nil {
		return common.FileInfo{}, err
	}
	return res.Info, nil
}

func (r *Remote) Read(ctx context.Context, ino uint32, off uint64, count int) ([]byte, error) {
	res, err := r.call(ctx, &Request{Msg: MsgRead, Ino: ino, Offset: off, Count: uint32(count)})
	if res == nil {
		return nil, err
	}
	return res.Data, err
}

func (r *Remote) Write(ctx context.Context, ino uint32, off uint64, data []byte) (int, error) {
	res, err := r.call(ctx, &Request{Msg: MsgWrite, Ino: ino, Offset: off, Count: uint32(len(data)), Data: data})
	if res == nil {
		return 0, err
	}
	return int(res.Count), err
}

func (r *Remote) Truncate(ctx context.Context, ino uint32, size uint64) error {
	_, err := r.call(ctx, &Request{Msg: MsgTruncate, Ino: ino, Offset: size})
	return err
}

func (r *Remote) Sync(ctx context.Context) (bcache.FlushResult, error) {
	res, err := r.call(ctx, &Request{Msg: MsgSync})
	if res == nil {
		return bcache.FlushResult{}, err
	}
	return bcache.FlushResult{Written: int(res.Count), Failed: int(res.Failed)}, err
}

func (r *Remote) Mkdir(ctx context.Context, path string, mode uint16) (uint32, error) {
	res, err := r.call(ctx, &Request{Msg: MsgMkdir, Path: path, Mode: mode})
	if err != nil {
		return 0, err
	}
	return res.Ino, nil
}

func (r *Remote) Rmdir(ctx context.Context, path string) error {
	_, err := r.call(ctx, &Request{Msg: MsgRmdir, Path: path})
	return err
}

func (r *Remote) Readdir(ctx context.Context, ino uint32) ([]common.DirEntry, error) {
	res, err := r.call(ctx, &Request{Msg: MsgReaddir, Ino: ino})
	if err != nil {
		return nil, err
	}
	return res.Entries, nil
}

func (r *Remote) Link(ctx context.Context, oldpath, newpath string) error {
	_, err := r.call(ctx, &Request{Msg: MsgLink, Path: oldpath, Path2: newpath})
	return err
}

func (r *Remote) Unlink(ctx context.Context, path string) error {
	_, err := r.call(ctx, &Request{Msg: MsgUnlink, Path: path})
	return err
}

func (r *Remote) Symlink(ctx context.Context, target, path string) (uint32, error) {
	res, err := r.call(ctx, &Request{Msg: MsgSymlink, Path: path, Path2: target})
	if err != nil {
		return 0, err
	}
	return res.Ino, nil
}

func (r *Remote) Readlink(ctx context.Context, ino uint32) (string, error) {
	res, err := r.call(ctx, &Request{Msg: MsgReadlink, Ino: ino})
	if err != nil {
		return "", err
	}
	return string(res.Data), nil
}

func (r *Remote) Chmod(ctx context.Context, path string, mode uint16) error {
	_, err := r.call(ctx, &Request{Msg: MsgChmod, Path: path, Mode: mode})
	return err
}
