package fs

import (
	"context"

	"github.com/jnwhiteh/extfs/bcache"
	"github.com/jnwhiteh/extfs/common"
)

// Client is a session with a Server. Each call is a request to the server's
// threads; when ctx carries a scheduler thread, its CPU is released while the
// call waits.
type Client struct {
	srv *Server
	who caller
}

// WithSession returns a copy of c whose requests are logged under id.
func (c *Client) WithSession(id string) *Client {
	cc := *c
	cc.who.session = id
	return &cc
}

func (c *Client) Open(ctx context.Context, path string, flags int, mode uint16) (uint32, error) {
	res, err := c.srv.call(ctx, c.who, req_FS_Open{path, flags, mode})
	if err != nil {
		return 0, err
	}
	r := res.(res_FS_Open)
	return r.ino, r.err
}

func (c *Client) Close(ctx context.Context, ino uint32) error {
	res, err := c.srv.call(ctx, c.who, req_FS_Close{ino})
	if err != nil {
		return err
	}
	return res.(res_FS_Close).err
}

func (c *Client) Stat(ctx context.Context, path string) (common.FileInfo, error) {
	res, err := c.srv.call(ctx, c.who, req_FS_Stat{path})
	if err != nil {
		return common.FileInfo{}, err
	}
	r := res.(res_FS_Stat)
	return r.info, r.err
}

func (c *Client) Istat(ctx context.Context, ino uint32) (common.FileInfo, error) {
	res, err := c.srv.call(ctx, c.who, req_FS_Istat{ino})
	if err != nil {
		return common.FileInfo{}, err
	}
	r := res.(res_FS_Stat)
	return r.info, r.err
}

// Read returns up to count bytes of ino starting at off. Fewer bytes come
// back at the end of the file.
func (c *Client) Read(ctx context.Context, ino uint32, off uint64, count int) ([]byte, error) {
	res, err := c.srv.call(ctx, c.who, req_FS_Read{ino, off, count})
	if err != nil {
		return nil, err
	}
	r := res.(res_FS_Read)
	return r.data, r.err
}

// Write stores data in ino at off. On error, the bytes already written are
// counted in the result and stay written.
func (c *Client) Write(ctx context.Context, ino uint32, off uint64, data []byte) (int, error) {
	res, err := c.srv.call(ctx, c.who, req_FS_Write{ino, off, data})
	if err != nil {
		return 0, err
	}
	r := res.(res_FS_Write)
	return r.n, r.err
}

func (c *Client) Truncate(ctx context.Context, ino uint32, size uint64) error {
	res, err := c.srv.call(ctx, c.who, req_FS_Truncate{ino, size})
	if err != nil {
		return err
	}
	return res.(res_FS_Truncate).err
}

func (c *Client) Sync(ctx context.Context) (bcache.FlushResult, error) {
	res, err := c.srv.call(ctx, c.who, req_FS_Sync{})
	if err != nil {
		return bcache.FlushResult{}, err
	}
	r := res.(res_FS_Sync)
	return r.result, r.err
}

func (c *Client) Mkdir(ctx context.Context, path string, mode uint16) (uint32, error) {
	res, err := c.srv.call(ctx, c.who, req_FS_Mkdir{path, mode})
	if err != nil {
		return 0, err
	}
	r := res.(res_FS_Mkdir)
	return r.ino, r.err
}

func (c *Client) Rmdir(ctx context.Context, path string) error {
	res, err := c.srv.call(ctx, c.who, req_FS_Rmdir{path})
	if err != nil {
		return err
	}
	return res.(res_FS_Rmdir).err
}

func (c *Client) Readdir(ctx context.Context, ino uint32) ([]common.DirEntry, error) {
	res, err := c.srv.call(ctx, c.who, req_FS_Readdir{ino})
	if err != nil {
		return nil, err
	}
	r := res.(res_FS_Readdir)
	return r.entries, r.err
}

func (c *Client) Link(ctx context.Context, oldpath, newpath string) error {
	res, err := c.srv.call(ctx, c.who, req_FS_Link{oldpath, newpath})
	if err != nil {
		return err
	}
	return res.(res_FS_Link).err
}

func (c *Client) Unlink(ctx context.Context, path string) error {
	res, err := c.srv.call(ctx, c.who, req_FS_Unlink{path})
	if err != nil {
		return err
	}
	return res.(res_FS_Unlink).err
}

func (c *Client) Symlink(ctx context.Context, target, path string) (uint32, error) {
	res, err := c.srv.call(ctx, c.who, req_FS_Symlink{target, path})
	if err != nil {
		return 0, err
	}
	r := res.(res_FS_Symlink)
	return r.ino, r.err
}

func (c *Client) Readlink(ctx context.Context, ino uint32) (string, error) {
	res, err := c.srv.call(ctx, c.who, req_FS_Readlink{ino})
	if err != nil {
		return "", err
	}
	r := res.(res_FS_Readlink)
	return r.target, r.err
}

func (c *Client) Chmod(ctx context.Context, path string, mode uint16) error {
	res, err := c.srv.call(ctx, c.who, req_FS_Chmod{path, mode})
	if err != nil {
		return err
	}
	return res.(res_FS_Chmod).err
}
