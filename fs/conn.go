package fs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/jnwhiteh/extfs/common"
	"github.com/jnwhiteh/extfs/proto"
)

type connState int

const (
	stateIdle connState = iota
	stateAwaiting
	stateProcessing
	stateResponding
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAwaiting:
		return "awaiting"
	case stateProcessing:
		return "processing"
	case stateResponding:
		return "responding"
	case stateClosed:
		return "closed"
	}
	return fmt.Sprintf("connState(%d)", int(s))
}

// conn is one client connection. Requests run as uid/gid. Only a peer
// known to be the superuser may name another identity in its requests.
type conn struct {
	srv      *Server
	nc       net.Conn
	id       string
	uid, gid uint32
	trusted  bool
	state    connState
	log      *log.Entry
}

// identify fixes the identity of the connection's requests from the peer
// credentials of a unix socket, or from the configured remote identity.
func (c *conn) identify() {
	c.uid, c.gid = c.srv.cfg.RemoteUID, c.srv.cfg.RemoteGID
	if uid, gid, ok := peerCred(c.nc); ok {
		c.uid, c.gid = uid, gid
		c.trusted = uid == 0
	}
	c.log = c.log.WithFields(log.Fields{"uid": c.uid, "gid": c.gid})
}

func (c *conn) caller(req *proto.Request) (uint32, uint32) {
	if c.trusted {
		return req.UID, req.GID
	}
	if req.UID != c.uid || req.GID != c.gid {
		c.log.WithFields(log.Fields{"claimed_uid": req.UID, "claimed_gid": req.GID}).Debug("ignoring claimed identity")
	}
	return c.uid, c.gid
}

func (c *conn) enter(s connState) {
	c.log.WithFields(log.Fields{"from": c.state, "to": s}).Trace("connection state")
	c.state = s
}

// Serve accepts connections on ln until ctx is cancelled or ln fails. Each
// connection is served in its own goroutine.
func (srv *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		select {
		case <-ctx.Done():
		case <-srv.done:
		}
		ln.Close()
	}()
	srv.log.WithField("addr", ln.Addr().String()).Info("serving")
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-srv.done:
				return nil
			default:
				return err
			}
		}
		id := uuid.New().String()
		c := &conn{
			srv:   srv,
			nc:    nc,
			id:    id,
			state: stateIdle,
			log:   srv.log.WithFields(log.Fields{"client": id, "remote": nc.RemoteAddr().String()}),
		}
		c.identify()
		go c.serve(ctx)
	}
}

func (c *conn) serve(ctx context.Context) {
	defer c.nc.Close()
	c.log.Debug("client connected")
	rd := bufio.NewReader(c.nc)
	wr := bufio.NewWriter(c.nc)
	for {
		c.enter(stateAwaiting)
		req, err := proto.ReadRequest(rd)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.WithError(err).Warn("bad request")
			}
			break
		}

		c.enter(stateProcessing)
		res := c.dispatch(ctx, req)

		c.enter(stateResponding)
		if err := proto.WriteResponse(wr, res); err == nil {
			err = wr.Flush()
		}
		if err != nil {
			c.log.WithError(err).Warn("writing response")
			break
		}
	}
	c.enter(stateClosed)
	c.log.Debug("client disconnected")
}

func (c *conn) dispatch(ctx context.Context, req *proto.Request) *proto.Response {
	uid, gid := c.caller(req)
	cl := c.srv.Client(uid, gid).WithSession(c.id)
	res := &proto.Response{Msg: req.Msg + proto.ResponseOffset}
	var err error
	switch req.Msg {
	case proto.MsgOpen:
		res.Ino, err = cl.Open(ctx, req.Path, int(req.Flags), req.Mode)
	case proto.MsgClose:
		err = cl.Close(ctx, req.Ino)
	case proto.MsgStat:
		res.Info, err = cl.Stat(ctx, req.Path)
	case proto.MsgIstat:
		res.Info, err = cl.Istat(ctx, req.Ino)
	case proto.MsgRead:
		res.Data, err = cl.Read(ctx, req.Ino, req.Offset, int(req.Count))
		res.Count = uint32(len(res.Data))
	case proto.MsgWrite:
		var n int
		n, err = cl.Write(ctx, req.Ino, req.Offset, req.Data)
		res.Count = uint32(n)
	case proto.MsgTruncate:
		err = cl.Truncate(ctx, req.Ino, req.Offset)
	case proto.MsgSync:
		fr, ferr := cl.Sync(ctx)
		res.Count, res.Failed, err = uint32(fr.Written), uint32(fr.Failed), ferr
	case proto.MsgMkdir:
		res.Ino, err = cl.Mkdir(ctx, req.Path, req.Mode)
	case proto.MsgRmdir:
		err = cl.Rmdir(ctx, req.Path)
	case proto.MsgReaddir:
		res.Entries, err = cl.Readdir(ctx, req.Ino)
		res.Count = uint32(len(res.Entries))
	case proto.MsgLink:
		err = cl.Link(ctx, req.Path, req.Path2)
	case proto.MsgUnlink:
		err = cl.Unlink(ctx, req.Path)
	case proto.MsgSymlink:
		res.Ino, err = cl.Symlink(ctx, req.Path2, req.Path)
	case proto.MsgReadlink:
		var target string
		target, err = cl.Readlink(ctx, req.Ino)
		res.Data = []byte(target)
	case proto.MsgChmod:
		err = cl.Chmod(ctx, req.Path, req.Mode)
	default:
		err = fmt.Errorf("message %d: %w", req.Msg, common.ENOTSUP)
	}
	res.Result = common.Code(err)
	if res.Result == common.CodeOK {
		res.Result = int32(res.Count)
	}
	c.log.WithFields(log.Fields{"op": req.Msg, "result": res.Result}).Debug("request served")
	return res
}
