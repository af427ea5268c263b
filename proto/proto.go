// Package proto is the message protocol spoken between filesystem clients and
// the filesystem service. Every message is an 8-byte header (message id and
// payload length, little-endian) followed by a fixed-size envelope and then
// a bulk segment of variable length holding paths, file data or directory
// listings.
package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jnwhiteh/extfs/common"
)

// Message ids of requests. The id of a response is its request's id plus
// ResponseOffset.
const (
	MsgOpen     uint32 = 100
	MsgRead     uint32 = 101
	MsgWrite    uint32 = 102
	MsgClose    uint32 = 103
	MsgSync     uint32 = 104
	MsgLink     uint32 = 105
	MsgUnlink   uint32 = 106
	MsgMkdir    uint32 = 108
	MsgRmdir    uint32 = 109
	MsgIstat    uint32 = 110
	MsgChmod    uint32 = 111
	MsgTruncate uint32 = 114
	MsgStat     uint32 = 115
	MsgReaddir  uint32 = 116
	MsgSymlink  uint32 = 117
	MsgReadlink uint32 = 118

	ResponseOffset uint32 = 1000
)

// MaxMessage bounds the payload a peer may announce.
const MaxMessage = 16 << 20

var le = binary.LittleEndian

var ErrTooLarge = fmt.Errorf("message too large: %w", common.EINVAL)

// Request is a decoded request. Which fields matter depends on Msg.
type Request struct {
	Msg    uint32
	Ino    uint32
	Offset uint64
	Count  uint32
	Flags  uint32
	Mode   uint16
	UID    uint32
	GID    uint32
	Path   string
	Path2  string // second path of link and symlink
	Data   []byte
}

// Response is a decoded response. Result is zero or positive on success and
// a negative common.Code otherwise.
type Response struct {
	Msg     uint32
	Result  int32
	Ino     uint32
	Count   uint32
	Failed  uint32
	Info    common.FileInfo
	Data    []byte
	Entries []common.DirEntry
}

// Err turns a negative result into an error.
func (r *Response) Err() error {
	return common.FromCode(r.Result)
}

type header struct {
	Msg uint32
	Len uint32
}

type wireRequest struct {
	Ino      uint32
	Offset   uint64
	Count    uint32
	Flags    uint32
	Mode     uint16
	PathLen  uint16
	UID      uint32
	GID      uint32
	Path2Len uint16
	DataLen  uint32
}

type wireInfo struct {
	Ino       uint32
	Mode      uint16
	Links     uint16
	UID       uint32
	GID       uint32
	Size      uint64
	Blocks    uint32
	BlockSize uint32
	ATime     int64
	MTime     int64
	CTime     int64
}

type wireResponse struct {
	Result  int32
	Ino     uint32
	Count   uint32
	Failed  uint32
	Info    wireInfo
	Entries uint32
	DataLen uint32
}

var (
	requestSize  = binary.Size(wireRequest{})
	responseSize = binary.Size(wireResponse{})
)

func writeMessage(w io.Writer, msg uint32, fixed interface{}, bulk ...[]byte) error {
	var buf bytes.Buffer
	n := binary.Size(fixed)
	for _, b := range bulk {
		n += len(b)
	}
	if n > MaxMessage {
		return ErrTooLarge
	}
	buf.Grow(8 + n)
	binary.Write(&buf, le, header{Msg: msg, Len: uint32(n)})
	binary.Write(&buf, le, fixed)
	for _, b := range bulk {
		buf.Write(b)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// readMessage reads one message, decoding the envelope into fixed and
// returning the id and the bulk segment.
func readMessage(r io.Reader, fixed interface{}, size int) (uint32, []byte, error) {
	var h header
	if err := binary.Read(r, le, &h); err != nil {
		return 0, nil, err
	}
	if h.Len > MaxMessage {
		return 0, nil, ErrTooLarge
	}
	if int(h.Len) < size {
		return 0, nil, fmt.Errorf("message %d: short payload of %d bytes: %w", h.Msg, h.Len, common.EINVAL)
	}
	payload := make([]byte, h.Len)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	if err := binary.Read(bytes.NewReader(payload[:size]), le, fixed); err != nil {
		return 0, nil, err
	}
	return h.Msg, payload[size:], nil
}

// cut splits n bytes off the front of bulk.
func cut(bulk []byte, n int) ([]byte, []byte, error) {
	if n > len(bulk) {
		return nil, nil, fmt.Errorf("bulk segment of %d bytes, need %d: %w", len(bulk), n, common.EINVAL)
	}
	return bulk[:n], bulk[n:], nil
}

func WriteRequest(w io.Writer, req *Request) error {
	if len(req.Path) > common.MaxPathLen || len(req.Path2) > common.MaxPathLen {
		return fmt.Errorf("path of %d bytes: %w", len(req.Path), common.ENAMETOOLONG)
	}
	wr := wireRequest{
		Ino:      req.Ino,
		Offset:   req.Offset,
		Count:    req.Count,
		Flags:    req.Flags,
		Mode:     req.Mode,
		PathLen:  uint16(len(req.Path)),
		UID:      req.UID,
		GID:      req.GID,
		Path2Len: uint16(len(req.Path2)),
		DataLen:  uint32(len(req.Data)),
	}
	return writeMessage(w, req.Msg, &wr, []byte(req.Path), []byte(req.Path2), req.Data)
}

func ReadRequest(r io.Reader) (*Request, error) {
	var wr wireRequest
	msg, bulk, err := readMessage(r, &wr, requestSize)
	if err != nil {
		return nil, err
	}
	req := &Request{
		Msg:    msg,
		Ino:    wr.Ino,
		Offset: wr.Offset,
		Count:  wr.Count,
		Flags:  wr.Flags,
		Mode:   wr.Mode,
		UID:    wr.UID,
		GID:    wr.GID,
	}
	var b []byte
	if b, bulk, err = cut(bulk, int(wr.PathLen)); err != nil {
		return nil, err
	}
	req.Path = string(b)
	if b, bulk, err = cut(bulk, int(wr.Path2Len)); err != nil {
		return nil, err
	}
	req.Path2 = string(b)
	if req.Data, _, err = cut(bulk, int(wr.DataLen)); err != nil {
		return nil, err
	}
	return req, nil
}

func encodeInfo(fi common.FileInfo) wireInfo {
	return wireInfo{
		Ino:       fi.Ino,
		Mode:      fi.Mode,
		Links:     fi.Links,
		UID:       fi.UID,
		GID:       fi.GID,
		Size:      fi.Size,
		Blocks:    fi.Blocks,
		BlockSize: fi.BlockSize,
		ATime:     fi.ATime.Unix(),
		MTime:     fi.MTime.Unix(),
		CTime:     fi.CTime.Unix(),
	}
}

func decodeInfo(wi wireInfo) common.FileInfo {
	return common.FileInfo{
		Ino:       wi.Ino,
		Mode:      wi.Mode,
		Links:     wi.Links,
		UID:       wi.UID,
		GID:       wi.GID,
		Size:      wi.Size,
		Blocks:    wi.Blocks,
		BlockSize: wi.BlockSize,
		ATime:     time.Unix(wi.ATime, 0),
		MTime:     time.Unix(wi.MTime, 0),
		CTime:     time.Unix(wi.CTime, 0),
	}
}

// Directory entries travel as ino u32, type u8, name length u8, name.
func encodeEntries(entries []common.DirEntry) []byte {
	var b []byte
	for _, e := range entries {
		var hdr [6]byte
		le.PutUint32(hdr[0:], e.Ino)
		hdr[4] = e.FileType
		hdr[5] = uint8(len(e.Name))
		b = append(b, hdr[:]...)
		b = append(b, e.Name...)
	}
	return b
}

func decodeEntries(b []byte, n int) ([]common.DirEntry, error) {
	entries := make([]common.DirEntry, 0, n)
	for i := 0; i < n; i++ {
		if len(b) < 6 || len(b) < 6+int(b[5]) {
			return nil, fmt.Errorf("truncated directory listing: %w", common.EIO)
		}
		l := int(b[5])
		entries = append(entries, common.DirEntry{
			Ino:      le.Uint32(b[0:]),
			FileType: b[4],
			Name:     string(b[6 : 6+l]),
		})
		b = b[6+l:]
	}
	return entries, nil
}

func WriteResponse(w io.Writer, res *Response) error {
	entries := encodeEntries(res.Entries)
	wr := wireResponse{
		Result:  res.Result,
		Ino:     res.Ino,
		Count:   res.Count,
		Failed:  res.Failed,
		Info:    encodeInfo(res.Info),
		Entries: uint32(len(res.Entries)),
		DataLen: uint32(len(res.Data)),
	}
	return writeMessage(w, res.Msg, &wr, res.Data, entries)
}

func ReadResponse(r io.Reader) (*Response, error) {
	var wr wireResponse
	msg, bulk, err := readMessage(r, &wr, responseSize)
	if err != nil {
		return nil, err
	}
	res := &Response{
		Msg:    msg,
		Result: wr.Result,
		Ino:    wr.Ino,
		Count:  wr.Count,
		Failed: wr.Failed,
		Info:   decodeInfo(wr.Info),
	}
	if res.Data, bulk, err = cut(bulk, int(wr.DataLen)); err != nil {
		return nil, err
	}
	if wr.Entries > 0 {
		if res.Entries, err = decodeEntries(bulk, int(wr.Entries)); err != nil {
			return nil, err
		}
	}
	return res, nil
}
