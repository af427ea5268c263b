package proto

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnwhiteh/extfs/common"
)

func TestRequestFraming(t *testing.T) {
	req := &Request{
		Msg:    MsgSymlink,
		UID:    1000,
		GID:    100,
		Mode:   0644,
		Offset: 1 << 40,
		Path:   "/dir/link",
		Path2:  "../target",
		Data:   []byte{1, 2, 3},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, req))

	// header: id then payload length
	raw := buf.Bytes()
	assert.Equal(t, MsgSymlink, binary.LittleEndian.Uint32(raw[0:]))
	assert.Equal(t, uint32(len(raw)-8), binary.LittleEndian.Uint32(raw[4:]))

	got, err := ReadRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestResponseCarriesEntries(t *testing.T) {
	now := time.Unix(1700000000, 0)
	res := &Response{
		Msg:    MsgReaddir + ResponseOffset,
		Result: 2,
		Count:  2,
		Info:   common.FileInfo{Ino: 2, Mode: common.S_IFDIR | 0755, ATime: now, MTime: now, CTime: now},
		Entries: []common.DirEntry{
			{Ino: 2, FileType: common.FT_DIR, Name: "."},
			{Ino: 12, FileType: common.FT_REG_FILE, Name: "hello.txt"},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, res))
	got, err := ReadResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, res.Entries, got.Entries)
	assert.Equal(t, res.Info.Mode, got.Info.Mode)
	assert.True(t, now.Equal(got.Info.MTime))
	assert.NoError(t, got.Err())
}

func TestErrorResults(t *testing.T) {
	for _, want := range []error{common.ENOENT, common.EACCES, common.ENOTEMPTY, common.ENOSPC} {
		res := &Response{Result: common.Code(want)}
		assert.ErrorIs(t, res.Err(), want)
	}
}

func TestBadFrames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, &Request{Msg: MsgOpen, Path: "/a/b"}))
	raw := buf.Bytes()

	_, err := ReadRequest(bytes.NewReader(raw[:len(raw)-1]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = ReadRequest(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)

	huge := make([]byte, 8)
	binary.LittleEndian.PutUint32(huge[0:], MsgWrite)
	binary.LittleEndian.PutUint32(huge[4:], MaxMessage+1)
	_, err = ReadRequest(bytes.NewReader(huge))
	assert.ErrorIs(t, err, ErrTooLarge)

	// path length pointing past the payload
	bad := append([]byte(nil), raw...)
	binary.LittleEndian.PutUint16(bad[8+22:], 200)
	_, err = ReadRequest(bytes.NewReader(bad))
	assert.ErrorIs(t, err, common.EINVAL)

	err = WriteRequest(io.Discard, &Request{Msg: MsgOpen, Path: "/" + strings.Repeat("x", common.MaxPathLen)})
	assert.ErrorIs(t, err, common.ENAMETOOLONG)
}
