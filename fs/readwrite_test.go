package fs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnwhiteh/extfs/common"
)

func TestPartialReadAtEOF(t *testing.T) {
	_, c := OpenTestImage(t)
	ino := createFile(t, c, "/ten", []byte("0123456789"))

	data, err := c.Read(bg, ino, 5, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("56789"), data)

	data, err = c.Read(bg, ino, 10, 100)
	require.NoError(t, err)
	assert.Empty(t, data)

	data, err = c.Read(bg, ino, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, data)

	_, err = c.Read(bg, ino, 0, MaxTransfer+1)
	assert.ErrorIs(t, err, common.EINVAL)
	_, err = c.Read(bg, common.RootIno, 0, 10)
	assert.ErrorIs(t, err, common.EISDIR)
	_, err = c.Read(bg, 0, 0, 10)
	assert.ErrorIs(t, err, common.EINODE)
}

// Write a file in odd-sized chunks and read it back the same way.
func TestWriteThenRead(t *testing.T) {
	srv, c := OpenTestImage(t)
	bs := int(srv.Superblock().BlockSize())
	data := make([]byte, 300*1024+17)
	rand.New(rand.NewSource(1)).Read(data)
	ino := createFile(t, c, "/big", nil)

	chunk := bs + bs/3
	for pos := 0; pos < len(data); pos += chunk {
		end := pos + chunk
		if end > len(data) {
			end = len(data)
		}
		n, err := c.Write(bg, ino, uint64(pos), data[pos:end])
		require.NoError(t, err)
		require.Equal(t, end-pos, n)
	}

	info, err := c.Istat(bg, ino)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), info.Size)

	var got []byte
	for pos := 0; pos < len(data); pos += 7000 {
		part, err := c.Read(bg, ino, uint64(pos), 7000)
		require.NoError(t, err)
		got = append(got, part...)
	}
	assert.True(t, bytes.Equal(data, got))
}

func TestTruncate(t *testing.T) {
	srv, c := OpenTestImage(t)
	free := srv.Superblock().FreeBlocksCount
	ino := createFile(t, c, "/t", bytes.Repeat([]byte{'x'}, 20*1024))
	assert.Less(t, srv.Superblock().FreeBlocksCount, free)

	require.NoError(t, c.Truncate(bg, ino, 5))
	data, err := c.Read(bg, ino, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("xxxxx"), data)
	assert.Equal(t, free-1, srv.Superblock().FreeBlocksCount)

	assert.ErrorIs(t, c.Truncate(bg, common.RootIno, 0), common.EINVAL)
}

func TestWriteNoSpace(t *testing.T) {
	srv, c := OpenTestImage(t)
	ino := createFile(t, c, "/fill", nil)
	chunk := make([]byte, 512*1024)
	var total int
	var err error
	for i := 0; i < 20 && err == nil; i++ {
		var n int
		n, err = c.Write(bg, ino, uint64(total), chunk)
		total += n
	}
	assert.ErrorIs(t, err, common.ENOSPC)
	assert.Zero(t, srv.Superblock().FreeBlocksCount)

	info, err := c.Istat(bg, ino)
	require.NoError(t, err)
	assert.Equal(t, uint64(total), info.Size)

	// the filesystem keeps serving
	_, err = c.Stat(bg, "/fill")
	assert.NoError(t, err)
}

func TestConcurrentClients(t *testing.T) {
	srv, _ := OpenTestImage(t)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := srv.Client(0, 0)
			path := fmt.Sprintf("/client-%d", i)
			data := bytes.Repeat([]byte{byte('a' + i)}, 5000+i)
			ino, err := c.Open(bg, path, common.O_READ|common.O_WRITE|common.O_CREATE, 0644)
			if !assert.NoError(t, err) {
				return
			}
			for off := 0; off < len(data); off += 1000 {
				end := off + 1000
				if end > len(data) {
					end = len(data)
				}
				_, err := c.Write(bg, ino, uint64(off), data[off:end])
				assert.NoError(t, err)
			}
			got, err := c.Read(bg, ino, 0, len(data)+10)
			assert.NoError(t, err)
			assert.Equal(t, data, got)
			assert.NoError(t, c.Close(bg, ino))
		}(i)
	}
	wg.Wait()

	entries, err := srv.Client(0, 0).Readdir(bg, common.RootIno)
	require.NoError(t, err)
	assert.Len(t, entries, 6)
}

// A failing device write surfaces on sync but the service keeps going, and
// the blocks get written once the device recovers.
func TestSyncSurvivesDeviceErrors(t *testing.T) {
	dev := newFailing(t)
	srv, _ := startServer(t, dev, DefaultConfig())
	c := srv.Client(0, 0)
	ino := createFile(t, c, "/f", []byte("payload"))

	dev.failAll(true)
	res, err := c.Sync(bg)
	assert.ErrorIs(t, err, common.EIO)
	assert.NotZero(t, res.Failed)

	data, err := c.Read(bg, ino, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	dev.failAll(false)
	res, err = c.Sync(bg)
	require.NoError(t, err)
	assert.Zero(t, res.Failed)
	assert.NotZero(t, res.Written)
}

// Blocks freed by an unlinked file are still cached when the next file takes
// them over. Stale pointers in a reused indirect block would send the second
// write into the inode table.
func TestReuseFreedBlocks(t *testing.T) {
	srv, c := OpenTestImage(t)
	bs := uint64(srv.Superblock().BlockSize())

	pattern := make([]byte, 13*bs)
	for i := 0; i < len(pattern); i += 4 {
		binary.LittleEndian.PutUint32(pattern[i:], 5)
	}
	a := createFile(t, c, "/a", pattern)
	require.NoError(t, c.Close(bg, a))
	require.NoError(t, c.Unlink(bg, "/a"))

	b := createFile(t, c, "/b", nil)
	_, err := c.Write(bg, b, 12*bs, []byte("x"))
	require.NoError(t, err)
	_, err = c.Write(bg, b, 13*bs, []byte("y"))
	require.NoError(t, err)

	entries, err := c.Readdir(bg, common.RootIno)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.ElementsMatch(t, []string{".", "..", "b"}, names)

	data, err := c.Read(bg, b, 0, int(13*bs+1))
	require.NoError(t, err)
	want := make([]byte, 13*bs+1)
	want[12*bs] = 'x'
	want[13*bs] = 'y'
	assert.Equal(t, want, data)
}

func TestReadWriteFreeInode(t *testing.T) {
	srv, c := OpenTestImage(t)
	free := srv.Superblock().FreeBlocksCount

	_, err := c.Write(bg, 50, 0, []byte("ghost"))
	assert.ErrorIs(t, err, common.ENOENT)
	_, err = c.Read(bg, 50, 0, 10)
	assert.ErrorIs(t, err, common.ENOENT)
	assert.ErrorIs(t, c.Truncate(bg, 50, 10), common.ENOENT)

	ino := createFile(t, c, "/gone", []byte("data"))
	require.NoError(t, c.Close(bg, ino))
	require.NoError(t, c.Unlink(bg, "/gone"))
	_, err = c.Write(bg, ino, 4096, []byte("late"))
	assert.ErrorIs(t, err, common.ENOENT)

	assert.Equal(t, free, srv.Superblock().FreeBlocksCount)
}
