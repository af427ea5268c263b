package fs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnwhiteh/extfs/common"
)

func TestPathRoundTrip(t *testing.T) {
	_, c := OpenTestImage(t)
	a, err := c.Mkdir(bg, "/a", 0755)
	require.NoError(t, err)
	b, err := c.Mkdir(bg, "/a/b", 0755)
	require.NoError(t, err)

	info, err := c.Stat(bg, "/a/b")
	require.NoError(t, err)
	assert.Equal(t, b, info.Ino)
	assert.True(t, info.IsDir())

	info, err = c.Stat(bg, "/a/b/..")
	require.NoError(t, err)
	assert.Equal(t, a, info.Ino)

	_, err = c.Stat(bg, "/a/nonexistent")
	assert.ErrorIs(t, err, common.ENOENT)
	_, err = c.Stat(bg, "a/b")
	assert.ErrorIs(t, err, common.EINVAL)
}

func TestSymlinkThroughService(t *testing.T) {
	_, c := OpenTestImage(t)
	_, err := c.Mkdir(bg, "/dir", 0755)
	require.NoError(t, err)
	file := createFile(t, c, "/dir/file", []byte("through the link"))

	link, err := c.Symlink(bg, "dir/file", "/short")
	require.NoError(t, err)
	long := "/dir/" + strings.Repeat("./", 40) + "file"
	slow, err := c.Symlink(bg, long, "/long")
	require.NoError(t, err)

	for _, p := range []string{"/short", "/long"} {
		info, err := c.Stat(bg, p)
		require.NoError(t, err, p)
		assert.Equal(t, file, info.Ino, p)
	}

	target, err := c.Readlink(bg, link)
	require.NoError(t, err)
	assert.Equal(t, "dir/file", target)
	target, err = c.Readlink(bg, slow)
	require.NoError(t, err)
	assert.Equal(t, long, target)

	info, err := c.Istat(bg, slow)
	require.NoError(t, err)
	assert.True(t, info.IsSymlink())
	assert.NotZero(t, info.Blocks)

	_, err = c.Symlink(bg, "", "/empty")
	assert.ErrorIs(t, err, common.EINVAL)
}

func TestReaddir(t *testing.T) {
	_, c := OpenTestImage(t)
	_, err := c.Mkdir(bg, "/d", 0755)
	require.NoError(t, err)
	createFile(t, c, "/d/x", nil)
	_, err = c.Symlink(bg, "x", "/d/y")
	require.NoError(t, err)

	dir, err := c.Stat(bg, "/d")
	require.NoError(t, err)
	entries, err := c.Readdir(bg, dir.Ino)
	require.NoError(t, err)
	var names []string
	types := map[string]uint8{}
	for _, e := range entries {
		names = append(names, e.Name)
		types[e.Name] = e.FileType
	}
	assert.Equal(t, []string{".", "..", "x", "y"}, names)
	assert.Equal(t, common.FT_DIR, types[".."])
	assert.Equal(t, common.FT_REG_FILE, types["x"])
	assert.Equal(t, common.FT_SYMLINK, types["y"])

	x, err := c.Stat(bg, "/d/x")
	require.NoError(t, err)
	_, err = c.Readdir(bg, x.Ino)
	assert.ErrorIs(t, err, common.ENOTDIR)
}
