package fs

import (
	"github.com/jnwhiteh/extfs/bcache"
	"github.com/jnwhiteh/extfs/common"
)

// caller identifies who issued a request, for permission checks.
type caller struct {
	uid, gid uint32
	session  string
}

type envelope struct {
	who   caller
	req   reqFS
	reply chan resFS
}

type req_FS_Open struct {
	path  string
	flags int
	mode  uint16
}
type res_FS_Open struct {
	ino uint32
	err error
}

type req_FS_Close struct {
	ino uint32
}
type res_FS_Close struct {
	err error
}

type req_FS_Stat struct {
	path string
}
type req_FS_Istat struct {
	ino uint32
}
type res_FS_Stat struct {
	info common.FileInfo
	err  error
}

type req_FS_Read struct {
	ino   uint32
	off   uint64
	count int
}
type res_FS_Read struct {
	data []byte
	err  error
}

type req_FS_Write struct {
	ino  uint32
	off  uint64
	data []byte
}
type res_FS_Write struct {
	n   int
	err error
}

type req_FS_Truncate struct {
	ino  uint32
	size uint64
}
type res_FS_Truncate struct {
	err error
}

type req_FS_Sync struct{}
type res_FS_Sync struct {
	result bcache.FlushResult
	err    error
}

type req_FS_Mkdir struct {
	path string
	mode uint16
}
type res_FS_Mkdir struct {
	ino uint32
	err error
}

type req_FS_Rmdir struct {
	path string
}
type res_FS_Rmdir struct {
	err error
}

type req_FS_Readdir struct {
	ino uint32
}
type res_FS_Readdir struct {
	entries []common.DirEntry
	err     error
}

type req_FS_Link struct {
	oldpath, newpath string
}
type res_FS_Link struct {
	err error
}

type req_FS_Unlink struct {
	path string
}
type res_FS_Unlink struct {
	err error
}

type req_FS_Symlink struct {
	target, path string
}
type res_FS_Symlink struct {
	ino uint32
	err error
}

type req_FS_Readlink struct {
	ino uint32
}
type res_FS_Readlink struct {
	target string
	err    error
}

type req_FS_Chmod struct {
	path string
	mode uint16
}
type res_FS_Chmod struct {
	err error
}

type reqFS interface {
	is_reqFS()
}
type resFS interface {
	is_resFS()
}

func (r req_FS_Open) is_reqFS()     {}
func (r res_FS_Open) is_resFS()     {}
func (r req_FS_Close) is_reqFS()    {}
func (r res_FS_Close) is_resFS()    {}
func (r req_FS_Stat) is_reqFS()     {}
func (r req_FS_Istat) is_reqFS()    {}
func (r res_FS_Stat) is_resFS()     {}
func (r req_FS_Read) is_reqFS()     {}
func (r res_FS_Read) is_resFS()     {}
func (r req_FS_Write) is_reqFS()    {}
func (r res_FS_Write) is_resFS()    {}
func (r req_FS_Truncate) is_reqFS() {}
func (r res_FS_Truncate) is_resFS() {}
func (r req_FS_Sync) is_reqFS()     {}
func (r res_FS_Sync) is_resFS()     {}
func (r req_FS_Mkdir) is_reqFS()    {}
func (r res_FS_Mkdir) is_resFS()    {}
func (r req_FS_Rmdir) is_reqFS()    {}
func (r res_FS_Rmdir) is_resFS()    {}
func (r req_FS_Readdir) is_reqFS()  {}
func (r res_FS_Readdir) is_resFS()  {}
func (r req_FS_Link) is_reqFS()     {}
func (r res_FS_Link) is_resFS()     {}
func (r req_FS_Unlink) is_reqFS()   {}
func (r res_FS_Unlink) is_resFS()   {}
func (r req_FS_Symlink) is_reqFS()  {}
func (r res_FS_Symlink) is_resFS()  {}
func (r req_FS_Readlink) is_reqFS() {}
func (r res_FS_Readlink) is_resFS() {}
func (r req_FS_Chmod) is_reqFS()    {}
func (r res_FS_Chmod) is_resFS()    {}
