package common

import (
	"errors"
	"fmt"
)

// Errno-style sentinels. Callers wrap these with fmt.Errorf("...: %w") to add
// context and test for them with errors.Is.
var (
	EACCES       = errors.New("Permission denied")
	EBADF        = errors.New("Bad file number")
	EBUSY        = errors.New("Resource busy")
	EDIRTOOBIG   = errors.New("Directory too large")
	EEXIST       = errors.New("File exists")
	EFBIG        = errors.New("File too large")
	EINODE       = errors.New("Invalid inode number")
	EINVAL       = errors.New("Invalid argument")
	EIO          = errors.New("I/O error")
	EISDIR       = errors.New("Is a directory")
	ELOOP        = errors.New("Too many levels of symbolic links")
	ENAMETOOLONG = errors.New("File name too long")
	ENFILE       = errors.New("File table overflow")
	ENOENT       = errors.New("No such file or directory")
	ENOMEM       = errors.New("Not enough core")
	ENOSPC       = errors.New("No space left on device")
	ENOTDIR      = errors.New("Not a directory")
	ENOTEMPTY    = errors.New("Directory not empty")
	ENOTSUP      = errors.New("Operation not supported")
)

// ErrMountPoint is returned by path resolution when a component names an
// inode that another filesystem is mounted on. Rest holds the part of the
// path that was not consumed, so the caller can forward it.
type ErrMountPoint struct {
	Ino  uint32
	Rest string
}

func (e *ErrMountPoint) Error() string {
	return fmt.Sprintf("mount point at inode %d (remaining %q)", e.Ino, e.Rest)
}

// Is lets errors.Is(err, EBUSY) match a mount point crossing.
func (e *ErrMountPoint) Is(target error) bool {
	return target == EBUSY
}

// Numeric result codes used on the wire. Values match the kernel's error
// table so existing clients keep working.
const (
	CodeOK           int32 = 0
	CodeBusy         int32 = -1
	CodeNoFreeFD     int32 = -2
	CodeInvalidArgs  int32 = -5
	CodeInvalidFD    int32 = -6
	CodeNoPerm       int32 = -8
	CodeNoMem        int32 = -11
	CodeNoDirectory  int32 = -26
	CodeNotFound     int32 = -27
	CodeReadFailed   int32 = -28
	CodeInvalidPath  int32 = -29
	CodeInvalidInode int32 = -30
	CodeExists       int32 = -33
	CodeUnsupported  int32 = -40
	CodeNoSpace      int32 = -41
	CodeWriteFailed  int32 = -42
	CodeDirTooBig    int32 = -44
	CodeFileTooBig   int32 = -45
	CodeNameTooLong  int32 = -46
	CodeLoop         int32 = -47
	CodeIsDir        int32 = -48
	CodeNotEmpty     int32 = -49
)

var codes = []struct {
	err  error
	code int32
}{
	{EBUSY, CodeBusy},
	{ENFILE, CodeNoFreeFD},
	{EINVAL, CodeInvalidArgs},
	{EBADF, CodeInvalidFD},
	{EACCES, CodeNoPerm},
	{ENOMEM, CodeNoMem},
	{ENOTDIR, CodeNoDirectory},
	{ENOENT, CodeNotFound},
	{EIO, CodeReadFailed},
	{EINODE, CodeInvalidInode},
	{EEXIST, CodeExists},
	{ENOTSUP, CodeUnsupported},
	{ENOSPC, CodeNoSpace},
	{EDIRTOOBIG, CodeDirTooBig},
	{EFBIG, CodeFileTooBig},
	{ENAMETOOLONG, CodeNameTooLong},
	{ELOOP, CodeLoop},
	{EISDIR, CodeIsDir},
	{ENOTEMPTY, CodeNotEmpty},
}

// Code maps an error onto its wire result code. Unknown errors are reported
// as read failures.
func Code(err error) int32 {
	if err == nil {
		return CodeOK
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeReadFailed
}

// FromCode is the inverse of Code. Non-negative codes yield nil.
func FromCode(code int32) error {
	if code >= 0 {
		return nil
	}
	switch code {
	case CodeWriteFailed:
		return EIO
	case CodeInvalidPath:
		return EINVAL
	}
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return fmt.Errorf("%w: remote error %d", EIO, code)
}
