package common

import (
	"context"
	"time"
)

// BlockDevice is a random access device addressed in 512-byte sectors. Reads
// and writes block the caller until they complete.
type BlockDevice interface {
	ReadSectors(ctx context.Context, buf []byte, sector uint64, count int) error
	WriteSectors(ctx context.Context, buf []byte, sector uint64, count int) error
	// Capacity is the device size in sectors.
	Capacity() uint64
	Close() error
}

// Allocator hands out free blocks and inodes.
type Allocator interface {
	// AllocBlock returns a free block, preferring one at or after hint.
	AllocBlock(ctx context.Context, hint uint32) (uint32, error)
	FreeBlock(ctx context.Context, block uint32) error
	// AllocInode returns a free inode number. dir is set when the inode will
	// hold a directory, which is accounted for separately.
	AllocInode(ctx context.Context, dir bool) (uint32, error)
	FreeInode(ctx context.Context, ino uint32, dir bool) error
}

// FileInfo is the stat(2)-style description of an inode.
type FileInfo struct {
	Ino       uint32    `yaml:"ino"`
	Mode      uint16    `yaml:"mode"`
	UID       uint32    `yaml:"uid"`
	GID       uint32    `yaml:"gid"`
	Size      uint64    `yaml:"size"`
	Links     uint16    `yaml:"links"`
	Blocks    uint32    `yaml:"blocks"` // 512-byte units
	BlockSize uint32    `yaml:"block_size"`
	ATime     time.Time `yaml:"atime"`
	MTime     time.Time `yaml:"mtime"`
	CTime     time.Time `yaml:"ctime"`
}

func (fi FileInfo) IsDir() bool     { return fi.Mode&S_IFMT == S_IFDIR }
func (fi FileInfo) IsRegular() bool { return fi.Mode&S_IFMT == S_IFREG }
func (fi FileInfo) IsSymlink() bool { return fi.Mode&S_IFMT == S_IFLNK }

// Open flags
const (
	O_READ   = 1 << 0
	O_WRITE  = 1 << 1
	O_CREATE = 1 << 2
	O_TRUNC  = 1 << 3
	O_EXCL   = 1 << 4
)
