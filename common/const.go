package common

const (
	SectorSize       = 512
	SuperblockOffset = 1024
	SuperblockSize   = 1024
	GroupDescSize    = 32
	InodeSize        = 128 // bytes interpreted per inode; on-disk slots may be larger

	RootIno  uint32 = 2
	FirstIno uint32 = 11 // first non-reserved inode

	NDirect        = 12 // direct block pointers per inode
	IndBlock       = 12 // slot of the single-indirect pointer
	DIndBlock      = 13 // slot of the double-indirect pointer
	TIndBlock      = 14 // triple indirection is not supported
	NBlockPtrs     = 15
	MaxNameLen     = 255
	MaxSymlinks    = 8
	FastSymlinkMax = 60 // targets shorter than this live in the block array
	MaxPathLen     = 4096
)

// Inode mode bits
const (
	S_IFMT   uint16 = 0xF000
	S_IFSOCK uint16 = 0xC000
	S_IFLNK  uint16 = 0xA000
	S_IFREG  uint16 = 0x8000
	S_IFBLK  uint16 = 0x6000
	S_IFDIR  uint16 = 0x4000
	S_IFCHR  uint16 = 0x2000
	S_IFIFO  uint16 = 0x1000

	S_ISUID uint16 = 0x0800
	S_ISGID uint16 = 0x0400
	S_ISVTX uint16 = 0x0200

	R_BIT uint16 = 4
	W_BIT uint16 = 2
	X_BIT uint16 = 1
)

// Directory entry file types, stored when the filetype feature is enabled.
const (
	FT_UNKNOWN uint8 = iota
	FT_REG_FILE
	FT_DIR
	FT_CHRDEV
	FT_BLKDEV
	FT_FIFO
	FT_SOCK
	FT_SYMLINK
)

// FileTypeOf maps inode mode bits onto a directory entry file type.
func FileTypeOf(mode uint16) uint8 {
	switch mode & S_IFMT {
	case S_IFREG:
		return FT_REG_FILE
	case S_IFDIR:
		return FT_DIR
	case S_IFCHR:
		return FT_CHRDEV
	case S_IFBLK:
		return FT_BLKDEV
	case S_IFIFO:
		return FT_FIFO
	case S_IFSOCK:
		return FT_SOCK
	case S_IFLNK:
		return FT_SYMLINK
	}
	return FT_UNKNOWN
}
