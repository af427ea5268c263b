package common

// Byte offsets of the interpreted inode fields.
const (
	InoMode       = 0
	InoUID        = 2
	InoSize       = 4
	InoATime      = 8
	InoCTime      = 12
	InoMTime      = 16
	InoDTime      = 20
	InoGID        = 24
	InoLinks      = 26
	InoBlocks     = 28
	InoFlags      = 32
	InoBlock      = 40
	InoGeneration = 100
	InoFileACL    = 104
	InoSizeHigh   = 108
	InoUIDHigh    = 120
	InoGIDHigh    = 122
)

// InodeLocation returns the block and byte offset of inode ino's slot in the
// inode table described by gd, or false if ino is out of range.
func InodeLocation(sb *Superblock, groups []GroupDesc, ino uint32) (block uint32, off int, ok bool) {
	if ino == 0 || ino > sb.InodesCount {
		return 0, 0, false
	}
	g := (ino - 1) / sb.InodesPerGroup
	if int(g) >= len(groups) {
		return 0, 0, false
	}
	idx := (ino - 1) % sb.InodesPerGroup
	bs := uint32(sb.BlockSize())
	byteOff := idx * uint32(sb.InodeSize)
	return groups[g].InodeTable + byteOff/bs, int(byteOff % bs), true
}
