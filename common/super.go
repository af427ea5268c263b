package common

import (
	"encoding/binary"
	"fmt"
)

const (
	SuperMagic uint16 = 0xef53

	StateClean uint16 = 1
	StateDirty uint16 = 2

	RevStatic  uint32 = 0
	RevDynamic uint32 = 1

	FeatureIncompatFiletype   uint32 = 0x0002
	FeatureROCompatSparse     uint32 = 0x0001
	SupportedIncompatFeatures        = FeatureIncompatFiletype
	SupportedROCompatFeatures        = FeatureROCompatSparse
)

// Superblock holds the fields of the on-disk ext2 superblock that the
// filesystem interprets. Encode only touches these fields, so the rest of the
// 1024-byte area (uuid, volume name, ...) survives a round trip.
type Superblock struct {
	InodesCount     uint32 `yaml:"inodes_count"`
	BlocksCount     uint32 `yaml:"blocks_count"`
	RBlocksCount    uint32 `yaml:"reserved_blocks_count"`
	FreeBlocksCount uint32 `yaml:"free_blocks_count"`
	FreeInodesCount uint32 `yaml:"free_inodes_count"`
	FirstDataBlock  uint32 `yaml:"first_data_block"`
	LogBlockSize    uint32 `yaml:"log_block_size"`
	BlocksPerGroup  uint32 `yaml:"blocks_per_group"`
	InodesPerGroup  uint32 `yaml:"inodes_per_group"`
	MTime           uint32 `yaml:"mount_time"`
	WTime           uint32 `yaml:"write_time"`
	MntCount        uint16 `yaml:"mount_count"`
	MaxMntCount     uint16 `yaml:"max_mount_count"`
	State           uint16 `yaml:"state"`
	Errors          uint16 `yaml:"errors"`
	RevLevel        uint32 `yaml:"rev_level"`
	FirstIno        uint32 `yaml:"first_ino"`
	InodeSize       uint16 `yaml:"inode_size"`
	BlockGroupNr    uint16 `yaml:"block_group_nr"`
	FeatureCompat   uint32 `yaml:"feature_compat"`
	FeatureIncompat uint32 `yaml:"feature_incompat"`
	FeatureROCompat uint32 `yaml:"feature_ro_compat"`
	VolumeName      string `yaml:"volume_name"`
}

// BlockSize returns the filesystem block size in bytes.
func (sb Superblock) BlockSize() int {
	return 1024 << sb.LogBlockSize
}

// GroupCount returns the number of block groups.
func (sb Superblock) GroupCount() int {
	if sb.BlocksPerGroup == 0 {
		return 0
	}
	data := sb.BlocksCount - sb.FirstDataBlock
	return int((data + sb.BlocksPerGroup - 1) / sb.BlocksPerGroup)
}

// GDTBlock is the block holding the first group descriptor.
func (sb Superblock) GDTBlock() uint32 {
	return sb.FirstDataBlock + 1
}

// Decode parses the superblock from b, which must hold at least
// SuperblockSize bytes starting at the superblock.
func (sb *Superblock) Decode(b []byte) error {
	if len(b) < SuperblockSize {
		return fmt.Errorf("decoding superblock: short buffer (%d bytes): %w", len(b), EINVAL)
	}
	le := binary.LittleEndian
	if magic := le.Uint16(b[56:]); magic != SuperMagic {
		return fmt.Errorf("decoding superblock: bad magic %#04x: %w", magic, EINVAL)
	}
	sb.InodesCount = le.Uint32(b[0:])
	sb.BlocksCount = le.Uint32(b[4:])
	sb.RBlocksCount = le.Uint32(b[8:])
	sb.FreeBlocksCount = le.Uint32(b[12:])
	sb.FreeInodesCount = le.Uint32(b[16:])
	sb.FirstDataBlock = le.Uint32(b[20:])
	sb.LogBlockSize = le.Uint32(b[24:])
	sb.BlocksPerGroup = le.Uint32(b[32:])
	sb.InodesPerGroup = le.Uint32(b[40:])
	sb.MTime = le.Uint32(b[44:])
	sb.WTime = le.Uint32(b[48:])
	sb.MntCount = le.Uint16(b[52:])
	sb.MaxMntCount = le.Uint16(b[54:])
	sb.State = le.Uint16(b[58:])
	sb.Errors = le.Uint16(b[60:])
	sb.RevLevel = le.Uint32(b[76:])

	if sb.RevLevel == RevStatic {
		sb.FirstIno = FirstIno
		sb.InodeSize = InodeSize
		sb.FeatureCompat, sb.FeatureIncompat, sb.FeatureROCompat = 0, 0, 0
		sb.VolumeName = ""
	} else {
		sb.FirstIno = le.Uint32(b[84:])
		sb.InodeSize = le.Uint16(b[88:])
		sb.BlockGroupNr = le.Uint16(b[90:])
		sb.FeatureCompat = le.Uint32(b[92:])
		sb.FeatureIncompat = le.Uint32(b[96:])
		sb.FeatureROCompat = le.Uint32(b[100:])
		sb.VolumeName = cstring(b[120:136])
	}

	switch {
	case sb.LogBlockSize > 5:
		return fmt.Errorf("decoding superblock: log block size %d: %w", sb.LogBlockSize, EINVAL)
	case sb.BlocksPerGroup == 0 || sb.InodesPerGroup == 0:
		return fmt.Errorf("decoding superblock: empty groups: %w", EINVAL)
	case sb.InodeSize < InodeSize || int(sb.InodeSize) > sb.BlockSize():
		return fmt.Errorf("decoding superblock: inode size %d: %w", sb.InodeSize, EINVAL)
	case sb.FeatureIncompat&^SupportedIncompatFeatures != 0:
		return fmt.Errorf("decoding superblock: incompatible features %#x: %w", sb.FeatureIncompat, ENOTSUP)
	case sb.FeatureROCompat&^SupportedROCompatFeatures != 0:
		return fmt.Errorf("decoding superblock: read-only features %#x: %w", sb.FeatureROCompat, ENOTSUP)
	}
	return nil
}

// Encode writes the interpreted fields back into b.
func (sb *Superblock) Encode(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], sb.InodesCount)
	le.PutUint32(b[4:], sb.BlocksCount)
	le.PutUint32(b[8:], sb.RBlocksCount)
	le.PutUint32(b[12:], sb.FreeBlocksCount)
	le.PutUint32(b[16:], sb.FreeInodesCount)
	le.PutUint32(b[20:], sb.FirstDataBlock)
	le.PutUint32(b[24:], sb.LogBlockSize)
	le.PutUint32(b[28:], sb.LogBlockSize) // fragment size equals block size
	le.PutUint32(b[32:], sb.BlocksPerGroup)
	le.PutUint32(b[36:], sb.BlocksPerGroup)
	le.PutUint32(b[40:], sb.InodesPerGroup)
	le.PutUint32(b[44:], sb.MTime)
	le.PutUint32(b[48:], sb.WTime)
	le.PutUint16(b[52:], sb.MntCount)
	le.PutUint16(b[54:], sb.MaxMntCount)
	le.PutUint16(b[56:], SuperMagic)
	le.PutUint16(b[58:], sb.State)
	le.PutUint16(b[60:], sb.Errors)
	le.PutUint32(b[76:], sb.RevLevel)
	if sb.RevLevel != RevStatic {
		le.PutUint32(b[84:], sb.FirstIno)
		le.PutUint16(b[88:], sb.InodeSize)
		le.PutUint16(b[90:], sb.BlockGroupNr)
		le.PutUint32(b[92:], sb.FeatureCompat)
		le.PutUint32(b[96:], sb.FeatureIncompat)
		le.PutUint32(b[100:], sb.FeatureROCompat)
		name := b[120:136]
		for i := range name {
			name[i] = 0
		}
		copy(name, sb.VolumeName)
	}
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// GroupDesc is one entry of the block group descriptor table.
type GroupDesc struct {
	BlockBitmap     uint32 `yaml:"block_bitmap"`
	InodeBitmap     uint32 `yaml:"inode_bitmap"`
	InodeTable      uint32 `yaml:"inode_table"`
	FreeBlocksCount uint16 `yaml:"free_blocks"`
	FreeInodesCount uint16 `yaml:"free_inodes"`
	UsedDirsCount   uint16 `yaml:"used_dirs"`
}

func (gd *GroupDesc) Decode(b []byte) {
	le := binary.LittleEndian
	gd.BlockBitmap = le.Uint32(b[0:])
	gd.InodeBitmap = le.Uint32(b[4:])
	gd.InodeTable = le.Uint32(b[8:])
	gd.FreeBlocksCount = le.Uint16(b[12:])
	gd.FreeInodesCount = le.Uint16(b[14:])
	gd.UsedDirsCount = le.Uint16(b[16:])
}

func (gd *GroupDesc) Encode(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], gd.BlockBitmap)
	le.PutUint32(b[4:], gd.InodeBitmap)
	le.PutUint32(b[8:], gd.InodeTable)
	le.PutUint16(b[12:], gd.FreeBlocksCount)
	le.PutUint16(b[14:], gd.FreeInodesCount)
	le.PutUint16(b[16:], gd.UsedDirsCount)
}
