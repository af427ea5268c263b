// Package debug renders filesystem structures for diagnostics: raw block
// contents classified by what the block holds, and yaml reports of the
// superblock and group descriptors.
package debug

import (
	"encoding/binary"
	"fmt"
	"io"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/jnwhiteh/extfs/common"
)

type Kind int

const (
	KindData Kind = iota
	KindBoot
	KindSuper
	KindGroupDesc
	KindBlockBitmap
	KindInodeBitmap
	KindInodeTable
)

var kindNames = [...]string{"data", "boot", "superblock", "group descriptors", "block bitmap", "inode bitmap", "inode table"}

func (k Kind) String() string { return kindNames[k] }

// Classify reports what block b holds according to the filesystem layout.
// Directory blocks are data blocks; the caller knows which ones they are.
func Classify(sb *common.Superblock, groups []common.GroupDesc, b uint32) Kind {
	bs := uint32(sb.BlockSize())
	switch {
	case b < sb.FirstDataBlock:
		return KindBoot
	case b == common.SuperblockOffset/bs:
		return KindSuper
	}
	gdt := sb.GDTBlock()
	gdtBlocks := (uint32(len(groups))*common.GroupDescSize + bs - 1) / bs
	if b >= gdt && b < gdt+gdtBlocks {
		return KindGroupDesc
	}
	itBlocks := (sb.InodesPerGroup*uint32(sb.InodeSize) + bs - 1) / bs
	for _, gd := range groups {
		switch {
		case b == gd.BlockBitmap:
			return KindBlockBitmap
		case b == gd.InodeBitmap:
			return KindInodeBitmap
		case b >= gd.InodeTable && b < gd.InodeTable+itBlocks:
			return KindInodeTable
		}
	}
	return KindData
}

// ModeString formats mode the way ls -l does.
func ModeString(mode uint16) string {
	const types = "?pc?d?b?-?l?s???"
	rwx := []byte("?---------")
	rwx[0] = types[mode>>12&0xF]
	for i := 0; i < 9; i++ {
		if mode&(1<<uint(8-i)) != 0 {
			rwx[1+i] = "rwx"[i%3]
		}
	}
	special := func(bit uint16, pos int, set, unset byte) {
		if mode&bit == 0 {
			return
		}
		if rwx[pos] == 'x' {
			rwx[pos] = set
		} else {
			rwx[pos] = unset
		}
	}
	special(common.S_ISUID, 3, 's', 'S')
	special(common.S_ISGID, 6, 's', 'S')
	special(common.S_ISVTX, 9, 't', 'T')
	return string(rwx)
}

// PrintDirBlock lists the records of a directory block, including the
// tombstones and slack that lookups skip.
func PrintDirBlock(w io.Writer, data []byte) error {
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "OFFSET\tINODE\tRECLEN\tTYPE\tNAME\n")
	for off := 0; off < len(data); {
		e, err := common.DecodeDirent(data[off:])
		if err != nil {
			tw.Flush()
			return fmt.Errorf("record at offset %d: %w", off, err)
		}
		name := fmt.Sprintf("%q", e.Name)
		if e.Ino == 0 {
			name = "(free)"
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%s\n", off, e.Ino, e.RecLen, e.FileType, name)
		off += int(e.RecLen)
	}
	return tw.Flush()
}

// PrintInodeBlock lists the allocated inodes in block b of an inode table.
func PrintInodeBlock(w io.Writer, sb *common.Superblock, groups []common.GroupDesc, b uint32, data []byte) {
	le := binary.LittleEndian
	isz := int(sb.InodeSize)
	bs := uint32(sb.BlockSize())
	first := uint32(0)
	for g, gd := range groups {
		if b >= gd.InodeTable && b < gd.InodeTable+(sb.InodesPerGroup*uint32(isz)+bs-1)/bs {
			first = uint32(g)*sb.InodesPerGroup + (b-gd.InodeTable)*(bs/uint32(isz)) + 1
			break
		}
	}

	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "INODE\tMODE\tLINKS\tUID\tSIZE\tBLOCKS\n")
	for i := 0; i+isz <= len(data); i += isz {
		raw := data[i : i+isz]
		mode := le.Uint16(raw[common.InoMode:])
		links := le.Uint16(raw[common.InoLinks:])
		if mode == 0 && links == 0 {
			continue
		}
		ptrs := make([]uint32, common.NBlockPtrs)
		for j := range ptrs {
			ptrs[j] = le.Uint32(raw[common.InoBlock+4*j:])
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%v\n", first+uint32(i/isz), ModeString(mode), links,
			le.Uint16(raw[common.InoUID:]), le.Uint32(raw[common.InoSize:]), ptrs)
	}
	tw.Flush()
}

// PrintBlock prints block b in the form that suits its kind. Blocks that are
// not metadata are hex dumped unless dir says they belong to a directory.
func PrintBlock(w io.Writer, sb *common.Superblock, groups []common.GroupDesc, b uint32, data []byte, dir bool) error {
	k := Classify(sb, groups, b)
	fmt.Fprintf(w, "block %d (%s)\n", b, k)
	switch {
	case k == KindInodeTable:
		PrintInodeBlock(w, sb, groups, b, data)
	case k == KindData && dir:
		return PrintDirBlock(w, data)
	case k == KindBlockBitmap || k == KindInodeBitmap:
		fmt.Fprintf(w, "%d bits set\n", popcount(data))
		fallthrough
	default:
		hexdump(w, data)
	}
	return nil
}

func popcount(b []byte) int {
	n := 0
	for _, c := range b {
		for ; c != 0; c &= c - 1 {
			n++
		}
	}
	return n
}

// hexdump prints 16 bytes per line and collapses runs of identical lines.
func hexdump(w io.Writer, data []byte) {
	var prev []byte
	skipping := false
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		line := data[off:end]
		if prev != nil && string(line) == string(prev) {
			if !skipping {
				fmt.Fprintln(w, "*")
				skipping = true
			}
			continue
		}
		skipping = false
		prev = line
		fmt.Fprintf(w, "%08x  % x\n", off, line)
	}
}

// Report is the yaml document printed by dump.
type Report struct {
	Superblock common.Superblock  `yaml:"superblock"`
	Groups     []common.GroupDesc `yaml:"groups"`
	Stats      interface{}        `yaml:"stats,omitempty"`
}

// WriteYAML encodes v as a yaml document.
func WriteYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
