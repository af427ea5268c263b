package common

import (
	"encoding/binary"
	"fmt"
)

// DirentHeaderSize is the fixed part of an on-disk directory entry.
const DirentHeaderSize = 8

// DirEntry is a decoded directory entry. Entries with Ino == 0 are
// tombstones and never escape the directory scanner.
type DirEntry struct {
	Ino      uint32 `yaml:"ino"`
	RecLen   uint16 `yaml:"-"`
	FileType uint8  `yaml:"type"`
	Name     string `yaml:"name"`
}

// DirentLen is the smallest record length able to hold a name of n bytes.
func DirentLen(n int) int {
	return (DirentHeaderSize + n + 3) &^ 3
}

// DecodeDirent parses the entry starting at b[0]. b must end at the end of
// the directory block, which bounds rec_len.
func DecodeDirent(b []byte) (DirEntry, error) {
	if len(b) < DirentHeaderSize {
		return DirEntry{}, fmt.Errorf("truncated directory entry: %w", EIO)
	}
	le := binary.LittleEndian
	e := DirEntry{
		Ino:      le.Uint32(b[0:]),
		RecLen:   le.Uint16(b[4:]),
		FileType: b[7],
	}
	nameLen := int(b[6])
	if int(e.RecLen) < DirentHeaderSize || int(e.RecLen) > len(b) || e.RecLen%4 != 0 {
		return DirEntry{}, fmt.Errorf("corrupt directory entry (rec_len %d): %w", e.RecLen, EIO)
	}
	if e.Ino != 0 {
		if DirentHeaderSize+nameLen > int(e.RecLen) {
			return DirEntry{}, fmt.Errorf("corrupt directory entry (name_len %d): %w", nameLen, EIO)
		}
		e.Name = string(b[DirentHeaderSize : DirentHeaderSize+nameLen])
	}
	return e, nil
}

// EncodeDirent writes e at b[0]. e.RecLen must already be set.
func EncodeDirent(b []byte, e DirEntry) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], e.Ino)
	le.PutUint16(b[4:], e.RecLen)
	b[6] = uint8(len(e.Name))
	b[7] = e.FileType
	copy(b[DirentHeaderSize:], e.Name)
}
