package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/jnwhiteh/extfs/common"
)

// Ramdisk is a memory-backed device.
type Ramdisk struct {
	mu     sync.RWMutex
	data   []byte
	closed bool
}

func NewRamdisk(sectors uint64) *Ramdisk {
	return &Ramdisk{data: make([]byte, sectors*common.SectorSize)}
}

// NewRamdiskFrom wraps data, which must be a whole number of sectors. The
// slice is used in place.
func NewRamdiskFrom(data []byte) (*Ramdisk, error) {
	if len(data)%common.SectorSize != 0 {
		return nil, fmt.Errorf("ramdisk of %d bytes is not sector aligned: %w", len(data), common.EINVAL)
	}
	return &Ramdisk{data: data}, nil
}

func (r *Ramdisk) ReadSectors(ctx context.Context, buf []byte, sector uint64, count int) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return errClosed
	}
	if err := checkRange(r.capacity(), buf, sector, count); err != nil {
		return err
	}
	off := sector * common.SectorSize
	copy(buf[:count*common.SectorSize], r.data[off:])
	return nil
}

func (r *Ramdisk) WriteSectors(ctx context.Context, buf []byte, sector uint64, count int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errClosed
	}
	if err := checkRange(r.capacity(), buf, sector, count); err != nil {
		return err
	}
	off := sector * common.SectorSize
	copy(r.data[off:], buf[:count*common.SectorSize])
	return nil
}

func (r *Ramdisk) capacity() uint64 {
	return uint64(len(r.data)) / common.SectorSize
}

func (r *Ramdisk) Capacity() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.capacity()
}

// Bytes returns a copy of the device contents.
func (r *Ramdisk) Bytes() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]byte(nil), r.data...)
}

func (r *Ramdisk) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
