package device

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/jnwhiteh/extfs/common"
)

// File is a device backed by a disk image.
type File struct {
	mu       sync.Mutex
	file     *os.File
	capacity uint64
}

// OpenFile opens an existing image. Trailing bytes that do not fill a whole
// sector are ignored.
func OpenFile(path string, readOnly bool) (*File, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &File{file: f, capacity: uint64(fi.Size()) / common.SectorSize}, nil
}

// CreateFile creates (or truncates) an image of the given number of sectors.
func CreateFile(path string, sectors uint64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(sectors * common.SectorSize)); err != nil {
		f.Close()
		return nil, err
	}
	return &File{file: f, capacity: sectors}, nil
}

func (d *File) ReadSectors(ctx context.Context, buf []byte, sector uint64, count int) error {
	if err := checkRange(d.capacity, buf, sector, count); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return errClosed
	}
	n := count * common.SectorSize
	if _, err := d.file.ReadAt(buf[:n], int64(sector*common.SectorSize)); err != nil {
		return fmt.Errorf("reading sector %d: %v: %w", sector, err, common.EIO)
	}
	return nil
}

func (d *File) WriteSectors(ctx context.Context, buf []byte, sector uint64, count int) error {
	if err := checkRange(d.capacity, buf, sector, count); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return errClosed
	}
	n := count * common.SectorSize
	if _, err := d.file.WriteAt(buf[:n], int64(sector*common.SectorSize)); err != nil {
		return fmt.Errorf("writing sector %d: %v: %w", sector, err, common.EIO)
	}
	return nil
}

func (d *File) Capacity() uint64 { return d.capacity }

func (d *File) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	f := d.file
	d.file = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
