package device

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/jnwhiteh/extfs/common"
)

var capacityKey = []byte("capacity")

// Pebble stores each sector as one key in a pebble database. Sectors that
// were never written read as zeros, so a large sparse volume costs only the
// space it uses.
type Pebble struct {
	db       *pebble.DB
	opt      *pebble.WriteOptions
	capacity uint64
}

// OpenPebble opens (or creates) a sector store in dir. When sectors is zero
// the capacity recorded at creation time is used. A nil fs selects the
// operating system's filesystem.
func OpenPebble(dir string, sectors uint64, fs vfs.FS, syncWrite bool) (*Pebble, error) {
	opts := &pebble.Options{DisableWAL: !syncWrite}
	if fs != nil {
		opts.FS = fs
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("opening sector store %s: %w", dir, err)
	}
	p := &Pebble{db: db, opt: &pebble.WriteOptions{Sync: syncWrite}}

	v, closer, err := db.Get(capacityKey)
	switch {
	case err == pebble.ErrNotFound:
		if sectors == 0 {
			db.Close()
			return nil, fmt.Errorf("sector store %s has no recorded capacity: %w", dir, common.EINVAL)
		}
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], sectors)
		if err := db.Set(capacityKey, b[:], pebble.Sync); err != nil {
			db.Close()
			return nil, err
		}
		p.capacity = sectors
	case err != nil:
		db.Close()
		return nil, err
	default:
		p.capacity = binary.BigEndian.Uint64(v)
		closer.Close()
		if sectors != 0 && sectors != p.capacity {
			db.Close()
			return nil, fmt.Errorf("sector store %s holds %d sectors, not %d: %w",
				dir, p.capacity, sectors, common.EINVAL)
		}
	}
	return p, nil
}

func sectorKey(sector uint64) []byte {
	k := make([]byte, 9)
	k[0] = 's'
	binary.BigEndian.PutUint64(k[1:], sector)
	return k
}

func (p *Pebble) ReadSectors(ctx context.Context, buf []byte, sector uint64, count int) error {
	if err := checkRange(p.capacity, buf, sector, count); err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		dst := buf[i*common.SectorSize : (i+1)*common.SectorSize]
		v, closer, err := p.db.Get(sectorKey(sector + uint64(i)))
		if err == pebble.ErrNotFound {
			for j := range dst {
				dst[j] = 0
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("reading sector %d: %v: %w", sector+uint64(i), err, common.EIO)
		}
		copy(dst, v)
		closer.Close()
	}
	return nil
}

func (p *Pebble) WriteSectors(ctx context.Context, buf []byte, sector uint64, count int) error {
	if err := checkRange(p.capacity, buf, sector, count); err != nil {
		return err
	}
	b := p.db.NewBatch()
	defer b.Close()
	for i := 0; i < count; i++ {
		src := buf[i*common.SectorSize : (i+1)*common.SectorSize]
		if err := b.Set(sectorKey(sector+uint64(i)), src, p.opt); err != nil {
			return fmt.Errorf("writing sector %d: %v: %w", sector+uint64(i), err, common.EIO)
		}
	}
	if err := p.db.Apply(b, p.opt); err != nil {
		return fmt.Errorf("writing sectors [%d,%d): %v: %w", sector, sector+uint64(count), err, common.EIO)
	}
	return nil
}

func (p *Pebble) Capacity() uint64 { return p.capacity }

func (p *Pebble) Close() error {
	if err := p.db.Flush(); err != nil {
		p.db.Close()
		return err
	}
	return p.db.Close()
}
