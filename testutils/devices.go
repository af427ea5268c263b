// Package testutils holds devices and helpers shared by the package tests.
package testutils

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jnwhiteh/extfs/common"
	"github.com/jnwhiteh/extfs/device"
)

// NewTestDevice returns a ramdisk with a certain number of blocks of a given
// size. Each block is filled with the bytes of the block number, so each
// byte in the first block contains a 0, the next block contains all 1, etc.
func NewTestDevice(t testing.TB, bsize, blocks int) *device.Ramdisk {
	data := make([]byte, bsize*blocks)
	for i := 0; i < blocks; i++ {
		for j := 0; j < bsize; j++ {
			data[i*bsize+j] = byte(i)
		}
	}
	dev, err := device.NewRamdiskFrom(data)
	require.NoError(t, err)
	return dev
}

// BlockingDevice blocks on every read. It notifies of the block using the
// HasBlocked channel and waits to be released on the Unblock channel.
type BlockingDevice struct {
	common.BlockDevice
	HasBlocked chan uint64
	Unblock    chan bool
}

func NewBlockingDevice(dev common.BlockDevice) *BlockingDevice {
	return &BlockingDevice{
		BlockDevice: dev,
		HasBlocked:  make(chan uint64),
		Unblock:     make(chan bool),
	}
}

func (d *BlockingDevice) ReadSectors(ctx context.Context, buf []byte, sector uint64, count int) error {
	d.HasBlocked <- sector
	<-d.Unblock
	return d.BlockDevice.ReadSectors(ctx, buf, sector, count)
}

// FailingDevice fails reads and writes that touch chosen sectors.
type FailingDevice struct {
	common.BlockDevice

	mu     sync.Mutex
	reads  map[uint64]bool
	writes map[uint64]bool
}

func NewFailingDevice(dev common.BlockDevice) *FailingDevice {
	return &FailingDevice{
		BlockDevice: dev,
		reads:       make(map[uint64]bool),
		writes:      make(map[uint64]bool),
	}
}

// FailRead makes reads covering sector fail (or succeed again, if fail is
// false).
func (d *FailingDevice) FailRead(sector uint64, fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads[sector] = fail
}

func (d *FailingDevice) FailWrite(sector uint64, fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes[sector] = fail
}

func (d *FailingDevice) hit(set map[uint64]bool, sector uint64, count int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for s := sector; s < sector+uint64(count); s++ {
		if set[s] {
			return true
		}
	}
	return false
}

func (d *FailingDevice) ReadSectors(ctx context.Context, buf []byte, sector uint64, count int) error {
	if d.hit(d.reads, sector, count) {
		return fmt.Errorf("injected read failure at sector %d: %w", sector, common.EIO)
	}
	return d.BlockDevice.ReadSectors(ctx, buf, sector, count)
}

func (d *FailingDevice) WriteSectors(ctx context.Context, buf []byte, sector uint64, count int) error {
	if d.hit(d.writes, sector, count) {
		return fmt.Errorf("injected write failure at sector %d: %w", sector, common.EIO)
	}
	return d.BlockDevice.WriteSectors(ctx, buf, sector, count)
}

// CountingDevice counts the transfers that reach the wrapped device.
type CountingDevice struct {
	common.BlockDevice

	mu     sync.Mutex
	Reads  int
	Writes int
}

func NewCountingDevice(dev common.BlockDevice) *CountingDevice {
	return &CountingDevice{BlockDevice: dev}
}

func (d *CountingDevice) ReadSectors(ctx context.Context, buf []byte, sector uint64, count int) error {
	d.mu.Lock()
	d.Reads++
	d.mu.Unlock()
	return d.BlockDevice.ReadSectors(ctx, buf, sector, count)
}

func (d *CountingDevice) WriteSectors(ctx context.Context, buf []byte, sector uint64, count int) error {
	d.mu.Lock()
	d.Writes++
	d.mu.Unlock()
	return d.BlockDevice.WriteSectors(ctx, buf, sector, count)
}

// Counts returns the number of reads and writes seen so far.
func (d *CountingDevice) Counts() (reads, writes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Reads, d.Writes
}

// ReadBlock reads block n of size bsize straight from dev.
func ReadBlock(t testing.TB, dev common.BlockDevice, bsize int, n uint32) []byte {
	buf := make([]byte, bsize)
	spb := bsize / common.SectorSize
	require.NoError(t, dev.ReadSectors(context.Background(), buf, uint64(n)*uint64(spb), spb))
	return buf
}
