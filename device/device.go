// Package device provides block devices addressed in 512-byte sectors.
package device

import (
	"fmt"

	"github.com/jnwhiteh/extfs/common"
)

// checkRange validates a transfer of count sectors at sector against a
// device of capacity sectors.
func checkRange(capacity uint64, buf []byte, sector uint64, count int) error {
	if count < 0 || len(buf) < count*common.SectorSize {
		return fmt.Errorf("buffer of %d bytes for %d sectors: %w", len(buf), count, common.EINVAL)
	}
	if sector > capacity || uint64(count) > capacity-sector {
		return fmt.Errorf("sectors [%d,%d) beyond device end %d: %w",
			sector, sector+uint64(count), capacity, common.EIO)
	}
	return nil
}

var errClosed = fmt.Errorf("device closed: %w", common.EIO)
