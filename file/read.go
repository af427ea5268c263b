package file

import (
	"context"

	"github.com/jnwhiteh/extfs/common"
	"github.com/jnwhiteh/extfs/inode"
	"github.com/jnwhiteh/extfs/sched"
)

// Read fills buf from h starting at off. Reads stop at the end of the file,
// so fewer bytes than len(buf) may be returned; a read at or past the end
// returns 0 and no error. Holes read as zeros.
func (m *Mapper) Read(ctx context.Context, h *inode.Handle, buf []byte, off uint64) (int, error) {
	size := h.Size()
	if off >= size || len(buf) == 0 {
		return 0, nil
	}
	n := len(buf)
	if uint64(n) > size-off {
		n = int(size - off)
	}

	if h.IsSymlink() && h.Blocks512() == 0 && size < common.FastSymlinkMax {
		return copy(buf[:n], h.Inline()[off:size]), nil
	}

	done := 0
	for done < n {
		pos := off + uint64(done)
		boff := pos % m.bs
		chunk := int(m.bs - boff)
		if chunk > n-done {
			chunk = n - done
		}

		b, err := m.Map(ctx, h, pos)
		if err != nil {
			return done, err
		}
		if b == 0 {
			for i := done; i < done+chunk; i++ {
				buf[i] = 0
			}
		} else {
			e, err := m.bc.Request(ctx, b)
			if err != nil {
				return done, err
			}
			copy(buf[done:done+chunk], e.Data()[boff:])
			m.bc.Release(e)
		}
		done += chunk
		sched.Checkpoint(ctx)
	}
	return n, nil
}
