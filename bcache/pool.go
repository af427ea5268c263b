package bcache

import (
	"fmt"
	"sync"

	"github.com/jnwhiteh/extfs/common"
)

// BufferPool supplies block buffers. Buffers are kept for the life of the
// cache and reused across evictions, so Get is called at most once per slot.
type BufferPool interface {
	Get(size int) ([]byte, error)
}

// HeapPool allocates from the Go heap without limit.
type HeapPool struct{}

func (HeapPool) Get(size int) ([]byte, error) {
	return make([]byte, size), nil
}

// BoundedPool refuses allocations past a byte budget.
type BoundedPool struct {
	mu    sync.Mutex
	limit int
	used  int
}

func NewBoundedPool(limit int) *BoundedPool {
	return &BoundedPool{limit: limit}
}

func (p *BoundedPool) Get(size int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.used+size > p.limit {
		return nil, fmt.Errorf("buffer budget of %d bytes exhausted: %w", p.limit, common.ENOMEM)
	}
	p.used += size
	return make([]byte, size), nil
}

// Used returns the number of bytes handed out.
func (p *BoundedPool) Used() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}
