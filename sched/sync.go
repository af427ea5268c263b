package sched

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// SpinLock is a busy-waiting lock for very short critical sections. It must
// never be held across a blocking operation.
type SpinLock struct {
	state int32
}

func (l *SpinLock) Lock() {
	for !atomic.CompareAndSwapInt32(&l.state, 0, 1) {
		runtime.Gosched()
	}
}

func (l *SpinLock) TryLock() bool {
	return atomic.CompareAndSwapInt32(&l.state, 0, 1)
}

func (l *SpinLock) Unlock() {
	if atomic.SwapInt32(&l.state, 0) == 0 {
		panic("sched: unlock of unlocked SpinLock")
	}
}

// Mutex is a sleeping lock. A thread that has to wait for it releases its
// CPU, so a Mutex may be held across device I/O and other blocking calls.
// The zero value is unlocked.
type Mutex struct {
	once sync.Once
	ch   chan struct{}
}

func (m *Mutex) init() {
	m.once.Do(func() { m.ch = make(chan struct{}, 1) })
}

func (m *Mutex) Lock(ctx context.Context) {
	m.init()
	select {
	case m.ch <- struct{}{}:
		return
	default:
	}
	Block(ctx, func() { m.ch <- struct{}{} })
}

func (m *Mutex) TryLock() bool {
	m.init()
	select {
	case m.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (m *Mutex) Unlock() {
	m.init()
	select {
	case <-m.ch:
	default:
		panic("sched: unlock of unlocked Mutex")
	}
}

// Completion is a one-shot signal between a producer (an interrupt handler,
// a device goroutine) and a waiting thread. Signals do not accumulate.
type Completion struct {
	ch chan struct{}
}

func NewCompletion() *Completion {
	return &Completion{ch: make(chan struct{}, 1)}
}

func (c *Completion) Signal() {
	select {
	case c.ch <- struct{}{}:
	default:
	}
}

// Reset discards a pending signal.
func (c *Completion) Reset() {
	select {
	case <-c.ch:
	default:
	}
}

// Wait blocks until the completion is signalled or timeout elapses and
// reports whether the signal arrived. ctx only supplies the waiting thread;
// its cancellation is not observed.
func (c *Completion) Wait(ctx context.Context, timeout time.Duration) bool {
	var ok bool
	Block(ctx, func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-c.ch:
			ok = true
		case <-timer.C:
		}
	})
	return ok
}
