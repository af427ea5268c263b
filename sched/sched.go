// Package sched multiplexes threads of control onto a fixed number of
// virtual CPUs.
//
// A thread is a goroutine that runs only while it holds one of the CPU
// tokens. Tokens are handed over through a FIFO ready queue: a thread that
// yields, blocks or exits passes its CPU directly to the thread at the head
// of the queue. A quantum timer marks running threads for rescheduling;
// threads honour the mark at their next Checkpoint.
//
// A thread must never wait on anything (channel, lock, device) while holding
// a CPU. Such waits are wrapped in Block, which releases the CPU for the
// duration of the wait.
package sched

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

type State int

const (
	Ready State = iota
	Running
	Blocked
	Zombie
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Zombie:
		return "zombie"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Config struct {
	CPUs    int
	Quantum time.Duration // zero disables preemption marks
}

type Stats struct {
	CPUs        int
	Threads     int
	Ready       int
	Switches    uint64
	Preemptions uint64
	Blocks      uint64
}

type Scheduler struct {
	cpus int

	lock    SpinLock // guards everything below
	ready   []*Thread
	idle    int
	threads map[uint64]*Thread
	nextID  uint64

	switches    uint64 // atomic
	preemptions uint64 // atomic
	blocks      uint64 // atomic

	done chan struct{}
	wg   sync.WaitGroup
	log  *log.Entry
}

// New starts a scheduler. It returns an error if cfg asks for no CPUs.
func New(cfg Config, logger *log.Entry) (*Scheduler, error) {
	if cfg.CPUs < 1 {
		return nil, fmt.Errorf("scheduler needs at least one cpu, got %d", cfg.CPUs)
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	s := &Scheduler{
		cpus:    cfg.CPUs,
		idle:    cfg.CPUs,
		threads: make(map[uint64]*Thread),
		done:    make(chan struct{}),
		log:     logger.WithField("component", "sched"),
	}
	if cfg.Quantum > 0 {
		go s.tick(cfg.Quantum)
	}
	return s, nil
}

func (s *Scheduler) tick(quantum time.Duration) {
	ticker := time.NewTicker(quantum)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.lock.Lock()
			waiting := len(s.ready) > 0
			if waiting {
				for _, t := range s.threads {
					if t.state == Running {
						atomic.StoreInt32(&t.resched, 1)
					}
				}
			}
			s.lock.Unlock()
		}
	}
}

// Go starts fn as a new thread. The thread becomes runnable immediately and
// runs as soon as a CPU is free.
func (s *Scheduler) Go(name string, fn func(t *Thread)) *Thread {
	s.lock.Lock()
	s.nextID++
	t := &Thread{
		id:     s.nextID,
		name:   name,
		s:      s,
		state:  Ready,
		wake:   make(chan struct{}, 1),
		exited: make(chan struct{}),
	}
	s.threads[t.id] = t
	s.lock.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acquire(t)
		defer s.exit(t)
		fn(t)
	}()
	return t
}

// acquire waits until t holds a CPU.
func (s *Scheduler) acquire(t *Thread) {
	s.lock.Lock()
	if s.idle > 0 && len(s.ready) == 0 {
		s.idle--
		t.state = Running
		s.lock.Unlock()
		return
	}
	t.state = Ready
	s.ready = append(s.ready, t)
	s.lock.Unlock()
	<-t.wake
}

// release gives up t's CPU, handing it to the head of the ready queue.
func (s *Scheduler) release(t *Thread, next State) {
	s.lock.Lock()
	t.state = next
	atomic.StoreInt32(&t.resched, 0)
	if len(s.ready) == 0 {
		s.idle++
		s.lock.Unlock()
		return
	}
	n := s.ready[0]
	s.ready[0] = nil
	s.ready = s.ready[1:]
	n.state = Running
	s.lock.Unlock()

	atomic.AddUint64(&s.switches, 1)
	n.wake <- struct{}{}
}

func (s *Scheduler) exit(t *Thread) {
	s.release(t, Zombie)
	s.lock.Lock()
	delete(s.threads, t.id)
	s.lock.Unlock()
	close(t.exited)
	s.log.WithFields(log.Fields{"thread": t.name, "tid": t.id}).Debug("thread exited")
}

func (s *Scheduler) Stats() Stats {
	s.lock.Lock()
	defer s.lock.Unlock()
	return Stats{
		CPUs:        s.cpus,
		Threads:     len(s.threads),
		Ready:       len(s.ready),
		Switches:    atomic.LoadUint64(&s.switches),
		Preemptions: atomic.LoadUint64(&s.preemptions),
		Blocks:      atomic.LoadUint64(&s.blocks),
	}
}

// Shutdown stops the quantum timer and waits for every thread to exit. It
// does not interrupt threads; they must be told to finish by other means.
func (s *Scheduler) Shutdown() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.wg.Wait()
}

// Thread is a scheduled thread of control.
type Thread struct {
	id      uint64
	name    string
	s       *Scheduler
	state   State // guarded by s.lock
	resched int32 // atomic
	blocked bool  // only touched by the thread itself
	wake    chan struct{}
	exited  chan struct{}
}

func (t *Thread) ID() uint64   { return t.id }
func (t *Thread) Name() string { return t.name }

func (t *Thread) State() State {
	t.s.lock.Lock()
	defer t.s.lock.Unlock()
	return t.state
}

// Yield puts t at the tail of the ready queue and runs the head. If nothing
// else is ready t keeps running.
func (t *Thread) Yield() {
	t.s.release(t, Ready)
	t.s.acquire(t)
}

// Checkpoint yields if the quantum timer has marked t since it last gave up
// its CPU. Long-running loops call it once per iteration.
func (t *Thread) Checkpoint() {
	if atomic.SwapInt32(&t.resched, 0) == 1 {
		atomic.AddUint64(&t.s.preemptions, 1)
		t.Yield()
	}
}

// Block runs wait with t's CPU released and returns once wait has returned
// and t holds a CPU again. Nested calls just run wait.
func (t *Thread) Block(wait func()) {
	if t.blocked {
		wait()
		return
	}
	atomic.AddUint64(&t.s.blocks, 1)
	t.s.release(t, Blocked)
	t.blocked = true
	defer func() {
		t.blocked = false
		t.s.acquire(t)
	}()
	wait()
}

func (t *Thread) Sleep(d time.Duration) {
	t.Block(func() { time.Sleep(d) })
}

// Join waits until t has exited. When called from a thread, pass it as self
// so that its CPU is released meanwhile; otherwise pass nil.
func (t *Thread) Join(self *Thread) {
	if self == nil {
		<-t.exited
		return
	}
	self.Block(func() { <-t.exited })
}

// Done is closed once the thread has exited.
func (t *Thread) Done() <-chan struct{} {
	return t.exited
}

type ctxKey struct{}

// WithThread returns a context carrying t, so that code further down the
// call chain can release t's CPU around blocking waits.
func WithThread(ctx context.Context, t *Thread) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext returns the thread carried by ctx, or nil.
func FromContext(ctx context.Context) *Thread {
	t, _ := ctx.Value(ctxKey{}).(*Thread)
	return t
}

// Block runs wait, releasing the CPU of the thread carried by ctx, if any.
func Block(ctx context.Context, wait func()) {
	if t := FromContext(ctx); t != nil {
		t.Block(wait)
		return
	}
	wait()
}

// Checkpoint is the context form of Thread.Checkpoint.
func Checkpoint(ctx context.Context) {
	if t := FromContext(ctx); t != nil {
		t.Checkpoint()
	}
}
