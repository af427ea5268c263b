package device

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jnwhiteh/extfs/common"
	"github.com/jnwhiteh/extfs/sched"
)

type ControllerConfig struct {
	IRQ          bool          // start out waiting for interrupts
	IRQTimeout   time.Duration // give up on interrupts after this long
	PollInterval time.Duration // status polling period once interrupts are off
	Latency      time.Duration // simulated time the hardware spends per command
	DropIRQ      bool          // hardware never raises its interrupt line
}

// Controller places a device behind a simulated disk controller. Commands
// are executed by a separate hardware goroutine which raises an interrupt on
// completion. The issuing thread waits for the interrupt; if one does not
// arrive within IRQTimeout the controller stops using interrupts for good
// and polls the status register instead.
type Controller struct {
	dev common.BlockDevice
	cfg ControllerConfig
	log *log.Entry

	lock   sched.Mutex // one command in flight
	cmds   chan *command
	irq    *sched.Completion
	done   uint64 // atomic: sequence number of the last completed command
	seq    uint64
	useIRQ int32 // atomic

	closeOnce sync.Once
	stopped   chan struct{}
}

type command struct {
	seq    uint64
	write  bool
	buf    []byte
	sector uint64
	count  int
	err    error
}

func NewController(dev common.BlockDevice, cfg ControllerConfig, logger *log.Entry) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.IRQTimeout <= 0 {
		cfg.IRQTimeout = time.Second
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	c := &Controller{
		dev:     dev,
		cfg:     cfg,
		log:     logger.WithField("component", "controller"),
		cmds:    make(chan *command, 1),
		irq:     sched.NewCompletion(),
		stopped: make(chan struct{}),
	}
	if cfg.IRQ {
		c.useIRQ = 1
	}
	go c.hardware()
	return c
}

func (c *Controller) hardware() {
	defer close(c.stopped)
	ctx := context.Background()
	for cmd := range c.cmds {
		if c.cfg.Latency > 0 {
			time.Sleep(c.cfg.Latency)
		}
		if cmd.write {
			cmd.err = c.dev.WriteSectors(ctx, cmd.buf, cmd.sector, cmd.count)
		} else {
			cmd.err = c.dev.ReadSectors(ctx, cmd.buf, cmd.sector, cmd.count)
		}
		atomic.StoreUint64(&c.done, cmd.seq)
		if !c.cfg.DropIRQ {
			c.irq.Signal()
		}
	}
}

// UsingIRQ reports whether the controller still waits for interrupts.
func (c *Controller) UsingIRQ() bool {
	return atomic.LoadInt32(&c.useIRQ) == 1
}

func (c *Controller) issue(ctx context.Context, cmd *command) error {
	c.lock.Lock(ctx)
	defer c.lock.Unlock()

	c.seq++
	cmd.seq = c.seq
	c.irq.Reset()
	c.cmds <- cmd

	c.waitIRQ(ctx)
	for atomic.LoadUint64(&c.done) < cmd.seq {
		sched.Block(ctx, func() { time.Sleep(c.cfg.PollInterval) })
	}
	return cmd.err
}

func (c *Controller) waitIRQ(ctx context.Context) {
	if !c.UsingIRQ() {
		return
	}
	if c.irq.Wait(ctx, c.cfg.IRQTimeout) {
		return
	}
	c.log.WithField("timeout", c.cfg.IRQTimeout).Warn("IRQ timeout reached; stopping to use interrupts")
	atomic.StoreInt32(&c.useIRQ, 0)
}

func (c *Controller) ReadSectors(ctx context.Context, buf []byte, sector uint64, count int) error {
	if err := checkRange(c.dev.Capacity(), buf, sector, count); err != nil {
		return err
	}
	return c.issue(ctx, &command{buf: buf, sector: sector, count: count})
}

func (c *Controller) WriteSectors(ctx context.Context, buf []byte, sector uint64, count int) error {
	if err := checkRange(c.dev.Capacity(), buf, sector, count); err != nil {
		return err
	}
	return c.issue(ctx, &command{write: true, buf: buf, sector: sector, count: count})
}

func (c *Controller) Capacity() uint64 { return c.dev.Capacity() }

// Close stops the hardware goroutine and closes the underlying device.
// Commands must not be issued afterwards.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.lock.Lock(context.Background())
		close(c.cmds)
		c.lock.Unlock()
		<-c.stopped
	})
	return c.dev.Close()
}
