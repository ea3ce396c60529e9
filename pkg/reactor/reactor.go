// Package reactor implements the single-threaded driver loop described in
// SPEC_FULL.md §4.4: it is the only goroutine allowed to call
// AsyncDevice.Send/Flush/Close or BufferDevice's queue operations, and it
// is responsible for pumping packets between the two plus tearing down
// every live socket on shutdown.
//
// The drive loop's shape is grounded on the teacher's socketPairEndpoint
// readLoop (pkg/net/stack_darwin.go): a select against a close signal
// guarding a blocking read, with allocation happening fresh per packet so
// the engine can hold onto buffers after the iteration that produced them
// returns. Here that loop is generalized to also pump sends and to treat
// the os.File read as a pluggable device.AsyncDevice.
package reactor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/netreactor/netreactor/pkg/bufferdevice"
	"github.com/netreactor/netreactor/pkg/device"
	"github.com/netreactor/netreactor/pkg/socketalloc"
)

// PollInterval bounds how long the reactor will sleep with no other wake
// source pending, so sockets that only the engine's internal timers (TCP
// retransmit, delayed ACK) can advance still get serviced.
const PollInterval = 50 * time.Millisecond

// Reactor owns one AsyncDevice/BufferDevice pair end to end: it pumps
// outbound frames from the engine to the device, inbound frames from the
// device to the engine, and the sockets hanging off the engine share its
// lifetime.
type Reactor struct {
	dev    device.AsyncDevice
	buf    *bufferdevice.BufferDevice
	alloc  *socketalloc.Allocator
	logger *log.Logger

	notify chan struct{}
	stop   chan struct{}
	stopOnce sync.Once
	done   chan struct{}

	recvPump chan device.Packet
}

// New constructs a Reactor. The caller must call Run (typically in its
// own goroutine) to start pumping.
func New(dev device.AsyncDevice, buf *bufferdevice.BufferDevice, alloc *socketalloc.Allocator, logger *log.Logger) *Reactor {
	if logger == nil {
		logger = log.Default()
	}
	return &Reactor{
		dev:      dev,
		buf:      buf,
		alloc:    alloc,
		logger:   logger,
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		recvPump: make(chan device.Packet, dev.Capabilities().EffectiveMaxBurstSize()),
	}
}

// Notify wakes the reactor out of an idle wait, e.g. after a socket
// enqueues data for send. Non-blocking: a pending notification coalesces
// with any other already queued.
func (r *Reactor) Notify() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Stop requests the reactor loop to exit and blocks until it has, closing
// every socket the allocator still tracks. Idempotent.
func (r *Reactor) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	<-r.done
}

// Run drives the reactor loop until Stop is called or ctx is canceled. It
// spawns one helper goroutine whose only job is to call AsyncDevice.Recv
// in a loop and forward results over a channel — the loop goroutine
// itself never calls Recv directly, since Recv can block indefinitely and
// the loop must remain responsive to Notify/Stop/timer wakeups.
//
// The pump goroutine owns the "receive from device" direction and the
// loop goroutine owns "send to device" plus Close; no two goroutines ever
// call the same AsyncDevice method concurrently, preserving the
// single-owner invariant SPEC_FULL.md §5 requires of AsyncDevice
// implementations.
func (r *Reactor) Run(ctx context.Context) {
	defer close(r.done)
	defer r.alloc.CloseAll()
	defer r.dev.Close()

	pumpCtx, cancelPump := context.WithCancel(ctx)

	var pumpWG sync.WaitGroup
	pumpWG.Add(1)
	go r.recvPumpLoop(pumpCtx, &pumpWG)
	defer pumpWG.Wait()
	defer cancelPump()

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		if !r.drainToDevice(ctx) {
			return
		}

		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case pkt, ok := <-r.recvPump:
			if !ok {
				return
			}
			r.feedFromDevice(pkt)
		case <-r.notify:
		case <-ticker.C:
		}

		// Skip the drain call entirely when the receive queue is empty —
		// a woken-but-nothing-to-deliver tick (e.g. the ticker firing with
		// no inbound frames staged) has no work for the engine's
		// dispatcher to do.
		if !r.buf.NeedWait() {
			r.buf.Drain()
		}
	}
}

// recvPumpLoop forwards AsyncDevice.Recv results onto r.recvPump until ctx
// is canceled or the device returns a terminal error.
func (r *Reactor) recvPumpLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(r.recvPump)
	for {
		pkt, err := r.dev.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Printf("reactor: device recv error, stopping pump: %v", err)
			return
		}
		select {
		case r.recvPump <- pkt:
		case <-ctx.Done():
			return
		}
	}
}

// drainToDevice pulls every frame the engine has queued for transmission
// and hands them to the device, matching SPEC_FULL.md §4.4 step 1. A
// sink error is transport-fatal per SPEC_FULL.md §7/§9(b): the reactor
// aborts rather than retrying, and returns false so Run stops the loop
// instead of looping on a device that has already failed.
func (r *Reactor) drainToDevice(ctx context.Context) bool {
	pkts := r.buf.TakeSendQueue()
	for _, pkt := range pkts {
		if err := r.dev.Send(ctx, pkt); err != nil {
			r.logger.Printf("reactor: device send error, stopping: %v", err)
			return false
		}
	}
	if len(pkts) > 0 {
		if err := r.dev.Flush(ctx); err != nil {
			r.logger.Printf("reactor: device flush error, stopping: %v", err)
			return false
		}
	}
	return true
}

// feedFromDevice stages one inbound frame for the engine, respecting
// max_burst_size; if the receive queue is already saturated the frame is
// dropped, matching SPEC_FULL.md §4.2's backpressure invariant (the
// engine, not the reactor, is the slow consumer in that scenario).
func (r *Reactor) feedFromDevice(pkt device.Packet) {
	if r.buf.AvailableRecvQueue() == 0 {
		return
	}
	r.buf.PushRecvQueue([]device.Packet{pkt})
}
