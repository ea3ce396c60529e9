// Package blocking implements device.AsyncDevice for capture APIs that
// expose no non-blocking mode (classic libpcap handles, for instance): it
// dedicates one OS thread to reading and one to writing, bridging both to
// the async AsyncDevice contract through bounded channels.
//
// The two-thread-plus-errgroup shape is new relative to the teacher (which
// only ever drives one socketpair fd with a single read goroutine); it is
// grounded on golang.org/x/sync/errgroup's documented pattern for
// coordinating sibling goroutines and surfacing the first fatal error,
// used here because a blocking capture API can fail independently on
// either its read or write side and the reactor needs a single error to
// react to.
package blocking

import (
	"context"
	"io"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/netreactor/netreactor/pkg/device"
)

// QueueCapacity bounds both the rx and tx channels, per SPEC_FULL.md
// §4.1's "bounded channels of capacity 1000" for this adapter.
const QueueCapacity = 1000

// Capture is the minimal blocking capture API this adapter bridges:
// ReadPacket and WritePacket each block until a frame is available or
// written, and Close unblocks both ends, analogous to libpcap's
// blocking pcap_next_ex/pcap_sendpacket pair.
type Capture interface {
	ReadPacket() (device.Packet, error)
	WritePacket(device.Packet) error
	Close() error
}

// Device bridges a blocking Capture into device.AsyncDevice.
type Device struct {
	cap  Capture
	caps device.Capabilities

	recvCh chan device.Packet
	sendCh chan device.Packet
	recvErrCh chan error
	sendErrCh chan error

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New locks two OS threads (one per direction) and starts pumping
// immediately.
func New(cap Capture, caps device.Capabilities) *Device {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	d := &Device{
		cap:       cap,
		caps:      caps,
		recvCh:    make(chan device.Packet, QueueCapacity),
		sendCh:    make(chan device.Packet, QueueCapacity),
		recvErrCh: make(chan error, 1),
		sendErrCh: make(chan error, 1),
		group:     g,
		cancel:    cancel,
	}

	g.Go(func() error { return d.readThread(gctx) })
	g.Go(func() error { return d.writeThread(gctx) })

	return d
}

func (d *Device) Capabilities() device.Capabilities { return d.caps }

// readThread owns the capture handle's blocking read side on its own OS
// thread: some capture libraries are not safe to call from a goroutine
// that the Go scheduler may migrate between OS threads mid-syscall.
func (d *Device) readThread(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		pkt, err := d.cap.ReadPacket()
		if err != nil {
			d.recvErrCh <- err
			return err
		}
		select {
		case d.recvCh <- pkt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Device) writeThread(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case pkt := <-d.sendCh:
			if err := d.cap.WritePacket(pkt); err != nil {
				d.sendErrCh <- err
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Recv returns the next captured frame.
func (d *Device) Recv(ctx context.Context) (device.Packet, error) {
	select {
	case pkt := <-d.recvCh:
		return pkt, nil
	case err := <-d.recvErrCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send queues pkt for the write thread, blocking only if QueueCapacity is
// already exhausted.
func (d *Device) Send(ctx context.Context, pkt device.Packet) error {
	select {
	case d.sendCh <- pkt:
		return nil
	case err := <-d.sendErrCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush is a no-op: WritePacket is already a direct per-frame call on the
// capture API.
func (d *Device) Flush(ctx context.Context) error { return nil }

// Close stops both threads and closes the capture handle. The errgroup's
// first error (if any) is discarded here since Close reports only the
// capture handle's own close error; callers that need the pump's fatal
// error should have observed it already via Recv/Send returning it.
func (d *Device) Close() error {
	d.cancel()
	err := d.cap.Close()
	_ = d.group.Wait()
	if err != nil && err != io.EOF {
		return err
	}
	return nil
}
