// Package fddevice implements device.AsyncDevice over a plain file
// descriptor — a pcap/TAP capture handle, or either end of a socketpair.
//
// It is grounded directly on the teacher's socketPairEndpoint
// (pkg/net/stack_darwin.go): a dedicated read goroutine performs blocking
// Reads into one reusable buffer and forwards a freshly allocated copy of
// each frame over a channel,
// exactly as socketPairEndpoint.readLoop does, generalized here to honor
// a caller-supplied context instead of a single shared closeCh. Socket
// buffer tuning on darwin is grounded on sockopt_darwin.go's
// setSocketBufferSizes.
package fddevice

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/netreactor/netreactor/pkg/device"
)

// Device wraps an *os.File as an AsyncDevice. The file must already be in
// the medium and MTU described by caps.
type Device struct {
	file *os.File
	caps device.Capabilities

	recvCh chan recvResult
	once   sync.Once
	closed chan struct{}
}

type recvResult struct {
	pkt device.Packet
	err error
}

// New wraps file, starting the background read pump immediately.
func New(file *os.File, caps device.Capabilities) *Device {
	d := &Device{
		file:   file,
		caps:   caps,
		recvCh: make(chan recvResult),
		closed: make(chan struct{}),
	}
	go d.readLoop()
	return d
}

func (d *Device) Capabilities() device.Capabilities { return d.caps }

func (d *Device) readLoop() {
	buf := make([]byte, d.caps.MTU+256)
	for {
		n, err := d.file.Read(buf)
		if err != nil {
			select {
			case d.recvCh <- recvResult{err: mapReadErr(err)}:
			case <-d.closed:
			}
			return
		}

		// Allocate fresh per packet: the engine may retain the backing
		// buffer in a reassembly queue well after this call returns, so
		// the read buffer itself must never be reused for it, matching
		// the teacher's own per-packet allocation comment in readLoop.
		pkt := make(device.Packet, n)
		copy(pkt, buf[:n])

		select {
		case d.recvCh <- recvResult{pkt: pkt}:
		case <-d.closed:
			return
		}
	}
}

func mapReadErr(err error) error {
	if err == io.EOF {
		return device.ErrClosed
	}
	return err
}

// Recv blocks until a frame arrives, the context is canceled, or the
// device is closed.
func (d *Device) Recv(ctx context.Context) (device.Packet, error) {
	select {
	case res := <-d.recvCh:
		return res.pkt, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.closed:
		return nil, device.ErrClosed
	}
}

// Send writes pkt to the file. Writes are not buffered by this adapter;
// the kernel socket/device buffer absorbs bursts up to its own size.
func (d *Device) Send(ctx context.Context, pkt device.Packet) error {
	_, err := d.file.Write(pkt)
	return err
}

// Flush is a no-op: Send already issues a direct write syscall per frame.
func (d *Device) Flush(ctx context.Context) error { return nil }

// Close closes the underlying file, which unblocks the pending Read in
// readLoop.
func (d *Device) Close() error {
	d.once.Do(func() { close(d.closed) })
	return d.file.Close()
}
