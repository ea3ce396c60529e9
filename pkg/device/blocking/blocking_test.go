package blocking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/netreactor/netreactor/pkg/device"
)

type fakeCapture struct {
	mu       sync.Mutex
	inbox    []device.Packet
	inboxSig chan struct{}
	written  []device.Packet
	closed   bool
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{inboxSig: make(chan struct{}, 1)}
}

func (f *fakeCapture) ReadPacket() (device.Packet, error) {
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return nil, errors.New("capture closed")
		}
		if len(f.inbox) > 0 {
			pkt := f.inbox[0]
			f.inbox = f.inbox[1:]
			f.mu.Unlock()
			return pkt, nil
		}
		f.mu.Unlock()
		<-f.inboxSig
	}
}

func (f *fakeCapture) WritePacket(pkt device.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, pkt)
	return nil
}

func (f *fakeCapture) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	select {
	case f.inboxSig <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeCapture) deliver(pkt device.Packet) {
	f.mu.Lock()
	f.inbox = append(f.inbox, pkt)
	f.mu.Unlock()
	select {
	case f.inboxSig <- struct{}{}:
	default:
	}
}

func TestDeviceRecvFromCapture(t *testing.T) {
	cap := newFakeCapture()
	caps := device.Capabilities{MTU: 1500, MaxBurstSize: 10, Medium: device.MediumIP}
	d := New(cap, caps)
	defer d.Close()

	cap.deliver(device.Packet{1, 2, 3})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pkt, err := d.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if len(pkt) != 3 || pkt[0] != 1 {
		t.Fatalf("unexpected packet: %v", pkt)
	}
}

func TestDeviceSendToCapture(t *testing.T) {
	cap := newFakeCapture()
	caps := device.Capabilities{MTU: 1500, MaxBurstSize: 10, Medium: device.MediumIP}
	d := New(cap, caps)
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := d.Send(ctx, device.Packet{9, 9}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		cap.mu.Lock()
		n := len(cap.written)
		cap.mu.Unlock()
		if n == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("write thread never delivered the frame to the capture handle")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
