package bufferdevice

import (
	"testing"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/netreactor/netreactor/pkg/device"
)

func TestPushRecvQueueBoundedByMaxBurstSize(t *testing.T) {
	caps := device.Capabilities{MTU: 1500, MaxBurstSize: 3, Medium: device.MediumIP}
	bd := New(caps, "")

	pkts := []device.Packet{{1}, {2}, {3}, {4}, {5}}
	accepted := bd.PushRecvQueue(pkts)
	if accepted != 3 {
		t.Fatalf("expected 3 accepted, got %d", accepted)
	}
	if avail := bd.AvailableRecvQueue(); avail != 0 {
		t.Fatalf("expected 0 available after saturating, got %d", avail)
	}
	if bd.NeedWait() {
		t.Fatal("NeedWait should be false while the recv queue is non-empty")
	}
}

func TestNeedWaitReflectsEmptyQueue(t *testing.T) {
	caps := device.Capabilities{MTU: 1500, MaxBurstSize: 10, Medium: device.MediumIP}
	bd := New(caps, "")

	if !bd.NeedWait() {
		t.Fatal("expected NeedWait true on a fresh BufferDevice")
	}
	bd.PushRecvQueue([]device.Packet{{0x45, 0, 0, 0}})
	if bd.NeedWait() {
		t.Fatal("expected NeedWait false once a packet is staged")
	}
}

func TestDrainWithoutAttachedDispatcherStillEmptiesQueue(t *testing.T) {
	caps := device.Capabilities{MTU: 1500, MaxBurstSize: 10, Medium: device.MediumIP}
	bd := New(caps, "")
	bd.PushRecvQueue([]device.Packet{{0x45, 0, 0, 1}})

	n := bd.Drain()
	if n != 1 {
		t.Fatalf("expected Drain to report 1 consumed regardless of dispatcher, got %d", n)
	}
	if !bd.NeedWait() {
		t.Fatal("expected recv queue emptied after Drain")
	}
}

func TestWritePacketsRespectsCapacityThenTakeSendQueueDrainsFIFO(t *testing.T) {
	caps := device.Capabilities{MTU: 1500, MaxBurstSize: 2, Medium: device.MediumIP}
	bd := New(caps, "")

	mkPkt := func(b byte) *stack.PacketBuffer {
		return stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: buffer.MakeWithData([]byte{b}),
		})
	}

	var list stack.PacketBufferList
	p1, p2, p3 := mkPkt(1), mkPkt(2), mkPkt(3)
	list.PushBack(p1)
	list.PushBack(p2)
	list.PushBack(p3)

	written, err := bd.WritePackets(list)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written != 2 {
		t.Fatalf("expected exactly 2 frames accepted under max_burst_size=2, got %d", written)
	}

	out := bd.TakeSendQueue()
	if len(out) != 2 {
		t.Fatalf("expected 2 frames drained, got %d", len(out))
	}
	if out[0][0] != 1 || out[1][0] != 2 {
		t.Fatalf("expected FIFO order [1 2], got %v", out)
	}

	p1.DecRef()
	p2.DecRef()
	p3.DecRef()
}
