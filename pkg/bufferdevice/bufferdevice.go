// Package bufferdevice implements the BufferDevice described in
// SPEC_FULL.md §4.2: a pair of bounded FIFOs that let the engine
// "receive" and "transmit" without ever suspending, decoupling it from the
// async AsyncDevice the reactor actually pumps.
//
// BufferDevice is itself a stack.LinkEndpoint, grounded directly on the
// teacher's hand-written socketPairEndpoint (pkg/net/stack_darwin.go):
// same AddHeader/ParseHeader/WritePackets shape, but backed by bounded Go
// channels and a reactor-owned rx ring instead of an *os.File, so both the
// Ethernet and bare-IP media the spec requires get exact control over
// framing rather than depending on a stock link endpoint's assumptions.
package bufferdevice

import (
	"sync"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/netreactor/netreactor/pkg/device"
)

// BufferDevice is the reactor's handle onto the engine's link endpoint.
// TakeSendQueue/PushRecvQueue/Drain/NeedWait are reactor-only calls,
// matching the single-owner invariant in SPEC_FULL.md §3.
type BufferDevice struct {
	caps     device.Capabilities
	linkAddr tcpip.LinkAddress

	txQ chan *stack.PacketBuffer

	dispatcher atomic.Pointer[stack.NetworkDispatcher]
	closed     atomic.Bool

	mu    sync.Mutex
	recvQ []device.Packet
}

// New creates a BufferDevice sized to caps.MaxBurstSize (or
// device.DefaultMaxBurstSize) with the given link address (meaningful only
// for Ethernet-medium devices; ignored for IP medium).
func New(caps device.Capabilities, linkAddr tcpip.LinkAddress) *BufferDevice {
	return &BufferDevice{
		caps:     caps,
		linkAddr: linkAddr,
		txQ:      make(chan *stack.PacketBuffer, caps.EffectiveMaxBurstSize()),
	}
}

// Endpoint returns the stack.LinkEndpoint to attach to the engine's NIC.
func (b *BufferDevice) Endpoint() stack.LinkEndpoint { return b }

// --- stack.LinkEndpoint ---

func (b *BufferDevice) MTU() uint32                       { return uint32(b.caps.MTU) }
func (b *BufferDevice) SetMTU(mtu uint32)                 { b.caps.MTU = int(mtu) }
func (b *BufferDevice) LinkAddress() tcpip.LinkAddress    { return b.linkAddr }
func (b *BufferDevice) SetLinkAddress(a tcpip.LinkAddress) { b.linkAddr = a }
func (b *BufferDevice) Wait()                             {}

func (b *BufferDevice) MaxHeaderLength() uint16 {
	if b.caps.Medium == device.MediumEthernet {
		return header.EthernetMinimumSize
	}
	return 0
}

func (b *BufferDevice) Capabilities() stack.LinkEndpointCapabilities {
	if b.caps.Medium == device.MediumEthernet {
		return stack.CapabilityResolutionRequired
	}
	return 0
}

func (b *BufferDevice) ARPHardwareType() header.ARPHardwareType {
	if b.caps.Medium == device.MediumEthernet {
		return header.ARPHardwareEther
	}
	return header.ARPHardwareNone
}

func (b *BufferDevice) AddHeader(pkt *stack.PacketBuffer) {
	if b.caps.Medium != device.MediumEthernet {
		return
	}
	eth := header.Ethernet(pkt.LinkHeader().Push(header.EthernetMinimumSize))
	eth.Encode(&header.EthernetFields{
		SrcAddr: pkt.EgressRoute.LocalLinkAddress,
		DstAddr: pkt.EgressRoute.RemoteLinkAddress,
		Type:    pkt.NetworkProtocolNumber,
	})
}

func (b *BufferDevice) ParseHeader(pkt *stack.PacketBuffer) bool {
	if b.caps.Medium != device.MediumEthernet {
		return true
	}
	_, ok := pkt.LinkHeader().Consume(header.EthernetMinimumSize)
	return ok
}

func (b *BufferDevice) Attach(dispatcher stack.NetworkDispatcher) {
	b.dispatcher.Store(&dispatcher)
}

func (b *BufferDevice) IsAttached() bool {
	d := b.dispatcher.Load()
	return d != nil && *d != nil
}

func (b *BufferDevice) Close() {
	b.closed.Store(true)
}

// WritePackets enqueues outbound frames onto the bounded tx channel. Per
// SPEC_FULL.md §3's invariant, a full channel refuses further sends —
// gVisor's stack treats that as backpressure and retries later, exactly
// the "transmit tokens refused above the cap" behavior spec.md §4.2 calls
// for.
func (b *BufferDevice) WritePackets(pkts stack.PacketBufferList) (int, tcpip.Error) {
	if b.closed.Load() {
		return 0, &tcpip.ErrClosedForSend{}
	}
	written := 0
	for _, pkt := range pkts.AsSlice() {
		pkt.IncRef()
		select {
		case b.txQ <- pkt:
			written++
		default:
			pkt.DecRef()
			return written, nil
		}
	}
	return written, nil
}

// --- reactor-facing queue operations ---

// TakeSendQueue drains every frame the engine has queued for transmission,
// in FIFO order, without blocking.
func (b *BufferDevice) TakeSendQueue() []device.Packet {
	var out []device.Packet
	for {
		select {
		case pkt := <-b.txQ:
			out = append(out, flatten(pkt))
			pkt.DecRef()
		default:
			return out
		}
	}
}

// AvailableRecvQueue reports how many more frames PushRecvQueue can accept
// before hitting max_burst_size.
func (b *BufferDevice) AvailableRecvQueue() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	avail := b.caps.EffectiveMaxBurstSize() - len(b.recvQ)
	if avail < 0 {
		return 0
	}
	return avail
}

// PushRecvQueue stages as many of pkts as fit under max_burst_size,
// returning the count actually accepted. Frames beyond capacity are not
// staged and stay with the caller (the reactor drops them, see
// feedFromDevice), implementing the backpressure invariant in
// SPEC_FULL.md §3.
func (b *BufferDevice) PushRecvQueue(pkts []device.Packet) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	max := b.caps.EffectiveMaxBurstSize()
	accepted := 0
	for _, p := range pkts {
		if len(b.recvQ) >= max {
			break
		}
		b.recvQ = append(b.recvQ, p)
		accepted++
	}
	return accepted
}

// NeedWait reports whether the receive queue is empty, meaning the
// reactor has no immediate rx work and may sleep.
func (b *BufferDevice) NeedWait() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.recvQ) == 0
}

// Drain feeds every staged rx frame to the engine's dispatcher and returns
// how many were consumed. Per SPEC_FULL.md §4.4, gVisor advances TCP/UDP
// state synchronously inside DeliverNetworkPacket, so this single call
// plays the role of both the spec's "feed engine" and "poll engine" steps.
func (b *BufferDevice) Drain() int {
	b.mu.Lock()
	pkts := b.recvQ
	b.recvQ = nil
	b.mu.Unlock()

	dp := b.dispatcher.Load()
	if dp != nil && *dp != nil {
		for _, raw := range pkts {
			b.deliver(*dp, raw)
		}
	}
	return len(pkts)
}

func (b *BufferDevice) deliver(dp stack.NetworkDispatcher, raw device.Packet) {
	var proto tcpip.NetworkProtocolNumber
	var payload []byte

	switch b.caps.Medium {
	case device.MediumEthernet:
		if len(raw) < header.EthernetMinimumSize {
			return
		}
		eth := header.Ethernet(raw)
		proto = eth.Type()
		payload = raw[header.EthernetMinimumSize:]
	default: // device.MediumIP
		if len(raw) == 0 {
			return
		}
		switch raw[0] >> 4 {
		case 4:
			proto = header.IPv4ProtocolNumber
		case 6:
			proto = header.IPv6ProtocolNumber
		default:
			return
		}
		payload = raw
	}

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), payload...)),
	})
	if b.caps.Medium == device.MediumEthernet {
		pkt.LinkHeader().Consume(0) // no-op, keeps symmetry with AddHeader/ParseHeader pairing
	}
	dp.DeliverNetworkPacket(proto, pkt)
	pkt.DecRef()
}

// flatten copies a PacketBuffer's views into a single owned []byte ready
// for the wire, including whatever link header AddHeader pushed.
func flatten(pkt *stack.PacketBuffer) device.Packet {
	views := pkt.AsSlices()
	total := 0
	for _, v := range views {
		total += len(v)
	}
	buf := make([]byte, 0, total)
	for _, v := range views {
		buf = append(buf, v...)
	}
	return device.Packet(buf)
}
