package socketalloc

import (
	"testing"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/raw"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

func newTestStack(t *testing.T) *stack.Stack {
	t.Helper()
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
		RawFactory:         raw.EndpointFactory{},
	})
	t.Cleanup(s.Close)
	return s
}

func TestNewTCPSocketTracksAndCloses(t *testing.T) {
	s := newTestStack(t)
	a := New(s, DefaultBufferSize())

	h, err := a.NewTCPSocket()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Count() != 1 {
		t.Fatalf("expected 1 live handle, got %d", a.Count())
	}

	h.Close()
	if a.Count() != 0 {
		t.Fatalf("expected 0 live handles after Close, got %d", a.Count())
	}

	// Close must be idempotent.
	h.Close()
	if a.Count() != 0 {
		t.Fatalf("expected Close to remain idempotent, got %d handles", a.Count())
	}
}

func TestNewUDPSocketTracksAndCloses(t *testing.T) {
	s := newTestStack(t)
	a := New(s, DefaultBufferSize())

	h, err := a.NewUDPSocket()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Kind != KindUDP {
		t.Fatalf("expected KindUDP, got %v", h.Kind)
	}
	h.Close()
	if a.Count() != 0 {
		t.Fatalf("expected 0 live handles after Close, got %d", a.Count())
	}
}

func TestNewRawSocketTracksAndCloses(t *testing.T) {
	s := newTestStack(t)
	a := New(s, DefaultBufferSize())

	h, err := a.NewRawSocket(IPv4, header.ICMPv4ProtocolNumber)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Kind != KindRaw {
		t.Fatalf("expected KindRaw, got %v", h.Kind)
	}
	if a.Count() != 1 {
		t.Fatalf("expected 1 live handle, got %d", a.Count())
	}
	h.Close()
	if a.Count() != 0 {
		t.Fatalf("expected 0 live handles after Close, got %d", a.Count())
	}
}

func TestCloseAllClearsEveryHandle(t *testing.T) {
	s := newTestStack(t)
	a := New(s, DefaultBufferSize())

	if _, err := a.NewTCPSocket(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := a.NewUDPSocket(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Count() != 2 {
		t.Fatalf("expected 2 live handles, got %d", a.Count())
	}

	a.CloseAll()
	if a.Count() != 0 {
		t.Fatalf("expected 0 live handles after CloseAll, got %d", a.Count())
	}
}

func TestHandleExposesEndpointAndWaiter(t *testing.T) {
	s := newTestStack(t)
	a := New(s, DefaultBufferSize())

	h, err := a.NewTCPSocket()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h.Close()

	if h.Endpoint() == nil {
		t.Fatal("expected non-nil endpoint")
	}
	if h.Waiter() == nil {
		t.Fatal("expected non-nil waiter queue")
	}
	var _ tcpip.Endpoint = h.Endpoint()
}
