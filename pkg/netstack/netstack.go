// Package netstack implements the Net front-end described in
// SPEC_FULL.md §4.6: it owns the engine stack, the reactor driving it,
// and the allocator handing out sockets, and exposes the bind/connect
// surface applications actually call.
//
// Stack construction (NIC creation, address/route installation, TCP
// buffer tuning) is grounded directly on the teacher's NewNetworkStack
// (pkg/net/stack_darwin.go), generalized from one hardcoded gateway/NIC
// to the caller-supplied Config below.
package netstack

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/raw"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	"github.com/google/uuid"

	"github.com/netreactor/netreactor/pkg/bufferdevice"
	"github.com/netreactor/netreactor/pkg/device"
	"github.com/netreactor/netreactor/pkg/reactor"
	"github.com/netreactor/netreactor/pkg/socket"
	"github.com/netreactor/netreactor/pkg/socketalloc"
)

const nicID tcpip.NICID = 1

// Config configures a Net instance, matching SPEC_FULL.md §3's NetConfig.
type Config struct {
	// EthernetAddr is the NIC's link address; ignored for MediumIP devices.
	EthernetAddr tcpip.LinkAddress
	// IPCIDR is the stack's own address in CIDR form, e.g. "10.0.0.1/24".
	IPCIDR string
	// Gateway is an optional default gateway; empty means none.
	Gateway string
	// PromiscuousAndSpoofing mirrors the teacher's NIC tuning
	// (SetPromiscuousMode/SetSpoofing), needed when the stack must accept
	// and originate traffic for addresses other than its own.
	PromiscuousAndSpoofing bool
	BufferSize             socketalloc.BufferSize
	// ControlChannel, if set, is read by a dedicated goroutine that
	// cbor-decodes route-update messages and applies them via
	// UpdateRoutes. See control.go.
	ControlChannel ControlChannel
	Logger         *log.Logger
}

// ControlChannel is the minimal surface Net needs from a control
// connection: a reader to decode cbor frames from and a closer tied to
// Net's own shutdown.
type ControlChannel interface {
	Read(p []byte) (int, error)
	Close() error
}

// Net is the application-facing entry point: one engine stack, one
// reactor, one allocator, bound to one AsyncDevice.
type Net struct {
	id      uuid.UUID
	stack   *stack.Stack
	alloc   *socketalloc.Allocator
	reactor *reactor.Reactor
	logger  *log.Logger

	ephemeralPort atomic.Uint32

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds the engine stack over dev, wires it to a BufferDevice, and
// starts the reactor. Close tears everything down.
func New(dev device.AsyncDevice, cfg Config) (*Net, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	caps := dev.Capabilities()
	protocols := []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol}
	if caps.Medium == device.MediumEthernet {
		protocols = append(protocols, arp.NewProtocol)
	}

	s := stack.New(stack.Options{
		NetworkProtocols:   protocols,
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
		RawFactory:         raw.EndpointFactory{},
	})

	tcpSendBuf := tcpip.TCPSendBufferSizeRangeOption{
		Min:     tcp.MinBufferSize,
		Default: tcp.DefaultSendBufferSize,
		Max:     16 << 20,
	}
	tcpRecvBuf := tcpip.TCPReceiveBufferSizeRangeOption{
		Min:     tcp.MinBufferSize,
		Default: tcp.DefaultReceiveBufferSize,
		Max:     16 << 20,
	}
	s.SetTransportProtocolOption(tcp.ProtocolNumber, &tcpSendBuf)
	s.SetTransportProtocolOption(tcp.ProtocolNumber, &tcpRecvBuf)

	bd := bufferdevice.New(caps, cfg.EthernetAddr)
	if err := s.CreateNIC(nicID, bd.Endpoint()); err != nil {
		s.Close()
		return nil, fmt.Errorf("netstack: create NIC: %s", err)
	}

	if cfg.IPCIDR != "" {
		ip, ipNet, err := net.ParseCIDR(cfg.IPCIDR)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("netstack: parse IPCIDR %q: %w", cfg.IPCIDR, err)
		}
		prefixLen, _ := ipNet.Mask.Size()
		addr := tcpip.AddrFromSlice(normalizeIP(ip))
		protoNum := ipv4.ProtocolNumber
		if ip.To4() == nil {
			protoNum = ipv6.ProtocolNumber
		}
		protoAddr := tcpip.ProtocolAddress{
			Protocol:          protoNum,
			AddressWithPrefix: tcpip.AddressWithPrefix{Address: addr, PrefixLen: prefixLen},
		}
		if err := s.AddProtocolAddress(nicID, protoAddr, stack.AddressProperties{}); err != nil {
			s.Close()
			return nil, fmt.Errorf("netstack: add address: %s", err)
		}
	}

	routes := []tcpip.Route{{Destination: header.IPv4EmptySubnet, NIC: nicID}}
	if cfg.Gateway != "" {
		gw := tcpip.AddrFromSlice(normalizeIP(net.ParseIP(cfg.Gateway)))
		routes = []tcpip.Route{{Destination: header.IPv4EmptySubnet, Gateway: gw, NIC: nicID}}
	}
	s.SetRouteTable(routes)

	if cfg.PromiscuousAndSpoofing {
		s.SetPromiscuousMode(nicID, true)
		s.SetSpoofing(nicID, true)
	}

	alloc := socketalloc.New(s, cfg.BufferSize)
	r := reactor.New(dev, bd, alloc, logger)

	ctx, cancel := context.WithCancel(context.Background())
	n := &Net{
		id:      uuid.New(),
		stack:   s,
		alloc:   alloc,
		reactor: r,
		logger:  logger,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	n.ephemeralPort.Store(firstEphemeralPort)

	go func() {
		defer close(n.done)
		r.Run(ctx)
	}()

	if cfg.ControlChannel != nil {
		go n.runControlChannel(ctx, cfg.ControlChannel)
		go func() {
			<-ctx.Done()
			cfg.ControlChannel.Close()
		}()
	}

	return n, nil
}

// Close stops the reactor (which in turn closes every live socket) and
// tears down the engine stack.
func (n *Net) Close() error {
	n.cancel()
	n.reactor.Stop()
	<-n.done
	n.stack.Close()
	return nil
}

// TCPConnect allocates a TCP socket and connects it to addr:port.
func (n *Net) TCPConnect(ctx context.Context, addr net.IP, port int) (*socket.TcpStream, error) {
	h, err := n.alloc.NewTCPSocket()
	if err != nil {
		return nil, fmt.Errorf("netstack: new tcp socket: %s", err)
	}
	return socket.DialTCP(ctx, h, addr, port, n.reactor.Notify)
}

// TCPBind allocates a TCP socket, rewriting a port-0 bind request to a
// concrete ephemeral port per SPEC_FULL.md §4.5, and starts listening. The
// address is passed to the engine as given: an unspecified address is not
// replaced with the stack's own IPCIDR address.
func (n *Net) TCPBind(addr net.IP, port int, backlog int) (*socket.TcpListener, error) {
	addr, port = n.rewriteBind(addr, port)
	h, err := n.alloc.NewTCPSocket()
	if err != nil {
		return nil, fmt.Errorf("netstack: new tcp socket: %s", err)
	}
	return socket.ListenTCP(h, addr, port, backlog, n.reactor.Notify)
}

// UDPBind allocates and binds a UDP socket, with the same ephemeral-port
// rewriting rule as TCPBind.
func (n *Net) UDPBind(addr net.IP, port int) (*socket.UdpSocket, error) {
	addr, port = n.rewriteBind(addr, port)
	h, err := n.alloc.NewUDPSocket()
	if err != nil {
		return nil, fmt.Errorf("netstack: new udp socket: %s", err)
	}
	return socket.BindUDP(h, addr, port, n.reactor.Notify)
}

// RawSocket allocates a raw socket bound to the given IP version and
// transport protocol.
func (n *Net) RawSocket(ipVersion socketalloc.IPVersion, ipProtocol tcpip.TransportProtocolNumber) (*socket.RawSocket, error) {
	h, err := n.alloc.NewRawSocket(ipVersion, ipProtocol)
	if err != nil {
		return nil, fmt.Errorf("netstack: new raw socket: %s", err)
	}
	return socket.NewRawSocket(h, n.reactor.Notify), nil
}

// Stack exposes the underlying engine stack for advanced callers (route
// updates, diagnostics).
func (n *Net) Stack() *stack.Stack { return n.stack }

func normalizeIP(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip.To16()
}
