package engine

import (
	"net"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
)

// ToFullAddress converts a net.Addr-style (net.IP, port) pair into the
// engine's tcpip.FullAddress.
func ToFullAddress(ip net.IP, port int) tcpip.FullAddress {
	return tcpip.FullAddress{
		Addr: tcpip.AddrFromSlice(normalizeIP(ip)),
		Port: uint16(port),
	}
}

// normalizeIP returns the shortest representation gVisor expects: 4 bytes
// for an IPv4 address (including v4-mapped v6), 16 otherwise.
func normalizeIP(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip.To16()
}

// ToSocketAddr converts an engine address into a *net.TCPAddr/*net.UDPAddr
// style net.Addr. Address families other than v4/v6 are an engine bug per
// SPEC_FULL.md §4.5 and are reported via ErrUnsupportedFamily rather than a
// panic, so callers see a recoverable error instead of a crash.
func ToSocketAddr(addr tcpip.FullAddress, network string) (net.Addr, error) {
	ip, ok := netip.AddrFromSlice(addr.Addr.AsSlice())
	if !ok {
		return nil, ErrUnsupportedFamily
	}
	std := net.IP(ip.AsSlice())
	switch network {
	case "udp":
		return &net.UDPAddr{IP: std, Port: int(addr.Port)}, nil
	case "raw":
		return &net.IPAddr{IP: std}, nil
	default:
		return &net.TCPAddr{IP: std, Port: int(addr.Port)}, nil
	}
}
