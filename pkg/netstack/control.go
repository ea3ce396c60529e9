package netstack

import (
	"context"
	"io"
	"net"

	"github.com/fxamacker/cbor/v2"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// RouteEntry is one route-table entry in a control-channel update.
type RouteEntry struct {
	Destination string `cbor:"destination"`
	Gateway     string `cbor:"gateway"`
}

// RouteUpdate is the cbor-framed message SPEC_FULL.md §6 adds: a full
// replacement of the stack's route table, sent whenever the host side's
// view of reachable networks changes.
type RouteUpdate struct {
	Routes []RouteEntry `cbor:"routes"`
}

// runControlChannel decodes a stream of cbor-framed RouteUpdate messages
// from ch and applies each via UpdateRoutes, until ctx is canceled or ch
// returns an error. Framing is length-delimited via cbor's own streaming
// decoder, which consumes exactly one encoded value per Decode call.
func (n *Net) runControlChannel(ctx context.Context, ch ControlChannel) {
	dec := cbor.NewDecoder(ch)
	for {
		if ctx.Err() != nil {
			return
		}
		var update RouteUpdate
		if err := dec.Decode(&update); err != nil {
			if err == io.EOF {
				return
			}
			n.logger.Printf("netstack: control channel decode error: %v", err)
			return
		}
		if err := n.UpdateRoutes(update.Routes); err != nil {
			n.logger.Printf("netstack: apply route update: %v", err)
		}
	}
}

// UpdateRoutes replaces the engine's route table with routes, translating
// each entry's CIDR destination and optional gateway into the engine's
// tcpip.Route form.
func (n *Net) UpdateRoutes(routes []RouteEntry) error {
	table := make([]tcpip.Route, 0, len(routes))
	for _, r := range routes {
		_, ipNet, err := net.ParseCIDR(r.Destination)
		if err != nil {
			return err
		}
		dest, err := tcpip.NewSubnet(tcpip.AddrFromSlice(normalizeIP(ipNet.IP)), subnetMask(ipNet))
		if err != nil {
			return err
		}
		route := tcpip.Route{Destination: dest, NIC: nicID}
		if r.Gateway != "" {
			route.Gateway = tcpip.AddrFromSlice(normalizeIP(net.ParseIP(r.Gateway)))
		}
		table = append(table, route)
	}
	if len(table) == 0 {
		table = []tcpip.Route{{Destination: header.IPv4EmptySubnet, NIC: nicID}}
	}
	n.stack.SetRouteTable(table)
	return nil
}

func subnetMask(ipNet *net.IPNet) tcpip.AddressMask {
	return tcpip.MaskFromBytes(ipNet.Mask)
}
