// Package udptunnel implements device.AsyncDevice over a UDP socket
// talking to one fixed peer: each datagram carries exactly one framed
// packet, so no length prefix is needed on the wire (UDP already
// preserves datagram boundaries) — unlike the stream-oriented framing in
// vsocktunnel, which does need one.
package udptunnel

import (
	"context"
	"net"
	"time"

	"github.com/netreactor/netreactor/pkg/device"
)

// noDeadline clears any read deadline previously set on the socket.
var noDeadline time.Time

// pastDeadline forces an in-flight Read to return immediately, used to
// unblock Recv's helper goroutine once ctx is canceled.
var pastDeadline = time.Unix(0, 1)

// Device is an AsyncDevice that exchanges whole frames as UDP datagrams
// with a single fixed peer address.
type Device struct {
	conn *net.UDPConn
	peer *net.UDPAddr
	caps device.Capabilities
}

// New wraps conn, sending every frame to peer and accepting frames from
// any source (the caller is expected to have already connected or
// filtered conn to the intended peer at the socket level if stricter
// isolation is required).
func New(conn *net.UDPConn, peer *net.UDPAddr, caps device.Capabilities) *Device {
	return &Device{conn: conn, peer: peer, caps: caps}
}

func (d *Device) Capabilities() device.Capabilities { return d.caps }

// Recv blocks until one datagram arrives or ctx is canceled.
func (d *Device) Recv(ctx context.Context) (device.Packet, error) {
	if deadline, ok := ctx.Deadline(); ok {
		d.conn.SetReadDeadline(deadline)
	} else {
		d.conn.SetReadDeadline(noDeadline)
	}

	buf := make(device.Packet, d.caps.MTU+256)
	done := make(chan struct{})
	var n int
	var err error
	go func() {
		n, err = d.conn.Read(buf)
		close(done)
	}()

	select {
	case <-done:
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	case <-ctx.Done():
		d.conn.SetReadDeadline(pastDeadline)
		<-done
		return nil, ctx.Err()
	}
}

// Send transmits pkt to the configured peer as a single datagram.
func (d *Device) Send(ctx context.Context, pkt device.Packet) error {
	_, err := d.conn.WriteToUDP(pkt, d.peer)
	return err
}

// Flush is a no-op: WriteToUDP already issues one syscall per datagram.
func (d *Device) Flush(ctx context.Context) error { return nil }

func (d *Device) Close() error { return d.conn.Close() }
