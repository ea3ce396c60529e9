package socket

import (
	"bytes"
	"context"
	"net"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/netreactor/netreactor/internal/engine"
	"github.com/netreactor/netreactor/pkg/socketalloc"
)

// RawSocket is a raw IP socket. gonet has no raw-socket wrapper, so
// RawSocket talks to the engine's endpoint directly, using the same
// check-register-recheck wait helper TcpListener.Accept uses.
type RawSocket struct {
	h      *socketalloc.Handle
	notify Notifier
}

// NewRawSocket adopts h (already allocated via Allocator.NewRawSocket)
// into a ready-to-use RawSocket. notify wakes the reactor after SendTo
// enqueues a datagram.
func NewRawSocket(h *socketalloc.Handle, notify Notifier) *RawSocket {
	return &RawSocket{h: h, notify: notify}
}

// RecvFrom blocks (subject to ctx) until a datagram is available, copies
// it into p, and reports the sender's address.
func (r *RawSocket) RecvFrom(ctx context.Context, p []byte) (int, net.Addr, error) {
	ep := r.h.Endpoint()
	sw := &engine.SliceWriter{Buf: p}

	var res struct {
		n    int
		addr tcpip.FullAddress
	}
	err := waitFor(ctx, r.h.Waiter(), waiter.ReadableEvents, func() bool {
		sw.Reset()
		result, tErr := ep.Read(sw, tcpip.ReadOptions{NeedRemoteAddr: true})
		if tErr != nil {
			return false
		}
		res.n = sw.N()
		res.addr = result.RemoteAddr
		return true
	})
	if err != nil {
		return 0, nil, err
	}
	addr, aerr := engine.ToSocketAddr(res.addr, "raw")
	if aerr != nil {
		return res.n, nil, aerr
	}
	return res.n, addr, nil
}

// SendTo transmits p to addr, blocking (subject to ctx) if the engine's
// send buffer is momentarily full.
func (r *RawSocket) SendTo(ctx context.Context, p []byte, addr net.IP) (int, error) {
	ep := r.h.Endpoint()
	full := engine.ToFullAddress(addr, 0)
	reader := bytes.NewReader(p)

	var n int64
	var writeErr error
	err := waitFor(ctx, r.h.Waiter(), waiter.WritableEvents, func() bool {
		reader.Seek(0, 0)
		written, tErr := ep.Write(reader, tcpip.WriteOptions{To: &full})
		if tErr != nil {
			if _, wouldBlock := tErr.(*tcpip.ErrWouldBlock); wouldBlock {
				return false
			}
			writeErr = engine.MapError(tErr)
			return true
		}
		n = written
		return true
	})
	if err != nil {
		return 0, err
	}
	if writeErr != nil {
		return 0, writeErr
	}
	r.notify.fire()
	return int(n), nil
}

func (r *RawSocket) Close() error {
	r.h.Close()
	return nil
}
