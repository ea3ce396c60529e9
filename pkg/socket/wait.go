package socket

import (
	"context"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/netreactor/netreactor/internal/engine"
)

// waitFor blocks until either one of mask's events fires on wq or ctx is
// canceled, calling ready after every wakeup. It follows the
// check-register-recheck pattern: after a first check fails it registers,
// then checks again before sleeping, so an event firing between the first
// check and the registration is never missed.
func waitFor(ctx context.Context, wq *waiter.Queue, mask waiter.EventMask, ready func() bool) error {
	if ready() {
		return nil
	}

	var entry waiter.Entry
	notifyCh := make(chan struct{}, 1)
	entry = waiter.NewChannelEntry(notifyCh)
	wq.EventRegister(&entry, mask)
	defer wq.EventUnregister(&entry)

	for {
		if ready() {
			return nil
		}
		select {
		case <-notifyCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitConnect blocks until the endpoint's pending connect reaches a
// terminal state — Established, or failed — matching SPEC_FULL.md §4.5's
// "ready when engine state = Established". The engine signals progress on
// this path with writable events, but a writable event alone does not
// mean the handshake finished (the endpoint is writable-pending as soon
// as Connect returns ErrConnectStarted), so the ready check inspects the
// endpoint's actual TCP state rather than trusting the first wakeup.
func waitConnect(ctx context.Context, wq *waiter.Queue, ep tcpip.Endpoint) error {
	err := waitFor(ctx, wq, waiter.WritableEvents, func() bool {
		if ep.LastError() != nil {
			return true
		}
		return tcp.EndpointState(ep.State()) == tcp.StateEstablished
	})
	if err != nil {
		return err
	}
	if tErr := ep.LastError(); tErr != nil {
		return engine.MapError(tErr)
	}
	return nil
}
