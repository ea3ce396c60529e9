// Package engine holds the thin translation layer between gVisor's
// pkg/tcpip types (the protocol engine this module wraps) and this
// module's own address/error vocabulary. Nothing here is exported outside
// the module: callers see io-style errors and net.Addr, never tcpip types.
package engine

import (
	"errors"
	"fmt"
	"io"

	"gvisor.dev/gvisor/pkg/tcpip"
)

// Sentinel errors surfaced by socket facades, per the error taxonomy in
// SPEC_FULL.md §7.
var (
	// ErrBrokenPipe is returned by writes on a connection the peer (or we)
	// closed for sending.
	ErrBrokenPipe = errors.New("netreactor: broken pipe")
	// ErrTransportClosed marks the reactor as having given up because its
	// AsyncDevice's stream or sink ended or errored (transport-fatal).
	ErrTransportClosed = errors.New("netreactor: transport closed")
	// ErrUnsupportedMedium is a misconfiguration error raised at Net
	// construction.
	ErrUnsupportedMedium = errors.New("netreactor: unsupported device medium")
	// ErrUnsupportedFamily is raised when an engine endpoint reports an
	// address family other than IPv4/IPv6 — an engine bug, not a runtime
	// condition callers can recover from.
	ErrUnsupportedFamily = errors.New("netreactor: unsupported address family")
)

// MapError translates a tcpip.Error from an engine call into an io-style
// error. Transient conditions (would-block, exhausted buffers) are the
// caller's cue to wait for a waker; everything else is returned verbatim
// to the application per SPEC_FULL.md §7.
func MapError(err tcpip.Error) error {
	if err == nil {
		return nil
	}
	switch err.(type) {
	case *tcpip.ErrWouldBlock:
		return ErrWouldBlock
	case *tcpip.ErrClosedForSend, *tcpip.ErrClosedForReceive:
		return ErrBrokenPipe
	case *tcpip.ErrConnectionReset, *tcpip.ErrConnectionAborted:
		return io.ErrClosedPipe
	case *tcpip.ErrConnectionRefused:
		return fmt.Errorf("netreactor: %s", err.String())
	default:
		return fmt.Errorf("netreactor: engine error: %s", err.String())
	}
}

// ErrWouldBlock marks a transient condition: the caller should register a
// waker and retry, not treat this as a hard failure.
var ErrWouldBlock = errors.New("netreactor: would block")
