//go:build linux

// Package taplink implements device.AsyncDevice over a Linux TAP device,
// the host-side counterpart to vzdevice on macOS: a raw interface the
// reactor drives directly instead of going through the kernel's own IP
// stack.
//
// Opening the TAP device via the TUNSETIFF ioctl is grounded on the
// teacher's CreateTAP (pkg/vm/linux/tap.go), rebuilt against
// golang.org/x/sys/unix's ioctl constants instead of hand-rolled
// syscall.Syscall calls. Unlike the teacher, this package does not set
// TUNSETPERSIST: the TAP interface here lives only as long as this
// process holds the fd, so there is nothing to persist across restarts.
package taplink

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/netreactor/netreactor/pkg/device"
	"github.com/netreactor/netreactor/pkg/device/fddevice"
)

const (
	tunDevice = "/dev/net/tun"
	ifnameLen = 16
)

type ifreq struct {
	name  [ifnameLen]byte
	flags uint16
	_     [22]byte
}

// Open creates (or attaches to) a TAP interface named name and returns its
// raw, nonblocking file descriptor.
func Open(name string) (*os.File, error) {
	fd, err := unix.Open(tunDevice, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("taplink: open %s: %w", tunDevice, err)
	}

	var ifr ifreq
	copy(ifr.name[:], name)
	ifr.flags = unix.IFF_TAP | unix.IFF_NO_PI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr))); errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("taplink: TUNSETIFF: %w", errno)
	}

	return os.NewFile(uintptr(fd), name), nil
}

// New opens the named TAP device and wraps it as an AsyncDevice via
// fddevice, the same non-blocking-fd bridge vzdevice uses on macOS.
func New(name string, caps device.Capabilities) (*fddevice.Device, error) {
	f, err := Open(name)
	if err != nil {
		return nil, err
	}
	return fddevice.New(f, caps), nil
}
