//go:build darwin

package fddevice

import (
	"os"
	"syscall"
)

// socketBufSize matches the teacher's sockopt_darwin.go tuning: large
// enough to absorb a burst of max_burst_size frames without the kernel
// dropping any before the read goroutine drains them.
const socketBufSize = 4 << 20

// TuneSocketBuffers raises SO_SNDBUF/SO_RCVBUF on a socketpair-backed fd,
// grounded on the teacher's setSocketBufferSizes (pkg/net/sockopt_darwin.go).
func TuneSocketBuffers(f *os.File) {
	fd := int(f.Fd())
	syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_SNDBUF, socketBufSize)
	syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_RCVBUF, socketBufSize)
}
