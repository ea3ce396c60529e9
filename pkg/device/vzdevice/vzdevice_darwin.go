//go:build darwin

// Package vzdevice turns the host side of a socketpair attached to a
// Virtualization.framework virtio-net device into a device.AsyncDevice,
// so a macOS VM's guest network traffic flows through this module's
// reactor instead of vz's own NAT attachment.
//
// Socketpair creation and the vz.NewFileHandleNetworkDeviceAttachment
// wiring are grounded on the teacher's SocketPair/configureNetwork
// (pkg/vm/darwin/network.go, pkg/vm/darwin/backend.go): same
// AF_UNIX/SOCK_DGRAM nonblocking pair, same attachment call, generalized
// here from one hardcoded VM backend to a reusable adapter constructor.
// The host side of the pair is bridged via fddevice, which already
// implements the non-blocking-fd half of the AsyncDevice contract.
package vzdevice

import (
	"fmt"
	"os"
	"syscall"

	"github.com/Code-Hex/vz/v3"

	"github.com/netreactor/netreactor/pkg/device"
	"github.com/netreactor/netreactor/pkg/device/fddevice"
)

// Pair is a connected AF_UNIX/SOCK_DGRAM socketpair: Host is wrapped into
// an AsyncDevice by New; Guest is handed to vz's network attachment.
type Pair struct {
	Host  *os.File
	Guest *os.File
}

// NewPair opens a nonblocking socketpair, mirroring the teacher's
// createSocketPair.
func NewPair() (*Pair, error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("vzdevice: socketpair: %w", err)
	}
	if err := syscall.SetNonblock(fds[0], true); err != nil {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
		return nil, fmt.Errorf("vzdevice: set nonblock host: %w", err)
	}
	if err := syscall.SetNonblock(fds[1], true); err != nil {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
		return nil, fmt.Errorf("vzdevice: set nonblock guest: %w", err)
	}
	return &Pair{
		Host:  os.NewFile(uintptr(fds[0]), "vzdevice-host"),
		Guest: os.NewFile(uintptr(fds[1]), "vzdevice-guest"),
	}, nil
}

// AttachmentConfig builds the vz network device configuration pointing
// the guest side of pair at a fresh random MAC, for inclusion in a
// vz.VirtualMachineConfiguration's network devices.
func AttachmentConfig(pair *Pair) (*vz.VirtioNetworkDeviceConfiguration, error) {
	attachment, err := vz.NewFileHandleNetworkDeviceAttachment(pair.Guest)
	if err != nil {
		return nil, fmt.Errorf("vzdevice: file handle attachment: %w", err)
	}
	netConfig, err := vz.NewVirtioNetworkDeviceConfiguration(attachment)
	if err != nil {
		return nil, fmt.Errorf("vzdevice: network device configuration: %w", err)
	}
	mac, err := vz.NewRandomLocallyAdministeredMACAddress()
	if err != nil {
		return nil, fmt.Errorf("vzdevice: random MAC address: %w", err)
	}
	netConfig.SetMACAddress(mac)
	return netConfig, nil
}

// New wraps the host side of pair as an AsyncDevice, tuning its socket
// buffers per fddevice's darwin-specific TuneSocketBuffers.
func New(pair *Pair, caps device.Capabilities) *fddevice.Device {
	fddevice.TuneSocketBuffers(pair.Host)
	return fddevice.New(pair.Host, caps)
}
