//go:build darwin

package vzdevice

import (
	"context"
	"testing"
	"time"

	"github.com/netreactor/netreactor/pkg/device"
)

func TestNewPairRoundTrip(t *testing.T) {
	pair, err := NewPair()
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer pair.Host.Close()
	defer pair.Guest.Close()

	caps := device.Capabilities{MTU: 1500, MaxBurstSize: 10, Medium: device.MediumEthernet}
	hostDev := New(pair, caps)
	defer hostDev.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload := device.Packet{1, 2, 3, 4}
	if _, err := pair.Guest.Write(payload); err != nil {
		t.Fatalf("guest write: %v", err)
	}
	got, err := hostDev.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("expected %d bytes, got %d", len(payload), len(got))
	}
}
