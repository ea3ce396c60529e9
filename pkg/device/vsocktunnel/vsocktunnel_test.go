package vsocktunnel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/netreactor/netreactor/pkg/device"
)

func TestDeviceSendRecvRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	caps := device.Capabilities{MTU: 1500, MaxBurstSize: 10, Medium: device.MediumIP}
	a := New(client, caps)
	b := New(server, caps)
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	payload := device.Packet{0x45, 0x00, 0x00, 0x2c, 0xaa}
	errCh := make(chan error, 1)
	go func() { errCh <- a.Send(ctx, payload) }()

	got, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("expected %d bytes, got %d", len(payload), len(got))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("mismatch at %d: want %x got %x", i, payload[i], got[i])
		}
	}
}

func TestDeviceRejectsOversizedFrame(t *testing.T) {
	client, server := net.Pipe()
	caps := device.Capabilities{MTU: 1500, MaxBurstSize: 10, Medium: device.MediumIP}
	a := New(client, caps)
	b := New(server, caps)
	defer a.Close()
	defer b.Close()

	header := []byte{0xff, 0xff, 0xff, 0xff}
	go client.Write(header)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := b.Recv(ctx); err == nil {
		t.Fatal("expected oversized frame to be rejected")
	}
}
