package udptunnel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/netreactor/netreactor/pkg/device"
)

func TestDeviceSendRecvRoundTrip(t *testing.T) {
	aConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP a: %v", err)
	}
	bConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP b: %v", err)
	}

	caps := device.Capabilities{MTU: 1500, MaxBurstSize: 10, Medium: device.MediumIP}
	a := New(aConn, bConn.LocalAddr().(*net.UDPAddr), caps)
	b := New(bConn, aConn.LocalAddr().(*net.UDPAddr), caps)
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	payload := device.Packet{0x45, 0x00, 0x00, 0x1c}
	if err := a.Send(ctx, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if len(got) != len(payload) || got[0] != payload[0] {
		t.Fatalf("unexpected payload: %v", got)
	}
}

func TestDeviceRecvRespectsContextCancellation(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	caps := device.Capabilities{MTU: 1500, MaxBurstSize: 10, Medium: device.MediumIP}
	d := New(conn, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}, caps)
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := d.Recv(ctx); err == nil {
		t.Fatal("expected Recv to return an error once context is canceled")
	}
}
