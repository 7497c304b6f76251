package dispatch

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/shadowmesh/shadowmesh/pkg/codec"
	"github.com/shadowmesh/shadowmesh/pkg/socket"
	"github.com/shadowmesh/shadowmesh/pkg/wire"
	"github.com/shadowmesh/shadowmesh/pkg/workerpool"
)

func TestDispatchRoutesByPacketType(t *testing.T) {
	sock, err := socket.Bind(socket.BindConfig{Network: "udp4", Address: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer sock.Close()

	pool := workerpool.New(2, 8)
	pool.Start(context.Background())
	defer pool.Stop()

	d := New(sock, pool, Config{}, nil)

	received := make(chan codec.PacketType, 1)
	d.Handle(codec.PacketHeartbeat, func(from *net.UDPAddr, data []byte) {
		typ, _ := codec.PeekType(data)
		received <- typ
	})

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	client, err := socket.Bind(socket.BindConfig{Network: "udp4", Address: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Bind client: %v", err)
	}
	defer client.Close()

	packet, err := codec.EncodeAckBase(codec.AckOK, codec.PacketHeartbeat)
	if err != nil {
		t.Fatalf("EncodeAckBase: %v", err)
	}
	if _, err := client.SendTo(packet, sock.LocalAddr()); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	select {
	case typ := <-received:
		if typ != codec.PacketHeartbeat {
			t.Fatalf("routed type = %v, want PacketHeartbeat", typ)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler was not invoked")
	}
}

func TestDispatchAnswersCorruptCRC(t *testing.T) {
	sock, err := socket.Bind(socket.BindConfig{Network: "udp4", Address: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer sock.Close()

	pool := workerpool.New(2, 8)
	pool.Start(context.Background())
	defer pool.Stop()

	d := New(sock, pool, Config{}, nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	client, err := socket.Bind(socket.BindConfig{Network: "udp4", Address: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Bind client: %v", err)
	}
	defer client.Close()

	packet, err := codec.EncodeAckBase(codec.AckOK, codec.PacketConnect)
	if err != nil {
		t.Fatalf("EncodeAckBase: %v", err)
	}
	packet[len(packet)-1] ^= 0xFF // tamper without fixing up the CRC

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, 64)
		client.ReceiveFrom(buf)
	}()

	if _, err := client.SendTo(packet, sock.LocalAddr()); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("did not receive a corrupt ack in time")
	}
}

func TestDispatchDropsCorruptConnectedFamilyPacket(t *testing.T) {
	sock, err := socket.Bind(socket.BindConfig{Network: "udp4", Address: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer sock.Close()

	pool := workerpool.New(2, 8)
	pool.Start(context.Background())
	defer pool.Stop()

	d := New(sock, pool, Config{}, nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	client, err := socket.Bind(socket.BindConfig{Network: "udp4", Address: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Bind client: %v", err)
	}
	defer client.Close()

	var pair codec.HeartbeatPair
	serverKey, err := wire.GenerateRSAKey()
	if err != nil {
		t.Fatalf("GenerateRSAKey: %v", err)
	}
	packet, err := codec.EncodeHeartbeat(serverKey, pair, 101, 1)
	if err != nil {
		t.Fatalf("EncodeHeartbeat: %v", err)
	}
	packet[len(packet)-1] ^= 0xFF // tamper without fixing up the CRC

	if _, err := client.SendTo(packet, sock.LocalAddr()); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	recv := make(chan struct{}, 1)
	go func() {
		buf := make([]byte, 64)
		if _, _, err := client.ReceiveFrom(buf); err == nil {
			recv <- struct{}{}
		}
	}()

	select {
	case <-recv:
		t.Fatalf("expected no ack for a corrupt connected-family packet, got one")
	case <-time.After(300 * time.Millisecond):
	}
}
