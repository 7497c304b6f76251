// Package integration exercises the full secure datagram protocol end to
// end, driving pkg/driver's public client and server APIs over real loopback
// UDP sockets rather than poking at internal state directly.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/shadowmesh/shadowmesh/pkg/driver"
	"github.com/shadowmesh/shadowmesh/pkg/event"
	"github.com/shadowmesh/shadowmesh/pkg/wire"
)

func newServerDriver(t *testing.T) (*driver.ServerDriver, wire.RSAKey, func()) {
	t.Helper()
	serverKey, err := wire.GenerateRSAKey()
	if err != nil {
		t.Fatalf("GenerateRSAKey: %v", err)
	}
	srv, err := driver.NewServer(driver.ServerConfig{
		BindAddress:     "127.0.0.1:0",
		Key:             serverKey,
		MaxConnections:  8,
		LivenessTimeout: time.Minute,
		SweepInterval:   time.Hour,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		cancel()
		t.Fatalf("server Start: %v", err)
	}
	return srv, serverKey, func() {
		srv.Stop()
		cancel()
	}
}

func waitForEvent(t *testing.T, ch <-chan *event.Event, want event.Kind) *event.Event {
	t.Helper()
	select {
	case ev := <-ch:
		if ev.Kind != want {
			t.Fatalf("expected event %v, got %v", want, ev.Kind)
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for event %v", want)
		return nil
	}
}

// TestBasicConnect covers scenario 1 from spec.md §8: a client seeded with
// the server's public key connects and reaches the Connected state, and the
// server allocates a connection record with an ID at or above the floor.
func TestBasicConnect(t *testing.T) {
	srv, serverKey, stop := newServerDriver(t)
	defer stop()

	cli, err := driver.NewClient(driver.ClientConfig{
		ServerAddress:  srv.LocalAddr(),
		ServerKey:      wire.RSAKey{Public: serverKey.Public},
		ConnectTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := cli.Start(ctx); err != nil {
		t.Fatalf("client Start: %v", err)
	}
	defer cli.Stop()

	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	createdEv := waitForEvent(t, srv.Events(), event.ConnectionCreated)
	if createdEv.ConnectionID < 100 {
		t.Fatalf("expected connection id >= 100 (idFloor), got %d", createdEv.ConnectionID)
	}
	waitForEvent(t, cli.Events(), event.ConnectSuccess)

	if srv.Table().Len() != 1 {
		t.Fatalf("expected 1 connection in server table, got %d", srv.Table().Len())
	}
}

// TestHeartbeatRoundTrip covers scenario 3: after connect, two consecutive
// heartbeat rounds each reach the server, which reports HeartbeatReceived
// for both. The nonce values themselves are not inspected here.
func TestHeartbeatRoundTrip(t *testing.T) {
	srv, serverKey, stop := newServerDriver(t)
	defer stop()

	cli, err := driver.NewClient(driver.ClientConfig{
		ServerAddress:  srv.LocalAddr(),
		ServerKey:      wire.RSAKey{Public: serverKey.Public},
		ConnectTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := cli.Start(ctx); err != nil {
		t.Fatalf("client Start: %v", err)
	}
	defer cli.Stop()

	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitForEvent(t, srv.Events(), event.ConnectionCreated)
	waitForEvent(t, cli.Events(), event.ConnectSuccess)

	cli.SendHeartbeat(ctx)
	waitForEvent(t, srv.Events(), event.HeartbeatReceived)

	cli.SendHeartbeat(ctx)
	waitForEvent(t, srv.Events(), event.HeartbeatReceived)
}

// TestMultipleClientsGetDistinctIDs covers the connection identifier
// uniqueness property from spec.md §8 across several clients connected at
// the same time (their connects run one after another).
func TestMultipleClientsGetDistinctIDs(t *testing.T) {
	srv, serverKey, stop := newServerDriver(t)
	defer stop()

	const n = 5
	seen := make(map[uint32]bool, n)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < n; i++ {
		cli, err := driver.NewClient(driver.ClientConfig{
			ServerAddress:  srv.LocalAddr(),
			ServerKey:      wire.RSAKey{Public: serverKey.Public},
			ConnectTimeout: 2 * time.Second,
		})
		if err != nil {
			t.Fatalf("NewClient[%d]: %v", i, err)
		}
		if err := cli.Start(ctx); err != nil {
			t.Fatalf("client[%d] Start: %v", i, err)
		}
		defer cli.Stop()
		if err := cli.Connect(ctx); err != nil {
			t.Fatalf("Connect[%d]: %v", i, err)
		}
		ev := waitForEvent(t, srv.Events(), event.ConnectionCreated)
		if seen[ev.ConnectionID] {
			t.Fatalf("duplicate connection id %d", ev.ConnectionID)
		}
		seen[ev.ConnectionID] = true
		waitForEvent(t, cli.Events(), event.ConnectSuccess)
	}

	if srv.Table().Len() != n {
		t.Fatalf("expected %d connections in server table, got %d", n, srv.Table().Len())
	}
}
