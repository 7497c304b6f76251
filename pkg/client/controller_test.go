package client

import (
	"testing"

	"github.com/shadowmesh/shadowmesh/pkg/codec"
	"github.com/shadowmesh/shadowmesh/pkg/wire"
)

func TestConnectLifecycle(t *testing.T) {
	serverKey, err := wire.GenerateRSAKey()
	if err != nil {
		t.Fatalf("GenerateRSAKey: %v", err)
	}
	serverPublic := wire.RSAKey{Public: serverKey.Public}

	c := New()
	if err := c.Initialize(serverPublic); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("state = %v, want Idle", c.State())
	}

	packet, err := c.BeginConnect(1)
	if err != nil {
		t.Fatalf("BeginConnect: %v", err)
	}
	if c.State() != StateAwaitingAck {
		t.Fatalf("state = %v, want AwaitingAck", c.State())
	}

	req, err := codec.DecodeConnect(serverKey, packet)
	if err != nil {
		t.Fatalf("DecodeConnect: %v", err)
	}
	if req.SharedKey != c.GetSharedKey() {
		t.Fatalf("server-observed shared key does not match controller state")
	}

	block := codec.SecureBlock{PacketUID: 1, ConnectionID: 101, Status: codec.AckOK}
	if !c.CompleteConnect(block, serverPublic) {
		t.Fatalf("CompleteConnect rejected a valid ack")
	}
	if !c.IsConnected() {
		t.Fatalf("expected connected after valid ack")
	}
	if c.GetConnectionID() != 101 {
		t.Fatalf("connection id = %d, want 101", c.GetConnectionID())
	}
}

func TestCompleteConnectRejectsWrongPacketUID(t *testing.T) {
	serverKey, _ := wire.GenerateRSAKey()
	serverPublic := wire.RSAKey{Public: serverKey.Public}
	c := New()
	c.Initialize(serverPublic)
	if _, err := c.BeginConnect(5); err != nil {
		t.Fatalf("BeginConnect: %v", err)
	}
	block := codec.SecureBlock{PacketUID: 6, ConnectionID: 1, Status: codec.AckOK}
	if c.CompleteConnect(block, serverPublic) {
		t.Fatalf("expected rejection of ack for a different packet uid")
	}
	if c.IsConnected() {
		t.Fatalf("controller should not be connected")
	}
}

func TestSetNonceRotatesAcrossRounds(t *testing.T) {
	serverKey, _ := wire.GenerateRSAKey()
	serverPublic := wire.RSAKey{Public: serverKey.Public}
	c := New()
	c.Initialize(serverPublic)
	c.BeginConnect(1)
	c.CompleteConnect(codec.SecureBlock{PacketUID: 1, ConnectionID: 1, Status: codec.AckOK}, serverPublic)

	sent0 := c.GetClientNonce()
	var serverNonce0 [codec.NonceSize]byte
	serverNonce0[0] = 1
	if !c.SetNonce(sent0, serverNonce0) {
		t.Fatalf("first nonce rotation should succeed")
	}
	if c.GetServerNonce() != serverNonce0 {
		t.Fatalf("server nonce did not adopt the acknowledged value")
	}
	sent1 := c.GetClientNonce()
	if sent1 == sent0 {
		t.Fatalf("client nonce should rotate to a fresh value after a successful round")
	}

	// A second, legitimate round must also succeed: the server nonce
	// changes every round, so only the echoed client nonce is checked.
	var serverNonce1 [codec.NonceSize]byte
	serverNonce1[0] = 2
	if !c.SetNonce(sent1, serverNonce1) {
		t.Fatalf("second nonce rotation should succeed even though the server nonce changed")
	}
	sent2 := c.GetClientNonce()
	if sent2 == sent1 {
		t.Fatalf("client nonce should rotate again after the second round")
	}
}

func TestSetNonceRejectsStaleClientNonceEcho(t *testing.T) {
	serverKey, _ := wire.GenerateRSAKey()
	serverPublic := wire.RSAKey{Public: serverKey.Public}
	c := New()
	c.Initialize(serverPublic)
	c.BeginConnect(1)
	c.CompleteConnect(codec.SecureBlock{PacketUID: 1, ConnectionID: 1, Status: codec.AckOK}, serverPublic)

	sent0 := c.GetClientNonce()
	var serverNonce0 [codec.NonceSize]byte
	serverNonce0[0] = 1
	if !c.SetNonce(sent0, serverNonce0) {
		t.Fatalf("first nonce rotation should succeed")
	}
	rotated := c.GetClientNonce()

	// Replaying the now-stale first-round client nonce must be rejected,
	// leaving nonce state untouched.
	var serverNonce1 [codec.NonceSize]byte
	serverNonce1[0] = 2
	if c.SetNonce(sent0, serverNonce1) {
		t.Fatalf("expected rejection of a stale client nonce echo")
	}
	if c.GetClientNonce() != rotated || c.GetServerNonce() != serverNonce0 {
		t.Fatalf("rejected SetNonce call must leave nonce state untouched")
	}
}
