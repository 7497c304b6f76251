package codec

import (
	"bytes"
	"testing"

	"github.com/shadowmesh/shadowmesh/pkg/wire"
)

func TestConnectRoundTrip(t *testing.T) {
	clientKey, err := wire.GenerateRSAKey()
	if err != nil {
		t.Fatalf("GenerateRSAKey client: %v", err)
	}
	serverKey, err := wire.GenerateRSAKey()
	if err != nil {
		t.Fatalf("GenerateRSAKey server: %v", err)
	}
	serverPublicOnly := wire.RSAKey{Public: serverKey.Public}

	packet, sig, err := EncodeConnect(clientKey, serverPublicOnly, 42)
	if err != nil {
		t.Fatalf("EncodeConnect: %v", err)
	}

	req, err := DecodeConnect(serverKey, packet)
	if err != nil {
		t.Fatalf("DecodeConnect: %v", err)
	}
	if req.SharedKey != sig.Key {
		t.Fatalf("shared key mismatch")
	}
	if req.HMACKey != sig.HMACKey {
		t.Fatalf("hmac key mismatch")
	}
	if req.Challenge != sig.Challenge {
		t.Fatalf("challenge mismatch")
	}
	if req.ClientPublic.Public.N.Cmp(clientKey.Public.N) != 0 {
		t.Fatalf("recovered client public key does not match")
	}
	if req.PacketUID != 42 {
		t.Fatalf("packet uid = %d, want 42", req.PacketUID)
	}
	if req.Header.Type != PacketConnect {
		t.Fatalf("header type = %v, want PacketConnect", req.Header.Type)
	}
}

func TestConnectRejectsTamperedCRC(t *testing.T) {
	clientKey, _ := wire.GenerateRSAKey()
	serverKey, _ := wire.GenerateRSAKey()
	packet, _, err := EncodeConnect(clientKey, wire.RSAKey{Public: serverKey.Public}, 1)
	if err != nil {
		t.Fatalf("EncodeConnect: %v", err)
	}
	packet[len(packet)-1] ^= 0xFF
	if _, err := DecodeConnect(serverKey, packet); err == nil {
		t.Fatalf("expected crc failure on tampered packet")
	}
}

func TestConnectRejectsBodyTamperAfterValidCRC(t *testing.T) {
	clientKey, _ := wire.GenerateRSAKey()
	serverKey, _ := wire.GenerateRSAKey()
	packet, _, err := EncodeConnect(clientKey, wire.RSAKey{Public: serverKey.Public}, 1)
	if err != nil {
		t.Fatalf("EncodeConnect: %v", err)
	}
	// Flip a body byte and reapply a valid CRC over the tampered buffer,
	// simulating an attacker who can recompute the checksum but not the
	// signature hash bound to the original ciphertext.
	packet[BaseHeaderRuntimeSize] ^= 0x01
	if err := ApplyCRC(packet); err != nil {
		t.Fatalf("ApplyCRC: %v", err)
	}
	if _, err := DecodeConnect(serverKey, packet); err == nil {
		t.Fatalf("expected signature hash mismatch on tampered body")
	}
}

func TestConnectAckRoundTrip(t *testing.T) {
	clientKey, err := wire.GenerateRSAKey()
	if err != nil {
		t.Fatalf("GenerateRSAKey: %v", err)
	}
	block := SecureBlock{PacketUID: 7, ConnectionID: 101, Status: AckOK}
	packet, err := EncodeConnectAck(clientKey, block)
	if err != nil {
		t.Fatalf("EncodeConnectAck: %v", err)
	}
	got, err := DecodeConnectAck(clientKey, packet)
	if err != nil {
		t.Fatalf("DecodeConnectAck: %v", err)
	}
	if got != block {
		t.Fatalf("got %+v, want %+v", got, block)
	}
}

func TestHeartbeatRoundTrip(t *testing.T) {
	uniqueKey, err := wire.GenerateRSAKey()
	if err != nil {
		t.Fatalf("GenerateRSAKey: %v", err)
	}
	var pair HeartbeatPair
	copy(pair.ClientNonce[:], bytes.Repeat([]byte{0xAA}, HeartbeatMessageSize))
	copy(pair.ServerNonce[:], bytes.Repeat([]byte{0xBB}, HeartbeatMessageSize))

	packet, err := EncodeHeartbeat(uniqueKey, pair, 101, 9)
	if err != nil {
		t.Fatalf("EncodeHeartbeat: %v", err)
	}
	hb, err := DecodeHeartbeat(uniqueKey, packet)
	if err != nil {
		t.Fatalf("DecodeHeartbeat: %v", err)
	}
	if hb.Pair != pair {
		t.Fatalf("heartbeat pair mismatch")
	}
	if hb.Header.ConnectionID != 101 || hb.Header.PacketUID != 9 {
		t.Fatalf("unexpected header: %+v", hb.Header)
	}
}

func TestHeartbeatAckRoundTrip(t *testing.T) {
	clientKey, err := wire.GenerateRSAKey()
	if err != nil {
		t.Fatalf("GenerateRSAKey: %v", err)
	}
	var pair HeartbeatPair
	copy(pair.ClientNonce[:], bytes.Repeat([]byte{0x11}, HeartbeatMessageSize))
	copy(pair.ServerNonce[:], bytes.Repeat([]byte{0x22}, HeartbeatMessageSize))

	packet, err := EncodeHeartbeatAck(clientKey, pair, 9)
	if err != nil {
		t.Fatalf("EncodeHeartbeatAck: %v", err)
	}
	ack, err := DecodeHeartbeatAck(clientKey, packet)
	if err != nil {
		t.Fatalf("DecodeHeartbeatAck: %v", err)
	}
	if ack.Pair != pair || ack.PacketUID != 9 {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestAckBaseRoundTrip(t *testing.T) {
	packet, err := EncodeAckBase(AckCorrupt, PacketHeartbeat)
	if err != nil {
		t.Fatalf("EncodeAckBase: %v", err)
	}
	header, err := DecodeAckBase(packet)
	if err != nil {
		t.Fatalf("DecodeAckBase: %v", err)
	}
	if header.Status != AckCorrupt || header.Type != PacketHeartbeat {
		t.Fatalf("unexpected header: %+v", header)
	}
}

func TestPeekTypeAndFlags(t *testing.T) {
	packet, err := EncodeAckBase(AckOK, PacketConnect)
	if err != nil {
		t.Fatalf("EncodeAckBase: %v", err)
	}
	typ, err := PeekType(packet)
	if err != nil {
		t.Fatalf("PeekType: %v", err)
	}
	if typ != PacketConnect {
		t.Fatalf("PeekType = %v, want PacketConnect", typ)
	}
	flags, err := PeekFlags(packet)
	if err != nil {
		t.Fatalf("PeekFlags: %v", err)
	}
	if !flags.IsAck() {
		t.Fatalf("expected ack flag set")
	}
}

func TestHeaderTypeClassification(t *testing.T) {
	clientKey, _ := wire.GenerateRSAKey()
	serverKey, _ := wire.GenerateRSAKey()
	connectPacket, _, err := EncodeConnect(clientKey, wire.RSAKey{Public: serverKey.Public}, 1)
	if err != nil {
		t.Fatalf("EncodeConnect: %v", err)
	}
	if family, err := HeaderType(connectPacket); err != nil || family != FamilyBase {
		t.Fatalf("HeaderType(connect) = %v, %v; want FamilyBase, nil", family, err)
	}

	var pair HeartbeatPair
	hbPacket, err := EncodeHeartbeat(serverKey, pair, 101, 1)
	if err != nil {
		t.Fatalf("EncodeHeartbeat: %v", err)
	}
	if family, err := HeaderType(hbPacket); err != nil || family != FamilyConnected {
		t.Fatalf("HeaderType(heartbeat) = %v, %v; want FamilyConnected, nil", family, err)
	}

	session := wire.SessionKeys{}
	msgPacket, err := EncodeMessage(session, []byte("hi"), 101, 1)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	if family, err := HeaderType(msgPacket); err != nil || family != FamilySecureConnected {
		t.Fatalf("HeaderType(message) = %v, %v; want FamilySecureConnected, nil", family, err)
	}
}
