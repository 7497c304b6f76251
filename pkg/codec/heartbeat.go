package codec

import (
	"fmt"

	"github.com/shadowmesh/shadowmesh/pkg/wire"
)

// HeartbeatMessageSize is the length of each nonce carried in a heartbeat
// exchange.
const HeartbeatMessageSize = 32

// HeartbeatPair is the client/server nonce pair exchanged on every
// heartbeat round, RSA-encrypted under the connection's unique session key.
type HeartbeatPair struct {
	ClientNonce [HeartbeatMessageSize]byte
	ServerNonce [HeartbeatMessageSize]byte
}

func (p HeartbeatPair) marshal() []byte {
	buf := make([]byte, 2*HeartbeatMessageSize)
	copy(buf[:HeartbeatMessageSize], p.ClientNonce[:])
	copy(buf[HeartbeatMessageSize:], p.ServerNonce[:])
	return buf
}

func unmarshalHeartbeatPair(buf []byte) (HeartbeatPair, error) {
	if len(buf) < 2*HeartbeatMessageSize {
		return HeartbeatPair{}, fmt.Errorf("codec: decrypted heartbeat pair too small: %d", len(buf))
	}
	var p HeartbeatPair
	copy(p.ClientNonce[:], buf[:HeartbeatMessageSize])
	copy(p.ServerNonce[:], buf[HeartbeatMessageSize:2*HeartbeatMessageSize])
	return p, nil
}

// Heartbeat is a decoded HEARTBEAT request.
type Heartbeat struct {
	Header ConnectedHeader
	Pair   HeartbeatPair
}

// EncodeHeartbeat builds a HEARTBEAT packet. uniqueKey is the per-connection
// RSA key negotiated during CONNECT; only its public half is needed here.
func EncodeHeartbeat(uniqueKey wire.RSAKey, pair HeartbeatPair, connectionID uint16, packetUID uint32) ([]byte, error) {
	cipher, err := uniqueKey.EncryptRSA(pair.marshal())
	if err != nil {
		return nil, fmt.Errorf("codec: encode heartbeat: %w", err)
	}
	buf := make([]byte, ConnectedHeaderRuntimeSize+len(cipher))
	header := ConnectedHeader{
		BaseHeader: BaseHeader{
			AppID:      AppID,
			AppVersion: AppVersion,
			Flags:      FlagSecure | FlagReliability,
			Type:       PacketHeartbeat,
		},
		ConnectionID: connectionID,
		PacketUID:    packetUID,
	}
	if err := header.Encode(buf); err != nil {
		return nil, err
	}
	copy(buf[ConnectedHeaderRuntimeSize:], cipher)
	if err := ApplyCRC(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeHeartbeat validates and decodes a HEARTBEAT packet. uniqueKey must
// carry the private half.
func DecodeHeartbeat(uniqueKey wire.RSAKey, buf []byte) (Heartbeat, error) {
	if !VerifyCRC(buf) {
		return Heartbeat{}, fmt.Errorf("codec: heartbeat failed crc check")
	}
	header, err := DecodeConnectedHeader(buf)
	if err != nil {
		return Heartbeat{}, err
	}
	if len(buf) <= ConnectedHeaderRuntimeSize {
		return Heartbeat{}, fmt.Errorf("codec: heartbeat packet too small for ciphertext")
	}
	cipher := buf[ConnectedHeaderRuntimeSize:]
	plain, err := uniqueKey.DecryptRSA(cipher)
	if err != nil {
		return Heartbeat{}, fmt.Errorf("codec: decode heartbeat: %w", err)
	}
	pair, err := unmarshalHeartbeatPair(plain)
	if err != nil {
		return Heartbeat{}, err
	}
	return Heartbeat{Header: header, Pair: pair}, nil
}

// HeartbeatAck is a decoded HEARTBEAT acknowledgement.
type HeartbeatAck struct {
	Header    AckConnectedHeader
	Pair      HeartbeatPair
	PacketUID uint32
}

// EncodeHeartbeatAck builds a HEARTBEAT acknowledgement RSA-encrypted under
// the client's public key.
func EncodeHeartbeatAck(clientKey wire.RSAKey, pair HeartbeatPair, packetUID uint32) ([]byte, error) {
	cipher, err := clientKey.EncryptRSA(pair.marshal())
	if err != nil {
		return nil, fmt.Errorf("codec: encode heartbeat ack: %w", err)
	}
	buf := make([]byte, AckConnectedHeaderRuntimeSize+len(cipher))
	header := AckConnectedHeader{
		BaseHeader: BaseHeader{
			AppID:      AppID,
			AppVersion: AppVersion,
			Flags:      FlagAck | FlagSecure,
			Type:       PacketHeartbeat,
		},
		Status:    AckOK,
		PacketUID: packetUID,
	}
	if err := header.Encode(buf); err != nil {
		return nil, err
	}
	copy(buf[AckConnectedHeaderRuntimeSize:], cipher)
	if err := ApplyCRC(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeHeartbeatAck validates and decodes a HEARTBEAT acknowledgement.
// clientKey must carry the private half.
func DecodeHeartbeatAck(clientKey wire.RSAKey, buf []byte) (HeartbeatAck, error) {
	if !VerifyCRC(buf) {
		return HeartbeatAck{}, fmt.Errorf("codec: heartbeat ack failed crc check")
	}
	header, err := DecodeAckConnectedHeader(buf)
	if err != nil {
		return HeartbeatAck{}, err
	}
	if len(buf) <= AckConnectedHeaderRuntimeSize {
		return HeartbeatAck{}, fmt.Errorf("codec: heartbeat ack too small for ciphertext")
	}
	cipher := buf[AckConnectedHeaderRuntimeSize:]
	plain, err := clientKey.DecryptRSA(cipher)
	if err != nil {
		return HeartbeatAck{}, fmt.Errorf("codec: decode heartbeat ack: %w", err)
	}
	pair, err := unmarshalHeartbeatPair(plain)
	if err != nil {
		return HeartbeatAck{}, err
	}
	return HeartbeatAck{Header: header, Pair: pair, PacketUID: header.PacketUID}, nil
}
