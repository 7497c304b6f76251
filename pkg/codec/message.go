package codec

import (
	"fmt"

	"github.com/shadowmesh/shadowmesh/pkg/wire"
)

// Message is a decoded MESSAGE packet: an opaque, session-encrypted payload
// carried once a connection is established, e.g. a tunnel device frame.
type Message struct {
	Header  ConnectedHeader
	Payload []byte
}

// EncodeMessage builds a MESSAGE packet carrying payload, encrypted under
// session's confidentiality key and authenticated under its integrity key.
// Unlike Connect/Heartbeat's fixed RSA blocks, a message body is variable
// length, so the wire layout after the header is
// [iv][hmac tag][aes-cbc ciphertext].
func EncodeMessage(session wire.SessionKeys, payload []byte, connectionID uint16, packetUID uint32) ([]byte, error) {
	iv, ciphertext, err := wire.EncryptAESCBC(session.ConfidentialityKey, payload)
	if err != nil {
		return nil, fmt.Errorf("codec: encode message: %w", err)
	}
	tag := wire.ComputeHMAC(session.IntegrityKey, append(append([]byte{}, iv...), ciphertext...))

	body := make([]byte, 0, wire.AESIVSize+wire.HashSize+len(ciphertext))
	body = append(body, iv...)
	body = append(body, tag...)
	body = append(body, ciphertext...)

	buf := make([]byte, ConnectedHeaderRuntimeSize+len(body))
	header := ConnectedHeader{
		BaseHeader: BaseHeader{
			AppID:      AppID,
			AppVersion: AppVersion,
			Flags:      FlagSecure,
			Type:       PacketMessage,
		},
		ConnectionID: connectionID,
		PacketUID:    packetUID,
	}
	if err := header.Encode(buf); err != nil {
		return nil, fmt.Errorf("codec: encode message: %w", err)
	}
	copy(buf[ConnectedHeaderRuntimeSize:], body)
	if err := ApplyCRC(buf); err != nil {
		return nil, fmt.Errorf("codec: encode message: %w", err)
	}
	return buf, nil
}

// DecodeMessage parses and authenticates a MESSAGE packet, returning the
// recovered plaintext payload.
func DecodeMessage(session wire.SessionKeys, buf []byte) (Message, error) {
	if !VerifyCRC(buf) {
		return Message{}, fmt.Errorf("codec: message failed crc check")
	}
	header, err := DecodeConnectedHeader(buf)
	if err != nil {
		return Message{}, fmt.Errorf("codec: decode message: %w", err)
	}
	if header.Type != PacketMessage {
		return Message{}, fmt.Errorf("codec: decode message: unexpected packet type %d", header.Type)
	}
	body := buf[ConnectedHeaderRuntimeSize:]
	if len(body) < wire.AESIVSize+wire.HashSize {
		return Message{}, fmt.Errorf("codec: message body too small: %d", len(body))
	}
	iv := body[:wire.AESIVSize]
	tag := body[wire.AESIVSize : wire.AESIVSize+wire.HashSize]
	ciphertext := body[wire.AESIVSize+wire.HashSize:]

	if !wire.VerifyHMAC(session.IntegrityKey, append(append([]byte{}, iv...), ciphertext...), tag) {
		return Message{}, fmt.Errorf("codec: message failed hmac check")
	}
	plaintext, err := wire.DecryptAESCBC(session.ConfidentialityKey, iv, ciphertext)
	if err != nil {
		return Message{}, fmt.Errorf("codec: decode message: %w", err)
	}
	return Message{Header: header, Payload: plaintext}, nil
}
