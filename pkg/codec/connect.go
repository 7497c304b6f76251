package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/shadowmesh/shadowmesh/pkg/wire"
)

// ChallengeSize and NonceSize match the original engine's
// NET_CLIENT_CHALLENGE_SIZE / NET_HEARTBEAT_NONCE_SIZE constants.
const (
	ChallengeSize = 32
	NonceSize     = 32
	saltSize      = 32
)

// connectSignatureSize is IV + AES key + salt + hash + HMAC key + challenge
// + packet UID. It must stay within the RSA-2048 PKCS#1 v1.5 plaintext
// ceiling (RSAKeySize - 11).
const connectSignatureSize = wire.AESIVSize + wire.AESKeySize + saltSize + wire.HashSize + wire.HMACKeySize + ChallengeSize + 4

// ConnectSignature is the plaintext RSA-encrypted alongside every Connect
// request. It carries the AES key and IV used to wrap the client's public
// key, a salt-bound integrity hash over the encrypted blob, the HMAC key, a
// random challenge, and the packet UID the client used for this request
// (echoed back in the ConnectAck so a stale or replayed ack can be
// recognized). The server records the challenge in its replay cache; the
// ConnectAck does not echo it, so the client binds an ack to its request
// through the packet UID alone. The
// base header carries no per-connection routing fields at Connect time --
// there is no connection yet -- so this is the only place that value can
// ride along.
type ConnectSignature struct {
	IV        [wire.AESIVSize]byte
	Key       wire.AESKey
	Salt      [saltSize]byte
	Hash      [wire.HashSize]byte
	HMACKey   wire.HMACKey
	Challenge [ChallengeSize]byte
	PacketUID uint32
}

func (s ConnectSignature) marshal() []byte {
	buf := make([]byte, connectSignatureSize)
	off := 0
	off += copy(buf[off:], s.IV[:])
	off += copy(buf[off:], s.Key[:])
	off += copy(buf[off:], s.Salt[:])
	off += copy(buf[off:], s.Hash[:])
	off += copy(buf[off:], s.HMACKey[:])
	off += copy(buf[off:], s.Challenge[:])
	binary.LittleEndian.PutUint32(buf[off:], s.PacketUID)
	return buf
}

func unmarshalConnectSignature(buf []byte) (ConnectSignature, error) {
	if len(buf) < connectSignatureSize {
		return ConnectSignature{}, fmt.Errorf("codec: decrypted signature too small: %d", len(buf))
	}
	var s ConnectSignature
	off := 0
	off += copy(s.IV[:], buf[off:])
	off += copy(s.Key[:], buf[off:])
	off += copy(s.Salt[:], buf[off:])
	off += copy(s.Hash[:], buf[off:])
	off += copy(s.HMACKey[:], buf[off:])
	off += copy(s.Challenge[:], buf[off:])
	s.PacketUID = binary.LittleEndian.Uint32(buf[off:])
	return s, nil
}

// ConnectRequest is the decoded form of an inbound CONNECT packet.
type ConnectRequest struct {
	Header       BaseHeader
	ClientPublic wire.RSAKey
	SharedKey    wire.AESKey
	HMACKey      wire.HMACKey
	Challenge    [ChallengeSize]byte
	PacketUID    uint32
}

// EncodeConnect builds a CONNECT request packet. clientKey supplies the
// public half advertised to the server (encrypted under a freshly generated
// AES session key); serverKey must carry only the server's public half.
// packetUID is the caller-assigned sequence number for this request.
func EncodeConnect(clientKey, serverKey wire.RSAKey, packetUID uint32) (packet []byte, sig ConnectSignature, err error) {
	clientPub, err := clientKey.PublicPEM()
	if err != nil {
		return nil, ConnectSignature{}, fmt.Errorf("codec: encode connect: %w", err)
	}
	sessionKey, err := wire.GenerateAESKey()
	if err != nil {
		return nil, ConnectSignature{}, fmt.Errorf("codec: encode connect: %w", err)
	}
	iv, cipherBlob, err := wire.EncryptAESCBC(sessionKey, clientPub)
	if err != nil {
		return nil, ConnectSignature{}, fmt.Errorf("codec: encode connect: %w", err)
	}
	salt, err := wire.RandomBytes(saltSize)
	if err != nil {
		return nil, ConnectSignature{}, fmt.Errorf("codec: encode connect: %w", err)
	}
	hmacKey, err := wire.GenerateHMACKey()
	if err != nil {
		return nil, ConnectSignature{}, fmt.Errorf("codec: encode connect: %w", err)
	}
	challengeBytes, err := wire.RandomBytes(ChallengeSize)
	if err != nil {
		return nil, ConnectSignature{}, fmt.Errorf("codec: encode connect: %w", err)
	}

	sig = ConnectSignature{Key: sessionKey, HMACKey: hmacKey, PacketUID: packetUID}
	copy(sig.IV[:], iv)
	copy(sig.Salt[:], salt)
	copy(sig.Challenge[:], challengeBytes)
	sig.Hash = wire.SHA256Sum(cipherBlob, sig.Salt[:])

	sigCipher, err := serverKey.EncryptRSA(sig.marshal())
	if err != nil {
		return nil, ConnectSignature{}, fmt.Errorf("codec: encode connect: %w", err)
	}

	total := BaseHeaderRuntimeSize + len(cipherBlob) + len(sigCipher)
	buf := make([]byte, total)
	header := BaseHeader{
		AppID:      AppID,
		AppVersion: AppVersion,
		Flags:      FlagReliability,
		Type:       PacketConnect,
	}
	header.encode(buf)
	copy(buf[BaseHeaderRuntimeSize:], cipherBlob)
	copy(buf[BaseHeaderRuntimeSize+len(cipherBlob):], sigCipher)
	if err := ApplyCRC(buf); err != nil {
		return nil, ConnectSignature{}, err
	}
	return buf, sig, nil
}

// DecodeConnect validates and decodes a CONNECT request. serverKey must
// carry the server's private half.
func DecodeConnect(serverKey wire.RSAKey, buf []byte) (ConnectRequest, error) {
	if !VerifyCRC(buf) {
		return ConnectRequest{}, fmt.Errorf("codec: connect packet failed crc check")
	}
	header, err := decodeBaseHeader(buf)
	if err != nil {
		return ConnectRequest{}, err
	}
	if len(buf) <= BaseHeaderRuntimeSize+wire.RSAKeySize {
		return ConnectRequest{}, fmt.Errorf("codec: connect packet too small for signature block")
	}
	sigCipher := buf[len(buf)-wire.RSAKeySize:]
	cipherBlob := buf[BaseHeaderRuntimeSize : len(buf)-wire.RSAKeySize]

	sigPlain, err := serverKey.DecryptRSA(sigCipher)
	if err != nil {
		return ConnectRequest{}, fmt.Errorf("codec: decode connect: %w", err)
	}
	sig, err := unmarshalConnectSignature(sigPlain)
	if err != nil {
		return ConnectRequest{}, err
	}
	expectedHash := wire.SHA256Sum(cipherBlob, sig.Salt[:])
	if expectedHash != sig.Hash {
		return ConnectRequest{}, fmt.Errorf("codec: connect signature hash mismatch")
	}

	pubPEM, err := wire.DecryptAESCBC(sig.Key, sig.IV[:], cipherBlob)
	if err != nil {
		return ConnectRequest{}, fmt.Errorf("codec: decode connect: %w", err)
	}
	clientPublic, err := wire.ParseRSAPublicPEM(pubPEM)
	if err != nil {
		return ConnectRequest{}, fmt.Errorf("codec: decode connect: %w", err)
	}

	return ConnectRequest{
		Header:       header,
		ClientPublic: clientPublic,
		SharedKey:    sig.Key,
		HMACKey:      sig.HMACKey,
		Challenge:    sig.Challenge,
		PacketUID:    sig.PacketUID,
	}, nil
}

// EncodeConnectAck builds a CONNECT acknowledgement, RSA-encrypted so only
// the holder of clientKey's private half can read the assigned connection
// ID and status. Rejections use ConnectionID 0.
func EncodeConnectAck(clientKey wire.RSAKey, block SecureBlock) ([]byte, error) {
	plaintext := EncodeSecureBlock(block, wire.RSAKeySize-11)
	cipher, err := clientKey.EncryptRSA(plaintext)
	if err != nil {
		return nil, fmt.Errorf("codec: encode connect ack: %w", err)
	}
	buf := make([]byte, AckSecureConnectedHeaderRuntime)
	header := AckSecureConnectedHeader{
		BaseHeader: BaseHeader{
			AppID:      AppID,
			AppVersion: AppVersion,
			Flags:      FlagAck | FlagSecure,
			Type:       PacketConnect,
		},
	}
	copy(header.Data[:], cipher)
	if err := header.Encode(buf); err != nil {
		return nil, err
	}
	if err := ApplyCRC(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeConnectAck decrypts a CONNECT acknowledgement using the client's
// private key.
func DecodeConnectAck(clientKey wire.RSAKey, buf []byte) (SecureBlock, error) {
	if !VerifyCRC(buf) {
		return SecureBlock{}, fmt.Errorf("codec: connect ack failed crc check")
	}
	header, err := DecodeAckSecureConnectedHeader(buf)
	if err != nil {
		return SecureBlock{}, err
	}
	plaintext, err := clientKey.DecryptRSA(header.Data[:])
	if err != nil {
		return SecureBlock{}, fmt.Errorf("codec: decode connect ack: %w", err)
	}
	return DecodeSecureBlock(plaintext)
}
