// Package codec implements the wire packet families: their fixed byte
// layouts, CRC-32 integrity gate, and the encode/decode routines for the
// Connect, ConnectAck, Heartbeat, and HeartbeatAck message pairs. Every
// multi-byte field is little-endian; the layouts are frozen and must not be
// reordered.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/shadowmesh/shadowmesh/pkg/wire"
)

// Identity fields echoed in every header, pinned for the lifetime of the
// protocol.
const (
	AppID      uint16 = 0x0001
	AppVersion uint16 = 0x0001
)

// PacketType distinguishes the four message kinds carried over the base
// header.
type PacketType uint8

const (
	PacketConnect PacketType = iota
	PacketDisconnect
	PacketHeartbeat
	PacketMessage
)

// PacketFlag is a bitfield carried in every header.
type PacketFlag uint8

const (
	FlagReliability PacketFlag = 1 << iota
	FlagOrderWeak
	FlagOrderStrict
	FlagCompression
	FlagAck
	FlagSync
	FlagSecure
	FlagIPv4
)

// AckStatus reports how the receiving side handled an acknowledged packet.
type AckStatus uint8

const (
	AckOK AckStatus = iota
	AckCorrupt
	AckRejected
	AckForbidden
	AckNotFound
	AckUnauthorized
	AckInvalidRequest
)

// Header family sizes, matching the original engine's packed C structs.
const (
	BaseHeaderSize                  = 10
	BaseHeaderRuntimeSize           = 12
	ConnectedHeaderSize             = 16
	ConnectedHeaderRuntimeSize      = 16
	AckBaseHeaderSize               = 11
	AckBaseHeaderRuntimeSize        = 12
	AckConnectedHeaderSize          = 15
	AckConnectedHeaderRuntimeSize   = 16
	AckSecureConnectedHeaderSize    = 266
	AckSecureConnectedHeaderRuntime = 268
)

// crcOffset is the byte offset of the CRC-32 field within every header
// family; the field is zeroed before the checksum is computed.
const crcOffset = 4

// BaseHeader is the common prefix of every packet on the wire.
type BaseHeader struct {
	AppID      uint16
	AppVersion uint16
	CRC32      uint32
	Flags      PacketFlag
	Type       PacketType
}

func (h BaseHeader) encode(dst []byte) {
	binary.LittleEndian.PutUint16(dst[0:2], h.AppID)
	binary.LittleEndian.PutUint16(dst[2:4], h.AppVersion)
	binary.LittleEndian.PutUint32(dst[4:8], h.CRC32)
	dst[8] = byte(h.Flags)
	dst[9] = byte(h.Type)
}

func decodeBaseHeader(src []byte) (BaseHeader, error) {
	if len(src) < BaseHeaderSize {
		return BaseHeader{}, fmt.Errorf("codec: buffer too small for base header: %d", len(src))
	}
	return BaseHeader{
		AppID:      binary.LittleEndian.Uint16(src[0:2]),
		AppVersion: binary.LittleEndian.Uint16(src[2:4]),
		CRC32:      binary.LittleEndian.Uint32(src[4:8]),
		Flags:      PacketFlag(src[8]),
		Type:       PacketType(src[9]),
	}, nil
}

// ConnectedHeader extends BaseHeader with per-connection routing fields,
// used once a connection ID has been assigned.
type ConnectedHeader struct {
	BaseHeader
	ConnectionID uint16
	PacketUID    uint32
}

func (h ConnectedHeader) Encode(dst []byte) error {
	if len(dst) < ConnectedHeaderSize {
		return fmt.Errorf("codec: buffer too small for connected header: %d", len(dst))
	}
	h.BaseHeader.encode(dst)
	binary.LittleEndian.PutUint16(dst[10:12], h.ConnectionID)
	binary.LittleEndian.PutUint32(dst[12:16], h.PacketUID)
	return nil
}

func DecodeConnectedHeader(src []byte) (ConnectedHeader, error) {
	base, err := decodeBaseHeader(src)
	if err != nil {
		return ConnectedHeader{}, err
	}
	if len(src) < ConnectedHeaderSize {
		return ConnectedHeader{}, fmt.Errorf("codec: buffer too small for connected header: %d", len(src))
	}
	return ConnectedHeader{
		BaseHeader:   base,
		ConnectionID: binary.LittleEndian.Uint16(src[10:12]),
		PacketUID:    binary.LittleEndian.Uint32(src[12:16]),
	}, nil
}

// AckBaseHeader acknowledges a BaseHeader-only packet.
type AckBaseHeader struct {
	BaseHeader
	Status AckStatus
}

func (h AckBaseHeader) Encode(dst []byte) error {
	if len(dst) < AckBaseHeaderSize {
		return fmt.Errorf("codec: buffer too small for ack base header: %d", len(dst))
	}
	h.BaseHeader.encode(dst)
	dst[10] = byte(h.Status)
	return nil
}

func DecodeAckBaseHeader(src []byte) (AckBaseHeader, error) {
	base, err := decodeBaseHeader(src)
	if err != nil {
		return AckBaseHeader{}, err
	}
	if len(src) < AckBaseHeaderSize {
		return AckBaseHeader{}, fmt.Errorf("codec: buffer too small for ack base header: %d", len(src))
	}
	return AckBaseHeader{BaseHeader: base, Status: AckStatus(src[10])}, nil
}

// AckConnectedHeader acknowledges a ConnectedHeader packet, e.g. a
// heartbeat response.
type AckConnectedHeader struct {
	BaseHeader
	Status    AckStatus
	PacketUID uint32
}

func (h AckConnectedHeader) Encode(dst []byte) error {
	if len(dst) < AckConnectedHeaderSize {
		return fmt.Errorf("codec: buffer too small for ack connected header: %d", len(dst))
	}
	h.BaseHeader.encode(dst)
	dst[10] = byte(h.Status)
	binary.LittleEndian.PutUint32(dst[11:15], h.PacketUID)
	return nil
}

func DecodeAckConnectedHeader(src []byte) (AckConnectedHeader, error) {
	base, err := decodeBaseHeader(src)
	if err != nil {
		return AckConnectedHeader{}, err
	}
	if len(src) < AckConnectedHeaderSize {
		return AckConnectedHeader{}, fmt.Errorf("codec: buffer too small for ack connected header: %d", len(src))
	}
	return AckConnectedHeader{
		BaseHeader: base,
		Status:     AckStatus(src[10]),
		PacketUID:  binary.LittleEndian.Uint32(src[11:15]),
	}, nil
}

// SecureBlock is the plaintext layout RSA-encrypted inside an
// AckSecureConnectedHeader's Data field: the connection ID the server has
// assigned, the client-chosen packet UID being acknowledged, and the
// handshake status.
type SecureBlock struct {
	PacketUID    uint32
	ConnectionID uint16
	Status       AckStatus
}

const secureBlockSize = 4 + 2 + 1

func (b SecureBlock) encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], b.PacketUID)
	binary.LittleEndian.PutUint16(dst[4:6], b.ConnectionID)
	dst[6] = byte(b.Status)
}

func decodeSecureBlock(src []byte) SecureBlock {
	return SecureBlock{
		PacketUID:    binary.LittleEndian.Uint32(src[0:4]),
		ConnectionID: binary.LittleEndian.Uint16(src[4:6]),
		Status:       AckStatus(src[6]),
	}
}

// AckSecureConnectedHeader acknowledges the CONNECT request. Its Data field
// is an RSA ciphertext, readable only by the client, whose plaintext is a
// SecureBlock packed at the front and zero-padded to fill the RSA block.
type AckSecureConnectedHeader struct {
	BaseHeader
	Data [wire.RSAKeySize]byte
}

func (h AckSecureConnectedHeader) Encode(dst []byte) error {
	if len(dst) < AckSecureConnectedHeaderSize {
		return fmt.Errorf("codec: buffer too small for ack secure connected header: %d", len(dst))
	}
	h.BaseHeader.encode(dst)
	copy(dst[10:10+wire.RSAKeySize], h.Data[:])
	return nil
}

func DecodeAckSecureConnectedHeader(src []byte) (AckSecureConnectedHeader, error) {
	base, err := decodeBaseHeader(src)
	if err != nil {
		return AckSecureConnectedHeader{}, err
	}
	if len(src) < AckSecureConnectedHeaderSize {
		return AckSecureConnectedHeader{}, fmt.Errorf("codec: buffer too small for ack secure connected header: %d", len(src))
	}
	var h AckSecureConnectedHeader
	h.BaseHeader = base
	copy(h.Data[:], src[10:10+wire.RSAKeySize])
	return h, nil
}

// EncodeSecureBlock builds the plaintext layout for a SecureBlock, zero
// padded to size bytes, ready for RSA encryption.
func EncodeSecureBlock(b SecureBlock, size int) []byte {
	out := make([]byte, size)
	b.encode(out)
	return out
}

// DecodeSecureBlock parses the plaintext layout recovered after RSA
// decryption.
func DecodeSecureBlock(plaintext []byte) (SecureBlock, error) {
	if len(plaintext) < secureBlockSize {
		return SecureBlock{}, fmt.Errorf("codec: decrypted secure block too small: %d", len(plaintext))
	}
	return decodeSecureBlock(plaintext), nil
}

// ApplyCRC zeroes the CRC field, computes the checksum over the full
// buffer, and writes it back, matching the original engine's "CRC is
// computed last" ordering.
func ApplyCRC(buf []byte) error {
	if len(buf) < crcOffset+4 {
		return fmt.Errorf("codec: buffer too small to hold a crc field: %d", len(buf))
	}
	binary.LittleEndian.PutUint32(buf[crcOffset:crcOffset+4], 0)
	sum := wire.CRC32(buf)
	binary.LittleEndian.PutUint32(buf[crcOffset:crcOffset+4], sum)
	return nil
}

// VerifyCRC recomputes the checksum over buf with the CRC field zeroed and
// compares it to the value embedded in the header.
func VerifyCRC(buf []byte) bool {
	if len(buf) < crcOffset+4 {
		return false
	}
	embedded := binary.LittleEndian.Uint32(buf[crcOffset : crcOffset+4])
	scratch := make([]byte, len(buf))
	copy(scratch, buf)
	binary.LittleEndian.PutUint32(scratch[crcOffset:crcOffset+4], 0)
	return wire.CRC32(scratch) == embedded
}

// PeekType reads the packet type from any buffer long enough to hold a
// BaseHeader, without fully decoding it. Used by the dispatch core to route
// to the correct handler before committing to a specific header decode.
func PeekType(buf []byte) (PacketType, error) {
	base, err := decodeBaseHeader(buf)
	if err != nil {
		return 0, err
	}
	return base.Type, nil
}

// PeekFlags reads the flag bitfield from any buffer long enough to hold a
// BaseHeader.
func PeekFlags(buf []byte) (PacketFlag, error) {
	base, err := decodeBaseHeader(buf)
	if err != nil {
		return 0, err
	}
	return base.Flags, nil
}

// IsSecure reports whether the Secure flag is set.
func (f PacketFlag) IsSecure() bool { return f&FlagSecure != 0 }

// IsAck reports whether the Ack flag is set.
func (f PacketFlag) IsAck() bool { return f&FlagAck != 0 }

// HeaderFamily classifies which header layout a packet was built with.
type HeaderFamily uint8

const (
	// FamilyBase covers Connect/Disconnect: no per-connection routing
	// fields, so a receiver with no connection state can still answer a
	// corrupt one.
	FamilyBase HeaderFamily = iota
	// FamilyConnected covers Heartbeat and plain Message: connection_id
	// and packet_uid are present, but the receiver needs per-connection
	// key material to say anything meaningful back.
	FamilyConnected
	// FamilySecureConnected covers a secure-flagged Message.
	FamilySecureConnected
)

// HeaderType classifies buf's header family from its packet type and SECURE
// flag, without requiring a full header decode: MESSAGE is Connected,
// MESSAGE|SECURE is SecureConnected, everything else (Connect, Disconnect,
// Heartbeat) is Base or Connected per the fixed layout each type is defined
// to use. This is what the dispatch core consults to decide whether a CRC
// failure gets a corrupt ack (Base family) or a silent drop (Connected /
// SecureConnected family, which lack the keys to sign a meaningful ack
// before a connection exists).
func HeaderType(buf []byte) (HeaderFamily, error) {
	base, err := decodeBaseHeader(buf)
	if err != nil {
		return 0, err
	}
	switch base.Type {
	case PacketMessage:
		if base.Flags.IsSecure() {
			return FamilySecureConnected, nil
		}
		return FamilyConnected, nil
	case PacketHeartbeat:
		return FamilyConnected, nil
	default:
		return FamilyBase, nil
	}
}
