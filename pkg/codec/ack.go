package codec

import "fmt"

// EncodeAckBase builds a minimal, unencrypted acknowledgement carrying only
// a status code. It is used by the dispatch core to answer a base-family
// packet (Connect/Disconnect) whose CRC check failed, before any
// per-connection key material could be consulted. Packets with an
// unreadable header are dropped without an ack.
func EncodeAckBase(status AckStatus, packetType PacketType) ([]byte, error) {
	buf := make([]byte, AckBaseHeaderRuntimeSize)
	header := AckBaseHeader{
		BaseHeader: BaseHeader{
			AppID:      AppID,
			AppVersion: AppVersion,
			Flags:      FlagAck,
			Type:       packetType,
		},
		Status: status,
	}
	if err := header.Encode(buf); err != nil {
		return nil, err
	}
	if err := ApplyCRC(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeAckBase parses a minimal base acknowledgement.
func DecodeAckBase(buf []byte) (AckBaseHeader, error) {
	if !VerifyCRC(buf) {
		return AckBaseHeader{}, fmt.Errorf("codec: base ack failed crc check")
	}
	return DecodeAckBaseHeader(buf)
}
