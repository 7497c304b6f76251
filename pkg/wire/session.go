package wire

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SessionKeys are the pair of sub-keys derived from a connection's handshake
// material once a session is established: a confidentiality key for framed
// payloads and an integrity key for HMAC tagging, kept independent so that
// compromise of one does not imply compromise of the other. This does not
// change the AES-256-CBC/RSA-2048 wire primitives the handshake itself uses
// (see Connect/ConnectAck/Heartbeat in pkg/codec); it only separates the
// encryption key from the tagging key on top of the shared AES key and HMAC
// key the handshake negotiates, deriving them via HKDF-SHA256 the way the
// teacher's handshake layer derives TX/RX keys from a master secret. Both
// directions of a connection use the same pair.
type SessionKeys struct {
	ConfidentialityKey AESKey
	IntegrityKey       HMACKey
}

const (
	sessionKeyInfoConfidentiality = "shadowmesh-core-confidentiality"
	sessionKeyInfoIntegrity       = "shadowmesh-core-integrity"
)

// DeriveSessionKeys derives a fresh confidentiality/integrity key pair for a
// connection from the shared AES key and HMAC key recovered during Connect.
// connectionSalt should be a value unique to the connection (e.g. the
// connection ID and challenge, concatenated) so two connections negotiating
// the same shared key by coincidence still end up with distinct derived
// keys.
func DeriveSessionKeys(sharedKey AESKey, hmacKey HMACKey, connectionSalt []byte) (SessionKeys, error) {
	ikm := make([]byte, 0, len(sharedKey)+len(hmacKey))
	ikm = append(ikm, sharedKey[:]...)
	ikm = append(ikm, hmacKey[:]...)

	var keys SessionKeys

	confKey, err := deriveKey(ikm, connectionSalt, []byte(sessionKeyInfoConfidentiality), AESKeySize)
	if err != nil {
		return SessionKeys{}, fmt.Errorf("wire: derive confidentiality key: %w", err)
	}
	copy(keys.ConfidentialityKey[:], confKey)

	intKey, err := deriveKey(ikm, connectionSalt, []byte(sessionKeyInfoIntegrity), HMACKeySize)
	if err != nil {
		return SessionKeys{}, fmt.Errorf("wire: derive integrity key: %w", err)
	}
	copy(keys.IntegrityKey[:], intKey)

	return keys, nil
}

func deriveKey(ikm, salt, info []byte, length int) ([]byte, error) {
	kdf := hkdf.New(sha256.New, ikm, salt, info)
	key := make([]byte, length)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}
