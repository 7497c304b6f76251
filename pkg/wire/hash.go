package wire

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"hash/crc32"
)

// HashSize is the SHA-256 digest length.
const HashSize = sha256.Size

// HMACKeySize is the length of an HMAC-SHA256 key carried inside the
// Connect signature block.
const HMACKeySize = 32

// HMACKey is an HMAC-SHA256 key. The one carried in the Connect signature
// block feeds DeriveSessionKeys, whose derived IntegrityKey tags MESSAGE
// frames; heartbeat frames carry no HMAC.
type HMACKey [HMACKeySize]byte

// GenerateHMACKey draws a fresh key from the system CSPRNG.
func GenerateHMACKey() (HMACKey, error) {
	var k HMACKey
	if _, err := rand.Read(k[:]); err != nil {
		return HMACKey{}, fmt.Errorf("wire: generate hmac key: %w", err)
	}
	return k, nil
}

// SHA256Sum hashes the concatenation of all given byte slices.
func SHA256Sum(parts ...[]byte) [HashSize]byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ComputeHMAC authenticates data under key.
func ComputeHMAC(key HMACKey, data []byte) []byte {
	mac := hmac.New(sha256.New, key[:])
	mac.Write(data)
	return mac.Sum(nil)
}

// VerifyHMAC checks data against an expected tag in constant time.
func VerifyHMAC(key HMACKey, data, tag []byte) bool {
	return hmac.Equal(ComputeHMAC(key, data), tag)
}

// CRC32 computes the IEEE checksum used by every packet header.
func CRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// RandomBytes returns n cryptographically random bytes, used for nonces,
// salts, and challenges.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("wire: random bytes: %w", err)
	}
	return b, nil
}
