// Package wire implements the cryptographic primitives used to secure the
// connection handshake and heartbeat exchange: RSA-2048 keypairs, AES-256-CBC
// bulk encryption, SHA-256 hashing, and HMAC-SHA256 message authentication.
package wire

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// RSAKeyBits is the fixed modulus size for every keypair generated or
// accepted by this package. The wire formats size their RSA blocks (256
// bytes) around this value; it is not configurable.
const RSAKeyBits = 2048

// RSAKeySize is the byte length of an RSA-2048 encrypted block.
const RSAKeySize = RSAKeyBits / 8

// RSAKey wraps an RSA-2048 keypair. Either half may be nil: a key loaded
// from a peer's public PEM carries only Public, while a locally generated
// key carries both.
type RSAKey struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// GenerateRSAKey creates a new RSA-2048 keypair using the system CSPRNG.
func GenerateRSAKey() (RSAKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return RSAKey{}, fmt.Errorf("wire: generate rsa key: %w", err)
	}
	return RSAKey{Private: priv, Public: &priv.PublicKey}, nil
}

// HasPrivate reports whether this key can decrypt, not just encrypt.
func (k RSAKey) HasPrivate() bool {
	return k.Private != nil
}

// PublicPEM renders the public half as a PKIX PEM block, the "PEM-like text
// form" carried inside the Connect packet payload.
func (k RSAKey) PublicPEM() ([]byte, error) {
	if k.Public == nil {
		return nil, fmt.Errorf("wire: rsa key has no public half")
	}
	der, err := x509.MarshalPKIXPublicKey(k.Public)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal public key: %w", err)
	}
	block := &pem.Block{Type: "RSA PUBLIC KEY", Bytes: der}
	return pem.EncodeToMemory(block), nil
}

// ParseRSAPublicPEM parses a PEM-encoded PKIX public key back into an
// RSAKey with only the Public half set.
func ParseRSAPublicPEM(data []byte) (RSAKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return RSAKey{}, fmt.Errorf("wire: no PEM block found in public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return RSAKey{}, fmt.Errorf("wire: parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return RSAKey{}, fmt.Errorf("wire: PEM block does not hold an RSA public key")
	}
	if rsaPub.N.BitLen() != RSAKeyBits {
		return RSAKey{}, fmt.Errorf("wire: rsa public key is %d bits, want %d", rsaPub.N.BitLen(), RSAKeyBits)
	}
	return RSAKey{Public: rsaPub}, nil
}

// PrivatePEM renders the full keypair as a PKCS#1 PEM block, so a server's
// listening identity can be persisted across restarts instead of being
// regenerated (and re-pinned by every client) each time.
func (k RSAKey) PrivatePEM() ([]byte, error) {
	if k.Private == nil {
		return nil, fmt.Errorf("wire: rsa key has no private half")
	}
	der := x509.MarshalPKCS1PrivateKey(k.Private)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	return pem.EncodeToMemory(block), nil
}

// ParseRSAPrivatePEM parses a PEM-encoded PKCS#1 private key back into an
// RSAKey with both halves set.
func ParseRSAPrivatePEM(data []byte) (RSAKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return RSAKey{}, fmt.Errorf("wire: no PEM block found in private key")
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return RSAKey{}, fmt.Errorf("wire: parse private key: %w", err)
	}
	if priv.N.BitLen() != RSAKeyBits {
		return RSAKey{}, fmt.Errorf("wire: rsa private key is %d bits, want %d", priv.N.BitLen(), RSAKeyBits)
	}
	return RSAKey{Private: priv, Public: &priv.PublicKey}, nil
}

// EncryptRSA encrypts message under the public half using PKCS#1 v1.5
// padding, matching the original engine's signature-block scheme. message
// must fit within RSAKeySize-11 bytes.
func (k RSAKey) EncryptRSA(message []byte) ([]byte, error) {
	if k.Public == nil {
		return nil, fmt.Errorf("wire: rsa key has no public half")
	}
	out, err := rsa.EncryptPKCS1v15(rand.Reader, k.Public, message)
	if err != nil {
		return nil, fmt.Errorf("wire: rsa encrypt: %w", err)
	}
	return out, nil
}

// DecryptRSA reverses EncryptRSA using the private half.
func (k RSAKey) DecryptRSA(ciphertext []byte) ([]byte, error) {
	if k.Private == nil {
		return nil, fmt.Errorf("wire: rsa key has no private half")
	}
	out, err := rsa.DecryptPKCS1v15(rand.Reader, k.Private, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("wire: rsa decrypt: %w", err)
	}
	return out, nil
}
