// Package client implements the client-side session controller: the state
// machine that drives a single outbound connection through Connect,
// ConnectAck, and the ongoing heartbeat exchange, grounded on
// original_source's richer Controllers/NetClientController.h (the variant
// that carries the client/server nonce pair; the slimmer, nonce-less
// NetClientController.h sibling was superseded and has no Go counterpart
// here).
package client

import (
	"fmt"
	"sync"

	"github.com/shadowmesh/shadowmesh/pkg/codec"
	"github.com/shadowmesh/shadowmesh/pkg/wire"
)

// State is one stage of the client handshake lifecycle.
type State int

const (
	StateIdle State = iota
	StateAwaitingAck
	StateConnected
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAwaitingAck:
		return "AwaitingAck"
	case StateConnected:
		return "Connected"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Controller holds everything needed to carry one connection from an
// unauthenticated CONNECT request through an established, heartbeat-verified
// session. All field access is guarded by mu so a driver shell can call
// into it from both its send path and its dispatch-handler callbacks.
type Controller struct {
	mu    sync.RWMutex
	state State

	serverKey wire.RSAKey // public half only
	key       wire.RSAKey // this client's own keypair, generated on Initialize
	// uniqueKey is the RSA key used to encrypt/decrypt the heartbeat
	// exchange. The original engine's CompleteConnect plumbing anticipated
	// the server minting a distinct per-connection key here; the frozen
	// AckSecureConnectedHeader has no room to carry a second ~270-byte PEM
	// public key inside its 256-byte RSA block, so in practice this is set
	// to the server's listening key unless a caller supplies something
	// else. The field is kept distinct from serverKey so that extension
	// remains possible without changing the controller's shape.
	uniqueKey wire.RSAKey

	sharedKey wire.AESKey
	hmacKey   wire.HMACKey
	challenge [codec.ChallengeSize]byte

	clientNonce [codec.NonceSize]byte
	serverNonce [codec.NonceSize]byte

	connectionID     uint32
	pendingPacketUID uint32

	// session holds the HKDF-derived confidentiality/integrity sub-keys,
	// set by CompleteConnect to mirror the server's Record.DeriveSession.
	session wire.SessionKeys
}

// New creates a controller in its Idle state.
func New() *Controller {
	return &Controller{}
}

// Initialize generates this client's own RSA keypair and records the
// server's public key, moving the controller to Idle if it was not already
// there.
func (c *Controller) Initialize(serverKey wire.RSAKey) error {
	key, err := wire.GenerateRSAKey()
	if err != nil {
		return fmt.Errorf("client: initialize: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverKey = serverKey
	c.key = key
	c.uniqueKey = serverKey
	c.state = StateIdle
	return nil
}

// Reset clears all session state and returns the controller to Idle. The
// client keypair and server key are preserved so a fresh connection attempt
// does not require re-initializing.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sharedKey = wire.AESKey{}
	c.hmacKey = wire.HMACKey{}
	c.challenge = [codec.ChallengeSize]byte{}
	c.clientNonce = [codec.NonceSize]byte{}
	c.serverNonce = [codec.NonceSize]byte{}
	c.connectionID = 0
	c.pendingPacketUID = 0
	c.uniqueKey = c.serverKey
	c.session = wire.SessionKeys{}
	c.state = StateIdle
}

// IsConnected reports whether the handshake has completed.
func (c *Controller) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateConnected
}

// State returns the current lifecycle stage.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// BeginConnect builds a CONNECT request and moves the controller from Idle
// to AwaitingAck. Calling it from any other state is an error: a connection
// attempt is already in flight or already established.
func (c *Controller) BeginConnect(packetUID uint32) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return nil, fmt.Errorf("client: begin connect: invalid state %s", c.state)
	}
	packet, sig, err := codec.EncodeConnect(c.key, c.serverKey, packetUID)
	if err != nil {
		return nil, fmt.Errorf("client: begin connect: %w", err)
	}
	c.sharedKey = sig.Key
	c.hmacKey = sig.HMACKey
	c.challenge = sig.Challenge
	c.pendingPacketUID = packetUID
	c.state = StateAwaitingAck
	return packet, nil
}

// CompleteConnect attempts to assign the connection ID and per-connection
// key material carried in a CONNECT acknowledgement. It returns false
// without modifying state if the controller was not awaiting an ack for
// this packet UID -- mirroring the original SetConnectionID's "already
// connected" guard generalized to any state other than AwaitingAck. An ack
// for the pending packet UID that reports a non-OK status also returns
// false, and moves the controller to Terminated.
func (c *Controller) CompleteConnect(block codec.SecureBlock, uniqueServerKey wire.RSAKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAwaitingAck {
		return false
	}
	if block.PacketUID != c.pendingPacketUID {
		return false
	}
	if block.Status != codec.AckOK {
		c.state = StateTerminated
		return false
	}
	c.connectionID = uint32(block.ConnectionID)
	c.uniqueKey = uniqueServerKey

	// A fresh client nonce is generated here and held for the first
	// heartbeat; the server nonce stays zero until that round's ack
	// bootstraps it.
	if nonce, err := wire.RandomBytes(codec.NonceSize); err == nil {
		copy(c.clientNonce[:], nonce)
	}

	salt := make([]byte, 4)
	salt[0] = byte(c.connectionID >> 24)
	salt[1] = byte(c.connectionID >> 16)
	salt[2] = byte(c.connectionID >> 8)
	salt[3] = byte(c.connectionID)
	if keys, err := wire.DeriveSessionKeys(c.sharedKey, c.hmacKey, salt); err == nil {
		c.session = keys
	}

	c.state = StateConnected
	return true
}

// SetNonce verifies that the client nonce echoed back in a heartbeat
// acknowledgement matches the one this controller last transmitted and, on
// success, rotates in a freshly generated client nonce for the next round
// and adopts the server's newly issued nonce. It returns false -- leaving
// all nonce state untouched -- on a mismatch, which the driver shell treats
// as a possible replay or stale ack and drops rather than acting on.
func (c *Controller) SetNonce(clientNonce, serverNonce [codec.NonceSize]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return false
	}
	if clientNonce != c.clientNonce {
		return false
	}
	next, err := wire.RandomBytes(codec.NonceSize)
	if err != nil {
		return false
	}
	copy(c.clientNonce[:], next)
	c.serverNonce = serverNonce
	return true
}

// Terminate moves the controller to Terminated, e.g. after the driver shell
// observes a liveness timeout.
func (c *Controller) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateTerminated
}

func (c *Controller) GetServerKey() wire.RSAKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverKey
}

func (c *Controller) GetKey() wire.RSAKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key
}

func (c *Controller) GetUniqueKey() wire.RSAKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.uniqueKey
}

func (c *Controller) GetSharedKey() wire.AESKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sharedKey
}

func (c *Controller) GetHMACKey() wire.HMACKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hmacKey
}

func (c *Controller) GetChallenge() [codec.ChallengeSize]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.challenge
}

func (c *Controller) GetClientNonce() [codec.NonceSize]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientNonce
}

func (c *Controller) GetServerNonce() [codec.NonceSize]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverNonce
}

func (c *Controller) GetConnectionID() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectionID
}

// GetSessionKeys returns the HKDF-derived confidentiality/integrity key pair
// set on the last successful CompleteConnect. It is the zero value until
// then.
func (c *Controller) GetSessionKeys() wire.SessionKeys {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}
