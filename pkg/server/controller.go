// Package server implements the server-side session controller: the
// connection table that tracks every established peer, grounded on
// original_source's NetServerController.h (the server's own RSA keypair)
// and NetConnectionController.h (the connection map and unique ID
// generator).
package server

import (
	"fmt"
	"sync"

	"github.com/shadowmesh/shadowmesh/pkg/wire"
)

// Controller holds the server's own long-lived RSA keypair, the one CONNECT
// requests are encrypted against.
type Controller struct {
	mu  sync.RWMutex
	key wire.RSAKey
}

// NewController constructs an uninitialized controller.
func NewController() *Controller {
	return &Controller{}
}

// Initialize installs the server's keypair, which must carry a private
// half since the server needs to decrypt inbound CONNECT signatures.
func (c *Controller) Initialize(key wire.RSAKey) error {
	if !key.HasPrivate() {
		return fmt.Errorf("server: initialize requires a private key")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = key
	return nil
}

// Reset clears the installed keypair.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = wire.RSAKey{}
}

// GetServerKey returns the installed keypair.
func (c *Controller) GetServerKey() wire.RSAKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key
}
