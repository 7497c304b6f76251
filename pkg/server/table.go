package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shadowmesh/shadowmesh/pkg/endpoint"
	"github.com/shadowmesh/shadowmesh/pkg/wire"
)

// idFloor is the first connection ID ever handed out, matching
// NetConnectionController.h's UniqueNumber<ConnectionID, 100>.
const idFloor = 100

// Record is one server-side connection record, grounded on NetConnection.h:
// the peer's endpoint, its long-term public key, the session's symmetric
// key material, and the liveness timestamp the reclamation sweep checks.
type Record struct {
	mu sync.RWMutex

	ID       uint32
	Endpoint endpoint.Endpoint

	ClientKey       wire.RSAKey // public half only
	UniqueServerKey wire.RSAKey
	SharedKey       wire.AESKey
	HMACKey         wire.HMACKey

	// Session holds the HKDF-derived confidentiality/integrity sub-keys for
	// this connection, set once by DeriveSession after insertion. It is
	// immutable thereafter, matching the invariant that SharedKey/HMACKey
	// themselves never change for the life of the record.
	Session wire.SessionKeys

	ServerNonce [32]byte
	ClientNonce [32]byte

	lastTick time.Time
}

// DeriveSession computes and installs this record's session sub-keys from
// its shared AES key and HMAC key, salted with the connection ID so that two
// connections which happened to negotiate the same shared key still diverge.
func (r *Record) DeriveSession() error {
	salt := make([]byte, 4)
	salt[0] = byte(r.ID >> 24)
	salt[1] = byte(r.ID >> 16)
	salt[2] = byte(r.ID >> 8)
	salt[3] = byte(r.ID)
	keys, err := wire.DeriveSessionKeys(r.SharedKey, r.HMACKey, salt)
	if err != nil {
		return fmt.Errorf("server: derive session keys: %w", err)
	}
	r.mu.Lock()
	r.Session = keys
	r.mu.Unlock()
	return nil
}

// GetSession returns the record's HKDF-derived session sub-keys.
func (r *Record) GetSession() wire.SessionKeys {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Session
}

// Touch records a liveness update, e.g. on receipt of a heartbeat.
func (r *Record) Touch(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastTick = now
}

// LastTick returns the last liveness update time.
func (r *Record) LastTick() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastTick
}

// SetNonce updates the record's nonce pair under its own lock, used by
// Server.HandleHeartbeat when a heartbeat round completes.
func (r *Record) SetNonce(clientNonce, serverNonce [32]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ClientNonce = clientNonce
	r.ServerNonce = serverNonce
}

// Nonce returns the record's current nonce pair.
func (r *Record) Nonce() (clientNonce, serverNonce [32]byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ClientNonce, r.ServerNonce
}

// Table is the server's connection map: FindConnection/InsertConnection/
// DeleteConnection from NetConnectionController.h, plus the periodic
// reclamation sweep spec.md adds on top.
type Table struct {
	mu             sync.RWMutex
	connections    map[uint32]*Record
	nextID         uint32
	maxConnections int

	// replay extends ID uniqueness (§3) across server instances that share
	// a backing store. It defaults to an in-process cache, which makes
	// cross-instance claims a no-op for a single-instance deployment.
	replay ReplayCache
}

// NewTable creates an empty table. maxConnections of 0 means unbounded.
func NewTable(maxConnections int) *Table {
	return &Table{
		connections:    make(map[uint32]*Record),
		nextID:         idFloor,
		maxConnections: maxConnections,
		replay:         NewLocalReplayCache(),
	}
}

// SetReplayCache installs a cluster-shared ReplayCache (e.g. Redis-backed)
// in place of the default in-process one, for deployments running more than
// one server instance against the same listening key.
func (t *Table) SetReplayCache(rc ReplayCache) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replay = rc
}

// Insert assigns rec a fresh connection ID and adds it to the table. It
// returns ErrServerFull if the table is at capacity.
func (t *Table) Insert(rec *Record) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.maxConnections > 0 && len(t.connections) >= t.maxConnections {
		return 0, fmt.Errorf("server: connection table full at %d entries: %w", t.maxConnections, ErrServerFull)
	}

	id, err := t.allocateID()
	if err != nil {
		return 0, fmt.Errorf("server: allocate connection id: %w", err)
	}
	rec.ID = id
	t.connections[id] = rec
	return id, nil
}

// allocateID must be called with mu held. It walks forward from the last
// issued ID, wrapping back to idFloor, until it finds one not currently in
// use locally and not already claimed by another instance sharing replay.
func (t *Table) allocateID() (uint32, error) {
	maxAttempts := len(t.connections) + 65536
	for attempts := 0; attempts < maxAttempts; attempts++ {
		id := t.nextID
		t.nextID++
		if t.nextID == 0 {
			t.nextID = idFloor
		}
		if _, taken := t.connections[id]; taken {
			continue
		}
		alreadyClaimed, err := t.replay.ClaimID(context.Background(), id, defaultClaimTTL)
		if err != nil {
			return 0, err
		}
		if alreadyClaimed {
			continue
		}
		return id, nil
	}
	return 0, fmt.Errorf("no unclaimed connection id available")
}

// NoteChallenge records a Connect request's challenge in the shared replay
// cache, reporting whether it had already been seen -- by this instance or,
// with a cluster-shared cache installed, by another one. A true result is
// diagnostic only: per §4.2 a duplicate Connect still allocates a second
// connection rather than being rejected.
func (t *Table) NoteChallenge(challenge [32]byte) (alreadySeen bool, err error) {
	t.mu.RLock()
	rc := t.replay
	t.mu.RUnlock()
	return rc.ClaimChallenge(context.Background(), challenge, defaultClaimTTL)
}

// Find looks up a connection by ID.
func (t *Table) Find(id uint32) (*Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.connections[id]
	return rec, ok
}

// Delete removes a connection from the table and releases its cluster-wide
// ID claim.
func (t *Table) Delete(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.connections, id)
	_ = t.replay.ReleaseID(context.Background(), id)
}

// Len returns the number of tracked connections.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.connections)
}

// Sweep reclaims connections whose last liveness update is older than
// timeout, removing them from the table and returning their IDs so the
// caller can emit ConnectionTerminated events for each.
func (t *Table) Sweep(now time.Time, timeout time.Duration) []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var reclaimed []uint32
	for id, rec := range t.connections {
		if now.Sub(rec.LastTick()) > timeout {
			reclaimed = append(reclaimed, id)
			delete(t.connections, id)
			_ = t.replay.ReleaseID(context.Background(), id)
		}
	}
	return reclaimed
}
