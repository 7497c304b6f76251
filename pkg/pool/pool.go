// Package pool implements the packet-object pool: a dynamic chunk heap that
// hands out fixed-size buffers for inbound and outbound packets without a
// per-packet heap allocation on the hot path. It grows by adding chunks up
// to a configured ceiling and can release chunks that have gone completely
// idle back to the runtime.
//
// This generalizes the buffer-pool idiom in the teacher's
// pkg/layer3/tun.go (a sync.Pool of MTU-sized buffers fed by a bounded
// channel) into an explicit free-list heap, because the packet-object pool
// needs capped growth and optional double-free detection that sync.Pool
// cannot express.
package pool

import (
	"fmt"
	"sync"

	"github.com/shadowmesh/shadowmesh/pkg/endpoint"
)

// Class selects a buffer size tier. The original engine offered five tiers
// (512/768/1024/2048/4096); this pool keeps the two tiers the transport
// actually needs -- every handshake and heartbeat packet fits in Class1024
// (CONNECT, the largest, is about 730 bytes), and Class2048 covers MESSAGE
// packets carrying larger payloads such as full-size tunnel frames.
type Class int

const (
	Class1024 Class = iota
	Class2048
)

// Size returns the buffer length in bytes for a class.
func (c Class) Size() int {
	switch c {
	case Class1024:
		return 1024
	case Class2048:
		return 2048
	default:
		return 0
	}
}

func (c Class) String() string {
	switch c {
	case Class1024:
		return "Class1024"
	case Class2048:
		return "Class2048"
	default:
		return "ClassUnknown"
	}
}

// DataType mirrors the original engine's PacketDataType tag identifying
// which packet family a pooled descriptor was filled from.
type DataType uint32

const (
	DataTypeConnect DataType = iota
	DataTypeConnectAck
	DataTypeHeartbeat
	DataTypeHeartbeatAck
	DataTypeMessage
)

// Descriptor is the metadata carried alongside a pooled buffer, mirroring
// the original engine's PacketData{type, size, retransmits, sender}.
type Descriptor struct {
	Type        DataType
	Size        uint16
	Retransmits uint16
	Sender      endpoint.Endpoint
}

// Flags configures pool behavior.
type Flags uint8

const (
	// FlagDetectDoubleFree makes Release return an error instead of
	// silently corrupting the free list when an object is released twice.
	FlagDetectDoubleFree Flags = 1 << iota
)

// Object is a buffer leased from a Pool. Buf is sized exactly to the pool's
// class; Descriptor is left zero-valued for the caller to fill in.
type Object struct {
	Descriptor Descriptor
	Buf        []byte

	class Class
	chunk *chunk
	slot  int
	freed bool
}

type chunk struct {
	class Class
	slab  []byte
	free  []int // stack of free slot indices
	inUse int
}

func newChunk(class Class, objectsPerChunk int) *chunk {
	size := class.Size()
	free := make([]int, objectsPerChunk)
	for i := range free {
		free[i] = objectsPerChunk - 1 - i // pop from the end, so slot 0 comes out first
	}
	return &chunk{
		class: class,
		slab:  make([]byte, size*objectsPerChunk),
		free:  free,
	}
}

func (c *chunk) acquire() (*Object, bool) {
	if len(c.free) == 0 {
		return nil, false
	}
	slot := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	c.inUse++
	size := c.class.Size()
	return &Object{
		Buf:   c.slab[slot*size : (slot+1)*size : (slot+1)*size],
		class: c.class,
		chunk: c,
		slot:  slot,
	}, true
}

func (c *chunk) release(obj *Object) {
	c.free = append(c.free, obj.slot)
	c.inUse--
}

func (c *chunk) empty() bool {
	return c.inUse == 0
}

// Pool is a dynamic chunk heap for a single buffer size class.
type Pool struct {
	mu              sync.Mutex
	class           Class
	objectsPerChunk int
	maxChunks       int
	flags           Flags
	chunks          []*chunk
}

// New creates a pool for the given class. objectsPerChunk controls how many
// buffers each chunk holds; maxChunks caps total growth (0 means
// unbounded).
func New(class Class, objectsPerChunk, maxChunks int, flags Flags) *Pool {
	if objectsPerChunk <= 0 {
		objectsPerChunk = 64
	}
	return &Pool{
		class:           class,
		objectsPerChunk: objectsPerChunk,
		maxChunks:       maxChunks,
		flags:           flags,
	}
}

// Acquire leases a buffer, growing the heap with a new chunk if every
// existing chunk is full and the chunk ceiling has not been reached.
func (p *Pool) Acquire() (*Object, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.chunks {
		if obj, ok := c.acquire(); ok {
			return obj, nil
		}
	}
	if p.maxChunks > 0 && len(p.chunks) >= p.maxChunks {
		return nil, fmt.Errorf("pool: %s heap exhausted at %d chunks", p.class, len(p.chunks))
	}
	c := newChunk(p.class, p.objectsPerChunk)
	p.chunks = append(p.chunks, c)
	obj, ok := c.acquire()
	if !ok {
		return nil, fmt.Errorf("pool: newly allocated chunk produced no free slot")
	}
	return obj, nil
}

// Release returns a buffer to its owning chunk. With FlagDetectDoubleFree
// set, releasing the same object twice returns an error instead of
// double-adding the slot to the free list.
func (p *Pool) Release(obj *Object) error {
	if obj == nil || obj.chunk == nil {
		return fmt.Errorf("pool: release of an object not leased from this pool")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.flags&FlagDetectDoubleFree != 0 && obj.freed {
		return fmt.Errorf("pool: double free of object in slot %d", obj.slot)
	}
	obj.freed = true
	obj.chunk.release(obj)
	return nil
}

// GCCollect frees chunks that are entirely idle, always keeping at least
// one chunk resident, and returns how many chunks were freed.
func (p *Pool) GCCollect() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.chunks[:0:0]
	freed := 0
	for i, c := range p.chunks {
		if c.empty() && len(p.chunks)-freed > 1 && i != 0 {
			freed++
			continue
		}
		kept = append(kept, c)
	}
	p.chunks = kept
	return freed
}

// Stats reports the current heap shape.
type Stats struct {
	Chunks       int
	ObjectsInUse int
	ObjectsFree  int
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s Stats
	s.Chunks = len(p.chunks)
	for _, c := range p.chunks {
		s.ObjectsInUse += c.inUse
		s.ObjectsFree += len(c.free)
	}
	return s
}
