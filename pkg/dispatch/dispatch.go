// Package dispatch implements the transport dispatch core: a single
// goroutine reads datagrams off a socket.Socket and hands each one to a
// bounded workerpool.Pool, which looks the packet up in a kind-indexed
// handler table after a cheap CRC gate. This keeps the one goroutine that
// owns the UDP read path from ever blocking on handler work, the same
// split the teacher's pkg/p2p/udp_connection.go makes between its
// receiveLoop and the frameHandler callback it invokes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/shadowmesh/shadowmesh/pkg/codec"
	"github.com/shadowmesh/shadowmesh/pkg/logging"
	"github.com/shadowmesh/shadowmesh/pkg/socket"
	"github.com/shadowmesh/shadowmesh/pkg/workerpool"
)

// Handler processes one decoded packet's raw bytes. Handlers run on a
// worker goroutine, never on the receive fiber.
type Handler func(from *net.UDPAddr, data []byte)

// Dispatcher owns the receive fiber and the handler table.
type Dispatcher struct {
	sock    *socket.Socket
	pool    *workerpool.Pool
	log     *logging.Logger
	bufSize int

	mu       sync.RWMutex
	handlers map[codec.PacketType]Handler

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Config controls receive buffer sizing.
type Config struct {
	// BufSize is the largest datagram the receive fiber will read; packets
	// larger than this are truncated by the kernel and will fail CRC.
	BufSize int
}

const defaultBufSize = 2048

// New constructs a dispatcher bound to sock, offloading handler execution
// to pool. pool must already be started by the caller.
func New(sock *socket.Socket, pool *workerpool.Pool, cfg Config, log *logging.Logger) *Dispatcher {
	bufSize := cfg.BufSize
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	if log == nil {
		log = logging.GetDefaultLogger()
	}
	return &Dispatcher{
		sock:     sock,
		pool:     pool,
		log:      log,
		bufSize:  bufSize,
		handlers: make(map[codec.PacketType]Handler),
	}
}

// Handle registers the handler invoked for packets of the given type. It
// must be called before Start; the handler table is read-locked on every
// dispatch but the common case is to register all handlers up front.
func (d *Dispatcher) Handle(t codec.PacketType, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = h
}

// Start launches the single receive fiber. It returns immediately; the
// fiber runs until Stop is called or the socket is closed out from under
// it.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return fmt.Errorf("dispatch: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Add(1)
	go d.receiveLoop(runCtx)
	return nil
}

// Stop cancels the receive fiber, closes the underlying socket to unblock
// its pending read, and waits for the fiber to exit.
func (d *Dispatcher) Stop() {
	if !d.running.CompareAndSwap(true, false) {
		return
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.sock.Close()
	d.wg.Wait()
}

func (d *Dispatcher) receiveLoop(ctx context.Context) {
	defer d.wg.Done()
	buf := make([]byte, d.bufSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, from, err := d.sock.ReceiveFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			d.log.Warnf("dispatch: receive error: %v", err)
			continue
		}
		if n == 0 {
			continue
		}

		// Copy out of the shared receive buffer before handing off to a
		// worker goroutine, which may run concurrently with the next read.
		packet := make([]byte, n)
		copy(packet, buf[:n])
		peerAddr := *from

		if err := d.pool.Submit(func() { d.process(&peerAddr, packet) }); err != nil {
			d.log.Warnf("dispatch: dropping packet from %s: %v", from, err)
		}
	}
}

func (d *Dispatcher) process(from *net.UDPAddr, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorf("dispatch: handler panic on packet from %s: %v", from, r)
		}
	}()
	if !codec.VerifyCRC(data) {
		d.handleCorruptCRC(from, data)
		return
	}
	typ, err := codec.PeekType(data)
	if err != nil {
		d.log.Debugf("dispatch: malformed header from %s: %v", from, err)
		return
	}

	d.mu.RLock()
	handler, ok := d.handlers[typ]
	d.mu.RUnlock()
	if !ok {
		d.log.Debugf("dispatch: no handler registered for packet type %v from %s", typ, from)
		return
	}
	handler(from, data)
}

// handleCorruptCRC answers a failed CRC check per the header family: a
// base-family packet (Connect/Disconnect) gets a corrupt ack back, since the
// receiver has nothing per-connection to consult and can always sign a
// base ack. A connected or secure-connected family packet (Heartbeat,
// Message) is silently dropped -- the receiver lacks the keys to sign a
// meaningful ack until the connection exists.
func (d *Dispatcher) handleCorruptCRC(from *net.UDPAddr, data []byte) {
	family, err := codec.HeaderType(data)
	if err != nil {
		// Header itself is unreadable; there is no sensible type to echo,
		// so drop it silently rather than guess.
		return
	}
	if family != codec.FamilyBase {
		return
	}
	d.replyCorrupt(from, data)
}

func (d *Dispatcher) replyCorrupt(from *net.UDPAddr, data []byte) {
	typ, err := codec.PeekType(data)
	if err != nil {
		// Header itself is unreadable; there is no sensible type to echo,
		// so drop it silently rather than guess.
		return
	}
	ack, err := codec.EncodeAckBase(codec.AckCorrupt, typ)
	if err != nil {
		d.log.Warnf("dispatch: failed to build corrupt ack: %v", err)
		return
	}
	if _, err := d.sock.SendTo(ack, from); err != nil {
		d.log.Warnf("dispatch: failed to send corrupt ack to %s: %v", from, err)
	}
}
