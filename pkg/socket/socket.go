// Package socket wraps a bound *net.UDPConn with the read/write buffer
// sizing and atomic traffic counters the teacher's
// pkg/p2p/udp_connection.go establishes for its raw UDP transport, adapted
// here into the plain send/receive primitive the transport dispatch core
// builds its single receiver fiber on top of.
package socket

import (
	"fmt"
	"net"
	"sync/atomic"
)

// Default OS socket buffer sizes. The teacher sizes these aggressively
// (128MB) for a P2P mesh moving bulk tunnel traffic; a control-plane
// datagram protocol needs far less, so this package defaults much lower
// and leaves the choice to the caller via BindConfig.
const (
	DefaultReadBufferSize  = 1 << 20
	DefaultWriteBufferSize = 1 << 20
)

// BindConfig controls how a Socket's underlying UDP connection is created.
type BindConfig struct {
	// Network is "udp", "udp4", or "udp6".
	Network string
	// Address is the local address to bind, e.g. ":9443" or "0.0.0.0:9443".
	Address string

	ReadBufferSize  int
	WriteBufferSize int
}

// Socket is a bound UDP endpoint with traffic counters.
type Socket struct {
	conn *net.UDPConn

	sendCount uint64
	recvCount uint64
	sendBytes uint64
	recvBytes uint64
}

// Bind creates and configures a UDP socket per cfg.
func Bind(cfg BindConfig) (*Socket, error) {
	network := cfg.Network
	if network == "" {
		network = "udp"
	}
	laddr, err := net.ResolveUDPAddr(network, cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("socket: resolve %s %s: %w", network, cfg.Address, err)
	}
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, fmt.Errorf("socket: listen %s %s: %w", network, cfg.Address, err)
	}

	readBuf := cfg.ReadBufferSize
	if readBuf <= 0 {
		readBuf = DefaultReadBufferSize
	}
	writeBuf := cfg.WriteBufferSize
	if writeBuf <= 0 {
		writeBuf = DefaultWriteBufferSize
	}
	if err := conn.SetReadBuffer(readBuf); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socket: set read buffer: %w", err)
	}
	if err := conn.SetWriteBuffer(writeBuf); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socket: set write buffer: %w", err)
	}

	return &Socket{conn: conn}, nil
}

// SendTo writes buf to addr.
func (s *Socket) SendTo(buf []byte, addr *net.UDPAddr) (int, error) {
	n, err := s.conn.WriteToUDP(buf, addr)
	if err != nil {
		return n, fmt.Errorf("socket: send to %s: %w", addr, err)
	}
	atomic.AddUint64(&s.sendCount, 1)
	atomic.AddUint64(&s.sendBytes, uint64(n))
	return n, nil
}

// ReceiveFrom performs a single blocking read into buf. It is safe to call
// only from one goroutine at a time, matching the single-receiver-fiber
// design of the dispatch core.
func (s *Socket) ReceiveFrom(buf []byte) (int, *net.UDPAddr, error) {
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return n, addr, err
	}
	atomic.AddUint64(&s.recvCount, 1)
	atomic.AddUint64(&s.recvBytes, uint64(n))
	return n, addr, nil
}

// LocalAddr returns the bound local address.
func (s *Socket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Close shuts down the socket, unblocking any in-flight ReceiveFrom.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// Stats reports cumulative send/receive counters.
type Stats struct {
	SendCount uint64
	SendBytes uint64
	RecvCount uint64
	RecvBytes uint64
}

// Stats returns a snapshot of traffic counters.
func (s *Socket) Stats() Stats {
	return Stats{
		SendCount: atomic.LoadUint64(&s.sendCount),
		SendBytes: atomic.LoadUint64(&s.sendBytes),
		RecvCount: atomic.LoadUint64(&s.recvCount),
		RecvBytes: atomic.LoadUint64(&s.recvBytes),
	}
}
