// Package driver implements the driver shell: the top-level object an
// application embeds to run either a client or a server role, composing
// the socket, dispatch core, worker pool, session controller, and event
// pool (C2-C8) into start/stop/tick operations. This is new code -- the
// original engine's NetConnectionController.h explicitly leaves this
// wiring as a "TODO: NetDriver" -- built in the teacher's idiom: a
// context.Context-driven goroutine set launched from Start and torn down
// from Stop, modeled on cmd/shadowmesh-daemon/main.go's signal-driven
// daemon lifecycle.
package driver

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/shadowmesh/shadowmesh/pkg/client"
	"github.com/shadowmesh/shadowmesh/pkg/codec"
	"github.com/shadowmesh/shadowmesh/pkg/dispatch"
	"github.com/shadowmesh/shadowmesh/pkg/event"
	"github.com/shadowmesh/shadowmesh/pkg/logging"
	"github.com/shadowmesh/shadowmesh/pkg/socket"
	"github.com/shadowmesh/shadowmesh/pkg/tunnel"
	"github.com/shadowmesh/shadowmesh/pkg/wire"
	"github.com/shadowmesh/shadowmesh/pkg/workerpool"
)

// ClientConfig configures a ClientDriver.
type ClientConfig struct {
	ServerAddress     string
	ServerKey         wire.RSAKey
	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration
	// LivenessTimeout bounds how long the client tolerates going without a
	// heartbeat acknowledgement before declaring the connection dead (spec
	// §4.2, "Connected -> Terminated ... on no heartbeat ack received for
	// the liveness timeout window").
	LivenessTimeout time.Duration
	NumWorkers      int
	WorkerQueueSize int
	Logger          *logging.Logger
}

const (
	defaultHeartbeatInterval     = 30 * time.Second
	defaultConnectTimeout        = 10 * time.Second
	defaultClientLivenessTimeout = 3 * defaultHeartbeatInterval
	defaultNumWorkers            = 4
	defaultWorkerQueueSize       = 64
)

// ClientDriver runs the client side of the protocol: one outbound
// connection, its heartbeat loop, and the event stream surfaced to the
// embedding application.
type ClientDriver struct {
	cfg        ClientConfig
	controller *client.Controller
	sock       *socket.Socket
	pool       *workerpool.Pool
	dispatcher *dispatch.Dispatcher
	events     *event.Pool
	eventCh    chan *event.Event
	serverAddr *net.UDPAddr

	packetUID uint32
	ackCh     chan codec.SecureBlock
	hbAckCh   chan codec.HeartbeatAck

	// tun is the optional TUN-backed payload source/sink wired in by
	// SetTunnel; nil unless the embedding application configures one.
	tun *tunnel.Tunnel

	// lastAck is the UnixNano time of the last successful connect or
	// heartbeat acknowledgement, read by RunHeartbeatLoop to detect a
	// liveness timeout.
	lastAck int64

	cancel context.CancelFunc
}

// NewClient constructs a client driver bound to an ephemeral local port.
func NewClient(cfg ClientConfig) (*ClientDriver, error) {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = defaultClientLivenessTimeout
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = defaultNumWorkers
	}
	if cfg.WorkerQueueSize <= 0 {
		cfg.WorkerQueueSize = defaultWorkerQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetDefaultLogger()
	}

	serverAddr, err := net.ResolveUDPAddr("udp", cfg.ServerAddress)
	if err != nil {
		return nil, fmt.Errorf("driver: resolve server address: %w", err)
	}

	sock, err := socket.Bind(socket.BindConfig{Network: "udp", Address: ":0"})
	if err != nil {
		return nil, fmt.Errorf("driver: bind client socket: %w", err)
	}

	controller := client.New()
	if err := controller.Initialize(cfg.ServerKey); err != nil {
		sock.Close()
		return nil, fmt.Errorf("driver: initialize controller: %w", err)
	}

	pool := workerpool.New(cfg.NumWorkers, cfg.WorkerQueueSize)
	d := &ClientDriver{
		cfg:        cfg,
		controller: controller,
		sock:       sock,
		pool:       pool,
		events:     event.NewPool(),
		eventCh:    make(chan *event.Event, 32),
		serverAddr: serverAddr,
		ackCh:      make(chan codec.SecureBlock, 1),
		hbAckCh:    make(chan codec.HeartbeatAck, 1),
	}
	d.dispatcher = dispatch.New(sock, pool, dispatch.Config{}, cfg.Logger)
	d.dispatcher.Handle(codec.PacketConnect, d.handleConnectAck)
	d.dispatcher.Handle(codec.PacketHeartbeat, d.handleHeartbeatAck)
	d.dispatcher.Handle(codec.PacketMessage, d.handleMessage)
	return d, nil
}

// Events returns the channel application code should range over to observe
// connection lifecycle and heartbeat activity.
func (d *ClientDriver) Events() <-chan *event.Event {
	return d.eventCh
}

// SetTunnel wires a TUN device into the driver: once connected,
// RunTunnelLoop reads frames off t and sends them as MESSAGE packets, and
// inbound MESSAGE payloads are decrypted and written back into t.
func (d *ClientDriver) SetTunnel(t *tunnel.Tunnel) {
	d.tun = t
}

func (d *ClientDriver) emit(ev *event.Event) {
	select {
	case d.eventCh <- ev:
	default:
		// A slow consumer should not stall the receive fiber; drop the
		// event rather than block.
	}
}

func (d *ClientDriver) handleConnectAck(from *net.UDPAddr, data []byte) {
	block, err := codec.DecodeConnectAck(d.controller.GetKey(), data)
	if err != nil {
		d.cfg.Logger.Debugf("driver: discarding unparseable connect ack: %v", err)
		return
	}
	select {
	case d.ackCh <- block:
	default:
	}
}

func (d *ClientDriver) handleHeartbeatAck(from *net.UDPAddr, data []byte) {
	ack, err := codec.DecodeHeartbeatAck(d.controller.GetKey(), data)
	if err != nil {
		d.cfg.Logger.Debugf("driver: discarding unparseable heartbeat ack: %v", err)
		return
	}
	select {
	case d.hbAckCh <- ack:
	default:
	}
}

func (d *ClientDriver) handleMessage(from *net.UDPAddr, data []byte) {
	if d.tun == nil {
		return
	}
	msg, err := codec.DecodeMessage(d.controller.GetSessionKeys(), data)
	if err != nil {
		d.cfg.Logger.Debugf("driver: discarding unparseable message: %v", err)
		return
	}
	if err := d.tun.WritePacket(msg.Payload); err != nil {
		d.cfg.Logger.Warnf("driver: deliver message to tunnel: %v", err)
	}
	ev := d.events.Acquire(event.DataReceivedRequest)
	ev.ConnectionID = d.controller.GetConnectionID()
	ev.Data = append(ev.Data, msg.Payload...)
	d.emit(ev)
}

// Start launches the receive fiber and worker pool. Connect must be called
// separately to perform the handshake.
func (d *ClientDriver) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.pool.Start(runCtx)
	return d.dispatcher.Start(runCtx)
}

// Connect performs the CONNECT handshake and blocks until the server
// acknowledges it, rejects it, or ConnectTimeout elapses.
func (d *ClientDriver) Connect(ctx context.Context) error {
	uid := atomic.AddUint32(&d.packetUID, 1)
	packet, err := d.controller.BeginConnect(uid)
	if err != nil {
		return fmt.Errorf("driver: connect: %w", err)
	}
	if _, err := d.sock.SendTo(packet, d.serverAddr); err != nil {
		return fmt.Errorf("driver: connect: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()
	select {
	case block := <-d.ackCh:
		if !d.controller.CompleteConnect(block, d.cfg.ServerKey) {
			ev := d.events.Acquire(event.ConnectFailed)
			ev.Reason = event.ReasonRejected
			d.emit(ev)
			return fmt.Errorf("driver: connect rejected by server")
		}
		atomic.StoreInt64(&d.lastAck, time.Now().UnixNano())
		d.emit(d.events.Acquire(event.ConnectSuccess))
		return nil
	case <-timeoutCtx.Done():
		ev := d.events.Acquire(event.ConnectFailed)
		ev.Reason = event.ReasonTimedOut
		d.emit(ev)
		return fmt.Errorf("driver: connect timed out")
	}
}

// RunHeartbeatLoop sends a heartbeat on cfg.HeartbeatInterval until ctx is
// canceled or the connection's liveness timeout elapses without a heartbeat
// acknowledgement, blocking the calling goroutine. Application code
// typically runs this in its own goroutine after Connect succeeds. On a
// liveness timeout it logs, terminates the controller, emits a
// ConnectionTerminated event, and returns -- the caller observes this via
// that event and the driver no longer sending heartbeats.
func (d *ClientDriver) RunHeartbeatLoop(ctx context.Context) {
	atomic.StoreInt64(&d.lastAck, time.Now().UnixNano())
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.SendHeartbeat(ctx)
			last := time.Unix(0, atomic.LoadInt64(&d.lastAck))
			if time.Since(last) > d.cfg.LivenessTimeout {
				d.cfg.Logger.Warnf("Server connection timed out.")
				d.controller.Terminate()
				ev := d.events.Acquire(event.ConnectionTerminated)
				ev.Reason = event.ReasonTimedOut
				ev.ConnectionID = d.controller.GetConnectionID()
				d.emit(ev)
				return
			}
		}
	}
}

// SendHeartbeat sends a single heartbeat round trip immediately, blocking
// until the server's acknowledgement arrives or ConnectTimeout elapses. It
// is a no-op if the controller is not currently connected. RunHeartbeatLoop
// calls this on a timer; application code (and tests) may call it directly
// to force an off-cycle round trip.
func (d *ClientDriver) SendHeartbeat(ctx context.Context) {
	if !d.controller.IsConnected() {
		return
	}
	var pair codec.HeartbeatPair
	pair.ClientNonce = d.controller.GetClientNonce()
	pair.ServerNonce = d.controller.GetServerNonce()

	uid := atomic.AddUint32(&d.packetUID, 1)
	packet, err := codec.EncodeHeartbeat(d.controller.GetUniqueKey(), pair, uint16(d.controller.GetConnectionID()), uid)
	if err != nil {
		d.cfg.Logger.Warnf("driver: encode heartbeat failed: %v", err)
		return
	}
	if _, err := d.sock.SendTo(packet, d.serverAddr); err != nil {
		d.cfg.Logger.Warnf("driver: send heartbeat failed: %v", err)
		return
	}

	select {
	case ack := <-d.hbAckCh:
		if d.controller.SetNonce(ack.Pair.ClientNonce, ack.Pair.ServerNonce) {
			atomic.StoreInt64(&d.lastAck, time.Now().UnixNano())
		}
	case <-time.After(d.cfg.ConnectTimeout):
		d.cfg.Logger.Warnf("driver: heartbeat ack timed out for connection %d", d.controller.GetConnectionID())
	case <-ctx.Done():
	}
}

// RunTunnelLoop reads frames off the tunnel set by SetTunnel and sends each
// as a MESSAGE packet under the connection's session keys, blocking the
// calling goroutine until ctx is canceled or the tunnel is closed.
// Application code typically runs this in its own goroutine alongside
// RunHeartbeatLoop. It is a no-op if no tunnel has been set.
func (d *ClientDriver) RunTunnelLoop(ctx context.Context) {
	if d.tun == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		packet, err := d.tun.ReadPacket()
		if err != nil {
			d.cfg.Logger.Debugf("driver: tunnel read stopped: %v", err)
			return
		}
		if !d.controller.IsConnected() {
			continue
		}
		uid := atomic.AddUint32(&d.packetUID, 1)
		msg, err := codec.EncodeMessage(d.controller.GetSessionKeys(), packet, uint16(d.controller.GetConnectionID()), uid)
		if err != nil {
			d.cfg.Logger.Warnf("driver: encode message failed: %v", err)
			continue
		}
		if _, err := d.sock.SendTo(msg, d.serverAddr); err != nil {
			d.cfg.Logger.Warnf("driver: send message failed: %v", err)
		}
	}
}

// Stop tears down the dispatcher, worker pool, and socket.
func (d *ClientDriver) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.dispatcher.Stop()
	d.pool.Stop()
	d.sock.Close()
}
