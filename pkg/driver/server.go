package driver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/shadowmesh/shadowmesh/pkg/codec"
	"github.com/shadowmesh/shadowmesh/pkg/dispatch"
	"github.com/shadowmesh/shadowmesh/pkg/event"
	"github.com/shadowmesh/shadowmesh/pkg/logging"
	"github.com/shadowmesh/shadowmesh/pkg/server"
	"github.com/shadowmesh/shadowmesh/pkg/socket"
	"github.com/shadowmesh/shadowmesh/pkg/tunnel"
	"github.com/shadowmesh/shadowmesh/pkg/wire"
	"github.com/shadowmesh/shadowmesh/pkg/workerpool"
)

// ServerConfig configures a ServerDriver.
type ServerConfig struct {
	BindAddress     string
	Key             wire.RSAKey
	MaxConnections  int
	LivenessTimeout time.Duration
	SweepInterval   time.Duration
	NumWorkers      int
	WorkerQueueSize int
	Logger          *logging.Logger
}

const (
	defaultLivenessTimeout = 90 * time.Second
	defaultSweepInterval   = 15 * time.Second
)

// ServerDriver runs the listening side of the protocol: the socket, the
// dispatch core that routes CONNECT and HEARTBEAT packets to a Server, and
// the periodic sweep that reclaims connections that stopped sending
// heartbeats.
type ServerDriver struct {
	cfg        ServerConfig
	srv        *server.Server
	sock       *socket.Socket
	pool       *workerpool.Pool
	dispatcher *dispatch.Dispatcher
	eventCh    chan *event.Event

	// tun is the optional TUN-backed payload sink wired in by SetTunnel;
	// nil unless the embedding application configures one. Inbound MESSAGE
	// payloads are written to it; this driver does not attempt to route an
	// outbound frame read from it back to a particular connection, since a
	// server fans in from many peers with no addressing scheme of its own.
	tun *tunnel.Tunnel

	cancel context.CancelFunc
}

// NewServer constructs a server driver bound to cfg.BindAddress.
func NewServer(cfg ServerConfig) (*ServerDriver, error) {
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = defaultLivenessTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
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

	sock, err := socket.Bind(socket.BindConfig{Network: "udp", Address: cfg.BindAddress})
	if err != nil {
		return nil, fmt.Errorf("driver: bind server socket: %w", err)
	}

	srv, err := server.NewServer(cfg.Key, cfg.MaxConnections)
	if err != nil {
		sock.Close()
		return nil, fmt.Errorf("driver: initialize server: %w", err)
	}

	pool := workerpool.New(cfg.NumWorkers, cfg.WorkerQueueSize)
	d := &ServerDriver{
		cfg:     cfg,
		srv:     srv,
		sock:    sock,
		pool:    pool,
		eventCh: make(chan *event.Event, 256),
	}
	d.dispatcher = dispatch.New(sock, pool, dispatch.Config{}, cfg.Logger)
	d.dispatcher.Handle(codec.PacketConnect, d.handleConnect)
	d.dispatcher.Handle(codec.PacketHeartbeat, d.handleHeartbeat)
	d.dispatcher.Handle(codec.PacketMessage, d.handleMessage)
	return d, nil
}

// SetTunnel wires a TUN device into the driver as the write target for
// decrypted inbound MESSAGE payloads; see the tun field doc for the
// outbound-routing limitation.
func (d *ServerDriver) SetTunnel(t *tunnel.Tunnel) {
	d.tun = t
}

// Events returns the channel application code should range over to observe
// connection lifecycle activity.
func (d *ServerDriver) Events() <-chan *event.Event {
	return d.eventCh
}

// SetReplayCache installs a cluster-shared connection ID/challenge cache on
// the underlying server (see server.Server.SetReplayCache), replacing the
// single-instance default NewServer installs.
func (d *ServerDriver) SetReplayCache(rc server.ReplayCache) {
	d.srv.SetReplayCache(rc)
}

// Table returns the underlying connection table, for embedding applications
// that expose it through their own surface (e.g. pkg/statusapi.NewHub).
func (d *ServerDriver) Table() *server.Table {
	return d.srv.Table
}

// LocalAddr returns the address the server's inbound socket is bound to,
// suitable for a client's ServerAddress when BindAddress used an ephemeral
// port (e.g. "127.0.0.1:0") such as in tests.
func (d *ServerDriver) LocalAddr() string {
	return d.sock.LocalAddr().String()
}

func (d *ServerDriver) emit(ev *event.Event) {
	if ev == nil {
		return
	}
	select {
	case d.eventCh <- ev:
	default:
		d.cfg.Logger.Warnf("driver: event channel full, dropping %s", ev.Kind)
	}
}

func (d *ServerDriver) handleConnect(from *net.UDPAddr, data []byte) {
	ack, ev, err := d.srv.HandleConnect(data, from)
	if err != nil {
		d.cfg.Logger.Debugf("driver: reject connect from %s: %v", from, err)
		return
	}
	if _, err := d.sock.SendTo(ack, from); err != nil {
		d.cfg.Logger.Warnf("driver: send connect ack to %s: %v", from, err)
	}
	d.emit(ev)
}

func (d *ServerDriver) handleHeartbeat(from *net.UDPAddr, data []byte) {
	ack, ev, err := d.srv.HandleHeartbeat(data)
	if err != nil {
		d.cfg.Logger.Debugf("driver: discard heartbeat from %s: %v", from, err)
		return
	}
	if _, err := d.sock.SendTo(ack, from); err != nil {
		d.cfg.Logger.Warnf("driver: send heartbeat ack to %s: %v", from, err)
	}
	d.emit(ev)
}

func (d *ServerDriver) handleMessage(from *net.UDPAddr, data []byte) {
	payload, _, ev, err := d.srv.HandleMessage(data)
	if err != nil {
		d.cfg.Logger.Debugf("driver: discard message from %s: %v", from, err)
		return
	}
	if d.tun != nil {
		if err := d.tun.WritePacket(payload); err != nil {
			d.cfg.Logger.Warnf("driver: deliver message to tunnel: %v", err)
		}
	}
	d.emit(ev)
}

// Start launches the receive fiber, worker pool, and the periodic liveness
// sweep.
func (d *ServerDriver) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.pool.Start(runCtx)
	if err := d.dispatcher.Start(runCtx); err != nil {
		return err
	}
	go d.runSweepLoop(runCtx)
	return nil
}

func (d *ServerDriver) runSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ev := range d.srv.Reclaim(d.cfg.LivenessTimeout) {
				d.emit(ev)
			}
		}
	}
}

// Stop tears down the sweep loop, dispatcher, worker pool, and socket.
func (d *ServerDriver) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.dispatcher.Stop()
	d.pool.Stop()
	d.sock.Close()
}
