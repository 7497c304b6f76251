// Package tunnel adapts a TUN device into the payload source/sink for
// PacketMessage frames: packets read off the device become the Data
// payload of outbound MESSAGE packets, and MESSAGE payloads received off
// the wire are written back into the device. Grounded on
// pkg/layer3/tun.go's TUNInterface, carrying over its buffer-pooled read
// path, async write queue/worker split (so a slow kernel write can never
// stall the transport's receive fiber), and per-OS IP configuration.
package tunnel

import (
	"fmt"
	"os/exec"
	"runtime"
	"sync"

	"github.com/songgao/water"

	"github.com/shadowmesh/shadowmesh/pkg/logging"
)

const mtuBufferSize = 1500

var packetBufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, mtuBufferSize)
		return &b
	},
}

// Device abstracts the underlying TUN handle so tests can substitute an
// in-memory pipe instead of opening a real kernel device.
type Device interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	Close() error
	Name() string
}

// Config describes how to create or configure a tunnel's TUN device.
type Config struct {
	Name          string
	IPAddress     string
	Netmask       string
	WriteQueueLen int
	Logger        *logging.Logger
}

const defaultWriteQueueLen = 2048

// Tunnel is a TUN-backed payload source/sink for MESSAGE packets.
type Tunnel struct {
	iface      Device
	name       string
	ipAddr     string
	netmask    string
	log        *logging.Logger
	writeQueue chan []byte

	mu       sync.RWMutex
	active   bool
	wg       sync.WaitGroup
}

// New creates (or attaches to) a TUN device per cfg and starts its async
// write worker.
func New(cfg Config) (*Tunnel, error) {
	if cfg.WriteQueueLen <= 0 {
		cfg.WriteQueueLen = defaultWriteQueueLen
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetDefaultLogger()
	}

	waterCfg := water.Config{DeviceType: water.TUN}
	if cfg.Name != "" {
		waterCfg.Name = cfg.Name
	}
	iface, err := water.New(waterCfg)
	if err != nil {
		return nil, fmt.Errorf("tunnel: create device: %w", err)
	}

	t := newWithDevice(iface, iface.Name(), cfg)
	if cfg.IPAddress != "" && cfg.Netmask != "" {
		if err := t.configureIP(); err != nil {
			t.Close()
			return nil, fmt.Errorf("tunnel: configure address: %w", err)
		}
	}
	return t, nil
}

// newWithDevice wires an already-open Device into a Tunnel, used by New and
// by tests substituting an in-memory Device.
func newWithDevice(iface Device, name string, cfg Config) *Tunnel {
	t := &Tunnel{
		iface:      iface,
		name:       name,
		ipAddr:     cfg.IPAddress,
		netmask:    cfg.Netmask,
		log:        cfg.Logger,
		writeQueue: make(chan []byte, cfg.WriteQueueLen),
		active:     true,
	}
	t.wg.Add(1)
	go t.writeWorker()
	return t
}

func (t *Tunnel) configureIP() error {
	if runtime.GOOS == "darwin" {
		return t.configureIPDarwin()
	}
	return t.configureIPLinux()
}

func (t *Tunnel) configureIPLinux() error {
	if err := exec.Command("ip", "link", "set", "dev", t.name, "up").Run(); err != nil {
		return fmt.Errorf("bring up interface: %w", err)
	}
	cidr := fmt.Sprintf("%s/%s", t.ipAddr, t.netmask)
	if err := exec.Command("ip", "addr", "add", cidr, "dev", t.name).Run(); err != nil {
		t.log.Warnf("tunnel: set address %s on %s (may already exist): %v", cidr, t.name, err)
	}
	return nil
}

func (t *Tunnel) configureIPDarwin() error {
	mask := cidrToNetmask(t.netmask)
	out, err := exec.Command("ifconfig", t.name, t.ipAddr, t.ipAddr, "netmask", mask, "up").CombinedOutput()
	if err != nil {
		return fmt.Errorf("configure interface: %w (output: %s)", err, string(out))
	}
	return nil
}

func cidrToNetmask(cidr string) string {
	switch cidr {
	case "8":
		return "255.0.0.0"
	case "16":
		return "255.255.0.0"
	case "24":
		return "255.255.255.0"
	case "32":
		return "255.255.255.255"
	default:
		return "255.255.255.0"
	}
}

// ReadPacket reads one IP packet off the TUN device. The returned slice is
// owned by the caller.
func (t *Tunnel) ReadPacket() ([]byte, error) {
	t.mu.RLock()
	active := t.active
	t.mu.RUnlock()
	if !active {
		return nil, fmt.Errorf("tunnel: device closed")
	}

	bufPtr := packetBufferPool.Get().(*[]byte)
	buf := *bufPtr
	n, err := t.iface.Read(buf)
	if err != nil {
		packetBufferPool.Put(bufPtr)
		return nil, fmt.Errorf("tunnel: read packet: %w", err)
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	packetBufferPool.Put(bufPtr)
	return out, nil
}

// WritePacket queues packet for an async write to the TUN device. It
// returns an error immediately if the device is closed or the write queue
// is full, rather than blocking the caller -- typically the transport's
// dispatch worker delivering a MESSAGE payload.
func (t *Tunnel) WritePacket(packet []byte) error {
	t.mu.RLock()
	if !t.active {
		t.mu.RUnlock()
		return fmt.Errorf("tunnel: device closed")
	}
	t.mu.RUnlock()

	packetCopy := make([]byte, len(packet))
	copy(packetCopy, packet)
	select {
	case t.writeQueue <- packetCopy:
		return nil
	default:
		return fmt.Errorf("tunnel: write queue full, packet dropped")
	}
}

func (t *Tunnel) writeWorker() {
	defer t.wg.Done()
	for packet := range t.writeQueue {
		t.mu.RLock()
		active := t.active
		t.mu.RUnlock()
		if !active {
			return
		}
		if _, err := t.iface.Write(packet); err != nil {
			t.log.Warnf("tunnel: write to %s failed: %v", t.name, err)
		}
	}
}

// Name returns the TUN device's interface name.
func (t *Tunnel) Name() string { return t.name }

// IsActive reports whether the device is still open.
func (t *Tunnel) IsActive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}

// Close stops the write worker and closes the underlying device.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return nil
	}
	t.active = false
	t.mu.Unlock()

	close(t.writeQueue)
	t.wg.Wait()
	return t.iface.Close()
}
