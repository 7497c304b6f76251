package tunnel

import (
	"io"
	"testing"
	"time"
)

// pipeDevice is an in-memory Device backed by an io.Pipe, standing in for a
// kernel TUN device in tests.
type pipeDevice struct {
	r *io.PipeReader
	w *io.PipeWriter

	writes chan []byte
}

func newPipeDevice() *pipeDevice {
	r, w := io.Pipe()
	return &pipeDevice{r: r, w: w, writes: make(chan []byte, 16)}
}

func (d *pipeDevice) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d *pipeDevice) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	d.writes <- cp
	return len(p), nil
}
func (d *pipeDevice) Close() error {
	d.r.Close()
	return d.w.Close()
}
func (d *pipeDevice) Name() string { return "pipe0" }

func TestReadPacketReturnsDeviceData(t *testing.T) {
	dev := newPipeDevice()
	tun := newWithDevice(dev, "pipe0", Config{})
	defer tun.Close()

	payload := []byte{0x45, 0x00, 0x00, 0x14, 0x01, 0x02, 0x03, 0x04}
	go func() { dev.w.Write(payload) }()

	got, err := tun.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %v, want %v", got, payload)
	}
}

func TestWritePacketDeliversToDevice(t *testing.T) {
	dev := newPipeDevice()
	tun := newWithDevice(dev, "pipe0", Config{})
	defer tun.Close()

	payload := []byte{0x60, 0x00, 0x00, 0x00}
	if err := tun.WritePacket(payload); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	select {
	case got := <-dev.writes:
		if string(got) != string(payload) {
			t.Fatalf("got %v, want %v", got, payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for device write")
	}
}

func TestCloseStopsWriteWorker(t *testing.T) {
	dev := newPipeDevice()
	tun := newWithDevice(dev, "pipe0", Config{})
	if err := tun.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if tun.IsActive() {
		t.Fatalf("expected tunnel to be inactive after close")
	}
	if err := tun.WritePacket([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected write after close to fail")
	}
}
