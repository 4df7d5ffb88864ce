package wireguard

import (
	"context"
	"os"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/boltconn/boltconn/app/stack"
	"github.com/boltconn/boltconn/common/buf"
)

// stackTun bridges the wireguard-go device to a stack.VirtualDevice: frames
// the stack emits enter the tunnel, decrypted frames come back to the stack.
type stackTun struct {
	device *stack.VirtualDevice
	events chan tun.Event
	ctx    context.Context
	cancel context.CancelFunc
}

func newStackTun(device *stack.VirtualDevice) *stackTun {
	ctx, cancel := context.WithCancel(context.Background())
	t := &stackTun{
		device: device,
		events: make(chan tun.Event, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	t.events <- tun.EventUp
	return t
}

// File implements tun.Device.
func (t *stackTun) File() *os.File { return nil }

// Read implements tun.Device: plaintext frames leaving through the tunnel.
func (t *stackTun) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	frame, err := t.device.ReadOutbound(t.ctx)
	if err != nil {
		return 0, os.ErrClosed
	}
	n := copy(bufs[0][offset:], frame.Bytes())
	frame.Release()
	sizes[0] = n
	return 1, nil
}

// Write implements tun.Device: decrypted frames arriving from the peer.
func (t *stackTun) Write(bufs [][]byte, offset int) (int, error) {
	for _, frame := range bufs {
		payload := frame[offset:]
		if len(payload) == 0 {
			continue
		}
		b := buf.NewWithSize(len(payload))
		b.Write(payload)
		t.device.InjectInbound(b)
	}
	return len(bufs), nil
}

// MTU implements tun.Device.
func (t *stackTun) MTU() (int, error) { return t.device.MTU(), nil }

// Name implements tun.Device.
func (t *stackTun) Name() (string, error) { return "go", nil }

// Events implements tun.Device.
func (t *stackTun) Events() <-chan tun.Event { return t.events }

// BatchSize implements tun.Device.
func (t *stackTun) BatchSize() int { return 1 }

// Close implements tun.Device.
func (t *stackTun) Close() error {
	t.cancel()
	close(t.events)
	return nil
}
