// Package stack runs a userspace TCP/IP stack over a virtual IP device. It
// exists for outbound transports that must re-originate IP, most notably
// WireGuard: the tunnel hands us raw frames, and flows are dialed as
// connection-oriented sockets on top of them.
package stack // import "github.com/boltconn/boltconn/app/stack"

import (
	"context"

	"github.com/boltconn/boltconn/common/buf"
	"github.com/boltconn/boltconn/common/errors"
)

const (
	// DefaultMTU caps the size of one IP frame through the device.
	DefaultMTU = 1420

	frameQueueLen = 512
)

var errDeviceClosed = errors.New("virtual device closed")

// VirtualDevice pairs an inbound and an outbound frame queue with an MTU cap.
// One side is the IP stack; the other is whatever produces raw frames (a
// WireGuard tunnel, a test harness).
type VirtualDevice struct {
	mtu      int
	inbound  chan *buf.Buffer
	outbound chan *buf.Buffer
}

// NewVirtualDevice creates a device with bounded queues. mtu 0 selects the default.
func NewVirtualDevice(mtu int) *VirtualDevice {
	if mtu == 0 {
		mtu = DefaultMTU
	}
	return &VirtualDevice{
		mtu:      mtu,
		inbound:  make(chan *buf.Buffer, frameQueueLen),
		outbound: make(chan *buf.Buffer, frameQueueLen),
	}
}

// MTU returns the device MTU.
func (d *VirtualDevice) MTU() int {
	return d.mtu
}

// InjectInbound queues one raw IP frame towards the stack. Frames are dropped
// when the queue is full; IP is lossy by contract.
func (d *VirtualDevice) InjectInbound(frame *buf.Buffer) {
	select {
	case d.inbound <- frame:
	default:
		frame.Release()
	}
}

// ReadOutbound dequeues the next frame leaving the stack.
func (d *VirtualDevice) ReadOutbound(ctx context.Context) (*buf.Buffer, error) {
	select {
	case frame, ok := <-d.outbound:
		if !ok {
			return nil, errDeviceClosed
		}
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *VirtualDevice) writeOutbound(frame *buf.Buffer) {
	select {
	case d.outbound <- frame:
	default:
		frame.Release()
	}
}
