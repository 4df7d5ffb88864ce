package pipe

import (
	"io"
	"sync"

	"github.com/boltconn/boltconn/common/signal"
)

type packetSide struct {
	c    chan Packet
	once sync.Once
}

// PacketLink is one endpoint of a datagram connector. It behaves like Link but
// each element carries its own destination address.
type PacketLink struct {
	tx    *packetSide
	rx    *packetSide
	abort *signal.AbortHandle
}

// NewPacket creates a connected pair of datagram endpoints sharing abort.
func NewPacket(abort *signal.AbortHandle) (*PacketLink, *PacketLink) {
	up := &packetSide{c: make(chan Packet, Capacity)}
	down := &packetSide{c: make(chan Packet, Capacity)}
	a := &PacketLink{tx: up, rx: down, abort: abort}
	b := &PacketLink{tx: down, rx: up, abort: abort}
	return a, b
}

// Abort returns the flow's AbortHandle.
func (l *PacketLink) Abort() *signal.AbortHandle {
	return l.abort
}

// Send queues p on the link, blocking while the queue is full. Fails with
// ErrCancelled once the flow is aborted.
func (l *PacketLink) Send(p Packet) error {
	select {
	case <-l.abort.Done():
		return ErrCancelled
	default:
	}
	select {
	case l.tx.c <- p:
		return nil
	case <-l.abort.Done():
		return ErrCancelled
	}
}

// TrySend queues p without blocking. Returns false when the queue is full.
func (l *PacketLink) TrySend(p Packet) (bool, error) {
	select {
	case <-l.abort.Done():
		return false, ErrCancelled
	default:
	}
	select {
	case l.tx.c <- p:
		return true, nil
	default:
		return false, nil
	}
}

// Recv dequeues the next datagram. Returns io.EOF after the peer closed its
// half, or ErrCancelled once the flow is aborted.
func (l *PacketLink) Recv() (Packet, error) {
	select {
	case p, ok := <-l.rx.c:
		if !ok {
			return Packet{}, io.EOF
		}
		return p, nil
	default:
	}
	select {
	case p, ok := <-l.rx.c:
		if !ok {
			return Packet{}, io.EOF
		}
		return p, nil
	case <-l.abort.Done():
		return Packet{}, ErrCancelled
	}
}

// SendCapacity reports the free slots of the sending queue.
func (l *PacketLink) SendCapacity() int {
	return cap(l.tx.c) - len(l.tx.c)
}

// Close half-closes the link. See Link.Close for the producer contract.
func (l *PacketLink) Close() error {
	l.tx.once.Do(func() { close(l.tx.c) })
	return nil
}
