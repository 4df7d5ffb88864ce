// Package pipe implements the bounded, back-to-back connectors that carry a
// flow between an inbound and the hops of its outbound chain. A connector is
// created in pairs; one half is handed to each side. Capacity is deliberately
// small so that a slow consumer throttles its producer.
package pipe // import "github.com/boltconn/boltconn/transport/pipe"

import (
	"io"
	"sync"

	"github.com/boltconn/boltconn/common/buf"
	"github.com/boltconn/boltconn/common/errors"
	"github.com/boltconn/boltconn/common/net"
	"github.com/boltconn/boltconn/common/signal"
)

// Capacity is the queue depth of one direction of a connector.
const Capacity = 10

// ErrCancelled is returned by connector operations after the flow's
// AbortHandle has been cancelled.
var ErrCancelled = errors.New("flow cancelled")

// Packet is one datagram travelling through a PacketLink. Target is carried
// per datagram because intermediate hops may multiplex several destinations
// over a single tunnel.
type Packet struct {
	Payload *buf.Buffer
	Target  net.Destination
}

type side struct {
	c    chan *buf.Buffer
	once sync.Once
}

// Link is one endpoint of a stream connector.
type Link struct {
	tx    *side
	rx    *side
	abort *signal.AbortHandle
}

// New creates a connected pair of stream endpoints sharing abort.
func New(abort *signal.AbortHandle) (*Link, *Link) {
	up := &side{c: make(chan *buf.Buffer, Capacity)}
	down := &side{c: make(chan *buf.Buffer, Capacity)}
	a := &Link{tx: up, rx: down, abort: abort}
	b := &Link{tx: down, rx: up, abort: abort}
	return a, b
}

// Abort returns the flow's AbortHandle.
func (l *Link) Abort() *signal.AbortHandle {
	return l.abort
}

// Send queues b on the link. It blocks while the queue is full and fails with
// ErrCancelled once the flow is aborted. Ownership of b passes to the link on
// success; the caller must release b itself on error.
func (l *Link) Send(b *buf.Buffer) error {
	select {
	case <-l.abort.Done():
		return ErrCancelled
	default:
	}
	select {
	case l.tx.c <- b:
		return nil
	case <-l.abort.Done():
		return ErrCancelled
	}
}

// TrySend queues b without blocking. Returns false when the queue is full.
func (l *Link) TrySend(b *buf.Buffer) (bool, error) {
	select {
	case <-l.abort.Done():
		return false, ErrCancelled
	default:
	}
	select {
	case l.tx.c <- b:
		return true, nil
	default:
		return false, nil
	}
}

// Recv dequeues the next buffer. It returns io.EOF after the peer has closed
// its half and the queue has drained, or ErrCancelled once the flow is
// aborted. The caller owns the returned buffer.
func (l *Link) Recv() (*buf.Buffer, error) {
	select {
	case b, ok := <-l.rx.c:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	default:
	}
	select {
	case b, ok := <-l.rx.c:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-l.abort.Done():
		return nil, ErrCancelled
	}
}

// TryRecv dequeues without blocking; returns (nil, nil) when the queue is empty.
func (l *Link) TryRecv() (*buf.Buffer, error) {
	select {
	case b, ok := <-l.rx.c:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	default:
	}
	select {
	case <-l.abort.Done():
		return nil, ErrCancelled
	default:
		return nil, nil
	}
}

// SendCapacity reports the free slots of the sending queue. The pumps do not
// call it; queued data stays within the connector bound because Send blocks
// on a full queue.
func (l *Link) SendCapacity() int {
	return cap(l.tx.c) - len(l.tx.c)
}

// Close half-closes the link: the peer's Recv drains the queue and then
// reports io.EOF. Close is idempotent. The closing side must not Send
// afterwards; each half has exactly one producer.
func (l *Link) Close() error {
	l.tx.once.Do(func() { close(l.tx.c) })
	return nil
}
