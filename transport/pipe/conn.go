package pipe

import (
	"io"
	"time"

	"github.com/boltconn/boltconn/common/buf"
	"github.com/boltconn/boltconn/common/net"
)

// LinkConn adapts one endpoint of a stream connector to net.Conn, so protocol
// clients written against sockets can run over a chained carrier unchanged.
type LinkConn struct {
	link    *Link
	pending *buf.Buffer
}

// NewLinkConn wraps link as a net.Conn.
func NewLinkConn(link *Link) *LinkConn {
	return &LinkConn{link: link}
}

// Read implements net.Conn.
func (c *LinkConn) Read(p []byte) (int, error) {
	if c.pending == nil {
		b, err := c.link.Recv()
		if err != nil {
			if err == ErrCancelled {
				return 0, io.ErrClosedPipe
			}
			return 0, err
		}
		c.pending = b
	}
	n := copy(p, c.pending.Bytes())
	c.pending.Advance(n)
	if c.pending.IsEmpty() {
		c.pending.Release()
		c.pending = nil
	}
	return n, nil
}

// Write implements net.Conn.
func (c *LinkConn) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := len(p)
		if chunk > buf.Size {
			chunk = buf.Size
		}
		b := buf.New()
		b.Write(p[:chunk])
		if err := c.link.Send(b); err != nil {
			b.Release()
			return total, io.ErrClosedPipe
		}
		total += chunk
		p = p[chunk:]
	}
	return total, nil
}

// Close implements net.Conn.
func (c *LinkConn) Close() error {
	if c.pending != nil {
		c.pending.Release()
		c.pending = nil
	}
	return c.link.Close()
}

// LocalAddr implements net.Conn.
func (c *LinkConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IP{0, 0, 0, 0}, Port: 0}
}

// RemoteAddr implements net.Conn.
func (c *LinkConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IP{0, 0, 0, 0}, Port: 0}
}

// SetDeadline implements net.Conn. Connector endpoints are not deadline-aware;
// cancellation travels through the flow's AbortHandle instead.
func (c *LinkConn) SetDeadline(time.Time) error      { return nil }
func (c *LinkConn) SetReadDeadline(time.Time) error  { return nil }
func (c *LinkConn) SetWriteDeadline(time.Time) error { return nil }

// PacketLinkConn adapts a datagram connector endpoint to net.PacketConn.
type PacketLinkConn struct {
	link *PacketLink
}

// NewPacketLinkConn wraps link as a net.PacketConn.
func NewPacketLinkConn(link *PacketLink) *PacketLinkConn {
	return &PacketLinkConn{link: link}
}

// ReadFrom implements net.PacketConn.
func (c *PacketLinkConn) ReadFrom(p []byte) (int, net.Addr, error) {
	pkt, err := c.link.Recv()
	if err != nil {
		if err == ErrCancelled {
			return 0, nil, io.ErrClosedPipe
		}
		return 0, nil, err
	}
	n := copy(p, pkt.Payload.Bytes())
	addr := pkt.Target.RawAddr()
	pkt.Payload.Release()
	return n, addr, nil
}

// WriteTo implements net.PacketConn.
func (c *PacketLinkConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	b := buf.NewWithSize(len(p))
	n, err := b.Write(p)
	if err != nil {
		b.Release()
		return 0, err
	}
	pkt := Packet{Payload: b, Target: net.DestinationFromAddr(addr)}
	if err := c.link.Send(pkt); err != nil {
		b.Release()
		return 0, io.ErrClosedPipe
	}
	return n, nil
}

// Close implements net.PacketConn.
func (c *PacketLinkConn) Close() error {
	return c.link.Close()
}

// LocalAddr implements net.PacketConn.
func (c *PacketLinkConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IP{0, 0, 0, 0}, Port: 0}
}

// SetDeadline implements net.PacketConn.
func (c *PacketLinkConn) SetDeadline(time.Time) error      { return nil }
func (c *PacketLinkConn) SetReadDeadline(time.Time) error  { return nil }
func (c *PacketLinkConn) SetWriteDeadline(time.Time) error { return nil }
