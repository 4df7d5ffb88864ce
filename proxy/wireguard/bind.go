// Package wireguard is the WireGuard outbound. The tunnel is a wireguard-go
// device whose plaintext side feeds the userspace IP stack, so flows are
// re-originated as first-class IP inside the tunnel.
package wireguard // import "github.com/boltconn/boltconn/proxy/wireguard"

import (
	"net/netip"
	"sync"

	"golang.zx2c4.com/wireguard/conn"

	"github.com/boltconn/boltconn/common/net"
)

// clientBind ships encrypted WireGuard datagrams over one packet socket to a
// single peer. The socket may be a host UDP socket or a chained datagram
// carrier; reserved bytes are patched on the wire when configured.
type clientBind struct {
	socket   net.PacketConn
	peer     net.Destination
	reserved [3]byte

	mu     sync.Mutex
	closed bool
}

type clientEndpoint struct {
	dst netip.AddrPort
}

func (e *clientEndpoint) ClearSrc()           {}
func (e *clientEndpoint) SrcToString() string { return "" }
func (e *clientEndpoint) DstToString() string { return e.dst.String() }
func (e *clientEndpoint) DstToBytes() []byte {
	b, _ := e.dst.MarshalBinary()
	return b
}
func (e *clientEndpoint) DstIP() netip.Addr { return e.dst.Addr() }
func (e *clientEndpoint) SrcIP() netip.Addr { return netip.Addr{} }

func newClientBind(socket net.PacketConn, peer net.Destination, reserved [3]byte) *clientBind {
	return &clientBind{socket: socket, peer: peer, reserved: reserved}
}

// Open implements conn.Bind.
func (b *clientBind) Open(port uint16) ([]conn.ReceiveFunc, uint16, error) {
	return []conn.ReceiveFunc{b.receive}, port, nil
}

func (b *clientBind) receive(packets [][]byte, sizes []int, eps []conn.Endpoint) (int, error) {
	n, _, err := b.socket.ReadFrom(packets[0])
	if err != nil {
		return 0, err
	}
	payload := packets[0][:n]
	if len(payload) > 4 {
		payload[1] = 0
		payload[2] = 0
		payload[3] = 0
	}
	sizes[0] = n
	eps[0] = b.endpoint()
	return 1, nil
}

func (b *clientBind) endpoint() *clientEndpoint {
	addr, _ := netip.AddrFromSlice(b.peer.Address.IP())
	return &clientEndpoint{dst: netip.AddrPortFrom(addr.Unmap(), b.peer.Port.Value())}
}

// Send implements conn.Bind.
func (b *clientBind) Send(bufs [][]byte, ep conn.Endpoint) error {
	for _, payload := range bufs {
		if len(payload) > 4 {
			copy(payload[1:4], b.reserved[:])
		}
		if _, err := b.socket.WriteTo(payload, b.peer.RawAddr()); err != nil {
			return err
		}
	}
	return nil
}

// ParseEndpoint implements conn.Bind. The bind has exactly one peer, so every
// spelling resolves to it.
func (b *clientBind) ParseEndpoint(s string) (conn.Endpoint, error) {
	return b.endpoint(), nil
}

// SetMark implements conn.Bind.
func (b *clientBind) SetMark(mark uint32) error { return nil }

// BatchSize implements conn.Bind.
func (b *clientBind) BatchSize() int { return 1 }

// Close implements conn.Bind.
func (b *clientBind) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.socket.Close()
}
