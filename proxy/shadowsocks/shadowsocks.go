// Package shadowsocks is the Shadowsocks AEAD outbound, implemented on
// sing-shadowsocks.
package shadowsocks // import "github.com/boltconn/boltconn/proxy/shadowsocks"

import (
	"context"

	shadowsocks "github.com/sagernet/sing-shadowsocks"
	"github.com/sagernet/sing-shadowsocks/shadowaead"
	B "github.com/sagernet/sing/common/buf"

	"github.com/boltconn/boltconn/common/buf"
	"github.com/boltconn/boltconn/common/errors"
	"github.com/boltconn/boltconn/common/net"
	"github.com/boltconn/boltconn/common/signal"
	"github.com/boltconn/boltconn/common/singbridge"
	"github.com/boltconn/boltconn/proxy"
	"github.com/boltconn/boltconn/transport/pipe"
)

// Outbound tunnels one flow through a Shadowsocks server.
type Outbound struct {
	server net.Destination
	method shadowsocks.Method
	dst    net.Destination
	dialer *proxy.Dialer
}

// New creates a Shadowsocks outbound for one flow towards dst. The cipher set
// is validated at config build time; an unknown cipher still fails here.
func New(server net.Destination, cipher, password string, dst net.Destination, dialer *proxy.Dialer) (*Outbound, error) {
	method, err := shadowaead.New(cipher, nil, password)
	if err != nil {
		return nil, errors.New("create method ", cipher).Base(err)
	}
	return &Outbound{server: server, method: method, dst: dst, dialer: dialer}, nil
}

// Name implements proxy.Outbound.
func (o *Outbound) Name() string { return "shadowsocks" }

// OutboundType implements proxy.Outbound.
func (o *Outbound) OutboundType() proxy.OutboundType {
	return proxy.OutboundType{Kind: "shadowsocks", TCP: proxy.PlainTCP, UDP: proxy.PlainUDP}
}

func (o *Outbound) runTCP(ctx context.Context, inbound *pipe.Link, tcpOut *pipe.Link, abort *signal.AbortHandle) error {
	conn, err := proxy.UpstreamTCP(ctx, o.dialer, o.server, tcpOut)
	if err != nil {
		abort.Cancel()
		return err
	}
	serverConn, err := o.method.DialConn(conn, singbridge.ToSocksaddr(o.dst))
	if err != nil {
		conn.Close()
		abort.Cancel()
		return errors.New("shadowsocks handshake").Base(err)
	}
	return proxy.RelayTCP(inbound, serverConn, abort)
}

// ProcessTCP implements proxy.Outbound.
func (o *Outbound) ProcessTCP(ctx context.Context, inbound *pipe.Link, abort *signal.AbortHandle) error {
	return o.runTCP(ctx, inbound, nil, abort)
}

// ProcessTCPWithOutbound implements proxy.Outbound.
func (o *Outbound) ProcessTCPWithOutbound(ctx context.Context, inbound *pipe.Link, tcpOut *pipe.Link, udpOut *pipe.PacketLink, abort *signal.AbortHandle) error {
	if udpOut != nil {
		return proxy.ErrNotChainable
	}
	return o.runTCP(ctx, inbound, tcpOut, abort)
}

// runUDP encrypts each datagram towards the server; replies decrypt back into
// per-packet logical targets.
func (o *Outbound) runUDP(ctx context.Context, inbound *pipe.PacketLink, udpOut *pipe.PacketLink, abort *signal.AbortHandle) error {
	server, err := o.dialer.Resolve(ctx, o.server)
	if err != nil {
		abort.Cancel()
		return err
	}
	sock, err := proxy.UpstreamUDP(ctx, o.dialer, udpOut)
	if err != nil {
		abort.Cancel()
		return err
	}
	packetConn := o.method.DialPacketConn(&packetStream{PacketConn: sock, server: server})

	abort.Start()
	done := make(chan error, 2)

	go func() {
		for {
			pkt, err := inbound.Recv()
			if err != nil {
				done <- nil
				return
			}
			// NewPacket reserves headroom for the AEAD header
			payload := B.NewPacket()
			payload.Write(pkt.Payload.Bytes())
			target := singbridge.ToSocksaddr(pkt.Target)
			pkt.Payload.Release()
			if err := packetConn.WritePacket(payload, target); err != nil {
				done <- errors.New("udp write").Base(err)
				return
			}
		}
	}()

	go func() {
		for {
			payload := B.NewSize(buf.Size)
			from, err := packetConn.ReadPacket(payload)
			if err != nil {
				payload.Release()
				inbound.Close()
				done <- nil
				return
			}
			b := buf.New()
			b.Write(payload.Bytes())
			payload.Release()
			pkt := pipe.Packet{Payload: b, Target: singbridge.ToDestination(from, net.Network_UDP)}
			if err := inbound.Send(pkt); err != nil {
				b.Release()
				done <- err
				return
			}
		}
	}()

	var first error
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil && first == nil {
			first = err
			packetConn.Close()
			abort.Cancel()
		}
	}
	packetConn.Close()
	if first == pipe.ErrCancelled {
		return nil
	}
	return first
}

// ProcessUDP implements proxy.Outbound.
func (o *Outbound) ProcessUDP(ctx context.Context, inbound *pipe.PacketLink, abort *signal.AbortHandle, tunnelOnly bool) error {
	return o.runUDP(ctx, inbound, nil, abort)
}

// ProcessUDPWithOutbound implements proxy.Outbound.
func (o *Outbound) ProcessUDPWithOutbound(ctx context.Context, inbound *pipe.PacketLink, tcpOut *pipe.Link, udpOut *pipe.PacketLink, abort *signal.AbortHandle, notFirst bool) error {
	if tcpOut != nil {
		return proxy.ErrNotChainable
	}
	return o.runUDP(ctx, inbound, udpOut, abort)
}

// packetStream narrows an unconnected packet socket to the fixed server
// endpoint, which is the shape sing's packet ciphers expect.
type packetStream struct {
	net.PacketConn
	server net.Destination
}

func (s *packetStream) Read(p []byte) (int, error) {
	for {
		n, from, err := s.PacketConn.ReadFrom(p)
		if err != nil {
			return 0, err
		}
		if from == nil {
			return n, nil
		}
		d := net.DestinationFromAddr(from)
		if d.Address.String() == s.server.Address.String() && d.Port == s.server.Port {
			return n, nil
		}
		// not from the server, drop
	}
}

func (s *packetStream) Write(p []byte) (int, error) {
	return s.PacketConn.WriteTo(p, s.server.RawAddr())
}

func (s *packetStream) RemoteAddr() net.Addr {
	return s.server.RawAddr()
}
