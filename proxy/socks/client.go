package socks

import (
	"context"
	"io"

	"github.com/boltconn/boltconn/common/buf"
	"github.com/boltconn/boltconn/common/errors"
	"github.com/boltconn/boltconn/common/net"
	"github.com/boltconn/boltconn/common/signal"
	"github.com/boltconn/boltconn/proxy"
	"github.com/boltconn/boltconn/transport/pipe"
)

// Outbound tunnels one flow through a SOCKS5 proxy.
type Outbound struct {
	server net.Destination
	auth   *proxy.Auth
	dst    net.Destination
	dialer *proxy.Dialer
}

// New creates a SOCKS5 outbound for one flow towards dst.
func New(server net.Destination, auth *proxy.Auth, dst net.Destination, dialer *proxy.Dialer) *Outbound {
	return &Outbound{server: server, auth: auth, dst: dst, dialer: dialer}
}

// Name implements proxy.Outbound.
func (o *Outbound) Name() string { return "socks5" }

// OutboundType implements proxy.Outbound.
func (o *Outbound) OutboundType() proxy.OutboundType {
	return proxy.OutboundType{Kind: "socks5", TCP: proxy.PlainTCP, UDP: proxy.PlainUDP}
}

// handshake negotiates the method, authenticates, and issues cmd. It returns
// the bound address from the reply (meaningful for UDP ASSOCIATE).
func (o *Outbound) handshake(conn net.Conn, cmd byte, target net.Destination) (net.Destination, error) {
	method := byte(authMethodNone)
	if o.auth != nil {
		method = authMethodPassword
	}
	if _, err := conn.Write([]byte{socks5Version, 1, method}); err != nil {
		return net.Destination{}, err
	}

	var choice [2]byte
	if _, err := io.ReadFull(conn, choice[:]); err != nil {
		return net.Destination{}, errors.New("method selection").Base(err)
	}
	if choice[0] != socks5Version || choice[1] != method {
		return net.Destination{}, errors.New("server refused method ", method)
	}

	if o.auth != nil {
		req := []byte{0x01, byte(len(o.auth.Username))}
		req = append(req, o.auth.Username...)
		req = append(req, byte(len(o.auth.Password)))
		req = append(req, o.auth.Password...)
		if _, err := conn.Write(req); err != nil {
			return net.Destination{}, err
		}
		var status [2]byte
		if _, err := io.ReadFull(conn, status[:]); err != nil {
			return net.Destination{}, errors.New("auth status").Base(err)
		}
		if status[1] != 0x00 {
			return net.Destination{}, errors.New("authentication failed")
		}
	}

	req := []byte{socks5Version, cmd, 0x00}
	req = appendAddr(req, target)
	if _, err := conn.Write(req); err != nil {
		return net.Destination{}, err
	}

	var replyHead [3]byte
	if _, err := io.ReadFull(conn, replyHead[:]); err != nil {
		return net.Destination{}, errors.New("request reply").Base(err)
	}
	if replyHead[1] != replySucceeded {
		return net.Destination{}, errors.New("server replied error ", replyHead[1])
	}
	bound, err := readAddr(conn, net.Network_UDP)
	if err != nil {
		return net.Destination{}, errors.New("bound address").Base(err)
	}
	return bound, nil
}

func (o *Outbound) runTCP(ctx context.Context, inbound *pipe.Link, tcpOut *pipe.Link, abort *signal.AbortHandle) error {
	conn, err := proxy.UpstreamTCP(ctx, o.dialer, o.server, tcpOut)
	if err != nil {
		abort.Cancel()
		return err
	}
	if _, err := o.handshake(conn, cmdConnect, o.dst); err != nil {
		conn.Close()
		abort.Cancel()
		return err
	}
	return proxy.RelayTCP(inbound, conn, abort)
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

// runUDP performs UDP ASSOCIATE over a control connection dialed to the
// server, then relays datagrams through the advertised relay endpoint. The
// control connection is held open for the lifetime of the association.
func (o *Outbound) runUDP(ctx context.Context, inbound *pipe.PacketLink, udpOut *pipe.PacketLink, abort *signal.AbortHandle) error {
	control, err := o.dialer.DialTCP(ctx, o.server)
	if err != nil {
		abort.Cancel()
		return err
	}
	defer control.Close()

	relay, err := o.handshake(control, cmdUDPAssociate, net.UDPDestination(net.AnyIP, 0))
	if err != nil {
		abort.Cancel()
		return err
	}
	// some servers advertise 0.0.0.0; fall back to the server address
	if relay.Address.Family().IsIP() && relay.Address.IP().IsUnspecified() {
		relay.Address = o.server.Address
	}

	sock, err := proxy.UpstreamUDP(ctx, o.dialer, udpOut)
	if err != nil {
		abort.Cancel()
		return err
	}

	// keep the association alive while the relay runs
	go func() {
		drain := make([]byte, 1)
		for {
			if _, err := control.Read(drain); err != nil {
				abort.Cancel()
				return
			}
		}
	}()

	resolvedRelay, err := o.dialer.Resolve(ctx, relay)
	if err != nil {
		abort.Cancel()
		return err
	}

	return proxy.RelayUDP(inbound, sock, abort,
		func(pkt pipe.Packet) (net.Addr, []byte, error) {
			return resolvedRelay.RawAddr(), EncodeUDPPacket(pkt.Target, pkt.Payload.Bytes()), nil
		},
		func(from net.Addr, payload []byte) (pipe.Packet, bool) {
			dest, inner, err := DecodeUDPPacket(payload)
			if err != nil {
				return pipe.Packet{}, false
			}
			b := buf.New()
			b.Write(inner)
			return pipe.Packet{Payload: b, Target: dest}, true
		},
	)
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
