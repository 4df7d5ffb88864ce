package trojan

import (
	"context"

	utls "github.com/refraction-networking/utls"

	"github.com/boltconn/boltconn/common/buf"
	"github.com/boltconn/boltconn/common/errors"
	"github.com/boltconn/boltconn/common/net"
	"github.com/boltconn/boltconn/common/signal"
	"github.com/boltconn/boltconn/proxy"
	"github.com/boltconn/boltconn/transport/pipe"
)

// Config carries the per-server trojan settings.
type Config struct {
	Server         net.Destination
	Password       string
	SNI            string
	SkipCertVerify bool
	WebsocketPath  string
}

// Outbound tunnels one flow through a trojan server.
type Outbound struct {
	config Config
	dst    net.Destination
	dialer *proxy.Dialer
}

// New creates a trojan outbound for one flow towards dst.
func New(config Config, dst net.Destination, dialer *proxy.Dialer) *Outbound {
	return &Outbound{config: config, dst: dst, dialer: dialer}
}

// Name implements proxy.Outbound.
func (o *Outbound) Name() string { return "trojan" }

// OutboundType implements proxy.Outbound. Datagrams ride the TLS stream, so
// UDP flows switch the chain carrier to TCP.
func (o *Outbound) OutboundType() proxy.OutboundType {
	return proxy.OutboundType{Kind: "trojan", TCP: proxy.PlainTCP, UDP: proxy.UDPOverTCP}
}

// connect establishes the TLS (and optional websocket) transport and sends
// the trojan request header.
func (o *Outbound) connect(ctx context.Context, tcpOut *pipe.Link, cmd byte) (net.Conn, error) {
	raw, err := proxy.UpstreamTCP(ctx, o.dialer, o.config.Server, tcpOut)
	if err != nil {
		return nil, err
	}

	sni := o.config.SNI
	if sni == "" && o.config.Server.Address.Family().IsDomain() {
		sni = o.config.Server.Address.Domain()
	}
	tlsConn := utls.UClient(raw, &utls.Config{
		ServerName:         sni,
		InsecureSkipVerify: o.config.SkipCertVerify,
	}, utls.HelloChrome_Auto)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, errors.New("tls handshake with ", o.config.Server).Base(err)
	}

	var conn net.Conn = tlsConn
	if o.config.WebsocketPath != "" {
		wsConn, err := dialWebsocket(ctx, tlsConn, sni, o.config.WebsocketPath)
		if err != nil {
			tlsConn.Close()
			return nil, err
		}
		conn = wsConn
	}

	if _, err := conn.Write(requestHeader(o.config.Password, cmd, o.dst)); err != nil {
		conn.Close()
		return nil, errors.New("trojan request").Base(err)
	}
	return conn, nil
}

func (o *Outbound) runTCP(ctx context.Context, inbound *pipe.Link, tcpOut *pipe.Link, abort *signal.AbortHandle) error {
	conn, err := o.connect(ctx, tcpOut, commandTCP)
	if err != nil {
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

// runUDP speaks the trojan UDP-over-TCP framing on the stream transport.
func (o *Outbound) runUDP(ctx context.Context, inbound *pipe.PacketLink, tcpOut *pipe.Link, abort *signal.AbortHandle) error {
	conn, err := o.connect(ctx, tcpOut, commandUDP)
	if err != nil {
		abort.Cancel()
		return err
	}

	abort.Start()
	done := make(chan error, 2)

	go func() {
		for {
			pkt, err := inbound.Recv()
			if err != nil {
				done <- nil
				return
			}
			framed := appendPacket(nil, pkt.Target, pkt.Payload.Bytes())
			pkt.Payload.Release()
			if _, err := conn.Write(framed); err != nil {
				done <- errors.New("uot write").Base(err)
				return
			}
		}
	}()

	go func() {
		for {
			dest, payload, err := readPacket(conn)
			if err != nil {
				inbound.Close()
				done <- nil
				return
			}
			b := buf.NewWithSize(len(payload))
			b.Write(payload)
			if err := inbound.Send(pipe.Packet{Payload: b, Target: dest}); err != nil {
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
			conn.Close()
			abort.Cancel()
		}
	}
	conn.Close()
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
	if udpOut != nil {
		return proxy.ErrNotChainable
	}
	return o.runUDP(ctx, inbound, tcpOut, abort)
}
