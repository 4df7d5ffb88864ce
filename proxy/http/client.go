// Package http provides the HTTP CONNECT outbound client and the plain HTTP
// proxy inbound.
package http // import "github.com/boltconn/boltconn/proxy/http"

import (
	"bufio"
	"context"
	"encoding/base64"
	gohttp "net/http"

	"github.com/boltconn/boltconn/common/errors"
	"github.com/boltconn/boltconn/common/net"
	"github.com/boltconn/boltconn/common/signal"
	"github.com/boltconn/boltconn/proxy"
	"github.com/boltconn/boltconn/transport/pipe"
)

// Outbound tunnels one TCP flow through an HTTP proxy via CONNECT.
type Outbound struct {
	server net.Destination
	auth   *proxy.Auth
	dst    net.Destination
	dialer *proxy.Dialer
}

// New creates an HTTP outbound for one flow towards dst.
func New(server net.Destination, auth *proxy.Auth, dst net.Destination, dialer *proxy.Dialer) *Outbound {
	return &Outbound{server: server, auth: auth, dst: dst, dialer: dialer}
}

// Name implements proxy.Outbound.
func (o *Outbound) Name() string { return "http" }

// OutboundType implements proxy.Outbound.
func (o *Outbound) OutboundType() proxy.OutboundType {
	return proxy.OutboundType{Kind: "http", TCP: proxy.PlainTCP, UDP: proxy.UDPNotSupported}
}

func (o *Outbound) handshake(conn net.Conn) error {
	target := o.dst.NetAddr()
	req := "CONNECT " + target + " HTTP/1.1\r\nHost: " + target + "\r\n"
	if o.auth != nil {
		credential := base64.StdEncoding.EncodeToString([]byte(o.auth.Username + ":" + o.auth.Password))
		req += "Proxy-Authorization: Basic " + credential + "\r\n"
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		return errors.New("failed to send CONNECT").Base(err)
	}

	reader := bufio.NewReader(conn)
	resp, err := gohttp.ReadResponse(reader, nil)
	if err != nil {
		return errors.New("malformed CONNECT response").Base(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != gohttp.StatusOK {
		return errors.New("proxy refused CONNECT: ", resp.Status)
	}
	if reader.Buffered() > 0 {
		return errors.New("unexpected early data after CONNECT")
	}
	return nil
}

func (o *Outbound) run(ctx context.Context, inbound *pipe.Link, tcpOut *pipe.Link, abort *signal.AbortHandle) error {
	conn, err := proxy.UpstreamTCP(ctx, o.dialer, o.server, tcpOut)
	if err != nil {
		abort.Cancel()
		return err
	}
	if err := o.handshake(conn); err != nil {
		conn.Close()
		abort.Cancel()
		return err
	}
	return proxy.RelayTCP(inbound, conn, abort)
}

// ProcessTCP implements proxy.Outbound.
func (o *Outbound) ProcessTCP(ctx context.Context, inbound *pipe.Link, abort *signal.AbortHandle) error {
	return o.run(ctx, inbound, nil, abort)
}

// ProcessTCPWithOutbound implements proxy.Outbound.
func (o *Outbound) ProcessTCPWithOutbound(ctx context.Context, inbound *pipe.Link, tcpOut *pipe.Link, udpOut *pipe.PacketLink, abort *signal.AbortHandle) error {
	if udpOut != nil {
		return proxy.ErrNotChainable
	}
	return o.run(ctx, inbound, tcpOut, abort)
}

// ProcessUDP implements proxy.Outbound. HTTP proxies cannot carry datagrams;
// dispatch rewrites such flows to REJECT before they reach here.
func (o *Outbound) ProcessUDP(ctx context.Context, inbound *pipe.PacketLink, abort *signal.AbortHandle, tunnelOnly bool) error {
	return proxy.ErrNotChainable
}

// ProcessUDPWithOutbound implements proxy.Outbound.
func (o *Outbound) ProcessUDPWithOutbound(ctx context.Context, inbound *pipe.PacketLink, tcpOut *pipe.Link, udpOut *pipe.PacketLink, abort *signal.AbortHandle, notFirst bool) error {
	return proxy.ErrNotChainable
}
