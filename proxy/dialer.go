package proxy

import (
	"context"
	"time"

	"github.com/boltconn/boltconn/common/errors"
	"github.com/boltconn/boltconn/common/net"
)

// Dialer opens host sockets for outbound transports, optionally pinned to a
// specific egress interface (group overrides).
type Dialer struct {
	Iface    string
	Resolver interface {
		GenuineLookup(ctx context.Context, domain string) (net.IP, error)
	}
}

const dialTimeout = 10 * time.Second

func (d *Dialer) resolve(ctx context.Context, dest net.Destination) (net.Destination, error) {
	if dest.Address.Family().IsIP() {
		return dest, nil
	}
	if d.Resolver == nil {
		return net.Destination{}, errors.New("no resolver for ", dest)
	}
	ip, err := d.Resolver.GenuineLookup(ctx, dest.Address.Domain())
	if err != nil {
		return net.Destination{}, errors.New("dns failure for ", dest).Base(err)
	}
	dest.Address = net.IPAddress(ip)
	return dest, nil
}

// Resolve maps a domain destination to its IP form, leaving IP destinations
// untouched.
func (d *Dialer) Resolve(ctx context.Context, dest net.Destination) (net.Destination, error) {
	return d.resolve(ctx, dest)
}

// DialTCP opens a TCP connection to dest, resolving domain destinations first.
func (d *Dialer) DialTCP(ctx context.Context, dest net.Destination) (net.Conn, error) {
	resolved, err := d.resolve(ctx, dest)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{
		Timeout: dialTimeout,
		Control: bindToInterface(d.Iface),
	}
	conn, err := dialer.DialContext(ctx, "tcp", resolved.NetAddr())
	if err != nil {
		return nil, errors.New("upstream unreachable: ", resolved.NetAddr()).Base(err)
	}
	return conn, nil
}

// ListenUDP opens an unconnected UDP socket for relaying datagrams.
func (d *Dialer) ListenUDP(ctx context.Context) (net.PacketConn, error) {
	lc := &net.ListenConfig{
		Control: bindToInterface(d.Iface),
	}
	conn, err := lc.ListenPacket(ctx, "udp", ":0")
	if err != nil {
		return nil, errors.New("udp socket").Base(err)
	}
	return conn, nil
}
