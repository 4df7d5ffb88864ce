// Package freedom is the DIRECT outbound: flows leave through the host
// network unchanged.
package freedom // import "github.com/boltconn/boltconn/proxy/freedom"

import (
	"context"

	"github.com/boltconn/boltconn/common/buf"
	"github.com/boltconn/boltconn/common/net"
	"github.com/boltconn/boltconn/common/signal"
	"github.com/boltconn/boltconn/proxy"
	"github.com/boltconn/boltconn/transport/pipe"
)

// Outbound dials the flow's destination directly.
type Outbound struct {
	dst      net.Destination
	resolved *net.Destination
	dialer   *proxy.Dialer
}

// New creates a DIRECT outbound for one flow. resolved carries a
// LOCAL-RESOLVE result when available, sparing a second lookup.
func New(dst net.Destination, resolved *net.Destination, dialer *proxy.Dialer) *Outbound {
	return &Outbound{dst: dst, resolved: resolved, dialer: dialer}
}

// Name implements proxy.Outbound.
func (o *Outbound) Name() string { return "DIRECT" }

// OutboundType implements proxy.Outbound.
func (o *Outbound) OutboundType() proxy.OutboundType {
	return proxy.OutboundType{Kind: "direct", TCP: proxy.PlainTCP, UDP: proxy.PlainUDP}
}

func (o *Outbound) target() net.Destination {
	if o.resolved != nil {
		return *o.resolved
	}
	return o.dst
}

// ProcessTCP implements proxy.Outbound.
func (o *Outbound) ProcessTCP(ctx context.Context, inbound *pipe.Link, abort *signal.AbortHandle) error {
	conn, err := o.dialer.DialTCP(ctx, o.target())
	if err != nil {
		abort.Cancel()
		return err
	}
	return proxy.RelayTCP(inbound, conn, abort)
}

// ProcessTCPWithOutbound implements proxy.Outbound. DIRECT terminates a chain;
// it cannot feed an upstream carrier.
func (o *Outbound) ProcessTCPWithOutbound(ctx context.Context, inbound *pipe.Link, tcpOut *pipe.Link, udpOut *pipe.PacketLink, abort *signal.AbortHandle) error {
	if tcpOut == nil && udpOut == nil {
		return o.ProcessTCP(ctx, inbound, abort)
	}
	return proxy.ErrNotChainable
}

// ProcessUDP implements proxy.Outbound.
func (o *Outbound) ProcessUDP(ctx context.Context, inbound *pipe.PacketLink, abort *signal.AbortHandle, tunnelOnly bool) error {
	conn, err := o.dialer.ListenUDP(ctx)
	if err != nil {
		abort.Cancel()
		return err
	}
	return proxy.RelayUDP(inbound, conn, abort,
		func(pkt pipe.Packet) (net.Addr, []byte, error) {
			dest, err := o.dialer.Resolve(ctx, pkt.Target)
			if err != nil {
				return nil, nil, err
			}
			return dest.RawAddr(), pkt.Payload.Bytes(), nil
		},
		func(from net.Addr, payload []byte) (pipe.Packet, bool) {
			b := buf.New()
			b.Write(payload)
			return pipe.Packet{Payload: b, Target: net.DestinationFromAddr(from)}, true
		},
	)
}

// ProcessUDPWithOutbound implements proxy.Outbound.
func (o *Outbound) ProcessUDPWithOutbound(ctx context.Context, inbound *pipe.PacketLink, tcpOut *pipe.Link, udpOut *pipe.PacketLink, abort *signal.AbortHandle, notFirst bool) error {
	if tcpOut == nil && udpOut == nil {
		return o.ProcessUDP(ctx, inbound, abort, true)
	}
	return proxy.ErrNotChainable
}
