// Package blackhole is the REJECT outbound: flows are swallowed and torn down.
package blackhole // import "github.com/boltconn/boltconn/proxy/blackhole"

import (
	"context"

	"github.com/boltconn/boltconn/common/signal"
	"github.com/boltconn/boltconn/proxy"
	"github.com/boltconn/boltconn/transport/pipe"
)

// Outbound drops everything.
type Outbound struct{}

// New creates a REJECT outbound.
func New() *Outbound { return &Outbound{} }

// Name implements proxy.Outbound.
func (*Outbound) Name() string { return "REJECT" }

// OutboundType implements proxy.Outbound.
func (*Outbound) OutboundType() proxy.OutboundType {
	return proxy.OutboundType{Kind: "reject", TCP: proxy.PlainTCP, UDP: proxy.PlainUDP}
}

// ProcessTCP implements proxy.Outbound.
func (*Outbound) ProcessTCP(ctx context.Context, inbound *pipe.Link, abort *signal.AbortHandle) error {
	inbound.Close()
	abort.Cancel()
	return nil
}

// ProcessTCPWithOutbound implements proxy.Outbound.
func (o *Outbound) ProcessTCPWithOutbound(ctx context.Context, inbound *pipe.Link, tcpOut *pipe.Link, udpOut *pipe.PacketLink, abort *signal.AbortHandle) error {
	return o.ProcessTCP(ctx, inbound, abort)
}

// ProcessUDP implements proxy.Outbound.
func (*Outbound) ProcessUDP(ctx context.Context, inbound *pipe.PacketLink, abort *signal.AbortHandle, tunnelOnly bool) error {
	inbound.Close()
	abort.Cancel()
	return nil
}

// ProcessUDPWithOutbound implements proxy.Outbound.
func (o *Outbound) ProcessUDPWithOutbound(ctx context.Context, inbound *pipe.PacketLink, tcpOut *pipe.Link, udpOut *pipe.PacketLink, abort *signal.AbortHandle, notFirst bool) error {
	return o.ProcessUDP(ctx, inbound, abort, true)
}
