package proxy

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/boltconn/boltconn/common/signal"
	"github.com/boltconn/boltconn/transport/pipe"
)

type carrier int

const (
	carrierTCP carrier = iota
	carrierUDP
)

// Chain threads a flow through an ordered list of outbounds, inserting a
// fresh connector between consecutive hops and switching the carrier where a
// hop re-encapsulates (TCP-over-UDP, UDP-over-TCP).
type Chain struct {
	name string
	hops []Outbound
}

// NewChain creates a chain over hops, outermost first. The list must be
// non-empty.
func NewChain(name string, hops []Outbound) *Chain {
	return &Chain{name: name, hops: hops}
}

// Name implements Outbound.
func (c *Chain) Name() string { return c.name }

// OutboundType implements Outbound. A chain presents the carrier behavior of
// its first hop.
func (c *Chain) OutboundType() OutboundType {
	t := c.hops[0].OutboundType()
	t.Kind = "chain"
	return t
}

// ProcessTCP implements Outbound.
func (c *Chain) ProcessTCP(ctx context.Context, inbound *pipe.Link, abort *signal.AbortHandle) error {
	return c.run(ctx, carrierTCP, inbound, nil, abort)
}

// ProcessTCPWithOutbound implements Outbound. A chain is never itself a
// non-terminal hop.
func (c *Chain) ProcessTCPWithOutbound(ctx context.Context, inbound *pipe.Link, tcpOut *pipe.Link, udpOut *pipe.PacketLink, abort *signal.AbortHandle) error {
	return ErrNotChainable
}

// ProcessUDP implements Outbound.
func (c *Chain) ProcessUDP(ctx context.Context, inbound *pipe.PacketLink, abort *signal.AbortHandle, tunnelOnly bool) error {
	return c.run(ctx, carrierUDP, nil, inbound, abort)
}

// ProcessUDPWithOutbound implements Outbound.
func (c *Chain) ProcessUDPWithOutbound(ctx context.Context, inbound *pipe.PacketLink, tcpOut *pipe.Link, udpOut *pipe.PacketLink, abort *signal.AbortHandle, notFirst bool) error {
	return ErrNotChainable
}

// run executes the carrier state machine. prevTCP/prevUDP is the connector the
// next hop reads from; exactly one is non-nil, tracking the current carrier.
func (c *Chain) run(ctx context.Context, cr carrier, prevTCP *pipe.Link, prevUDP *pipe.PacketLink, abort *signal.AbortHandle) error {
	group, ctx := errgroup.WithContext(ctx)
	notFirst := false

	for _, hop := range c.hops[:len(c.hops)-1] {
		hop := hop
		if cr == carrierTCP {
			inbound := prevTCP
			if hop.OutboundType().TCP == TCPOverUDP {
				inner, outer := pipe.NewPacket(abort)
				group.Go(func() error {
					return hop.ProcessTCPWithOutbound(ctx, inbound, nil, inner, abort)
				})
				cr = carrierUDP
				prevTCP, prevUDP = nil, outer
			} else {
				inner, outer := pipe.New(abort)
				group.Go(func() error {
					return hop.ProcessTCPWithOutbound(ctx, inbound, inner, nil, abort)
				})
				prevTCP = outer
			}
		} else {
			inbound := prevUDP
			nf := notFirst
			if hop.OutboundType().UDP == UDPOverTCP {
				inner, outer := pipe.New(abort)
				group.Go(func() error {
					return hop.ProcessUDPWithOutbound(ctx, inbound, inner, nil, abort, nf)
				})
				cr = carrierTCP
				prevTCP, prevUDP = outer, nil
			} else {
				inner, outer := pipe.NewPacket(abort)
				group.Go(func() error {
					return hop.ProcessUDPWithOutbound(ctx, inbound, nil, inner, abort, nf)
				})
				prevUDP = outer
			}
		}
		notFirst = true
	}

	last := c.hops[len(c.hops)-1]
	if cr == carrierTCP {
		inbound := prevTCP
		group.Go(func() error {
			return last.ProcessTCP(ctx, inbound, abort)
		})
	} else {
		inbound := prevUDP
		group.Go(func() error {
			return last.ProcessUDP(ctx, inbound, abort, true)
		})
	}

	return group.Wait()
}
