// Package dispatcher accepts flows from inbounds, runs them through the rule
// engine and launches the decided outbound (or chain of outbounds).
package dispatcher // import "github.com/boltconn/boltconn/app/dispatcher"

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/boltconn/boltconn/app/dispatch"
	"github.com/boltconn/boltconn/app/nat"
	"github.com/boltconn/boltconn/common/errors"
	"github.com/boltconn/boltconn/common/net"
	"github.com/boltconn/boltconn/common/session"
	"github.com/boltconn/boltconn/common/signal"
	"github.com/boltconn/boltconn/proxy"
	"github.com/boltconn/boltconn/transport/pipe"
)

// Resolver is the local DNS surface the dispatcher depends on.
type Resolver interface {
	dispatch.Resolver
}

// Dispatcher is the flow-plane façade. The active Dispatching is swapped
// atomically on reload; per-flow state lives exactly as long as the flow.
type Dispatcher struct {
	active   atomic.Pointer[dispatch.Dispatching]
	resolver Resolver
	verbose  bool

	mu      sync.Mutex
	tunnels map[string]tunnelEntry
}

// New creates a Dispatcher. A configuration must be loaded via Reload before
// flows are submitted.
func New(resolver Resolver, verbose bool) *Dispatcher {
	return &Dispatcher{
		resolver: resolver,
		verbose:  verbose,
		tunnels:  make(map[string]tunnelEntry),
	}
}

// Reload builds a fresh Dispatching and swaps it in. On build failure the
// previous configuration stays live.
func (d *Dispatcher) Reload(config *dispatch.Config, state *dispatch.State) error {
	dispatching, err := dispatch.NewBuilder(d.resolver).Build(config, state)
	if err != nil {
		return errors.New("reload rejected").Base(err)
	}
	d.active.Store(dispatching)
	return nil
}

// Dispatching returns the active generation.
func (d *Dispatcher) Dispatching() *dispatch.Dispatching {
	return d.active.Load()
}

// SetGroupSelection delegates to the active generation.
func (d *Dispatcher) SetGroupSelection(group, proxyName string) error {
	return d.active.Load().SetGroupSelection(group, proxyName)
}

// UpdateTemporaryList delegates to the active generation.
func (d *Dispatcher) UpdateTemporaryList(lines []dispatch.RuleLine) error {
	return d.active.Load().UpdateTemporaryList(lines)
}

func (d *Dispatcher) buildConnInfo(inbound dispatch.InboundInfo, src, dst net.Destination, network net.Network) *dispatch.ConnInfo {
	info := &dispatch.ConnInfo{
		Src:     src,
		Dst:     dst,
		Inbound: inbound,
		Network: network,
	}
	// Flows enter from this host (loopback inbounds) or through the TUN, so
	// the source socket is locally visible. Lookup failures leave the field
	// empty; rules on process simply won't match.
	if process, err := net.FindProcess(net.Destination{
		Network: network,
		Address: src.Address,
		Port:    src.Port,
	}); err == nil {
		info.Process = process
	}
	return info
}

// SubmitTCP dispatches one accepted stream. The indicator's two counts map to
// the two decrement sites: the socket pump and the outbound task.
func (d *Dispatcher) SubmitTCP(ctx context.Context, inbound dispatch.InboundInfo, src, dst net.Destination, indicator *nat.Indicator, conn net.Conn) error {
	dispatching := d.active.Load()
	if dispatching == nil {
		return errors.New("no configuration loaded")
	}

	ctx = session.ContextWithID(ctx, session.NewID())
	info := d.buildConnInfo(inbound, src, dst, net.Network_TCP)
	decision := dispatching.Matches(ctx, info, d.verbose)

	outbound, err := d.buildOutbound(ctx, decision, info)
	if err != nil {
		return err
	}

	abort := signal.NewAbortHandle()
	local, remote := pipe.New(abort)

	go func() {
		err := proxy.RelayTCP(local, conn, abort)
		if err != nil {
			errors.LogInfoInner(ctx, err, "inbound relay for ", info.Dst, " closed")
		}
		indicator.Release()
	}()
	go func() {
		err := outbound.ProcessTCP(ctx, remote, abort)
		if err != nil {
			errors.LogInfoInner(ctx, err, "outbound ", outbound.Name(), " for ", info.Dst, " failed")
		}
		indicator.Release()
	}()
	return nil
}

// SubmitUDP dispatches one datagram association whose inbound side already
// speaks through link.
func (d *Dispatcher) SubmitUDP(ctx context.Context, inbound dispatch.InboundInfo, src, dst net.Destination, indicator *nat.Indicator, link *pipe.PacketLink, abort *signal.AbortHandle) error {
	dispatching := d.active.Load()
	if dispatching == nil {
		return errors.New("no configuration loaded")
	}

	ctx = session.ContextWithID(ctx, session.NewID())
	info := d.buildConnInfo(inbound, src, dst, net.Network_UDP)
	decision := dispatching.Matches(ctx, info, d.verbose)

	outbound, err := d.buildOutbound(ctx, decision, info)
	if err != nil {
		return err
	}

	go func() {
		err := outbound.ProcessUDP(ctx, link, abort, false)
		if err != nil {
			errors.LogInfoInner(ctx, err, "outbound ", outbound.Name(), " for ", info.Dst, " failed")
		}
		abort.Cancel()
		indicator.Release()
	}()
	go func() {
		<-abort.Done()
		indicator.Release()
	}()
	return nil
}
