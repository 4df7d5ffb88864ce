package wireguard

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
	"sync/atomic"

	"golang.zx2c4.com/wireguard/device"

	"github.com/boltconn/boltconn/app/stack"
	"github.com/boltconn/boltconn/common/errors"
	"github.com/boltconn/boltconn/common/net"
	"github.com/boltconn/boltconn/common/signal"
	"github.com/boltconn/boltconn/proxy"
	"github.com/boltconn/boltconn/transport/pipe"
)

// Config carries the decoded tunnel settings.
type Config struct {
	LocalAddr    netip.Addr
	PrivateKey   [32]byte
	PublicKey    [32]byte
	PresharedKey *[32]byte
	Endpoint     net.Destination
	MTU          int
	Keepalive    int
	Reserved     [3]byte
}

// Tunnel is one living WireGuard device plus the userspace stack re-originating
// flows inside it. Terminal tunnels (own UDP socket) are shared across flows;
// chained tunnels live for a single flow.
type Tunnel struct {
	config   Config
	dev      *device.Device
	stack    *stack.Stack
	bind     *clientBind
	nextPort atomic.Uint32
}

// NewTunnel brings up a device over the given encrypted-packet socket.
func NewTunnel(ctx context.Context, config Config, socket net.PacketConn, dialer *proxy.Dialer) (*Tunnel, error) {
	endpoint, err := dialer.Resolve(ctx, config.Endpoint)
	if err != nil {
		return nil, errors.New("wireguard endpoint").Base(err)
	}

	if config.MTU == 0 {
		config.MTU = stack.DefaultMTU
	}
	virtualDev := stack.NewVirtualDevice(config.MTU)
	ipStack, err := stack.New(virtualDev, config.LocalAddr, 0)
	if err != nil {
		return nil, err
	}

	bind := newClientBind(socket, endpoint, config.Reserved)
	tunDev := newStackTun(virtualDev)
	dev := device.NewDevice(tunDev, bind, device.NewLogger(device.LogLevelError, "wg "))

	if err := dev.IpcSet(ipcRequest(config, endpoint)); err != nil {
		dev.Close()
		return nil, errors.New("wireguard ipc").Base(err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, errors.New("wireguard up").Base(err)
	}
	if err := ipStack.Start(); err != nil {
		dev.Close()
		return nil, err
	}

	t := &Tunnel{config: config, dev: dev, stack: ipStack, bind: bind}
	t.nextPort.Store(10000)
	return t, nil
}

func ipcRequest(config Config, endpoint net.Destination) string {
	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\n", hex.EncodeToString(config.PrivateKey[:]))
	fmt.Fprintf(&b, "public_key=%s\n", hex.EncodeToString(config.PublicKey[:]))
	if config.PresharedKey != nil {
		fmt.Fprintf(&b, "preshared_key=%s\n", hex.EncodeToString(config.PresharedKey[:]))
	}
	fmt.Fprintf(&b, "endpoint=%s\n", endpoint.NetAddr())
	if config.Keepalive > 0 {
		fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", config.Keepalive)
	}
	b.WriteString("allowed_ip=0.0.0.0/0\n")
	b.WriteString("allowed_ip=::/0\n")
	return b.String()
}

// Close tears down the device and stack.
func (t *Tunnel) Close() error {
	t.stack.Close()
	t.dev.Close()
	return nil
}

func (t *Tunnel) allocPort() uint16 {
	return uint16(10000 + t.nextPort.Add(1)%50000)
}

// Outbound re-originates one flow inside a tunnel.
type Outbound struct {
	tunnel    *Tunnel
	ephemeral bool
	dst       net.Destination
	resolved  *net.Destination
	dialer    *proxy.Dialer
	config    Config
}

// NewOutbound creates a per-flow outbound on a shared tunnel.
func NewOutbound(tunnel *Tunnel, dst net.Destination, resolved *net.Destination, dialer *proxy.Dialer) *Outbound {
	return &Outbound{tunnel: tunnel, dst: dst, resolved: resolved, dialer: dialer}
}

// NewChainedOutbound creates an outbound that brings up its own tunnel over a
// chained datagram carrier when processed.
func NewChainedOutbound(config Config, dst net.Destination, resolved *net.Destination, dialer *proxy.Dialer) *Outbound {
	return &Outbound{ephemeral: true, config: config, dst: dst, resolved: resolved, dialer: dialer}
}

// Name implements proxy.Outbound.
func (o *Outbound) Name() string { return "wireguard" }

// OutboundType implements proxy.Outbound. Even stream flows leave as
// addressed, encrypted datagrams towards the endpoint.
func (o *Outbound) OutboundType() proxy.OutboundType {
	return proxy.OutboundType{Kind: "wireguard", TCP: proxy.TCPOverUDP, UDP: proxy.PlainUDP}
}

// target resolves the in-tunnel destination: the stack needs a raw IP.
func (o *Outbound) target(ctx context.Context) (net.Destination, error) {
	if o.resolved != nil {
		return *o.resolved, nil
	}
	return o.dialer.Resolve(ctx, o.dst)
}

func (o *Outbound) tunnelFor(ctx context.Context, udpOut *pipe.PacketLink) (*Tunnel, bool, error) {
	if udpOut == nil {
		if o.tunnel == nil {
			return nil, false, errors.New("wireguard outbound has no tunnel")
		}
		return o.tunnel, false, nil
	}
	t, err := NewTunnel(ctx, o.config, pipe.NewPacketLinkConn(udpOut), o.dialer)
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

func (o *Outbound) runTCP(ctx context.Context, inbound *pipe.Link, udpOut *pipe.PacketLink, abort *signal.AbortHandle) error {
	t, ephemeral, err := o.tunnelFor(ctx, udpOut)
	if err != nil {
		abort.Cancel()
		return err
	}
	target, err := o.target(ctx)
	if err != nil {
		abort.Cancel()
		return err
	}
	target.Network = net.Network_TCP

	for attempt := 0; ; attempt++ {
		err = t.stack.OpenTCP(ctx, t.allocPort(), target, inbound, abort)
		if err != stack.ErrAddrInUse || attempt >= 8 {
			break
		}
	}
	if err != nil {
		abort.Cancel()
		if ephemeral {
			t.Close()
		}
		return err
	}

	<-abort.Done()
	if ephemeral {
		t.Close()
	}
	return nil
}

// ProcessTCP implements proxy.Outbound.
func (o *Outbound) ProcessTCP(ctx context.Context, inbound *pipe.Link, abort *signal.AbortHandle) error {
	return o.runTCP(ctx, inbound, nil, abort)
}

// ProcessTCPWithOutbound implements proxy.Outbound.
func (o *Outbound) ProcessTCPWithOutbound(ctx context.Context, inbound *pipe.Link, tcpOut *pipe.Link, udpOut *pipe.PacketLink, abort *signal.AbortHandle) error {
	if tcpOut != nil {
		return proxy.ErrNotChainable
	}
	return o.runTCP(ctx, inbound, udpOut, abort)
}

// runUDP opens an in-tunnel UDP socket pinned to the flow's destination and
// adapts the addressed connector onto it.
func (o *Outbound) runUDP(ctx context.Context, inbound *pipe.PacketLink, udpOut *pipe.PacketLink, abort *signal.AbortHandle) error {
	t, ephemeral, err := o.tunnelFor(ctx, udpOut)
	if err != nil {
		abort.Cancel()
		return err
	}
	target, err := o.target(ctx)
	if err != nil {
		abort.Cancel()
		return err
	}
	target.Network = net.Network_UDP

	// the stack socket is destination-pinned; strip per-packet addresses
	plain, peer := pipe.New(abort)
	go func() {
		for {
			pkt, err := inbound.Recv()
			if err != nil {
				plain.Close()
				return
			}
			if err := plain.Send(pkt.Payload); err != nil {
				pkt.Payload.Release()
				return
			}
		}
	}()
	go func() {
		for {
			b, err := plain.Recv()
			if err != nil {
				inbound.Close()
				return
			}
			if err := inbound.Send(pipe.Packet{Payload: b, Target: target}); err != nil {
				b.Release()
				return
			}
		}
	}()

	for attempt := 0; ; attempt++ {
		err = t.stack.OpenUDP(t.allocPort(), target, peer, abort)
		if err != stack.ErrAddrInUse || attempt >= 8 {
			break
		}
	}
	if err != nil {
		abort.Cancel()
		if ephemeral {
			t.Close()
		}
		return err
	}

	<-abort.Done()
	if ephemeral {
		t.Close()
	}
	return nil
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

// DialSocket opens the host UDP socket for a terminal tunnel.
func DialSocket(ctx context.Context, dialer *proxy.Dialer) (net.PacketConn, error) {
	return dialer.ListenUDP(ctx)
}
