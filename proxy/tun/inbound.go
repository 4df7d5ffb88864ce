// Package tun is the TUN inbound: it captures raw IP traffic, redirects TCP
// flows through the session NAT to a local listener, relays UDP flows in
// userspace, and intercepts DNS queries with fake-IP answers.
package tun // import "github.com/boltconn/boltconn/proxy/tun"

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/boltconn/boltconn/app/dispatch"
	"github.com/boltconn/boltconn/app/dns"
	"github.com/boltconn/boltconn/app/nat"
	"github.com/boltconn/boltconn/common/buf"
	"github.com/boltconn/boltconn/common/errors"
	"github.com/boltconn/boltconn/common/net"
	"github.com/boltconn/boltconn/common/signal"
	"github.com/boltconn/boltconn/common/task"
	"github.com/boltconn/boltconn/transport/pipe"
)

// Dispatcher accepts flows extracted by inbounds.
type Dispatcher interface {
	SubmitTCP(ctx context.Context, inbound dispatch.InboundInfo, src, dst net.Destination, indicator *nat.Indicator, conn net.Conn) error
	SubmitUDP(ctx context.Context, inbound dispatch.InboundInfo, src, dst net.Destination, indicator *nat.Indicator, link *pipe.PacketLink, abort *signal.AbortHandle) error
}

// Inbound owns the TUN device and the NAT redirect plumbing.
type Inbound struct {
	device     *Device
	table      *nat.Table
	resolver   *dns.Resolver
	dispatcher Dispatcher

	tunAddr netip.Addr
	natPort uint16

	mu       sync.Mutex
	sessions map[netip.AddrPort]*udpSession

	udpTimeout time.Duration
	sweepTask  *task.Periodic
}

type udpSession struct {
	link       *pipe.PacketLink
	abort      *signal.AbortHandle
	dst        netip.AddrPort
	lastActive time.Time
}

// NewInbound creates the TUN inbound. natPort is the local port the TCP
// listener binds on tunAddr.
func NewInbound(device *Device, table *nat.Table, resolver *dns.Resolver, dispatcher Dispatcher, tunAddr netip.Addr, natPort uint16, udpTimeout time.Duration) *Inbound {
	if udpTimeout == 0 {
		udpTimeout = nat.DefaultUDPTimeout
	}
	in := &Inbound{
		device:     device,
		table:      table,
		resolver:   resolver,
		dispatcher: dispatcher,
		tunAddr:    tunAddr,
		natPort:    natPort,
		sessions:   make(map[netip.AddrPort]*udpSession),
		udpTimeout: udpTimeout,
	}
	in.sweepTask = &task.Periodic{
		Interval: 30 * time.Second,
		Execute: func() error {
			in.sweepSessions()
			return nil
		},
	}
	return in
}

// Run drives the TCP listener and the frame loop until ctx is done.
func (in *Inbound) Run(ctx context.Context) error {
	if err := in.sweepTask.Start(); err != nil {
		return err
	}
	defer in.sweepTask.Close()

	listener, err := net.Listen("tcp", netip.AddrPortFrom(in.tunAddr, in.natPort).String())
	if err != nil {
		return errors.New("nat listener bind").Base(err)
	}
	defer listener.Close()
	errors.LogInfo(ctx, "[NAT] listen TCP at ", listener.Addr(), ", running...")

	go func() {
		<-ctx.Done()
		listener.Close()
		in.device.Close()
	}()

	go in.acceptLoop(ctx, listener)
	return in.frameLoop(ctx)
}

// acceptLoop recovers redirected flows: the accept source port is the NAT
// token.
func (in *Inbound) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		port := net.Port(conn.RemoteAddr().(*net.TCPAddr).Port)
		src, dst, indicator, ok := in.table.LookupTCP(port)
		if !ok {
			errors.LogWarning(ctx, "unexpected: no record found by port ", port)
			conn.Close()
			continue
		}
		target := in.reverseMap(dst)
		if err := in.dispatcher.SubmitTCP(ctx, dispatch.InboundInfo{Kind: dispatch.InboundTun}, src, target, indicator, conn); err != nil {
			errors.LogInfoInner(ctx, err, "tun submit ", target)
			for indicator.Release() {
			}
			conn.Close()
		}
	}
}

// reverseMap turns a fake-IP destination back into its domain identity.
func (in *Inbound) reverseMap(dst net.Destination) net.Destination {
	if domain := in.resolver.DomainFromFakeIP(dst.Address); domain != "" {
		return net.Destination{
			Network: dst.Network,
			Address: net.DomainAddress(domain),
			Port:    dst.Port,
		}
	}
	return dst
}

func (in *Inbound) frameLoop(ctx context.Context) error {
	raw := make([]byte, in.device.MTU())
	for {
		n, err := in.device.Read(raw)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.New("tun read").Base(err)
		}
		frame := raw[:n]
		flow, ok := parseIPv4(frame)
		if !ok {
			continue
		}
		switch flow.protocol {
		case 6:
			in.handleTCPFrame(ctx, frame, flow)
		case 17:
			in.handleUDPFrame(ctx, frame, flow)
		}
	}
}

// handleTCPFrame performs the NAT redirect at the packet level. Outgoing
// segments are re-addressed to the local listener with the allocated token as
// source port; listener replies are restored to the original tuple.
func (in *Inbound) handleTCPFrame(ctx context.Context, frame []byte, flow ipv4Flow) {
	if flow.src.Addr() == in.tunAddr && flow.src.Port() == in.natPort {
		// reply path: restore the original tuple
		src, dst, _, ok := in.table.LookupTCP(net.Port(flow.dst.Port()))
		if !ok {
			return
		}
		origSrc, _ := netip.AddrFromSlice(src.Address.IP())
		origDst, _ := netip.AddrFromSlice(dst.Address.IP())
		rewriteTCPv4(frame,
			netip.AddrPortFrom(origDst.Unmap(), dst.Port.Value()),
			netip.AddrPortFrom(origSrc.Unmap(), src.Port.Value()))
		in.device.Write(frame)
		return
	}

	src := net.TCPDestination(net.IPAddress(flow.src.Addr().AsSlice()), net.Port(flow.src.Port()))
	dst := net.TCPDestination(net.IPAddress(flow.dst.Addr().AsSlice()), net.Port(flow.dst.Port()))
	port, _, err := in.table.RegisterTCP(src, dst)
	if err != nil {
		errors.LogWarningInner(ctx, err, "tcp redirect for ", dst)
		return
	}
	rewriteTCPv4(frame,
		netip.AddrPortFrom(flow.dst.Addr(), port.Value()),
		netip.AddrPortFrom(in.tunAddr, in.natPort))
	in.device.Write(frame)
}

func (in *Inbound) handleUDPFrame(ctx context.Context, frame []byte, flow ipv4Flow) {
	payload := udpPayload(frame)

	// DNS interception: answer locally with fake IPs
	if flow.dst.Port() == 53 {
		answer, err := in.resolver.HandleQuery(ctx, payload)
		if err != nil {
			errors.LogDebugInner(ctx, err, "dns intercept")
			return
		}
		in.device.Write(buildUDPv4(flow.dst, flow.src, answer))
		return
	}

	in.mu.Lock()
	sess, found := in.sessions[flow.src]
	if found && sess.dst == flow.dst {
		sess.lastActive = time.Now()
	} else {
		var err error
		sess, err = in.openSession(ctx, flow)
		if err != nil {
			in.mu.Unlock()
			errors.LogInfoInner(ctx, err, "udp session for ", flow.dst)
			return
		}
		in.sessions[flow.src] = sess
	}
	in.mu.Unlock()

	b := buf.NewWithSize(len(payload))
	b.Write(payload)
	target := in.reverseMap(net.UDPDestination(net.IPAddress(flow.dst.Addr().AsSlice()), net.Port(flow.dst.Port())))
	if ok, _ := sess.link.TrySend(pipe.Packet{Payload: b, Target: target}); !ok {
		b.Release() // full queue: drop, UDP is lossy
	}
}

// openSession registers a NAT entry and submits a new datagram flow. Replies
// are written back as frames sourced from the original destination.
func (in *Inbound) openSession(ctx context.Context, flow ipv4Flow) (*udpSession, error) {
	src := net.UDPDestination(net.IPAddress(flow.src.Addr().AsSlice()), net.Port(flow.src.Port()))
	dst := net.UDPDestination(net.IPAddress(flow.dst.Addr().AsSlice()), net.Port(flow.dst.Port()))

	_, indicator, err := in.table.RegisterUDP(src, dst)
	if err != nil {
		return nil, err
	}

	abort := signal.NewAbortHandle()
	local, remote := pipe.NewPacket(abort)
	sess := &udpSession{
		link:       local,
		abort:      abort,
		dst:        flow.dst,
		lastActive: time.Now(),
	}

	go func() {
		for {
			pkt, err := local.Recv()
			if err != nil {
				return
			}
			var from netip.AddrPort
			if pkt.Target.Address != nil && pkt.Target.Address.Family().IsIP() {
				addr, _ := netip.AddrFromSlice(pkt.Target.Address.IP())
				from = netip.AddrPortFrom(addr.Unmap(), pkt.Target.Port.Value())
			} else {
				// domain replies surface from the session's destination
				from = flow.dst
			}
			in.device.Write(buildUDPv4(from, flow.src, pkt.Payload.Bytes()))
			pkt.Payload.Release()
		}
	}()

	target := in.reverseMap(dst)
	if err := in.dispatcher.SubmitUDP(ctx, dispatch.InboundInfo{Kind: dispatch.InboundTun}, src, target, indicator, remote, abort); err != nil {
		abort.Cancel()
		for indicator.Release() {
		}
		return nil, err
	}
	return sess, nil
}

// sweepSessions cancels idle UDP sessions; the NAT table reaps their entries.
func (in *Inbound) sweepSessions() {
	now := time.Now()
	in.mu.Lock()
	defer in.mu.Unlock()
	for key, sess := range in.sessions {
		if now.Sub(sess.lastActive) > in.udpTimeout {
			sess.abort.Cancel()
			delete(in.sessions, key)
		}
	}
}
