package stack

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	gstack "gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	"github.com/boltconn/boltconn/common/buf"
	"github.com/boltconn/boltconn/common/errors"
	"github.com/boltconn/boltconn/common/net"
	"github.com/boltconn/boltconn/common/task"
)

const (
	defaultNIC tcpip.NICID = 1

	// DefaultUDPTimeout evicts idle UDP sockets.
	DefaultUDPTimeout = 300 * time.Second

	purgeInterval = 1 * time.Second
)

// ErrAddrInUse is returned when a local port already carries a socket of the
// same kind.
var ErrAddrInUse = errors.New("local port already in use")

// Stack owns a network interface bound to a single local address and
// multiplexes TCP/UDP sockets onto flow connectors. All netstack mutation
// happens inside gvisor's own dispatch loop; callers only ever touch
// connector endpoints.
type Stack struct {
	device    *VirtualDevice
	endpoint  *channel.Endpoint
	stack     *gstack.Stack
	localAddr netip.Addr

	mu      sync.Mutex
	tcpConn map[uint16]*tcpTask
	udpConn map[uint16]*udpTask

	udpTimeout time.Duration
	purgeTask  *task.Periodic
	ctx        context.Context
	cancel     context.CancelFunc
}

// New creates a stack speaking IP through device, bound to localAddr.
func New(device *VirtualDevice, localAddr netip.Addr, udpTimeout time.Duration) (*Stack, error) {
	if udpTimeout == 0 {
		udpTimeout = DefaultUDPTimeout
	}

	opts := gstack.Options{
		NetworkProtocols:   []gstack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []gstack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
		HandleLocal:        true,
	}
	ipStack := gstack.New(opts)
	endpoint := channel.New(frameQueueLen, uint32(device.MTU()), "")

	if err := ipStack.CreateNIC(defaultNIC, endpoint); err != nil {
		return nil, errors.New(err.String())
	}

	protoNumber := tcpip.NetworkProtocolNumber(ipv4.ProtocolNumber)
	if localAddr.Is6() {
		protoNumber = ipv6.ProtocolNumber
	}
	protoAddr := tcpip.ProtocolAddress{
		Protocol:          protoNumber,
		AddressWithPrefix: tcpip.AddrFromSlice(localAddr.AsSlice()).WithPrefix(),
	}
	if err := ipStack.AddProtocolAddress(defaultNIC, protoAddr, gstack.AddressProperties{}); err != nil {
		return nil, errors.New(err.String())
	}

	ipStack.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: defaultNIC},
		{Destination: header.IPv6EmptySubnet, NIC: defaultNIC},
	})

	sackOpt := tcpip.TCPSACKEnabled(true)
	ipStack.SetTransportProtocolOption(tcp.ProtocolNumber, &sackOpt)
	// The kernel in front of the TUN already batches writes; a second Nagle
	// only adds latency.
	delayOpt := tcpip.TCPDelayEnabled(false)
	ipStack.SetTransportProtocolOption(tcp.ProtocolNumber, &delayOpt)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Stack{
		device:     device,
		endpoint:   endpoint,
		stack:      ipStack,
		localAddr:  localAddr,
		tcpConn:    make(map[uint16]*tcpTask),
		udpConn:    make(map[uint16]*udpTask),
		udpTimeout: udpTimeout,
		ctx:        ctx,
		cancel:     cancel,
	}
	s.purgeTask = &task.Periodic{
		Interval: purgeInterval,
		Execute: func() error {
			s.PurgeClosedTCP()
			s.PurgeTimeoutUDP()
			return nil
		},
	}
	return s, nil
}

// Start launches the device pumps and the socket reaper.
func (s *Stack) Start() error {
	go s.inboundLoop()
	go s.outboundLoop()
	return s.purgeTask.Start()
}

// Close tears down the stack and every socket on it.
func (s *Stack) Close() error {
	s.cancel()
	s.purgeTask.Close()
	s.endpoint.Close()
	s.stack.Close()
	return nil
}

// LocalAddr returns the stack's bound address.
func (s *Stack) LocalAddr() netip.Addr {
	return s.localAddr
}

// inboundLoop feeds raw frames from the device into the interface.
func (s *Stack) inboundLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame, ok := <-s.device.inbound:
			if !ok {
				return
			}
			data := frame.Bytes()
			if len(data) == 0 {
				frame.Release()
				continue
			}
			pkb := gstack.NewPacketBuffer(gstack.PacketBufferOptions{
				Payload: buffer.MakeWithData(append([]byte(nil), data...)),
			})
			switch header.IPVersion(data) {
			case header.IPv4Version:
				s.endpoint.InjectInbound(ipv4.ProtocolNumber, pkb)
			case header.IPv6Version:
				s.endpoint.InjectInbound(ipv6.ProtocolNumber, pkb)
			}
			pkb.DecRef()
			frame.Release()
		}
	}
}

// outboundLoop drains frames generated by the interface back to the device.
func (s *Stack) outboundLoop() {
	for {
		pkt := s.endpoint.ReadContext(s.ctx)
		if pkt.IsNil() {
			// nil packet means the context was canceled
			return
		}
		frame := buf.NewWithSize(s.device.MTU() + header.IPv6MinimumSize)
		for _, slice := range pkt.AsSlices() {
			frame.Write(slice)
		}
		pkt.DecRef()
		s.device.writeOutbound(frame)
	}
}

func (s *Stack) fullAddr(addr netip.Addr, port uint16) (tcpip.FullAddress, tcpip.NetworkProtocolNumber) {
	protoNumber := tcpip.NetworkProtocolNumber(ipv4.ProtocolNumber)
	if addr.Is6() {
		protoNumber = ipv6.ProtocolNumber
	}
	return tcpip.FullAddress{
		NIC:  defaultNIC,
		Addr: tcpip.AddrFromSlice(addr.AsSlice()),
		Port: port,
	}, protoNumber
}

func remoteAddrPort(dest net.Destination) (netip.Addr, uint16, error) {
	if dest.Address == nil || !dest.Address.Family().IsIP() {
		return netip.Addr{}, 0, errors.New("stack needs an IP destination, got ", dest)
	}
	addr, ok := netip.AddrFromSlice(dest.Address.IP())
	if !ok {
		return netip.Addr{}, 0, errors.New("bad IP in ", dest)
	}
	return addr.Unmap(), uint16(dest.Port), nil
}
