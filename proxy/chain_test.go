package proxy_test

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/boltconn/boltconn/common"
	"github.com/boltconn/boltconn/common/buf"
	"github.com/boltconn/boltconn/common/net"
	"github.com/boltconn/boltconn/common/signal"
	. "github.com/boltconn/boltconn/proxy"
	"github.com/boltconn/boltconn/transport/pipe"
)

// callRecord captures how the chain executor invoked one hop.
type callRecord struct {
	method   string
	hasTCP   bool
	hasUDP   bool
	notFirst bool
}

type recorder struct {
	mu    sync.Mutex
	calls []callRecord
}

func (r *recorder) add(c callRecord) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

// find returns the first call of the given method; registration order between
// hops is not deterministic, each hop runs on its own goroutine.
func (r *recorder) find(method string) (callRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c.method == method {
			return c, true
		}
	}
	return callRecord{}, false
}

// passthrough is a scripted stream hop: bytes relay unchanged to the next hop.
type passthrough struct {
	name string
	rec  *recorder
	udp  UDPTransferType
}

func (p *passthrough) Name() string { return p.name }

func (p *passthrough) OutboundType() OutboundType {
	return OutboundType{Kind: p.name, TCP: PlainTCP, UDP: p.udp}
}

func relayLinks(a, b *pipe.Link) {
	go func() {
		for {
			bb, err := a.Recv()
			if err != nil {
				b.Close()
				return
			}
			if b.Send(bb) != nil {
				bb.Release()
				return
			}
		}
	}()
	go func() {
		for {
			bb, err := b.Recv()
			if err != nil {
				a.Close()
				return
			}
			if a.Send(bb) != nil {
				bb.Release()
				return
			}
		}
	}()
}

func (p *passthrough) ProcessTCP(ctx context.Context, inbound *pipe.Link, abort *signal.AbortHandle) error {
	p.rec.add(callRecord{method: "tcp"})
	return nil
}

func (p *passthrough) ProcessTCPWithOutbound(ctx context.Context, inbound *pipe.Link, tcpOut *pipe.Link, udpOut *pipe.PacketLink, abort *signal.AbortHandle) error {
	p.rec.add(callRecord{method: "tcpWith", hasTCP: tcpOut != nil, hasUDP: udpOut != nil})
	if tcpOut == nil {
		return ErrNotChainable
	}
	relayLinks(inbound, tcpOut)
	<-abort.Done()
	return nil
}

func (p *passthrough) ProcessUDP(ctx context.Context, inbound *pipe.PacketLink, abort *signal.AbortHandle, tunnelOnly bool) error {
	p.rec.add(callRecord{method: "udp"})
	return nil
}

// ProcessUDPWithOutbound frames datagrams onto the stream carrier when asked
// for UDP-over-TCP.
func (p *passthrough) ProcessUDPWithOutbound(ctx context.Context, inbound *pipe.PacketLink, tcpOut *pipe.Link, udpOut *pipe.PacketLink, abort *signal.AbortHandle, notFirst bool) error {
	p.rec.add(callRecord{method: "udpWith", hasTCP: tcpOut != nil, hasUDP: udpOut != nil, notFirst: notFirst})
	if p.udp == UDPOverTCP {
		if tcpOut == nil {
			return ErrNotChainable
		}
		go func() {
			for {
				pkt, err := inbound.Recv()
				if err != nil {
					tcpOut.Close()
					return
				}
				if tcpOut.Send(pkt.Payload) != nil {
					pkt.Payload.Release()
					return
				}
			}
		}()
		<-abort.Done()
		return nil
	}
	return ErrNotChainable
}

// echoTerminal is a scripted terminal hop: stream bytes bounce back.
type echoTerminal struct {
	rec *recorder
}

func (e *echoTerminal) Name() string { return "echo" }

func (e *echoTerminal) OutboundType() OutboundType {
	return OutboundType{Kind: "echo", TCP: PlainTCP, UDP: PlainUDP}
}

func (e *echoTerminal) ProcessTCP(ctx context.Context, inbound *pipe.Link, abort *signal.AbortHandle) error {
	e.rec.add(callRecord{method: "tcp"})
	for {
		b, err := inbound.Recv()
		if err != nil {
			inbound.Close()
			return nil
		}
		if inbound.Send(b) != nil {
			b.Release()
			return nil
		}
	}
}

func (e *echoTerminal) ProcessTCPWithOutbound(ctx context.Context, inbound *pipe.Link, tcpOut *pipe.Link, udpOut *pipe.PacketLink, abort *signal.AbortHandle) error {
	return ErrNotChainable
}

func (e *echoTerminal) ProcessUDP(ctx context.Context, inbound *pipe.PacketLink, abort *signal.AbortHandle, tunnelOnly bool) error {
	e.rec.add(callRecord{method: "udp"})
	for {
		pkt, err := inbound.Recv()
		if err != nil {
			inbound.Close()
			return nil
		}
		if inbound.Send(pkt) != nil {
			pkt.Payload.Release()
			return nil
		}
	}
}

func (e *echoTerminal) ProcessUDPWithOutbound(ctx context.Context, inbound *pipe.PacketLink, tcpOut *pipe.Link, udpOut *pipe.PacketLink, abort *signal.AbortHandle, notFirst bool) error {
	return ErrNotChainable
}

// sinkTerminal collects whatever stream bytes reach the end of the chain.
type sinkTerminal struct {
	rec *recorder
	mu  sync.Mutex
	got []byte
	c   chan struct{}
}

func newSink(rec *recorder) *sinkTerminal {
	return &sinkTerminal{rec: rec, c: make(chan struct{}, 16)}
}

func (s *sinkTerminal) Name() string { return "sink" }

func (s *sinkTerminal) OutboundType() OutboundType {
	return OutboundType{Kind: "sink", TCP: PlainTCP, UDP: PlainUDP}
}

func (s *sinkTerminal) ProcessTCP(ctx context.Context, inbound *pipe.Link, abort *signal.AbortHandle) error {
	s.rec.add(callRecord{method: "tcp"})
	for {
		b, err := inbound.Recv()
		if err != nil {
			return nil
		}
		s.mu.Lock()
		s.got = append(s.got, b.Bytes()...)
		s.mu.Unlock()
		b.Release()
		s.c <- struct{}{}
	}
}

func (s *sinkTerminal) ProcessTCPWithOutbound(ctx context.Context, inbound *pipe.Link, tcpOut *pipe.Link, udpOut *pipe.PacketLink, abort *signal.AbortHandle) error {
	return ErrNotChainable
}

func (s *sinkTerminal) ProcessUDP(ctx context.Context, inbound *pipe.PacketLink, abort *signal.AbortHandle, tunnelOnly bool) error {
	return ErrNotChainable
}

func (s *sinkTerminal) ProcessUDPWithOutbound(ctx context.Context, inbound *pipe.PacketLink, tcpOut *pipe.Link, udpOut *pipe.PacketLink, abort *signal.AbortHandle, notFirst bool) error {
	return ErrNotChainable
}

func TestChainTCPTwoHops(t *testing.T) {
	rec := &recorder{}
	hop1 := &passthrough{name: "ss", rec: rec, udp: PlainUDP}
	terminal := &echoTerminal{rec: rec}
	chain := NewChain("relay", []Outbound{hop1, terminal})

	abort := signal.NewAbortHandle()
	head, inbound := pipe.New(abort)

	go chain.ProcessTCP(context.Background(), inbound, abort)

	payloads := []string{"first", "second", "third"}
	for _, p := range payloads {
		b := buf.New()
		common.Must2(b.WriteString(p))
		common.Must(head.Send(b))
	}

	var got string
	for len(got) < len("firstsecondthird") {
		b, err := head.Recv()
		if err == io.EOF {
			break
		}
		common.Must(err)
		got += b.String()
		b.Release()
	}
	if got != "firstsecondthird" {
		t.Error("order not preserved through the chain: ", got)
	}

	if c, ok := rec.find("tcpWith"); !ok || !c.hasTCP || c.hasUDP {
		t.Error("hop 1 called incorrectly: ", c)
	}
	if _, ok := rec.find("tcp"); !ok {
		t.Error("terminal hop must be called via ProcessTCP")
	}
	abort.Cancel()
}

func TestChainUDPOverTCPJump(t *testing.T) {
	rec := &recorder{}
	hop1 := &passthrough{name: "uot", rec: rec, udp: UDPOverTCP}
	terminal := newSink(rec)
	chain := NewChain("jump", []Outbound{hop1, terminal})

	abort := signal.NewAbortHandle()
	head, inbound := pipe.NewPacket(abort)

	go chain.ProcessUDP(context.Background(), inbound, abort, false)

	payload := buf.New()
	common.Must2(payload.WriteString("dns query"))
	common.Must(head.Send(pipe.Packet{
		Payload: payload,
		Target:  net.UDPDestination(net.IPAddress([]byte{8, 8, 8, 8}), 53),
	}))

	<-terminal.c
	terminal.mu.Lock()
	got := string(terminal.got)
	terminal.mu.Unlock()
	if got != "dns query" {
		t.Error("datagram did not surface as stream bytes: ", got)
	}

	// carrier invariant: after the UoT hop the terminal runs on TCP
	if c, ok := rec.find("udpWith"); !ok || !c.hasTCP || c.hasUDP || c.notFirst {
		t.Error("UoT hop called incorrectly: ", c)
	}
	if _, ok := rec.find("tcp"); !ok {
		t.Error("terminal hop should see a TCP carrier")
	}
	abort.Cancel()
}

func TestChainUDPPlainKeepsCarrier(t *testing.T) {
	rec := &recorder{}
	terminal := &echoTerminal{rec: rec}
	chain := NewChain("single", []Outbound{terminal})

	abort := signal.NewAbortHandle()
	head, inbound := pipe.NewPacket(abort)
	go chain.ProcessUDP(context.Background(), inbound, abort, false)

	payload := buf.New()
	common.Must2(payload.WriteString("ping"))
	dest := net.UDPDestination(net.IPAddress([]byte{1, 1, 1, 1}), 443)
	common.Must(head.Send(pipe.Packet{Payload: payload, Target: dest}))

	pkt, err := head.Recv()
	common.Must(err)
	if pkt.Target != dest || pkt.Payload.String() != "ping" {
		t.Error("udp echo mismatch")
	}
	pkt.Payload.Release()

	if _, ok := rec.find("udp"); !ok {
		t.Error("terminal hop must be called via ProcessUDP")
	}
	abort.Cancel()
}
