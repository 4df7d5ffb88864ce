package stack

import (
	"context"
	"io"
	"net/netip"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"

	"github.com/boltconn/boltconn/common"
	"github.com/boltconn/boltconn/common/buf"
	"github.com/boltconn/boltconn/common/net"
	"github.com/boltconn/boltconn/common/signal"
	"github.com/boltconn/boltconn/transport/pipe"
)

// crossDevices wires two virtual devices back to back, like two peers of one
// tunnel.
func crossDevices(t *testing.T, a, b *VirtualDevice) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	pump := func(from, to *VirtualDevice) {
		for {
			frame, err := from.ReadOutbound(ctx)
			if err != nil {
				return
			}
			to.InjectInbound(frame)
		}
	}
	go pump(a, b)
	go pump(b, a)
	return cancel
}

func newPair(t *testing.T) (*Stack, *Stack, context.CancelFunc) {
	t.Helper()
	devA := NewVirtualDevice(0)
	devB := NewVirtualDevice(0)
	stop := crossDevices(t, devA, devB)

	sA, err := New(devA, netip.MustParseAddr("10.99.0.1"), time.Minute)
	common.Must(err)
	sB, err := New(devB, netip.MustParseAddr("10.99.0.2"), time.Minute)
	common.Must(err)
	common.Must(sA.Start())
	common.Must(sB.Start())

	cancel := func() {
		stop()
		sA.Close()
		sB.Close()
	}
	return sA, sB, cancel
}

func TestOpenTCPRoundTrip(t *testing.T) {
	sA, sB, cancel := newPair(t)
	defer cancel()

	listenAddr, proto := sB.fullAddr(sB.LocalAddr(), 8080)
	listener, err := gonet.ListenTCP(sB.stack, listenAddr, proto)
	common.Must(err)
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	abort := signal.NewAbortHandle()
	local, remote := pipe.New(abort)
	dest := net.TCPDestination(net.IPAddress([]byte{10, 99, 0, 2}), 8080)

	ctx, ctxCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ctxCancel()
	common.Must(sA.OpenTCP(ctx, 40000, dest, remote, abort))

	msg := buf.New()
	common.Must2(msg.WriteString("ping over userspace tcp"))
	common.Must(local.Send(msg))

	echo, err := local.Recv()
	common.Must(err)
	if echo.String() != "ping over userspace tcp" {
		t.Error("echo mismatch: ", echo.String())
	}
	echo.Release()
}

func TestOpenTCPAddrInUse(t *testing.T) {
	sA, sB, cancel := newPair(t)
	defer cancel()

	listenAddr, proto := sB.fullAddr(sB.LocalAddr(), 8081)
	listener, err := gonet.ListenTCP(sB.stack, listenAddr, proto)
	common.Must(err)
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	abort := signal.NewAbortHandle()
	_, remote := pipe.New(abort)
	dest := net.TCPDestination(net.IPAddress([]byte{10, 99, 0, 2}), 8081)

	ctx, ctxCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ctxCancel()
	common.Must(sA.OpenTCP(ctx, 41000, dest, remote, abort))

	abort2 := signal.NewAbortHandle()
	_, remote2 := pipe.New(abort2)
	if err := sA.OpenTCP(ctx, 41000, dest, remote2, abort2); err != ErrAddrInUse {
		t.Error("expected ErrAddrInUse, got ", err)
	}
}

func TestOpenUDPFiltersForeignSource(t *testing.T) {
	sA, sB, cancel := newPair(t)
	defer cancel()

	// the peer the flow is registered against
	peerAddr, proto := sB.fullAddr(sB.LocalAddr(), 5300)
	peer, err := gonet.DialUDP(sB.stack, &peerAddr, nil, proto)
	common.Must(err)
	defer peer.Close()

	// an unrelated socket on the same host
	strangerAddr, _ := sB.fullAddr(sB.LocalAddr(), 5301)
	stranger, err := gonet.DialUDP(sB.stack, &strangerAddr, nil, proto)
	common.Must(err)
	defer stranger.Close()

	abort := signal.NewAbortHandle()
	local, remote := pipe.New(abort)
	dest := net.UDPDestination(net.IPAddress([]byte{10, 99, 0, 2}), 5300)
	common.Must(sA.OpenUDP(42000, dest, remote, abort))

	target := &net.UDPAddr{IP: net.IP{10, 99, 0, 1}, Port: 42000}

	// a datagram from the stranger must be silently dropped
	common.Must2(stranger.WriteTo([]byte("spoofed"), target))

	// the peer's answer must arrive
	query := buf.New()
	common.Must2(query.WriteString("query"))
	common.Must(local.Send(query))

	readBuf := make([]byte, 1500)
	n, from, err := peer.ReadFrom(readBuf)
	common.Must(err)
	if string(readBuf[:n]) != "query" {
		t.Fatal("peer received ", string(readBuf[:n]))
	}
	common.Must2(peer.WriteTo([]byte("answer"), from))

	reply, err := local.Recv()
	common.Must(err)
	if reply.String() != "answer" {
		t.Error("expected the peer answer, got ", reply.String())
	}
	reply.Release()
}
