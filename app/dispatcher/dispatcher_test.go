package dispatcher_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/boltconn/boltconn/app/dispatch"
	. "github.com/boltconn/boltconn/app/dispatcher"
	"github.com/boltconn/boltconn/app/nat"
	"github.com/boltconn/boltconn/common"
	"github.com/boltconn/boltconn/common/net"
)

type staticResolver map[string]net.IP

func (r staticResolver) GenuineLookup(_ context.Context, domain string) (net.IP, error) {
	if ip, ok := r[domain]; ok {
		return ip, nil
	}
	return nil, io.EOF
}

// echoServer runs a loopback TCP echo and returns its destination.
func echoServer(t *testing.T) net.Destination {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	common.Must(err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				io.Copy(conn, conn)
				conn.Close()
			}()
		}
	}()
	return net.DestinationFromAddr(listener.Addr())
}

func loopbackPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	common.Must(err)
	defer listener.Close()

	done := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		common.Must(err)
		done <- conn
	}()
	client, err = net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
	common.Must(err)
	return client, <-done
}

func newDispatcher(t *testing.T, rules []dispatch.RuleLine) *Dispatcher {
	t.Helper()
	d := New(staticResolver{}, false)
	common.Must(d.Reload(&dispatch.Config{Rules: rules}, nil))
	return d
}

func TestDirectTCPEndToEnd(t *testing.T) {
	echo := echoServer(t)
	d := newDispatcher(t, []dispatch.RuleLine{
		{Literal: "IP-CIDR, 127.0.0.0/8, DIRECT"},
		{Literal: "REJECT"},
	})

	client, serverSide := loopbackPair(t)
	indicator := nat.NewIndicator()
	src := net.TCPDestination(net.LocalHostIP, 50001)

	common.Must(d.SubmitTCP(context.Background(), dispatch.InboundInfo{Kind: dispatch.InboundTun},
		src, echo, indicator, serverSide))

	common.Must2(client.Write([]byte("round trip")))
	reply := make([]byte, 32)
	n, err := client.Read(reply)
	common.Must(err)
	if string(reply[:n]) != "round trip" {
		t.Error("echo mismatch: ", string(reply[:n]))
	}
}

func TestRejectedFlowCloses(t *testing.T) {
	d := newDispatcher(t, []dispatch.RuleLine{{Literal: "REJECT"}})

	client, serverSide := loopbackPair(t)
	indicator := nat.NewIndicator()
	src := net.TCPDestination(net.LocalHostIP, 50002)
	dst := net.TCPDestination(net.IPAddress([]byte{10, 1, 2, 3}), 80)

	common.Must(d.SubmitTCP(context.Background(), dispatch.InboundInfo{Kind: dispatch.InboundTun},
		src, dst, indicator, serverSide))

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Error("rejected flow delivered data")
	}
}

func TestIndicatorReleasedOnTeardown(t *testing.T) {
	echo := echoServer(t)
	d := newDispatcher(t, []dispatch.RuleLine{{Literal: "DIRECT"}})

	client, serverSide := loopbackPair(t)
	indicator := nat.NewIndicator()
	src := net.TCPDestination(net.LocalHostIP, 50003)

	common.Must(d.SubmitTCP(context.Background(), dispatch.InboundInfo{Kind: dispatch.InboundTun},
		src, echo, indicator, serverSide))

	client.Close()

	deadline := time.Now().Add(5 * time.Second)
	for indicator.Alive() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if indicator.Alive() {
		t.Error("indicator still alive after the flow closed, value ", indicator.Value())
	}
}

func TestReloadKeepsPreviousOnError(t *testing.T) {
	d := newDispatcher(t, []dispatch.RuleLine{{Literal: "DIRECT"}})
	before := d.Dispatching()

	err := d.Reload(&dispatch.Config{
		Rules: []dispatch.RuleLine{{Literal: "DOMAIN, a.com, DIRECT"}}, // no fallback
	}, nil)
	if err == nil {
		t.Fatal("bad reload accepted")
	}
	if d.Dispatching() != before {
		t.Error("failed reload replaced the active configuration")
	}
}
