package socks

import (
	"context"
	"io"
	"testing"

	"github.com/boltconn/boltconn/app/dispatch"
	"github.com/boltconn/boltconn/app/nat"
	"github.com/boltconn/boltconn/common"
	"github.com/boltconn/boltconn/common/net"
	"github.com/boltconn/boltconn/common/signal"
	"github.com/boltconn/boltconn/proxy"
	"github.com/boltconn/boltconn/transport/pipe"
)

type fakeDispatcher struct {
	tcp chan net.Destination
	udp chan net.Destination
}

func (f *fakeDispatcher) SubmitTCP(_ context.Context, _ dispatch.InboundInfo, _, dst net.Destination, _ *nat.Indicator, conn net.Conn) error {
	f.tcp <- dst
	return nil
}

func (f *fakeDispatcher) SubmitUDP(_ context.Context, _ dispatch.InboundInfo, _, dst net.Destination, _ *nat.Indicator, link *pipe.PacketLink, _ *signal.AbortHandle) error {
	f.udp <- dst
	go func() {
		// echo everything back through the association
		for {
			pkt, err := link.Recv()
			if err != nil {
				return
			}
			if link.Send(pkt) != nil {
				pkt.Payload.Release()
				return
			}
		}
	}()
	return nil
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

func TestConnectCommand(t *testing.T) {
	fd := &fakeDispatcher{tcp: make(chan net.Destination, 1), udp: make(chan net.Destination, 1)}
	server := NewServer("test", net.TCPDestination(net.LocalHostIP, 0), nil, fd)

	client, serverConn := loopbackPair(t)
	go server.serveConnection(context.Background(), serverConn)

	// method negotiation: no auth
	common.Must2(client.Write([]byte{socks5Version, 1, authMethodNone}))
	var choice [2]byte
	common.Must2(io.ReadFull(client, choice[:]))
	if choice != [2]byte{socks5Version, authMethodNone} {
		t.Fatal("unexpected method choice: ", choice)
	}

	// CONNECT example.com:443
	req := []byte{socks5Version, cmdConnect, 0x00}
	req = appendAddr(req, net.TCPDestination(net.DomainAddress("example.com"), 443))
	common.Must2(client.Write(req))

	var replyHead [3]byte
	common.Must2(io.ReadFull(client, replyHead[:]))
	if replyHead[1] != replySucceeded {
		t.Fatal("reply code ", replyHead[1])
	}
	if _, err := readAddr(client, net.Network_TCP); err != nil {
		t.Fatal("bound address: ", err)
	}

	dst := <-fd.tcp
	if dst.NetAddr() != "example.com:443" {
		t.Error("wrong destination: ", dst.NetAddr())
	}
}

func TestUDPAssociate(t *testing.T) {
	fd := &fakeDispatcher{tcp: make(chan net.Destination, 1), udp: make(chan net.Destination, 1)}
	server := NewServer("test", net.TCPDestination(net.LocalHostIP, 0), nil, fd)

	client, serverConn := loopbackPair(t)
	go server.serveConnection(context.Background(), serverConn)

	common.Must2(client.Write([]byte{socks5Version, 1, authMethodNone}))
	var choice [2]byte
	common.Must2(io.ReadFull(client, choice[:]))

	req := []byte{socks5Version, cmdUDPAssociate, 0x00}
	req = appendAddr(req, net.UDPDestination(net.AnyIP, 0))
	common.Must2(client.Write(req))

	var replyHead [3]byte
	common.Must2(io.ReadFull(client, replyHead[:]))
	if replyHead[1] != replySucceeded {
		t.Fatal("associate refused: ", replyHead[1])
	}
	relayAddr, err := readAddr(client, net.Network_UDP)
	common.Must(err)

	<-fd.udp

	// send one SOCKS-framed datagram through the relay and expect the echo
	relay, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: relayAddr.Address.IP(), Port: int(relayAddr.Port)})
	common.Must(err)
	defer relay.Close()

	target := net.UDPDestination(net.IPAddress([]byte{8, 8, 8, 8}), 53)
	common.Must2(relay.Write(EncodeUDPPacket(target, []byte("query"))))

	reply := make([]byte, 1500)
	n, err := relay.Read(reply)
	common.Must(err)
	dest, payload, err := DecodeUDPPacket(reply[:n])
	common.Must(err)
	if dest.NetAddr() != target.NetAddr() || string(payload) != "query" {
		t.Error("echo mismatch: ", dest.NetAddr(), " ", string(payload))
	}
}

func TestAuthNegotiation(t *testing.T) {
	auth := &proxy.Auth{Username: "user", Password: "secret"}
	fd := &fakeDispatcher{tcp: make(chan net.Destination, 1), udp: make(chan net.Destination, 1)}
	server := NewServer("test", net.TCPDestination(net.LocalHostIP, 0), auth, fd)

	client, serverConn := loopbackPair(t)
	go server.serveConnection(context.Background(), serverConn)

	common.Must2(client.Write([]byte{socks5Version, 1, authMethodPassword}))
	var choice [2]byte
	common.Must2(io.ReadFull(client, choice[:]))
	if choice[1] != authMethodPassword {
		t.Fatal("password method not offered")
	}

	creds := []byte{0x01, 4}
	creds = append(creds, "user"...)
	creds = append(creds, 6)
	creds = append(creds, "secret"...)
	common.Must2(client.Write(creds))

	var status [2]byte
	common.Must2(io.ReadFull(client, status[:]))
	if status[1] != 0x00 {
		t.Error("valid credentials rejected")
	}
}

func TestBadMethodRefused(t *testing.T) {
	auth := &proxy.Auth{Username: "user", Password: "secret"}
	fd := &fakeDispatcher{tcp: make(chan net.Destination, 1), udp: make(chan net.Destination, 1)}
	server := NewServer("test", net.TCPDestination(net.LocalHostIP, 0), auth, fd)

	client, serverConn := loopbackPair(t)
	errs := make(chan error, 1)
	go func() { errs <- server.serveConnection(context.Background(), serverConn) }()

	// only NoAuth offered while the server requires a password
	common.Must2(client.Write([]byte{socks5Version, 1, authMethodNone}))
	var choice [2]byte
	common.Must2(io.ReadFull(client, choice[:]))
	if choice[1] != authMethodNotAcceptable {
		t.Error("expected method rejection, got ", choice[1])
	}
}
