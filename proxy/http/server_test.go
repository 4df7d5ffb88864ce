package http

import (
	"bufio"
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/boltconn/boltconn/app/dispatch"
	"github.com/boltconn/boltconn/app/nat"
	"github.com/boltconn/boltconn/common"
	"github.com/boltconn/boltconn/common/net"
	"github.com/boltconn/boltconn/proxy"
)

type submitRecord struct {
	dst  net.Destination
	conn net.Conn
}

type fakeDispatcher struct {
	submitted chan submitRecord
}

func (f *fakeDispatcher) SubmitTCP(_ context.Context, _ dispatch.InboundInfo, _, dst net.Destination, _ *nat.Indicator, conn net.Conn) error {
	f.submitted <- submitRecord{dst: dst, conn: conn}
	return nil
}

// loopbackPair dials a throwaway loopback listener and returns both ends.
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

func TestConnectAccepted(t *testing.T) {
	fd := &fakeDispatcher{submitted: make(chan submitRecord, 1)}
	server := NewServer("test", net.TCPDestination(net.LocalHostIP, 0), nil, fd)

	client, serverConn := loopbackPair(t)
	go server.serveConnection(context.Background(), serverConn)

	_, err := client.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"))
	common.Must(err)

	status, err := bufio.NewReader(client).ReadString('\n')
	common.Must(err)
	if !strings.Contains(status, "200 OK") {
		t.Fatal("expected 200, got ", status)
	}

	record := <-fd.submitted
	if record.dst.NetAddr() != "example.com:443" {
		t.Error("wrong destination: ", record.dst.NetAddr())
	}
}

func TestNonConnectRefused(t *testing.T) {
	fd := &fakeDispatcher{submitted: make(chan submitRecord, 1)}
	server := NewServer("test", net.TCPDestination(net.LocalHostIP, 0), nil, fd)

	client, serverConn := loopbackPair(t)
	errs := make(chan error, 1)
	go func() { errs <- server.serveConnection(context.Background(), serverConn) }()

	_, err := client.Write([]byte("GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	common.Must(err)

	status, err := bufio.NewReader(client).ReadString('\n')
	common.Must(err)
	if !strings.Contains(status, "403 Forbidden") {
		t.Fatal("expected 403, got ", status)
	}
	if err := <-errs; err != proxy.ErrUnsupportedMethod {
		t.Error("expected ErrUnsupportedMethod, got ", err)
	}
}

func TestAuthRequired(t *testing.T) {
	auth := &proxy.Auth{Username: "user", Password: "secret"}
	fd := &fakeDispatcher{submitted: make(chan submitRecord, 1)}
	server := NewServer("test", net.TCPDestination(net.LocalHostIP, 0), auth, fd)

	// missing credential
	client, serverConn := loopbackPair(t)
	go server.serveConnection(context.Background(), serverConn)
	common.Must2(client.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\n\r\n")))
	status, err := bufio.NewReader(client).ReadString('\n')
	common.Must(err)
	if !strings.Contains(status, "403") {
		t.Fatal("unauthenticated CONNECT accepted: ", status)
	}

	// valid credential
	client2, serverConn2 := loopbackPair(t)
	go server.serveConnection(context.Background(), serverConn2)
	credential := base64.StdEncoding.EncodeToString([]byte("user:secret"))
	common.Must2(client2.Write([]byte(
		"CONNECT example.com:443 HTTP/1.1\r\nProxy-Authorization: Basic " + credential + "\r\n\r\n")))
	status2, err := bufio.NewReader(client2).ReadString('\n')
	common.Must(err)
	if !strings.Contains(status2, "200 OK") {
		t.Error("authenticated CONNECT refused: ", status2)
	}
}

func TestOversizedHeaderRejected(t *testing.T) {
	fd := &fakeDispatcher{submitted: make(chan submitRecord, 1)}
	server := NewServer("test", net.TCPDestination(net.LocalHostIP, 0), nil, fd)

	client, serverConn := loopbackPair(t)
	errs := make(chan error, 1)
	go func() { errs <- server.serveConnection(context.Background(), serverConn) }()

	long := "CONNECT example.com:443 HTTP/1.1\r\nX-Pad: " + strings.Repeat("a", maxHeaderSize) + "\r\n\r\n"
	client.Write([]byte(long))
	if err := <-errs; err != proxy.ErrMessageTooLong {
		t.Error("expected ErrMessageTooLong, got ", err)
	}
}
