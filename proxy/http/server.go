package http

import (
	"bufio"
	"context"
	"encoding/base64"
	"strings"

	"github.com/boltconn/boltconn/app/dispatch"
	"github.com/boltconn/boltconn/app/nat"
	"github.com/boltconn/boltconn/common/errors"
	"github.com/boltconn/boltconn/common/net"
	"github.com/boltconn/boltconn/proxy"
)

const maxHeaderSize = 4096

// Dispatcher accepts flows extracted by inbounds.
type Dispatcher interface {
	SubmitTCP(ctx context.Context, inbound dispatch.InboundInfo, src, dst net.Destination, indicator *nat.Indicator, conn net.Conn) error
}

// Server is the plain HTTP proxy inbound. Only CONNECT is accepted.
type Server struct {
	name       string
	listenAddr net.Destination
	auth       *proxy.Auth
	dispatcher Dispatcher
}

// NewServer creates an HTTP inbound listening on listenAddr.
func NewServer(name string, listenAddr net.Destination, auth *proxy.Auth, dispatcher Dispatcher) *Server {
	return &Server{name: name, listenAddr: listenAddr, auth: auth, dispatcher: dispatcher}
}

// Run accepts connections until the listener fails.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.listenAddr.NetAddr())
	if err != nil {
		return errors.New("http inbound bind").Base(err)
	}
	defer listener.Close()
	errors.LogInfo(ctx, "[HTTP] listen proxy at ", s.listenAddr.NetAddr(), ", running...")

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.New("http inbound accept").Base(err)
		}
		go func() {
			if err := s.serveConnection(ctx, conn); err != nil {
				errors.LogInfoInner(ctx, err, "http inbound connection from ", conn.RemoteAddr())
			}
		}()
	}
}

func (s *Server) serveConnection(ctx context.Context, conn net.Conn) error {
	reader := bufio.NewReaderSize(conn, maxHeaderSize)

	var header strings.Builder
	for !strings.HasSuffix(header.String(), "\r\n\r\n") {
		line, err := reader.ReadString('\n')
		if err != nil {
			conn.Close()
			if err == bufio.ErrBufferFull {
				return proxy.ErrMessageTooLong
			}
			return proxy.ErrUnexpectedEOF
		}
		header.WriteString(line)
		if header.Len() > maxHeaderSize {
			conn.Close()
			return proxy.ErrMessageTooLong
		}
	}

	lines := strings.Split(header.String(), "\r\n")
	fields := strings.Fields(lines[0])
	if len(fields) != 3 || fields[0] != "CONNECT" || fields[2] != "HTTP/1.1" {
		s.refuse(conn)
		return proxy.ErrUnsupportedMethod
	}
	dst, err := net.ParseDestination("tcp:" + fields[1])
	if err != nil {
		s.refuse(conn)
		return errors.New("bad CONNECT target ", fields[1]).Base(proxy.ErrBadHandshake)
	}

	if s.auth != nil && !s.authorized(lines[1:]) {
		s.refuse(conn)
		return proxy.ErrAuthRejected
	}

	if _, err := conn.Write([]byte("HTTP/1.1 200 OK\r\n\r\n")); err != nil {
		conn.Close()
		return err
	}

	src := net.DestinationFromAddr(conn.RemoteAddr())
	if reader.Buffered() > 0 {
		// early data sent before our 200 must not be lost
		conn = &bufferedConn{Conn: conn, reader: reader}
	}
	inbound := dispatch.InboundInfo{Kind: dispatch.InboundHTTP, Name: s.name}
	indicator := nat.NewIndicator()
	if err := s.dispatcher.SubmitTCP(ctx, inbound, src, dst, indicator, conn); err != nil {
		for indicator.Release() {
		}
		conn.Close()
		return err
	}
	return nil
}

func (s *Server) authorized(headerLines []string) bool {
	expected := s.auth.Username + ":" + s.auth.Password
	for _, line := range headerLines {
		name, value, found := strings.Cut(line, ":")
		if !found || !strings.EqualFold(strings.TrimSpace(name), "Proxy-Authorization") {
			continue
		}
		value = strings.TrimSpace(value)
		scheme, credential, found := strings.Cut(value, " ")
		if !found || !strings.EqualFold(scheme, "Basic") {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(credential)
		if err == nil && string(decoded) == expected {
			return true
		}
	}
	return false
}

func (s *Server) refuse(conn net.Conn) {
	conn.Write([]byte("HTTP/1.1 403 Forbidden\r\n\r\n"))
	conn.Close()
}

type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}
