package socks

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/boltconn/boltconn/app/dispatch"
	"github.com/boltconn/boltconn/app/nat"
	"github.com/boltconn/boltconn/common/buf"
	"github.com/boltconn/boltconn/common/errors"
	"github.com/boltconn/boltconn/common/net"
	"github.com/boltconn/boltconn/common/signal"
	"github.com/boltconn/boltconn/proxy"
	"github.com/boltconn/boltconn/transport/pipe"
)

// Dispatcher accepts flows extracted by inbounds.
type Dispatcher interface {
	SubmitTCP(ctx context.Context, inbound dispatch.InboundInfo, src, dst net.Destination, indicator *nat.Indicator, conn net.Conn) error
	SubmitUDP(ctx context.Context, inbound dispatch.InboundInfo, src, dst net.Destination, indicator *nat.Indicator, link *pipe.PacketLink, abort *signal.AbortHandle) error
}

// Server is the SOCKS5 inbound. CONNECT and UDP ASSOCIATE are supported.
type Server struct {
	name       string
	listenAddr net.Destination
	auth       *proxy.Auth
	dispatcher Dispatcher
}

// NewServer creates a SOCKS5 inbound listening on listenAddr.
func NewServer(name string, listenAddr net.Destination, auth *proxy.Auth, dispatcher Dispatcher) *Server {
	return &Server{name: name, listenAddr: listenAddr, auth: auth, dispatcher: dispatcher}
}

// Run accepts connections until the listener fails.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.listenAddr.NetAddr())
	if err != nil {
		return errors.New("socks5 inbound bind").Base(err)
	}
	defer listener.Close()
	errors.LogInfo(ctx, "[Socks5] listen proxy at ", s.listenAddr.NetAddr(), ", running...")

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
			return errors.New("socks5 inbound accept").Base(err)
		}
		go func() {
			if err := s.serveConnection(ctx, conn); err != nil {
				errors.LogInfoInner(ctx, err, "socks5 inbound connection from ", conn.RemoteAddr())
			}
		}()
	}
}

func (s *Server) serveConnection(ctx context.Context, conn net.Conn) error {
	if err := s.processAuth(conn); err != nil {
		conn.Close()
		return err
	}

	var head [3]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		conn.Close()
		return proxy.ErrUnexpectedEOF
	}
	if head[0] != socks5Version {
		conn.Close()
		return errors.New("version ", head[0]).Base(proxy.ErrBadHandshake)
	}

	target, err := readAddr(conn, net.Network_TCP)
	if err != nil {
		conn.Close()
		return errors.New("target address").Base(proxy.ErrBadHandshake)
	}

	src := net.DestinationFromAddr(conn.RemoteAddr())
	inbound := dispatch.InboundInfo{Kind: dispatch.InboundSocks5, Name: s.name}

	switch head[1] {
	case cmdConnect:
		if err := s.reply(conn, replySucceeded, net.TCPDestination(net.LocalHostIP, 0)); err != nil {
			conn.Close()
			return err
		}
		indicator := nat.NewIndicator()
		if err := s.dispatcher.SubmitTCP(ctx, inbound, src, target, indicator, conn); err != nil {
			for indicator.Release() {
			}
			conn.Close()
			return err
		}
		return nil

	case cmdUDPAssociate:
		return s.serveAssociation(ctx, inbound, conn, src, target)

	default:
		s.reply(conn, replyCommandNotSupported, net.TCPDestination(net.LocalHostIP, 0))
		conn.Close()
		return proxy.ErrUnsupportedMethod
	}
}

// serveAssociation binds a loopback relay socket, reports it to the client and
// bridges SOCKS-framed datagrams into a flow connector. The TCP connection is
// kept open only to hold the association alive.
func (s *Server) serveAssociation(ctx context.Context, inbound dispatch.InboundInfo, conn net.Conn, src, target net.Destination) error {
	relay, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IP{127, 0, 0, 1}, Port: 0})
	if err != nil {
		s.reply(conn, replyGeneralFailure, net.UDPDestination(net.LocalHostIP, 0))
		conn.Close()
		return err
	}
	if err := s.reply(conn, replySucceeded, net.DestinationFromAddr(relay.LocalAddr())); err != nil {
		relay.Close()
		conn.Close()
		return err
	}

	abort := signal.NewAbortHandle()
	local, remote := pipe.NewPacket(abort)
	indicator := nat.NewIndicator()

	// dummy read loop: the association lives as long as the TCP side
	go func() {
		drain := make([]byte, 1)
		for {
			if _, err := conn.Read(drain); err != nil {
				break
			}
		}
		abort.Cancel()
		relay.Close()
		conn.Close()
	}()

	var clientAddr atomic.Pointer[net.UDPAddr]
	go func() {
		raw := make([]byte, buf.Size)
		for {
			n, from, err := relay.ReadFromUDP(raw)
			if err != nil {
				local.Close()
				return
			}
			clientAddr.Store(from)
			dest, payload, err := DecodeUDPPacket(raw[:n])
			if err != nil {
				continue
			}
			b := buf.New()
			b.Write(payload)
			if err := local.Send(pipe.Packet{Payload: b, Target: dest}); err != nil {
				b.Release()
				return
			}
		}
	}()
	go func() {
		for {
			pkt, err := local.Recv()
			if err != nil {
				return
			}
			client := clientAddr.Load()
			if client == nil {
				pkt.Payload.Release()
				continue
			}
			framed := EncodeUDPPacket(pkt.Target, pkt.Payload.Bytes())
			pkt.Payload.Release()
			if _, err := relay.WriteToUDP(framed, client); err != nil {
				return
			}
		}
	}()

	if err := s.dispatcher.SubmitUDP(ctx, inbound, src, target, indicator, remote, abort); err != nil {
		for indicator.Release() {
		}
		abort.Cancel()
		relay.Close()
		conn.Close()
		return err
	}
	return nil
}

func (s *Server) processAuth(conn net.Conn) error {
	var head [2]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return proxy.ErrUnexpectedEOF
	}
	if head[0] != socks5Version {
		return errors.New("version ", head[0]).Base(proxy.ErrBadHandshake)
	}
	methods := make([]byte, head[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return proxy.ErrUnexpectedEOF
	}

	supported := byte(authMethodNone)
	if s.auth != nil {
		supported = authMethodPassword
	}
	found := false
	for _, m := range methods {
		if m == supported {
			found = true
			break
		}
	}
	if !found {
		conn.Write([]byte{socks5Version, authMethodNotAcceptable})
		return errors.New("no acceptable method").Base(proxy.ErrUnsupportedMethod)
	}
	if _, err := conn.Write([]byte{socks5Version, supported}); err != nil {
		return err
	}

	if s.auth == nil {
		return nil
	}

	var sub [2]byte
	if _, err := io.ReadFull(conn, sub[:]); err != nil {
		return proxy.ErrUnexpectedEOF
	}
	if sub[1] == 0 {
		return errors.New("empty username").Base(proxy.ErrAuthRejected)
	}
	username := make([]byte, sub[1])
	if _, err := io.ReadFull(conn, username); err != nil {
		return proxy.ErrUnexpectedEOF
	}
	var plen [1]byte
	if _, err := io.ReadFull(conn, plen[:]); err != nil {
		return proxy.ErrUnexpectedEOF
	}
	if plen[0] == 0 {
		return errors.New("empty password").Base(proxy.ErrAuthRejected)
	}
	password := make([]byte, plen[0])
	if _, err := io.ReadFull(conn, password); err != nil {
		return proxy.ErrUnexpectedEOF
	}

	if string(username) != s.auth.Username || string(password) != s.auth.Password {
		conn.Write([]byte{0x01, authMethodNotAcceptable})
		return errors.New("credential mismatch").Base(proxy.ErrAuthRejected)
	}
	_, err := conn.Write([]byte{0x01, 0x00})
	return err
}

func (s *Server) reply(conn net.Conn, code byte, bound net.Destination) error {
	resp := []byte{socks5Version, code, 0x00}
	resp = appendAddr(resp, bound)
	_, err := conn.Write(resp)
	return err
}
