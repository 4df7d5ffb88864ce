package stack

import (
	"sync/atomic"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"

	"github.com/boltconn/boltconn/common/buf"
	"github.com/boltconn/boltconn/common/errors"
	"github.com/boltconn/boltconn/common/net"
	"github.com/boltconn/boltconn/common/signal"
	"github.com/boltconn/boltconn/transport/pipe"
)

type udpTask struct {
	conn       *gonet.UDPConn
	link       *pipe.Link
	abort      *signal.AbortHandle
	dest       net.UDPAddr
	lastActive atomic.Int64
}

func (t *udpTask) touch() {
	t.lastActive.Store(time.Now().UnixNano())
}

func (t *udpTask) idleSince() time.Time {
	return time.Unix(0, t.lastActive.Load())
}

func (t *udpTask) uplink() {
	for {
		b, err := t.link.Recv()
		if err != nil {
			t.conn.Close()
			return
		}
		_, werr := t.conn.WriteTo(b.Bytes(), &t.dest)
		b.Release()
		if werr != nil {
			t.abort.Cancel()
			return
		}
		t.touch()
	}
}

func (t *udpTask) downlink() {
	for {
		b := buf.New()
		raw := b.Extend(buf.Size)
		n, from, err := t.conn.ReadFrom(raw)
		if err != nil {
			b.Release()
			t.link.Close()
			return
		}
		// Datagrams from anyone but the registered peer are dropped without
		// refreshing the idle timer.
		fromUDP, ok := from.(*net.UDPAddr)
		if !ok || !fromUDP.IP.Equal(t.dest.IP) || fromUDP.Port != t.dest.Port {
			b.Release()
			continue
		}
		b.Resize(0, n)
		t.touch()
		if err := t.link.Send(b); err != nil {
			b.Release()
			t.conn.Close()
			return
		}
	}
}

// OpenUDP binds localPort on the stack and bridges datagrams for the fixed
// remote endpoint through link.
func (s *Stack) OpenUDP(localPort uint16, remote net.Destination, link *pipe.Link, abort *signal.AbortHandle) error {
	remoteAddr, remotePort, err := remoteAddrPort(remote)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, occupied := s.udpConn[localPort]; occupied {
		s.mu.Unlock()
		return ErrAddrInUse
	}
	s.udpConn[localPort] = nil
	s.mu.Unlock()

	local, protoNumber := s.fullAddr(s.localAddr, localPort)
	conn, err := gonet.DialUDP(s.stack, &local, nil, protoNumber)
	if err != nil {
		s.mu.Lock()
		delete(s.udpConn, localPort)
		s.mu.Unlock()
		return errors.New("userspace bind of udp ", localPort).Base(err)
	}

	t := &udpTask{
		conn:  conn,
		link:  link,
		abort: abort,
		dest:  net.UDPAddr{IP: remoteAddr.AsSlice(), Port: int(remotePort)},
	}
	t.touch()

	s.mu.Lock()
	s.udpConn[localPort] = t
	s.mu.Unlock()

	abort.Start()
	go t.uplink()
	go t.downlink()
	go func() {
		<-abort.Done()
		conn.Close()
	}()
	return nil
}

// PurgeTimeoutUDP evicts sockets idle beyond the UDP timeout.
func (s *Stack) PurgeTimeoutUDP() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for port, t := range s.udpConn {
		if t != nil && now.Sub(t.idleSince()) > s.udpTimeout {
			delete(s.udpConn, port)
			t.conn.Close()
			go t.abort.Cancel()
		}
	}
}
