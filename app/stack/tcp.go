package stack

import (
	"context"
	"io"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"

	"github.com/boltconn/boltconn/common/buf"
	"github.com/boltconn/boltconn/common/errors"
	"github.com/boltconn/boltconn/common/net"
	"github.com/boltconn/boltconn/common/signal"
	"github.com/boltconn/boltconn/transport/pipe"
)

type tcpTask struct {
	conn  *gonet.TCPConn
	link  *pipe.Link
	abort *signal.AbortHandle
	done  atomic.Bool
	pumps atomic.Int32
}

func (t *tcpTask) finishPump() {
	if t.pumps.Add(1) == 2 {
		t.done.Store(true)
	}
}

// uplink moves application bytes into the socket. gonet sockets loop over
// short sends internally, so no byte of a buffer is ever dropped.
func (t *tcpTask) uplink() {
	defer t.finishPump()
	for {
		b, err := t.link.Recv()
		if err != nil {
			if err == io.EOF {
				t.conn.CloseWrite()
			} else {
				t.conn.Close()
			}
			return
		}
		_, werr := t.conn.Write(b.Bytes())
		b.Release()
		if werr != nil {
			t.abort.Cancel()
			return
		}
	}
}

// downlink moves socket bytes to the application. The bounded connector is the
// backpressure gate: Send blocks while the consumer is behind.
func (t *tcpTask) downlink() {
	defer t.finishPump()
	for {
		b := buf.New()
		if _, err := b.ReadFrom(t.conn); err != nil || b.IsEmpty() {
			b.Release()
			t.link.Close()
			return
		}
		if err := t.link.Send(b); err != nil {
			b.Release()
			t.conn.Close()
			return
		}
	}
}

// OpenTCP dials remote from the stack's address at localPort and bridges the
// socket to link. Fails with ErrAddrInUse when the port already carries a
// connection.
func (s *Stack) OpenTCP(ctx context.Context, localPort uint16, remote net.Destination, link *pipe.Link, abort *signal.AbortHandle) error {
	remoteAddr, remotePort, err := remoteAddrPort(remote)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, occupied := s.tcpConn[localPort]; occupied {
		s.mu.Unlock()
		return ErrAddrInUse
	}
	// reserve while dialing
	s.tcpConn[localPort] = nil
	s.mu.Unlock()

	local, _ := s.fullAddr(s.localAddr, localPort)
	remoteFull, protoNumber := s.fullAddr(remoteAddr, remotePort)
	conn, err := gonet.DialTCPWithBind(ctx, s.stack, local, remoteFull, protoNumber)
	if err != nil {
		s.mu.Lock()
		delete(s.tcpConn, localPort)
		s.mu.Unlock()
		return errors.New("userspace dial to ", remote).Base(err)
	}

	t := &tcpTask{conn: conn, link: link, abort: abort}
	s.mu.Lock()
	s.tcpConn[localPort] = t
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

// PurgeClosedTCP removes finished connections and cancels their flows.
func (s *Stack) PurgeClosedTCP() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for port, t := range s.tcpConn {
		if t != nil && t.done.Load() {
			delete(s.tcpConn, port)
			go t.abort.Cancel()
		}
	}
}
