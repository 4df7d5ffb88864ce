package proxy

import (
	"context"
	"io"

	"github.com/boltconn/boltconn/common/buf"
	"github.com/boltconn/boltconn/common/net"
	"github.com/boltconn/boltconn/common/signal"
	"github.com/boltconn/boltconn/transport/pipe"
)

// RelayTCP pumps bytes between a flow connector and an established upstream
// socket until either side finishes. Both directions keep FIFO order; the
// bounded connector throttles a fast upstream.
func RelayTCP(inbound *pipe.Link, conn net.Conn, abort *signal.AbortHandle) error {
	abort.Start()
	done := make(chan error, 2)

	go func() {
		for {
			b, err := inbound.Recv()
			if err != nil {
				if err == io.EOF {
					if cw, ok := conn.(interface{ CloseWrite() error }); ok {
						cw.CloseWrite()
					}
					done <- nil
				} else {
					done <- err
				}
				return
			}
			_, werr := conn.Write(b.Bytes())
			b.Release()
			if werr != nil {
				done <- werr
				return
			}
		}
	}()

	go func() {
		for {
			b := buf.New()
			if _, err := b.ReadFrom(conn); err != nil || b.IsEmpty() {
				b.Release()
				inbound.Close()
				if err == io.EOF || err == nil {
					done <- nil
				} else {
					done <- err
				}
				return
			}
			if err := inbound.Send(b); err != nil {
				b.Release()
				done <- err
				return
			}
		}
	}()

	var first error
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil && first == nil {
			first = err
			conn.Close()
			abort.Cancel()
		}
	}
	conn.Close()
	if first == pipe.ErrCancelled {
		return nil
	}
	return first
}

// UpstreamTCP yields the stream a non-terminal hop writes to: the chained
// carrier when present, a freshly dialed socket otherwise.
func UpstreamTCP(ctx context.Context, dialer *Dialer, server net.Destination, tcpOut *pipe.Link) (net.Conn, error) {
	if tcpOut != nil {
		return pipe.NewLinkConn(tcpOut), nil
	}
	return dialer.DialTCP(ctx, server)
}

// UpstreamUDP yields the packet carrier a hop writes datagrams to.
func UpstreamUDP(ctx context.Context, dialer *Dialer, udpOut *pipe.PacketLink) (net.PacketConn, error) {
	if udpOut != nil {
		return pipe.NewPacketLinkConn(udpOut), nil
	}
	return dialer.ListenUDP(ctx)
}

// RelayUDP pumps datagrams between a flow connector and an upstream packet
// socket. sendTo rewrites a packet's logical target into the wire address the
// socket expects (the proxy server, or the target itself for direct flows);
// recvFrom does the inverse for replies.
func RelayUDP(inbound *pipe.PacketLink, conn net.PacketConn, abort *signal.AbortHandle,
	sendTo func(pipe.Packet) (net.Addr, []byte, error),
	recvFrom func(from net.Addr, payload []byte) (pipe.Packet, bool),
) error {
	abort.Start()
	done := make(chan error, 2)

	go func() {
		for {
			pkt, err := inbound.Recv()
			if err != nil {
				done <- nil
				return
			}
			addr, payload, err := sendTo(pkt)
			pkt.Payload.Release()
			if err != nil {
				continue // malformed packets are dropped, not fatal
			}
			if _, err := conn.WriteTo(payload, addr); err != nil {
				done <- err
				return
			}
		}
	}()

	go func() {
		raw := make([]byte, buf.Size)
		for {
			n, from, err := conn.ReadFrom(raw)
			if err != nil {
				inbound.Close()
				done <- nil
				return
			}
			pkt, ok := recvFrom(from, raw[:n])
			if !ok {
				continue
			}
			if err := inbound.Send(pkt); err != nil {
				pkt.Payload.Release()
				done <- err
				return
			}
		}
	}()

	var first error
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil && first == nil {
			first = err
			conn.Close()
			abort.Cancel()
		}
	}
	conn.Close()
	if first == pipe.ErrCancelled {
		return nil
	}
	return first
}
