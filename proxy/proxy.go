// Package proxy defines the uniform outbound contract every transport
// implements, and the chain executor that composes them.
package proxy // import "github.com/boltconn/boltconn/proxy"

import (
	"context"

	"github.com/boltconn/boltconn/common/errors"
	"github.com/boltconn/boltconn/common/signal"
	"github.com/boltconn/boltconn/transport/pipe"
)

// TCPTransferType describes how a transport carries a stream towards its next
// hop.
type TCPTransferType int

const (
	PlainTCP TCPTransferType = iota
	// TCPOverUDP means the transport emits addressed datagrams upstream even
	// for stream flows (e.g. WireGuard's encrypted packets).
	TCPOverUDP
)

// UDPTransferType describes how a transport carries datagrams.
type UDPTransferType int

const (
	PlainUDP UDPTransferType = iota
	// UDPOverTCP means datagrams are framed onto a stream towards the next hop.
	UDPOverTCP
	UDPNotSupported
)

// OutboundType is the transport descriptor used by the chain executor to pick
// the carrier between hops.
type OutboundType struct {
	Kind string
	TCP  TCPTransferType
	UDP  UDPTransferType
}

// Outbound is the uniform contract of every transport. The Process methods
// block until the flow finishes; callers run them on their own goroutines.
//
// The WithOutbound variants receive the upstream carrier explicitly: exactly
// one of tcpOut/udpOut is non-nil, matching the transport's transfer type.
// tunnelOnly marks the peer as another adapter rather than a user
// application, allowing protocol shortcuts. notFirst marks hops after the
// first in a chain.
type Outbound interface {
	Name() string
	OutboundType() OutboundType

	ProcessTCP(ctx context.Context, inbound *pipe.Link, abort *signal.AbortHandle) error
	ProcessTCPWithOutbound(ctx context.Context, inbound *pipe.Link, tcpOut *pipe.Link, udpOut *pipe.PacketLink, abort *signal.AbortHandle) error

	ProcessUDP(ctx context.Context, inbound *pipe.PacketLink, abort *signal.AbortHandle, tunnelOnly bool) error
	ProcessUDPWithOutbound(ctx context.Context, inbound *pipe.PacketLink, tcpOut *pipe.Link, udpOut *pipe.PacketLink, abort *signal.AbortHandle, notFirst bool) error
}

// ErrNotChainable is returned by transports that cannot run as a non-terminal
// hop for the requested carrier.
var ErrNotChainable = errors.New("transport cannot be chained this way")

// Auth is a username/password pair used by HTTP and SOCKS5 transports.
type Auth struct {
	Username string
	Password string
}

// Protocol failures shared by the inbound servers.
var (
	ErrBadHandshake      = errors.New("bad handshake")
	ErrAuthRejected      = errors.New("authentication rejected")
	ErrUnsupportedMethod = errors.New("unsupported method")
	ErrMessageTooLong    = errors.New("message too long")
	ErrUnexpectedEOF     = errors.New("unexpected eof")
)
