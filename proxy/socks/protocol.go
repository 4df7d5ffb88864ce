// Package socks provides the SOCKS5 outbound client and the SOCKS5 inbound
// server (RFC 1928, RFC 1929).
package socks // import "github.com/boltconn/boltconn/proxy/socks"

import (
	"encoding/binary"
	"io"

	"github.com/boltconn/boltconn/common/errors"
	"github.com/boltconn/boltconn/common/net"
)

const (
	socks5Version = 0x05

	authMethodNone          = 0x00
	authMethodPassword      = 0x02
	authMethodNotAcceptable = 0xFF

	cmdConnect      = 0x01
	cmdUDPAssociate = 0x03

	addrTypeIPv4   = 0x01
	addrTypeDomain = 0x03
	addrTypeIPv6   = 0x04

	replySucceeded           = 0x00
	replyGeneralFailure      = 0x01
	replyCommandNotSupported = 0x07
	replyAddrTypeUnsupported = 0x08
)

// appendAddr encodes a SOCKS5 address block.
func appendAddr(b []byte, dest net.Destination) []byte {
	switch {
	case dest.Address.Family().IsIPv4():
		b = append(b, addrTypeIPv4)
		b = append(b, dest.Address.IP().To4()...)
	case dest.Address.Family().IsIPv6():
		b = append(b, addrTypeIPv6)
		b = append(b, dest.Address.IP().To16()...)
	default:
		domain := dest.Address.Domain()
		b = append(b, addrTypeDomain, byte(len(domain)))
		b = append(b, domain...)
	}
	return binary.BigEndian.AppendUint16(b, dest.Port.Value())
}

// readAddr decodes a SOCKS5 address block.
func readAddr(r io.Reader, network net.Network) (net.Destination, error) {
	var kind [1]byte
	if _, err := io.ReadFull(r, kind[:]); err != nil {
		return net.Destination{}, err
	}
	var addr net.Address
	switch kind[0] {
	case addrTypeIPv4:
		var ip [4]byte
		if _, err := io.ReadFull(r, ip[:]); err != nil {
			return net.Destination{}, err
		}
		addr = net.IPAddress(ip[:])
	case addrTypeIPv6:
		var ip [16]byte
		if _, err := io.ReadFull(r, ip[:]); err != nil {
			return net.Destination{}, err
		}
		addr = net.IPAddress(ip[:])
	case addrTypeDomain:
		var l [1]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return net.Destination{}, err
		}
		domain := make([]byte, l[0])
		if _, err := io.ReadFull(r, domain); err != nil {
			return net.Destination{}, err
		}
		addr = net.DomainAddress(string(domain))
	default:
		return net.Destination{}, errors.New("unknown address type ", kind[0])
	}
	var port [2]byte
	if _, err := io.ReadFull(r, port[:]); err != nil {
		return net.Destination{}, err
	}
	return net.Destination{
		Network: network,
		Address: addr,
		Port:    net.PortFromBytes(port[:]),
	}, nil
}

// EncodeUDPPacket prepends the SOCKS5 UDP request header to payload.
func EncodeUDPPacket(dest net.Destination, payload []byte) []byte {
	b := make([]byte, 0, 22+len(payload))
	b = append(b, 0, 0, 0) // RSV, FRAG
	b = appendAddr(b, dest)
	return append(b, payload...)
}

// DecodeUDPPacket splits a SOCKS5 UDP datagram into its target and payload.
func DecodeUDPPacket(datagram []byte) (net.Destination, []byte, error) {
	if len(datagram) < 7 {
		return net.Destination{}, nil, errors.New("udp datagram too short")
	}
	if datagram[2] != 0 {
		return net.Destination{}, nil, errors.New("udp fragmentation is not supported")
	}
	reader := &sliceReader{data: datagram[3:]}
	dest, err := readAddr(reader, net.Network_UDP)
	if err != nil {
		return net.Destination{}, nil, err
	}
	return dest, reader.rest(), nil
}

type sliceReader struct {
	data []byte
	off  int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.off:])
	r.off += n
	return n, nil
}

func (r *sliceReader) rest() []byte {
	return r.data[r.off:]
}
