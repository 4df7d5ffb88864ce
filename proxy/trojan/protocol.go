// Package trojan is the Trojan outbound: TLS with an early hashed-password
// header, optionally transported over websocket.
package trojan // import "github.com/boltconn/boltconn/proxy/trojan"

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"

	"github.com/boltconn/boltconn/common/errors"
	"github.com/boltconn/boltconn/common/net"
)

var crlf = []byte{'\r', '\n'}

const (
	commandTCP byte = 1
	commandUDP byte = 3

	addrTypeIPv4   = 0x01
	addrTypeDomain = 0x03
	addrTypeIPv6   = 0x04
)

// hashPassword derives the wire form of the password: hex(SHA224(password)).
func hashPassword(password string) []byte {
	hash := sha256.Sum224([]byte(password))
	out := make([]byte, 56)
	hex.Encode(out, hash[:])
	return out
}

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

// requestHeader builds the one-shot trojan request: key CRLF cmd addr CRLF.
func requestHeader(password string, cmd byte, dest net.Destination) []byte {
	b := make([]byte, 0, 128)
	b = append(b, hashPassword(password)...)
	b = append(b, crlf...)
	b = append(b, cmd)
	b = appendAddr(b, dest)
	return append(b, crlf...)
}

// appendPacket frames one UDP datagram: addr len CRLF payload.
func appendPacket(b []byte, dest net.Destination, payload []byte) []byte {
	b = appendAddr(b, dest)
	b = binary.BigEndian.AppendUint16(b, uint16(len(payload)))
	b = append(b, crlf...)
	return append(b, payload...)
}

func readAddr(r io.Reader) (net.Destination, error) {
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
	return net.UDPDestination(addr, net.PortFromBytes(port[:])), nil
}

// readPacket parses one framed datagram from the stream.
func readPacket(r io.Reader) (net.Destination, []byte, error) {
	dest, err := readAddr(r)
	if err != nil {
		return net.Destination{}, nil, err
	}
	var lenAndCRLF [4]byte
	if _, err := io.ReadFull(r, lenAndCRLF[:]); err != nil {
		return net.Destination{}, nil, err
	}
	length := binary.BigEndian.Uint16(lenAndCRLF[:2])
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return net.Destination{}, nil, err
	}
	return dest, payload, nil
}
