package socks

import (
	"bytes"
	"testing"

	"github.com/boltconn/boltconn/common"
	"github.com/boltconn/boltconn/common/net"
)

func TestUDPPacketRoundTrip(t *testing.T) {
	cases := []net.Destination{
		net.UDPDestination(net.IPAddress([]byte{8, 8, 8, 8}), 53),
		net.UDPDestination(net.DomainAddress("dns.example.com"), 853),
		net.UDPDestination(net.IPAddress(net.LocalHostIPv6.IP()), 5353),
	}
	for _, dest := range cases {
		framed := EncodeUDPPacket(dest, []byte("payload"))
		got, payload, err := DecodeUDPPacket(framed)
		common.Must(err)
		if got.NetAddr() != dest.NetAddr() {
			t.Error("destination mangled: ", got.NetAddr(), " != ", dest.NetAddr())
		}
		if !bytes.Equal(payload, []byte("payload")) {
			t.Error("payload mangled for ", dest)
		}
	}
}

func TestFragmentedPacketRejected(t *testing.T) {
	framed := EncodeUDPPacket(net.UDPDestination(net.IPAddress([]byte{1, 1, 1, 1}), 53), []byte("x"))
	framed[2] = 1
	if _, _, err := DecodeUDPPacket(framed); err == nil {
		t.Error("fragmented datagram must be rejected")
	}
}

func TestAddrCodec(t *testing.T) {
	for _, dest := range []net.Destination{
		net.TCPDestination(net.IPAddress([]byte{192, 168, 1, 1}), 8080),
		net.TCPDestination(net.DomainAddress("example.com"), 443),
	} {
		encoded := appendAddr(nil, dest)
		decoded, err := readAddr(bytes.NewReader(encoded), net.Network_TCP)
		common.Must(err)
		if decoded.NetAddr() != dest.NetAddr() {
			t.Error("addr codec mismatch: ", decoded.NetAddr())
		}
	}
}
