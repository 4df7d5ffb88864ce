package tun

import (
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// ipv4Flow is the transport 4-tuple of one parsed frame.
type ipv4Flow struct {
	protocol uint8
	src      netip.AddrPort
	dst      netip.AddrPort
}

// parseIPv4 extracts the flow tuple of a TCP/UDP IPv4 frame. Non-IPv4 and
// non-TCP/UDP frames yield ok=false; the frame loop drops them.
func parseIPv4(frame []byte) (ipv4Flow, bool) {
	if len(frame) < header.IPv4MinimumSize || header.IPVersion(frame) != header.IPv4Version {
		return ipv4Flow{}, false
	}
	ip := header.IPv4(frame)
	if !ip.IsValid(len(frame)) {
		return ipv4Flow{}, false
	}
	ipSrc := ip.SourceAddress()
	ipDst := ip.DestinationAddress()
	srcAddr, _ := netip.AddrFromSlice(ipSrc.AsSlice())
	dstAddr, _ := netip.AddrFromSlice(ipDst.AsSlice())

	switch ip.TransportProtocol() {
	case header.TCPProtocolNumber:
		tcp := header.TCP(ip.Payload())
		if len(ip.Payload()) < header.TCPMinimumSize {
			return ipv4Flow{}, false
		}
		return ipv4Flow{
			protocol: uint8(header.TCPProtocolNumber),
			src:      netip.AddrPortFrom(srcAddr, tcp.SourcePort()),
			dst:      netip.AddrPortFrom(dstAddr, tcp.DestinationPort()),
		}, true
	case header.UDPProtocolNumber:
		udp := header.UDP(ip.Payload())
		if len(ip.Payload()) < header.UDPMinimumSize {
			return ipv4Flow{}, false
		}
		return ipv4Flow{
			protocol: uint8(header.UDPProtocolNumber),
			src:      netip.AddrPortFrom(srcAddr, udp.SourcePort()),
			dst:      netip.AddrPortFrom(dstAddr, udp.DestinationPort()),
		}, true
	}
	return ipv4Flow{}, false
}

// udpPayload returns the UDP payload bytes of a parsed frame.
func udpPayload(frame []byte) []byte {
	ip := header.IPv4(frame)
	return header.UDP(ip.Payload()).Payload()
}

// rewriteTCPv4 replaces both endpoints of a TCP frame in place and fixes the
// IP and TCP checksums.
func rewriteTCPv4(frame []byte, newSrc, newDst netip.AddrPort) {
	ip := header.IPv4(frame)
	tcp := header.TCP(ip.Payload())

	ip.SetSourceAddress(tcpip.AddrFromSlice(newSrc.Addr().AsSlice()))
	ip.SetDestinationAddress(tcpip.AddrFromSlice(newDst.Addr().AsSlice()))
	tcp.SetSourcePort(newSrc.Port())
	tcp.SetDestinationPort(newDst.Port())

	ip.SetChecksum(0)
	ip.SetChecksum(^ip.CalculateChecksum())

	tcp.SetChecksum(0)
	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber,
		ip.SourceAddress(), ip.DestinationAddress(), uint16(len(ip.Payload())))
	tcp.SetChecksum(^checksum.Checksum(ip.Payload(), xsum))
}

// buildUDPv4 assembles a complete IPv4/UDP frame.
func buildUDPv4(src, dst netip.AddrPort, payload []byte) []byte {
	total := header.IPv4MinimumSize + header.UDPMinimumSize + len(payload)
	frame := make([]byte, total)

	ip := header.IPv4(frame)
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(total),
		TTL:         64,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     tcpip.AddrFromSlice(src.Addr().AsSlice()),
		DstAddr:     tcpip.AddrFromSlice(dst.Addr().AsSlice()),
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	udp := header.UDP(frame[header.IPv4MinimumSize:])
	udp.Encode(&header.UDPFields{
		SrcPort: src.Port(),
		DstPort: dst.Port(),
		Length:  uint16(header.UDPMinimumSize + len(payload)),
	})
	copy(udp.Payload(), payload)

	xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber,
		ip.SourceAddress(), ip.DestinationAddress(), udp.Length())
	udp.SetChecksum(^checksum.Checksum(frame[header.IPv4MinimumSize:], xsum))
	return frame
}
