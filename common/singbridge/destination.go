// Package singbridge converts between this project's network model and the
// sing library's, so sing-based protocol implementations slot in unchanged.
package singbridge // import "github.com/boltconn/boltconn/common/singbridge"

import (
	M "github.com/sagernet/sing/common/metadata"

	"github.com/boltconn/boltconn/common/net"
)

// ToSocksaddr converts a Destination into a sing Socksaddr.
func ToSocksaddr(destination net.Destination) M.Socksaddr {
	var addr M.Socksaddr
	switch destination.Address.Family() {
	case net.AddressFamilyDomain:
		addr.Fqdn = destination.Address.Domain()
	default:
		addr.Addr = M.AddrFromIP(destination.Address.IP())
	}
	addr.Port = uint16(destination.Port)
	return addr
}

// ToDestination converts a sing Socksaddr into a Destination.
func ToDestination(socksaddr M.Socksaddr, network net.Network) net.Destination {
	if socksaddr.IsFqdn() {
		return net.Destination{
			Network: network,
			Address: net.DomainAddress(socksaddr.Fqdn),
			Port:    net.Port(socksaddr.Port),
		}
	}
	if socksaddr.IsIP() {
		return net.Destination{
			Network: network,
			Address: net.IPAddress(socksaddr.Addr.AsSlice()),
			Port:    net.Port(socksaddr.Port),
		}
	}
	return net.Destination{}
}
