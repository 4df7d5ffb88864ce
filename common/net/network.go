// Package net re-exports a subset of Golang's net package and adds network,
// address, port and destination types.
package net // import "github.com/boltconn/boltconn/common/net"

// Network represents a communication network on the transport layer.
type Network int32

const (
	Network_Unknown Network = iota
	Network_TCP
	Network_UDP
	Network_UNIX
)

// SystemString returns the name used by Golang's net package.
func (n Network) SystemString() string {
	switch n {
	case Network_TCP:
		return "tcp"
	case Network_UDP:
		return "udp"
	case Network_UNIX:
		return "unix"
	default:
		return "unknown"
	}
}

func (n Network) String() string {
	return n.SystemString()
}

// HasNetwork returns true if the given network is in v NetworkList.
func HasNetwork(list []Network, network Network) bool {
	for _, value := range list {
		if value == network {
			return true
		}
	}
	return false
}
