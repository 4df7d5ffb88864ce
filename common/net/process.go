package net

import (
	"net"

	"github.com/boltconn/boltconn/common/errors"
)

// Process identifies the local process that originated a flow.
type Process struct {
	PID  int
	Name string
	Path string
}

// ErrNotLocal is returned by FindProcess when the queried address does not
// belong to this host, so no process can own it.
var ErrNotLocal = errors.New("address is not local")

// IsLocal reports whether ip is assigned to one of the host's interfaces.
func IsLocal(ip net.IP) (bool, error) {
	if ip.IsLoopback() || ip.IsUnspecified() {
		return true, nil
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false, err
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.Equal(ip) {
			return true, nil
		}
	}
	return false, nil
}
