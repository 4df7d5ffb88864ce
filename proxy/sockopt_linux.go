//go:build linux

package proxy

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// bindToInterface pins sockets to the named egress interface, so proxied
// traffic cannot loop back into the TUN route.
func bindToInterface(iface string) func(network, address string, c syscall.RawConn) error {
	if iface == "" {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.BindToDevice(int(fd), iface)
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}
