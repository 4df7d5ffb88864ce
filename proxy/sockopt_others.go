//go:build !linux

package proxy

import "syscall"

// bindToInterface is a no-op where SO_BINDTODEVICE is unavailable.
func bindToInterface(string) func(network, address string, c syscall.RawConn) error {
	return nil
}
