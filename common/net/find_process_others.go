//go:build !linux

package net

import (
	"github.com/boltconn/boltconn/common/errors"
)

// FindProcess resolves the process owning the socket bound to dest on this host.
func FindProcess(dest Destination) (*Process, error) {
	return nil, errors.New("process lookup is not supported on this platform")
}
