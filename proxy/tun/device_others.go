//go:build !linux

package tun

import (
	"github.com/boltconn/boltconn/common/errors"
)

// Device is an opened layer-3 TUN interface.
type Device struct{}

// OpenDevice creates the named TUN interface.
func OpenDevice(name, addr, captured string, mtu int) (*Device, error) {
	return nil, errors.New("tun device is not supported on this platform")
}

func (d *Device) Name() string { return "" }

func (d *Device) MTU() int { return 0 }

func (d *Device) Read(p []byte) (int, error) { return 0, errors.New("unsupported") }

func (d *Device) Write(p []byte) (int, error) { return 0, errors.New("unsupported") }

func (d *Device) Close() error { return nil }
