//go:build linux

package tun

import (
	"net"
	"os"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/boltconn/boltconn/common/errors"
)

// Device is an opened layer-3 TUN interface.
type Device struct {
	file *os.File
	name string
	mtu  int
}

// OpenDevice creates the named TUN interface, assigns addr (CIDR form) and
// routes captured (the fake-IP range) through it.
func OpenDevice(name, addr, captured string, mtu int) (*Device, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, errors.New("open /dev/net/tun").Base(err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, errors.New("TUNSETIFF ", name).Base(err)
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		unix.Close(fd)
		return nil, errors.New("tun link ", name).Base(err)
	}
	if err := netlink.LinkSetMTU(link, mtu); err != nil {
		unix.Close(fd)
		return nil, err
	}
	nlAddr, err := netlink.ParseAddr(addr)
	if err != nil {
		unix.Close(fd)
		return nil, errors.New("tun address ", addr).Base(err)
	}
	if err := netlink.AddrAdd(link, nlAddr); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := netlink.LinkSetUp(link); err != nil {
		unix.Close(fd)
		return nil, err
	}

	if captured != "" {
		_, dstNet, err := net.ParseCIDR(captured)
		if err != nil {
			unix.Close(fd)
			return nil, errors.New("captured range ", captured).Base(err)
		}
		route := &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Dst:       dstNet,
		}
		if err := netlink.RouteAdd(route); err != nil {
			unix.Close(fd)
			return nil, errors.New("route ", captured).Base(err)
		}
	}

	return &Device{
		file: os.NewFile(uintptr(fd), name),
		name: name,
		mtu:  mtu,
	}, nil
}

// Name returns the interface name.
func (d *Device) Name() string { return d.name }

// MTU returns the interface MTU.
func (d *Device) MTU() int { return d.mtu }

// Read reads one raw IP frame.
func (d *Device) Read(p []byte) (int, error) {
	return d.file.Read(p)
}

// Write writes one raw IP frame.
func (d *Device) Write(p []byte) (int, error) {
	return d.file.Write(p)
}

// Close closes the interface.
func (d *Device) Close() error {
	return d.file.Close()
}
