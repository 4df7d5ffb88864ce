package main

import (
	"context"
	goerrors "errors"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/boltconn/boltconn/app/dispatch"
	"github.com/boltconn/boltconn/app/dispatcher"
	"github.com/boltconn/boltconn/app/dns"
	"github.com/boltconn/boltconn/app/nat"
	"github.com/boltconn/boltconn/common/errors"
	"github.com/boltconn/boltconn/common/net"
	"github.com/boltconn/boltconn/common/task"
	"github.com/boltconn/boltconn/proxy/http"
	"github.com/boltconn/boltconn/proxy/socks"
	"github.com/boltconn/boltconn/proxy/tun"
)

var (
	tunName    = flag.String("tun", "utun233", "name of the TUN interface")
	tunAddr    = flag.String("tun-addr", "198.18.0.1/16", "address assigned to the TUN interface")
	natPort    = flag.Uint("nat-port", 9961, "local port of the NAT TCP listener")
	httpPort   = flag.Uint("http-port", 0, "loopback HTTP inbound port (0 disables)")
	socksPort  = flag.Uint("socks-port", 0, "loopback SOCKS5 inbound port (0 disables)")
	nameserver = flag.String("nameserver", "1.1.1.1:53", "primary nameserver")
	mtu        = flag.Int("mtu", 1500, "TUN MTU")
	verbose    = flag.Bool("verbose", false, "log one line per dispatched flow")
)

// run wires the flow plane. The rule set itself arrives from the external
// configuration layer; without one, everything is dispatched DIRECT.
func run() error {
	if os.Geteuid() != 0 {
		return errors.New("boltconn must be run with root privilege")
	}
	flag.Parse()

	resolver, err := dns.New(&dns.Config{
		Nameservers: []string{*nameserver},
	})
	if err != nil {
		return errors.New("dns init").Base(err)
	}

	disp := dispatcher.New(resolver, *verbose)
	if err := disp.Reload(&dispatch.Config{
		Rules: []dispatch.RuleLine{{Literal: "DIRECT"}},
	}, nil); err != nil {
		return err
	}

	table := nat.New(0, 0)
	if err := table.Start(); err != nil {
		return err
	}
	defer table.Close()

	prefix, err := netip.ParsePrefix(*tunAddr)
	if err != nil {
		return errors.New("bad tun address").Base(err)
	}

	device, err := tun.OpenDevice(*tunName, *tunAddr, prefix.Masked().String(), *mtu)
	if err != nil {
		return errors.New("tun open").Base(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tunInbound := tun.NewInbound(device, table, resolver, disp, prefix.Addr(), uint16(*natPort), 0)

	tasks := []func() error{
		func() error { return tunInbound.Run(ctx) },
	}
	if *httpPort != 0 {
		server := http.NewServer("default", net.TCPDestination(net.LocalHostIP, net.Port(*httpPort)), nil, disp)
		tasks = append(tasks, func() error { return server.Run(ctx) })
	}
	if *socksPort != 0 {
		server := socks.NewServer("default", net.TCPDestination(net.LocalHostIP, net.Port(*socksPort)), nil, disp)
		tasks = append(tasks, func() error { return server.Run(ctx) })
	}

	return task.Run(ctx, tasks...)
}

func main() {
	if err := run(); err != nil && !goerrors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}
