package dispatcher

import (
	"context"
	"encoding/hex"
	"net/netip"

	"github.com/boltconn/boltconn/app/dispatch"
	"github.com/boltconn/boltconn/common/errors"
	"github.com/boltconn/boltconn/common/net"
	"github.com/boltconn/boltconn/proxy"
	"github.com/boltconn/boltconn/proxy/blackhole"
	"github.com/boltconn/boltconn/proxy/freedom"
	"github.com/boltconn/boltconn/proxy/http"
	"github.com/boltconn/boltconn/proxy/shadowsocks"
	"github.com/boltconn/boltconn/proxy/socks"
	"github.com/boltconn/boltconn/proxy/trojan"
	"github.com/boltconn/boltconn/proxy/wireguard"
)

type tunnelEntry struct {
	tunnel *wireguard.Tunnel
}

func toAuth(a *dispatch.Auth) *proxy.Auth {
	if a == nil {
		return nil
	}
	return &proxy.Auth{Username: a.Username, Password: a.Password}
}

// buildOutbound maps a dispatch decision onto a runnable outbound for this
// flow.
func (d *Dispatcher) buildOutbound(ctx context.Context, decision dispatch.Decision, info *dispatch.ConnInfo) (proxy.Outbound, error) {
	return d.buildOne(ctx, decision.Impl, decision.Iface, info, true)
}

func (d *Dispatcher) buildOne(ctx context.Context, impl dispatch.ProxyImpl, iface string, info *dispatch.ConnInfo, terminal bool) (proxy.Outbound, error) {
	dialer := &proxy.Dialer{Iface: iface, Resolver: d.resolver}

	switch impl := impl.(type) {
	case dispatch.DirectImpl:
		return freedom.New(info.Dst, info.ResolvedDst, dialer), nil

	case dispatch.RejectImpl:
		return blackhole.New(), nil

	case *dispatch.HTTPImpl:
		return http.New(impl.ServerAddr, toAuth(impl.Auth), info.Dst, dialer), nil

	case *dispatch.Socks5Impl:
		return socks.New(impl.ServerAddr, toAuth(impl.Auth), info.Dst, dialer), nil

	case *dispatch.ShadowsocksImpl:
		return shadowsocks.New(impl.ServerAddr, impl.Cipher, impl.Password, info.Dst, dialer)

	case *dispatch.TrojanImpl:
		return trojan.New(trojan.Config{
			Server:         impl.ServerAddr,
			Password:       impl.Password,
			SNI:            impl.SNI,
			SkipCertVerify: impl.SkipCertVerify,
			WebsocketPath:  impl.WebsocketPath,
		}, info.Dst, dialer), nil

	case *dispatch.WireguardImpl:
		config := wireguardConfig(impl)
		if !terminal {
			return wireguard.NewChainedOutbound(config, info.Dst, info.ResolvedDst, dialer), nil
		}
		tunnel, err := d.sharedTunnel(ctx, impl, config, dialer)
		if err != nil {
			return nil, err
		}
		return wireguard.NewOutbound(tunnel, info.Dst, info.ResolvedDst, dialer), nil

	case *dispatch.ChainImpl:
		// Hop 1 encodes the flow's real destination in its own protocol;
		// every later hop only has to reach the previous hop's server.
		hops := make([]proxy.Outbound, 0, len(impl.Proxies))
		var prevImpl dispatch.ProxyImpl
		for i, member := range impl.Proxies {
			memberImpl, memberIface := member.GetImpl()
			if memberIface == "" {
				memberIface = iface
			}
			hopInfo := info
			if i > 0 {
				server, ok := serverAddrOf(prevImpl)
				if !ok {
					return nil, errors.New("chain hop ", member.Name(), " follows a serverless transport")
				}
				hopInfo = &dispatch.ConnInfo{
					Src:     info.Src,
					Dst:     server,
					Inbound: info.Inbound,
					Network: info.Network,
					Process: info.Process,
				}
			}
			hop, err := d.buildOne(ctx, memberImpl, memberIface, hopInfo, i == len(impl.Proxies)-1)
			if err != nil {
				return nil, errors.New("chain hop ", member.Name()).Base(err)
			}
			hops = append(hops, hop)
			prevImpl = memberImpl
		}
		return proxy.NewChain("chain", hops), nil

	default:
		return nil, errors.New("unmapped proxy impl ", impl.Describe())
	}
}

// serverAddrOf yields the wire endpoint of a transport, used to aim the next
// hop of a chain.
func serverAddrOf(impl dispatch.ProxyImpl) (net.Destination, bool) {
	switch impl := impl.(type) {
	case *dispatch.HTTPImpl:
		return impl.ServerAddr, true
	case *dispatch.Socks5Impl:
		return impl.ServerAddr, true
	case *dispatch.ShadowsocksImpl:
		return impl.ServerAddr, true
	case *dispatch.TrojanImpl:
		return impl.ServerAddr, true
	case *dispatch.WireguardImpl:
		return impl.Endpoint, true
	default:
		return net.Destination{}, false
	}
}

func wireguardConfig(impl *dispatch.WireguardImpl) wireguard.Config {
	local, _ := netip.AddrFromSlice(impl.LocalAddr)
	config := wireguard.Config{
		LocalAddr:  local.Unmap(),
		PrivateKey: impl.PrivateKey,
		PublicKey:  impl.PublicKey,
		Endpoint:   impl.Endpoint,
		MTU:        impl.MTU,
		Keepalive:  impl.Keepalive,
		Reserved:   impl.Reserved,
	}
	if impl.PresharedKey != nil {
		psk := *impl.PresharedKey
		config.PresharedKey = &psk
	}
	return config
}

// sharedTunnel returns the long-lived tunnel for a terminal WireGuard proxy,
// bringing it up on first use.
func (d *Dispatcher) sharedTunnel(ctx context.Context, impl *dispatch.WireguardImpl, config wireguard.Config, dialer *proxy.Dialer) (*wireguard.Tunnel, error) {
	key := impl.Endpoint.NetAddr() + "/" + hex.EncodeToString(impl.PublicKey[:8])

	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, found := d.tunnels[key]; found {
		return entry.tunnel, nil
	}

	socket, err := wireguard.DialSocket(ctx, dialer)
	if err != nil {
		return nil, err
	}
	tunnel, err := wireguard.NewTunnel(ctx, config, socket, dialer)
	if err != nil {
		socket.Close()
		return nil, err
	}
	d.tunnels[key] = tunnelEntry{tunnel: tunnel}
	return tunnel, nil
}
