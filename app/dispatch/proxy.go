// Package dispatch compiles the rule set and decides, per flow, which proxy
// (or proxy chain) carries it.
package dispatch // import "github.com/boltconn/boltconn/app/dispatch"

import (
	"sync/atomic"

	"github.com/boltconn/boltconn/common/errors"
	"github.com/boltconn/boltconn/common/net"
)

// ProxyImpl describes one concrete transport configuration. The variant set is
// closed; the dispatcher maps each variant onto its outbound adapter.
type ProxyImpl interface {
	// Describe returns a short transport descriptor, e.g. "direct".
	Describe() string
	// SupportUDP reports whether the transport can carry datagram flows.
	SupportUDP() bool
}

// DirectImpl dials the destination over the host network.
type DirectImpl struct{}

func (DirectImpl) Describe() string { return "direct" }
func (DirectImpl) SupportUDP() bool { return true }

// RejectImpl swallows the flow.
type RejectImpl struct{}

func (RejectImpl) Describe() string { return "reject" }
func (RejectImpl) SupportUDP() bool { return true }

// HTTPImpl tunnels through an HTTP CONNECT proxy.
type HTTPImpl struct {
	ServerAddr net.Destination
	Auth       *Auth
}

func (*HTTPImpl) Describe() string { return "http" }
func (*HTTPImpl) SupportUDP() bool { return false }

// Socks5Impl tunnels through a SOCKS5 proxy.
type Socks5Impl struct {
	ServerAddr net.Destination
	Auth       *Auth
	UDP        bool
}

func (*Socks5Impl) Describe() string { return "socks5" }
func (s *Socks5Impl) SupportUDP() bool { return s.UDP }

// ShadowsocksImpl tunnels through a Shadowsocks server.
type ShadowsocksImpl struct {
	ServerAddr net.Destination
	Password   string
	Cipher     string
	UDP        bool
}

func (*ShadowsocksImpl) Describe() string { return "shadowsocks" }
func (s *ShadowsocksImpl) SupportUDP() bool { return s.UDP }

// TrojanImpl tunnels through a Trojan server over TLS.
type TrojanImpl struct {
	ServerAddr     net.Destination
	Password       string
	SNI            string
	SkipCertVerify bool
	WebsocketPath  string
	UDP            bool
}

func (*TrojanImpl) Describe() string { return "trojan" }
func (t *TrojanImpl) SupportUDP() bool { return t.UDP }

// WireguardImpl re-originates the flow inside a WireGuard tunnel.
type WireguardImpl struct {
	LocalAddr    net.IP
	PrivateKey   [32]byte
	PublicKey    [32]byte
	PresharedKey *[32]byte
	Endpoint     net.Destination
	MTU          int
	Keepalive    int
	DNS          []net.IP
	Reserved     [3]byte
}

func (*WireguardImpl) Describe() string { return "wireguard" }
func (*WireguardImpl) SupportUDP() bool { return true }

// ChainImpl threads the flow through every member in order.
type ChainImpl struct {
	Proxies []GeneralProxy
}

func (*ChainImpl) Describe() string { return "chain" }

// SupportUDP of a chain holds when every member supports UDP.
func (c *ChainImpl) SupportUDP() bool {
	for _, p := range c.Proxies {
		impl, _ := p.GetImpl()
		if !impl.SupportUDP() {
			return false
		}
	}
	return true
}

// Auth is a username/password pair for inbound or outbound authentication.
type Auth struct {
	Username string
	Password string
}

// Proxy is a named transport.
type Proxy struct {
	name string
	impl ProxyImpl
}

// NewProxy creates a named proxy over impl.
func NewProxy(name string, impl ProxyImpl) *Proxy {
	return &Proxy{name: name, impl: impl}
}

// Name returns the proxy's configured name.
func (p *Proxy) Name() string { return p.name }

// GetImpl returns the transport configuration.
func (p *Proxy) GetImpl() ProxyImpl { return p.impl }

// ProxyGroup is a named selector over member proxies. Selection is swapped
// atomically; a concurrent match sees either the old or the new member.
type ProxyGroup struct {
	name      string
	members   []GeneralProxy
	selection atomic.Pointer[GeneralProxy]
	iface     string
}

// NewProxyGroup creates a group with the given members and initial selection.
func NewProxyGroup(name string, members []GeneralProxy, selected GeneralProxy, iface string) *ProxyGroup {
	g := &ProxyGroup{
		name:    name,
		members: members,
		iface:   iface,
	}
	g.selection.Store(&selected)
	return g
}

// Name returns the group's configured name.
func (g *ProxyGroup) Name() string { return g.name }

// Members lists the group's members in configuration order.
func (g *ProxyGroup) Members() []GeneralProxy { return g.members }

// Selection returns the currently selected member.
func (g *ProxyGroup) Selection() GeneralProxy { return *g.selection.Load() }

// Interface returns the group's egress interface override, if any.
func (g *ProxyGroup) Interface() string { return g.iface }

// SetSelection switches the group to the named member.
func (g *ProxyGroup) SetSelection(name string) error {
	for _, m := range g.members {
		if m.Name() == name {
			m := m
			g.selection.Store(&m)
			return nil
		}
	}
	return errors.New("no proxy [", name, "] in group [", g.name, "]")
}

// GeneralProxy is either a single proxy or a group; resolving a group follows
// the current selection recursively.
type GeneralProxy interface {
	Name() string
	// GetImpl resolves to a concrete transport plus the egress interface
	// override of the innermost group that sets one.
	GetImpl() (ProxyImpl, string)
}

// SingleProxy wraps a Proxy as a GeneralProxy.
type SingleProxy struct {
	*Proxy
}

// GetImpl implements GeneralProxy.
func (s SingleProxy) GetImpl() (ProxyImpl, string) {
	return s.Proxy.GetImpl(), ""
}

// GroupProxy wraps a ProxyGroup as a GeneralProxy.
type GroupProxy struct {
	*ProxyGroup
}

// GetImpl implements GeneralProxy.
func (g GroupProxy) GetImpl() (ProxyImpl, string) {
	impl, iface := g.Selection().GetImpl()
	if iface == "" {
		iface = g.Interface()
	}
	return impl, iface
}
