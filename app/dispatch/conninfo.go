package dispatch

import (
	"strings"

	"github.com/boltconn/boltconn/common/net"
)

// InboundKind names the listener class a flow arrived through.
type InboundKind int

const (
	InboundTun InboundKind = iota
	InboundHTTPAny
	InboundSocks5Any
	InboundHTTP
	InboundSocks5
)

// InboundInfo identifies a flow's entry point. Named HTTP/SOCKS5 listeners
// match their wildcard kinds too.
type InboundInfo struct {
	Kind InboundKind
	Name string
}

// ParseInboundInfo parses an inbound spec: "tun", "http", "socks5" or a named
// "<name>/http", "<name>/socks5".
func ParseInboundInfo(s string) (InboundInfo, bool) {
	switch s {
	case "tun":
		return InboundInfo{Kind: InboundTun}, true
	case "http":
		return InboundInfo{Kind: InboundHTTPAny}, true
	case "socks5":
		return InboundInfo{Kind: InboundSocks5Any}, true
	}
	if name, found := strings.CutSuffix(s, "/http"); found {
		return InboundInfo{Kind: InboundHTTP, Name: name}, true
	}
	if name, found := strings.CutSuffix(s, "/socks5"); found {
		return InboundInfo{Kind: InboundSocks5, Name: name}, true
	}
	return InboundInfo{}, false
}

// IsSubsetOf reports whether flows tagged i also satisfy the predicate rhs.
func (i InboundInfo) IsSubsetOf(rhs InboundInfo) bool {
	if i == rhs {
		return true
	}
	switch i.Kind {
	case InboundHTTP:
		return rhs.Kind == InboundHTTPAny
	case InboundSocks5:
		return rhs.Kind == InboundSocks5Any
	}
	return false
}

// ConnInfo is the network identity a flow is dispatched by. It is mutable only
// through the LOCAL-RESOLVE action, which populates ResolvedDst.
type ConnInfo struct {
	Src         net.Destination
	Dst         net.Destination
	Inbound     InboundInfo
	ResolvedDst *net.Destination
	Network     net.Network
	Process     *net.Process
}

// SocketAddr returns the raw destination when known: the literal Dst for IP
// destinations, or the resolved address after LOCAL-RESOLVE.
func (c *ConnInfo) SocketAddr() *net.Destination {
	if c.Dst.Address != nil && c.Dst.Address.Family().IsIP() {
		return &c.Dst
	}
	return c.ResolvedDst
}

// ProcessName returns the flow's originating process name, or "UNKNOWN".
func (c *ConnInfo) ProcessName() string {
	if c.Process == nil {
		return "UNKNOWN"
	}
	return c.Process.Name
}
