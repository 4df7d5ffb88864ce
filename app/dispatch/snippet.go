package dispatch

import (
	"context"

	"github.com/boltconn/boltconn/common/errors"
	"github.com/boltconn/boltconn/common/net"
)

// Resolver is the piece of the local DNS the engine needs for LOCAL-RESOLVE.
type Resolver interface {
	GenuineLookup(ctx context.Context, domain string) (net.IP, error)
}

// localResolve synchronously resolves a domain destination and records the
// result on the ConnInfo. It never matches, it only mutates.
type localResolve struct {
	resolver Resolver
}

func (a *localResolve) resolveTo(ctx context.Context, info *ConnInfo) {
	if info.ResolvedDst != nil || info.Dst.Address == nil || !info.Dst.Address.Family().IsDomain() {
		return
	}
	ip, err := a.resolver.GenuineLookup(ctx, info.Dst.Address.Domain())
	if err != nil {
		errors.LogDebugInner(ctx, err, "local resolve failed for ", info.Dst.Address.Domain())
		return
	}
	resolved := net.Destination{
		Network: info.Network,
		Address: net.IPAddress(ip),
		Port:    info.Dst.Port,
	}
	info.ResolvedDst = &resolved
}

// subDispatch recursively evaluates a nested snippet when its guard holds.
type subDispatch struct {
	cond    Condition
	snippet *Snippet
}

type entry struct {
	rule *Rule
	lr   *localResolve
	sub  *subDispatch
}

// Decision is the outcome of one dispatch: a concrete transport plus the
// egress interface override of the group that selected it.
type Decision struct {
	Impl  ProxyImpl
	Iface string
}

// Snippet is a compiled, ordered rule list plus its mandatory fallback.
// Evaluation is linear; the first match wins.
type Snippet struct {
	rules    []entry
	fallback GeneralProxy
}

// Matches evaluates info against the snippet. It always produces a decision:
// the fallback is mandatory.
func (s *Snippet) Matches(ctx context.Context, info *ConnInfo, verbose bool) Decision {
	for _, e := range s.rules {
		switch {
		case e.rule != nil:
			if proxy, ok := e.rule.Matches(info); ok {
				return proxyFiltering(ctx, proxy, info, e.rule.String(), verbose)
			}
		case e.lr != nil:
			e.lr.resolveTo(ctx, info)
		case e.sub != nil:
			if e.sub.cond.Matches(info) {
				return e.sub.snippet.Matches(ctx, info, verbose)
			}
		}
	}
	return proxyFiltering(ctx, s.fallback, info, "Fallback", verbose)
}

// TemporaryList is the mutable overlay consulted before the main snippet. It
// has no fallback: a miss falls through.
type TemporaryList struct {
	rules []entry
}

// Matches evaluates the overlay. ok is false when no overlay rule decided.
func (t *TemporaryList) Matches(ctx context.Context, info *ConnInfo, verbose bool) (Decision, bool) {
	if t == nil {
		return Decision{}, false
	}
	for _, e := range t.rules {
		switch {
		case e.rule != nil:
			if proxy, ok := e.rule.Matches(info); ok {
				return proxyFiltering(ctx, proxy, info, e.rule.String(), verbose), true
			}
		case e.lr != nil:
			e.lr.resolveTo(ctx, info)
		case e.sub != nil:
			if e.sub.cond.Matches(info) {
				return e.sub.snippet.Matches(ctx, info, verbose), true
			}
		}
	}
	return Decision{}, false
}

// proxyFiltering post-processes a matched proxy: UDP flows landing on a
// transport without UDP support are rewritten to Reject.
func proxyFiltering(ctx context.Context, proxy GeneralProxy, info *ConnInfo, ruleStr string, verbose bool) Decision {
	impl, iface := proxy.GetImpl()
	if info.Network == net.Network_UDP && !impl.SupportUDP() {
		if verbose {
			errors.LogInfo(ctx, "[", ruleStr, "](", info.ProcessName(), ") ", info.Dst, " => ", proxy.Name(), ": failed (UDP disabled)")
		}
		return Decision{Impl: RejectImpl{}}
	}
	if verbose {
		errors.LogInfo(ctx, "[", ruleStr, "](", info.ProcessName(), ") ", info.Dst, " => ", proxy.Name())
	}
	return Decision{Impl: impl, Iface: iface}
}
