package dispatch

import (
	"context"
	"encoding/base64"
	"regexp"
	"strings"

	"github.com/boltconn/boltconn/common/errors"
	"github.com/boltconn/boltconn/common/net"
)

// Builder compiles proxies, groups and rules into a Dispatching. A Builder is
// single-use for a full build but is retained by the produced Dispatching to
// recompile temporary overlays against the same name table.
type Builder struct {
	proxies    map[string]*Proxy
	groups     map[string]*ProxyGroup
	rulesets   map[string]*RuleSet
	groupOrder []string
	resolver   Resolver
}

// NewBuilder creates a Builder preloaded with the implicit DIRECT and REJECT
// proxies.
func NewBuilder(resolver Resolver) *Builder {
	b := &Builder{
		proxies:  make(map[string]*Proxy),
		groups:   make(map[string]*ProxyGroup),
		rulesets: make(map[string]*RuleSet),
		resolver: resolver,
	}
	b.proxies["DIRECT"] = NewProxy("DIRECT", DirectImpl{})
	b.proxies["REJECT"] = NewProxy("REJECT", RejectImpl{})
	return b
}

// Build compiles the whole configuration into a live Dispatching.
func (b *Builder) Build(config *Config, state *State) (*Dispatching, error) {
	if state == nil {
		state = &State{}
	}
	if err := b.loadProxies(config.Proxies); err != nil {
		return nil, err
	}
	for name, proxies := range config.ProxyProviders {
		if err := b.loadProxies(proxies); err != nil {
			return nil, errors.New("provider ", name).Base(err)
		}
	}
	for name, lines := range config.RuleProviders {
		rs, err := BuildRuleSet(name, lines)
		if err != nil {
			return nil, err
		}
		b.rulesets[name] = rs
	}

	queued := make(map[string]bool)
	wgHistory := make(map[string]bool)
	for i := range config.Groups {
		group := &config.Groups[i]
		b.groupOrder = append(b.groupOrder, group.Name)
		if err := b.parseGroup(group, config, state, queued, wgHistory, false); err != nil {
			return nil, err
		}
	}

	rules, fallback, err := b.buildRules(config.Rules)
	if err != nil {
		return nil, err
	}

	var groups []*ProxyGroup
	for _, name := range b.groupOrder {
		// chains are proxies, not selectable groups
		if g, found := b.groups[name]; found {
			groups = append(groups, g)
		}
	}

	d := &Dispatching{
		builder: b,
		proxies: b.proxies,
		groups:  groups,
		snippet: &Snippet{rules: rules, fallback: fallback},
	}
	if len(state.TemporaryList) > 0 {
		overlay, err := b.BuildTemporaryList(state.TemporaryList)
		if err != nil {
			return nil, err
		}
		d.temporary.Store(overlay)
	} else {
		d.temporary.Store(&TemporaryList{})
	}
	return d, nil
}

// BuildFilter compiles a filter dispatching: every listed predicate returns
// DIRECT, everything else REJECT. Used for force-direct DNS traffic.
func (b *Builder) BuildFilter(rules []string) (*Dispatching, error) {
	lines := make([]RuleLine, 0, len(rules)+1)
	for _, r := range rules {
		lines = append(lines, RuleLine{Literal: r + ", DIRECT"})
	}
	lines = append(lines, RuleLine{Literal: "REJECT"})
	compiled, fallback, err := b.buildRules(lines)
	if err != nil {
		return nil, err
	}
	d := &Dispatching{
		builder: b,
		proxies: b.proxies,
		snippet: &Snippet{rules: compiled, fallback: fallback},
	}
	d.temporary.Store(&TemporaryList{})
	return d, nil
}

// BuildTemporaryList compiles overlay rules. A fallback line is rejected: the
// overlay must be able to miss.
func (b *Builder) BuildTemporaryList(lines []RuleLine) (*TemporaryList, error) {
	rules, fallback, err := b.buildRulesLoosely(lines)
	if err != nil {
		return nil, err
	}
	if fallback != nil {
		return nil, ErrUnexpectedFallback
	}
	return &TemporaryList{rules: rules}, nil
}

func (b *Builder) loadProxies(configs []ProxyConfig) error {
	for i := range configs {
		c := &configs[i]
		if _, dup := b.proxies[c.Name]; dup {
			return errors.New("proxy ", c.Name).Base(ErrDuplicateName)
		}
		if _, dup := b.groups[c.Name]; dup {
			return errors.New("proxy ", c.Name).Base(ErrDuplicateName)
		}
		impl, err := buildProxyImpl(c)
		if err != nil {
			return errors.New("proxy ", c.Name).Base(err)
		}
		b.proxies[c.Name] = NewProxy(c.Name, impl)
	}
	return nil
}

func serverDestination(server string, port uint16, network net.Network) net.Destination {
	return net.Destination{
		Network: network,
		Address: net.ParseAddress(server),
		Port:    net.Port(port),
	}
}

func decodeKey32(s string) ([32]byte, error) {
	var key [32]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return key, errors.New("not base64").Base(ErrBadKeyMaterial)
	}
	if len(raw) != 32 {
		return key, errors.New("key must be 32 bytes, got ", len(raw)).Base(ErrBadKeyMaterial)
	}
	copy(key[:], raw)
	return key, nil
}

func buildProxyImpl(c *ProxyConfig) (ProxyImpl, error) {
	switch c.Type {
	case "http":
		return &HTTPImpl{
			ServerAddr: serverDestination(c.Server, c.Port, net.Network_TCP),
			Auth:       c.Auth,
		}, nil
	case "socks5":
		return &Socks5Impl{
			ServerAddr: serverDestination(c.Server, c.Port, net.Network_TCP),
			Auth:       c.Auth,
			UDP:        c.UDP,
		}, nil
	case "shadowsocks":
		switch c.Cipher {
		case "chacha20-ietf-poly1305", "aes-256-gcm", "aes-128-gcm":
		default:
			return nil, errors.New("cipher ", c.Cipher).Base(ErrUnsupportedCipher)
		}
		return &ShadowsocksImpl{
			ServerAddr: serverDestination(c.Server, c.Port, net.Network_TCP),
			Password:   c.Password,
			Cipher:     c.Cipher,
			UDP:        c.UDP,
		}, nil
	case "trojan":
		return &TrojanImpl{
			ServerAddr:     serverDestination(c.Server, c.Port, net.Network_TCP),
			Password:       c.Password,
			SNI:            c.SNI,
			SkipCertVerify: c.SkipCertVerify,
			WebsocketPath:  c.WebsocketPath,
			UDP:            c.UDP,
		}, nil
	case "wireguard":
		privateKey, err := decodeKey32(c.PrivateKey)
		if err != nil {
			return nil, errors.New("private key").Base(err)
		}
		publicKey, err := decodeKey32(c.PublicKey)
		if err != nil {
			return nil, errors.New("public key").Base(err)
		}
		impl := &WireguardImpl{
			LocalAddr:  net.ParseAddress(c.LocalAddr).IP(),
			PrivateKey: privateKey,
			PublicKey:  publicKey,
			Endpoint:   serverDestination(c.Server, c.Port, net.Network_UDP),
			MTU:        c.MTU,
			Keepalive:  c.Keepalive,
		}
		if c.PresharedKey != "" {
			psk, err := decodeKey32(c.PresharedKey)
			if err != nil {
				return nil, errors.New("preshared key").Base(err)
			}
			impl.PresharedKey = &psk
		}
		for _, d := range c.DNS {
			addr := net.ParseAddress(d)
			if addr.Family().IsDomain() {
				return nil, errors.New("wireguard dns must be an IP: ", d)
			}
			impl.DNS = append(impl.DNS, addr.IP())
		}
		if len(c.Reserved) == 3 {
			copy(impl.Reserved[:], c.Reserved)
		}
		return impl, nil
	default:
		return nil, errors.New("unknown proxy type ", c.Type)
	}
}

func findGroupConfig(config *Config, name string) *GroupConfig {
	for i := range config.Groups {
		if config.Groups[i].Name == name {
			return &config.Groups[i]
		}
	}
	return nil
}

// parseGroup compiles one group, recursing into referenced groups first so the
// result is topologically ordered. A reference back into the in-progress set
// is a cycle.
func (b *Builder) parseGroup(group *GroupConfig, config *Config, state *State, queued map[string]bool, wgHistory map[string]bool, dupAsError bool) error {
	name := group.Name
	if queued[name] {
		return errors.New("group ", name).Base(ErrCycleDetected)
	}
	if _, done := b.groups[name]; done {
		if dupAsError {
			return errors.New("group ", name).Base(ErrDuplicateName)
		}
		return nil
	}
	if _, isProxy := b.proxies[name]; isProxy {
		if dupAsError {
			return errors.New("group ", name).Base(ErrDuplicateName)
		}
		return nil
	}

	if len(group.Chains) > 0 {
		// Not a selectable group, just a chain stored as a proxy.
		var contents []GeneralProxy
		for _, p := range group.Chains {
			member, err := b.resolveMember(p, name, config, state, queued, wgHistory)
			if err != nil {
				return err
			}
			if single, ok := member.(SingleProxy); ok {
				impl, _ := single.GetImpl()
				if impl.Describe() == "wireguard" {
					if _, seen := wgHistory[p]; seen {
						errors.LogWarning(context.Background(), "wireguard ", p, " should not appear in different chains")
					}
					wgHistory[p] = true
				}
			}
			contents = append(contents, member)
		}
		b.proxies[name] = NewProxy(name, &ChainImpl{Proxies: contents})
		return nil
	}

	var members []GeneralProxy
	var selection GeneralProxy
	selected := ""
	if state.GroupSelection != nil {
		selected = state.GroupSelection[name]
	}

	appendMember := func(p string, member GeneralProxy) {
		if p == selected {
			selection = member
		}
		members = append(members, member)
	}

	for _, p := range group.Proxies {
		member, err := b.resolveMember(p, name, config, state, queued, wgHistory)
		if err != nil {
			return err
		}
		if single, ok := member.(SingleProxy); ok {
			impl, _ := single.GetImpl()
			if impl.Describe() == "wireguard" {
				if inChain, seen := wgHistory[p]; seen && inChain {
					errors.LogWarning(context.Background(), "wireguard ", p, " should not appear in different chains")
				}
				wgHistory[p] = false
			}
		}
		appendMember(p, member)
	}

	for _, provider := range group.Providers {
		names, err := b.providerMembers(config, provider)
		if err != nil {
			return errors.New("group ", name).Base(err)
		}
		for _, p := range names {
			single, found := b.proxies[p]
			if !found {
				return errors.New("no [", p, "] in group [", name, "]").Base(ErrUnknownReference)
			}
			appendMember(p, SingleProxy{single})
		}
	}

	if len(members) == 0 {
		// no available proxies, skip
		return nil
	}
	if selection == nil {
		selection = members[0]
	}
	b.groups[name] = NewProxyGroup(name, members, selection, group.Interface)
	return nil
}

func (b *Builder) providerMembers(config *Config, ref ProviderRef) ([]string, error) {
	proxies, found := config.ProxyProviders[ref.Name]
	if !found {
		return nil, errors.New("provider ", ref.Name, " not found").Base(ErrUnknownReference)
	}
	var filter *regexp.Regexp
	if ref.Filter != "" {
		var err error
		filter, err = regexp.Compile(ref.Filter)
		if err != nil {
			return nil, errors.New("provider ", ref.Name, " filter '", ref.Filter, "'").Base(ErrBadRegex)
		}
	}
	var names []string
	for i := range proxies {
		if filter == nil || filter.MatchString(proxies[i].Name) {
			names = append(names, proxies[i].Name)
		}
	}
	return names, nil
}

// resolveMember resolves one member reference: an existing proxy, an existing
// group, or a group defined later (compiled on demand).
func (b *Builder) resolveMember(p, owner string, config *Config, state *State, queued map[string]bool, wgHistory map[string]bool) (GeneralProxy, error) {
	if single, found := b.proxies[p]; found {
		return SingleProxy{single}, nil
	}
	if g, found := b.groups[p]; found {
		return GroupProxy{g}, nil
	}

	sub := findGroupConfig(config, p)
	if sub == nil {
		return nil, errors.New("no [", p, "] in group [", owner, "]").Base(ErrUnknownReference)
	}
	queued[owner] = true
	err := b.parseGroup(sub, config, state, queued, wgHistory, true)
	delete(queued, owner)
	if err != nil {
		return nil, err
	}

	if g, found := b.groups[p]; found {
		return GroupProxy{g}, nil
	}
	if single, found := b.proxies[p]; found {
		return SingleProxy{single}, nil
	}
	return nil, errors.New("no [", p, "] in group [", owner, "]").Base(ErrUnknownReference)
}

// buildRulesLoosely compiles rule lines. The returned fallback is nil when the
// final line is not a bare proxy reference.
func (b *Builder) buildRulesLoosely(lines []RuleLine) ([]entry, GeneralProxy, error) {
	var compiled []entry
	for idx := range lines {
		line := &lines[idx]
		switch {
		case line.LocalResolve:
			compiled = append(compiled, entry{lr: &localResolve{resolver: b.resolver}})
		case line.Sub != nil:
			cond, err := b.parseIncomplete(line.Sub.Matches)
			if err != nil {
				return nil, nil, errors.New("invalid matches ", line.Sub.Matches).Base(err)
			}
			subRules, subFallback, err := b.buildRules(line.Sub.SubRules)
			if err != nil {
				return nil, nil, err
			}
			compiled = append(compiled, entry{sub: &subDispatch{
				cond:    cond,
				snippet: &Snippet{rules: subRules, fallback: subFallback},
			}})
		default:
			if idx == len(lines)-1 {
				if fallback, ok := b.parseFallback(line.Literal); ok {
					return compiled, fallback, nil
				}
			}
			rule, err := b.parseLiteral(line.Literal)
			if err != nil {
				return nil, nil, errors.New(line.Literal).Base(err)
			}
			compiled = append(compiled, entry{rule: rule})
		}
	}
	return compiled, nil, nil
}

func (b *Builder) buildRules(lines []RuleLine) ([]entry, GeneralProxy, error) {
	compiled, fallback, err := b.buildRulesLoosely(lines)
	if err != nil {
		return nil, nil, err
	}
	if fallback == nil {
		return nil, nil, errors.New("bad rules").Base(ErrMissingFallback)
	}
	return compiled, fallback, nil
}

// parseLiteral compiles "KEYWORD, args..., TARGET".
func (b *Builder) parseLiteral(line string) (*Rule, error) {
	fields := splitRule(line)
	if len(fields) < 2 {
		return nil, errors.New("too few fields")
	}
	target, found := b.lookupGeneral(fields[len(fields)-1])
	if !found {
		return nil, errors.New("proxy ", fields[len(fields)-1]).Base(ErrUnknownReference)
	}
	cond, err := parseCondition(fields[0], fields[1:len(fields)-1], b.rulesets)
	if err != nil {
		return nil, err
	}
	return &Rule{cond: cond, proxy: target}, nil
}

// parseIncomplete compiles a predicate-only spec, e.g. the guard of a
// SUB-DISPATCH.
func (b *Builder) parseIncomplete(spec string) (Condition, error) {
	fields := splitRule(spec)
	if len(fields) < 1 {
		return nil, errors.New("empty matches")
	}
	return parseCondition(fields[0], fields[1:], b.rulesets)
}

// parseFallback accepts a bare proxy or group reference.
func (b *Builder) parseFallback(line string) (GeneralProxy, bool) {
	name := strings.TrimSpace(line)
	if strings.Contains(name, ",") {
		return nil, false
	}
	return b.lookupGeneral(name)
}

func (b *Builder) lookupGeneral(name string) (GeneralProxy, bool) {
	if p, found := b.proxies[name]; found {
		return SingleProxy{p}, true
	}
	if g, found := b.groups[name]; found {
		return GroupProxy{g}, true
	}
	return nil, false
}
