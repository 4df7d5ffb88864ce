package dispatch

import (
	"net/netip"
	"strings"

	"github.com/boltconn/boltconn/common/errors"
	"github.com/boltconn/boltconn/common/net"
)

// Condition is a compiled, side-effect free predicate over ConnInfo.
type Condition interface {
	Matches(info *ConnInfo) bool
	String() string
}

type domainMatchKind int

const (
	domainFull domainMatchKind = iota
	domainSuffix
	domainKeyword
)

type domainCondition struct {
	kind    domainMatchKind
	pattern string
}

func (c *domainCondition) Matches(info *ConnInfo) bool {
	if info.Dst.Address == nil || !info.Dst.Address.Family().IsDomain() {
		return false
	}
	name := info.Dst.Address.Domain()
	switch c.kind {
	case domainFull:
		return name == c.pattern
	case domainSuffix:
		return name == c.pattern || strings.HasSuffix(name, "."+c.pattern)
	case domainKeyword:
		return strings.Contains(name, c.pattern)
	}
	return false
}

func (c *domainCondition) String() string {
	switch c.kind {
	case domainSuffix:
		return "DOMAIN-SUFFIX," + c.pattern
	case domainKeyword:
		return "DOMAIN-KEYWORD," + c.pattern
	default:
		return "DOMAIN," + c.pattern
	}
}

type ipCidrCondition struct {
	prefix   netip.Prefix
	onSource bool
}

func (c *ipCidrCondition) Matches(info *ConnInfo) bool {
	var dest *net.Destination
	if c.onSource {
		dest = &info.Src
	} else {
		dest = info.SocketAddr()
	}
	if dest == nil || dest.Address == nil || !dest.Address.Family().IsIP() {
		return false
	}
	addr, ok := netip.AddrFromSlice(dest.Address.IP())
	if !ok {
		return false
	}
	return c.prefix.Contains(addr.Unmap())
}

func (c *ipCidrCondition) String() string {
	if c.onSource {
		return "SRC-IP-CIDR," + c.prefix.String()
	}
	return "IP-CIDR," + c.prefix.String()
}

type portCondition struct {
	port     net.Port
	onSource bool
}

func (c *portCondition) Matches(info *ConnInfo) bool {
	if c.onSource {
		return info.Src.Port == c.port
	}
	return info.Dst.Port == c.port
}

func (c *portCondition) String() string {
	if c.onSource {
		return "SRC-PORT," + c.port.String()
	}
	return "PORT," + c.port.String()
}

type inboundCondition struct {
	inbound InboundInfo
	text    string
}

func (c *inboundCondition) Matches(info *ConnInfo) bool {
	return info.Inbound.IsSubsetOf(c.inbound)
}

func (c *inboundCondition) String() string {
	return "INBOUND," + c.text
}

type processCondition struct {
	pattern string
	keyword bool
}

func (c *processCondition) Matches(info *ConnInfo) bool {
	if info.Process == nil {
		return false
	}
	if c.keyword {
		return strings.Contains(info.Process.Name, c.pattern)
	}
	return info.Process.Name == c.pattern
}

func (c *processCondition) String() string {
	if c.keyword {
		return "PROCESS-KEYWORD," + c.pattern
	}
	return "PROCESS-NAME," + c.pattern
}

type ruleSetCondition struct {
	name    string
	entries []Condition
}

func (c *ruleSetCondition) Matches(info *ConnInfo) bool {
	for _, e := range c.entries {
		if e.Matches(info) {
			return true
		}
	}
	return false
}

func (c *ruleSetCondition) String() string {
	return "RULE-SET," + c.name
}

type alwaysCondition struct{}

func (alwaysCondition) Matches(*ConnInfo) bool { return true }
func (alwaysCondition) String() string         { return "ALWAYS" }

// parseCondition compiles the predicate part of a rule line, i.e. everything
// before the target proxy.
func parseCondition(keyword string, args []string, rulesets map[string]*RuleSet) (Condition, error) {
	need := func(n int) error {
		if len(args) != n {
			return errors.New("rule ", keyword, " expects ", n, " argument(s)")
		}
		return nil
	}
	switch keyword {
	case "DOMAIN":
		if err := need(1); err != nil {
			return nil, err
		}
		return &domainCondition{kind: domainFull, pattern: args[0]}, nil
	case "DOMAIN-SUFFIX":
		if err := need(1); err != nil {
			return nil, err
		}
		return &domainCondition{kind: domainSuffix, pattern: args[0]}, nil
	case "DOMAIN-KEYWORD":
		if err := need(1); err != nil {
			return nil, err
		}
		return &domainCondition{kind: domainKeyword, pattern: args[0]}, nil
	case "IP-CIDR", "SRC-IP-CIDR":
		if err := need(1); err != nil {
			return nil, err
		}
		prefix, err := netip.ParsePrefix(args[0])
		if err != nil {
			return nil, errors.New("bad CIDR ", args[0]).Base(err)
		}
		return &ipCidrCondition{prefix: prefix, onSource: keyword == "SRC-IP-CIDR"}, nil
	case "PORT", "SRC-PORT":
		if err := need(1); err != nil {
			return nil, err
		}
		port, err := net.PortFromString(args[0])
		if err != nil {
			return nil, err
		}
		return &portCondition{port: port, onSource: keyword == "SRC-PORT"}, nil
	case "INBOUND":
		if err := need(1); err != nil {
			return nil, err
		}
		inbound, ok := ParseInboundInfo(args[0])
		if !ok {
			return nil, errors.New("bad inbound spec ", args[0])
		}
		return &inboundCondition{inbound: inbound, text: args[0]}, nil
	case "PROCESS-NAME":
		if err := need(1); err != nil {
			return nil, err
		}
		return &processCondition{pattern: args[0]}, nil
	case "PROCESS-KEYWORD":
		if err := need(1); err != nil {
			return nil, err
		}
		return &processCondition{pattern: args[0], keyword: true}, nil
	case "RULE-SET":
		if err := need(1); err != nil {
			return nil, err
		}
		rs, found := rulesets[args[0]]
		if !found {
			return nil, errors.New("unknown rule set ", args[0])
		}
		return &ruleSetCondition{name: args[0], entries: rs.entries}, nil
	case "ALWAYS":
		if err := need(0); err != nil {
			return nil, err
		}
		return alwaysCondition{}, nil
	default:
		return nil, errors.New("unknown rule keyword ", keyword)
	}
}

// RuleSet is a named collection of predicates loaded from a rule provider.
type RuleSet struct {
	name    string
	entries []Condition
}

// BuildRuleSet compiles provider lines ("KEYWORD,args...") into a RuleSet.
func BuildRuleSet(name string, lines []string) (*RuleSet, error) {
	rs := &RuleSet{name: name}
	for _, line := range lines {
		fields := splitRule(line)
		if len(fields) < 1 {
			continue
		}
		cond, err := parseCondition(fields[0], fields[1:], nil)
		if err != nil {
			return nil, errors.New("rule set ", name, ": ", line).Base(err)
		}
		rs.entries = append(rs.entries, cond)
	}
	return rs, nil
}

func splitRule(line string) []string {
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// Rule binds a predicate to its target proxy.
type Rule struct {
	cond  Condition
	proxy GeneralProxy
}

// Matches returns the target when the predicate holds.
func (r *Rule) Matches(info *ConnInfo) (GeneralProxy, bool) {
	if r.cond.Matches(info) {
		return r.proxy, true
	}
	return nil, false
}

func (r *Rule) String() string {
	return r.cond.String() + "," + r.proxy.Name()
}
