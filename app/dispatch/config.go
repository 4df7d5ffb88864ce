package dispatch

// The config layer parses files into these structs; the engine only compiles
// them. Slices keep configuration order, which is significant for rules and
// for the default selection of groups.

// ProxyConfig declares one outbound transport.
type ProxyConfig struct {
	Name string
	// Type is one of: http, socks5, shadowsocks, trojan, wireguard.
	Type string

	Server string
	Port   uint16

	// http / socks5
	Auth *Auth
	// socks5 / shadowsocks / trojan
	UDP bool
	// shadowsocks
	Password string
	Cipher   string
	// trojan
	SNI            string
	SkipCertVerify bool
	WebsocketPath  string
	// wireguard
	LocalAddr    string
	PrivateKey   string
	PublicKey    string
	PresharedKey string
	MTU          int
	Keepalive    int
	DNS          []string
	Reserved     []byte
}

// ProviderRef references a proxy provider, optionally filtered by a regex
// over member names.
type ProviderRef struct {
	Name   string
	Filter string
}

// GroupConfig declares a proxy group, or a chain when Chains is non-empty.
type GroupConfig struct {
	Name      string
	Proxies   []string
	Providers []ProviderRef
	// Chains turns this entry into a chain proxy; the list is written
	// outermost-first, matching the order hops are traversed.
	Chains    []string
	Interface string
}

// RuleLine is one line of the rule list.
type RuleLine struct {
	// Literal is a plain rule such as "DOMAIN, example.com, DIRECT", or a
	// bare proxy name in the final fallback position.
	Literal string
	// LocalResolve marks a LOCAL-RESOLVE action line.
	LocalResolve bool
	// Sub marks a SUB-DISPATCH action line.
	Sub *SubDispatchConfig
}

// SubDispatchConfig guards a nested rule list with a predicate.
type SubDispatchConfig struct {
	Matches  string
	SubRules []RuleLine
}

// Config is everything the builder needs for one full compilation.
type Config struct {
	Proxies        []ProxyConfig
	Groups         []GroupConfig
	Rules          []RuleLine
	RuleProviders  map[string][]string
	ProxyProviders map[string][]ProxyConfig
}

// State is the persisted selection state applied on top of Config.
type State struct {
	GroupSelection map[string]string
	TemporaryList  []RuleLine
}
