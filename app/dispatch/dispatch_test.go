package dispatch_test

import (
	"context"
	"errors"
	"testing"

	. "github.com/boltconn/boltconn/app/dispatch"
	"github.com/boltconn/boltconn/common"
	"github.com/boltconn/boltconn/common/net"
)

type staticResolver map[string]net.IP

func (r staticResolver) GenuineLookup(_ context.Context, domain string) (net.IP, error) {
	if ip, ok := r[domain]; ok {
		return ip, nil
	}
	return nil, errors.New("not found")
}

func tcpInfo(domain string, port net.Port) *ConnInfo {
	return &ConnInfo{
		Src:     net.TCPDestination(net.IPAddress([]byte{10, 0, 0, 2}), 50000),
		Dst:     net.TCPDestination(net.DomainAddress(domain), port),
		Inbound: InboundInfo{Kind: InboundTun},
		Network: net.Network_TCP,
	}
}

func buildSimple(t *testing.T, rules []RuleLine) *Dispatching {
	t.Helper()
	d, err := NewBuilder(staticResolver{}).Build(&Config{Rules: rules}, nil)
	common.Must(err)
	return d
}

func TestDirectTCPDecision(t *testing.T) {
	d := buildSimple(t, []RuleLine{
		{Literal: "DOMAIN, example.com, DIRECT"},
		{Literal: "REJECT"},
	})

	decision := d.Matches(context.Background(), tcpInfo("example.com", 80), false)
	if decision.Impl.Describe() != "direct" {
		t.Error("expected direct, got ", decision.Impl.Describe())
	}

	decision = d.Matches(context.Background(), tcpInfo("example.org", 80), false)
	if decision.Impl.Describe() != "reject" {
		t.Error("expected fallback reject, got ", decision.Impl.Describe())
	}
}

func TestDispatchDeterminism(t *testing.T) {
	d := buildSimple(t, []RuleLine{
		{Literal: "DOMAIN-SUFFIX, example.com, DIRECT"},
		{Literal: "PORT, 22, REJECT"},
		{Literal: "DIRECT"},
	})

	for i := 0; i < 10; i++ {
		decision := d.Matches(context.Background(), tcpInfo("www.example.com", 443), false)
		if decision.Impl.Describe() != "direct" {
			t.Fatal("run ", i, ": expected direct, got ", decision.Impl.Describe())
		}
	}
}

func TestTemporaryOverlayPrecedence(t *testing.T) {
	d := buildSimple(t, []RuleLine{
		{Literal: "ALWAYS, REJECT"},
		{Literal: "REJECT"},
	})

	info := &ConnInfo{
		Src:     net.TCPDestination(net.IPAddress([]byte{10, 0, 0, 2}), 50000),
		Dst:     net.TCPDestination(net.IPAddress([]byte{10, 1, 2, 3}), 22),
		Inbound: InboundInfo{Kind: InboundTun},
		Network: net.Network_TCP,
	}

	common.Must(d.UpdateTemporaryList([]RuleLine{{Literal: "IP-CIDR, 10.0.0.0/8, DIRECT"}}))
	if decision := d.Matches(context.Background(), info, false); decision.Impl.Describe() != "direct" {
		t.Error("overlay did not take precedence: ", decision.Impl.Describe())
	}

	common.Must(d.UpdateTemporaryList(nil))
	if decision := d.Matches(context.Background(), info, false); decision.Impl.Describe() != "reject" {
		t.Error("cleared overlay still decides: ", decision.Impl.Describe())
	}
}

func TestOverlayRejectsFallback(t *testing.T) {
	d := buildSimple(t, []RuleLine{{Literal: "DIRECT"}})
	if err := d.UpdateTemporaryList([]RuleLine{{Literal: "DIRECT"}}); err == nil {
		t.Error("overlay accepted a fallback line")
	}
}

func TestSubDispatch(t *testing.T) {
	d := buildSimple(t, []RuleLine{
		{Sub: &SubDispatchConfig{
			Matches: "PROCESS-NAME, curl",
			SubRules: []RuleLine{
				{Literal: "DOMAIN, a.com, DIRECT"},
				{Literal: "REJECT"},
			},
		}},
		{Literal: "DIRECT"},
	})

	curl := &net.Process{PID: 1, Name: "curl"}
	wget := &net.Process{PID: 2, Name: "wget"}

	cases := []struct {
		process *net.Process
		domain  string
		want    string
	}{
		{curl, "a.com", "direct"},
		{curl, "b.com", "reject"},
		{wget, "a.com", "direct"},
	}
	for _, c := range cases {
		info := tcpInfo(c.domain, 443)
		info.Process = c.process
		decision := d.Matches(context.Background(), info, false)
		if decision.Impl.Describe() != c.want {
			t.Error(c.process.Name, " -> ", c.domain, ": expected ", c.want, ", got ", decision.Impl.Describe())
		}
	}
}

func TestUDPOnNonUDPProxyRewritten(t *testing.T) {
	d, err := NewBuilder(staticResolver{}).Build(&Config{
		Proxies: []ProxyConfig{{Name: "corp", Type: "http", Server: "proxy.corp", Port: 8080}},
		Rules: []RuleLine{
			{Literal: "ALWAYS, corp"},
			{Literal: "REJECT"},
		},
	}, nil)
	common.Must(err)

	info := tcpInfo("example.com", 53)
	info.Network = net.Network_UDP
	decision := d.Matches(context.Background(), info, false)
	if decision.Impl.Describe() != "reject" {
		t.Error("UDP flow on http proxy not rewritten: ", decision.Impl.Describe())
	}
}

func TestLocalResolveAction(t *testing.T) {
	resolver := staticResolver{"example.com": net.IP{93, 184, 216, 34}}
	d, err := NewBuilder(resolver).Build(&Config{
		Rules: []RuleLine{
			{LocalResolve: true},
			{Literal: "IP-CIDR, 93.184.0.0/16, REJECT"},
			{Literal: "DIRECT"},
		},
	}, nil)
	common.Must(err)

	info := tcpInfo("example.com", 80)
	decision := d.Matches(context.Background(), info, false)
	if decision.Impl.Describe() != "reject" {
		t.Error("resolved destination did not match IP rule: ", decision.Impl.Describe())
	}
	if info.ResolvedDst == nil {
		t.Error("ResolvedDst not populated")
	}
}

func TestMissingFallbackRejected(t *testing.T) {
	_, err := NewBuilder(staticResolver{}).Build(&Config{
		Rules: []RuleLine{{Literal: "DOMAIN, example.com, DIRECT"}},
	}, nil)
	if !errors.Is(err, ErrMissingFallback) {
		t.Error("expected ErrMissingFallback, got ", err)
	}
}

func TestDuplicateNameRejected(t *testing.T) {
	_, err := NewBuilder(staticResolver{}).Build(&Config{
		Proxies: []ProxyConfig{
			{Name: "a", Type: "http", Server: "1.2.3.4", Port: 80},
			{Name: "a", Type: "socks5", Server: "1.2.3.4", Port: 1080},
		},
		Rules: []RuleLine{{Literal: "DIRECT"}},
	}, nil)
	if !errors.Is(err, ErrDuplicateName) {
		t.Error("expected ErrDuplicateName, got ", err)
	}
}

func TestGroupCycleRejected(t *testing.T) {
	_, err := NewBuilder(staticResolver{}).Build(&Config{
		Groups: []GroupConfig{
			{Name: "g1", Proxies: []string{"g2"}},
			{Name: "g2", Proxies: []string{"g1"}},
		},
		Rules: []RuleLine{{Literal: "DIRECT"}},
	}, nil)
	if !errors.Is(err, ErrCycleDetected) {
		t.Error("expected ErrCycleDetected, got ", err)
	}
}

func TestGroupSelectionSwap(t *testing.T) {
	d, err := NewBuilder(staticResolver{}).Build(&Config{
		Proxies: []ProxyConfig{
			{Name: "p1", Type: "socks5", Server: "1.1.1.1", Port: 1080, UDP: true},
			{Name: "p2", Type: "http", Server: "2.2.2.2", Port: 8080},
		},
		Groups: []GroupConfig{{Name: "auto", Proxies: []string{"p1", "p2"}}},
		Rules: []RuleLine{
			{Literal: "ALWAYS, auto"},
			{Literal: "REJECT"},
		},
	}, nil)
	common.Must(err)

	if decision := d.Matches(context.Background(), tcpInfo("x.com", 80), false); decision.Impl.Describe() != "socks5" {
		t.Fatal("expected first member selected, got ", decision.Impl.Describe())
	}
	common.Must(d.SetGroupSelection("auto", "p2"))
	if decision := d.Matches(context.Background(), tcpInfo("x.com", 80), false); decision.Impl.Describe() != "http" {
		t.Error("selection swap not observed: ", decision.Impl.Describe())
	}
	if err := d.SetGroupSelection("auto", "nope"); err == nil {
		t.Error("selecting an unknown member must fail")
	}
	if err := d.SetGroupSelection("ghost", "p1"); err == nil {
		t.Error("selecting on an unknown group must fail")
	}
}

func TestPersistedSelectionApplied(t *testing.T) {
	d, err := NewBuilder(staticResolver{}).Build(&Config{
		Proxies: []ProxyConfig{
			{Name: "p1", Type: "socks5", Server: "1.1.1.1", Port: 1080},
			{Name: "p2", Type: "http", Server: "2.2.2.2", Port: 8080},
		},
		Groups: []GroupConfig{{Name: "auto", Proxies: []string{"p1", "p2"}}},
		Rules: []RuleLine{
			{Literal: "ALWAYS, auto"},
			{Literal: "REJECT"},
		},
	}, &State{GroupSelection: map[string]string{"auto": "p2"}})
	common.Must(err)

	if decision := d.Matches(context.Background(), tcpInfo("x.com", 80), false); decision.Impl.Describe() != "http" {
		t.Error("persisted selection ignored: ", decision.Impl.Describe())
	}
}

func TestChainStoredAsProxy(t *testing.T) {
	d, err := NewBuilder(staticResolver{}).Build(&Config{
		Proxies: []ProxyConfig{
			{Name: "ss", Type: "shadowsocks", Server: "1.1.1.1", Port: 8388, Cipher: "aes-256-gcm", Password: "pw"},
			{Name: "tj", Type: "trojan", Server: "t.example.com", Port: 443, Password: "pw", SNI: "t.example.com"},
		},
		Groups: []GroupConfig{{Name: "relay", Chains: []string{"ss", "tj"}}},
		Rules: []RuleLine{
			{Literal: "ALWAYS, relay"},
			{Literal: "REJECT"},
		},
	}, nil)
	common.Must(err)

	if len(d.GetGroupList()) != 0 {
		t.Error("chain leaked into the selectable group list")
	}
	decision := d.Matches(context.Background(), tcpInfo("x.com", 80), false)
	chain, ok := decision.Impl.(*ChainImpl)
	if !ok {
		t.Fatal("expected chain impl, got ", decision.Impl.Describe())
	}
	if len(chain.Proxies) != 2 || chain.Proxies[0].Name() != "ss" || chain.Proxies[1].Name() != "tj" {
		t.Error("chain members out of order")
	}
}

func TestProviderRegexFilter(t *testing.T) {
	d, err := NewBuilder(staticResolver{}).Build(&Config{
		ProxyProviders: map[string][]ProxyConfig{
			"sub": {
				{Name: "hk-1", Type: "socks5", Server: "1.1.1.1", Port: 1080},
				{Name: "us-1", Type: "socks5", Server: "2.2.2.2", Port: 1080},
			},
		},
		Groups: []GroupConfig{{Name: "hk", Providers: []ProviderRef{{Name: "sub", Filter: "^hk-"}}}},
		Rules: []RuleLine{
			{Literal: "ALWAYS, hk"},
			{Literal: "REJECT"},
		},
	}, nil)
	common.Must(err)

	groups := d.GetGroupList()
	if len(groups) != 1 || len(groups[0].Members()) != 1 || groups[0].Members()[0].Name() != "hk-1" {
		t.Error("provider filter not applied")
	}
}

func TestUnsupportedCipherRejected(t *testing.T) {
	_, err := NewBuilder(staticResolver{}).Build(&Config{
		Proxies: []ProxyConfig{{Name: "ss", Type: "shadowsocks", Server: "1.1.1.1", Port: 8388, Cipher: "rc4-md5", Password: "pw"}},
		Rules:   []RuleLine{{Literal: "DIRECT"}},
	}, nil)
	if !errors.Is(err, ErrUnsupportedCipher) {
		t.Error("expected ErrUnsupportedCipher, got ", err)
	}
}

func TestBadWireguardKeyRejected(t *testing.T) {
	_, err := NewBuilder(staticResolver{}).Build(&Config{
		Proxies: []ProxyConfig{{
			Name: "wg", Type: "wireguard", Server: "1.2.3.4", Port: 51820,
			LocalAddr: "10.0.0.2", PrivateKey: "not base64!", PublicKey: "also bad",
		}},
		Rules: []RuleLine{{Literal: "DIRECT"}},
	}, nil)
	if !errors.Is(err, ErrBadKeyMaterial) {
		t.Error("expected ErrBadKeyMaterial, got ", err)
	}
}

func TestRuleSetCondition(t *testing.T) {
	d, err := NewBuilder(staticResolver{}).Build(&Config{
		RuleProviders: map[string][]string{
			"streaming": {"DOMAIN-SUFFIX,netflix.com", "DOMAIN-SUFFIX,hulu.com"},
		},
		Rules: []RuleLine{
			{Literal: "RULE-SET, streaming, REJECT"},
			{Literal: "DIRECT"},
		},
	}, nil)
	common.Must(err)

	if decision := d.Matches(context.Background(), tcpInfo("www.netflix.com", 443), false); decision.Impl.Describe() != "reject" {
		t.Error("rule set did not match")
	}
	if decision := d.Matches(context.Background(), tcpInfo("example.com", 443), false); decision.Impl.Describe() != "direct" {
		t.Error("rule set overmatched")
	}
}
