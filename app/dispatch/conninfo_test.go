package dispatch_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/boltconn/boltconn/app/dispatch"
)

func TestParseInboundInfo(t *testing.T) {
	cases := []struct {
		spec string
		want InboundInfo
	}{
		{"tun", InboundInfo{Kind: InboundTun}},
		{"http", InboundInfo{Kind: InboundHTTPAny}},
		{"socks5", InboundInfo{Kind: InboundSocks5Any}},
		{"corp/http", InboundInfo{Kind: InboundHTTP, Name: "corp"}},
		{"home/socks5", InboundInfo{Kind: InboundSocks5, Name: "home"}},
	}
	for _, c := range cases {
		got, ok := ParseInboundInfo(c.spec)
		require.True(t, ok, "spec %q", c.spec)
		require.Equal(t, c.want, got)
	}

	_, ok := ParseInboundInfo("ssh")
	require.False(t, ok)
}

func TestInboundSubset(t *testing.T) {
	named := InboundInfo{Kind: InboundHTTP, Name: "corp"}
	any := InboundInfo{Kind: InboundHTTPAny}

	require.True(t, named.IsSubsetOf(named))
	require.True(t, named.IsSubsetOf(any))
	require.False(t, any.IsSubsetOf(named))

	socks := InboundInfo{Kind: InboundSocks5, Name: "corp"}
	require.False(t, socks.IsSubsetOf(any))
	require.True(t, socks.IsSubsetOf(InboundInfo{Kind: InboundSocks5Any}))
}
