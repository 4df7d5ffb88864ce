package fakedns_test

import (
	"testing"

	. "github.com/boltconn/boltconn/app/fakedns"
	"github.com/boltconn/boltconn/common"
	"github.com/boltconn/boltconn/common/net"
)

func TestFakeIPRoundTrip(t *testing.T) {
	holder, err := NewWithPool("198.18.0.0/16", 256)
	common.Must(err)

	ip := holder.GetFakeIPForDomain("example.com")
	if !holder.IsIPInIPPool(ip) {
		t.Fatal("issued IP ", ip, " outside the pool")
	}
	if got := holder.GetDomainFromFakeDNS(ip); got != "example.com" {
		t.Error("reverse map returned ", got)
	}
}

func TestFakeIPStablePerDomain(t *testing.T) {
	holder, err := NewWithPool("198.18.0.0/16", 256)
	common.Must(err)

	first := holder.GetFakeIPForDomain("example.com")
	second := holder.GetFakeIPForDomain("example.com")
	if first.String() != second.String() {
		t.Error("same domain produced different IPs: ", first, " vs ", second)
	}

	other := holder.GetFakeIPForDomain("example.org")
	if other.String() == first.String() {
		t.Error("distinct domains share an IP")
	}
}

func TestOutsidePoolNotReverseMapped(t *testing.T) {
	holder, err := NewWithPool("198.18.0.0/16", 256)
	common.Must(err)

	if got := holder.GetDomainFromFakeDNS(net.IPAddress([]byte{1, 1, 1, 1})); got != "" {
		t.Error("unexpected reverse map hit: ", got)
	}
}

func TestPoolSmallerThanLruRejected(t *testing.T) {
	if _, err := NewWithPool("198.18.0.0/28", 65535); err == nil {
		t.Error("expected an error for an LRU bigger than the subnet")
	}
}
