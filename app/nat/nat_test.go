package nat_test

import (
	"testing"
	"time"

	. "github.com/boltconn/boltconn/app/nat"
	"github.com/boltconn/boltconn/common"
	"github.com/boltconn/boltconn/common/net"
)

func tcpTuple(lastByte byte, port net.Port) (net.Destination, net.Destination) {
	src := net.TCPDestination(net.IPAddress([]byte{10, 0, 0, lastByte}), port)
	dst := net.TCPDestination(net.IPAddress([]byte{93, 184, 216, 34}), 443)
	return src, dst
}

func TestBijection(t *testing.T) {
	table := New(0, 0)

	seen := make(map[net.Port]bool)
	for i := byte(1); i <= 100; i++ {
		src, dst := tcpTuple(i, net.Port(40000)+net.Port(i))
		port, _, err := table.RegisterTCP(src, dst)
		common.Must(err)
		if seen[port] {
			t.Fatal("port ", port, " allocated twice")
		}
		seen[port] = true

		gotSrc, gotDst, _, ok := table.LookupTCP(port)
		if !ok {
			t.Fatal("entry for port ", port, " not found")
		}
		if gotSrc != src || gotDst != dst {
			t.Error("tuple mismatch for port ", port)
		}
	}
}

func TestReplayReusesPort(t *testing.T) {
	table := New(0, 0)
	src, dst := tcpTuple(7, 41000)

	port1, ind1, err := table.RegisterTCP(src, dst)
	common.Must(err)
	port2, ind2, err := table.RegisterTCP(src, dst)
	common.Must(err)

	if port1 != port2 {
		t.Error("replay allocated a fresh port: ", port1, " vs ", port2)
	}
	if ind1 != ind2 {
		t.Error("replay did not share the indicator")
	}
}

func TestIndicatorMonotonic(t *testing.T) {
	ind := NewIndicator()
	if ind.Value() != 2 {
		t.Fatal("expected initial value 2, got ", ind.Value())
	}
	if !ind.Release() || !ind.Release() {
		t.Fatal("both endpoint releases must succeed")
	}
	if ind.Release() {
		t.Error("release below zero must be refused")
	}
	if ind.Alive() {
		t.Error("indicator still alive after both releases")
	}
}

func TestReapAfterGrace(t *testing.T) {
	table := New(10*time.Millisecond, 0)
	src, dst := tcpTuple(9, 42000)

	port, ind, err := table.RegisterTCP(src, dst)
	common.Must(err)
	ind.Release()
	ind.Release()

	now := time.Now()
	table.Flush(now)                             // records zeroSince
	table.Flush(now.Add(50 * time.Millisecond))  // past grace, reaps

	if _, _, _, ok := table.LookupTCP(port); ok {
		t.Error("entry survived past the grace period")
	}
}

func TestLiveEntrySurvivesFlush(t *testing.T) {
	table := New(10*time.Millisecond, 0)
	src, dst := tcpTuple(11, 43000)

	port, _, err := table.RegisterTCP(src, dst)
	common.Must(err)

	table.Flush(time.Now().Add(time.Hour))
	if _, _, _, ok := table.LookupTCP(port); !ok {
		t.Error("live entry was reaped")
	}
}

func TestUDPIdleTimeout(t *testing.T) {
	table := New(0, 20*time.Millisecond)
	src := net.UDPDestination(net.IPAddress([]byte{10, 0, 0, 1}), 5353)
	dst := net.UDPDestination(net.IPAddress([]byte{8, 8, 8, 8}), 53)

	port, _, err := table.RegisterUDP(src, dst)
	common.Must(err)

	table.Flush(time.Now().Add(time.Second))
	if _, _, _, ok := table.LookupUDP(port); ok {
		t.Error("idle UDP entry survived the timeout")
	}
}

func TestDisjointPortSpaces(t *testing.T) {
	table := New(0, 0)
	tsrc, tdst := tcpTuple(1, 44000)
	usrc := net.UDPDestination(net.IPAddress([]byte{10, 0, 0, 1}), 44000)
	udst := net.UDPDestination(net.IPAddress([]byte{8, 8, 4, 4}), 53)

	tcpPort, _, err := table.RegisterTCP(tsrc, tdst)
	common.Must(err)
	udpPort, _, err := table.RegisterUDP(usrc, udst)
	common.Must(err)

	if tcpPort == udpPort {
		t.Error("TCP and UDP pools overlap at ", tcpPort)
	}
	if _, _, _, ok := table.LookupUDP(tcpPort); ok {
		t.Error("TCP port resolvable through the UDP pool")
	}
}
