package pipe_test

import (
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/boltconn/boltconn/common"
	"github.com/boltconn/boltconn/common/buf"
	"github.com/boltconn/boltconn/common/net"
	"github.com/boltconn/boltconn/common/signal"
	. "github.com/boltconn/boltconn/transport/pipe"
)

func TestLinkOrdering(t *testing.T) {
	abort := signal.NewAbortHandle()
	a, b := New(abort)

	payloads := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")}
	go func() {
		for _, p := range payloads {
			bb := buf.New()
			common.Must2(bb.Write(p))
			common.Must(a.Send(bb))
		}
		common.Must(a.Close())
	}()

	var got [][]byte
	for {
		bb, err := b.Recv()
		if err == io.EOF {
			break
		}
		common.Must(err)
		got = append(got, append([]byte(nil), bb.Bytes()...))
		bb.Release()
	}

	if r := cmp.Diff(got, payloads); r != "" {
		t.Error(r)
	}
}

func TestLinkCancellationWakesWaiters(t *testing.T) {
	abort := signal.NewAbortHandle()
	_, b := New(abort)

	errs := make(chan error, 1)
	go func() {
		_, err := b.Recv()
		errs <- err
	}()

	abort.Cancel()
	if err := <-errs; err != ErrCancelled {
		t.Error("expected ErrCancelled, got ", err)
	}

	// subsequent operations fail fast
	if err := b.Send(buf.New()); err != ErrCancelled {
		t.Error("expected ErrCancelled on send, got ", err)
	}
}

func TestLinkBackpressure(t *testing.T) {
	abort := signal.NewAbortHandle()
	a, _ := New(abort)

	for i := 0; i < Capacity; i++ {
		ok, err := a.TrySend(buf.New())
		common.Must(err)
		if !ok {
			t.Fatal("queue refused element ", i)
		}
	}
	if ok, _ := a.TrySend(buf.New()); ok {
		t.Error("queue accepted more than its capacity")
	}
	if a.SendCapacity() != 0 {
		t.Error("expected zero capacity, got ", a.SendCapacity())
	}
}

func TestPacketLinkCarriesTarget(t *testing.T) {
	abort := signal.NewAbortHandle()
	pa, pb := NewPacket(abort)
	dest := net.UDPDestination(net.IPAddress([]byte{8, 8, 8, 8}), 53)
	payload := buf.New()
	common.Must2(payload.WriteString("query"))
	common.Must(pa.Send(Packet{Payload: payload, Target: dest}))

	got, err := pb.Recv()
	common.Must(err)
	if got.Target != dest {
		t.Error("expected target ", dest, ", got ", got.Target)
	}
	if got.Payload.String() != "query" {
		t.Error("unexpected payload: ", got.Payload.String())
	}
	got.Payload.Release()
}
