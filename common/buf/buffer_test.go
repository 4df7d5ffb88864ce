package buf_test

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/boltconn/boltconn/common"
	. "github.com/boltconn/boltconn/common/buf"
)

func TestBufferClear(t *testing.T) {
	buffer := New()
	defer buffer.Release()

	payload := "Bytes"
	common.Must2(buffer.Write([]byte(payload)))
	if buffer.Len() != len(payload) {
		t.Error("unexpected buffer length: ", buffer.Len())
	}

	buffer.Clear()
	if buffer.Len() != 0 {
		t.Error("expect 0 length, but got ", buffer.Len())
	}
}

func TestBufferIsEmpty(t *testing.T) {
	buffer := New()
	defer buffer.Release()

	if !buffer.IsEmpty() {
		t.Error("expect empty buffer, but not")
	}
}

func TestBufferString(t *testing.T) {
	buffer := New()
	defer buffer.Release()

	common.Must2(buffer.WriteString("Test String"))
	if buffer.String() != "Test String" {
		t.Error("expect buffer content as Test String but actually ", buffer.String())
	}
}

func TestBufferWriteFull(t *testing.T) {
	buffer := New()
	defer buffer.Release()

	oversized := make([]byte, Size+1)
	n, err := buffer.Write(oversized)
	if err != ErrBufferFull {
		t.Error("oversized write must report ErrBufferFull, got ", err)
	}
	if n != Size {
		t.Error("expect ", Size, " bytes copied, got ", n)
	}
}

func TestBufferAdvanceResize(t *testing.T) {
	b := New()
	defer b.Release()

	common.Must2(b.Write([]byte("abcd")))
	b.Advance(2)
	if b.String() != "cd" {
		t.Error("unexpected content after advance: ", b.String())
	}

	b.Clear()
	raw := b.Extend(4)
	copy(raw, "wxyz")
	b.Resize(1, 3)
	if b.String() != "xy" {
		t.Error("unexpected content after resize: ", b.String())
	}
}

func TestBufferReadFrom(t *testing.T) {
	payload := make([]byte, 1024)
	common.Must2(rand.Read(payload))

	b := New()
	defer b.Release()
	n, err := b.ReadFrom(bytes.NewReader(payload))
	common.Must(err)
	if n != 1024 {
		t.Error("expect read 1024 bytes, but actually ", n)
	}
	if !bytes.Equal(payload, b.Bytes()) {
		t.Error("content mismatch")
	}
}

func TestNewWithSizeClasses(t *testing.T) {
	small := NewWithSize(100)
	defer small.Release()
	if _, err := small.Write(make([]byte, 100)); err != nil {
		t.Error("small buffer refused its payload: ", err)
	}

	frame := NewWithSize(Size * 4)
	defer frame.Release()
	if _, err := frame.Write(make([]byte, Size*4)); err != nil {
		t.Error("frame buffer refused its payload: ", err)
	}
}

func TestFromBytesIsBorrowed(t *testing.T) {
	storage := []byte("borrowed")
	b := FromBytes(storage)
	if b.String() != "borrowed" {
		t.Error("unexpected content: ", b.String())
	}
	b.Release()
	if string(storage) != "borrowed" {
		t.Error("release must not touch borrowed storage")
	}
}
