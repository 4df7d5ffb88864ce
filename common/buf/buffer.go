// Package buf provides the recyclable buffer that carries payload across the
// flow plane. Buffers come in two classes: regular 8K data buffers for the
// connector path, and frame buffers large enough for a full IP packet, used
// by the userspace stack. Both recycle through internal pools on Release.
package buf // import "github.com/boltconn/boltconn/common/buf"

import (
	"io"
	"sync"

	"github.com/boltconn/boltconn/common/errors"
)

const (
	// Size of a regular data buffer.
	Size = 8192

	// frameSize fits any IP frame the stack can emit (64K minus nothing;
	// datagram payload lengths are 16-bit on every wire format we speak).
	frameSize = 1 << 16
)

// ErrBufferFull is returned by Write when data does not fit the buffer.
var ErrBufferFull = errors.New("buffer is full")

var (
	dataPool  = sync.Pool{New: func() interface{} { return make([]byte, Size) }}
	framePool = sync.Pool{New: func() interface{} { return make([]byte, frameSize) }}
)

// Buffer is a region of recycled bytes with a read cursor (start) and a write
// cursor (end). A buffer is exclusively owned while in flight; Release hands
// its storage back to the pool it came from.
type Buffer struct {
	data  []byte
	start int
	end   int
	// wrapped marks storage borrowed from a caller, never recycled
	wrapped bool
}

// New returns an empty data buffer.
func New() *Buffer {
	return &Buffer{data: dataPool.Get().([]byte)}
}

// NewWithSize returns an empty buffer with room for at least n bytes: a data
// buffer when n fits, a frame buffer otherwise.
func NewWithSize(n int) *Buffer {
	if n <= Size {
		return New()
	}
	if n <= frameSize {
		return &Buffer{data: framePool.Get().([]byte)}
	}
	return &Buffer{data: make([]byte, n), wrapped: true}
}

// FromBytes wraps an existing slice as a full buffer. The storage stays owned
// by the caller and is never recycled.
func FromBytes(b []byte) *Buffer {
	return &Buffer{data: b, end: len(b), wrapped: true}
}

// Release recycles the buffer's storage. The buffer must not be used after.
func (b *Buffer) Release() {
	if b == nil || b.data == nil {
		return
	}
	storage := b.data
	b.data = nil
	b.start = 0
	b.end = 0
	if b.wrapped {
		return
	}
	switch cap(storage) {
	case Size:
		dataPool.Put(storage[:Size]) // nolint: staticcheck
	case frameSize:
		framePool.Put(storage[:frameSize]) // nolint: staticcheck
	}
}

// Bytes returns the unread content.
func (b *Buffer) Bytes() []byte {
	return b.data[b.start:b.end]
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return b.end - b.start
}

// IsEmpty reports whether all content has been consumed.
func (b *Buffer) IsEmpty() bool {
	return b.Len() == 0
}

// Clear resets both cursors, leaving an empty buffer.
func (b *Buffer) Clear() {
	b.start = 0
	b.end = 0
}

// Advance consumes n bytes from the front.
func (b *Buffer) Advance(n int) {
	b.start += n
	if b.start > b.end {
		b.start = b.end
	}
}

// Resize reslices the content to [from, to), relative to the read cursor.
func (b *Buffer) Resize(from, to int) {
	if from < 0 || from > to || b.start+to > len(b.data) {
		panic("invalid resize")
	}
	b.end = b.start + to
	b.start += from
}

// Extend grows the content by n bytes and returns the added region for the
// caller to fill. It panics when n exceeds the remaining room.
func (b *Buffer) Extend(n int) []byte {
	end := b.end + n
	if end > len(b.data) {
		panic("extending out of bound")
	}
	grown := b.data[b.end:end]
	b.end = end
	return grown
}

// Write appends data, implementing io.Writer. A write that does not fit fails
// with ErrBufferFull after copying what fits.
func (b *Buffer) Write(data []byte) (int, error) {
	n := copy(b.data[b.end:], data)
	b.end += n
	if n < len(data) {
		return n, ErrBufferFull
	}
	return n, nil
}

// WriteString appends a string, implementing io.StringWriter.
func (b *Buffer) WriteString(s string) (int, error) {
	return b.Write([]byte(s))
}

// ReadFrom fills the buffer with one read, implementing io.ReaderFrom.
func (b *Buffer) ReadFrom(reader io.Reader) (int64, error) {
	n, err := reader.Read(b.data[b.end:])
	b.end += n
	return int64(n), err
}

// String returns the unread content as a string.
func (b *Buffer) String() string {
	return string(b.Bytes())
}
