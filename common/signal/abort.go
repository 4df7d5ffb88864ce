// Package signal provides cancellation and notification primitives for the flow plane.
package signal // import "github.com/boltconn/boltconn/common/signal"

import (
	"sync"
	"sync/atomic"
)

// AbortState is the lifecycle state of an AbortHandle. Transition is monotonic:
// Ready -> Running -> Cancelled, and states are never revisited.
type AbortState int32

const (
	AbortReady AbortState = iota
	AbortRunning
	AbortCancelled
)

// AbortHandle is a shared cancellation token for one dispatched flow. Both
// halves of the flow hold a reference; cancelling wakes every task waiting on
// any Connector tied to the flow.
type AbortHandle struct {
	state  atomic.Int32
	once   sync.Once
	cancel chan struct{}
}

// NewAbortHandle creates an AbortHandle in Ready state.
func NewAbortHandle() *AbortHandle {
	return &AbortHandle{
		cancel: make(chan struct{}),
	}
}

// Start marks the handle Running. Starting a cancelled handle is a no-op.
func (h *AbortHandle) Start() {
	h.state.CompareAndSwap(int32(AbortReady), int32(AbortRunning))
}

// State returns the current state.
func (h *AbortHandle) State() AbortState {
	return AbortState(h.state.Load())
}

// Cancelled returns true once Cancel has been called.
func (h *AbortHandle) Cancelled() bool {
	return h.State() == AbortCancelled
}

// Cancel transitions the handle to Cancelled and triggers all waiters.
// It is idempotent and safe for concurrent use.
func (h *AbortHandle) Cancel() {
	h.once.Do(func() {
		h.state.Store(int32(AbortCancelled))
		close(h.cancel)
	})
}

// Done returns a channel closed upon cancellation.
func (h *AbortHandle) Done() <-chan struct{} {
	return h.cancel
}
