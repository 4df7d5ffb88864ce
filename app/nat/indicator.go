package nat

import "sync/atomic"

// Indicator counts the alive endpoints of a flow. The inbound and outbound
// halves each hold one count; either may release its count to signal teardown.
// The NAT itself never mutates it, it only observes zero.
type Indicator struct {
	v atomic.Int32
}

// NewIndicator creates an indicator holding one count per flow endpoint.
func NewIndicator() *Indicator {
	i := &Indicator{}
	i.v.Store(2)
	return i
}

// Release drops one count. Within a flow's lifetime the value only decreases;
// releasing below zero is clamped and reported false.
func (i *Indicator) Release() bool {
	for {
		cur := i.v.Load()
		if cur <= 0 {
			return false
		}
		if i.v.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// Alive reports whether any endpoint still holds a count.
func (i *Indicator) Alive() bool {
	return i.v.Load() > 0
}

// Value returns the current count.
func (i *Indicator) Value() int32 {
	return i.v.Load()
}
