// Package nat maintains the bidirectional session table that lets a hijacked
// connection be recovered from the source port of its redirected accept.
package nat // import "github.com/boltconn/boltconn/app/nat"

import (
	"sync"
	"time"

	"github.com/boltconn/boltconn/common/errors"
	"github.com/boltconn/boltconn/common/net"
	"github.com/boltconn/boltconn/common/task"
)

// Port pools are disjoint between TCP and UDP so a looked-up port can never be
// attributed to the wrong kind.
const (
	minTCPPort = net.Port(16384)
	maxTCPPort = net.Port(40959)
	minUDPPort = net.Port(40960)
	maxUDPPort = net.Port(65535)

	// DefaultGrace is how long a fully-released entry survives before reaping.
	DefaultGrace = 30 * time.Second
	// DefaultUDPTimeout is the idle lifetime of a UDP session.
	DefaultUDPTimeout = 300 * time.Second

	flushInterval = 1 * time.Second
)

// ErrPortExhausted is returned when the ephemeral range of a kind is fully allocated.
var ErrPortExhausted = errors.New("ephemeral port range exhausted")

type tuple struct {
	src net.Destination
	dst net.Destination
}

// Entry is one live session record.
type Entry struct {
	Src       net.Destination
	Dst       net.Destination
	Indicator *Indicator

	port      net.Port
	lastSeen  time.Time
	zeroSince time.Time
}

type pool struct {
	byPort  map[net.Port]*Entry
	byTuple map[tuple]*Entry
	next    net.Port
	min     net.Port
	max     net.Port
}

func newPool(min, max net.Port) *pool {
	return &pool{
		byPort:  make(map[net.Port]*Entry),
		byTuple: make(map[tuple]*Entry),
		next:    min,
		min:     min,
		max:     max,
	}
}

func (p *pool) allocate() (net.Port, error) {
	total := int(p.max) - int(p.min) + 1
	for i := 0; i < total; i++ {
		candidate := p.next
		if p.next == p.max {
			p.next = p.min
		} else {
			p.next++
		}
		if _, occupied := p.byPort[candidate]; !occupied {
			return candidate, nil
		}
	}
	return 0, ErrPortExhausted
}

// Table is the session NAT. All operations are O(1) expected; the table never
// mutates an entry's indicator.
type Table struct {
	mu         sync.Mutex
	tcp        *pool
	udp        *pool
	grace      time.Duration
	udpTimeout time.Duration
	flushTask  *task.Periodic
}

// New creates a Table with the given lifetimes. Zero durations select the defaults.
func New(grace, udpTimeout time.Duration) *Table {
	if grace == 0 {
		grace = DefaultGrace
	}
	if udpTimeout == 0 {
		udpTimeout = DefaultUDPTimeout
	}
	t := &Table{
		tcp:        newPool(minTCPPort, maxTCPPort),
		udp:        newPool(minUDPPort, maxUDPPort),
		grace:      grace,
		udpTimeout: udpTimeout,
	}
	t.flushTask = &task.Periodic{
		Interval: flushInterval,
		Execute: func() error {
			t.Flush(time.Now())
			return nil
		},
	}
	return t
}

// Start launches the periodic reaper.
func (t *Table) Start() error {
	return t.flushTask.Start()
}

// Close stops the reaper.
func (t *Table) Close() error {
	return t.flushTask.Close()
}

func (t *Table) register(p *pool, src, dst net.Destination, now time.Time) (net.Port, *Indicator, error) {
	key := tuple{src: src, dst: dst}
	if entry, found := p.byTuple[key]; found && entry.Indicator.Alive() {
		// Replay: the previous session for this tuple is still alive, reuse it.
		entry.lastSeen = now
		return entry.port, entry.Indicator, nil
	}

	port, err := p.allocate()
	if err != nil {
		return 0, nil, err
	}
	entry := &Entry{
		Src:       src,
		Dst:       dst,
		Indicator: NewIndicator(),
		port:      port,
		lastSeen:  now,
	}
	p.byPort[port] = entry
	p.byTuple[key] = entry
	return port, entry.Indicator, nil
}

// RegisterTCP allocates (or replays) a NAT port for a TCP tuple. The returned
// indicator starts at 2: one count per endpoint of the flow.
func (t *Table) RegisterTCP(src, dst net.Destination) (net.Port, *Indicator, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.register(t.tcp, src, dst, time.Now())
}

// RegisterUDP is the datagram analogue of RegisterTCP.
func (t *Table) RegisterUDP(src, dst net.Destination) (net.Port, *Indicator, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.register(t.udp, src, dst, time.Now())
}

// LookupTCP recovers the original tuple from the accept source port.
func (t *Table) LookupTCP(port net.Port) (src, dst net.Destination, indicator *Indicator, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, found := t.tcp.byPort[port]
	if !found {
		return net.Destination{}, net.Destination{}, nil, false
	}
	return entry.Src, entry.Dst, entry.Indicator, true
}

// LookupUDP recovers the original tuple from a datagram source port, refreshing
// the entry's idle timer.
func (t *Table) LookupUDP(port net.Port) (src, dst net.Destination, indicator *Indicator, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, found := t.udp.byPort[port]
	if !found {
		return net.Destination{}, net.Destination{}, nil, false
	}
	entry.lastSeen = time.Now()
	return entry.Src, entry.Dst, entry.Indicator, true
}

func (t *Table) flushPool(p *pool, now time.Time, idleTimeout time.Duration) {
	for port, entry := range p.byPort {
		remove := false
		if !entry.Indicator.Alive() {
			if entry.zeroSince.IsZero() {
				entry.zeroSince = now
			} else if now.Sub(entry.zeroSince) > t.grace {
				remove = true
			}
		} else {
			entry.zeroSince = time.Time{}
		}
		if idleTimeout > 0 && now.Sub(entry.lastSeen) > idleTimeout {
			remove = true
		}
		if remove {
			delete(p.byPort, port)
			delete(p.byTuple, tuple{src: entry.Src, dst: entry.Dst})
		}
	}
}

// Flush reaps entries whose indicator reached zero more than grace ago, and
// UDP entries idle beyond the UDP timeout.
func (t *Table) Flush(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushPool(t.tcp, now, 0)
	t.flushPool(t.udp, now, t.udpTimeout)
}
