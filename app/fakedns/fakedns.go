// Package fakedns hands out synthetic IPs per domain so that a flow captured
// on the TUN device keeps a stable hostname-keyed identity, reverse-mapped on
// accept.
package fakedns // import "github.com/boltconn/boltconn/app/fakedns"

import (
	"math"
	"net/netip"
	"sync"
	"time"

	"go4.org/netipx"

	"github.com/boltconn/boltconn/common/cache"
	"github.com/boltconn/boltconn/common/errors"
	"github.com/boltconn/boltconn/common/net"
)

const (
	// DefaultIPPool is the CIDR fake IPs are drawn from.
	DefaultIPPool = "198.18.0.0/15"

	defaultLruSize = 65535
)

// Holder owns the domain<->IP pool.
type Holder struct {
	domainToIP cache.Lru
	ipRange    netipx.IPRange
	prefix     netip.Prefix
	cursor     netip.Addr
	mu         sync.Mutex
}

// New creates a Holder over the default pool.
func New() (*Holder, error) {
	return NewWithPool(DefaultIPPool, defaultLruSize)
}

// NewWithPool creates a Holder over the given CIDR with the given LRU size.
func NewWithPool(ipPoolCidr string, lruSize int) (*Holder, error) {
	prefix, err := netip.ParsePrefix(ipPoolCidr)
	if err != nil {
		return nil, errors.New("unable to parse CIDR for fake IP assignment").Base(err)
	}
	rooms := prefix.Addr().BitLen() - prefix.Bits()
	if math.Log2(float64(lruSize)) >= float64(rooms) {
		return nil, errors.New("LRU size is bigger than subnet size").AtError()
	}

	ipRange := netipx.RangeOfPrefix(prefix)
	holder := &Holder{
		domainToIP: cache.NewLru(lruSize),
		ipRange:    ipRange,
		prefix:     prefix,
	}
	// Spread the initial cursor so restarts do not immediately reuse the same
	// addresses for different domains.
	offset := uint64(time.Now().UnixNano()/1e6) % (uint64(1) << uint(min(rooms, 62)))
	holder.cursor = ipRange.From()
	for i := uint64(0); i < offset; i++ {
		holder.cursor = holder.advance(holder.cursor)
	}
	return holder, nil
}

func (h *Holder) advance(ip netip.Addr) netip.Addr {
	next := ip.Next()
	if !next.IsValid() || next.Compare(h.ipRange.To()) > 0 {
		return h.ipRange.From()
	}
	return next
}

// IsIPInIPPool reports whether addr was (potentially) issued by this holder.
func (h *Holder) IsIPInIPPool(addr net.Address) bool {
	if addr.Family().IsDomain() {
		return false
	}
	ip, ok := netipx.FromStdIP(addr.IP())
	if !ok {
		return false
	}
	return h.prefix.Contains(ip)
}

// GetFakeIPForDomain returns the fake IP of domain, issuing a fresh one on
// first sight.
func (h *Holder) GetFakeIPForDomain(domain string) net.Address {
	h.mu.Lock()
	defer h.mu.Unlock()

	if v, ok := h.domainToIP.Get(domain); ok {
		return v.(net.Address)
	}

	for {
		candidate := net.IPAddress(h.cursor.AsSlice())
		h.cursor = h.advance(h.cursor)
		// After running for a long time the cursor wraps and may meet
		// addresses still in use.
		if _, inUse := h.domainToIP.PeekKeyFromValue(candidate); !inUse {
			h.domainToIP.Put(domain, candidate)
			return candidate
		}
	}
}

// GetDomainFromFakeDNS reverse-maps a fake IP to the domain it was issued for.
// Returns "" when ip is outside the pool or unknown.
func (h *Holder) GetDomainFromFakeDNS(addr net.Address) string {
	if !addr.Family().IsIP() || !h.IsIPInIPPool(addr) {
		return ""
	}
	if k, ok := h.domainToIP.GetKeyFromValue(addr); ok {
		return k.(string)
	}
	return ""
}
