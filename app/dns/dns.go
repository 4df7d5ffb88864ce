// Package dns implements the local resolver: genuine lookups against the
// configured nameservers, and fake-IP answers for traffic that should be
// captured by hostname identity.
package dns // import "github.com/boltconn/boltconn/app/dns"

import (
	"context"
	"strings"
	"sync"
	"time"

	mdns "github.com/miekg/dns"

	"github.com/boltconn/boltconn/app/fakedns"
	"github.com/boltconn/boltconn/common/errors"
	"github.com/boltconn/boltconn/common/net"
)

const queryTimeout = 5 * time.Second

// Config carries the resolver inputs handed over by the config layer.
type Config struct {
	// Bootstrap are plain IP nameservers used only to resolve domain-form
	// entries of Nameservers.
	Bootstrap []net.Destination
	// Nameservers are the primary servers, as "host:port" with host either an
	// IP or a domain name.
	Nameservers []string
	// FakeIPPool is the CIDR synthetic addresses are drawn from.
	FakeIPPool string
	// ForceDirectDNS requests that nameserver traffic bypasses any proxy.
	ForceDirectDNS bool
}

// Resolver answers local queries with fake IPs and performs genuine lookups
// for everything that needs a real address.
type Resolver struct {
	client  *mdns.Client
	servers []string
	fake    *fakedns.Holder
	direct  []net.Destination

	mu    sync.RWMutex
	cache map[string]cachedIP
}

type cachedIP struct {
	ip      net.IP
	expires time.Time
}

// New builds a Resolver, resolving domain-form nameservers through the
// bootstrap set first.
func New(config *Config) (*Resolver, error) {
	pool := config.FakeIPPool
	if pool == "" {
		pool = fakedns.DefaultIPPool
	}
	fake, err := fakedns.NewWithPool(pool, 65535)
	if err != nil {
		return nil, err
	}

	r := &Resolver{
		client: &mdns.Client{Timeout: queryTimeout},
		fake:   fake,
		cache:  make(map[string]cachedIP),
	}

	bootstrap := make([]string, 0, len(config.Bootstrap))
	for _, b := range config.Bootstrap {
		bootstrap = append(bootstrap, b.NetAddr())
	}

	for _, ns := range config.Nameservers {
		host, port, err := net.SplitHostPort(ns)
		if err != nil {
			host, port = ns, "53"
		}
		addr := net.ParseAddress(host)
		if addr.Family().IsDomain() {
			if len(bootstrap) == 0 {
				return nil, errors.New("nameserver ", ns, " needs a bootstrap server")
			}
			ip, err := queryA(r.client, bootstrap, addr.Domain())
			if err != nil {
				return nil, errors.New("failed to bootstrap nameserver ", ns).Base(err)
			}
			r.servers = append(r.servers, net.IPAddress(ip).String()+":"+port)
		} else {
			r.servers = append(r.servers, addr.String()+":"+port)
		}
	}
	if len(r.servers) == 0 {
		return nil, errors.New("no nameserver configured")
	}

	if config.ForceDirectDNS {
		for _, s := range r.servers {
			if d, err := net.ParseDestination("udp:" + s); err == nil {
				r.direct = append(r.direct, d)
			}
		}
	}
	return r, nil
}

func queryA(client *mdns.Client, servers []string, domain string) (net.IP, error) {
	msg := new(mdns.Msg)
	msg.SetQuestion(mdns.Fqdn(domain), mdns.TypeA)
	var lastErr error
	for _, server := range servers {
		resp, _, err := client.Exchange(msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		for _, rr := range resp.Answer {
			if a, ok := rr.(*mdns.A); ok {
				return net.IP(a.A), nil
			}
		}
		lastErr = errors.New("no A record for ", domain)
	}
	return nil, errors.New("dns lookup failed for ", domain).Base(lastErr)
}

// GenuineLookup resolves domain to a real IPv4 address through the primary
// nameservers, with a short positive cache.
func (r *Resolver) GenuineLookup(ctx context.Context, domain string) (net.IP, error) {
	r.mu.RLock()
	if c, ok := r.cache[domain]; ok && time.Now().Before(c.expires) {
		r.mu.RUnlock()
		return c.ip, nil
	}
	r.mu.RUnlock()

	ip, err := queryA(r.client, r.servers, domain)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[domain] = cachedIP{ip: ip, expires: time.Now().Add(time.Minute)}
	r.mu.Unlock()
	return ip, nil
}

// FakeIPForDomain issues (or replays) the synthetic address for domain.
func (r *Resolver) FakeIPForDomain(domain string) net.Address {
	return r.fake.GetFakeIPForDomain(domain)
}

// DomainFromFakeIP reverse-maps a captured destination. Returns "" when addr
// is not a fake IP.
func (r *Resolver) DomainFromFakeIP(addr net.Address) string {
	return r.fake.GetDomainFromFakeDNS(addr)
}

// IsFakeIP reports whether addr belongs to the fake pool.
func (r *Resolver) IsFakeIP(addr net.Address) bool {
	return r.fake.IsIPInIPPool(addr)
}

// DirectDNSAddrs lists nameserver endpoints that must be dispatched DIRECT,
// or nil when force-direct is off.
func (r *Resolver) DirectDNSAddrs() []net.Destination {
	return r.direct
}

// HandleQuery serves one raw DNS query captured from the TUN device. A-type
// questions are answered from the fake pool and AAAA questions get an empty
// reply; anything else, including queries with more than one question, is
// forwarded to the primary nameservers.
func (r *Resolver) HandleQuery(ctx context.Context, payload []byte) ([]byte, error) {
	query := new(mdns.Msg)
	if err := query.Unpack(payload); err != nil {
		return nil, errors.New("malformed dns query").Base(err)
	}
	if len(query.Question) != 1 {
		return r.forward(query)
	}

	q := query.Question[0]
	switch q.Qtype {
	case mdns.TypeA:
		domain := strings.TrimSuffix(q.Name, ".")
		addr := r.fake.GetFakeIPForDomain(domain)
		resp := new(mdns.Msg)
		resp.SetReply(query)
		resp.Answer = append(resp.Answer, &mdns.A{
			Hdr: mdns.RR_Header{Name: q.Name, Rrtype: mdns.TypeA, Class: mdns.ClassINET, Ttl: 1},
			A:   addr.IP(),
		})
		return resp.Pack()
	case mdns.TypeAAAA:
		// Only IPv4 fake addresses are issued; an empty answer steers clients
		// to the A record.
		resp := new(mdns.Msg)
		resp.SetReply(query)
		return resp.Pack()
	default:
		return r.forward(query)
	}
}

func (r *Resolver) forward(query *mdns.Msg) ([]byte, error) {
	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.Exchange(query, server)
		if err != nil {
			lastErr = err
			continue
		}
		return resp.Pack()
	}
	return nil, errors.New("all nameservers failed").Base(lastErr)
}
