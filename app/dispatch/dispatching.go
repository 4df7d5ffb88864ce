package dispatch

import (
	"context"
	"sync/atomic"

	"github.com/boltconn/boltconn/common/errors"
)

// Dispatching is one published generation of the rule engine. A reload builds
// a fresh Dispatching and swaps the active pointer; readers always see a
// consistent snapshot.
type Dispatching struct {
	temporary atomic.Pointer[TemporaryList]
	builder   *Builder
	proxies   map[string]*Proxy
	groups    []*ProxyGroup
	snippet   *Snippet
}

// Matches decides the transport for info. The temporary overlay wins when it
// matches; otherwise the main snippet decides, falling back as configured.
func (d *Dispatching) Matches(ctx context.Context, info *ConnInfo, verbose bool) Decision {
	if decision, ok := d.temporary.Load().Matches(ctx, info, verbose); ok {
		return decision
	}
	return d.snippet.Matches(ctx, info, verbose)
}

// UpdateTemporaryList recompiles the overlay against this generation's name
// table and publishes it atomically.
func (d *Dispatching) UpdateTemporaryList(lines []RuleLine) error {
	overlay, err := d.builder.BuildTemporaryList(lines)
	if err != nil {
		return err
	}
	d.temporary.Store(overlay)
	return nil
}

// SetGroupSelection switches the selection of the named group.
func (d *Dispatching) SetGroupSelection(group, proxy string) error {
	for _, g := range d.groups {
		if g.Name() == group {
			return g.SetSelection(proxy)
		}
	}
	return errors.New("group ", group, " not found")
}

// GetGroupList returns the user-visible groups in configuration order. Chains
// are excluded: they have no selection.
func (d *Dispatching) GetGroupList() []*ProxyGroup {
	return d.groups
}

// GetProxy looks up a proxy by name.
func (d *Dispatching) GetProxy(name string) (*Proxy, bool) {
	p, found := d.proxies[name]
	return p, found
}
