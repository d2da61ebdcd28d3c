package resource

import (
	"net/netip"
	"strings"

	radix "github.com/armon/go-radix"
)

// Index holds the resources a client has been granted and answers lookups
// by id, by destination IP and by domain name. All views store resource ids
// and resolve through the id map, so a resource lives in exactly one place.
//
// Index is not safe for concurrent use. It is owned by the tunnel event
// loop, same as everything else in this tree.
type Index struct {
	byID     map[ID]Description
	byIP     *radix.Tree // bit-string prefix keys -> ID
	byDomain map[string]ID

	internet *Internet
}

// NewIndex returns an empty resource index.
func NewIndex() *Index {
	return &Index{
		byID:     make(map[ID]Description),
		byIP:     radix.New(),
		byDomain: make(map[string]ID),
	}
}

// Insert adds a resource to all views. Any existing resource that collides
// on id, network or domain pattern is fully removed first, so a stale entry
// can never shadow the new one in a view the caller did not think of.
func (idx *Index) Insert(r Description) {
	idx.Remove(r.ResourceID())

	switch r := r.(type) {
	case *DNS:
		key := domainKey(r.Address)
		if staleID, ok := idx.byDomain[key]; ok {
			idx.Remove(staleID)
		}
		idx.byDomain[key] = r.ID

	case *CIDR:
		key := prefixKey(r.Network)
		if staleID, ok := idx.byIP.Get(key); ok {
			idx.Remove(staleID.(ID))
		}
		idx.byIP.Insert(key, r.ID)

	case *Internet:
		if idx.internet != nil {
			idx.Remove(idx.internet.ID)
		}
		idx.internet = r
	}

	idx.byID[r.ResourceID()] = r
}

// Remove deletes a resource from all views. Unknown ids are ignored.
func (idx *Index) Remove(id ID) {
	r, ok := idx.byID[id]
	if !ok {
		return
	}
	delete(idx.byID, id)

	switch r := r.(type) {
	case *DNS:
		key := domainKey(r.Address)
		if idx.byDomain[key] == id {
			delete(idx.byDomain, key)
		}
	case *CIDR:
		key := prefixKey(r.Network)
		if cur, ok := idx.byIP.Get(key); ok && cur.(ID) == id {
			idx.byIP.Delete(key)
		}
	case *Internet:
		if idx.internet != nil && idx.internet.ID == id {
			idx.internet = nil
		}
	}
}

// GetByID returns the resource with the given id.
func (idx *Index) GetByID(id ID) (Description, bool) {
	r, ok := idx.byID[id]
	return r, ok
}

// GetByIP returns the CIDR resource with the longest prefix containing ip.
func (idx *Index) GetByIP(ip netip.Addr) (*CIDR, bool) {
	_, id, ok := idx.byIP.LongestPrefix(addrKey(ip))
	if !ok {
		return nil, false
	}
	r, ok := idx.byID[id.(ID)].(*CIDR)
	return r, ok
}

// GetByDst returns the resource traffic to the given destination should be
// routed to, honoring traffic filters. Among CIDR resources containing ip,
// the most specific network wins; a resource whose filters reject the
// traffic is skipped in favor of less specific ones. Falls back to the
// Internet resource if one is present.
func (idx *Index) GetByDst(ip netip.Addr, protocol Protocol, port uint16) (Description, bool) {
	var ids []ID
	idx.byIP.WalkPath(addrKey(ip), func(_ string, v interface{}) bool {
		ids = append(ids, v.(ID))
		return false
	})

	// WalkPath visits least specific first.
	for i := len(ids) - 1; i >= 0; i-- {
		r, ok := idx.byID[ids[i]]
		if !ok {
			continue
		}
		if filtersAllow(r.Filters(), protocol, port) {
			return r, true
		}
	}

	if idx.internet != nil {
		return idx.internet, true
	}
	return nil, false
}

// GetByDomainPattern returns the DNS resource registered under the exact
// domain pattern string.
func (idx *Index) GetByDomainPattern(pattern string) (*DNS, bool) {
	id, ok := idx.byDomain[domainKey(pattern)]
	if !ok {
		return nil, false
	}
	r, ok := idx.byID[id].(*DNS)
	return r, ok
}

// MatchDomain returns the DNS resource whose pattern covers the given
// domain. An exact pattern beats a wildcard; among wildcards the longest
// apex wins.
func (idx *Index) MatchDomain(domain string) (*DNS, bool) {
	var (
		best      *DNS
		bestExact bool
	)
	for _, id := range idx.byDomain {
		r, ok := idx.byID[id].(*DNS)
		if !ok || !r.Match(domain) {
			continue
		}
		exact := r.matcher == nil
		switch {
		case best == nil:
			best, bestExact = r, exact
		case exact && !bestExact:
			best, bestExact = r, true
		case exact == bestExact && len(r.apex) > len(best.apex):
			best = r
		}
	}
	return best, best != nil
}

// Internet returns the Internet resource, if one has been granted.
func (idx *Index) Internet() (*Internet, bool) {
	return idx.internet, idx.internet != nil
}

// All returns every resource in the index, in no particular order.
func (idx *Index) All() []Description {
	all := make([]Description, 0, len(idx.byID))
	for _, r := range idx.byID {
		all = append(all, r)
	}
	return all
}

// Len returns the number of resources in the index.
func (idx *Index) Len() int {
	return len(idx.byID)
}

// Clear removes all resources.
func (idx *Index) Clear() {
	idx.byID = make(map[ID]Description)
	idx.byIP = radix.New()
	idx.byDomain = make(map[string]ID)
	idx.internet = nil
}

func filtersAllow(filters []Filter, protocol Protocol, port uint16) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.Matches(protocol, port) {
			return true
		}
	}
	return false
}

func domainKey(pattern string) string {
	return strings.ToLower(strings.TrimSuffix(pattern, "."))
}

// addrKey renders an address as a bit string so that the radix tree's
// longest-prefix lookup becomes longest-prefix-match over networks. The
// family marker keeps IPv4 keys from ever prefixing IPv6 keys.
func addrKey(ip netip.Addr) string {
	var b strings.Builder
	if ip.Is4() {
		b.WriteByte('4')
	} else {
		b.WriteByte('6')
	}
	for _, octet := range ip.AsSlice() {
		for bit := 7; bit >= 0; bit-- {
			if octet&(1<<bit) != 0 {
				b.WriteByte('1')
			} else {
				b.WriteByte('0')
			}
		}
	}
	return b.String()
}

func prefixKey(p netip.Prefix) string {
	p = p.Masked()
	return addrKey(p.Addr())[:p.Bits()+1]
}
