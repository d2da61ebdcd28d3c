package resource

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/gobwas/glob"
	"github.com/gofrs/uuid"
)

// ID identifies a resource across the portal, clients and gateways.
type ID = uuid.UUID

// Protocol selects the transport a filter applies to.
type Protocol string

// Filter protocols.
const (
	ProtocolUDP  Protocol = "udp"
	ProtocolTCP  Protocol = "tcp"
	ProtocolICMP Protocol = "icmp"
)

// Filter restricts which traffic is allowed to reach a resource.
// A resource without filters allows all traffic.
type Filter struct {
	Protocol       Protocol `json:"protocol"`
	PortRangeStart uint16   `json:"port_range_start,omitempty"`
	PortRangeEnd   uint16   `json:"port_range_end,omitempty"`
}

// Matches reports whether traffic with the given transport and destination
// port passes the filter. ICMP filters ignore the port.
func (f Filter) Matches(protocol Protocol, port uint16) bool {
	if f.Protocol != protocol {
		return false
	}
	if f.Protocol == ProtocolICMP {
		return true
	}

	end := f.PortRangeEnd
	if end == 0 {
		end = 65535
	}
	return port >= f.PortRangeStart && port <= end
}

// Site names a gateway group that can serve a resource.
type Site struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Description is a policy-controlled destination a client may be granted
// access to: a DNS name, a CIDR network, or the whole Internet.
type Description interface {
	// ResourceID returns the portal-assigned id.
	ResourceID() ID
	// DisplayName returns the human-readable name.
	DisplayName() string
	// Filters returns the traffic filters. Empty means allow-all.
	Filters() []Filter
}

// DNS describes a resource that maps to a DNS record.
type DNS struct {
	ID ID
	// Address is the domain pattern clients match queries against.
	// It may carry a "*." prefix (matches the apex and subdomains of any
	// depth) or a "?." prefix (matches the apex and exactly one extra label).
	Address string
	Name    string
	Sites   []Site
	Filter  []Filter

	apex    string
	matcher glob.Glob
}

// NewDNS returns a DNS resource with its domain pattern compiled.
func NewDNS(id ID, address, name string, sites []Site, filters []Filter) (*DNS, error) {
	r := &DNS{
		ID:      id,
		Address: address,
		Name:    name,
		Sites:   sites,
		Filter:  filters,
	}

	pattern := strings.ToLower(strings.TrimSuffix(address, "."))
	switch {
	case strings.HasPrefix(pattern, "*."):
		r.apex = strings.TrimPrefix(pattern, "*.")
		// "*." matches subdomains of any depth, plus the apex itself.
		m, err := glob.Compile("**."+r.apex, '.')
		if err != nil {
			return nil, fmt.Errorf("invalid domain pattern %q: %w", address, err)
		}
		r.matcher = m
	case strings.HasPrefix(pattern, "?."):
		r.apex = strings.TrimPrefix(pattern, "?.")
		// "?." matches exactly one extra label, plus the apex itself.
		m, err := glob.Compile("*."+r.apex, '.')
		if err != nil {
			return nil, fmt.Errorf("invalid domain pattern %q: %w", address, err)
		}
		r.matcher = m
	default:
		r.apex = pattern
	}

	return r, nil
}

// ResourceID implements Description.
func (r *DNS) ResourceID() ID { return r.ID }

// DisplayName implements Description.
func (r *DNS) DisplayName() string { return r.Name }

// Filters implements Description.
func (r *DNS) Filters() []Filter { return r.Filter }

// Match reports whether the given domain name is covered by the resource's
// domain pattern.
func (r *DNS) Match(domain string) bool {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))

	if domain == r.apex {
		return true
	}
	if r.matcher == nil {
		return false
	}
	return r.matcher.Match(domain)
}

// CIDR describes a resource that maps to a network range.
type CIDR struct {
	ID      ID
	Network netip.Prefix
	Name    string
	Sites   []Site
	Filter  []Filter
}

// ResourceID implements Description.
func (r *CIDR) ResourceID() ID { return r.ID }

// DisplayName implements Description.
func (r *CIDR) DisplayName() string { return r.Name }

// Filters implements Description.
func (r *CIDR) Filters() []Filter { return r.Filter }

// Internet describes the catch-all resource for all non-resource traffic.
type Internet struct {
	ID   ID
	Name string
}

// ResourceID implements Description.
func (r *Internet) ResourceID() ID { return r.ID }

// DisplayName implements Description.
func (r *Internet) DisplayName() string {
	if r.Name == "" {
		return "Internet"
	}
	return r.Name
}

// Filters implements Description.
func (r *Internet) Filters() []Filter { return nil }
