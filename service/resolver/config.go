package resolver

import (
	"net/netip"
	"slices"

	"github.com/firezone/firezone-sub006/base/log"
)

// Mapping is the bidirectional assignment of sentinel addresses to upstream
// DNS servers.
type Mapping struct {
	bySentinel map[netip.Addr]netip.AddrPort
	byUpstream map[netip.AddrPort]netip.Addr
}

func newMapping() Mapping {
	return Mapping{
		bySentinel: make(map[netip.Addr]netip.AddrPort),
		byUpstream: make(map[netip.AddrPort]netip.Addr),
	}
}

// UpstreamBySentinel returns the upstream server a sentinel stands for.
func (m Mapping) UpstreamBySentinel(ip netip.Addr) (netip.AddrPort, bool) {
	upstream, ok := m.bySentinel[ip]
	return upstream, ok
}

// SentinelByUpstream returns the sentinel assigned to an upstream server.
func (m Mapping) SentinelByUpstream(upstream netip.AddrPort) (netip.Addr, bool) {
	sentinel, ok := m.byUpstream[upstream]
	return sentinel, ok
}

// Sentinels returns all assigned sentinel addresses, sorted.
func (m Mapping) Sentinels() []netip.Addr {
	sentinels := make([]netip.Addr, 0, len(m.bySentinel))
	for sentinel := range m.bySentinel {
		sentinels = append(sentinels, sentinel)
	}
	slices.SortFunc(sentinels, netip.Addr.Compare)
	return sentinels
}

// Upstreams returns all mapped upstream servers, sorted.
func (m Mapping) Upstreams() []netip.AddrPort {
	upstreams := make([]netip.AddrPort, 0, len(m.byUpstream))
	for upstream := range m.byUpstream {
		upstreams = append(upstreams, upstream)
	}
	slices.SortFunc(upstreams, compareAddrPorts)
	return upstreams
}

// Len returns the number of sentinel assignments.
func (m Mapping) Len() int {
	return len(m.bySentinel)
}

// DNSServersUpdated signals that the sentinel mapping changed and the new
// sentinel set must be installed as the system's nameservers. Cached DNS
// responses are stale once this fires.
type DNSServersUpdated struct {
	Sentinels []netip.Addr
}

// Config tracks the DNS servers the tunnel should use and maintains the
// sentinel mapping over them. Portal-pushed upstream servers take precedence
// over the system's own resolvers.
type Config struct {
	system   []netip.AddrPort
	upstream []netip.AddrPort

	mapping       Mapping
	usedSentinels []netip.Addr

	events []DNSServersUpdated
}

// NewConfig returns an empty DNS configuration.
func NewConfig() *Config {
	return &Config{
		mapping: newMapping(),
	}
}

// UpdateSystemResolvers replaces the set of system-configured resolvers.
func (c *Config) UpdateSystemResolvers(servers []netip.AddrPort) {
	c.system = slices.Clone(servers)
	c.recompute()
}

// SetUpstreamResolvers replaces the set of portal-pushed resolvers.
func (c *Config) SetUpstreamResolvers(servers []netip.AddrPort) {
	c.upstream = slices.Clone(servers)
	c.recompute()
}

// EffectiveServers returns the servers DNS queries are forwarded to:
// the upstream set if non-empty, the system set otherwise. Servers inside
// the sentinel ranges are dropped so the tunnel never forwards to itself.
func (c *Config) EffectiveServers() []netip.AddrPort {
	candidates := c.upstream
	if len(candidates) == 0 {
		candidates = c.system
	}

	effective := make([]netip.AddrPort, 0, len(candidates))
	for _, server := range candidates {
		if IsSentinel(server.Addr()) {
			log.Debugf("resolver: ignoring DNS server %s within sentinel range", server)
			continue
		}
		effective = append(effective, server)
	}
	return effective
}

// Mapping returns the current sentinel mapping.
func (c *Config) Mapping() Mapping {
	return c.mapping
}

// PollEvent returns the next pending event, if any.
func (c *Config) PollEvent() (DNSServersUpdated, bool) {
	if len(c.events) == 0 {
		return DNSServersUpdated{}, false
	}
	event := c.events[0]
	c.events = c.events[1:]
	return event, true
}

// recompute rebuilds the sentinel mapping if the effective server set
// changed. Sentinels from earlier mappings are never reassigned, so a host
// still resolving against an old sentinel fails instead of silently talking
// to a different upstream.
func (c *Config) recompute() {
	effective := c.EffectiveServers()
	if sameServerSet(effective, c.mapping.Upstreams()) {
		return
	}

	// Retire the current sentinels before allocating new ones.
	c.usedSentinels = append(c.usedSentinels, c.mapping.Sentinels()...)

	provider := NewSentinelProvider(c.usedSentinels)
	mapping := newMapping()

	sorted := slices.Clone(effective)
	slices.SortFunc(sorted, compareAddrPorts)
	for _, upstream := range sorted {
		sentinel, ok := provider.NextFor(upstream.Addr())
		if !ok {
			log.Warningf("resolver: sentinel range exhausted, cannot map DNS server %s", upstream)
			continue
		}
		mapping.bySentinel[sentinel] = upstream
		mapping.byUpstream[upstream] = sentinel
	}

	c.mapping = mapping
	log.Infof("resolver: sentinel mapping updated for %d DNS servers", mapping.Len())
	c.events = append(c.events, DNSServersUpdated{Sentinels: mapping.Sentinels()})
}

func sameServerSet(a, b []netip.AddrPort) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[netip.AddrPort]struct{}, len(a))
	for _, server := range a {
		set[server] = struct{}{}
	}
	for _, server := range b {
		if _, ok := set[server]; !ok {
			return false
		}
	}
	return true
}

func compareAddrPorts(a, b netip.AddrPort) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	switch {
	case a.Port() < b.Port():
		return -1
	case a.Port() > b.Port():
		return 1
	default:
		return 0
	}
}
