package resolver

import (
	"net/netip"
)

// Well-known tunnel-internal ranges. Sentinel addresses are handed to the
// OS as nameservers so that DNS traffic is routed into the tunnel; resource
// addresses are handed out as stable proxy IPs for DNS resources.
var (
	SentinelRangeV4 = netip.MustParsePrefix("100.100.111.0/24")
	SentinelRangeV6 = netip.MustParsePrefix("fd00:2021:1111:8000:100:100:111:0/120")

	ResourceRangeV4 = netip.MustParsePrefix("100.96.0.0/11")
	ResourceRangeV6 = netip.MustParsePrefix("fd00:2021:1111:8000::/107")
)

// IsSentinel reports whether ip lies in one of the sentinel ranges.
func IsSentinel(ip netip.Addr) bool {
	return SentinelRangeV4.Contains(ip) || SentinelRangeV6.Contains(ip)
}

// IPProvider hands out addresses from one IPv4 and one IPv6 range, skipping
// a set of excluded networks. Handed-out addresses are never repeated.
type IPProvider struct {
	v4, v6         netip.Prefix
	nextV4, nextV6 netip.Addr
	exclusions     []netip.Prefix
}

// NewIPProvider returns a provider over the given ranges. Addresses inside
// any of the exclusions are skipped.
func NewIPProvider(v4, v6 netip.Prefix, exclusions []netip.Prefix) *IPProvider {
	return &IPProvider{
		v4:         v4,
		v6:         v6,
		nextV4:     v4.Masked().Addr().Next(),
		nextV6:     v6.Masked().Addr().Next(),
		exclusions: exclusions,
	}
}

// NewSentinelProvider returns a provider over the sentinel ranges that will
// never hand out any of the given already-used sentinels again.
func NewSentinelProvider(used []netip.Addr) *IPProvider {
	exclusions := make([]netip.Prefix, 0, len(used))
	for _, ip := range used {
		exclusions = append(exclusions, netip.PrefixFrom(ip, ip.BitLen()))
	}
	return NewIPProvider(SentinelRangeV4, SentinelRangeV6, exclusions)
}

// NewResourceProvider returns a provider over the proxy-IP ranges for DNS
// resources. The sentinel ranges are excluded so a proxy IP can never be
// mistaken for a nameserver.
func NewResourceProvider() *IPProvider {
	return NewIPProvider(ResourceRangeV4, ResourceRangeV6, []netip.Prefix{
		SentinelRangeV4,
		SentinelRangeV6,
	})
}

// NextV4 returns the next free IPv4 address, if the range is not exhausted.
func (p *IPProvider) NextV4() (netip.Addr, bool) {
	return p.next(&p.nextV4, p.v4)
}

// NextV6 returns the next free IPv6 address, if the range is not exhausted.
func (p *IPProvider) NextV6() (netip.Addr, bool) {
	return p.next(&p.nextV6, p.v6)
}

// NextFor returns the next free address of the same family as ip.
func (p *IPProvider) NextFor(ip netip.Addr) (netip.Addr, bool) {
	if ip.Is4() {
		return p.NextV4()
	}
	return p.NextV6()
}

func (p *IPProvider) next(cursor *netip.Addr, within netip.Prefix) (netip.Addr, bool) {
	for within.Contains(*cursor) {
		candidate := *cursor
		*cursor = cursor.Next()
		if p.excluded(candidate) {
			continue
		}
		return candidate, true
	}
	return netip.Addr{}, false
}

func (p *IPProvider) excluded(ip netip.Addr) bool {
	for _, exclusion := range p.exclusions {
		if exclusion.Contains(ip) {
			return true
		}
	}
	return false
}
