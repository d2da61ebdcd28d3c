package resolver

import (
	"net/netip"
	"strings"

	"github.com/miekg/dns"

	"github.com/firezone/firezone-sub006/base/log"
	"github.com/firezone/firezone-sub006/service/resource"
)

const (
	// proxyTTL keeps clients re-asking so resource changes propagate fast.
	proxyTTL = 1

	// dohCanaryDomain is answered NXDOMAIN to keep browsers from switching
	// to DNS-over-HTTPS and bypassing the tunnel entirely.
	dohCanaryDomain = "use-application-dns.net."

	proxyIPsPerFamily = 4
)

// Strategy tells the owner what to do with an intercepted DNS query.
type Strategy int

// Resolve strategies.
const (
	// StrategyLocal means the stub resolver produced the response itself.
	StrategyLocal Strategy = iota
	// StrategyRecurse means the query must be forwarded to the upstream
	// server the queried sentinel stands for.
	StrategyRecurse
	// StrategyRecurseSite means the query concerns a DNS resource but
	// cannot be answered with proxy IPs; the gateway's site resolver must
	// answer it.
	StrategyRecurseSite
)

// Resolution is the stub resolver's verdict on one query.
type Resolution struct {
	Strategy Strategy

	// Response is set for StrategyLocal.
	Response *dns.Msg
	// Resource is set for StrategyLocal on resource domains and for
	// StrategyRecurseSite.
	Resource resource.ID
}

// StubResolver intercepts DNS queries addressed to sentinel nameservers.
// Queries for DNS resources are answered locally with stable proxy IPs;
// everything else recurses upstream.
type StubResolver struct {
	provider *IPProvider

	ipsByDomain map[domainKey][]netip.Addr
	domainByIP  map[netip.Addr]domainKey
}

type domainKey struct {
	domain   string
	resource resource.ID
}

// NewStubResolver returns a stub resolver with a fresh proxy IP pool.
func NewStubResolver() *StubResolver {
	return &StubResolver{
		provider:    NewResourceProvider(),
		ipsByDomain: make(map[domainKey][]netip.Addr),
		domainByIP:  make(map[netip.Addr]domainKey),
	}
}

// Handle decides how to resolve a query against the granted resources.
func (s *StubResolver) Handle(query *dns.Msg, index *resource.Index) Resolution {
	if len(query.Question) != 1 {
		return Resolution{Strategy: StrategyRecurse}
	}
	question := query.Question[0]
	domain := normalizeDomain(question.Name)

	if domain == dohCanaryDomain {
		return Resolution{Strategy: StrategyLocal, Response: refuseWithNXDomain(query)}
	}

	switch question.Qtype {
	case dns.TypeA, dns.TypeAAAA, dns.TypeHTTPS:
		matched, ok := index.MatchDomain(domain)
		if !ok {
			return Resolution{Strategy: StrategyRecurse}
		}
		if question.Qtype == dns.TypeHTTPS {
			// HTTPS records can carry ip hints that would bypass the
			// proxy IPs, so the site resolver must answer.
			return Resolution{Strategy: StrategyRecurseSite, Resource: matched.ID}
		}
		ips := s.GetOrAssignIPs(matched.ID, domain)
		return Resolution{
			Strategy: StrategyLocal,
			Response: answerWithIPs(query, ips),
			Resource: matched.ID,
		}

	case dns.TypePTR:
		ip, ok := parseReverseName(domain)
		if !ok {
			return Resolution{Strategy: StrategyRecurse}
		}
		key, ok := s.domainByIP[ip]
		if !ok {
			return Resolution{Strategy: StrategyRecurse}
		}
		return Resolution{
			Strategy: StrategyLocal,
			Response: answerWithPTR(query, key.domain),
			Resource: key.resource,
		}

	default:
		return Resolution{Strategy: StrategyRecurse}
	}
}

// GetOrAssignIPs returns the stable proxy IPs for a resource domain,
// allocating four per address family on first use.
func (s *StubResolver) GetOrAssignIPs(id resource.ID, domain string) []netip.Addr {
	key := domainKey{domain: normalizeDomain(domain), resource: id}
	if ips, ok := s.ipsByDomain[key]; ok {
		return ips
	}

	ips := make([]netip.Addr, 0, 2*proxyIPsPerFamily)
	for range proxyIPsPerFamily {
		ip, ok := s.provider.NextV4()
		if !ok {
			log.Warningf("resolver: proxy IPv4 range exhausted for %s", domain)
			break
		}
		ips = append(ips, ip)
	}
	for range proxyIPsPerFamily {
		ip, ok := s.provider.NextV6()
		if !ok {
			log.Warningf("resolver: proxy IPv6 range exhausted for %s", domain)
			break
		}
		ips = append(ips, ip)
	}

	s.ipsByDomain[key] = ips
	for _, ip := range ips {
		s.domainByIP[ip] = key
	}
	log.Debugf("resolver: assigned %d proxy IPs to %s", len(ips), key.domain)
	return ips
}

// DomainByIP returns the resource domain a proxy IP was handed out for.
func (s *StubResolver) DomainByIP(ip netip.Addr) (string, resource.ID, bool) {
	key, ok := s.domainByIP[ip]
	return key.domain, key.resource, ok
}

// IsProxyIP reports whether ip was handed out as a proxy IP.
func (s *StubResolver) IsProxyIP(ip netip.Addr) bool {
	_, ok := s.domainByIP[ip]
	return ok
}

func answerWithIPs(query *dns.Msg, ips []netip.Addr) *dns.Msg {
	response := new(dns.Msg)
	response.SetReply(query)
	question := query.Question[0]

	for _, ip := range ips {
		hdr := dns.RR_Header{
			Name:   question.Name,
			Class:  dns.ClassINET,
			Ttl:    proxyTTL,
			Rrtype: question.Qtype,
		}
		switch {
		case question.Qtype == dns.TypeA && ip.Is4():
			response.Answer = append(response.Answer, &dns.A{Hdr: hdr, A: ip.AsSlice()})
		case question.Qtype == dns.TypeAAAA && ip.Is6():
			response.Answer = append(response.Answer, &dns.AAAA{Hdr: hdr, AAAA: ip.AsSlice()})
		}
	}
	return response
}

func answerWithPTR(query *dns.Msg, domain string) *dns.Msg {
	response := new(dns.Msg)
	response.SetReply(query)
	response.Answer = append(response.Answer, &dns.PTR{
		Hdr: dns.RR_Header{
			Name:   query.Question[0].Name,
			Class:  dns.ClassINET,
			Ttl:    proxyTTL,
			Rrtype: dns.TypePTR,
		},
		Ptr: dns.Fqdn(domain),
	})
	return response
}

func refuseWithNXDomain(query *dns.Msg) *dns.Msg {
	response := new(dns.Msg)
	response.SetRcode(query, dns.RcodeNameError)
	return response
}

// parseReverseName converts an in-addr.arpa or ip6.arpa name back into the
// address it refers to.
func parseReverseName(name string) (netip.Addr, bool) {
	switch {
	case strings.HasSuffix(name, ".in-addr.arpa."):
		labels := strings.Split(strings.TrimSuffix(name, ".in-addr.arpa."), ".")
		if len(labels) != 4 {
			return netip.Addr{}, false
		}
		// Labels are in reverse octet order.
		for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
			labels[i], labels[j] = labels[j], labels[i]
		}
		ip, err := netip.ParseAddr(strings.Join(labels, "."))
		return ip, err == nil

	case strings.HasSuffix(name, ".ip6.arpa."):
		labels := strings.Split(strings.TrimSuffix(name, ".ip6.arpa."), ".")
		if len(labels) != 32 {
			return netip.Addr{}, false
		}
		var b strings.Builder
		for i := len(labels) - 1; i >= 0; i-- {
			if len(labels[i]) != 1 {
				return netip.Addr{}, false
			}
			b.WriteString(labels[i])
			if i%4 == 0 && i != 0 {
				b.WriteByte(':')
			}
		}
		ip, err := netip.ParseAddr(b.String())
		return ip, err == nil

	default:
		return netip.Addr{}, false
	}
}
