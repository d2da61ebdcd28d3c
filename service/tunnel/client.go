// Package tunnel contains the client- and gateway-side state machines of
// the DNS resource subsystem. Both are caller-driven: the owning event loop
// feeds them packets, DNS messages and time, and drains their queues of
// pending transmissions and events.
package tunnel

import (
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/firezone/firezone-sub006/base/log"
	"github.com/firezone/firezone-sub006/service/dnsnat"
	"github.com/firezone/firezone-sub006/service/netenv"
	"github.com/firezone/firezone-sub006/service/network/packet"
	"github.com/firezone/firezone-sub006/service/resolver"
	"github.com/firezone/firezone-sub006/service/resource"
)

// DNSAction tells the owner what to do with an intercepted DNS query.
type DNSAction int

// DNS actions.
const (
	// DNSDrop discards the query, e.g. when it names a sentinel we no
	// longer know.
	DNSDrop DNSAction = iota
	// DNSRespond delivers Response back to the querying application.
	DNSRespond
	// DNSForwardUpstream sends the query to Upstream over the tunnel's
	// own sockets.
	DNSForwardUpstream
	// DNSForwardSite sends the query through the tunnel to the gateway
	// serving Resource.
	DNSForwardSite
)

// DNSResult is the client's verdict on one intercepted DNS query.
type DNSResult struct {
	Action   DNSAction
	Response *dns.Msg
	Upstream netip.AddrPort
	Gateway  dnsnat.GatewayID
	Resource resource.ID
}

// Transmit is an IP packet to be encrypted and sent to a gateway.
type Transmit struct {
	Gateway dnsnat.GatewayID
	Packet  *packet.Packet
}

// ClientState owns all client-side DNS resource state: the resource index,
// the DNS cache, the sentinel mapping, the stub resolver, the nameserver
// evaluator and the NAT setup table. It is exclusively owned by the tunnel
// event loop.
type ClientState struct {
	index     *resource.Index
	cache     *resolver.Cache
	dnsConfig *resolver.Config
	stub      *resolver.StubResolver
	evaluator *resolver.Evaluator
	nat       *dnsnat.Table

	// gatewayByResource tracks which gateway serves each resource,
	// maintained by the connection layer.
	gatewayByResource map[resource.ID]dnsnat.GatewayID

	transmitQueue []Transmit
	deliverQueue  []*packet.Packet
	dnsEvents     []resolver.DNSServersUpdated
}

// NewClientState returns an empty client state.
func NewClientState() *ClientState {
	return &ClientState{
		index:             resource.NewIndex(),
		cache:             resolver.NewCache(),
		dnsConfig:         resolver.NewConfig(),
		stub:              resolver.NewStubResolver(),
		evaluator:         resolver.NewEvaluator(),
		nat:               dnsnat.NewTable(),
		gatewayByResource: make(map[resource.ID]dnsnat.GatewayID),
	}
}

// Index returns the resource index.
func (c *ClientState) Index() *resource.Index {
	return c.index
}

// DNSConfig returns the sentinel DNS configuration.
func (c *ClientState) DNSConfig() *resolver.Config {
	return c.dnsConfig
}

// Evaluator returns the nameserver evaluator.
func (c *ClientState) Evaluator() *resolver.Evaluator {
	return c.evaluator
}

// SetResources replaces the granted resource set.
func (c *ClientState) SetResources(resources []resource.Description) {
	c.index.Clear()
	for _, r := range resources {
		c.index.Insert(r)
	}
	log.Infof("tunnel: resource set replaced, %d resources", c.index.Len())
}

// AddResource inserts or updates a single resource.
func (c *ClientState) AddResource(r resource.Description) {
	c.index.Insert(r)
}

// RemoveResource revokes a resource. NAT state for its domains dies with it.
func (c *ClientState) RemoveResource(id resource.ID) {
	if r, ok := c.index.GetByID(id); ok {
		if d, ok := r.(*resource.DNS); ok {
			c.nat.ClearIf(d.Match)
		}
	}
	c.index.Remove(id)
	delete(c.gatewayByResource, id)
}

// SetResourceGateway records which gateway serves a resource.
func (c *ClientState) SetResourceGateway(id resource.ID, gateway dnsnat.GatewayID) {
	c.gatewayByResource[id] = gateway
}

// RemoveGateway drops all state tied to a disconnected gateway.
func (c *ClientState) RemoveGateway(gateway dnsnat.GatewayID) {
	c.nat.ClearByGateway(gateway)
	for id, gid := range c.gatewayByResource {
		if gid == gateway {
			delete(c.gatewayByResource, id)
		}
	}
}

// UpdateSystemResolvers feeds freshly discovered system resolvers into the
// sentinel mapping.
func (c *ClientState) UpdateSystemResolvers(servers []netip.AddrPort) {
	c.dnsConfig.UpdateSystemResolvers(servers)
	c.drainDNSConfigEvents()
}

// SetUpstreamResolvers applies a portal-pushed upstream resolver set.
func (c *ClientState) SetUpstreamResolvers(servers []netip.AddrPort) {
	c.dnsConfig.SetUpstreamResolvers(servers)
	c.drainDNSConfigEvents()
}

func (c *ClientState) drainDNSConfigEvents() {
	for {
		event, ok := c.dnsConfig.PollEvent()
		if !ok {
			return
		}
		// Answers obtained through the previous server set are stale.
		c.cache.Flush("effective DNS servers changed")
		c.dnsEvents = append(c.dnsEvents, event)
	}
}

// PollDNSServersUpdated returns the next pending sentinel set change the
// owner must install as system nameservers.
func (c *ClientState) PollDNSServersUpdated() (resolver.DNSServersUpdated, bool) {
	if len(c.dnsEvents) == 0 {
		return resolver.DNSServersUpdated{}, false
	}
	event := c.dnsEvents[0]
	c.dnsEvents = c.dnsEvents[1:]
	return event, true
}

// HandleDNSQuery decides what to do with a DNS query intercepted on its way
// to a sentinel nameserver.
func (c *ClientState) HandleDNSQuery(query *dns.Msg, sentinel netip.Addr, now time.Time) DNSResult {
	if response, ok := c.cache.TryAnswer(query, now); ok {
		return DNSResult{Action: DNSRespond, Response: response}
	}

	resolution := c.stub.Handle(query, c.index)
	switch resolution.Strategy {
	case resolver.StrategyLocal:
		if len(query.Question) == 1 {
			// A DNS query for a resource domain re-triggers the gateway's
			// resolution of it, announced right away when a gateway is known.
			domain := normalizeDomain(query.Question[0].Name)
			c.nat.Recreate(domain)
			if gateway, ok := c.gatewayByResource[resolution.Resource]; ok {
				proxyIPs := c.stub.GetOrAssignIPs(resolution.Resource, domain)
				if err := c.nat.Update(domain, gateway, resolution.Resource, proxyIPs, nil, now); err != nil {
					log.Warningf("tunnel: cannot set up NAT for %s: %s", domain, err)
				}
				c.drainNATQueue()
			}
		}
		return DNSResult{Action: DNSRespond, Response: resolution.Response, Resource: resolution.Resource}

	case resolver.StrategyRecurseSite:
		gateway, ok := c.gatewayByResource[resolution.Resource]
		if !ok {
			log.Debugf("tunnel: no gateway for resource %s, dropping site-recursed DNS query", resolution.Resource)
			return DNSResult{Action: DNSDrop}
		}
		return DNSResult{Action: DNSForwardSite, Gateway: gateway, Resource: resolution.Resource}

	default:
		upstream, ok := c.dnsConfig.Mapping().UpstreamBySentinel(sentinel)
		if !ok {
			// Retired sentinel. Dropping forces the OS onto the new set.
			log.Debugf("tunnel: dropping DNS query to unknown sentinel %s", sentinel)
			return DNSResult{Action: DNSDrop}
		}
		return DNSResult{Action: DNSForwardUpstream, Upstream: upstream}
	}
}

// HandleDNSResponse caches an upstream response on its way back to the
// querying application.
func (c *ClientState) HandleDNSResponse(response *dns.Msg, now time.Time) {
	c.cache.Insert(response, now)
}

// HandleOutbound routes an outbound packet. Packets to proxy IPs of DNS
// resources go through the NAT setup table and may be buffered; packets to
// CIDR and Internet resources are routed by longest-prefix match. A nil
// return means the packet was consumed (buffered or dropped).
func (c *ClientState) HandleOutbound(pkt *packet.Packet, now time.Time) *Transmit {
	if domain, rid, ok := c.stub.DomainByIP(pkt.Dst); ok {
		return c.handleOutboundToProxyIP(normalizeDomain(domain), rid, pkt, now)
	}

	r, ok := c.index.GetByDst(pkt.Dst, filterProtocol(pkt.Protocol), pkt.DstPort)
	if !ok {
		log.Tracef("tunnel: no resource routes %s, dropping packet", pkt.Dst)
		return nil
	}
	gateway, ok := c.gatewayByResource[r.ResourceID()]
	if !ok {
		log.Debugf("tunnel: no gateway for resource %s, dropping packet to %s", r.ResourceID(), pkt.Dst)
		return nil
	}
	return &Transmit{Gateway: gateway, Packet: pkt}
}

func (c *ClientState) handleOutboundToProxyIP(domain string, rid resource.ID, pkt *packet.Packet, now time.Time) *Transmit {
	gateway, ok := c.gatewayByResource[rid]
	if !ok {
		log.Debugf("tunnel: no gateway for resource %s, dropping packet to %s", rid, pkt.Dst)
		return nil
	}

	proxyIPs := c.stub.GetOrAssignIPs(rid, domain)
	if err := c.nat.Update(domain, gateway, rid, proxyIPs, nil, now); err != nil {
		log.Warningf("tunnel: cannot set up NAT for %s: %s", domain, err)
		return nil
	}
	c.drainNATQueue()

	forwarded := c.nat.HandleOutgoing(gateway, domain, pkt, now)
	if forwarded == nil {
		return nil // Buffered until the gateway confirms.
	}
	return &Transmit{Gateway: gateway, Packet: forwarded}
}

func filterProtocol(protocol packet.IPProtocol) resource.Protocol {
	switch protocol {
	case packet.TCP:
		return resource.ProtocolTCP
	case packet.UDP:
		return resource.ProtocolUDP
	case packet.ICMP, packet.ICMPv6:
		return resource.ProtocolICMP
	default:
		return resource.Protocol("")
	}
}

// HandleInbound processes a decrypted packet arriving from a gateway.
// Control messages are consumed; user traffic is queued for delivery.
func (c *ClientState) HandleInbound(gateway dnsnat.GatewayID, pkt *packet.Packet, now time.Time) {
	if !pkt.IsControl() {
		c.deliverQueue = append(c.deliverQueue, pkt)
		return
	}

	event, err := dnsnat.Decode(pkt.ControlPayload())
	if err != nil {
		log.Warningf("tunnel: dropping undecodable control message from gateway %s: %s", gateway, err)
		return
	}

	switch event := event.(type) {
	case dnsnat.DomainStatus:
		event.Domain = normalizeDomain(event.Domain)
		for _, flushed := range c.nat.HandleDomainStatus(gateway, event) {
			c.transmitQueue = append(c.transmitQueue, Transmit{Gateway: gateway, Packet: flushed})
		}
	case dnsnat.Goodbye:
		log.Infof("tunnel: gateway %s said goodbye", gateway)
		c.RemoveGateway(gateway)
	default:
		log.Warningf("tunnel: unexpected control message %T from gateway %s", event, gateway)
	}
}

// PollTransmit returns the next packet to encrypt and send.
func (c *ClientState) PollTransmit() (Transmit, bool) {
	if len(c.transmitQueue) == 0 {
		return Transmit{}, false
	}
	next := c.transmitQueue[0]
	c.transmitQueue = c.transmitQueue[1:]
	return next, true
}

// PollDeliver returns the next packet to hand to the OS.
func (c *ClientState) PollDeliver() (*packet.Packet, bool) {
	if len(c.deliverQueue) == 0 {
		return nil, false
	}
	next := c.deliverQueue[0]
	c.deliverQueue = c.deliverQueue[1:]
	return next, true
}

// HandleTimeout advances time: cache expiry and nothing else, the NAT
// table's re-sends are driven by traffic.
func (c *ClientState) HandleTimeout(now time.Time) {
	c.cache.HandleTimeout(now)
}

// PollTimeout returns when HandleTimeout next needs to run.
func (c *ClientState) PollTimeout() (time.Time, bool) {
	return c.cache.PollTimeout()
}

// Reset clears all volatile state after a network change: the DNS cache,
// the probe results and the cached view of the system's resolvers.
func (c *ClientState) Reset(reason string) {
	log.Infof("tunnel: resetting client state: %s", reason)
	c.cache.Flush(reason)
	c.evaluator.Reset()
	netenv.MarkNetworkChanged()
}

func (c *ClientState) drainNATQueue() {
	for {
		outgoing, ok := c.nat.PollPacket()
		if !ok {
			return
		}
		c.transmitQueue = append(c.transmitQueue, Transmit{Gateway: outgoing.Gateway, Packet: outgoing.Packet})
	}
}

func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSuffix(domain, "."))
}
