package tunnel

import (
	"net/netip"

	"github.com/gofrs/uuid"

	"github.com/firezone/firezone-sub006/base/log"
	"github.com/firezone/firezone-sub006/service/dnsnat"
	"github.com/firezone/firezone-sub006/service/network/packet"
	"github.com/firezone/firezone-sub006/service/resource"
)

// ClientID identifies a client connected to a gateway.
type ClientID = uuid.UUID

// ResolveRequest asks the owner to resolve a DNS resource's domain on
// behalf of a client. The answer comes back via OnDomainResolved.
type ResolveRequest struct {
	Client   ClientID
	Resource resource.ID
	Domain   string
}

// GatewayTransmit is a packet to be encrypted and sent to a client.
type GatewayTransmit struct {
	Client ClientID
	Packet *packet.Packet
}

type bindingKey struct {
	client ClientID
	proxy  netip.Addr
}

// reverseKey identifies one return flow: the resource's real address plus
// the on-wire source the resource saw, which is per client. Two clients
// reaching the same real address never share a reverse entry.
type reverseKey struct {
	real  netip.Addr
	local netip.Addr
}

type binding struct {
	real netip.Addr
	// clientAddr is the client-side source the return traffic goes back to,
	// in the proxy IP's address family.
	clientAddr netip.Addr
	domain     string
}

type pendingResolve struct {
	resource resource.ID
	proxyIPs []netip.Addr
}

// GatewayState is the gateway side of the DNS resource NAT: it validates
// AssignedIPs announcements against the client's authorization, has the
// owner resolve the real addresses, and rewrites traffic between proxy IPs
// and real addresses, translating families where they diverge.
type GatewayState struct {
	authorized map[ClientID]map[resource.ID]resource.Description

	resolves map[string]pendingResolve // (client|domain) -> pending resolve
	bindings map[bindingKey]binding
	reverse  map[reverseKey]bindingKey

	transmitQueue []GatewayTransmit
	resolveQueue  []ResolveRequest
}

// NewGatewayState returns an empty gateway state.
func NewGatewayState() *GatewayState {
	return &GatewayState{
		authorized: make(map[ClientID]map[resource.ID]resource.Description),
		resolves:   make(map[string]pendingResolve),
		bindings:   make(map[bindingKey]binding),
		reverse:    make(map[reverseKey]bindingKey),
	}
}

// Authorize grants a client access to a resource.
func (g *GatewayState) Authorize(client ClientID, r resource.Description) {
	grants, ok := g.authorized[client]
	if !ok {
		grants = make(map[resource.ID]resource.Description)
		g.authorized[client] = grants
	}
	grants[r.ResourceID()] = r
}

// Revoke withdraws a client's access to a resource. Bindings for its
// domains are torn down and the client is told their domains went inactive.
func (g *GatewayState) Revoke(client ClientID, id resource.ID) {
	r, ok := g.authorized[client][id]
	if !ok {
		return
	}
	delete(g.authorized[client], id)

	d, ok := r.(*resource.DNS)
	if !ok {
		return
	}
	revoked := make(map[string]struct{})
	removed := make(map[bindingKey]struct{})
	for key, b := range g.bindings {
		if key.client != client || !d.Match(b.domain) {
			continue
		}
		delete(g.bindings, key)
		removed[key] = struct{}{}
		revoked[b.domain] = struct{}{}
	}
	for rk, key := range g.reverse {
		if _, gone := removed[key]; gone {
			delete(g.reverse, rk)
		}
	}
	for domain := range revoked {
		g.sendDomainStatus(client, id, domain, dnsnat.StatusInactive)
	}
}

// HandleControl processes a control message received from a client.
func (g *GatewayState) HandleControl(client ClientID, pkt *packet.Packet) {
	event, err := dnsnat.Decode(pkt.ControlPayload())
	if err != nil {
		log.Warningf("tunnel: dropping undecodable control message from client %s: %s", client, err)
		return
	}

	switch event := event.(type) {
	case dnsnat.AssignedIPs:
		g.handleAssignedIPs(client, event)
	case dnsnat.Goodbye:
		log.Infof("tunnel: client %s said goodbye", client)
		g.RemoveClient(client)
	default:
		log.Warningf("tunnel: unexpected control message %T from client %s", event, client)
	}
}

func (g *GatewayState) handleAssignedIPs(client ClientID, event dnsnat.AssignedIPs) {
	domain := normalizeDomain(event.Domain)

	r, ok := g.authorized[client][event.Resource]
	d, isDNS := r.(*resource.DNS)
	if !ok || !isDNS || !d.Match(domain) {
		// Unauthorized. Fail the domain instead of black-holing traffic.
		log.Warningf("tunnel: client %s is not authorized for %s", client, domain)
		g.sendDomainStatus(client, event.Resource, domain, dnsnat.StatusInactive)
		return
	}

	g.resolves[resolveKey(client, domain)] = pendingResolve{
		resource: event.Resource,
		proxyIPs: event.ProxyIPs,
	}
	g.resolveQueue = append(g.resolveQueue, ResolveRequest{
		Client:   client,
		Resource: event.Resource,
		Domain:   domain,
	})
}

// OnDomainResolved installs the NAT bindings for a resolved domain and
// reports the outcome to the client. Resolution failures and empty answers
// mark the domain inactive.
func (g *GatewayState) OnDomainResolved(client ClientID, domain string, resolved []netip.Addr) {
	domain = normalizeDomain(domain)
	pending, ok := g.resolves[resolveKey(client, domain)]
	if !ok {
		log.Debugf("tunnel: unsolicited resolution for %s, ignoring", domain)
		return
	}
	delete(g.resolves, resolveKey(client, domain))

	if len(resolved) == 0 {
		g.sendDomainStatus(client, pending.resource, domain, dnsnat.StatusInactive)
		return
	}

	var real4, real6 []netip.Addr
	for _, ip := range resolved {
		if ip.Is4() {
			real4 = append(real4, ip)
		} else {
			real6 = append(real6, ip)
		}
	}

	var n4, n6 int
	for _, proxy := range pending.proxyIPs {
		var real netip.Addr
		switch {
		case proxy.Is4() && len(real4) > 0:
			real = real4[n4%len(real4)]
			n4++
		case proxy.Is4() && len(real6) > 0:
			real = real6[n4%len(real6)] // cross-family, translated per packet
			n4++
		case !proxy.Is4() && len(real6) > 0:
			real = real6[n6%len(real6)]
			n6++
		default:
			real = real4[n6%len(real4)]
			n6++
		}

		key := bindingKey{client: client, proxy: proxy}
		g.bindings[key] = binding{real: real, domain: domain}
	}

	log.Debugf("tunnel: NAT for %s active, %d bindings for client %s", domain, len(pending.proxyIPs), client)
	g.sendDomainStatus(client, pending.resource, domain, dnsnat.StatusActive)
}

// HandleFromClient rewrites a client packet addressed to a proxy IP towards
// the real address, translating the family when they diverge. A nil return
// means the packet was dropped.
func (g *GatewayState) HandleFromClient(client ClientID, pkt *packet.Packet) *packet.Packet {
	key := bindingKey{client: client, proxy: pkt.Dst}
	b, ok := g.bindings[key]
	if !ok {
		log.Tracef("tunnel: no NAT binding for %s, dropping packet from client %s", pkt.Dst, client)
		return nil
	}

	var out *packet.Packet
	var err error
	switch {
	case pkt.Version == packet.IPv4 && b.real.Is4():
		b.clientAddr = pkt.Src
		err = pkt.SetAddresses(pkt.Src, b.real)
		out = pkt
	case pkt.Version == packet.IPv6 && b.real.Is6():
		b.clientAddr = pkt.Src
		err = pkt.SetAddresses(pkt.Src, b.real)
		out = pkt
	case pkt.Version == packet.IPv4:
		b.clientAddr = pkt.Src
		out, err = packet.TranslateToIPv6(pkt, packet.EmbedIPv4(pkt.Src), b.real)
	default:
		src4, extractable := packet.ExtractIPv4(pkt.Src)
		if !extractable {
			log.Debugf("tunnel: cannot derive an IPv4 source from %s, dropping packet", pkt.Src)
			return nil
		}
		b.clientAddr = pkt.Src
		out, err = packet.TranslateToIPv4(pkt, src4, b.real)
	}
	if err != nil {
		log.Debugf("tunnel: cannot translate packet to %s: %s", b.real, err)
		return nil
	}

	g.bindings[key] = b
	// Several clients can reach the same real address. Return traffic is
	// matched on the source the resource saw, which is unique per client.
	g.reverse[reverseKey{real: b.real, local: out.Src}] = key
	out.UpdateChecksum()
	return out
}

// HandleFromResource rewrites a packet returning from a resource back to
// the client's proxy-IP view. A nil return means the packet was dropped.
func (g *GatewayState) HandleFromResource(pkt *packet.Packet) *GatewayTransmit {
	key, ok := g.reverse[reverseKey{real: pkt.Src, local: pkt.Dst}]
	if !ok {
		log.Tracef("tunnel: no reverse NAT binding for %s -> %s, dropping packet", pkt.Src, pkt.Dst)
		return nil
	}
	b, ok := g.bindings[key]
	if !ok || !b.clientAddr.IsValid() {
		log.Tracef("tunnel: no client traffic seen yet for %s, dropping packet", pkt.Src)
		return nil
	}

	var out *packet.Packet
	var err error
	sameFamily := (pkt.Version == packet.IPv4) == key.proxy.Is4()
	if sameFamily {
		err = pkt.SetAddresses(key.proxy, b.clientAddr)
		out = pkt
	} else if key.proxy.Is4() {
		out, err = packet.TranslateToIPv4(pkt, key.proxy, b.clientAddr)
	} else {
		out, err = packet.TranslateToIPv6(pkt, key.proxy, b.clientAddr)
	}
	if err != nil {
		log.Debugf("tunnel: cannot translate return packet from %s: %s", pkt.Src, err)
		return nil
	}

	out.UpdateChecksum()
	return &GatewayTransmit{Client: key.client, Packet: out}
}

// SendGoodbye queues a teardown notice towards a client.
func (g *GatewayState) SendGoodbye(client ClientID) {
	encoded, err := dnsnat.Encode(dnsnat.Goodbye{})
	if err != nil {
		log.Errorf("tunnel: failed to encode goodbye: %s", err)
		return
	}
	pkt, err := packet.NewControl(encoded)
	if err != nil {
		log.Errorf("tunnel: failed to wrap goodbye: %s", err)
		return
	}
	g.transmitQueue = append(g.transmitQueue, GatewayTransmit{Client: client, Packet: pkt})
}

// RemoveClient drops all state of a disconnected client.
func (g *GatewayState) RemoveClient(client ClientID) {
	delete(g.authorized, client)
	for key := range g.bindings {
		if key.client != client {
			continue
		}
		delete(g.bindings, key)
	}
	for rk, key := range g.reverse {
		if key.client == client {
			delete(g.reverse, rk)
		}
	}
	for key := range g.resolves {
		if keyClient(key) == client.String() {
			delete(g.resolves, key)
		}
	}
}

// PollTransmit returns the next control packet to send to a client.
func (g *GatewayState) PollTransmit() (GatewayTransmit, bool) {
	if len(g.transmitQueue) == 0 {
		return GatewayTransmit{}, false
	}
	next := g.transmitQueue[0]
	g.transmitQueue = g.transmitQueue[1:]
	return next, true
}

// PollResolveRequest returns the next domain the owner must resolve.
func (g *GatewayState) PollResolveRequest() (ResolveRequest, bool) {
	if len(g.resolveQueue) == 0 {
		return ResolveRequest{}, false
	}
	next := g.resolveQueue[0]
	g.resolveQueue = g.resolveQueue[1:]
	return next, true
}

func (g *GatewayState) sendDomainStatus(client ClientID, id resource.ID, domain string, status dnsnat.Status) {
	encoded, err := dnsnat.Encode(dnsnat.DomainStatus{Resource: id, Domain: domain, Status: status})
	if err != nil {
		log.Errorf("tunnel: failed to encode domain status for %s: %s", domain, err)
		return
	}
	pkt, err := packet.NewControl(encoded)
	if err != nil {
		log.Errorf("tunnel: failed to wrap domain status for %s: %s", domain, err)
		return
	}
	g.transmitQueue = append(g.transmitQueue, GatewayTransmit{Client: client, Packet: pkt})
}

func resolveKey(client ClientID, domain string) string {
	return client.String() + "|" + domain
}

func keyClient(key string) string {
	for i := range key {
		if key[i] == '|' {
			return key[:i]
		}
	}
	return key
}
