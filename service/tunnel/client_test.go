package tunnel

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firezone/firezone-sub006/service/dnsnat"
	"github.com/firezone/firezone-sub006/service/network/packet"
	"github.com/firezone/firezone-sub006/service/resource"
)

func newUUID(t *testing.T) uuid.UUID {
	t.Helper()
	id, err := uuid.NewV4()
	require.NoError(t, err)
	return id
}

func dnsResource(t *testing.T, pattern string) *resource.DNS {
	t.Helper()
	r, err := resource.NewDNS(newUUID(t), pattern, pattern, nil, nil)
	require.NoError(t, err)
	return r
}

func query(domain string, qtype uint16) *dns.Msg {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(domain), qtype)
	return q
}

func udpTo(t *testing.T, dst netip.Addr, dstPort uint16) *packet.Packet {
	t.Helper()
	var ls []gopacket.SerializableLayer
	udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(dstPort)}
	if dst.Is4() {
		ip := &layers.IPv4{
			Version: 4, IHL: 5, TTL: 64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IPv4(100, 64, 0, 2).To4(),
			DstIP:    net.IP(dst.AsSlice()),
		}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		ls = []gopacket.SerializableLayer{ip, udp}
	} else {
		ip := &layers.IPv6{
			Version: 6, HopLimit: 64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      net.ParseIP("fd00:2021:1111:8000::2"),
			DstIP:      net.IP(dst.AsSlice()),
		}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		ls = []gopacket.SerializableLayer{ip, udp}
	}
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}, append(ls, gopacket.Payload([]byte("data")))...)
	require.NoError(t, err)
	pkt, err := packet.Parse(buf.Bytes())
	require.NoError(t, err)
	return pkt
}

func domainStatusPacket(t *testing.T, rid resource.ID, domain string, status dnsnat.Status) *packet.Packet {
	t.Helper()
	encoded, err := dnsnat.Encode(dnsnat.DomainStatus{Resource: rid, Domain: domain, Status: status})
	require.NoError(t, err)
	pkt, err := packet.NewControl(encoded)
	require.NoError(t, err)
	return pkt
}

func TestClientAnswersResourceQueryLocally(t *testing.T) {
	t.Parallel()

	client := NewClientState()
	r := dnsResource(t, "*.example.com")
	client.SetResources([]resource.Description{r})

	result := client.HandleDNSQuery(query("app.example.com", dns.TypeA), netip.Addr{}, time.Now())
	require.Equal(t, DNSRespond, result.Action)
	require.NotEmpty(t, result.Response.Answer)
	assert.Equal(t, r.ID, result.Resource)
}

func TestClientForwardsUnknownQueriesToMappedUpstream(t *testing.T) {
	t.Parallel()

	client := NewClientState()
	upstream := netip.MustParseAddrPort("192.0.2.53:53")
	client.UpdateSystemResolvers([]netip.AddrPort{upstream})

	event, ok := client.PollDNSServersUpdated()
	require.True(t, ok)
	require.Len(t, event.Sentinels, 1)
	sentinel := event.Sentinels[0]

	result := client.HandleDNSQuery(query("unrelated.org", dns.TypeA), sentinel, time.Now())
	require.Equal(t, DNSForwardUpstream, result.Action)
	assert.Equal(t, upstream, result.Upstream)

	// A query to a sentinel we no longer know is dropped.
	result = client.HandleDNSQuery(query("unrelated.org", dns.TypeA), netip.MustParseAddr("100.100.111.254"), time.Now())
	assert.Equal(t, DNSDrop, result.Action)
}

func TestClientCachesUpstreamResponses(t *testing.T) {
	t.Parallel()

	client := NewClientState()
	upstream := netip.MustParseAddrPort("192.0.2.53:53")
	client.UpdateSystemResolvers([]netip.AddrPort{upstream})
	event, _ := client.PollDNSServersUpdated()
	sentinel := event.Sentinels[0]
	now := time.Now()

	q := query("unrelated.org", dns.TypeA)
	response := new(dns.Msg)
	response.SetReply(q)
	response.Answer = append(response.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   net.IPv4(203, 0, 113, 1),
	})
	client.HandleDNSResponse(response, now)

	result := client.HandleDNSQuery(q, sentinel, now.Add(10*time.Second))
	require.Equal(t, DNSRespond, result.Action)
	require.Len(t, result.Response.Answer, 1)
	assert.EqualValues(t, 290, result.Response.Answer[0].Header().Ttl)
}

func TestClientFlushesCacheWhenServersChange(t *testing.T) {
	t.Parallel()

	client := NewClientState()
	client.UpdateSystemResolvers([]netip.AddrPort{netip.MustParseAddrPort("192.0.2.53:53")})
	event, _ := client.PollDNSServersUpdated()
	sentinel := event.Sentinels[0]
	now := time.Now()

	q := query("unrelated.org", dns.TypeA)
	response := new(dns.Msg)
	response.SetReply(q)
	response.Answer = append(response.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   net.IPv4(203, 0, 113, 1),
	})
	client.HandleDNSResponse(response, now)

	client.SetUpstreamResolvers([]netip.AddrPort{netip.MustParseAddrPort("198.51.100.53:53")})

	result := client.HandleDNSQuery(q, sentinel, now)
	assert.NotEqual(t, DNSRespond, result.Action, "stale answer must not survive a server change")
}

func TestClientBuffersTrafficUntilNATConfirmed(t *testing.T) {
	t.Parallel()

	client := NewClientState()
	r := dnsResource(t, "app.example.com")
	client.SetResources([]resource.Description{r})
	gateway := newUUID(t)
	client.SetResourceGateway(r.ID, gateway)
	now := time.Now()

	result := client.HandleDNSQuery(query("app.example.com", dns.TypeA), netip.Addr{}, now)
	require.Equal(t, DNSRespond, result.Action)
	a, ok := result.Response.Answer[0].(*dns.A)
	require.True(t, ok)
	proxy, ok := netip.AddrFromSlice(a.A)
	require.True(t, ok)
	proxy = proxy.Unmap()

	// The first packet is buffered; an AssignedIPs announcement goes out.
	transmit := client.HandleOutbound(udpTo(t, proxy, 443), now)
	assert.Nil(t, transmit)

	announcement, ok := client.PollTransmit()
	require.True(t, ok)
	assert.Equal(t, gateway, announcement.Gateway)
	require.True(t, announcement.Packet.IsControl())
	decoded, err := dnsnat.Decode(announcement.Packet.ControlPayload())
	require.NoError(t, err)
	assigned, ok := decoded.(dnsnat.AssignedIPs)
	require.True(t, ok)
	assert.Equal(t, "app.example.com", assigned.Domain)
	assert.Len(t, assigned.ProxyIPs, 8)

	// Confirmation releases the buffered packet.
	client.HandleInbound(gateway, domainStatusPacket(t, r.ID, "app.example.com", dnsnat.StatusActive), now)
	released, ok := client.PollTransmit()
	require.True(t, ok)
	assert.Equal(t, gateway, released.Gateway)
	assert.EqualValues(t, 443, released.Packet.DstPort)

	// Subsequent packets pass straight through.
	transmit = client.HandleOutbound(udpTo(t, proxy, 444), now)
	require.NotNil(t, transmit)
	assert.EqualValues(t, 444, transmit.Packet.DstPort)
}

func TestClientDNSQueryAnnouncesAssignedIPs(t *testing.T) {
	t.Parallel()

	client := NewClientState()
	r := dnsResource(t, "app.example.com")
	client.SetResources([]resource.Description{r})
	gateway := newUUID(t)
	client.SetResourceGateway(r.ID, gateway)
	now := time.Now()

	// The query itself announces the proxy IPs, no user traffic needed.
	result := client.HandleDNSQuery(query("app.example.com", dns.TypeA), netip.Addr{}, now)
	require.Equal(t, DNSRespond, result.Action)

	announcement, ok := client.PollTransmit()
	require.True(t, ok)
	assert.Equal(t, gateway, announcement.Gateway)
	require.True(t, announcement.Packet.IsControl())
	decoded, err := dnsnat.Decode(announcement.Packet.ControlPayload())
	require.NoError(t, err)
	assigned, ok := decoded.(dnsnat.AssignedIPs)
	require.True(t, ok)
	assert.Equal(t, "app.example.com", assigned.Domain)

	// A repeat while the announcement is pending is not re-sent.
	client.HandleDNSQuery(query("app.example.com", dns.TypeA), netip.Addr{}, now.Add(time.Second))
	_, ok = client.PollTransmit()
	assert.False(t, ok)

	// After confirmation a fresh query triggers a new round.
	client.HandleInbound(gateway, domainStatusPacket(t, r.ID, "app.example.com", dnsnat.StatusActive), now)
	client.HandleDNSQuery(query("app.example.com", dns.TypeA), netip.Addr{}, now.Add(2*time.Second))
	second, ok := client.PollTransmit()
	require.True(t, ok)
	assert.True(t, second.Packet.IsControl())
}

func TestClientRoutesCIDRResources(t *testing.T) {
	t.Parallel()

	client := NewClientState()
	r := &resource.CIDR{ID: newUUID(t), Network: netip.MustParsePrefix("10.0.0.0/8"), Name: "lab"}
	client.SetResources([]resource.Description{r})
	gateway := newUUID(t)
	client.SetResourceGateway(r.ID, gateway)

	transmit := client.HandleOutbound(udpTo(t, netip.MustParseAddr("10.1.2.3"), 22), time.Now())
	require.NotNil(t, transmit)
	assert.Equal(t, gateway, transmit.Gateway)

	// No resource routes this destination.
	transmit = client.HandleOutbound(udpTo(t, netip.MustParseAddr("203.0.113.9"), 22), time.Now())
	assert.Nil(t, transmit)
}

func TestClientGoodbyeDropsGatewayState(t *testing.T) {
	t.Parallel()

	client := NewClientState()
	r := dnsResource(t, "app.example.com")
	client.SetResources([]resource.Description{r})
	gateway := newUUID(t)
	client.SetResourceGateway(r.ID, gateway)
	now := time.Now()

	result := client.HandleDNSQuery(query("app.example.com", dns.TypeA), netip.Addr{}, now)
	a := result.Response.Answer[0].(*dns.A)
	proxy, _ := netip.AddrFromSlice(a.A)
	proxy = proxy.Unmap()
	client.HandleOutbound(udpTo(t, proxy, 443), now)

	goodbye, err := dnsnat.Encode(dnsnat.Goodbye{})
	require.NoError(t, err)
	pkt, err := packet.NewControl(goodbye)
	require.NoError(t, err)
	client.HandleInbound(gateway, pkt, now)

	// The gateway is gone, packets to its resources are dropped.
	transmit := client.HandleOutbound(udpTo(t, proxy, 444), now)
	assert.Nil(t, transmit)
}

func TestClientDeliversUserTraffic(t *testing.T) {
	t.Parallel()

	client := NewClientState()
	gateway := newUUID(t)

	client.HandleInbound(gateway, udpTo(t, netip.MustParseAddr("100.96.0.1"), 443), time.Now())

	delivered, ok := client.PollDeliver()
	require.True(t, ok)
	assert.EqualValues(t, 443, delivered.DstPort)
}

func TestClientPollTimeoutFollowsCache(t *testing.T) {
	t.Parallel()

	client := NewClientState()
	now := time.Now()

	_, ok := client.PollTimeout()
	assert.False(t, ok)

	q := query("unrelated.org", dns.TypeA)
	response := new(dns.Msg)
	response.SetReply(q)
	response.Answer = append(response.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
		A:   net.IPv4(203, 0, 113, 1),
	})
	client.HandleDNSResponse(response, now)

	deadline, ok := client.PollTimeout()
	require.True(t, ok)
	assert.Equal(t, now.Add(60*time.Second), deadline)

	client.HandleTimeout(deadline)
	_, ok = client.PollTimeout()
	assert.False(t, ok)
}
