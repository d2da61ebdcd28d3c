package dnsnat

import (
	"bytes"
	"fmt"
	"net/netip"
	"time"

	"github.com/firezone/firezone-sub006/base/log"
	"github.com/firezone/firezone-sub006/service/network/packet"
	"github.com/firezone/firezone-sub006/service/resource"
)

const (
	// resendInterval throttles repeated AssignedIPs announcements while a
	// NAT setup is unconfirmed.
	resendInterval = 2 * time.Second

	// maxBufferedPackets bounds the per-domain buffer of packets held back
	// while the NAT is being set up.
	maxBufferedPackets = 32
)

type natState int

const (
	statePending natState = iota
	stateRecreating
	stateConfirmed
	stateFailed
)

type tableKey struct {
	gateway GatewayID
	domain  string
}

type tableEntry struct {
	state        natState
	sentAt       time.Time
	buffered     []*packet.Packet
	shouldBuffer bool

	// assignedIPs is the pre-built announcement, re-sent until confirmed.
	assignedIPs *packet.Packet
}

// Outgoing is an announcement packet to be sent to a gateway.
type Outgoing struct {
	Gateway GatewayID
	Domain  string
	Packet  *packet.Packet
}

// Table tracks, per gateway and domain, whether the gateway has set up its
// NAT for our proxy IPs. Until the gateway confirms, packets to those proxy
// IPs would be black-holed, so the table buffers them and releases them on
// confirmation.
type Table struct {
	inner  map[tableKey]*tableEntry
	outbox []Outgoing
}

// NewTable returns an empty NAT setup table.
func NewTable() *Table {
	return &Table{
		inner: make(map[tableKey]*tableEntry),
	}
}

// Update records a (re-)resolution of a DNS resource's domain towards a
// gateway and queues an AssignedIPs announcement when one is due.
func (t *Table) Update(domain string, gateway GatewayID, rid resource.ID, proxyIPs []netip.Addr, pending []*packet.Packet, now time.Time) error {
	key := tableKey{gateway: gateway, domain: domain}

	entry, ok := t.inner[key]
	if !ok {
		announcement, err := buildAssignedIPs(rid, domain, proxyIPs)
		if err != nil {
			return err
		}

		entry = &tableEntry{
			state:        statePending,
			sentAt:       now,
			shouldBuffer: true,
			assignedIPs:  announcement,
		}
		for _, pkt := range pending {
			entry.buffer(pkt)
		}
		t.inner[key] = entry
		t.send(key, entry)
		return nil
	}

	switch entry.state {
	case stateConfirmed, stateFailed:
		// Nothing to do until the next recreate.

	case stateRecreating:
		entry.state = statePending
		entry.sentAt = now
		entry.buffered = nil
		for _, pkt := range pending {
			entry.buffer(pkt)
		}
		t.send(key, entry)

	case statePending:
		for _, pkt := range pending {
			entry.buffer(pkt)
		}
		if now.Sub(entry.sentAt) >= resendInterval {
			entry.sentAt = now
			t.send(key, entry)
		}
	}

	return nil
}

// Recreate invalidates the NAT state for a domain on all gateways. Called
// on every DNS query for the domain: re-announcing makes the gateway
// re-resolve, so local DNS activity refreshes the remote resolution.
// Confirmed entries keep passing packets through while being recreated.
func (t *Table) Recreate(domain string) {
	for key, entry := range t.inner {
		if key.domain != domain {
			continue
		}
		switch entry.state {
		case statePending, stateRecreating:
			continue
		case stateConfirmed:
			entry.shouldBuffer = false
		case stateFailed:
			// No NAT yet, hold packets until confirmed.
			entry.shouldBuffer = true
		}
		log.Debugf("dnsnat: re-creating NAT state for %s", domain)
		entry.state = stateRecreating
	}
}

// HandleOutgoing routes a packet destined to a DNS resource's proxy IP.
// The returned packet should be forwarded; nil means it was buffered.
func (t *Table) HandleOutgoing(gateway GatewayID, domain string, pkt *packet.Packet, now time.Time) *packet.Packet {
	key := tableKey{gateway: gateway, domain: domain}
	entry, ok := t.inner[key]
	if !ok {
		log.Debugf("dnsnat: no NAT entry for %s on gateway %s", domain, gateway)
		return pkt
	}

	if entry.state != statePending {
		// Failed entries might be black-holed on the gateway, but there
		// is nothing better to do with the packet.
		return pkt
	}

	if now.Sub(entry.sentAt) >= resendInterval {
		entry.sentAt = now
		t.send(key, entry)
	}

	if !entry.shouldBuffer {
		return pkt
	}
	entry.buffer(pkt)
	return nil
}

// HandleDomainStatus applies a gateway's status verdict. On Active, the
// buffered packets are returned for sending; on anything else the entry is
// marked failed and the buffer is dropped.
func (t *Table) HandleDomainStatus(gateway GatewayID, status DomainStatus) []*packet.Packet {
	key := tableKey{gateway: gateway, domain: status.Domain}
	entry, ok := t.inner[key]
	if !ok {
		log.Debugf("dnsnat: no NAT state for %s on gateway %s, ignoring status", status.Domain, gateway)
		return nil
	}

	if status.Status != StatusActive {
		log.Debugf("dnsnat: NAT for %s on gateway %s is not active", status.Domain, gateway)
		entry.state = stateFailed
		entry.buffered = nil
		return nil
	}

	log.Debugf("dnsnat: NAT for %s on gateway %s is active, flushing %d buffered packets", status.Domain, gateway, len(entry.buffered))
	entry.state = stateConfirmed
	flushed := entry.buffered
	entry.buffered = nil
	return flushed
}

// PollPacket returns the next queued announcement, if any.
func (t *Table) PollPacket() (Outgoing, bool) {
	if len(t.outbox) == 0 {
		return Outgoing{}, false
	}
	next := t.outbox[0]
	t.outbox = t.outbox[1:]
	return next, true
}

// ClearByGateway drops all state for one gateway.
func (t *Table) ClearByGateway(gateway GatewayID) {
	for key := range t.inner {
		if key.gateway == gateway {
			delete(t.inner, key)
		}
	}
}

// ClearByDomain drops all state for one domain across gateways.
func (t *Table) ClearByDomain(domain string) {
	for key := range t.inner {
		if key.domain == domain {
			delete(t.inner, key)
		}
	}
}

// ClearIf drops all state for domains the predicate matches.
func (t *Table) ClearIf(match func(domain string) bool) {
	for key := range t.inner {
		if match(key.domain) {
			delete(t.inner, key)
		}
	}
}

// Clear drops all state.
func (t *Table) Clear() {
	t.inner = make(map[tableKey]*tableEntry)
	t.outbox = nil
}

func (t *Table) send(key tableKey, entry *tableEntry) {
	t.outbox = append(t.outbox, Outgoing{
		Gateway: key.gateway,
		Domain:  key.domain,
		Packet:  entry.assignedIPs,
	})
}

// buffer appends a packet, dropping duplicates and everything beyond the
// buffer cap.
func (e *tableEntry) buffer(pkt *packet.Packet) {
	if len(e.buffered) >= maxBufferedPackets {
		return
	}
	for _, buffered := range e.buffered {
		if bytes.Equal(buffered.Data(), pkt.Data()) {
			return
		}
	}
	e.buffered = append(e.buffered, pkt)
}

func buildAssignedIPs(rid resource.ID, domain string, proxyIPs []netip.Addr) (*packet.Packet, error) {
	event, err := NewAssignedIPs(rid, domain, proxyIPs)
	if err != nil {
		return nil, err
	}
	encoded, err := Encode(event)
	if err != nil {
		return nil, err
	}
	pkt, err := packet.NewControl(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap AssignedIPs for %s: %w", domain, err)
	}
	return pkt, nil
}
