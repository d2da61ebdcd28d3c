package packet

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// In-band control messages travel as IPv6 packets with an unassigned
// protocol number between a fixed link-local-style address pair that no
// user traffic can carry.
const ControlProtocol IPProtocol = 253

// ControlAddr is the source and destination of every control packet.
var ControlAddr = netip.MustParseAddr("fd00:2021:1111:8000::1")

// maxControlPayload keeps control packets under the smallest MTU the
// tunnel guarantees end to end.
const maxControlPayload = 1280 - ipv6HeaderLen

// NewControl wraps a control payload into an IPv6 carrier packet.
func NewControl(payload []byte) (*Packet, error) {
	if len(payload) > maxControlPayload {
		return nil, fmt.Errorf("control payload of %d bytes exceeds %d bytes", len(payload), maxControlPayload)
	}

	data := make([]byte, ipv6HeaderLen+len(payload))
	data[0] = 0x60
	binary.BigEndian.PutUint16(data[4:6], uint16(len(payload)))
	data[6] = byte(ControlProtocol)
	data[7] = 64
	addr := ControlAddr.As16()
	copy(data[8:24], addr[:])
	copy(data[24:40], addr[:])
	copy(data[ipv6HeaderLen:], payload)

	return Parse(data)
}

// IsControl reports whether the packet is a control carrier.
func (p *Packet) IsControl() bool {
	return p.Version == IPv6 &&
		p.Protocol == ControlProtocol &&
		p.Src == ControlAddr &&
		p.Dst == ControlAddr
}

// ControlPayload returns the wrapped control payload.
func (p *Packet) ControlPayload() []byte {
	return p.Payload()
}
