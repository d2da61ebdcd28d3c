package packet

import (
	"encoding/binary"
)

const (
	ipv4HeaderLen = 20
	ipv6HeaderLen = 40
)

// UpdateChecksum recomputes the packet's checksums against its current
// headers: the IPv4 header checksum and, for TCP, UDP, ICMP and ICMPv6,
// the transport checksum. Callers must invoke it after any header rewrite;
// nothing recomputes checksums implicitly.
func (p *Packet) UpdateChecksum() {
	if p.Version == IPv4 {
		binary.BigEndian.PutUint16(p.data[10:12], 0)
		binary.BigEndian.PutUint16(p.data[10:12], onesComplement(sum(p.data[:p.headerLen], 0)))
	}

	payload := p.Payload()
	var offset int
	switch p.Protocol {
	case TCP:
		offset = 16
	case UDP:
		offset = 6
	case ICMP:
		// ICMPv4 checksums only the ICMP message, no pseudo header.
		if len(payload) < 4 {
			return
		}
		binary.BigEndian.PutUint16(payload[2:4], 0)
		binary.BigEndian.PutUint16(payload[2:4], onesComplement(sum(payload, 0)))
		return
	case ICMPv6:
		offset = 2
	default:
		return
	}

	if len(payload) < offset+2 {
		return
	}
	binary.BigEndian.PutUint16(payload[offset:offset+2], 0)
	checksum := onesComplement(sum(payload, p.pseudoHeaderSum()))
	if p.Protocol == UDP && checksum == 0 {
		checksum = 0xffff
	}
	binary.BigEndian.PutUint16(payload[offset:offset+2], checksum)
}

func (p *Packet) pseudoHeaderSum() uint32 {
	payloadLen := uint32(len(p.Payload()))

	var s uint32
	if p.Version == IPv4 {
		s = sum(p.data[12:20], 0)
		s += uint32(p.Protocol)
		s += payloadLen
	} else {
		s = sum(p.data[8:40], 0)
		s += payloadLen
		s += uint32(p.Protocol)
	}
	return s
}

func sum(b []byte, initial uint32) uint32 {
	s := initial
	for ; len(b) >= 2; b = b[2:] {
		s += uint32(binary.BigEndian.Uint16(b[:2]))
	}
	if len(b) == 1 {
		s += uint32(b[0]) << 8
	}
	return s
}

func onesComplement(s uint32) uint16 {
	for s>>16 != 0 {
		s = s&0xffff + s>>16
	}
	return ^uint16(s)
}
