package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// Translation errors. Callers are expected to drop the packet.
var (
	ErrUnsupportedProtocol = errors.New("protocol cannot be translated")
	ErrUnsupportedICMPType = errors.New("ICMP type cannot be translated")
)

// ICMP echo types on both families.
const (
	icmpEchoRequest   = 8
	icmpEchoReply     = 0
	icmpv6EchoRequest = 128
	icmpv6EchoReply   = 129
)

// TranslateToIPv6 turns an IPv4 packet into an IPv6 packet addressed
// src -> dst, carrying the same transport payload. IPv4 options are
// dropped; they have no IPv6 equivalent. The input packet is consumed and
// must not be used afterwards. Checksums of the returned packet are stale
// until UpdateChecksum is called.
func TranslateToIPv6(p *Packet, src, dst netip.Addr) (*Packet, error) {
	if p.Version != IPv4 {
		return nil, fmt.Errorf("cannot translate IPv%d packet to IPv6", p.Version)
	}
	if !src.Is6() || !dst.Is6() {
		return nil, fmt.Errorf("%s -> %s are no IPv6 addresses", src, dst)
	}

	protocol := p.Protocol
	if protocol == ICMP {
		protocol = ICMPv6
	}
	if protocol != TCP && protocol != UDP && protocol != ICMPv6 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedProtocol, p.Protocol)
	}

	payload := p.Payload()
	data := make([]byte, ipv6HeaderLen+len(payload))

	// Traffic class is the IPv4 TOS octet, flow label is zero.
	tos := p.data[1]
	data[0] = 0x60 | tos>>4
	data[1] = tos << 4
	binary.BigEndian.PutUint16(data[4:6], uint16(len(payload)))
	data[6] = byte(protocol)
	data[7] = p.data[8] // hop limit from TTL
	srcBytes := src.As16()
	dstBytes := dst.As16()
	copy(data[8:24], srcBytes[:])
	copy(data[24:40], dstBytes[:])
	copy(data[ipv6HeaderLen:], payload)

	if p.Protocol == ICMP {
		if err := translateICMPType(data[ipv6HeaderLen:], icmpEchoRequest, icmpv6EchoRequest, icmpEchoReply, icmpv6EchoReply); err != nil {
			return nil, err
		}
	}

	return Parse(data)
}

// TranslateToIPv4 turns an IPv6 packet into an IPv4 packet addressed
// src -> dst, carrying the same transport payload. The input packet is
// consumed and must not be used afterwards. Checksums of the returned
// packet are stale until UpdateChecksum is called.
func TranslateToIPv4(p *Packet, src, dst netip.Addr) (*Packet, error) {
	if p.Version != IPv6 {
		return nil, fmt.Errorf("cannot translate IPv%d packet to IPv4", p.Version)
	}
	if !src.Is4() || !dst.Is4() {
		return nil, fmt.Errorf("%s -> %s are no IPv4 addresses", src, dst)
	}

	protocol := p.Protocol
	if protocol == ICMPv6 {
		protocol = ICMP
	}
	if protocol != TCP && protocol != UDP && protocol != ICMP {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedProtocol, p.Protocol)
	}

	payload := p.Payload()
	data := make([]byte, ipv4HeaderLen+len(payload))

	data[0] = 0x45
	data[1] = p.data[0]<<4 | p.data[1]>>4 // TOS from traffic class
	binary.BigEndian.PutUint16(data[2:4], uint16(ipv4HeaderLen+len(payload)))
	binary.BigEndian.PutUint16(data[6:8], 0x4000) // DF, no fragmentation
	data[8] = p.data[7]                           // TTL from hop limit
	data[9] = byte(protocol)
	srcBytes := src.As4()
	dstBytes := dst.As4()
	copy(data[12:16], srcBytes[:])
	copy(data[16:20], dstBytes[:])
	copy(data[ipv4HeaderLen:], payload)

	if p.Protocol == ICMPv6 {
		if err := translateICMPType(data[ipv4HeaderLen:], icmpv6EchoRequest, icmpEchoRequest, icmpv6EchoReply, icmpEchoReply); err != nil {
			return nil, err
		}
	}

	return Parse(data)
}

// translateICMPType rewrites the leading ICMP type byte. Only echo
// request/reply survive translation; everything else is dropped.
func translateICMPType(icmp []byte, fromRequest, toRequest, fromReply, toReply byte) error {
	if len(icmp) < 4 {
		return fmt.Errorf("%w: truncated ICMP message", ErrUnsupportedICMPType)
	}
	switch icmp[0] {
	case fromRequest:
		icmp[0] = toRequest
	case fromReply:
		icmp[0] = toReply
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedICMPType, icmp[0])
	}
	return nil
}

// wellKnownPrefix is the RFC 6052 IPv4/IPv6 translation prefix.
var wellKnownPrefix = netip.MustParsePrefix("64:ff9b::/96")

// EmbedIPv4 maps an IPv4 address into the RFC 6052 well-known prefix.
func EmbedIPv4(ip netip.Addr) netip.Addr {
	v4 := ip.As4()
	v6 := wellKnownPrefix.Addr().As16()
	copy(v6[12:], v4[:])
	return netip.AddrFrom16(v6)
}

// ExtractIPv4 recovers an IPv4 address embedded via the RFC 6052
// well-known prefix.
func ExtractIPv4(ip netip.Addr) (netip.Addr, bool) {
	if !wellKnownPrefix.Contains(ip) {
		return netip.Addr{}, false
	}
	v6 := ip.As16()
	return netip.AddrFrom4([4]byte(v6[12:])), true
}
