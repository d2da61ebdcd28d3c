// Package packet parses raw IP packets and translates their network-layer
// headers between address families.
package packet

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// IPVersion is the IP version of a packet.
type IPVersion uint8

// IP versions.
const (
	IPv4 IPVersion = 4
	IPv6 IPVersion = 6
)

// IPProtocol is the transport protocol of a packet.
type IPProtocol uint8

// Well-known IP protocols.
const (
	ICMP   IPProtocol = 1
	TCP    IPProtocol = 6
	UDP    IPProtocol = 17
	ICMPv6 IPProtocol = 58
)

// Packet is a parsed view over one raw IP packet. The packet owns its
// buffer; translations consume the packet and hand ownership to the
// translated one.
type Packet struct {
	data []byte

	Version   IPVersion
	Protocol  IPProtocol
	Src       netip.Addr
	Dst       netip.Addr
	SrcPort   uint16
	DstPort   uint16
	headerLen int
}

// Parse parses a raw IP packet.
func Parse(packetData []byte) (*Packet, error) {
	if len(packetData) == 0 {
		return nil, errors.New("empty packet")
	}

	pkt := &Packet{data: packetData}

	var parsedPacket gopacket.Packet
	switch packetData[0] >> 4 {
	case 4:
		parsedPacket = gopacket.NewPacket(packetData, layers.LayerTypeIPv4, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		ipv4Layer := parsedPacket.Layer(layers.LayerTypeIPv4)
		if ipv4Layer == nil {
			return nil, fmt.Errorf("failed to parse IPv4 packet: %s", parseError(parsedPacket))
		}
		ipv4, _ := ipv4Layer.(*layers.IPv4)
		pkt.Version = IPv4
		pkt.Protocol = IPProtocol(ipv4.Protocol)
		pkt.Src, _ = netip.AddrFromSlice(ipv4.SrcIP.To4())
		pkt.Dst, _ = netip.AddrFromSlice(ipv4.DstIP.To4())
		pkt.headerLen = int(ipv4.IHL) * 4
		if pkt.headerLen < ipv4HeaderLen || pkt.headerLen > len(packetData) {
			return nil, fmt.Errorf("invalid IPv4 header length %d", pkt.headerLen)
		}

	case 6:
		parsedPacket = gopacket.NewPacket(packetData, layers.LayerTypeIPv6, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		ipv6Layer := parsedPacket.Layer(layers.LayerTypeIPv6)
		if ipv6Layer == nil {
			return nil, fmt.Errorf("failed to parse IPv6 packet: %s", parseError(parsedPacket))
		}
		ipv6, _ := ipv6Layer.(*layers.IPv6)
		pkt.Version = IPv6
		pkt.Protocol = IPProtocol(ipv6.NextHeader)
		pkt.Src, _ = netip.AddrFromSlice(ipv6.SrcIP)
		pkt.Dst, _ = netip.AddrFromSlice(ipv6.DstIP)
		pkt.headerLen = ipv6HeaderLen

	default:
		return nil, errors.New("unknown IP version")
	}

	switch pkt.Protocol {
	case TCP:
		if tcpLayer := parsedPacket.Layer(layers.LayerTypeTCP); tcpLayer != nil {
			tcp, _ := tcpLayer.(*layers.TCP)
			pkt.SrcPort = uint16(tcp.SrcPort)
			pkt.DstPort = uint16(tcp.DstPort)
		}
	case UDP:
		if udpLayer := parsedPacket.Layer(layers.LayerTypeUDP); udpLayer != nil {
			udp, _ := udpLayer.(*layers.UDP)
			pkt.SrcPort = uint16(udp.SrcPort)
			pkt.DstPort = uint16(udp.DstPort)
		}
	}

	return pkt, nil
}

// Data returns the raw packet bytes.
func (p *Packet) Data() []byte {
	return p.data
}

// Payload returns the transport payload, including the transport header.
func (p *Packet) Payload() []byte {
	return p.data[p.headerLen:]
}

// SetAddresses rewrites the packet's addresses in place. Both addresses
// must match the packet's family. Transport checksums are stale afterwards
// until UpdateChecksum is called.
func (p *Packet) SetAddresses(src, dst netip.Addr) error {
	switch p.Version {
	case IPv4:
		if !src.Is4() || !dst.Is4() {
			return fmt.Errorf("cannot set %s -> %s on an IPv4 packet", src, dst)
		}
		srcBytes := src.As4()
		dstBytes := dst.As4()
		copy(p.data[12:16], srcBytes[:])
		copy(p.data[16:20], dstBytes[:])
	case IPv6:
		if !src.Is6() || !dst.Is6() {
			return fmt.Errorf("cannot set %s -> %s on an IPv6 packet", src, dst)
		}
		srcBytes := src.As16()
		dstBytes := dst.As16()
		copy(p.data[8:24], srcBytes[:])
		copy(p.data[24:40], dstBytes[:])
	}
	p.Src = src
	p.Dst = dst
	return nil
}

func parseError(parsedPacket gopacket.Packet) error {
	if errLayer := parsedPacket.ErrorLayer(); errLayer != nil {
		return errLayer.Error()
	}
	return errors.New("unknown error")
}
