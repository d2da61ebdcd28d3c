package packet

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	srcV4 = netip.MustParseAddr("10.0.0.1")
	dstV4 = netip.MustParseAddr("10.0.0.2")
	srcV6 = netip.MustParseAddr("fd00::1")
	dstV6 = netip.MustParseAddr("fd00::2")
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}, ls...)
	require.NoError(t, err)
	return buf.Bytes()
}

func buildUDPv4(t *testing.T, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Flags:    layers.IPv4DontFragment,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP(srcV4.AsSlice()),
		DstIP:    net.IP(dstV4.AsSlice()),
	}
	udp := &layers.UDP{SrcPort: 5353, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip, udp, gopacket.Payload(payload))
}

func buildUDPv6(t *testing.T, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolUDP,
		SrcIP:      net.IP(srcV6.AsSlice()),
		DstIP:      net.IP(dstV6.AsSlice()),
	}
	udp := &layers.UDP{SrcPort: 5353, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip, udp, gopacket.Payload(payload))
}

func TestTranslateUDPToIPv6(t *testing.T) {
	t.Parallel()

	pkt, err := Parse(buildUDPv4(t, []byte("hello")))
	require.NoError(t, err)

	translated, err := TranslateToIPv6(pkt, srcV6, dstV6)
	require.NoError(t, err)
	translated.UpdateChecksum()

	// A reference packet built from scratch must match byte for byte.
	assert.Equal(t, buildUDPv6(t, []byte("hello")), translated.Data())
}

func TestTranslateUDPToIPv4(t *testing.T) {
	t.Parallel()

	pkt, err := Parse(buildUDPv6(t, []byte("hello")))
	require.NoError(t, err)

	translated, err := TranslateToIPv4(pkt, srcV4, dstV4)
	require.NoError(t, err)
	translated.UpdateChecksum()

	assert.Equal(t, buildUDPv4(t, []byte("hello")), translated.Data())
}

func TestIPv6RoundTripIsLossless(t *testing.T) {
	t.Parallel()

	original := buildUDPv6(t, []byte("payload"))

	pkt, err := Parse(original)
	require.NoError(t, err)
	v4, err := TranslateToIPv4(pkt, srcV4, dstV4)
	require.NoError(t, err)
	v4.UpdateChecksum()
	back, err := TranslateToIPv6(v4, srcV6, dstV6)
	require.NoError(t, err)
	back.UpdateChecksum()

	assert.Equal(t, original, back.Data())
}

func TestIPv4RoundTripStripsOptions(t *testing.T) {
	t.Parallel()

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Flags:    layers.IPv4DontFragment,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP(srcV4.AsSlice()),
		DstIP:    net.IP(dstV4.AsSlice()),
		Options:  []layers.IPv4Option{{OptionType: 7, OptionLength: 4, OptionData: []byte{0, 0}}},
	}
	udp := &layers.UDP{SrcPort: 5353, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	withOptions := serialize(t, ip, udp, gopacket.Payload([]byte("payload")))

	pkt, err := Parse(withOptions)
	require.NoError(t, err)
	require.Greater(t, pkt.headerLen, ipv4HeaderLen)

	v6, err := TranslateToIPv6(pkt, srcV6, dstV6)
	require.NoError(t, err)
	v6.UpdateChecksum()
	back, err := TranslateToIPv4(v6, srcV4, dstV4)
	require.NoError(t, err)
	back.UpdateChecksum()

	// The options are gone, everything else survives.
	assert.Equal(t, buildUDPv4(t, []byte("payload")), back.Data())
}

func TestTranslateICMPEcho(t *testing.T) {
	t.Parallel()

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Flags:    layers.IPv4DontFragment,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.IP(srcV4.AsSlice()),
		DstIP:    net.IP(dstV4.AsSlice()),
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       42,
		Seq:      1,
	}
	pkt, err := Parse(serialize(t, ip, icmp, gopacket.Payload([]byte("ping"))))
	require.NoError(t, err)

	translated, err := TranslateToIPv6(pkt, srcV6, dstV6)
	require.NoError(t, err)
	translated.UpdateChecksum()

	ipv6 := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolICMPv6,
		SrcIP:      net.IP(srcV6.AsSlice()),
		DstIP:      net.IP(dstV6.AsSlice()),
	}
	icmpv6 := &layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoRequest, 0),
	}
	require.NoError(t, icmpv6.SetNetworkLayerForChecksum(ipv6))
	echo := &layers.ICMPv6Echo{Identifier: 42, SeqNumber: 1}
	expected := serialize(t, ipv6, icmpv6, echo, gopacket.Payload([]byte("ping")))

	assert.Equal(t, expected, translated.Data())
}

func TestTranslateRefusesNonEchoICMP(t *testing.T) {
	t.Parallel()

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.IP(srcV4.AsSlice()),
		DstIP:    net.IP(dstV4.AsSlice()),
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, 1),
	}
	pkt, err := Parse(serialize(t, ip, icmp))
	require.NoError(t, err)

	_, err = TranslateToIPv6(pkt, srcV6, dstV6)
	assert.ErrorIs(t, err, ErrUnsupportedICMPType)
}

func TestTranslateRefusesWrongFamily(t *testing.T) {
	t.Parallel()

	pkt, err := Parse(buildUDPv4(t, nil))
	require.NoError(t, err)

	_, err = TranslateToIPv4(pkt, srcV4, dstV4)
	assert.Error(t, err)
	_, err = TranslateToIPv6(pkt, srcV4, dstV6)
	assert.Error(t, err)
}

func TestRFC6052Embedding(t *testing.T) {
	t.Parallel()

	v4 := netip.MustParseAddr("192.0.2.33")
	embedded := EmbedIPv4(v4)
	assert.Equal(t, netip.MustParseAddr("64:ff9b::c000:221"), embedded)

	extracted, ok := ExtractIPv4(embedded)
	require.True(t, ok)
	assert.Equal(t, v4, extracted)

	_, ok = ExtractIPv4(netip.MustParseAddr("fd00::1"))
	assert.False(t, ok)
}

func TestSetAddressesRewritesInPlace(t *testing.T) {
	t.Parallel()

	pkt, err := Parse(buildUDPv4(t, []byte("data")))
	require.NoError(t, err)

	newDst := netip.MustParseAddr("10.9.9.9")
	require.NoError(t, pkt.SetAddresses(srcV4, newDst))
	pkt.UpdateChecksum()

	reparsed, err := Parse(pkt.Data())
	require.NoError(t, err)
	assert.Equal(t, newDst, reparsed.Dst)

	require.Error(t, pkt.SetAddresses(srcV6, dstV6))
}
