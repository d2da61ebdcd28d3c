package resource

import (
	"net/netip"
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newID(t *testing.T) ID {
	t.Helper()
	id, err := uuid.NewV4()
	require.NoError(t, err)
	return id
}

func cidr(t *testing.T, network string) *CIDR {
	t.Helper()
	return &CIDR{
		ID:      newID(t),
		Network: netip.MustParsePrefix(network),
		Name:    network,
	}
}

func dns(t *testing.T, pattern string) *DNS {
	t.Helper()
	r, err := NewDNS(newID(t), pattern, pattern, nil, nil)
	require.NoError(t, err)
	return r
}

func TestDNSMatch(t *testing.T) {
	t.Parallel()

	star := dns(t, "*.example.com")
	assert.True(t, star.Match("example.com"))
	assert.True(t, star.Match("app.example.com"))
	assert.True(t, star.Match("deep.app.example.com"))
	assert.True(t, star.Match("APP.Example.COM."))
	assert.False(t, star.Match("example.org"))
	assert.False(t, star.Match("notexample.com"))

	question := dns(t, "?.example.com")
	assert.True(t, question.Match("example.com"))
	assert.True(t, question.Match("app.example.com"))
	assert.False(t, question.Match("deep.app.example.com"))

	exact := dns(t, "app.example.com")
	assert.True(t, exact.Match("app.example.com"))
	assert.False(t, exact.Match("other.example.com"))
	assert.False(t, exact.Match("example.com"))
}

func TestFilterMatches(t *testing.T) {
	t.Parallel()

	udp := Filter{Protocol: ProtocolUDP, PortRangeStart: 100, PortRangeEnd: 200}
	assert.True(t, udp.Matches(ProtocolUDP, 100))
	assert.True(t, udp.Matches(ProtocolUDP, 200))
	assert.False(t, udp.Matches(ProtocolUDP, 99))
	assert.False(t, udp.Matches(ProtocolTCP, 150))

	// Zero port range end means "to 65535".
	open := Filter{Protocol: ProtocolTCP}
	assert.True(t, open.Matches(ProtocolTCP, 0))
	assert.True(t, open.Matches(ProtocolTCP, 65535))

	icmp := Filter{Protocol: ProtocolICMP}
	assert.True(t, icmp.Matches(ProtocolICMP, 0))
	assert.False(t, icmp.Matches(ProtocolUDP, 0))
}

func TestIndexLongestPrefixWins(t *testing.T) {
	t.Parallel()

	idx := NewIndex()
	wide := cidr(t, "10.0.0.0/8")
	narrow := cidr(t, "10.1.0.0/16")
	idx.Insert(wide)
	idx.Insert(narrow)

	got, ok := idx.GetByIP(netip.MustParseAddr("10.1.2.3"))
	require.True(t, ok)
	assert.Equal(t, narrow.ID, got.ID)

	got, ok = idx.GetByIP(netip.MustParseAddr("10.2.2.3"))
	require.True(t, ok)
	assert.Equal(t, wide.ID, got.ID)

	_, ok = idx.GetByIP(netip.MustParseAddr("192.168.1.1"))
	assert.False(t, ok)
}

func TestIndexSharedNetworkPurgesStaleResource(t *testing.T) {
	t.Parallel()

	idx := NewIndex()
	old := cidr(t, "10.0.0.0/24")
	replacement := cidr(t, "10.0.0.0/24")
	idx.Insert(old)
	idx.Insert(replacement)

	got, ok := idx.GetByIP(netip.MustParseAddr("10.0.0.1"))
	require.True(t, ok)
	assert.Equal(t, replacement.ID, got.ID)

	// The stale resource is gone from every view.
	_, ok = idx.GetByID(old.ID)
	assert.False(t, ok)
	assert.Equal(t, 1, idx.Len())
}

func TestIndexDomainCollisionPurgesStaleResource(t *testing.T) {
	t.Parallel()

	idx := NewIndex()
	old := dns(t, "*.example.com")
	replacement := dns(t, "*.example.com")
	idx.Insert(old)
	idx.Insert(replacement)

	got, ok := idx.GetByDomainPattern("*.example.com")
	require.True(t, ok)
	assert.Equal(t, replacement.ID, got.ID)

	_, ok = idx.GetByID(old.ID)
	assert.False(t, ok)
	assert.Equal(t, 1, idx.Len())
}

func TestIndexReinsertMovesResource(t *testing.T) {
	t.Parallel()

	idx := NewIndex()
	r := cidr(t, "10.0.0.0/24")
	idx.Insert(r)

	moved := &CIDR{ID: r.ID, Network: netip.MustParsePrefix("10.0.1.0/24"), Name: r.Name}
	idx.Insert(moved)

	_, ok := idx.GetByIP(netip.MustParseAddr("10.0.0.1"))
	assert.False(t, ok)
	got, ok := idx.GetByIP(netip.MustParseAddr("10.0.1.1"))
	require.True(t, ok)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, 1, idx.Len())
}

func TestIndexGetByDstHonorsFilters(t *testing.T) {
	t.Parallel()

	idx := NewIndex()
	wide := cidr(t, "10.0.0.0/8")
	narrow := cidr(t, "10.1.0.0/16")
	narrow.Filter = []Filter{{Protocol: ProtocolTCP, PortRangeStart: 443, PortRangeEnd: 443}}
	idx.Insert(wide)
	idx.Insert(narrow)

	got, ok := idx.GetByDst(netip.MustParseAddr("10.1.2.3"), ProtocolTCP, 443)
	require.True(t, ok)
	assert.Equal(t, narrow.ID, got.ResourceID())

	// The narrow resource rejects UDP, so the wide one serves it.
	got, ok = idx.GetByDst(netip.MustParseAddr("10.1.2.3"), ProtocolUDP, 53)
	require.True(t, ok)
	assert.Equal(t, wide.ID, got.ResourceID())
}

func TestIndexGetByDstFallsBackToInternet(t *testing.T) {
	t.Parallel()

	idx := NewIndex()
	_, ok := idx.GetByDst(netip.MustParseAddr("1.1.1.1"), ProtocolUDP, 53)
	assert.False(t, ok)

	inet := &Internet{ID: newID(t)}
	idx.Insert(inet)

	got, ok := idx.GetByDst(netip.MustParseAddr("1.1.1.1"), ProtocolUDP, 53)
	require.True(t, ok)
	assert.Equal(t, inet.ID, got.ResourceID())
}

func TestIndexMatchDomainPrecedence(t *testing.T) {
	t.Parallel()

	idx := NewIndex()
	wild := dns(t, "*.example.com")
	exact := dns(t, "app.example.com")
	idx.Insert(wild)
	idx.Insert(exact)

	got, ok := idx.MatchDomain("app.example.com")
	require.True(t, ok)
	assert.Equal(t, exact.ID, got.ID)

	got, ok = idx.MatchDomain("other.example.com")
	require.True(t, ok)
	assert.Equal(t, wild.ID, got.ID)

	_, ok = idx.MatchDomain("example.org")
	assert.False(t, ok)
}

func TestIndexIPv6(t *testing.T) {
	t.Parallel()

	idx := NewIndex()
	v6 := cidr(t, "fd00::/8")
	idx.Insert(v6)

	got, ok := idx.GetByIP(netip.MustParseAddr("fd00::1"))
	require.True(t, ok)
	assert.Equal(t, v6.ID, got.ID)

	// An IPv4 address must never match an IPv6 network.
	_, ok = idx.GetByIP(netip.MustParseAddr("253.0.0.1"))
	assert.False(t, ok)
}
