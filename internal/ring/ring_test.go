package ring

import (
	"net/netip"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRing(t *testing.T, n int) *Ring {
	t.Helper()
	r, err := New(Config{Switches: n, LinkRate: 1e9, LinkDelay: time.Millisecond})
	require.NoError(t, err)
	return r
}

func newBuilder(t *testing.T, r *Ring) *Builder {
	t.Helper()
	b, err := NewBuilder(r, Addressing{
		AnchorSubnet: netip.MustParsePrefix("10.1.0.0/24"),
		NodeSupernet: netip.MustParsePrefix("10.2.0.0/16"),
	})
	require.NoError(t, err)
	return b
}

func TestNoFloodLinkExclusive(t *testing.T) {
	for n := 2; n <= 9; n++ {
		r := newRing(t, n)
		links := r.Links()
		require.Len(t, links, n)

		flagged := 0
		for _, l := range links {
			if l.NoFlood {
				flagged++
				assert.Equal(t, n/2, l.Index, "n=%d", n)
			}
		}
		assert.Equal(t, 1, flagged, "n=%d", n)

		l, ok := r.NoFloodLink()
		require.True(t, ok)
		assert.Equal(t, n/2, l.Index)
	}
}

func TestNoFloodOverride(t *testing.T) {
	idx := 0
	r, err := New(Config{Switches: 5, NoFloodLink: &idx})
	require.NoError(t, err)
	l, ok := r.NoFloodLink()
	require.True(t, ok)
	assert.Equal(t, 0, l.Index)

	bad := 5
	_, err = New(Config{Switches: 5, NoFloodLink: &bad})
	require.Error(t, err)
}

func TestSingleSwitchRing(t *testing.T) {
	r := newRing(t, 1)
	assert.Empty(t, r.Links())
	_, ok := r.NoFloodLink()
	assert.False(t, ok)
	assert.Equal(t, 0, r.Next(0))
	assert.Equal(t, 0, r.Prev(0))

	ports, err := r.FloodPorts(0)
	require.NoError(t, err)
	assert.Empty(t, ports)

	_, err = New(Config{Switches: 0})
	require.Error(t, err)
}

func TestAdjacency(t *testing.T) {
	r := newRing(t, 6)
	assert.Equal(t, 1, r.Next(0))
	assert.Equal(t, 0, r.Next(5))
	assert.Equal(t, 5, r.Prev(0))
	assert.Equal(t, 4, r.ClockwiseHops(0, 4))
	assert.Equal(t, 2, r.ClockwiseHops(4, 0))
	assert.Equal(t, 0, r.ClockwiseHops(3, 3))

	l, err := r.Link(5)
	require.NoError(t, err)
	assert.Equal(t, 5, l.A)
	assert.Equal(t, 0, l.B)
	assert.Equal(t, PortClockwise, l.APort)
	assert.Equal(t, PortCounterClockwise, l.BPort)
	assert.Equal(t, uint64(1e9), l.Rate)

	_, err = r.Switch(6)
	require.True(t, errors.Is(err, ErrSwitchIndex))
}

func TestFloodPorts(t *testing.T) {
	r := newRing(t, 4)
	b := newBuilder(t, r)

	// link 2 joins switches 2 and 3
	ports, err := r.FloodPorts(2)
	require.NoError(t, err)
	assert.Equal(t, []uint32{PortCounterClockwise}, ports)

	ports, err = r.FloodPorts(3)
	require.NoError(t, err)
	assert.Equal(t, []uint32{PortClockwise}, ports)

	ports, err = r.FloodPorts(0)
	require.NoError(t, err)
	assert.Equal(t, []uint32{PortClockwise, PortCounterClockwise}, ports)

	att, err := b.Attach(Endpoint{Name: "pgw", Kind: KindGateway})
	require.NoError(t, err)
	ports, err = r.FloodPorts(0)
	require.NoError(t, err)
	assert.Equal(t, []uint32{PortClockwise, PortCounterClockwise, att.Port}, ports)
}

func TestAttachRoundRobin(t *testing.T) {
	r := newRing(t, 4)
	b := newBuilder(t, r)

	anchor, err := b.Attach(Endpoint{Name: "pgw", Kind: KindGateway})
	require.NoError(t, err)
	assert.Equal(t, 0, anchor.Switch)
	assert.Equal(t, firstLocalPort, anchor.Port)

	var got []int
	for i := 0; i < 7; i++ {
		att, err := b.Attach(Endpoint{Name: "enb", Kind: KindEnb})
		require.NoError(t, err)
		got = append(got, att.Switch)
	}
	assert.Equal(t, []int{1, 2, 3, 1, 2, 3, 1}, got)
	assert.Equal(t, 8, b.Attachments())

	sw, err := r.Switch(1)
	require.NoError(t, err)
	require.Len(t, sw.Endpoints, 3)
	assert.Equal(t, []uint32{3, 4, 5}, []uint32{sw.Endpoints[0].Port, sw.Endpoints[1].Port, sw.Endpoints[2].Port})
}

func TestAttachSingleSwitch(t *testing.T) {
	b := newBuilder(t, newRing(t, 1))
	for i := 0; i < 3; i++ {
		att, err := b.Attach(Endpoint{Name: "n", Kind: KindEnb})
		require.NoError(t, err)
		assert.Equal(t, 0, att.Switch)
	}
}

func TestAttachAt(t *testing.T) {
	r := newRing(t, 3)
	b := newBuilder(t, r)

	att, err := b.AttachAt(Endpoint{Name: "enb", Kind: KindEnb}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, att.Switch)

	_, err = b.AttachAt(Endpoint{Name: "enb", Kind: KindEnb}, 3)
	require.True(t, errors.Is(err, ErrSwitchIndex))
	_, err = b.AttachAt(Endpoint{Name: "enb", Kind: KindEnb}, -1)
	require.True(t, errors.Is(err, ErrSwitchIndex))
}

func TestAttachAddressing(t *testing.T) {
	b := newBuilder(t, newRing(t, 3))

	gw1, err := b.Attach(Endpoint{Name: "pgw", Kind: KindGateway})
	require.NoError(t, err)
	gw2, err := b.AttachAt(Endpoint{Name: "sgw", Kind: KindGateway}, 0)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.1.0.1"), gw1.Addr)
	assert.Equal(t, netip.MustParseAddr("10.1.0.2"), gw2.Addr)
	assert.Equal(t, gw1.Subnet, gw2.Subnet)

	e1, err := b.Attach(Endpoint{Name: "enb1", Kind: KindEnb})
	require.NoError(t, err)
	e2, err := b.Attach(Endpoint{Name: "enb2", Kind: KindEnb})
	require.NoError(t, err)
	assert.Equal(t, netip.MustParsePrefix("10.2.0.0/30"), e1.Subnet)
	assert.Equal(t, netip.MustParseAddr("10.2.0.1"), e1.Addr)
	assert.Equal(t, netip.MustParseAddr("10.2.0.2"), e1.Peer)
	assert.Equal(t, netip.MustParsePrefix("10.2.0.4/30"), e2.Subnet)
}

func TestPoolExhaustion(t *testing.T) {
	hosts, err := newHostPool(netip.MustParsePrefix("192.168.0.0/30"))
	require.NoError(t, err)
	_, err = hosts.alloc()
	require.NoError(t, err)
	_, err = hosts.alloc()
	require.NoError(t, err)
	_, err = hosts.alloc()
	require.True(t, errors.Is(err, ErrPoolExhausted))

	pairs, err := newPairPool(netip.MustParsePrefix("192.168.1.0/29"))
	require.NoError(t, err)
	_, err = pairs.alloc()
	require.NoError(t, err)
	_, err = pairs.alloc()
	require.NoError(t, err)
	_, err = pairs.alloc()
	require.True(t, errors.Is(err, ErrPoolExhausted))

	_, err = newHostPool(netip.MustParsePrefix("2001:db8::/64"))
	require.Error(t, err)
}

func TestBuilderRejectsOverlap(t *testing.T) {
	_, err := NewBuilder(newRing(t, 2), Addressing{
		AnchorSubnet: netip.MustParsePrefix("10.0.0.0/24"),
		NodeSupernet: netip.MustParsePrefix("10.0.0.0/16"),
	})
	require.Error(t, err)
}

func TestDetach(t *testing.T) {
	r := newRing(t, 4)
	b := newBuilder(t, r)
	for _, ep := range []Endpoint{
		{Name: "pgw", Kind: KindGateway},
		{Name: "enb1", Kind: KindEnb},
		{Name: "enb2", Kind: KindEnb},
		{Name: "enb3", Kind: KindEnb},
	} {
		_, err := b.Attach(ep)
		require.NoError(t, err)
	}
	before, err := r.FloodPorts(1)
	require.NoError(t, err)

	att, err := b.Attach(Endpoint{Name: "enbX", Kind: KindEnb})
	require.NoError(t, err)
	assert.Equal(t, 1, att.Switch)
	require.NoError(t, b.Detach(att))

	assert.Equal(t, 4, b.Attachments())
	ports, err := r.FloodPorts(1)
	require.NoError(t, err)
	assert.Equal(t, before, ports)
	sw, err := r.Switch(1)
	require.NoError(t, err)
	assert.Len(t, sw.Endpoints, 1)

	// the same switch, port and /30 come back
	again, err := b.Attach(Endpoint{Name: "enbX", Kind: KindEnb})
	require.NoError(t, err)
	assert.Equal(t, att.Switch, again.Switch)
	assert.Equal(t, att.Port, again.Port)
	assert.Equal(t, att.Subnet, again.Subnet)

	require.True(t, errors.Is(b.Detach(att), ErrNotAttached))
}

func TestDetachGateway(t *testing.T) {
	b := newBuilder(t, newRing(t, 3))
	gw, err := b.Attach(Endpoint{Name: "pgw", Kind: KindGateway})
	require.NoError(t, err)
	require.NoError(t, b.Detach(gw))
	assert.Equal(t, 0, b.Attachments())

	again, err := b.Attach(Endpoint{Name: "pgw", Kind: KindGateway})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Switch)
	assert.Equal(t, gw.Addr, again.Addr)
	assert.Equal(t, gw.Port, again.Port)
}
