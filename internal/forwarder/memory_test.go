package forwarder

import (
	"context"
	"net/netip"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/free5gc/go-backhaul/internal/ident"
	"github.com/free5gc/go-backhaul/internal/ring"
)

var dstAddr = netip.MustParseAddr("10.2.0.1")

func mustTeid(t *testing.T, slice uint8, imsi uint32) ident.Teid {
	t.Helper()
	v, err := ident.TeidCreate(slice, imsi, 1)
	require.NoError(t, err)
	return v
}

func flow(t *testing.T, sw int, prio uint16, teid ident.Teid) FlowDirective {
	t.Helper()
	c, err := ident.CookieCreate(ident.IfaceS5, prio, teid)
	require.NoError(t, err)
	return FlowDirective{
		Meta:     Meta{Switch: sw},
		Cookie:   c,
		Teid:     teid,
		TeidMask: fullTeidMask,
		Dst:      dstAddr,
		Port:     3,
	}
}

func TestMemoryDriverOps(t *testing.T) {
	m := NewMemoryDriver()
	ctx := context.Background()
	port := PortDirective{Meta: Meta{Switch: 0}, Port: 3, Addr: dstAddr}

	require.NoError(t, m.Apply(ctx, []Directive{port}))
	err := m.Apply(ctx, []Directive{port})
	require.True(t, errors.Is(err, ErrExists))

	err = m.Apply(ctx, []Directive{GroupDirective{Meta: Meta{Switch: 0, Op: OpModify}, Group: GroupClockwise}})
	require.True(t, errors.Is(err, ErrNotFound))
	err = m.Apply(ctx, []Directive{FloodDirective{Meta: Meta{Switch: 1, Op: OpDelete}}})
	require.True(t, errors.Is(err, ErrNotFound))

	port.Op = OpDelete
	require.NoError(t, m.Apply(ctx, []Directive{port}))
	assert.Equal(t, 2, m.Applied())
	require.NoError(t, m.Close())
}

func TestMemoryDriverStopsAtFirstFailure(t *testing.T) {
	m := NewMemoryDriver()
	teid := mustTeid(t, 1, 1)
	ds := []Directive{
		PortDirective{Meta: Meta{Switch: 0}, Port: 3, Addr: dstAddr},
		flow(t, 0, PriorityLocal, teid),
		flow(t, 0, PriorityLocal, teid),
		GroupDirective{Meta: Meta{Switch: 0}, Group: GroupClockwise, Port: ring.PortClockwise},
	}
	err := m.Apply(context.Background(), ds)
	require.True(t, errors.Is(err, ErrExists))
	assert.Equal(t, 2, m.Applied())
	_, ok := m.Group(0, GroupClockwise)
	assert.False(t, ok)
}

func TestMemoryDriverCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := NewMemoryDriver()
	err := m.Apply(ctx, []Directive{PortDirective{Meta: Meta{Switch: 0}, Port: 3}})
	require.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, m.Applied())
}

func TestMemoryDriverDangling(t *testing.T) {
	m := NewMemoryDriver()
	ctx := context.Background()
	teid := mustTeid(t, 1, 1)

	f := flow(t, 0, PriorityLocal, teid)
	require.True(t, errors.Is(m.Apply(ctx, []Directive{f}), ErrDangling))

	transit := flow(t, 0, PriorityTransit, teid)
	transit.Group = GroupCounterClockwise
	require.True(t, errors.Is(m.Apply(ctx, []Directive{transit}), ErrDangling))

	meter, err := ident.MeterIdMbrCreate(ident.IfaceS5, teid)
	require.NoError(t, err)
	f.Meter = meter
	require.NoError(t, m.Apply(ctx, []Directive{PortDirective{Meta: Meta{Switch: 0}, Port: 3}}))
	require.True(t, errors.Is(m.Apply(ctx, []Directive{f}), ErrDangling))

	md := MeterDirective{Meta: Meta{Switch: 0}, Meter: meter, PeakKbps: 100}
	require.NoError(t, m.Apply(ctx, []Directive{md, f}))

	md.Op = OpDelete
	require.True(t, errors.Is(m.Apply(ctx, []Directive{md}), ErrDangling))
	f.Op = OpDelete
	require.NoError(t, m.Apply(ctx, []Directive{f, md}))
	_, ok := m.Meter(0, meter)
	assert.False(t, ok)
}

func TestMemoryDriverLookup(t *testing.T) {
	m := NewMemoryDriver()
	ctx := context.Background()
	a := mustTeid(t, 1, 1)
	b := mustTeid(t, 1, 2)
	require.NoError(t, m.Apply(ctx, []Directive{
		PortDirective{Meta: Meta{Switch: 0}, Port: 3},
		PortDirective{Meta: Meta{Switch: 0}, Port: 4},
	}))

	mask, err := ident.TeidSliceMask(1)
	require.NoError(t, err)
	wide := flow(t, 0, PriorityTransit, mask)
	wide.TeidMask = ident.TeidSliceField
	wide.Port = 4
	exact := flow(t, 0, PriorityLocal, a)
	require.NoError(t, m.Apply(ctx, []Directive{wide, exact}))

	got, ok := m.Lookup(0, a, dstAddr)
	require.True(t, ok)
	assert.Equal(t, uint32(3), got.Port)

	got, ok = m.Lookup(0, b, dstAddr)
	require.True(t, ok)
	assert.Equal(t, uint32(4), got.Port)

	_, ok = m.Lookup(0, mustTeid(t, 2, 1), dstAddr)
	assert.False(t, ok)
	_, ok = m.Lookup(0, a, netip.MustParseAddr("10.2.0.5"))
	assert.False(t, ok)
	_, ok = m.Lookup(7, a, dstAddr)
	assert.False(t, ok)

	all := m.Flows(0, ident.Cookie{}, 0)
	require.Len(t, all, 2)
	assert.Equal(t, PriorityLocal, all[0].Priority())

	slice, err := m.SliceFlows(0, 1)
	require.NoError(t, err)
	assert.Len(t, slice, 2)
	slice, err = m.SliceFlows(0, 2)
	require.NoError(t, err)
	assert.Empty(t, slice)
	_, err = m.SliceFlows(0, 16)
	require.Error(t, err)
}

func TestMemoryDriverWalkLoop(t *testing.T) {
	r, err := ring.New(ring.Config{Switches: 3})
	require.NoError(t, err)
	m := NewMemoryDriver()
	ctx := context.Background()
	teid := mustTeid(t, 1, 1)

	// every switch forwards clockwise and nobody delivers
	for sw := 0; sw < 3; sw++ {
		f := flow(t, sw, PriorityTransit, teid)
		f.Group = GroupClockwise
		require.NoError(t, m.Apply(ctx, []Directive{
			GroupDirective{Meta: Meta{Switch: sw}, Group: GroupClockwise, Port: ring.PortClockwise},
			f,
		}))
	}
	visited, _, err := m.Walk(r, 0, teid, dstAddr)
	require.True(t, errors.Is(err, ErrLoop))
	assert.Equal(t, []int{0, 1, 2, 0, 1}, visited)

	_, _, err = m.Walk(r, 0, mustTeid(t, 1, 2), dstAddr)
	require.True(t, errors.Is(err, ErrNoMatch))
}
