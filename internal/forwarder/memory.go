package forwarder

import (
	"context"
	"net/netip"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/free5gc/go-backhaul/internal/ident"
	"github.com/free5gc/go-backhaul/internal/logger"
	"github.com/free5gc/go-backhaul/internal/ring"
)

var (
	ErrExists   = errors.New("switch state already exists")
	ErrNotFound = errors.New("switch state not found")
	ErrDangling = errors.New("flow references missing switch state")
	ErrNoMatch  = errors.New("no flow matches")
	ErrLoop     = errors.New("packet loops around the ring")
)

type flowKey struct {
	cookie ident.Cookie
	dst    netip.Addr
}

// switchState is what one switch holds after directives were applied.
type switchState struct {
	groups map[RingGroup]uint32
	flood  []uint32
	ports  map[uint32]netip.Addr
	flows  map[flowKey]FlowDirective
	meters map[ident.MeterId]MeterDirective
}

func newSwitchState() *switchState {
	return &switchState{
		groups: make(map[RingGroup]uint32),
		ports:  make(map[uint32]netip.Addr),
		flows:  make(map[flowKey]FlowDirective),
		meters: make(map[ident.MeterId]MeterDirective),
	}
}

// MemoryDriver keeps switch state in process. It checks every directive the
// way a strict switch would, which makes it the driver for dry runs and tests.
type MemoryDriver struct {
	mu       sync.RWMutex
	switches map[int]*switchState
	applied  int
	log      *logrus.Entry
}

func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{
		switches: make(map[int]*switchState),
		log:      logger.FwderLog.WithField(logger.FieldDevice, "memory"),
	}
}

func (m *MemoryDriver) Apply(ctx context.Context, ds []Directive) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range ds {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.apply(d); err != nil {
			return errors.Wrapf(err, "apply %s", d)
		}
		m.applied++
		m.log.WithField(logger.FieldSwitch, d.Target()).Tracef("%s", d)
	}
	return nil
}

func (m *MemoryDriver) Close() error {
	return nil
}

func (m *MemoryDriver) state(sw int) *switchState {
	st, ok := m.switches[sw]
	if !ok {
		st = newSwitchState()
		m.switches[sw] = st
	}
	return st
}

func (m *MemoryDriver) apply(d Directive) error {
	st := m.state(d.Target())
	switch d := d.(type) {
	case GroupDirective:
		_, ok := st.groups[d.Group]
		if err := checkOp(d.Op, ok); err != nil {
			return err
		}
		if d.Op == OpDelete {
			delete(st.groups, d.Group)
		} else {
			st.groups[d.Group] = d.Port
		}
	case FloodDirective:
		if err := checkOp(d.Op, st.flood != nil); err != nil {
			return err
		}
		if d.Op == OpDelete {
			st.flood = nil
		} else {
			st.flood = append(make([]uint32, 0, len(d.Ports)), d.Ports...)
		}
	case PortDirective:
		_, ok := st.ports[d.Port]
		if err := checkOp(d.Op, ok); err != nil {
			return err
		}
		if d.Op == OpDelete {
			delete(st.ports, d.Port)
		} else {
			st.ports[d.Port] = d.Addr
		}
	case FlowDirective:
		key := flowKey{cookie: d.Cookie, dst: d.Dst}
		_, ok := st.flows[key]
		if err := checkOp(d.Op, ok); err != nil {
			return err
		}
		if d.Op == OpDelete {
			delete(st.flows, key)
			return nil
		}
		if err := st.resolvable(d); err != nil {
			return err
		}
		st.flows[key] = d
	case MeterDirective:
		_, ok := st.meters[d.Meter]
		if err := checkOp(d.Op, ok); err != nil {
			return err
		}
		if d.Op == OpDelete {
			for _, f := range st.flows {
				if f.Meter == d.Meter {
					return errors.Wrapf(ErrDangling, "meter %s still used by %s", d.Meter, f.Cookie)
				}
			}
			delete(st.meters, d.Meter)
		} else {
			st.meters[d.Meter] = d
		}
	default:
		return errors.Errorf("unknown directive %T", d)
	}
	return nil
}

func checkOp(op Op, exists bool) error {
	switch {
	case op == OpInsert && exists:
		return ErrExists
	case op != OpInsert && !exists:
		return ErrNotFound
	}
	return nil
}

func (st *switchState) resolvable(f FlowDirective) error {
	if f.Group != 0 {
		if _, ok := st.groups[f.Group]; !ok {
			return errors.Wrapf(ErrDangling, "group %s", f.Group)
		}
	} else if _, ok := st.ports[f.Port]; !ok {
		return errors.Wrapf(ErrDangling, "port %d", f.Port)
	}
	if f.Metered() {
		if _, ok := st.meters[f.Meter]; !ok {
			return errors.Wrapf(ErrDangling, "meter %s", f.Meter)
		}
	}
	return nil
}

// Applied counts the directives applied since the driver was created.
func (m *MemoryDriver) Applied() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.applied
}

func (m *MemoryDriver) Group(sw int, g RingGroup) (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.switches[sw]
	if !ok {
		return 0, false
	}
	port, ok := st.groups[g]
	return port, ok
}

func (m *MemoryDriver) Flood(sw int) []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.switches[sw]
	if !ok {
		return nil
	}
	return append([]uint32(nil), st.flood...)
}

func (m *MemoryDriver) Meter(sw int, id ident.MeterId) (MeterDirective, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.switches[sw]
	if !ok {
		return MeterDirective{}, false
	}
	d, ok := st.meters[id]
	return d, ok
}

// Flows returns the flows on sw whose cookie matches want under mask,
// highest priority first.
func (m *MemoryDriver) Flows(sw int, want ident.Cookie, mask uint64) []FlowDirective {
	return m.flows(sw, func(f FlowDirective) bool {
		return f.Cookie.Matches(want, mask)
	})
}

// SliceFlows returns the flows on sw carrying traffic of one slice.
func (m *MemoryDriver) SliceFlows(sw int, sliceID uint8) ([]FlowDirective, error) {
	mask, err := ident.TeidSliceMask(sliceID)
	if err != nil {
		return nil, err
	}
	return m.flows(sw, func(f FlowDirective) bool {
		return f.Teid.Uint32()&ident.TeidSliceField == mask.Uint32()
	}), nil
}

// FlowCount counts flows over every switch.
func (m *MemoryDriver) FlowCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, st := range m.switches {
		n += len(st.flows)
	}
	return n
}

func (m *MemoryDriver) flows(sw int, keep func(FlowDirective) bool) []FlowDirective {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.switches[sw]
	if !ok {
		return nil
	}
	var out []FlowDirective
	for _, f := range st.flows {
		if keep(f) {
			out = append(out, f)
		}
	}
	sortFlows(out)
	return out
}

func sortFlows(fs []FlowDirective) {
	sort.Slice(fs, func(i, j int) bool {
		if fs[i].Priority() != fs[j].Priority() {
			return fs[i].Priority() > fs[j].Priority()
		}
		return fs[i].Cookie.Uint64() < fs[j].Cookie.Uint64()
	})
}

// Lookup is the flow a packet with teid addressed to dst hits on sw.
func (m *MemoryDriver) Lookup(sw int, teid ident.Teid, dst netip.Addr) (FlowDirective, bool) {
	fs := m.flows(sw, func(f FlowDirective) bool {
		return f.Dst == dst && teid.Uint32()&f.TeidMask == f.Teid.Uint32()&f.TeidMask
	})
	if len(fs) == 0 {
		return FlowDirective{}, false
	}
	return fs[0], true
}

// Walk follows installed state from switch start until a flow delivers the
// packet to a local port. It returns the switches visited and that port.
func (m *MemoryDriver) Walk(r *ring.Ring, start int, teid ident.Teid, dst netip.Addr) ([]int, uint32, error) {
	visited := []int{start}
	sw := start
	for hop := 0; hop <= r.Size(); hop++ {
		f, ok := m.Lookup(sw, teid, dst)
		if !ok {
			return visited, 0, errors.Wrapf(ErrNoMatch, "sw%d teid %s dst %s", sw, teid, dst)
		}
		if f.Group == 0 {
			return visited, f.Port, nil
		}
		port, ok := m.Group(sw, f.Group)
		if !ok {
			return visited, 0, errors.Wrapf(ErrDangling, "sw%d group %s", sw, f.Group)
		}
		if port == ring.PortClockwise {
			sw = r.Next(sw)
		} else {
			sw = r.Prev(sw)
		}
		visited = append(visited, sw)
	}
	return visited, 0, errors.Wrapf(ErrLoop, "teid %s dst %s", teid, dst)
}
