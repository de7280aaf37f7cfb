package forwarder

import (
	"fmt"
	"net/netip"

	"github.com/free5gc/go-backhaul/internal/ident"
)

type Op uint8

const (
	OpInsert Op = iota
	OpModify
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// RingGroup is a switch-local forwarding group. Both ids exist on every
// switch, each bound to that switch's own port in the matching direction.
type RingGroup uint32

const (
	GroupClockwise        RingGroup = 1
	GroupCounterClockwise RingGroup = 2
)

func (g RingGroup) String() string {
	switch g {
	case GroupClockwise:
		return "cw"
	case GroupCounterClockwise:
		return "ccw"
	}
	return fmt.Sprintf("group(%d)", uint32(g))
}

// LinkDirection is the direction a packet output through g crosses a link.
func (g RingGroup) LinkDirection() ident.LinkDirection {
	if g == GroupCounterClockwise {
		return ident.LinkBackward
	}
	return ident.LinkForward
}

// Directive is one unit of switch state. Drivers render directives into
// whatever their switches speak.
type Directive interface {
	Target() int
	Operation() Op
	String() string
}

// Meta carries the target switch and operation of a directive.
type Meta struct {
	Switch int
	Op     Op
}

func (m Meta) Target() int {
	return m.Switch
}

func (m Meta) Operation() Op {
	return m.Op
}

// GroupDirective binds a ring group to an output port.
type GroupDirective struct {
	Meta
	Group RingGroup
	Port  uint32
}

func (d GroupDirective) String() string {
	return fmt.Sprintf("%s sw%d group %s -> port %d", d.Op, d.Switch, d.Group, d.Port)
}

// FloodDirective sets the ports broadcast traffic is replicated to.
type FloodDirective struct {
	Meta
	Ports []uint32
}

func (d FloodDirective) String() string {
	return fmt.Sprintf("%s sw%d flood %v", d.Op, d.Switch, d.Ports)
}

// PortDirective makes a local port available as a delivery target.
type PortDirective struct {
	Meta
	Port uint32
	Addr netip.Addr
}

func (d PortDirective) String() string {
	return fmt.Sprintf("%s sw%d port %d (%s)", d.Op, d.Switch, d.Port, d.Addr)
}

// FlowDirective steers tunnel traffic for one TEID and tunnel destination
// either into a ring group or out of a local port. A zero Meter means the
// flow is not policed.
type FlowDirective struct {
	Meta
	Cookie   ident.Cookie
	Teid     ident.Teid
	TeidMask uint32
	Dst      netip.Addr
	Group    RingGroup
	Port     uint32
	Meter    ident.MeterId
}

func (d FlowDirective) Priority() uint16 {
	return d.Cookie.Priority()
}

func (d FlowDirective) Metered() bool {
	return d.Meter.Kind() != 0
}

func (d FlowDirective) String() string {
	out := fmt.Sprintf("port %d", d.Port)
	if d.Group != 0 {
		out = "group " + d.Group.String()
	}
	s := fmt.Sprintf("%s sw%d flow cookie %s teid %s dst %s -> %s", d.Op, d.Switch, d.Cookie, d.Teid, d.Dst, out)
	if d.Metered() {
		s += " meter " + d.Meter.String()
	}
	return s
}

// MeterDirective configures a two rate meter. Rates are in kbit/s; a zero
// committed rate leaves only the peak rate in force.
type MeterDirective struct {
	Meta
	Meter         ident.MeterId
	CommittedKbps uint64
	PeakKbps      uint64
}

func (d MeterDirective) String() string {
	return fmt.Sprintf("%s sw%d meter %s cir %dkbps pir %dkbps",
		d.Op, d.Switch, d.Meter, d.CommittedKbps, d.PeakKbps)
}
