// Package routing decides which way round the ring each bearer travels.
package routing

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/free5gc/go-backhaul/internal/ident"
)

type Path uint8

const (
	Local Path = iota
	Clockwise
	CounterClockwise
)

func (p Path) String() string {
	switch p {
	case Local:
		return "local"
	case Clockwise:
		return "clockwise"
	case CounterClockwise:
		return "counterclockwise"
	}
	return fmt.Sprintf("path(%d)", uint8(p))
}

// Invert returns the opposite rotation. Local has no opposite and is
// returned unchanged.
func (p Path) Invert() Path {
	switch p {
	case Clockwise:
		return CounterClockwise
	case CounterClockwise:
		return Clockwise
	}
	return p
}

var (
	ErrLocalRoute  = errors.New("route is local and cannot be inverted")
	ErrSwitchIndex = errors.New("switch index out of range")
)

// Topology is the part of the ring the selector needs.
type Topology interface {
	Size() int
	ClockwiseHops(src, dst int) int
}

// Route is the downlink path of one bearer, from the gateway switch (Src) to
// the radio node switch (Dst). Uplink always runs the other way round.
type Route struct {
	mu       sync.Mutex
	teid     ident.Teid
	src, dst int
	size     int
	cwHops   int
	def      Path
	cur      Path
	inverted bool
}

// NewRoute picks the shortest direction from src to dst, clockwise on a tie.
func NewRoute(teid ident.Teid, src, dst int, topo Topology) (*Route, error) {
	n := topo.Size()
	if src < 0 || src >= n || dst < 0 || dst >= n {
		return nil, errors.Wrapf(ErrSwitchIndex, "route %d -> %d in ring of %d", src, dst, n)
	}
	r := &Route{teid: teid, src: src, dst: dst, size: n, def: Local}
	if src != dst {
		r.cwHops = topo.ClockwiseHops(src, dst)
		if r.cwHops <= n-r.cwHops {
			r.def = Clockwise
		} else {
			r.def = CounterClockwise
		}
	}
	r.cur = r.def
	return r, nil
}

func (r *Route) Teid() ident.Teid {
	return r.teid
}

func (r *Route) Src() int {
	return r.src
}

func (r *Route) Dst() int {
	return r.dst
}

func (r *Route) DefaultPath() Path {
	return r.def
}

// Invert flips the current direction. It fails on local routes.
func (r *Route) Invert() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invert()
}

func (r *Route) invert() error {
	if r.def == Local {
		return errors.Wrapf(ErrLocalRoute, "teid %s", r.teid)
	}
	r.cur = r.cur.Invert()
	r.inverted = !r.inverted
	return nil
}

// Reset restores the default direction. It reports whether anything changed.
func (r *Route) Reset() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.inverted {
		return false
	}
	// Only a non-local route can be inverted, so this cannot fail.
	_ = r.invert()
	return true
}

func (r *Route) IsInverted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inverted
}

func (r *Route) DownlinkPath() Path {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur
}

func (r *Route) UplinkPath() Path {
	return r.DownlinkPath().Invert()
}

// Hops is the number of links the downlink path crosses.
func (r *Route) Hops() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.cur {
	case Clockwise:
		return r.cwHops
	case CounterClockwise:
		return r.size - r.cwHops
	}
	return 0
}

// Switches lists the switches the downlink path visits, Src first and Dst
// last.
func (r *Route) Switches() []int {
	r.mu.Lock()
	cur := r.cur
	r.mu.Unlock()

	out := []int{r.src}
	for i := r.src; i != r.dst; {
		if cur == Clockwise {
			i = (i + 1) % r.size
		} else {
			i = (i - 1 + r.size) % r.size
		}
		out = append(out, i)
	}
	return out
}

func (r *Route) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("teid %s %d->%d %s (default %s, inverted %t)",
		r.teid, r.src, r.dst, r.cur, r.def, r.inverted)
}
