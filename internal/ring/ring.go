// Package ring models the backhaul switches and the links that close them
// into a bidirectional cycle.
package ring

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Every switch uses the same two port numbers for its ring links. Ports for
// attached endpoints are handed out after them.
const (
	PortClockwise        uint32 = 1
	PortCounterClockwise uint32 = 2
	firstLocalPort       uint32 = 3
)

var ErrSwitchIndex = errors.New("switch index out of range")

type Config struct {
	Switches  int
	LinkRate  uint64 // bit/s
	LinkDelay time.Duration
	// NoFloodLink overrides the loop-breaking link, which defaults to N/2.
	NoFloodLink *int
}

// Link joins switch A and switch B = (A+1) mod N. APort leaves A clockwise,
// BPort leaves B counterclockwise.
type Link struct {
	Index   int
	A, B    int
	APort   uint32
	BPort   uint32
	Rate    uint64
	Delay   time.Duration
	NoFlood bool
}

type Switch struct {
	Index     int
	Endpoints []*Attachment
	nextPort  uint32
	freePorts []uint32
}

type Ring struct {
	mu       sync.RWMutex
	switches []*Switch
	links    []Link
	noFlood  int
}

func New(cfg Config) (*Ring, error) {
	n := cfg.Switches
	if n < 1 {
		return nil, errors.Errorf("ring needs at least one switch, got %d", n)
	}

	noFlood := -1
	if n > 1 {
		noFlood = n / 2
		if cfg.NoFloodLink != nil {
			noFlood = *cfg.NoFloodLink
		}
		if noFlood < 0 || noFlood >= n {
			return nil, errors.Errorf("no-flood link %d not in ring of %d links", noFlood, n)
		}
	}

	r := &Ring{
		switches: make([]*Switch, n),
		noFlood:  noFlood,
	}
	for i := range r.switches {
		r.switches[i] = &Switch{Index: i, nextPort: firstLocalPort}
	}
	// A single switch has no neighbour to link to.
	if n > 1 {
		r.links = make([]Link, n)
		for i := range r.links {
			r.links[i] = Link{
				Index:   i,
				A:       i,
				B:       (i + 1) % n,
				APort:   PortClockwise,
				BPort:   PortCounterClockwise,
				Rate:    cfg.LinkRate,
				Delay:   cfg.LinkDelay,
				NoFlood: i == noFlood,
			}
		}
	}
	return r, nil
}

func (r *Ring) Size() int {
	return len(r.switches)
}

func (r *Ring) Next(i int) int {
	return (i + 1) % len(r.switches)
}

func (r *Ring) Prev(i int) int {
	n := len(r.switches)
	return (i - 1 + n) % n
}

// ClockwiseHops is the number of links crossed going clockwise from src to dst.
func (r *Ring) ClockwiseHops(src, dst int) int {
	n := len(r.switches)
	return ((dst-src)%n + n) % n
}

func (r *Ring) CheckIndex(i int) error {
	if i < 0 || i >= len(r.switches) {
		return errors.Wrapf(ErrSwitchIndex, "switch %d in ring of %d", i, len(r.switches))
	}
	return nil
}

// Switch returns a snapshot of switch i.
func (r *Ring) Switch(i int) (Switch, error) {
	if err := r.CheckIndex(i); err != nil {
		return Switch{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	sw := *r.switches[i]
	sw.Endpoints = append([]*Attachment(nil), sw.Endpoints...)
	return sw, nil
}

func (r *Ring) Links() []Link {
	return append([]Link(nil), r.links...)
}

func (r *Ring) Link(i int) (Link, error) {
	if i < 0 || i >= len(r.links) {
		return Link{}, errors.Errorf("link %d not in ring of %d links", i, len(r.links))
	}
	return r.links[i], nil
}

// NoFloodLink returns the loop-breaking link, if the ring has links at all.
func (r *Ring) NoFloodLink() (Link, bool) {
	if r.noFlood < 0 {
		return Link{}, false
	}
	return r.links[r.noFlood], true
}

// FloodPorts lists the ports of switch i that broadcast traffic may leave
// through: both ring ports and every local port, minus the ports of the
// no-flood link.
func (r *Ring) FloodPorts(i int) ([]uint32, error) {
	if err := r.CheckIndex(i); err != nil {
		return nil, err
	}
	var ports []uint32
	if len(r.links) > 0 {
		if cw := r.links[i]; !cw.NoFlood {
			ports = append(ports, cw.APort)
		}
		if ccw := r.links[r.Prev(i)]; !ccw.NoFlood {
			ports = append(ports, ccw.BPort)
		}
	}
	r.mu.RLock()
	for _, a := range r.switches[i].Endpoints {
		ports = append(ports, a.Port)
	}
	r.mu.RUnlock()
	return ports, nil
}

func (l Link) String() string {
	return fmt.Sprintf("link%d(%d:%d-%d:%d)", l.Index, l.A, l.APort, l.B, l.BPort)
}
