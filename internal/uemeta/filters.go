// Package uemeta keeps per-UE packet filters and maps inner packets of an
// aggregated tunnel back to the bearer they belong to.
package uemeta

import (
	"net/netip"
	"sort"
	"sync"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/free5gc/go-backhaul/internal/ident"
	"github.com/free5gc/go-backhaul/internal/logger"
)

var (
	ErrNotIPv4    = errors.New("packet is not IPv4")
	ErrNoBearer   = errors.New("no filter matches packet")
	ErrBadFilter  = errors.New("invalid packet filter")
	ErrPrecedence = errors.New("precedence already used for this UE")
)

// Direction tells which end of an inner packet is the UE.
type Direction uint8

const (
	// Downlink packets are addressed to the UE.
	Downlink Direction = iota
	// Uplink packets are sent by the UE.
	Uplink
)

func (d Direction) String() string {
	if d == Uplink {
		return "uplink"
	}
	return "downlink"
}

// PortRange is inclusive. The zero value matches any port.
type PortRange struct {
	Low, High uint16
}

func (r PortRange) any() bool {
	return r.Low == 0 && r.High == 0
}

func (r PortRange) contains(p uint16) bool {
	return r.any() || (p >= r.Low && p <= r.High)
}

// Filter selects the traffic of one bearer of a UE. Zero fields match
// anything; among the filters that match, the lowest Precedence wins.
type Filter struct {
	Teid       ident.Teid
	UE         netip.Addr
	Remote     netip.Prefix
	Protocol   layers.IPProtocol
	Ports      PortRange
	Precedence uint8
}

func (f Filter) validate() error {
	if !f.UE.Is4() {
		return errors.Wrapf(ErrBadFilter, "UE address %s", f.UE)
	}
	if f.Remote.IsValid() && !f.Remote.Addr().Is4() {
		return errors.Wrapf(ErrBadFilter, "remote prefix %s", f.Remote)
	}
	if f.Ports.Low > f.Ports.High {
		return errors.Wrapf(ErrBadFilter, "port range %d-%d", f.Ports.Low, f.Ports.High)
	}
	if !f.Ports.any() && f.Protocol != layers.IPProtocolTCP && f.Protocol != layers.IPProtocolUDP {
		return errors.Wrapf(ErrBadFilter, "port range needs tcp or udp, got %s", f.Protocol)
	}
	return nil
}

type flowInfo struct {
	remote   netip.Addr
	protocol layers.IPProtocol
	port     uint16
	hasPort  bool
}

func (f Filter) matches(fi flowInfo) bool {
	if f.Remote.IsValid() && !f.Remote.Contains(fi.remote) {
		return false
	}
	if f.Protocol != 0 && f.Protocol != fi.protocol {
		return false
	}
	if !f.Ports.any() && (!fi.hasPort || !f.Ports.contains(fi.port)) {
		return false
	}
	return true
}

// Filters is the filter table of one tunnel side. It satisfies the tunnel
// endpoint's Classifier.
type Filters struct {
	mu   sync.RWMutex
	dir  Direction
	byUE map[netip.Addr][]Filter
	log  *logrus.Entry
}

func NewFilters(dir Direction) *Filters {
	return &Filters{
		dir:  dir,
		byUE: make(map[netip.Addr][]Filter),
		log:  logger.UeMetaLog.WithField("direction", dir.String()),
	}
}

func (t *Filters) Add(f Filter) error {
	if err := f.validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.byUE[f.UE]
	for _, have := range list {
		if have.Precedence == f.Precedence {
			return errors.Wrapf(ErrPrecedence, "UE %s precedence %d", f.UE, f.Precedence)
		}
	}
	list = append(list, f)
	sort.Slice(list, func(i, j int) bool {
		return list[i].Precedence < list[j].Precedence
	})
	t.byUE[f.UE] = list
	t.log.WithField(logger.FieldTeid, f.Teid.String()).Debugf("filter for UE %s precedence %d", f.UE, f.Precedence)
	return nil
}

// Remove drops every filter pointing at teid and reports how many there were.
func (t *Filters) Remove(teid ident.Teid) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for ue, list := range t.byUE {
		kept := list[:0]
		for _, f := range list {
			if f.Teid == teid {
				n++
				continue
			}
			kept = append(kept, f)
		}
		if len(kept) == 0 {
			delete(t.byUE, ue)
		} else {
			t.byUE[ue] = kept
		}
	}
	return n
}

func (t *Filters) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, list := range t.byUE {
		n += len(list)
	}
	return n
}

// Classify decodes an inner IPv4 packet and returns the bearer of the best
// matching filter.
func (t *Filters) Classify(packet []byte) (ident.Teid, error) {
	pkt := gopacket.NewPacket(packet, layers.LayerTypeIPv4, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return ident.Teid{}, errors.Wrapf(ErrNotIPv4, "%d bytes", len(packet))
	}
	src, _ := netip.AddrFromSlice(ip.SrcIP.To4())
	dst, _ := netip.AddrFromSlice(ip.DstIP.To4())

	ue, fi := dst, flowInfo{remote: src, protocol: ip.Protocol}
	if t.dir == Uplink {
		ue, fi.remote = src, dst
	}
	switch l4 := pkt.TransportLayer().(type) {
	case *layers.TCP:
		fi.hasPort = true
		fi.port = uint16(l4.SrcPort)
		if t.dir == Uplink {
			fi.port = uint16(l4.DstPort)
		}
	case *layers.UDP:
		fi.hasPort = true
		fi.port = uint16(l4.SrcPort)
		if t.dir == Uplink {
			fi.port = uint16(l4.DstPort)
		}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, f := range t.byUE[ue] {
		if f.matches(fi) {
			return f.Teid, nil
		}
	}
	return ident.Teid{}, errors.Wrapf(ErrNoBearer, "%s UE %s remote %s %s port %d",
		t.dir, ue, fi.remote, fi.protocol, fi.port)
}
