package ring

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/free5gc/go-backhaul/internal/logger"
)

var ErrNotAttached = errors.New("endpoint not attached to ring")

type EndpointKind uint8

const (
	KindGateway EndpointKind = iota
	KindEnb
)

func (k EndpointKind) String() string {
	switch k {
	case KindGateway:
		return "gateway"
	case KindEnb:
		return "enb"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

type Endpoint struct {
	Name string
	Kind EndpointKind
}

// Attachment binds an endpoint to a switch port. Gateways get one address
// from the shared anchor subnet; radio nodes get a /30 of their own with Addr
// on the node side and Peer on the far side.
type Attachment struct {
	Endpoint Endpoint
	Switch   int
	Port     uint32
	Subnet   netip.Prefix
	Addr     netip.Addr
	Peer     netip.Addr
}

type Addressing struct {
	AnchorSubnet netip.Prefix
	NodeSupernet netip.Prefix
}

// Builder decides where endpoints attach for the lifetime of one ring. The
// first attachment is the anchor and lands on switch 0; the rest go round
// robin over switches 1..N-1.
type Builder struct {
	mu     sync.Mutex
	ring   *Ring
	count  int
	anchor *hostPool
	pairs  *pairPool
	log    *logrus.Entry
}

func NewBuilder(r *Ring, addr Addressing) (*Builder, error) {
	anchor, err := newHostPool(addr.AnchorSubnet)
	if err != nil {
		return nil, err
	}
	pairs, err := newPairPool(addr.NodeSupernet)
	if err != nil {
		return nil, err
	}
	if anchor.prefix.Overlaps(pairs.supernet) {
		return nil, errors.Errorf("anchor subnet %s overlaps node supernet %s", anchor.prefix, pairs.supernet)
	}
	return &Builder{
		ring:   r,
		anchor: anchor,
		pairs:  pairs,
		log:    logger.RingLog,
	}, nil
}

func (b *Builder) Ring() *Ring {
	return b.ring
}

// Attachments returns how many endpoints are attached.
func (b *Builder) Attachments() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Attach places ep by the fixed attachment rule.
func (b *Builder) Attach(ep Endpoint) (*Attachment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attach(ep, b.pick())
}

// AttachAt places ep on switch idx, bypassing the round robin.
func (b *Builder) AttachAt(ep Endpoint, idx int) (*Attachment, error) {
	if err := b.ring.CheckIndex(idx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attach(ep, idx)
}

func (b *Builder) pick() int {
	n := b.ring.Size()
	if b.count == 0 || n == 1 {
		return 0
	}
	return 1 + (b.count-1)%(n-1)
}

func (b *Builder) attach(ep Endpoint, idx int) (*Attachment, error) {
	att := &Attachment{Endpoint: ep, Switch: idx}
	switch ep.Kind {
	case KindGateway:
		addr, err := b.anchor.alloc()
		if err != nil {
			return nil, err
		}
		att.Subnet = b.anchor.prefix
		att.Addr = addr
	default:
		block, err := b.pairs.alloc()
		if err != nil {
			return nil, err
		}
		att.Subnet = block
		att.Addr = block.Addr().Next()
		att.Peer = att.Addr.Next()
	}

	b.ring.mu.Lock()
	sw := b.ring.switches[idx]
	if n := len(sw.freePorts); n > 0 {
		att.Port = sw.freePorts[n-1]
		sw.freePorts = sw.freePorts[:n-1]
	} else {
		att.Port = sw.nextPort
		sw.nextPort++
	}
	sw.Endpoints = append(sw.Endpoints, att)
	b.ring.mu.Unlock()

	b.count++
	b.log.WithField(logger.FieldSwitch, idx).Infof("attach %s %q port %d addr %s",
		ep.Kind, ep.Name, att.Port, att.Addr)
	return att, nil
}

// Detach takes att off its switch and gives its port and address back. The
// attachment count drops by one, so undoing the latest attachment leaves the
// round robin where it was before it.
func (b *Builder) Detach(att *Attachment) error {
	if err := b.ring.CheckIndex(att.Switch); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ring.mu.Lock()
	sw := b.ring.switches[att.Switch]
	found := false
	for i, a := range sw.Endpoints {
		if a == att {
			sw.Endpoints = append(sw.Endpoints[:i], sw.Endpoints[i+1:]...)
			found = true
			break
		}
	}
	if found {
		sw.freePorts = append(sw.freePorts, att.Port)
	}
	b.ring.mu.Unlock()
	if !found {
		return errors.Wrapf(ErrNotAttached, "%s %q on switch %d", att.Endpoint.Kind, att.Endpoint.Name, att.Switch)
	}

	if att.Endpoint.Kind == KindGateway {
		b.anchor.release(att.Addr)
	} else {
		b.pairs.release(att.Subnet)
	}
	b.count--
	b.log.WithField(logger.FieldSwitch, att.Switch).Infof("detach %s %q port %d addr %s",
		att.Endpoint.Kind, att.Endpoint.Name, att.Port, att.Addr)
	return nil
}
