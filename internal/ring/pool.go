package ring

import (
	"net/netip"

	"github.com/pkg/errors"
	"go4.org/netipx"
)

var ErrPoolExhausted = errors.New("address pool exhausted")

// hostPool hands out host addresses of one shared subnet in order, skipping
// the network and broadcast addresses. Released addresses are reused first.
type hostPool struct {
	prefix netip.Prefix
	next   netip.Addr
	last   netip.Addr
	free   []netip.Addr
}

func newHostPool(prefix netip.Prefix) (*hostPool, error) {
	prefix = prefix.Masked()
	if !prefix.Addr().Is4() || prefix.Bits() > 30 {
		return nil, errors.Errorf("shared subnet %s must be ipv4 and hold at least two hosts", prefix)
	}
	return &hostPool{
		prefix: prefix,
		next:   prefix.Addr().Next(),
		last:   netipx.PrefixLastIP(prefix).Prev(),
	}, nil
}

func (p *hostPool) alloc() (netip.Addr, error) {
	if n := len(p.free); n > 0 {
		addr := p.free[n-1]
		p.free = p.free[:n-1]
		return addr, nil
	}
	if !p.next.IsValid() || p.last.Less(p.next) {
		return netip.Addr{}, errors.Wrapf(ErrPoolExhausted, "subnet %s", p.prefix)
	}
	addr := p.next
	p.next = addr.Next()
	return addr, nil
}

func (p *hostPool) release(addr netip.Addr) {
	p.free = append(p.free, addr)
}

const pairBits = 30

// pairPool carves /30 subnets out of a supernet, one per point to point
// interface.
type pairPool struct {
	supernet netip.Prefix
	next     netip.Addr
	free     []netip.Prefix
}

func newPairPool(supernet netip.Prefix) (*pairPool, error) {
	supernet = supernet.Masked()
	if !supernet.Addr().Is4() || supernet.Bits() > pairBits {
		return nil, errors.Errorf("node supernet %s must be ipv4 and at most /%d", supernet, pairBits)
	}
	return &pairPool{supernet: supernet, next: supernet.Addr()}, nil
}

func (p *pairPool) alloc() (netip.Prefix, error) {
	if n := len(p.free); n > 0 {
		block := p.free[n-1]
		p.free = p.free[:n-1]
		return block, nil
	}
	if !p.next.IsValid() || !p.supernet.Contains(p.next) {
		return netip.Prefix{}, errors.Wrapf(ErrPoolExhausted, "supernet %s", p.supernet)
	}
	block := netip.PrefixFrom(p.next, pairBits)
	p.next = netipx.PrefixLastIP(block).Next()
	return block, nil
}

func (p *pairPool) release(block netip.Prefix) {
	p.free = append(p.free, block)
}
