package ident

import (
	"fmt"

	"github.com/pkg/errors"
)

// Iface names the logical interface a rule or meter belongs to.
type Iface uint8

const (
	IfaceS1U Iface = iota
	IfaceS5
	IfaceX2
	IfaceSGI
)

func (i Iface) String() string {
	switch i {
	case IfaceS1U:
		return "s1u"
	case IfaceS5:
		return "s5"
	case IfaceX2:
		return "x2"
	case IfaceSGI:
		return "sgi"
	}
	return fmt.Sprintf("iface(%d)", uint8(i))
}

// Cookie layout, most significant bit first:
// [12 reserved][4 iface][16 priority][32 teid]
const (
	cookieTeidBits  = 32
	cookiePrioBits  = 16
	cookieIfaceBits = 4

	cookieTeidShift  = 0
	cookiePrioShift  = cookieTeidShift + cookieTeidBits
	cookieIfaceShift = cookiePrioShift + cookiePrioBits

	CookieTeidField     uint64 = (1<<cookieTeidBits - 1) << cookieTeidShift
	CookiePriorityField uint64 = (1<<cookiePrioBits - 1) << cookiePrioShift
	CookieIfaceField    uint64 = (1<<cookieIfaceBits - 1) << cookieIfaceShift
	cookieReserved      uint64 = 0xFFF0000000000000
)

// CookieField selects one part of a cookie for masked lookups.
type CookieField uint8

const (
	CookieIface CookieField = iota
	CookiePriority
	CookieTeid
)

// Cookie is the 64 bit tag attached to every installed flow rule.
type Cookie struct {
	v uint64
}

func CookieCreate(iface Iface, priority uint16, teid Teid) (Cookie, error) {
	if err := checkWidth("iface", uint64(iface), cookieIfaceBits); err != nil {
		return Cookie{}, err
	}
	v := uint64(iface)<<cookieIfaceShift |
		uint64(priority)<<cookiePrioShift |
		uint64(teid.Uint32())<<cookieTeidShift
	return Cookie{v: v}, nil
}

// ParseCookie reads a cookie back from installed switch state.
func ParseCookie(raw uint64) (Cookie, error) {
	if raw&cookieReserved != 0 {
		return Cookie{}, errors.Wrapf(ErrReservedBits, "cookie 0x%016x", raw)
	}
	if _, err := ParseTeid(uint32(raw & CookieTeidField)); err != nil {
		return Cookie{}, err
	}
	return Cookie{v: raw}, nil
}

// CookieMask returns the mask selecting the given fields. With no fields the
// mask is empty and matches every cookie.
func CookieMask(fields ...CookieField) uint64 {
	var m uint64
	for _, f := range fields {
		switch f {
		case CookieIface:
			m |= CookieIfaceField
		case CookiePriority:
			m |= CookiePriorityField
		case CookieTeid:
			m |= CookieTeidField
		}
	}
	return m
}

func (c Cookie) Uint64() uint64 {
	return c.v
}

func (c Cookie) Iface() Iface {
	return Iface((c.v & CookieIfaceField) >> cookieIfaceShift)
}

func (c Cookie) Priority() uint16 {
	return uint16((c.v & CookiePriorityField) >> cookiePrioShift)
}

func (c Cookie) Teid() Teid {
	return Teid{v: uint32((c.v & CookieTeidField) >> cookieTeidShift)}
}

// Matches reports whether c equals want on every bit selected by mask.
func (c Cookie) Matches(want Cookie, mask uint64) bool {
	return c.v&mask == want.v&mask
}

func (c Cookie) String() string {
	return fmt.Sprintf("0x%016x", c.v)
}
