package ident

import (
	"fmt"

	"github.com/pkg/errors"
)

// LinkDirection is the direction a slice meter polices on a ring link.
type LinkDirection uint8

const (
	LinkForward LinkDirection = iota
	LinkBackward
)

func (d LinkDirection) String() string {
	switch d {
	case LinkForward:
		return "fwd"
	case LinkBackward:
		return "bwd"
	}
	return fmt.Sprintf("dir(%d)", uint8(d))
}

// MeterKind tells the two meter id encodings apart.
type MeterKind uint8

const (
	MeterMbr MeterKind = iota + 1
	MeterSlice
)

// MBR meter:   [2 '10'][2 iface][28 teid]
// Slice meter: [4 '1100'][4 slice][20 reserved=0][4 direction]
const (
	mbrIfaceBits  = 2
	mbrTeidBits   = 28
	mbrIfaceShift = mbrTeidBits

	slcSliceBits  = 4
	slcDirBits    = 4
	slcSliceShift = 24
)

const (
	mbrTag       uint32 = 0x2 << 30
	mbrTagMask   uint32 = 0x3 << 30
	mbrTeidField uint32 = 1<<mbrTeidBits - 1

	slcTag      uint32 = 0xC << 28
	slcTagMask  uint32 = 0xF << 28
	slcReserved uint32 = 0x00FFFFF0
)

var ErrMeterKind = errors.New("unknown meter id encoding")

// MeterId identifies a switch meter. It is either an MBR meter bound to one
// bearer or a slice meter bound to a slice and link direction.
type MeterId struct {
	v uint32
}

func MeterIdMbrCreate(iface Iface, teid Teid) (MeterId, error) {
	if err := checkWidth("iface", uint64(iface), mbrIfaceBits); err != nil {
		return MeterId{}, err
	}
	if err := checkWidth("teid", uint64(teid.Uint32()), mbrTeidBits); err != nil {
		return MeterId{}, err
	}
	return MeterId{v: mbrTag | uint32(iface)<<mbrIfaceShift | teid.Uint32()}, nil
}

func MeterIdSlcCreate(sliceID uint8, dir LinkDirection) (MeterId, error) {
	if err := checkWidth("slice id", uint64(sliceID), slcSliceBits); err != nil {
		return MeterId{}, err
	}
	if err := checkWidth("link direction", uint64(dir), slcDirBits); err != nil {
		return MeterId{}, err
	}
	return MeterId{v: slcTag | uint32(sliceID)<<slcSliceShift | uint32(dir)}, nil
}

// ParseMeterId reads a meter id back from installed switch state.
func ParseMeterId(raw uint32) (MeterId, error) {
	m := MeterId{v: raw}
	switch m.Kind() {
	case MeterMbr:
		return m, nil
	case MeterSlice:
		if raw&slcReserved != 0 {
			return MeterId{}, errors.Wrapf(ErrReservedBits, "slice meter 0x%08x", raw)
		}
		return m, nil
	}
	return MeterId{}, errors.Wrapf(ErrMeterKind, "meter 0x%08x", raw)
}

func (m MeterId) Kind() MeterKind {
	switch {
	case m.v&mbrTagMask == mbrTag:
		return MeterMbr
	case m.v&slcTagMask == slcTag:
		return MeterSlice
	}
	return 0
}

func (m MeterId) Uint32() uint32 {
	return m.v
}

// Iface is only meaningful for MBR meters.
func (m MeterId) Iface() Iface {
	return Iface((m.v >> mbrIfaceShift) & (1<<mbrIfaceBits - 1))
}

// Teid is only meaningful for MBR meters.
func (m MeterId) Teid() Teid {
	return Teid{v: m.v & mbrTeidField}
}

// SliceID is only meaningful for slice meters.
func (m MeterId) SliceID() uint8 {
	return uint8((m.v >> slcSliceShift) & (1<<slcSliceBits - 1))
}

// LinkDirection is only meaningful for slice meters.
func (m MeterId) LinkDirection() LinkDirection {
	return LinkDirection(m.v & (1<<slcDirBits - 1))
}

func (m MeterId) String() string {
	return fmt.Sprintf("0x%08x", m.v)
}
