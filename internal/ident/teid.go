// Package ident packs and unpacks the identifiers that key switch forwarding
// state: tunnel endpoint identifiers, flow cookies and meter identifiers.
//
// Every constructor validates its fields against the bit width they occupy
// and fails with ErrFieldOverflow instead of truncating.
package ident

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrFieldOverflow = errors.New("identifier field overflow")
	ErrReservedBits  = errors.New("identifier reserved bits set")
)

// TEID layout, most significant bit first:
// [4 reserved=0][4 slice][20 ue imsi][4 bearer]
const (
	teidBearerBits = 4
	teidImsiBits   = 20
	teidSliceBits  = 4

	teidBearerShift = 0
	teidImsiShift   = teidBearerShift + teidBearerBits
	teidSliceShift  = teidImsiShift + teidImsiBits

	MaxSliceID  = 1<<teidSliceBits - 1
	MaxUeImsi   = 1<<teidImsiBits - 1
	MaxBearerID = 1<<teidBearerBits - 1

	TeidBearerField uint32 = MaxBearerID << teidBearerShift
	TeidImsiField   uint32 = MaxUeImsi << teidImsiShift
	TeidSliceField  uint32 = MaxSliceID << teidSliceShift
	teidReserved    uint32 = 0xF0000000
)

// Teid is a 32 bit tunnel endpoint identifier. The zero value is not a valid
// bearer identifier but is used as a wildcard in masked matches.
type Teid struct {
	v uint32
}

// TeidCreate packs slice, subscriber and bearer into a TEID.
func TeidCreate(sliceID uint8, ueImsi uint32, bearerID uint8) (Teid, error) {
	if err := checkWidth("slice id", uint64(sliceID), teidSliceBits); err != nil {
		return Teid{}, err
	}
	if err := checkWidth("ue imsi", uint64(ueImsi), teidImsiBits); err != nil {
		return Teid{}, err
	}
	if err := checkWidth("bearer id", uint64(bearerID), teidBearerBits); err != nil {
		return Teid{}, err
	}
	v := uint32(sliceID)<<teidSliceShift |
		ueImsi<<teidImsiShift |
		uint32(bearerID)<<teidBearerShift
	return Teid{v: v}, nil
}

// TeidSliceMask returns a TEID carrying only the slice field, for use as the
// value side of a masked match against TeidSliceField.
func TeidSliceMask(sliceID uint8) (Teid, error) {
	if err := checkWidth("slice id", uint64(sliceID), teidSliceBits); err != nil {
		return Teid{}, err
	}
	return Teid{v: uint32(sliceID) << teidSliceShift}, nil
}

// ParseTeid reads a TEID off the wire. Only the reserved bits are checked,
// every other 32 bit value decodes to some slice, subscriber and bearer.
func ParseTeid(raw uint32) (Teid, error) {
	if raw&teidReserved != 0 {
		return Teid{}, errors.Wrapf(ErrReservedBits, "teid 0x%08x", raw)
	}
	return Teid{v: raw}, nil
}

func (t Teid) Uint32() uint32 {
	return t.v
}

func (t Teid) IsZero() bool {
	return t.v == 0
}

func (t Teid) SliceID() uint8 {
	return uint8((t.v & TeidSliceField) >> teidSliceShift)
}

func (t Teid) UeImsi() uint32 {
	return (t.v & TeidImsiField) >> teidImsiShift
}

func (t Teid) BearerID() uint8 {
	return uint8((t.v & TeidBearerField) >> teidBearerShift)
}

func (t Teid) String() string {
	return fmt.Sprintf("0x%08x", t.v)
}

func checkWidth(name string, v uint64, bits uint) error {
	if v>>bits != 0 {
		return errors.Wrapf(ErrFieldOverflow, "%s %d does not fit in %d bits", name, v, bits)
	}
	return nil
}
