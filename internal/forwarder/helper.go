package forwarder

import (
	"encoding/binary"
	"net/netip"

	"github.com/pkg/errors"
)

// encodeUint renders v big endian in the smallest number of bytes that holds
// bitwidth bits.
func encodeUint(v uint64, bitwidth int32) ([]byte, error) {
	if bitwidth <= 0 || bitwidth > 64 {
		return nil, errors.Errorf("unsupported bitwidth %d", bitwidth)
	}
	if bitwidth < 64 && v>>uint(bitwidth) != 0 {
		return nil, errors.Errorf("value %#x does not fit in %d bits", v, bitwidth)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[8-(bitwidth+7)/8:], nil
}

// encodeIPv4 returns the four byte form P4Runtime expects for an address.
func encodeIPv4(a netip.Addr) ([]byte, error) {
	if !a.Is4() {
		return nil, errors.Errorf("%s is not an IPv4 address", a)
	}
	b := a.As4()
	return b[:], nil
}

// kbpsToBytes converts kbit/s to the byte rate P4Runtime meters use.
func kbpsToBytes(kbps uint64) int64 {
	return int64(kbps * 1000 / 8)
}

// burstOf sizes a bucket for 100ms at rate, never below one full frame.
func burstOf(rate int64) int64 {
	const minBurst = 1600
	if b := rate / 10; b > minBurst {
		return b
	}
	return minBurst
}
