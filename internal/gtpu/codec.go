// Package gtpu wraps IP payloads in GTP-U/UDP/IPv4 tunnel frames and
// unwraps them again at the far end of the ring.
package gtpu

import (
	"encoding/binary"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/pkg/errors"

	"github.com/free5gc/go-backhaul/internal/ident"
)

const (
	// Port is the GTP-U UDP port, used as both source and destination.
	Port = 2152

	// HeaderLen is the mandatory GTP-U header; no optional fields are sent.
	HeaderLen = 8

	MsgTypeGPDU = 0xFF

	ipv4HeaderLen = 20
	udpHeaderLen  = 8
	defaultTTL    = 64

	// Overhead is what encapsulation adds in front of the payload.
	Overhead = ipv4HeaderLen + udpHeaderLen + HeaderLen
)

var (
	ErrChecksum    = errors.New("gtpu: bad checksum")
	ErrMisrouted   = errors.New("gtpu: frame not addressed to this tunnel endpoint")
	ErrPort        = errors.New("gtpu: not a gtp-u port")
	ErrMalformed   = errors.New("gtpu: malformed frame")
	ErrTagMismatch = errors.New("gtpu: teid does not match frame tag")
	ErrAddress     = errors.New("gtpu: tunnel address must be ipv4")
)

var serializeOpts = gopacket.SerializeOptions{
	FixLengths:       true,
	ComputeChecksums: true,
}

// Encapsulate builds an IPv4/UDP/GTP-U frame around payload.
func Encapsulate(payload []byte, teid ident.Teid, local, peer netip.Addr) ([]byte, error) {
	if !local.Is4() || !peer.Is4() {
		return nil, errors.Wrapf(ErrAddress, "local %s peer %s", local, peer)
	}
	if len(payload)+Overhead > 0xFFFF {
		return nil, errors.Wrapf(ErrMalformed, "payload of %d bytes does not fit in one frame", len(payload))
	}

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      defaultTTL,
		Flags:    layers.IPv4DontFragment,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    local.AsSlice(),
		DstIP:    peer.AsSlice(),
	}
	udp := &layers.UDP{
		SrcPort: Port,
		DstPort: Port,
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, errors.Wrap(err, "gtpu: udp pseudo header")
	}
	gtp := &layers.GTPv1U{
		Version:      1,
		ProtocolType: 1,
		MessageType:  MsgTypeGPDU,
		// TS 29.281 5.1: the length excludes the first 8 mandatory octets.
		MessageLength: uint16(len(payload) + HeaderLen - 8),
		TEID:          teid.Uint32(),
	}

	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, serializeOpts, ip, udp, gtp, gopacket.Payload(payload))
	if err != nil {
		return nil, errors.Wrap(err, "gtpu: serialize")
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}

// Decapsulate validates a tunnel frame addressed to local and returns the
// inner payload and TEID. Every check runs before any header is consumed and
// frame is never written to.
func Decapsulate(frame []byte, local netip.Addr) ([]byte, ident.Teid, error) {
	if len(frame) < Overhead {
		return nil, ident.Teid{}, errors.Wrapf(ErrMalformed, "frame of %d bytes", len(frame))
	}

	ip := &layers.IPv4{}
	if err := ip.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return nil, ident.Teid{}, errors.Wrapf(ErrMalformed, "ipv4: %v", err)
	}
	hdrLen := int(ip.IHL) * 4
	if ip.Version != 4 || hdrLen < ipv4HeaderLen || hdrLen > len(frame) {
		return nil, ident.Teid{}, errors.Wrapf(ErrMalformed, "ipv4 version %d ihl %d", ip.Version, ip.IHL)
	}
	if !checksumOK(frame[:hdrLen], 0) {
		return nil, ident.Teid{}, errors.Wrap(ErrChecksum, "ipv4 header")
	}
	dst, ok := netip.AddrFromSlice(ip.DstIP.To4())
	if !ok || dst != local {
		return nil, ident.Teid{}, errors.Wrapf(ErrMisrouted, "dst %s local %s", ip.DstIP, local)
	}
	if ip.Protocol != layers.IPProtocolUDP {
		return nil, ident.Teid{}, errors.Wrapf(ErrPort, "ip protocol %s", ip.Protocol)
	}

	// Lower layers may pad short frames; only the declared length counts.
	total := int(ip.Length)
	if total > len(frame) || total < hdrLen+udpHeaderLen {
		return nil, ident.Teid{}, errors.Wrapf(ErrMalformed, "ipv4 total length %d frame %d", total, len(frame))
	}
	segment := frame[hdrLen:total]

	udp := &layers.UDP{}
	if err := udp.DecodeFromBytes(segment, gopacket.NilDecodeFeedback); err != nil {
		return nil, ident.Teid{}, errors.Wrapf(ErrMalformed, "udp: %v", err)
	}
	if int(udp.Length) != len(segment) {
		return nil, ident.Teid{}, errors.Wrapf(ErrMalformed, "udp length %d segment %d", udp.Length, len(segment))
	}
	if udp.Checksum == 0 || !checksumOK(segment, pseudoHeaderSum(frame[12:20], len(segment))) {
		return nil, ident.Teid{}, errors.Wrap(ErrChecksum, "udp")
	}
	if udp.DstPort != Port {
		return nil, ident.Teid{}, errors.Wrapf(ErrPort, "udp dst port %d", udp.DstPort)
	}

	gtpBytes := segment[udpHeaderLen:]
	gtp := &layers.GTPv1U{}
	if err := gtp.DecodeFromBytes(gtpBytes, gopacket.NilDecodeFeedback); err != nil {
		return nil, ident.Teid{}, errors.Wrapf(ErrMalformed, "gtp-u: %v", err)
	}
	if gtp.Version != 1 || gtp.MessageType != MsgTypeGPDU {
		return nil, ident.Teid{}, errors.Wrapf(ErrMalformed, "gtp-u version %d type 0x%02x", gtp.Version, gtp.MessageType)
	}
	if int(gtp.MessageLength)+8 != len(gtpBytes) {
		return nil, ident.Teid{}, errors.Wrapf(ErrMalformed, "gtp-u length %d segment %d", gtp.MessageLength, len(gtpBytes))
	}
	teid, err := ident.ParseTeid(gtp.TEID)
	if err != nil {
		return nil, ident.Teid{}, errors.Wrap(ErrMalformed, err.Error())
	}

	inner := gtp.LayerPayload()
	payload := make([]byte, len(inner))
	copy(payload, inner)
	return payload, teid, nil
}

// checksumOK reports whether the ones complement sum over data, seeded with
// csum, folds to the all-ones pattern a correct checksum produces.
func checksumOK(data []byte, csum uint32) bool {
	return gopacket.FoldChecksum(gopacket.ComputeChecksum(data, csum)) == 0
}

// pseudoHeaderSum seeds the UDP checksum with the IPv4 pseudo header. addrs
// holds the source and destination addresses as found in the IPv4 header.
func pseudoHeaderSum(addrs []byte, udpLen int) uint32 {
	var tail [4]byte
	tail[1] = byte(layers.IPProtocolUDP)
	binary.BigEndian.PutUint16(tail[2:], uint16(udpLen))
	csum := gopacket.ComputeChecksum(addrs, 0)
	return gopacket.ComputeChecksum(tail[:], csum)
}
