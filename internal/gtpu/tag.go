package gtpu

import (
	"fmt"
	"time"

	"github.com/free5gc/go-backhaul/internal/ident"
)

// Node is the tunnel side a frame entered the ring from.
type Node uint8

const (
	NodeEnb Node = iota
	NodePgw
)

func (n Node) String() string {
	switch n {
	case NodeEnb:
		return "enb"
	case NodePgw:
		return "pgw"
	}
	return fmt.Sprintf("node(%d)", uint8(n))
}

// QosType is the bearer resource type carried for observers.
type QosType uint8

const (
	QosNonGbr QosType = iota
	QosGbr
)

func (q QosType) String() string {
	if q == QosGbr {
		return "gbr"
	}
	return "non-gbr"
}

// Tag travels with a frame across the ring but is never put on the wire.
type Tag struct {
	Teid       ident.Teid
	InputNode  Node
	QosType    QosType
	Aggregated bool
	Timestamp  time.Time
}

// Frame is a tunnel frame with its out of band tag. Tag is nil once the frame
// has left the tunnel or when it came from a peer that does not tag.
type Frame struct {
	Data []byte
	Tag  *Tag
}

// Bearer holds what the encapsulating side knows about the bearer a payload
// belongs to.
type Bearer struct {
	Teid       ident.Teid
	QosType    QosType
	Aggregated bool
}
