package gtpu

import (
	"net/netip"
	"time"

	"github.com/pkg/errors"

	"github.com/free5gc/go-backhaul/internal/ident"
)

var ErrNoClassifier = errors.New("gtpu: aggregated bearer needs a classifier")

// Classifier maps an inner IP packet to the bearer it belongs to.
type Classifier interface {
	Classify(packet []byte) (ident.Teid, error)
}

// Endpoint is one side of the tunnel, either the radio node or the gateway.
type Endpoint struct {
	node       Node
	local      netip.Addr
	classifier Classifier
	sink       Sink
	now        func() time.Time
}

// NewEndpoint returns an endpoint bound to local. classifier may be nil when
// no aggregated bearers terminate here, sink may be nil to drop events.
func NewEndpoint(node Node, local netip.Addr, classifier Classifier, sink Sink) *Endpoint {
	if sink == nil {
		sink = nopSink{}
	}
	return &Endpoint{
		node:       node,
		local:      local,
		classifier: classifier,
		sink:       sink,
		now:        time.Now,
	}
}

func (e *Endpoint) Node() Node {
	return e.node
}

func (e *Endpoint) Local() netip.Addr {
	return e.local
}

// Encapsulate wraps payload for peer and tags the result. For aggregated
// bearers the TEID comes from the classifier and b.Teid is ignored.
func (e *Endpoint) Encapsulate(payload []byte, b Bearer, peer netip.Addr) (*Frame, error) {
	teid := b.Teid
	if b.Aggregated {
		var err error
		teid, err = e.classify(payload)
		if err != nil {
			e.drop(payload, nil, err)
			return nil, err
		}
	}

	data, err := Encapsulate(payload, teid, e.local, peer)
	if err != nil {
		e.drop(payload, nil, err)
		return nil, err
	}
	tag := &Tag{
		Teid:       teid,
		InputNode:  e.node,
		QosType:    b.QosType,
		Aggregated: b.Aggregated,
		Timestamp:  e.now(),
	}
	e.sink.Trace(Event{Kind: EventTunnelEntry, Node: e.node, Frame: data, Tag: *tag})
	return &Frame{Data: data, Tag: tag}, nil
}

// Decapsulate unwraps f. A tagged frame must carry the TEID its tag names;
// the tag is cleared once the frame leaves the tunnel.
func (e *Endpoint) Decapsulate(f *Frame) ([]byte, ident.Teid, error) {
	if f == nil {
		err := errors.Wrap(ErrMalformed, "nil frame")
		e.drop(nil, nil, err)
		return nil, ident.Teid{}, err
	}
	payload, teid, err := Decapsulate(f.Data, e.local)
	if err != nil {
		e.drop(f.Data, f.Tag, err)
		return nil, ident.Teid{}, err
	}
	if f.Tag == nil {
		return payload, teid, nil
	}
	if f.Tag.Teid != teid {
		err = errors.Wrapf(ErrTagMismatch, "header %s tag %s", teid, f.Tag.Teid)
		e.drop(f.Data, f.Tag, err)
		return nil, ident.Teid{}, err
	}
	e.sink.Trace(Event{Kind: EventTunnelExit, Node: e.node, Frame: f.Data, Tag: *f.Tag})
	f.Tag = nil
	return payload, teid, nil
}

func (e *Endpoint) classify(payload []byte) (ident.Teid, error) {
	if e.classifier == nil {
		return ident.Teid{}, ErrNoClassifier
	}
	teid, err := e.classifier.Classify(payload)
	if err != nil {
		return ident.Teid{}, errors.Wrap(err, "gtpu: classify")
	}
	return teid, nil
}

func (e *Endpoint) drop(data []byte, tag *Tag, err error) {
	ev := Event{Kind: EventDrop, Node: e.node, Frame: data, Err: err}
	if tag != nil {
		ev.Tag = *tag
	}
	e.sink.Trace(ev)
}
