package gtpu

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/free5gc/go-backhaul/internal/logger"
)

type EventKind uint8

const (
	EventTunnelEntry EventKind = iota
	EventTunnelExit
	EventDrop
)

func (k EventKind) String() string {
	switch k {
	case EventTunnelEntry:
		return "tunnel-entry"
	case EventTunnelExit:
		return "tunnel-exit"
	case EventDrop:
		return "drop"
	}
	return "unknown"
}

// Event is handed to a Sink. Tag is a copy and may be zero for drops of
// untagged frames.
type Event struct {
	Kind  EventKind
	Node  Node
	Frame []byte
	Tag   Tag
	Err   error
}

// Sink receives trace events from tunnel endpoints.
type Sink interface {
	Trace(ev Event)
}

type nopSink struct{}

func (nopSink) Trace(Event) {}

// LogSink writes every event to the tunnel logger. Drops are warnings, the
// rest are trace level.
type LogSink struct {
	log *logrus.Entry
}

func NewLogSink() *LogSink {
	return &LogSink{log: logger.GtpuLog}
}

func (s *LogSink) Trace(ev Event) {
	entry := s.log.WithFields(logrus.Fields{
		logger.FieldTunnelNode: ev.Node.String(),
		logger.FieldTeid:       ev.Tag.Teid.String(),
	})
	if ev.Kind == EventDrop {
		entry.Warnf("drop frame (%d bytes): %v", len(ev.Frame), ev.Err)
		return
	}
	entry.Tracef("%s frame (%d bytes) qos %s aggregated %t",
		ev.Kind, len(ev.Frame), ev.Tag.QosType, ev.Tag.Aggregated)
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Trace(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
