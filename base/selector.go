package base

import "github.com/unixpickle/rabit/simulator"

// A Selector multiplexes readiness across several Links,
// the same role a select()-based SelectHelper plays around
// a set of raw sockets. It is rebuilt fresh on every
// iteration of a recovery loop.
type Selector struct {
	handle *simulator.Handle

	watchRead []*Link
	ready     map[*Link]bool
}

// NewSelector creates a Selector bound to the calling
// goroutine's Handle.
func NewSelector(h *simulator.Handle) *Selector {
	return &Selector{handle: h, ready: map[*Link]bool{}}
}

// WatchRead registers l to be polled for incoming data.
func (s *Selector) WatchRead(l *Link) {
	if l.bad {
		return
	}
	s.watchRead = append(s.watchRead, l)
}

// WatchWrite is a no-op kept for symmetry with the classic
// select()-based helper this type is modeled on. Sends on
// this engine's transport never block, so a write-watched
// link is simply written to immediately by the caller
// instead of waiting for a writable notification.
func (s *Selector) WatchWrite(l *Link) {}

// WatchException is a no-op kept for symmetry with the
// classic select()-based helper. Faults are delivered as
// ordinary segments on the read stream and mark the link
// bad, so CheckExcept reads that flag directly.
func (s *Selector) WatchException(l *Link) {}

// Select blocks until at least one watched link has data
// ready, delivering the arrived segment to that Link. If
// nothing is being watched it returns immediately.
func (s *Selector) Select() {
	streams := make([]*simulator.EventStream, 0, len(s.watchRead))
	byStream := map[*simulator.EventStream]*Link{}
	for _, l := range s.watchRead {
		if l.bad {
			continue
		}
		streams = append(streams, l.self.Incoming)
		byStream[l.self.Incoming] = l
	}
	if len(streams) == 0 {
		return
	}
	event := s.handle.Poll(streams...)
	msg := event.Message.(*simulator.Message)
	seg := msg.Message.(*segment)
	l := byStream[event.Stream]
	l.deliver(seg)
	s.ready[l] = true
}

// CheckRead reports whether l received a segment during
// the most recent Select call.
func (s *Selector) CheckRead(l *Link) bool {
	return s.ready[l]
}

// CheckWrite reports ready for every link that is not
// bad, since sends never block in this transport.
func (s *Selector) CheckWrite(l *Link) bool {
	return !l.bad
}

// CheckExcept reports whether l has gone bad, whether from
// a local close or a peer disconnect observed while
// draining.
func (s *Selector) CheckExcept(l *Link) bool {
	return l.bad
}
