package base

import "github.com/unixpickle/rabit/simulator"

// segment is the unit of delivery on a Link's underlying
// wire. Regular payload segments and the single
// out-of-band reset marker travel on the same stream, in
// order, exactly like bytes and MSG_OOB data share one TCP
// byte stream.
type segment struct {
	oob    bool
	closed bool
	data   []byte

	// ctrl carries an arbitrary Go value for the control
	// plane used by TryAllreduce, TryBroadcast, and
	// MsgPassing, which exchange whole values rather than
	// streamed bytes. It shares the link's ordered stream
	// and close detection with the data plane, which is
	// safe because the two are never in flight on the same
	// link at once.
	ctrl interface{}
}

func (s *segment) size() float64 {
	return float64(len(s.data)) + 1
}

// A Link is this node's end of a byte-oriented connection
// to one peer rank. It plays the role that a LinkRecord
// plays in a real base engine: it owns a ring buffer of
// BufferSize bytes and the two cursors, SizeRead and
// SizeWrite, that mark how much of the current operation
// has flowed over the wire.
//
// A Link is not safe for concurrent use. The engine that
// owns it drives all of its methods from a single
// goroutine, matching the single-threaded-per-rank model
// of the engine built on top of it.
type Link struct {
	// Peer is the rank on the other end of this link.
	Peer int

	handle  *simulator.Handle
	self    *simulator.Port
	peer    *simulator.Port
	network simulator.Network

	// BufferSize bounds both the ring buffer used by
	// PassData streaming and the largest chunk a single
	// WriteFromArray call will place on the wire.
	BufferSize int
	ring       []byte

	// SizeRead and SizeWrite are cursors for the operation
	// currently in flight. ResetSize zeroes them.
	SizeRead  int
	SizeWrite int

	bad bool

	inbox    []*segment
	inboxOff int

	sawMarker bool

	// epoch tags every control-plane segment this link sends
	// and is bumped on every reset. RecvCtrl discards segments
	// stamped with an epoch older than its own: a value sent
	// before the last reset that a peer's TryAllreduce/
	// TryBroadcast call abandoned mid-flight, and that a
	// blanket ReConnectLinks never had a chance to flush off
	// the wire, must never be mistaken for the next round's
	// contribution.
	epoch int
}

// ctrlEnvelope stamps a control-plane value with the epoch
// it was sent under, the way a raft RPC stamps its term.
type ctrlEnvelope struct {
	epoch int
	value interface{}
}

func newLink(h *simulator.Handle, self, peer *simulator.Port, network simulator.Network, bufferSize int) *Link {
	return &Link{
		self:       self,
		peer:       peer,
		handle:     h,
		network:    network,
		BufferSize: bufferSize,
		ring:       make([]byte, bufferSize),
	}
}

// Bad reports whether the link has been abandoned because
// of a socket error or a peer close.
func (l *Link) Bad() bool {
	return l.bad
}

// reset discards all buffered and in-flight state and
// clears the bad flag, the model's stand-in for redialing
// a fresh socket to the same peer.
func (l *Link) reset() {
	l.bad = false
	l.SizeRead = 0
	l.SizeWrite = 0
	l.inbox = nil
	l.inboxOff = 0
	l.sawMarker = false
	l.epoch++
}

// ResetSize zeroes the read/write cursors before starting
// a new streaming operation. It does not touch data that
// has already arrived but not been consumed.
func (l *Link) ResetSize() {
	l.SizeRead = 0
	l.SizeWrite = 0
}

// send enqueues one segment on the wire towards the peer.
// Sends on the virtual network never block, matching the
// fact that a real non-blocking socket send only fails
// when the kernel buffer is full, which this model does
// not represent.
func (l *Link) send(seg *segment) {
	if l.bad {
		return
	}
	l.network.Send(l.handle, &simulator.Message{
		Source:  l.self,
		Dest:    l.peer,
		Message: seg,
		Size:    seg.size(),
	})
}

// Close marks the link bad locally and tells the peer the
// connection is gone, the moral equivalent of shutting
// down a socket after an unrecoverable error.
func (l *Link) Close() {
	if l.bad {
		return
	}
	l.send(&segment{closed: true})
	l.bad = true
}

// deliver hands a freshly-arrived segment to the link. It
// is called by a Selector once the segment's stream has
// fired.
func (l *Link) deliver(seg *segment) {
	if seg.closed {
		l.bad = true
		return
	}
	l.inbox = append(l.inbox, seg)
}

// pending reports whether there is at least one
// unconsumed byte, of either kind, waiting in the inbox.
func (l *Link) pending() bool {
	return l.inboxOff < len(l.inbox)
}

// AtMark reports whether the next unread byte on the link
// is the out-of-band reset marker, i.e. whether all
// regular data preceding the mark has already been
// drained. It mirrors sockaddr-level AtMark() on a real
// socket.
func (l *Link) AtMark() bool {
	if !l.pending() {
		return false
	}
	return l.inbox[l.inboxOff].oob
}

// drainOne consumes bytes from the head of the inbox into
// dst, stopping at a segment boundary or once dst is full.
// It returns the number of bytes copied and whether the
// consumed segment was the out-of-band marker.
func (l *Link) drainOne(dst []byte) (n int, oob bool) {
	if !l.pending() {
		return 0, false
	}
	head := l.inbox[l.inboxOff]
	if head.oob {
		if len(dst) == 0 {
			return 0, false
		}
		l.inboxOff++
		l.compact()
		l.sawMarker = true
		return 0, true
	}
	avail := head.data[:]
	n = copy(dst, avail)
	head.data = head.data[n:]
	if len(head.data) == 0 {
		l.inboxOff++
		l.compact()
	}
	return n, false
}

// compact drops consumed segments once they pile up, so
// the inbox slice does not grow without bound across a
// long-running engine.
func (l *Link) compact() {
	if l.inboxOff > 0 && l.inboxOff == len(l.inbox) {
		l.inbox = l.inbox[:0]
		l.inboxOff = 0
	} else if l.inboxOff > 64 {
		l.inbox = append([]*segment{}, l.inbox[l.inboxOff:]...)
		l.inboxOff = 0
	}
}

// ReadToArray drains whatever has already arrived on the
// link into buf[SizeRead:size), advancing SizeRead. It
// never blocks; if nothing has arrived it simply makes no
// progress. It returns false if the link went bad while
// reading.
func (l *Link) ReadToArray(buf []byte, size int) bool {
	for l.SizeRead < size {
		n, oob := l.drainOne(buf[l.SizeRead:size])
		if oob {
			continue
		}
		if n == 0 {
			break
		}
		l.SizeRead += n
	}
	return !l.bad
}

// ReadToRingBuffer drains up to n bytes of headroom from
// the link into its own ring buffer, wrapping at
// BufferSize, and advances SizeRead. It is used by the
// PassData role, which never materializes the full payload
// in memory.
func (l *Link) ReadToRingBuffer(n int) bool {
	remaining := n
	for remaining > 0 {
		start := l.SizeRead % l.BufferSize
		chunk := remaining
		if chunk > l.BufferSize-start {
			chunk = l.BufferSize - start
		}
		got, oob := l.drainOne(l.ring[start : start+chunk])
		if oob {
			continue
		}
		if got == 0 {
			break
		}
		l.SizeRead += got
		remaining -= got
	}
	return !l.bad
}

// WriteFromArray sends the next chunk of buf[SizeWrite:size)
// on the wire, advancing SizeWrite by however much was
// sent. A single call may send fewer bytes than requested,
// capped at BufferSize, the same way a real non-blocking
// send can complete partially.
func (l *Link) WriteFromArray(buf []byte, size int) bool {
	if l.bad {
		return false
	}
	remaining := size - l.SizeWrite
	if remaining <= 0 {
		return true
	}
	chunk := remaining
	if chunk > l.BufferSize {
		chunk = l.BufferSize
	}
	out := make([]byte, chunk)
	copy(out, buf[l.SizeWrite:l.SizeWrite+chunk])
	l.send(&segment{data: out})
	l.SizeWrite += chunk
	return true
}

// Ring exposes the link's internal ring buffer so a
// streaming role can stage bytes read from one link before
// writing them out on another.
func (l *Link) Ring() []byte {
	return l.ring
}

// WriteRing sends up to n bytes from ring starting at
// position start, used by the PassData role and by
// RingPassing to forward data without ever buffering the
// whole payload.
func (l *Link) WriteRing(ring []byte, start, n int) {
	out := make([]byte, n)
	copy(out, ring[start:start+n])
	l.send(&segment{data: out})
	l.SizeWrite += n
}

// ReadChunk drains at most one arrived segment's worth of
// bytes into dst without blocking, independent of SizeRead.
// It is used by callers, like RingPassing, that manage
// their own read cursor instead of relying on the link's.
func (l *Link) ReadChunk(dst []byte) (n int, ok bool) {
	for {
		got, oob := l.drainOne(dst)
		if oob {
			if got == 0 && len(dst) > 0 {
				continue
			}
			return got, !l.bad
		}
		return got, !l.bad
	}
}

// SendCtrl sends a control-plane value to the peer. It is
// used by the tree-based collective primitives, which pass
// whole values rather than streaming bytes through the
// ring buffer.
func (l *Link) SendCtrl(v interface{}) {
	l.send(&segment{ctrl: ctrlEnvelope{epoch: l.epoch, value: v}})
}

// SendMark sends the out-of-band reset marker: a segment
// that AtMark and DrainToMark treat specially regardless of
// what regular data precedes or follows it, the model's
// analog of TCP's MSG_OOB urgent byte.
func (l *Link) SendMark() {
	l.send(&segment{oob: true})
}

// DrainToMark discards regular data segments already
// buffered in the inbox until the out-of-band marker is
// reached and consumed. It returns whether the marker was
// reached; if not, the caller needs to wait for more data
// to arrive before calling again.
func (l *Link) DrainToMark() bool {
	scratch := make([]byte, 4096)
	for {
		n, oob := l.drainOne(scratch)
		if oob {
			return true
		}
		if n == 0 {
			return false
		}
	}
}

// RecvCtrl blocks until a control-plane value arrives from
// the peer, or the link goes bad, in which case ok is
// false. Any value stamped with an epoch older than the
// link's current one is a straggler from a round that a
// reset already abandoned; RecvCtrl silently discards it
// and keeps waiting rather than handing it to the caller as
// if it were fresh.
func (l *Link) RecvCtrl(h *simulator.Handle) (v interface{}, ok bool) {
	for {
		if l.bad {
			return nil, false
		}
		event := h.Poll(l.self.Incoming)
		msg := event.Message.(*simulator.Message)
		seg := msg.Message.(*segment)
		if seg.closed {
			l.bad = true
			return nil, false
		}
		env, ok := seg.ctrl.(ctrlEnvelope)
		if !ok || env.epoch < l.epoch {
			continue
		}
		return env.value, true
	}
}
