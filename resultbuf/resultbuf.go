// Package resultbuf implements the ring-structured cache
// of recent collective results that the recovery loop
// consults when a lagging rank needs to catch up instead
// of replaying a collective from scratch.
package resultbuf

import "github.com/unixpickle/essentials"

// Buffer stores the byte payload of every collective this
// rank is responsible for retaining, keyed by seqno. Each
// rank keeps only the seqnos landing in its retention
// slot, given by seqno mod Round == rank mod Round.
//
// The arena backing entry data only grows; Clear is the
// only way to reclaim it, matching the checkpoint-only
// reset cadence of the engine it serves.
type Buffer struct {
	rank  int
	round int

	arena []byte

	tempStart   int
	tempLen     int
	tempPending bool

	order   []int // seqnos, oldest first
	entries map[int]entry
}

type entry struct {
	typeNbytes int
	count      int
	start, end int
}

// New creates a Buffer for the given rank. round starts at
// 1, meaning every rank retains every result, until
// SetRound narrows it.
func New(rank int) *Buffer {
	return &Buffer{rank: rank, round: 1, entries: map[int]entry{}}
}

// SetRound changes the retention modulus. It takes effect
// on the next DropLast call; existing entries are not
// retroactively evicted.
func (b *Buffer) SetRound(round int) {
	if round < 1 {
		round = 1
	}
	b.round = round
}

// Round reports the current retention modulus.
func (b *Buffer) Round() int {
	return b.round
}

// AllocTemp reserves a fresh region in the arena for the
// collective currently in flight. Exactly one temp region
// may be outstanding at a time; PushTemp or Clear ends it.
func (b *Buffer) AllocTemp(typeNbytes, count int) []byte {
	if b.tempPending {
		panic("resultbuf: AllocTemp called with a temp region already outstanding")
	}
	size := typeNbytes * count
	b.tempStart = len(b.arena)
	b.arena = append(b.arena, make([]byte, size)...)
	b.tempLen = size
	b.tempPending = true
	return b.arena[b.tempStart : b.tempStart+size : b.tempStart+size]
}

// PushTemp commits the outstanding temp region as the
// permanent entry for seqno.
func (b *Buffer) PushTemp(seqno, typeNbytes, count int) {
	if !b.tempPending {
		panic("resultbuf: PushTemp called with no outstanding temp region")
	}
	if typeNbytes*count != b.tempLen {
		panic("resultbuf: PushTemp size does not match the AllocTemp reservation")
	}
	b.entries[seqno] = entry{
		typeNbytes: typeNbytes,
		count:      count,
		start:      b.tempStart,
		end:        b.tempStart + b.tempLen,
	}
	b.order = append(b.order, seqno)
	b.tempPending = false
}

// Query returns the stored bytes for seqno, if this rank
// holds them.
func (b *Buffer) Query(seqno int) (data []byte, typeNbytes, count int, ok bool) {
	e, ok := b.entries[seqno]
	if !ok {
		return nil, 0, 0, false
	}
	return b.arena[e.start:e.end], e.typeNbytes, e.count, true
}

// LastSeqNo returns the seqno of the most recently pushed
// entry, or -1 if the buffer is empty.
func (b *Buffer) LastSeqNo() int {
	if len(b.order) == 0 {
		return -1
	}
	return b.order[len(b.order)-1]
}

// retains reports whether this rank's retention slot
// includes seqno under the current round.
func (b *Buffer) retains(seqno int) bool {
	return ((seqno % b.round) + b.round) % b.round == ((b.rank % b.round) + b.round) % b.round
}

// DropLast evicts the most recently pushed entry if this
// rank's retention slot no longer covers it. It is meant
// to run before the entry for the operation about to
// complete is pushed, which assumes seqnos are never
// skipped: the previous entry is always exactly one less
// than the one about to be appended.
func (b *Buffer) DropLast() {
	if len(b.order) == 0 {
		return
	}
	last := b.order[len(b.order)-1]
	if b.retains(last) {
		return
	}
	delete(b.entries, last)
	essentials.OrderedDelete(&b.order, len(b.order)-1)
}

// Clear drops every entry and resets the arena, used on
// every successful CheckPoint, LoadCheckPoint, and
// Shutdown.
func (b *Buffer) Clear() {
	b.arena = b.arena[:0]
	b.order = nil
	b.entries = map[int]entry{}
	b.tempPending = false
}
