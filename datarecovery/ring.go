package datarecovery

import (
	"github.com/unixpickle/rabit/base"
	"github.com/unixpickle/rabit/simulator"
)

// RingPassing streams buf[0, writeEnd) out to next as it
// arrives on prev, keeping at most len(buf) unconsumed
// bytes staged at a time, so a whole blob can move along an
// overlay ring without two full copies in flight. The
// engine does not call it: checkpoint recovery goes through
// TryRecoverData.
//
// readPtr and writePtr are the caller's cursors into buf,
// mod len(buf); readEnd and writeEnd are the absolute
// offsets at which each direction is done. RingPassing
// returns the final cursor values so the caller can resume
// a partially completed transfer.
func RingPassing(h *simulator.Handle, prev, next *base.Link, buf []byte, readEnd, writeEnd, readPtr, writePtr int) (int, int, base.ReturnType) {
	bufSize := len(buf)
	for readPtr < readEnd || writePtr < writeEnd {
		progressed := false

		if writePtr < readPtr && writePtr < writeEnd {
			start := writePtr % bufSize
			chunk := readPtr - writePtr
			if c := writeEnd - writePtr; c < chunk {
				chunk = c
			}
			if c := bufSize - start; c < chunk {
				chunk = c
			}
			next.WriteRing(buf, start, chunk)
			writePtr += chunk
			progressed = true
			if next.Bad() {
				return readPtr, writePtr, base.GetExcept
			}
		}

		if readPtr < readEnd {
			start := readPtr % bufSize
			window := writePtr + bufSize - readPtr
			chunk := readEnd - readPtr
			if window < chunk {
				chunk = window
			}
			if c := bufSize - start; c < chunk {
				chunk = c
			}
			if chunk > 0 {
				n, ok := prev.ReadChunk(buf[start : start+chunk])
				if !ok {
					return readPtr, writePtr, base.GetExcept
				}
				if n > 0 {
					readPtr += n
					progressed = true
				}
			}
		}

		if !progressed && readPtr < readEnd {
			sel := base.NewSelector(h)
			sel.WatchRead(prev)
			sel.Select()
		}
	}
	return readPtr, writePtr, base.Success
}
