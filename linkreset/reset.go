// Package linkreset implements the out-of-band link reset
// protocol: after a fault, every surviving link is purged
// of whatever bytes were in flight before the fault, so the
// next round of recovery starts from a byte stream both
// ends agree is empty.
package linkreset

import (
	"fmt"

	"github.com/unixpickle/rabit/base"
	"github.com/unixpickle/rabit/simulator"
)

// Wire values for the in-band half of the reset handshake.
// The exact values only need to be fixed and symmetric
// between peers; these match the historical MSG_OOB-based
// protocol this one replaces.
const (
	OOBReset  = 95
	ResetMark = 97
	ResetAck  = 97
)

// TryResetLinks runs the three-phase reset protocol
// (mark, drain, synchronize) on every link that is not
// already bad. It returns SockError if any link ended up
// bad, otherwise Success.
func TryResetLinks(h *simulator.Handle, links []*base.Link) base.ReturnType {
	live := make([]*base.Link, 0, len(links))
	for _, l := range links {
		if !l.Bad() {
			live = append(live, l)
		}
	}

	for _, l := range live {
		l.SendMark()
		l.SendCtrl(byte(ResetMark))
	}

	pending := append([]*base.Link(nil), live...)
	for len(pending) > 0 {
		sel := base.NewSelector(h)
		for _, l := range pending {
			sel.WatchRead(l)
		}
		sel.Select()

		var next []*base.Link
		for _, l := range pending {
			if l.Bad() {
				continue
			}
			if !l.DrainToMark() {
				next = append(next, l)
			}
		}
		pending = next
	}

	for _, l := range live {
		if l.Bad() {
			continue
		}
		v, ok := l.RecvCtrl(h)
		if !ok {
			continue
		}
		mark, ok := v.(byte)
		if !ok || mark != ResetMark {
			panic(fmt.Sprintf("linkreset: expected reset mark %d, got %v", ResetMark, v))
		}
		l.SendCtrl(byte(ResetAck))
	}
	for _, l := range live {
		if l.Bad() {
			continue
		}
		v, ok := l.RecvCtrl(h)
		if !ok {
			continue
		}
		ack, ok := v.(byte)
		if !ok || ack != ResetAck {
			panic(fmt.Sprintf("linkreset: expected reset ack %d, got %v", ResetAck, v))
		}
	}

	for _, l := range links {
		if l.Bad() {
			return base.SockError
		}
	}
	return base.Success
}
