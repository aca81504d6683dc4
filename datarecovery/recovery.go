// Package datarecovery implements the streaming transfer
// of a known-size blob along the routes chosen by package
// routing, and the ring-buffer pipelined transfer used for
// whole-buffer replication such as checkpoints.
package datarecovery

import (
	"github.com/unixpickle/rabit/base"
	"github.com/unixpickle/rabit/routing"
	"github.com/unixpickle/rabit/simulator"
)

// TryRecoverData drives the non-blocking transfer of a
// size-byte payload according to plan. buf must have
// capacity size; on RequestData it is filled in, on
// HaveData it is the source, and on PassData it is unused.
func TryRecoverData(h *simulator.Handle, links []*base.Link, role routing.Role, buf []byte, size int, plan routing.Plan) base.ReturnType {
	anySend := false
	for _, v := range plan.ReqIn {
		if v {
			anySend = true
		}
	}
	if len(links) == 0 || size == 0 {
		return base.Success
	}
	if !anySend && (role == routing.PassData || role == routing.RequestData && plan.RecvLink < 0) {
		return base.Success
	}

	for _, l := range links {
		l.ResetSize()
	}

	switch role {
	case routing.HaveData:
		return haveData(h, links, buf, size, plan.ReqIn)
	case routing.RequestData:
		return requestData(h, links, buf, size, plan.RecvLink, plan.ReqIn)
	default:
		return passData(h, links, size, plan.RecvLink, plan.ReqIn)
	}
}

func forwardersDone(links []*base.Link, reqIn []bool, size int) bool {
	for i, l := range links {
		if reqIn[i] && l.SizeWrite < size {
			return false
		}
	}
	return true
}

// haveData writes buf out on every requesting link until
// each has received the full payload. Sends never block in
// this transport, so no select wait is needed: each pass
// makes guaranteed progress bounded by BufferSize.
func haveData(h *simulator.Handle, links []*base.Link, buf []byte, size int, reqIn []bool) base.ReturnType {
	for !forwardersDone(links, reqIn, size) {
		for i, l := range links {
			if !reqIn[i] {
				continue
			}
			l.WriteFromArray(buf, size)
			if l.Bad() {
				return base.SockError
			}
		}
	}
	return base.Success
}

// requestData reads the payload from recvLink and forwards
// whatever has arrived so far to every requesting link,
// backpressured so no forwarder ever writes ahead of what
// this node has actually received.
func requestData(h *simulator.Handle, links []*base.Link, buf []byte, size int, recvLink int, reqIn []bool) base.ReturnType {
	recv := links[recvLink]
	for {
		recv.ReadToArray(buf, size)
		if recv.Bad() {
			return base.GetExcept
		}

		for i, l := range links {
			if !reqIn[i] {
				continue
			}
			l.WriteFromArray(buf, recv.SizeRead)
			if l.Bad() {
				return base.GetExcept
			}
		}

		if recv.SizeRead == size && forwardersDone(links, reqIn, size) {
			return base.Success
		}
		if recv.SizeRead < size {
			sel := base.NewSelector(h)
			sel.WatchRead(recv)
			sel.Select()
		}
	}
}

// passData never materializes the payload: it stages bytes
// read from recvLink in that link's own ring buffer and
// writes them straight back out to every requester, keeping
// memory use bounded by BufferSize regardless of size.
func passData(h *simulator.Handle, links []*base.Link, size int, recvLink int, reqIn []bool) base.ReturnType {
	recv := links[recvLink]
	bufSize := recv.BufferSize
	ring := recv.Ring()

	for {
		progressed := false
		minWrite := size
		for i, l := range links {
			if reqIn[i] && l.SizeWrite < minWrite {
				minWrite = l.SizeWrite
			}
		}
		headroom := bufSize - (recv.SizeRead - minWrite)
		if remaining := size - recv.SizeRead; headroom > remaining {
			headroom = remaining
		}
		if headroom > 0 {
			before := recv.SizeRead
			recv.ReadToRingBuffer(headroom)
			if recv.Bad() {
				return base.GetExcept
			}
			progressed = recv.SizeRead > before
		}

		for i, l := range links {
			if !reqIn[i] {
				continue
			}
			avail := recv.SizeRead - l.SizeWrite
			if avail <= 0 {
				continue
			}
			start := l.SizeWrite % bufSize
			chunk := avail
			if c := bufSize - start; c < chunk {
				chunk = c
			}
			l.WriteRing(ring, start, chunk)
			progressed = true
			if l.Bad() {
				return base.GetExcept
			}
		}

		if recv.SizeRead == size && forwardersDone(links, reqIn, size) {
			return base.Success
		}
		if recv.SizeRead < size && !progressed {
			sel := base.NewSelector(h)
			sel.WatchRead(recv)
			sel.Select()
		}
	}
}
