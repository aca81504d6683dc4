// Package routing implements the two-pass message-passing
// computation that, given each node's recovery role,
// decides who receives the missing payload from whom.
package routing

import (
	"fmt"

	"github.com/unixpickle/rabit/base"
)

// A Role is this node's part in the data recovery that
// follows routing.
type Role int

const (
	// HaveData means this node already holds the payload.
	HaveData Role = iota
	// RequestData means this node needs the payload for
	// itself.
	RequestData
	// PassData means this node neither needs nor holds the
	// payload, but may sit on the path between nodes that
	// do.
	PassData
)

// A Plan is the routing decision for one node: which link
// to receive on, and which links to forward to.
type Plan struct {
	// RecvLink is the index into Links of the edge this
	// node should receive the payload from, or -1 for
	// HaveData nodes.
	RecvLink int
	// ReqIn[i] is true if this node must forward the
	// payload out on link i.
	ReqIn []bool
	// Size is the payload size in bytes, discovered from
	// whichever HaveData node is closest.
	Size int
}

type distVal struct {
	reachable bool
	hops      int
	size      int
}

type reqVal struct {
	requests bool
	bestLink int
}

// Solve runs both passes of the routing computation for
// one node and returns its Plan. haveSize is only
// meaningful when role is HaveData.
func Solve(b *base.Base, role Role, haveSize int) (Plan, base.ReturnType) {
	distIn, _, ret := base.MsgPassing[distNode, distVal](b, distNode{have: role == HaveData, size: haveSize}, foldDist)
	if ret != base.Success {
		return Plan{}, ret
	}

	bestLink := -1
	size := haveSize
	if role != HaveData {
		bestHops := -1
		for i, d := range distIn {
			if !d.reachable {
				continue
			}
			if bestLink == -1 || d.hops < bestHops {
				bestLink, bestHops, size = i, d.hops, d.size
			} else if d.hops == bestHops && d.size != size {
				panic(fmt.Sprintf("routing: Allreduce size inconsistent (%d vs %d)", size, d.size))
			}
		}
		if bestLink == -1 {
			panic("routing: too many nodes down to route recovery data")
		}
	}

	reqNode := reqVal{requests: role == RequestData, bestLink: bestLink}
	if role == HaveData {
		reqNode.bestLink = -1
	}
	reqIn, reqOut, ret := base.MsgPassing[reqVal, bool](b, reqNode, foldReq)
	if ret != base.Success {
		return Plan{}, ret
	}

	for i := range reqIn {
		if reqIn[i] && reqOut[i] {
			panic("routing: link both requests and forwards data")
		}
	}

	recvLink := -1
	if role != HaveData {
		recvLink = bestLink
	}
	return Plan{RecvLink: recvLink, ReqIn: reqIn, Size: size}, base.Success
}

type distNode struct {
	have bool
	size int
}

// foldDist is Pass 1 (ShortestDist): a HaveData node
// reports itself at distance 1 on every edge; everyone
// else forwards the minimum distance seen on every edge
// but the one it's about to send on.
func foldDist(nv distNode, in []distVal, outIdx int) distVal {
	if nv.have {
		return distVal{reachable: true, hops: 1, size: nv.size}
	}
	best := distVal{}
	for i, d := range in {
		if i == outIdx || !d.reachable {
			continue
		}
		if !best.reachable || d.hops+1 < best.hops {
			best = distVal{reachable: true, hops: d.hops + 1, size: d.size}
		} else if d.hops+1 == best.hops && d.size != best.size {
			panic(fmt.Sprintf("routing: Allreduce size inconsistent (%d vs %d)", d.size, best.size))
		}
	}
	return best
}

// foldReq is Pass 2 (DataRequest): the outgoing edge equal
// to a node's own best link carries a request iff the node
// itself requests data or any other incoming edge already
// does; every other outgoing edge carries nothing.
func foldReq(nv reqVal, in []bool, outIdx int) bool {
	if outIdx != nv.bestLink {
		return false
	}
	if nv.requests {
		return true
	}
	for i, req := range in {
		if i != outIdx && req {
			return true
		}
	}
	return false
}
