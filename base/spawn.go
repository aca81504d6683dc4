package base

import "github.com/unixpickle/rabit/simulator"

// SpawnCluster builds worldSize Base engines wired into a
// complete binary reduction tree over network and runs f
// for each one in its own goroutine on loop. It plays the
// role SpawnComms played for the vector-based Comms type:
// all the plumbing needed to hand every node a working
// engine, so tests can focus on the behavior built on top
// of it.
func SpawnCluster(loop *simulator.EventLoop, network simulator.Network, worldSize, bufferSize int, f func(b *Base)) {
	nodes := make([]*simulator.Node, worldSize)
	for i := range nodes {
		nodes[i] = simulator.NewNode()
	}

	type portPair struct{ self, peer *simulator.Port }
	ports := make([]map[int]portPair, worldSize)
	for i := range ports {
		ports[i] = map[int]portPair{}
	}
	for child := 1; child < worldSize; child++ {
		parent, _ := treeParent(child)
		pParent := nodes[parent].Port(loop)
		pChild := nodes[child].Port(loop)
		ports[parent][child] = portPair{self: pParent, peer: pChild}
		ports[child][parent] = portPair{self: pChild, peer: pParent}
	}

	for rank := 0; rank < worldSize; rank++ {
		rank := rank
		loop.Go(func(h *simulator.Handle) {
			b := &Base{
				Rank:       rank,
				WorldSize:  worldSize,
				handle:     h,
				network:    network,
				bufferSize: bufferSize,
				parentIdx:  -1,
			}
			if parent, ok := treeParent(rank); ok {
				pp := ports[rank][parent]
				l := newLink(h, pp.self, pp.peer, network, bufferSize)
				l.Peer = parent
				b.parentIdx = len(b.links)
				b.links = append(b.links, l)
			}
			for _, c := range treeChildren(rank, worldSize) {
				pp := ports[rank][c]
				l := newLink(h, pp.self, pp.peer, network, bufferSize)
				l.Peer = c
				b.childIdx = append(b.childIdx, len(b.links))
				b.links = append(b.links, l)
			}
			f(b)
		})
	}
}
