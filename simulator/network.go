package simulator

import "math/rand"

// A Node represents one rank's machine on the virtual
// network the base engine runs its links over. Every rank
// in a base.SpawnCluster call owns exactly one Node.
type Node struct {
	unused int
}

// NewNode creates a new, unique Node.
func NewNode() *Node {
	return &Node{}
}

// Port creates a new Port connected to the Node.
func (n *Node) Port(loop *EventLoop) *Port {
	return &Port{Node: n, Incoming: loop.Stream()}
}

// A Port identifies one of a rank's links: the base engine
// gives every Link a Port for its own end and holds the
// peer's Port to address messages to it.
type Port struct {
	// The Node to which the Port is attached.
	Node *Node

	// A stream of *Message objects.
	Incoming *EventStream
}

// Recv receives the next message.
func (p *Port) Recv(h *Handle) *Message {
	return h.Poll(p.Incoming).Message.(*Message)
}

// A Message is a chunk of data sent between nodes over a
// network. The robust engine's segments (base.segment) and
// control-plane envelopes travel as the Message field here.
type Message struct {
	Source  *Port
	Dest    *Port
	Message interface{}
	Size    float64
}

// A Network represents an abstract way of communicating
// between nodes.
type Network interface {
	// Send message objects from one node to another.
	// The message will arrive on the receiving port's
	// incoming EventStream if the communication is
	// successful.
	//
	// This is a non-blocking operation.
	//
	// It is preferrable to pass multiple messages in at
	// once, if possible.
	// Otherwise, the Network may have to continually
	// re-plan the entire message delivery timeline.
	Send(h *Handle, msgs ...*Message)
}

// A RandomNetwork is a network that assigns random delays
// to every message. It is the transport base.SpawnCluster
// and the harness package drive every simulated cluster
// over: fault scenarios only need message reordering and
// delay, not bandwidth contention, so the switched-network
// machinery a throughput benchmark would need has no home
// here.
type RandomNetwork struct{}

// Send sends the messages with random delays.
func (r RandomNetwork) Send(h *Handle, msgs ...*Message) {
	for _, msg := range msgs {
		h.Schedule(msg.Dest.Incoming, msg, rand.Float64())
	}
}
