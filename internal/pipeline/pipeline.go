// Package pipeline implements the middleware chain every server event
// passes through: each node handles the event, optionally short-circuits,
// and replies merge with later nodes winning on key collisions.
package pipeline

// Payload is the JSON-shaped event body.
type Payload = map[string]any

// Handler processes one event for one session. A handler with nothing to
// say returns (true, Payload{}); one that answers without letting later
// nodes run returns (false, reply).
type Handler func(sessionID string, payload Payload) (passNext bool, reply Payload)

// Middleware is one node's worth of event handlers, sharing state through
// whatever the middleware closed over at construction.
type Middleware interface {
	Name() string
	Handlers() map[string]Handler
}

// Node chains a Middleware to an optional successor.
type Node struct {
	mw        Middleware
	successor *Node
}

// Pipeline is the ordered chain, built head-first.
type Pipeline struct {
	head  *Node
	nodes []*Node
}

// New builds the fixed chain in the given order (DNS, Migration,
// Replication, P2P, Chat for this spec).
func New(mws ...Middleware) *Pipeline {
	p := &Pipeline{}
	var prev *Node
	for _, mw := range mws {
		n := &Node{mw: mw}
		p.nodes = append(p.nodes, n)
		if prev == nil {
			p.head = n
		} else {
			prev.successor = n
		}
		prev = n
	}
	return p
}

// EventNames returns the union of every handler name across every node:
// the dynamic set of events the transport should route into Dispatch.
// connect and disconnect are excluded, the transport delivers those to the
// server's own entry points.
func (p *Pipeline) EventNames() []string {
	seen := make(map[string]struct{})
	for _, n := range p.nodes {
		for name := range n.mw.Handlers() {
			if name == "connect" || name == "disconnect" {
				continue
			}
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	return names
}

// Dispatch runs event through the chain starting at the head: invoke this
// node's handler (treating a missing handler as pass-through with an empty
// reply), recurse into the successor if passNext is true and a successor
// exists, and merge replies with the successor's keys winning.
func (p *Pipeline) Dispatch(event, sessionID string, payload Payload) Payload {
	return dispatchFrom(p.head, event, sessionID, payload)
}

func dispatchFrom(n *Node, event, sessionID string, payload Payload) Payload {
	if n == nil {
		return Payload{}
	}

	handler, ok := n.mw.Handlers()[event]
	var passNext bool
	var reply Payload
	if !ok {
		passNext, reply = true, Payload{}
	} else {
		passNext, reply = handler(sessionID, payload)
		if reply == nil {
			reply = Payload{}
		}
	}

	if !passNext || n.successor == nil {
		return reply
	}

	downstream := dispatchFrom(n.successor, event, sessionID, payload)
	for k, v := range downstream {
		reply[k] = v
	}
	return reply
}
