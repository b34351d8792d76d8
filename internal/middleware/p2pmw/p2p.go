// Package p2pmw implements the peer-discovery middleware: it resolves a
// username to the P2P endpoint and uuid that user published on connect.
package p2pmw

import "github.com/petervdpas/duonet/internal/pipeline"

// Middleware answers addr_request lookups against the shared user table.
type Middleware struct {
	lookup func(name string) (uri, uuid string, ok bool)
}

// New creates the P2P middleware. lookup resolves a username to its
// published P2P endpoint and uuid.
func New(lookup func(name string) (uri, uuid string, ok bool)) *Middleware {
	return &Middleware{lookup: lookup}
}

func (m *Middleware) Name() string { return "p2p" }

func (m *Middleware) Handlers() map[string]pipeline.Handler {
	return map[string]pipeline.Handler{
		"addr_request": m.onAddrRequest,
	}
}

func (m *Middleware) onAddrRequest(_ string, payload pipeline.Payload) (bool, pipeline.Payload) {
	name, _ := payload["username"].(string)

	uri, uuid, ok := m.lookup(name)
	if !ok {
		return false, pipeline.Payload{"uri": nil, "uuid": nil}
	}
	return false, pipeline.Payload{"uri": uri, "uuid": uuid}
}
