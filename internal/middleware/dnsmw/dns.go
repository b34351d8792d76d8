// Package dnsmw implements the DNS middleware: it recognizes the Name
// Server's liveness probe and keeps it out of the rest of the pipeline.
package dnsmw

import (
	"github.com/petervdpas/duonet/internal/mainserver"
	"github.com/petervdpas/duonet/internal/pipeline"
)

// Middleware records the NS liveness session so the interactive console's
// APAGAR command can signal it directly.
type Middleware struct {
	srv *mainserver.Server
}

// New creates the DNS middleware.
func New(srv *mainserver.Server) *Middleware { return &Middleware{srv: srv} }

func (m *Middleware) Name() string { return "dns" }

func (m *Middleware) Handlers() map[string]pipeline.Handler {
	return map[string]pipeline.Handler{
		"connect": m.onConnect,
	}
}

// onConnect replies OK and stops the chain when the connecting auth payload
// carries dns_polling: true; anything else falls through to Migration. While
// SimulateDown is latched, a liveness probe is refused instead, so a
// reconnecting prober sees this process as unreachable rather than alive.
func (m *Middleware) onConnect(sessionID string, payload pipeline.Payload) (bool, pipeline.Payload) {
	if pipeline.AsBool(payload, "dns_polling") {
		if m.srv.SimulateDown.Load() {
			return false, pipeline.Payload{"status": "refused", "reason": "simulated_down"}
		}
		m.srv.SetDNSPollSession(sessionID)
		return false, pipeline.Payload{"status": "OK"}
	}
	return true, pipeline.Payload{}
}
