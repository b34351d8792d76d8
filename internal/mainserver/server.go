// Package mainserver holds the Main Server's shared mutable state: the
// object every middleware in the pipeline receives a reference to.
package mainserver

import (
	"sync"
	"sync/atomic"

	"github.com/petervdpas/duonet/internal/chatlog"
	"github.com/petervdpas/duonet/internal/eventbus"
	"github.com/petervdpas/duonet/internal/nameserver"
	"github.com/petervdpas/duonet/internal/pipeline"
	"github.com/petervdpas/duonet/internal/user"
)

// Server is the shared state a Main Server's five middlewares all close
// over: the user table, message log, thresholds, and migration latch, plus
// the transport and NS handles they need to act.
type Server struct {
	URI      string
	SelfAddr string // "http://IP:PORT", this process's registered address

	Bus eventbus.Bus
	NS  *nameserver.Client

	Users *user.Table
	Log   *chatlog.Log

	// MinUserCount is the live-user threshold before history replay and
	// chat fan-out kick in. It is an atomic rather than a
	// plain int because internal/config's fsnotify watch can update it
	// from a goroutine unrelated to any middleware call.
	MinUserCount atomic.Int64

	// HistorySent latches true the first time message_history is broadcast
	// to everyone; subsequent qualifying connects get it unicast instead.
	HistorySent atomic.Bool

	// Migrating gates new non-migration connects while a handoff is under
	// way. Process-wide: Migration writes it, sibling middlewares read it.
	Migrating atomic.Bool

	// SimulateDown latches when the interactive console's APAGAR command
	// fires; DNS middleware consults it to answer liveness
	// probes as if the process were already gone.
	SimulateDown atomic.Bool

	dnsMu     sync.Mutex
	dnsPollID string

	// Pipeline is assigned once, after every middleware has been
	// constructed with a reference to this Server.
	Pipeline *pipeline.Pipeline
}

// SetDNSPollSession records the session id of the NS's liveness probe
// connection, so the console's APAGAR command can signal server_down_dns
// directly to it.
func (s *Server) SetDNSPollSession(sessionID string) {
	s.dnsMu.Lock()
	defer s.dnsMu.Unlock()
	s.dnsPollID = sessionID
}

// DNSPollSession returns the recorded NS liveness session id, if any.
func (s *Server) DNSPollSession() (string, bool) {
	s.dnsMu.Lock()
	defer s.dnsMu.Unlock()
	return s.dnsPollID, s.dnsPollID != ""
}

// New creates a Server with empty state. Callers still must build the
// middlewares and assign Pipeline before serving traffic.
func New(uri, selfAddr string, bus eventbus.Bus, ns *nameserver.Client, mirror chatlog.Mirror, minUserCount int) *Server {
	s := &Server{
		URI:      uri,
		SelfAddr: selfAddr,
		Bus:      bus,
		NS:       ns,
		Users:    user.NewTable(),
		Log:      chatlog.New(mirror),
	}
	s.MinUserCount.Store(int64(minUserCount))
	return s
}

// Wire registers the pipeline's dynamic event handlers and the
// connect/disconnect entry points on s.Bus. connect and disconnect always
// enter the chain at the head; every other event name is registered
// dynamically from the union of middleware handlers.
func (s *Server) Wire() {
	pl := s.Pipeline

	for _, name := range pl.EventNames() {
		event := name
		s.Bus.On(event, func(sessionID string, payload pipeline.Payload) (pipeline.Payload, bool) {
			reply := pl.Dispatch(event, sessionID, payload)
			return reply, true
		})
	}

	s.Bus.OnConnect(func(sessionID string, auth pipeline.Payload) (bool, pipeline.Payload) {
		reply := pl.Dispatch("connect", sessionID, auth)
		status, _ := reply["status"].(string)
		return status == "refused", reply
	})
	s.Bus.OnDisconnect(func(sessionID string) {
		pl.Dispatch("disconnect", sessionID, pipeline.Payload{})
	})
}
