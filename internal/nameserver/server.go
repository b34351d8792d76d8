package nameserver

import (
	"log"
	"net"
	"sync/atomic"

	"github.com/petervdpas/duonet/internal/eventbus"
	"github.com/petervdpas/duonet/internal/wire"
)

// Server is the NS's TCP front end: one accepted connection, one framed
// request, one reply, then close.
type Server struct {
	Registry *Registry

	// Dial opens the liveness probe back to a newly-activated server. Tests
	// substitute a fake; production wires wsbus.Dial.
	Dial eventbus.Dialer

	listener net.Listener

	// probeSeq feeds probeToken so concurrent liveness dials for the same
	// URI/addr pair are distinguishable in logs.
	probeSeq atomic.Uint64
}

// NewServer creates a Server backed by reg, liveness-probing new actives
// with dial.
func NewServer(reg *Registry, dial eventbus.Dialer) *Server {
	return &Server{Registry: reg, Dial: dial}
}

// ListenAndServe accepts connections on addr until the listener is closed.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	log.Printf("NS: listening on %s", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	callerIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	req, err := wire.ReadRequest(conn)
	if err != nil {
		// Malformed payloads are skipped, no reply.
		log.Printf("NS: malformed request from %s: %v", conn.RemoteAddr(), err)
		return
	}

	rep, ok := s.dispatch(req, callerIP)
	if !ok {
		return
	}
	if err := wire.WriteReply(conn, rep); err != nil {
		log.Printf("NS: reply to %s: %v", conn.RemoteAddr(), err)
	}
}

func (s *Server) dispatch(req wire.Request, callerIP string) (wire.Reply, bool) {
	switch req.Kind {
	case wire.KindUpdateServer:
		active := s.Registry.UpdateServer(req.URI, req.Addr)
		if active {
			s.probeLiveness(req.URI, req.Addr)
		}
		return wire.Reply{Addr: req.Addr, ActiveServer: active}, true

	case wire.KindAddrRequest:
		addr, found := s.Registry.AddrRequest(req.URI, callerIP)
		status := 404
		if found {
			status = 200
		}
		return wire.Reply{ReqURI: req.URI, Addr: addr, Status: status}, true

	case wire.KindGetRandomServer:
		addr, _ := s.Registry.GetRandomServer(req.URI)
		return wire.Reply{Addr: addr}, true

	case wire.KindSetCurrentHost:
		if !s.Registry.SetCurrentServer(req.URI, req.NewAddr, req.OldAddr) {
			log.Printf("NS: set_current_server: %s not active for %s", req.OldAddr, req.URI)
		}
		return wire.Reply{}, true

	case wire.KindGetReplicaAddr:
		addr, _ := s.Registry.GetReplicaAddr(req.URI, req.MyAddr)
		return wire.Reply{Addr: addr}, true

	default:
		log.Printf("NS: unknown request kind %q", req.Kind)
		return wire.Reply{}, false
	}
}
