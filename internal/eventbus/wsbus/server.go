package wsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/duonet/internal/eventbus"
)

var _ eventbus.Bus = (*Server)(nil)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ackTimeout bounds how long EmitWithAck waits when the caller's context
// carries no deadline of its own.
const ackTimeout = 10 * time.Second

type session struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
}

func (s *session) send(f frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(f)
}

// Server is the accepting side of the bus: one HTTP server upgrading every
// request on Path to a websocket session.
type Server struct {
	Path string // defaults to "/bus"

	mu         sync.RWMutex
	handlers   map[string]eventbus.HandlerFunc
	onConnect  eventbus.ConnectHandler
	onDisconn  eventbus.DisconnectHandler
	sessions   map[string]*session
	pending    map[string]chan eventbus.Payload
	pendingMu  sync.Mutex
	httpServer *http.Server
}

// New creates an unstarted Server. Call ListenAndServe to accept connections.
func New() *Server {
	return &Server{
		Path:     "/bus",
		handlers: make(map[string]eventbus.HandlerFunc),
		sessions: make(map[string]*session),
		pending:  make(map[string]chan eventbus.Payload),
	}
}

func (s *Server) On(event string, fn eventbus.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = fn
}

func (s *Server) OnConnect(fn eventbus.ConnectHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = fn
}

func (s *Server) OnDisconnect(fn eventbus.DisconnectHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconn = fn
}

// ListenAndServe starts the HTTP upgrade endpoint and blocks until it stops.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.Path, s.handleUpgrade)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	log.Printf("BUS: listening on %s%s", addr, s.Path)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("BUS: upgrade failed: %v", err)
		return
	}

	var auth eventbus.Payload
	if raw := r.URL.Query().Get("auth"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &auth)
	}

	sid := uuid.NewString()
	sess := &session{id: sid, conn: conn}

	s.mu.Lock()
	s.sessions[sid] = sess
	onConnect := s.onConnect
	s.mu.Unlock()

	if onConnect != nil {
		if refused, reply := onConnect(sid, auth); refused {
			_ = sess.send(frame{Event: "connect", Payload: reply})
			s.mu.Lock()
			delete(s.sessions, sid)
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
	}

	s.readLoop(sess)
}

func (s *Server) readLoop(sess *session) {
	defer s.teardown(sess)

	for {
		var f frame
		if err := sess.conn.ReadJSON(&f); err != nil {
			return
		}
		s.dispatch(sess, f)
	}
}

func (s *Server) dispatch(sess *session, f frame) {
	if f.IsAck {
		s.pendingMu.Lock()
		ch, ok := s.pending[f.AckID]
		if ok {
			delete(s.pending, f.AckID)
		}
		s.pendingMu.Unlock()
		if ok {
			ch <- f.Payload
		}
		return
	}

	s.mu.RLock()
	handler := s.handlers[f.Event]
	s.mu.RUnlock()

	if handler == nil {
		return
	}

	reply, ok := handler(sess.id, f.Payload)
	if f.AckID == "" || !ok {
		return
	}
	_ = sess.send(frame{Event: f.Event, Payload: reply, AckID: f.AckID, IsAck: true})
}

func (s *Server) teardown(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	onDisconn := s.onDisconn
	s.mu.Unlock()

	_ = sess.conn.Close()

	if onDisconn != nil {
		onDisconn(sess.id)
	}
}

func (s *Server) Emit(sessionID, event string, payload eventbus.Payload) {
	s.mu.RLock()
	sess := s.sessions[sessionID]
	s.mu.RUnlock()
	if sess == nil {
		return
	}
	if err := sess.send(frame{Event: event, Payload: payload}); err != nil {
		log.Printf("BUS: emit %s to %s: %v", event, sessionID, err)
	}
}

func (s *Server) EmitWithAck(ctx context.Context, sessionID, event string, payload eventbus.Payload) (eventbus.Payload, error) {
	s.mu.RLock()
	sess := s.sessions[sessionID]
	s.mu.RUnlock()
	if sess == nil {
		return nil, fmt.Errorf("wsbus: no such session %s", sessionID)
	}

	ackID := uuid.NewString()
	ch := make(chan eventbus.Payload, 1)
	s.pendingMu.Lock()
	s.pending[ackID] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, ackID)
		s.pendingMu.Unlock()
	}()

	if err := sess.send(frame{Event: event, Payload: payload, AckID: ackID}); err != nil {
		return nil, fmt.Errorf("wsbus: emit %s: %w", event, err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ackTimeout)
		defer cancel()
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) Broadcast(event string, payload eventbus.Payload) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if err := sess.send(frame{Event: event, Payload: payload}); err != nil {
			log.Printf("BUS: broadcast %s to %s: %v", event, sess.id, err)
		}
	}
}

func (s *Server) Close(sessionID string) error {
	s.mu.RLock()
	sess := s.sessions[sessionID]
	s.mu.RUnlock()
	if sess == nil {
		return fmt.Errorf("wsbus: no such session %s", sessionID)
	}
	return sess.conn.Close()
}

func (s *Server) Shutdown() error {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.conn.Close()
	}

	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
