// Package replicationmw implements the active/active replication
// middleware. It pairs with one peer Main Server (learned from the Name
// Server's get_replica_addr), forwards new/departing users and chat index
// reservations across that link, and converges the shared next_index
// counter via the documented max(local,remote)+1 rule.
package replicationmw

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/duonet/internal/eventbus"
	"github.com/petervdpas/duonet/internal/mainserver"
	"github.com/petervdpas/duonet/internal/pipeline"
)

const (
	ackTimeout  = 10 * time.Second
	dialTimeout = 10 * time.Second
)

// Middleware holds the chat-index counter and the one outbound link to a
// replica peer. A message is stamped with the counter's current value, and
// the counter advances only when the peer acknowledges it; a lost ack
// leaves the counter unchanged, so the next message is stamped with the
// same index.
type Middleware struct {
	srv  *mainserver.Server
	dial eventbus.Dialer

	idxMu     sync.Mutex
	nextIndex uint64

	peerMu sync.Mutex
	peer   eventbus.Client
}

// New creates the Replication middleware. dial opens the outbound link to a
// peer's Bus; in production this is wsbus.Dial.
func New(srv *mainserver.Server, dial eventbus.Dialer) *Middleware {
	return &Middleware{srv: srv, dial: dial}
}

func (m *Middleware) Name() string { return "replication" }

func (m *Middleware) Handlers() map[string]pipeline.Handler {
	return map[string]pipeline.Handler{
		"connect":              m.onConnect,
		"disconnect":           m.onDisconnect,
		"connect_other_server": m.onConnectOtherServer,
		"sync_next_index":      m.onSyncNextIndex,
		"chat":                 m.onChat,
	}
}

// Start asks the Name Server for an already-active replica of srv.URI and
// pairs with it if one exists. Call once at boot; later re-pairing arrives
// as a connect_other_server event.
func (m *Middleware) Start() {
	addr, found, err := m.srv.NS.ReplicaAddr(m.srv.URI, m.srv.SelfAddr)
	if err != nil {
		log.Printf("REPLICATION: replica lookup failed: %v", err)
		return
	}
	if found && addr != "" {
		m.pairWith(addr)
	}
}

// pairWith dials addr and tells it to adopt us as its replica: dial with
// auth {replica_addr: self}, then send connect_other_server so the peer
// replaces whatever link it already has.
func (m *Middleware) pairWith(addr string) {
	m.connectToPeer(addr)
	m.emitToPeer("connect_other_server", pipeline.Payload{"replica_addr": m.srv.SelfAddr})
}

// onConnect recognizes a replica pairing handshake (auth carries
// replica_addr) and short-circuits it without dialing back: the peer asks
// for a return link explicitly via connect_other_server, which keeps two
// pairing servers from re-dialing each other forever. A real user connect
// with a paired replica is mirrored onward as sync_new_user.
func (m *Middleware) onConnect(sessionID string, payload pipeline.Payload) (bool, pipeline.Payload) {
	if addr, ok := pipeline.AsString(payload, "replica_addr"); ok && addr != "" {
		return false, pipeline.Payload{"status": "OK"}
	}

	if name, ok := pipeline.AsString(payload, "username"); ok && name != "" && m.hasPeer() {
		fwd := pipeline.Payload{}
		for k, v := range payload {
			fwd[k] = v
		}
		fwd["replicated"] = true
		fwd["session_id"] = sessionID
		m.emitToPeer("sync_new_user", fwd)
	}
	return true, pipeline.Payload{}
}

// onDisconnect mirrors a real user's departure to the replica. The replica
// pairing session itself also fires "disconnect" when the link drops; it
// never went through user.Table.Connect, so it is ignored here.
func (m *Middleware) onDisconnect(sessionID string, _ pipeline.Payload) (bool, pipeline.Payload) {
	if _, ok := m.srv.Users.ByID(sessionID); !ok {
		return true, pipeline.Payload{}
	}
	if m.hasPeer() {
		m.emitToPeer("disconnect_synced_user", pipeline.Payload{"session_id": sessionID})
	}
	return true, pipeline.Payload{}
}

// onConnectOtherServer tears down the existing replica link, if any, and
// dials the sender's address instead.
func (m *Middleware) onConnectOtherServer(_ string, payload pipeline.Payload) (bool, pipeline.Payload) {
	if addr, ok := pipeline.AsString(payload, "replica_addr"); ok && addr != "" {
		m.connectToPeer(addr)
	}
	return false, pipeline.Payload{"status": "OK"}
}

// onSyncNextIndex is the receiving side of a peer's index reservation:
// advance the local counter past the incoming value and report the new
// value back as the ack payload.
func (m *Middleware) onSyncNextIndex(_ string, payload pipeline.Payload) (bool, pipeline.Payload) {
	incoming, _ := pipeline.AsUint64(payload["message_index"])

	m.idxMu.Lock()
	next := m.nextIndex
	if incoming > next {
		next = incoming
	}
	next++
	m.nextIndex = next
	m.idxMu.Unlock()

	return true, pipeline.Payload{"next_index": next}
}

// onChat stamps message_index on an originating chat message. With no
// replica it assigns the next local index outright. With a replica, it
// releases the index lock across the round trip, stamps the index it held
// at emit time (not the peer's reply), and only lets the message continue
// to Chat if the peer's ack arrives.
func (m *Middleware) onChat(sessionID string, payload pipeline.Payload) (bool, pipeline.Payload) {
	if _, ok := pipeline.AsString(payload, "username"); !ok {
		if u, ok := m.srv.Users.ByID(sessionID); ok {
			payload["username"] = u.Name
		}
	}

	peer := m.getPeer()
	if peer == nil {
		m.idxMu.Lock()
		idx := m.nextIndex
		m.nextIndex++
		m.idxMu.Unlock()
		payload["message_index"] = idx
		return true, pipeline.Payload{}
	}

	m.idxMu.Lock()
	idx := m.nextIndex
	m.idxMu.Unlock()
	payload["message_index"] = idx

	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	ack, err := peer.EmitWithAck(ctx, "sync_next_index", payload)
	if err != nil {
		log.Printf("REPLICATION: sync_next_index ack for message %d never arrived, not broadcasting locally: %v", idx, err)
		return false, pipeline.Payload{}
	}

	reserved, _ := pipeline.AsUint64(ack["next_index"])
	m.idxMu.Lock()
	next := m.nextIndex
	if reserved > next {
		next = reserved
	}
	next++
	m.nextIndex = next
	m.idxMu.Unlock()

	return true, pipeline.Payload{}
}

func (m *Middleware) connectToPeer(addr string) {
	m.peerMu.Lock()
	old := m.peer
	m.peerMu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	c, err := m.dial(ctx, addr, eventbus.Payload{"replica_addr": m.srv.SelfAddr})
	if err != nil {
		log.Printf("REPLICATION: dial replica %s: %v", addr, err)
		return
	}

	m.peerMu.Lock()
	m.peer = c
	m.peerMu.Unlock()
	log.Printf("REPLICATION: paired with %s", addr)
}

func (m *Middleware) getPeer() eventbus.Client {
	m.peerMu.Lock()
	defer m.peerMu.Unlock()
	return m.peer
}

func (m *Middleware) hasPeer() bool { return m.getPeer() != nil }

func (m *Middleware) emitToPeer(event string, payload pipeline.Payload) {
	if peer := m.getPeer(); peer != nil {
		peer.Emit(event, payload)
	}
}

// EmitToPeer is the exported form of emitToPeer, used by chatmw to mirror
// update_p2p_uri onto the replica link it does not otherwise have access to.
func (m *Middleware) EmitToPeer(event string, payload pipeline.Payload) {
	m.emitToPeer(event, payload)
}
