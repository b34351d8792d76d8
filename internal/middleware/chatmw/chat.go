// Package chatmw implements the Chat middleware: the last node in the
// pipeline, owning the user roster's visible effects
// (join/leave announcements, history replay) and the message log.
package chatmw

import (
	"fmt"

	"github.com/petervdpas/duonet/internal/chatlog"
	"github.com/petervdpas/duonet/internal/mainserver"
	"github.com/petervdpas/duonet/internal/pipeline"
	"github.com/petervdpas/duonet/internal/util"
)

// ReplicaEmitFunc mirrors an event to the replication middleware's peer
// link. Chat has no direct handle on that link, so mainserver wiring
// injects replicationmw.Middleware.EmitToPeer here.
type ReplicaEmitFunc func(event string, payload pipeline.Payload)

// Middleware owns the user-visible consequences of connect/disconnect/chat:
// announcements, uuid handoff, history replay, and the transcript append.
type Middleware struct {
	srv         *mainserver.Server
	replicaEmit ReplicaEmitFunc
}

// New creates the Chat middleware.
func New(srv *mainserver.Server) *Middleware {
	return &Middleware{srv: srv}
}

// SetReplicaEmit wires the replication peer link in after both middlewares
// exist (mainserver construction order: Replication before Chat).
func (m *Middleware) SetReplicaEmit(fn ReplicaEmitFunc) {
	m.replicaEmit = fn
}

func (m *Middleware) Name() string { return "chat" }

func (m *Middleware) Handlers() map[string]pipeline.Handler {
	return map[string]pipeline.Handler{
		"connect":                m.onConnect,
		"sync_new_user":          m.onConnect,
		"disconnect":             m.onDisconnect,
		"disconnect_synced_user": m.onDisconnectSynced,
		"chat":                   m.onChat,
		"sync_next_index":        m.onChat,
		"update_p2p_uri":         m.onUpdateURI,
		"update_p2p_uri_replica": m.onUpdateURIReplica,
	}
}

// onConnect handles both a direct client's "connect" and a peer-forwarded
// "sync_new_user": the latter carries replicated: true and the originating
// session id, since the dispatch-level sessionID here is the replica link's
// own session, not the remote user's.
func (m *Middleware) onConnect(sessionID string, payload pipeline.Payload) (bool, pipeline.Payload) {
	name, ok := pipeline.AsString(payload, "username")
	if !ok || name == "" {
		return true, pipeline.Payload{}
	}
	uri, _ := pipeline.AsString(payload, "publicUri")
	replicated := pipeline.AsBool(payload, "replicated")

	// A peer-forwarded sync_new_user carries a name the origin server
	// already validated; only a direct client's own choice needs checking.
	if !replicated {
		validName, err := util.ValidatePeerName(name)
		if err != nil {
			return false, pipeline.Payload{"status": "refused", "reason": "invalid_name"}
		}
		name = validName
	}

	sid := sessionID
	if replicated {
		if psid, ok := pipeline.AsString(payload, "session_id"); ok && psid != "" {
			sid = psid
		}
	}

	u, reclaimed, ok := m.srv.Users.Connect(sid, name, uri, replicated)
	if !ok {
		return false, pipeline.Payload{"status": "refused", "reason": "duplicate_name"}
	}

	if replicated {
		return true, pipeline.Payload{"status": "OK"}
	}

	m.srv.Bus.Broadcast("server_message", pipeline.Payload{"message": fmt.Sprintf("✓ %s has connected", u.Name)})
	m.srv.Bus.Emit(sessionID, "send_uuid", pipeline.Payload{"uuid": u.UUID})

	reconnecting := pipeline.AsBool(payload, "reconnecting") || reclaimed
	if !reconnecting && int64(m.srv.Users.LiveCount()) >= m.srv.MinUserCount.Load() {
		history := m.historyPayload()
		if !m.srv.HistorySent.Load() {
			m.srv.HistorySent.Store(true)
			m.srv.Bus.Broadcast("message_history", history)
		} else {
			m.srv.Bus.Emit(sessionID, "message_history", history)
		}
	}

	return true, pipeline.Payload{"status": "OK"}
}

// onDisconnect handles a direct client's socket drop. It also fires for the
// replication link's own teardown; that session never ran user.Table.Connect
// so Disconnect reports not-found and nothing is broadcast.
func (m *Middleware) onDisconnect(sessionID string, _ pipeline.Payload) (bool, pipeline.Payload) {
	u, ok := m.srv.Users.Disconnect(sessionID)
	if !ok {
		return true, pipeline.Payload{}
	}
	if !u.Replicated {
		m.srv.Bus.Broadcast("server_message", pipeline.Payload{"message": fmt.Sprintf("✗ %s has disconnected", u.Name)})
	}
	return true, pipeline.Payload{}
}

// onDisconnectSynced tombstones a replicated counterpart without
// announcing it; the departure was already announced on its home server.
func (m *Middleware) onDisconnectSynced(_ string, payload pipeline.Payload) (bool, pipeline.Payload) {
	sid, ok := pipeline.AsString(payload, "session_id")
	if !ok || sid == "" {
		return true, pipeline.Payload{}
	}
	m.srv.Users.Disconnect(sid)
	return true, pipeline.Payload{}
}

// onChat handles both a direct client's "chat" (already stamped with
// message_index by Replication) and an inbound "sync_next_index" carrying
// the same fully-indexed message from a peer.
func (m *Middleware) onChat(_ string, payload pipeline.Payload) (bool, pipeline.Payload) {
	idx, ok := pipeline.AsUint64(payload["message_index"])
	if !ok {
		return true, pipeline.Payload{}
	}
	name, _ := pipeline.AsString(payload, "username")
	text, _ := pipeline.AsString(payload, "message")

	msg := chatlog.Message{Index: idx, Username: name, Text: text}
	m.srv.Log.Append(msg)

	if m.srv.HistorySent.Load() || int64(m.srv.Users.LiveCount()) >= m.srv.MinUserCount.Load() {
		m.srv.Bus.Broadcast("chat", pipeline.Payload{"index": idx, "username": name, "message": text})
	}
	return true, pipeline.Payload{}
}

// onUpdateURI re-binds the caller's published P2P endpoint and mirrors the
// change to the replica as update_p2p_uri_replica.
func (m *Middleware) onUpdateURI(sessionID string, payload pipeline.Payload) (bool, pipeline.Payload) {
	newURI, _ := pipeline.AsString(payload, "uri")
	newSID := sessionID
	if psid, ok := pipeline.AsString(payload, "session_id"); ok && psid != "" {
		newSID = psid
	}

	if _, ok := m.srv.Users.Rebind(sessionID, newSID, newURI); !ok {
		return true, pipeline.Payload{}
	}

	if m.replicaEmit != nil {
		m.replicaEmit("update_p2p_uri_replica", pipeline.Payload{
			"session_id":     sessionID,
			"new_session_id": newSID,
			"uri":            newURI,
		})
	}
	return true, pipeline.Payload{"status": "OK"}
}

// onUpdateURIReplica applies a peer's update_p2p_uri to our copy of its
// replicated user.
func (m *Middleware) onUpdateURIReplica(_ string, payload pipeline.Payload) (bool, pipeline.Payload) {
	oldSID, _ := pipeline.AsString(payload, "session_id")
	newSID, _ := pipeline.AsString(payload, "new_session_id")
	newURI, _ := pipeline.AsString(payload, "uri")
	if oldSID == "" || newSID == "" {
		return true, pipeline.Payload{}
	}
	m.srv.Users.Rebind(oldSID, newSID, newURI)
	return true, pipeline.Payload{}
}

// historyPayload builds message_history's wire shape: messages as a list
// of [index, {username, message}] pairs.
func (m *Middleware) historyPayload() pipeline.Payload {
	sorted := m.srv.Log.Sorted()
	messages := make([]any, 0, len(sorted))
	for _, msg := range sorted {
		messages = append(messages, []any{
			msg.Index,
			pipeline.Payload{"username": msg.Username, "message": msg.Text},
		})
	}
	return pipeline.Payload{"messages": messages}
}
