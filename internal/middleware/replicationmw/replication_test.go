package replicationmw

import (
	"context"
	"errors"
	"testing"

	"github.com/petervdpas/duonet/internal/eventbus"
	"github.com/petervdpas/duonet/internal/mainserver"
	"github.com/petervdpas/duonet/internal/pipeline"
)

// fakePeerClient is a minimal eventbus.Client test double for exercising
// onChat's peer round trip without a real websocket.
type fakePeerClient struct {
	ackReply eventbus.Payload
	ackErr   error
	emitted  []string
}

func (f *fakePeerClient) Emit(event string, _ eventbus.Payload) { f.emitted = append(f.emitted, event) }
func (f *fakePeerClient) EmitWithAck(context.Context, string, eventbus.Payload) (eventbus.Payload, error) {
	return f.ackReply, f.ackErr
}
func (f *fakePeerClient) On(string, func(eventbus.Payload))                         {}
func (f *fakePeerClient) OnRequest(string, func(eventbus.Payload) eventbus.Payload) {}
func (f *fakePeerClient) Close() error                                              { return nil }

func TestOnConnectReplicaAuthShortCircuitsWithoutDialing(t *testing.T) {
	srv := mainserver.New("uri1", "http://127.0.0.1:9000", nil, nil, nil, 0)
	m := New(srv, nil) // a dial attempt here would call the nil dialer

	passNext, reply := m.Handlers()["connect"]("replica-sess", pipeline.Payload{"replica_addr": "http://127.0.0.1:9001"})
	if passNext {
		t.Fatal("a replica pairing connect must short-circuit")
	}
	if reply["status"] != "OK" {
		t.Fatalf("unexpected reply: %v", reply)
	}
	if m.hasPeer() {
		t.Fatal("an inbound pairing connect must not create an outbound link; connect_other_server does that")
	}
}

func TestOnConnectOtherServerRedialsSender(t *testing.T) {
	srv := mainserver.New("uri1", "http://127.0.0.1:9000", nil, nil, nil, 0)
	var dialed []string
	dial := func(_ context.Context, addr string, _ eventbus.Payload) (eventbus.Client, error) {
		dialed = append(dialed, addr)
		return &fakePeerClient{}, nil
	}
	m := New(srv, dial)

	passNext, _ := m.Handlers()["connect_other_server"]("sess1", pipeline.Payload{"replica_addr": "http://127.0.0.1:9001"})
	if passNext {
		t.Fatal("connect_other_server must short-circuit")
	}
	if len(dialed) != 1 || dialed[0] != "http://127.0.0.1:9001" {
		t.Fatalf("expected one dial to the sender, got %v", dialed)
	}
	if !m.hasPeer() {
		t.Fatal("expected the sender adopted as the replica link")
	}
}

func TestOnSyncNextIndexAdvancesPastIncoming(t *testing.T) {
	srv := mainserver.New("uri1", "http://127.0.0.1:9000", nil, nil, nil, 0)
	m := New(srv, nil)

	_, reply := m.Handlers()["sync_next_index"]("sess1", pipeline.Payload{"message_index": float64(10)})
	if reply["next_index"] != uint64(11) {
		t.Fatalf("expected next_index 11 after reserving past 10, got %v", reply["next_index"])
	}

	// A second, lower reservation must still move strictly forward.
	_, reply = m.Handlers()["sync_next_index"]("sess1", pipeline.Payload{"message_index": float64(2)})
	if reply["next_index"] != uint64(12) {
		t.Fatalf("expected monotonic next_index 12, got %v", reply["next_index"])
	}
}

func TestOnChatWithoutPeerStampsLocalIndex(t *testing.T) {
	srv := mainserver.New("uri1", "http://127.0.0.1:9000", nil, nil, nil, 0)
	m := New(srv, nil)

	payload := pipeline.Payload{"username": "alice", "message": "hi"}
	passNext, _ := m.Handlers()["chat"]("sess1", payload)
	if !passNext {
		t.Fatal("with no peer, chat should always continue to Chat middleware")
	}
	if payload["message_index"] != uint64(0) {
		t.Fatalf("expected first local message to get index 0, got %v", payload["message_index"])
	}

	payload2 := pipeline.Payload{"username": "alice", "message": "again"}
	m.Handlers()["chat"]("sess1", payload2)
	if payload2["message_index"] != uint64(1) {
		t.Fatalf("expected the counter to advance, got %v", payload2["message_index"])
	}
}

func TestOnChatFillsUsernameFromSession(t *testing.T) {
	srv := mainserver.New("uri1", "http://127.0.0.1:9000", nil, nil, nil, 0)
	srv.Users.Connect("sess1", "Alice", "uri1", false)
	m := New(srv, nil)

	payload := pipeline.Payload{"message": "hi"}
	m.Handlers()["chat"]("sess1", payload)
	if payload["username"] != "Alice" {
		t.Fatalf("expected username to be resolved from the session, got %v", payload["username"])
	}
}

func TestOnChatWithPeerAckFailureStopsPropagation(t *testing.T) {
	srv := mainserver.New("uri1", "http://127.0.0.1:9000", nil, nil, nil, 0)
	m := New(srv, nil)
	m.peer = &fakePeerClient{ackErr: errors.New("timeout")}

	payload := pipeline.Payload{"username": "alice", "message": "hi"}
	passNext, reply := m.Handlers()["chat"]("sess1", payload)
	if passNext {
		t.Fatal("a lost ack must not let the message reach Chat middleware")
	}
	if len(reply) != 0 {
		t.Fatalf("expected an empty reply on ack failure, got %v", reply)
	}
}

func TestOnChatWithPeerAckSuccessConvergesCounter(t *testing.T) {
	srv := mainserver.New("uri1", "http://127.0.0.1:9000", nil, nil, nil, 0)
	m := New(srv, nil)
	m.peer = &fakePeerClient{ackReply: eventbus.Payload{"next_index": float64(7)}}

	payload := pipeline.Payload{"username": "alice", "message": "hi"}
	passNext, _ := m.Handlers()["chat"]("sess1", payload)
	if !passNext {
		t.Fatal("a successful ack should let the message continue to Chat")
	}

	m.idxMu.Lock()
	got := m.nextIndex
	m.idxMu.Unlock()
	if got != 8 {
		t.Fatalf("expected local counter to converge to max(local,remote)+1 = 8, got %d", got)
	}
}

func TestOnDisconnectIgnoresNonUserSessions(t *testing.T) {
	srv := mainserver.New("uri1", "http://127.0.0.1:9000", nil, nil, nil, 0)
	m := New(srv, nil)
	m.peer = &fakePeerClient{}

	passNext, _ := m.Handlers()["disconnect"]("replica-link-session", pipeline.Payload{})
	if !passNext {
		t.Fatal("disconnect should always pass through")
	}
	fp := m.peer.(*fakePeerClient)
	if len(fp.emitted) != 0 {
		t.Fatalf("a session that was never a registered user must not be mirrored to the peer, got %v", fp.emitted)
	}
}

func TestOnDisconnectMirrorsRealUser(t *testing.T) {
	srv := mainserver.New("uri1", "http://127.0.0.1:9000", nil, nil, nil, 0)
	srv.Users.Connect("sess1", "Alice", "uri1", false)
	m := New(srv, nil)
	m.peer = &fakePeerClient{}

	m.Handlers()["disconnect"]("sess1", pipeline.Payload{})
	fp := m.peer.(*fakePeerClient)
	if len(fp.emitted) != 1 || fp.emitted[0] != "disconnect_synced_user" {
		t.Fatalf("expected disconnect_synced_user mirrored to the peer, got %v", fp.emitted)
	}
}
