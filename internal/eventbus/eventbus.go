// Package eventbus defines the abstract realtime transport used between
// clients and Main Servers, and between Main Server peers: named events
// delivered with a session id and a payload, supporting targeted emits,
// acknowledgements, and connect/disconnect signals. This package is the
// boundary interface; internal/eventbus/wsbus is the one concrete
// implementation shipped with this module.
package eventbus

import "context"

// Payload is the JSON-shaped map every event carries.
type Payload = map[string]any

// HandlerFunc handles one named event for one session. It returns whether
// the caller should treat the event as acknowledged with reply, mirroring
// the three handler return shapes used by the middleware pipeline: a
// handler that never acks simply returns (nil, false).
type HandlerFunc func(sessionID string, payload Payload) (reply Payload, ok bool)

// ConnectHandler is invoked once per accepted session, with the auth
// payload the connection opened with. If refused is true, the Bus sends
// reply to the session as the connect event's outcome and closes it without
// ever entering its read loop. Duplicate-name and migrating-gate refusals
// reach the transport this way.
type ConnectHandler func(sessionID string, auth Payload) (refused bool, reply Payload)

// DisconnectHandler is invoked once per session teardown.
type DisconnectHandler func(sessionID string)

// Bus is the server side of the transport: it accepts inbound sessions and
// can address any of them by session id.
type Bus interface {
	// On registers the handler for a named event, replacing any prior one.
	On(event string, fn HandlerFunc)
	OnConnect(fn ConnectHandler)
	OnDisconnect(fn DisconnectHandler)

	// Emit sends a fire-and-forget event to one session.
	Emit(sessionID, event string, payload Payload)
	// EmitWithAck sends an event to one session and blocks until that
	// session acks it (or ctx is done).
	EmitWithAck(ctx context.Context, sessionID, event string, payload Payload) (Payload, error)
	// Broadcast sends a fire-and-forget event to every connected session.
	Broadcast(event string, payload Payload)

	// Close forcibly disconnects one session.
	Close(sessionID string) error
	// Shutdown stops accepting new sessions and disconnects all existing ones.
	Shutdown() error
}

// Client is an outbound connection opened by this process to a remote Bus
// (NS liveness probe, replica pairing, migration handoff, migration target
// dial). Exactly one session exists on the far side for the lifetime of
// a Client.
type Client interface {
	Emit(event string, payload Payload)
	EmitWithAck(ctx context.Context, event string, payload Payload) (Payload, error)
	On(event string, fn func(payload Payload))
	// OnRequest registers a handler for an event the remote side emits with
	// EmitWithAck: fn's return value is sent back as that call's ack. Used
	// by a chat client answering the Main Server's server_start request.
	OnRequest(event string, fn func(payload Payload) Payload)
	Close() error
}

// Dialer opens a Client connection carrying the given auth payload.
type Dialer func(ctx context.Context, addr string, auth Payload) (Client, error)
