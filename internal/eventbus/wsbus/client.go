package wsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/duonet/internal/eventbus"
)

var _ eventbus.Client = (*client)(nil)

type client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu       sync.RWMutex
	handlers map[string]func(eventbus.Payload)
	requests map[string]func(eventbus.Payload) eventbus.Payload

	pendingMu sync.Mutex
	pending   map[string]chan eventbus.Payload

	closeOnce sync.Once
	done      chan struct{}
}

// Wait blocks until the connection's read loop has returned, i.e. the
// remote closed the socket or a read error occurred. Callers that need to
// react to an outbound Client going away (NS liveness probe) type-assert
// for this method rather than it being part of eventbus.Client, since most
// callers never need it.
func (c *client) Wait() {
	<-c.done
}

// Dial opens an outbound bus connection carrying auth as the handshake
// payload. It satisfies eventbus.Dialer and is used for replica pairing,
// the NS liveness probe, and dialing a migration target. addr may be a
// bare host:port or the registry's "http://IP:PORT" form.
func Dial(ctx context.Context, addr string, auth eventbus.Payload) (eventbus.Client, error) {
	host := strings.TrimPrefix(strings.TrimPrefix(addr, "http://"), "https://")
	u := url.URL{Scheme: "ws", Host: host, Path: "/bus"}
	if len(auth) > 0 {
		raw, err := json.Marshal(auth)
		if err != nil {
			return nil, fmt.Errorf("wsbus: encode auth: %w", err)
		}
		q := u.Query()
		q.Set("auth", string(raw))
		u.RawQuery = q.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("wsbus: dial %s: %w", addr, err)
	}

	c := &client{
		conn:     conn,
		handlers: make(map[string]func(eventbus.Payload)),
		requests: make(map[string]func(eventbus.Payload) eventbus.Payload),
		pending:  make(map[string]chan eventbus.Payload),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *client) readLoop() {
	defer close(c.done)
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}

		if f.IsAck {
			c.pendingMu.Lock()
			ch, ok := c.pending[f.AckID]
			if ok {
				delete(c.pending, f.AckID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- f.Payload
			}
			continue
		}

		c.mu.RLock()
		reqFn := c.requests[f.Event]
		fn := c.handlers[f.Event]
		c.mu.RUnlock()

		if f.AckID != "" && reqFn != nil {
			reply := reqFn(f.Payload)
			_ = c.send(frame{Event: f.Event, Payload: reply, AckID: f.AckID, IsAck: true})
			continue
		}
		if fn != nil {
			fn(f.Payload)
		}
	}
}

func (c *client) send(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(f)
}

func (c *client) Emit(event string, payload eventbus.Payload) {
	_ = c.send(frame{Event: event, Payload: payload})
}

func (c *client) EmitWithAck(ctx context.Context, event string, payload eventbus.Payload) (eventbus.Payload, error) {
	ackID := uuid.NewString()
	ch := make(chan eventbus.Payload, 1)
	c.pendingMu.Lock()
	c.pending[ackID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, ackID)
		c.pendingMu.Unlock()
	}()

	if err := c.send(frame{Event: event, Payload: payload, AckID: ackID}); err != nil {
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

func (c *client) On(event string, fn func(eventbus.Payload)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = fn
}

func (c *client) OnRequest(event string, fn func(eventbus.Payload) eventbus.Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests[event] = fn
}

func (c *client) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}
