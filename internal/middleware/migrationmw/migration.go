// Package migrationmw implements the migration middleware. It owns the
// migrating latch shared with connect gating and runs the
// background handoff cycle that periodically tries to move this server's
// state to a freshly spawned process and retire.
package migrationmw

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/petervdpas/duonet/internal/chatlog"
	"github.com/petervdpas/duonet/internal/eventbus"
	"github.com/petervdpas/duonet/internal/mainserver"
	"github.com/petervdpas/duonet/internal/pipeline"
)

const (
	cycleInterval      = 30 * time.Second
	serverStartTimeout = 10 * time.Second
	migrateAckTimeout  = 10 * time.Second
)

// Middleware drives the migration state machine. srv.Migrating is the
// process-wide latch checked by onConnect and flipped by migrate().
type Middleware struct {
	srv  *mainserver.Server
	dial eventbus.Dialer
}

// New creates the Migration middleware. dial opens the outbound connection
// to the freshly spawned server during handoff.
func New(srv *mainserver.Server, dial eventbus.Dialer) *Middleware {
	return &Middleware{srv: srv, dial: dial}
}

func (m *Middleware) Name() string { return "migration" }

func (m *Middleware) Handlers() map[string]pipeline.Handler {
	return map[string]pipeline.Handler{
		"connect": m.onConnect,
		"migrate": m.onMigrate,
	}
}

// onConnect accepts a migration handoff's own connection unconditionally
// and short-circuits it (the new server needs no further pipeline
// processing for that session), and refuses ordinary connects while a
// handoff is in flight.
func (m *Middleware) onConnect(_ string, payload pipeline.Payload) (bool, pipeline.Payload) {
	if pipeline.AsBool(payload, "migration") {
		return false, pipeline.Payload{}
	}
	if m.srv.Migrating.Load() {
		return false, pipeline.Payload{"status": "refused", "reason": "migrating"}
	}
	return true, pipeline.Payload{}
}

// onMigrate is run by the new process receiving a handoff: adopt the
// outgoing server's transcript, threshold, and history-sent flag.
func (m *Middleware) onMigrate(_ string, payload pipeline.Payload) (bool, pipeline.Payload) {
	messages, _ := payload["messages"].([]any)
	restored := make(map[uint64]chatlog.Message, len(messages))
	for _, raw := range messages {
		pair, ok := raw.([]any)
		if !ok || len(pair) != 2 {
			continue
		}
		idx, ok := pipeline.AsUint64(pair[0])
		if !ok {
			continue
		}
		body, ok := pair[1].(map[string]any)
		if !ok {
			continue
		}
		name, _ := body["username"].(string)
		text, _ := body["message"].(string)
		restored[idx] = chatlog.Message{Index: idx, Username: name, Text: text}
	}
	m.srv.Log.Restore(restored)

	if mc, ok := pipeline.AsUint64(payload["min_user_count"]); ok {
		m.srv.MinUserCount.Store(int64(mc))
	}
	m.srv.HistorySent.Store(pipeline.AsBool(payload, "history_sent"))

	return false, pipeline.Payload{}
}

// Run sleeps cycleInterval, attempts migrate(), and repeats on failure. It
// returns once migrate() succeeds (the process is about to shut down) or
// ctx is cancelled.
func (m *Middleware) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(cycleInterval):
		}
		if m.migrate(ctx) {
			return
		}
	}
}

// migrate runs one handoff attempt end to end. It loops internally over
// victim selection (step 1-3) and returns true only once the handoff has
// completed and this process should terminate.
func (m *Middleware) migrate(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		sids := m.srv.Users.LiveSessionIDs()
		if len(sids) == 0 {
			return false
		}

		victim := sids[rand.Intn(len(sids))]
		ip, port, ok := m.askServerStart(victim)
		if !ok {
			continue
		}

		addr := fmt.Sprintf("http://%s:%s", ip, port)
		client, err := m.dial(ctx, addr, eventbus.Payload{"migration": true})
		if err != nil {
			log.Printf("MIGRATION: dial new server %s failed: %v", addr, err)
			continue
		}

		if m.handoff(ctx, client, addr) {
			return true
		}
	}
}

// askServerStart asks sessionID's client to spawn a new Main Server
// process and reports the address it started listening on.
func (m *Middleware) askServerStart(sessionID string) (ip, port string, ok bool) {
	ctx, cancel := context.WithTimeout(context.Background(), serverStartTimeout)
	defer cancel()

	reply, err := m.srv.Bus.EmitWithAck(ctx, sessionID, "server_start", pipeline.Payload{})
	if err != nil {
		return "", "", false
	}
	ip, _ = pipeline.AsString(reply, "ip")
	port, _ = pipeline.AsString(reply, "port")
	if ip == "" || port == "" {
		return "", "", false
	}
	return ip, port, true
}

// handoff runs steps 4-6: pause clients, ship state, swap the NS pointer,
// and broadcast reconnect. It returns true only after every step succeeds;
// on ack or set_current_server failure it un-latches migrating and lets the
// caller retry.
func (m *Middleware) handoff(ctx context.Context, client eventbus.Client, newAddr string) bool {
	defer client.Close()

	m.srv.Migrating.Store(true)
	m.srv.Bus.Broadcast("pause_messaging", pipeline.Payload{"pause_messaging": true})

	messages := m.srv.Log.Sorted()
	payload := make([]any, 0, len(messages))
	for _, msg := range messages {
		payload = append(payload, []any{
			msg.Index,
			pipeline.Payload{"username": msg.Username, "message": msg.Text},
		})
	}

	ackCtx, cancel := context.WithTimeout(ctx, migrateAckTimeout)
	_, err := client.EmitWithAck(ackCtx, "migrate", pipeline.Payload{
		"messages":       payload,
		"min_user_count": m.srv.MinUserCount.Load(),
		"history_sent":   m.srv.HistorySent.Load(),
	})
	cancel()
	if err != nil {
		log.Printf("MIGRATION: handoff to %s not acked, aborting: %v", newAddr, err)
		m.srv.Migrating.Store(false)
		return false
	}

	if err := m.srv.NS.SetCurrentServer(m.srv.URI, newAddr, m.srv.SelfAddr); err != nil {
		log.Printf("MIGRATION: set_current_server failed, aborting: %v", err)
		m.srv.Migrating.Store(false)
		return false
	}

	m.srv.Bus.Broadcast("reconnect", pipeline.Payload{})
	if err := m.srv.Bus.Shutdown(); err != nil {
		log.Printf("MIGRATION: bus shutdown: %v", err)
	}
	return true
}
