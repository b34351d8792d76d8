package migrationmw

import (
	"testing"

	"github.com/petervdpas/duonet/internal/mainserver"
	"github.com/petervdpas/duonet/internal/pipeline"
)

func TestOnConnectAcceptsMigrationAuthUnconditionally(t *testing.T) {
	srv := mainserver.New("uri1", "http://127.0.0.1:9000", nil, nil, nil, 0)
	srv.Migrating.Store(true)
	m := New(srv, nil)

	passNext, _ := m.Handlers()["connect"]("sess1", pipeline.Payload{"migration": true})
	if passNext {
		t.Fatal("a migration handoff connection should short-circuit here")
	}
}

func TestOnConnectRefusesOrdinaryConnectsWhileMigrating(t *testing.T) {
	srv := mainserver.New("uri1", "http://127.0.0.1:9000", nil, nil, nil, 0)
	srv.Migrating.Store(true)
	m := New(srv, nil)

	passNext, reply := m.Handlers()["connect"]("sess1", pipeline.Payload{"username": "alice"})
	if passNext {
		t.Fatal("ordinary connects must be refused while migrating")
	}
	if reply["status"] != "refused" || reply["reason"] != "migrating" {
		t.Fatalf("unexpected refusal payload: %v", reply)
	}
}

func TestOnConnectPassesThroughWhenNotMigrating(t *testing.T) {
	srv := mainserver.New("uri1", "http://127.0.0.1:9000", nil, nil, nil, 0)
	m := New(srv, nil)

	passNext, _ := m.Handlers()["connect"]("sess1", pipeline.Payload{"username": "alice"})
	if !passNext {
		t.Fatal("ordinary connects should fall through to Replication when not migrating")
	}
}

func TestOnMigrateRestoresLogAndThreshold(t *testing.T) {
	srv := mainserver.New("uri1", "http://127.0.0.1:9000", nil, nil, nil, 0)
	m := New(srv, nil)

	payload := pipeline.Payload{
		"messages": []any{
			[]any{float64(0), map[string]any{"username": "alice", "message": "hi"}},
			[]any{float64(1), map[string]any{"username": "bob", "message": "yo"}},
		},
		"min_user_count": float64(3),
		"history_sent":   true,
	}

	passNext, _ := m.Handlers()["migrate"]("sess1", payload)
	if passNext {
		t.Fatal("migrate should short-circuit, the new process needs no further pipeline handling")
	}

	if srv.Log.Len() != 2 {
		t.Fatalf("expected 2 restored messages, got %d", srv.Log.Len())
	}
	got, ok := srv.Log.Get(0)
	if !ok || got.Username != "alice" || got.Text != "hi" {
		t.Fatalf("unexpected restored message at index 0: %+v", got)
	}
	if srv.MinUserCount.Load() != 3 {
		t.Fatalf("expected min_user_count restored to 3, got %d", srv.MinUserCount.Load())
	}
	if !srv.HistorySent.Load() {
		t.Fatal("expected history_sent restored to true")
	}
}
