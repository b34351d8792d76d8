package nameserver

import "testing"

func TestSeedKnownAddsCandidatesWithoutActivating(t *testing.T) {
	r := NewRegistry()
	r.SeedKnown([]string{"seed1", "seed2"})

	if actives := r.Actives("uri1"); len(actives) != 0 {
		t.Fatalf("seeding must not activate any address, got %v", actives)
	}
	addr, ok := r.GetRandomServer("uri1")
	if !ok || (addr != "seed1" && addr != "seed2") {
		t.Fatalf("expected a seeded address as a migration candidate, got %q ok=%v", addr, ok)
	}
}

func TestUpdateServerCapsAtTwoActives(t *testing.T) {
	r := NewRegistry()

	if active := r.UpdateServer("uri1", "a1"); !active {
		t.Fatal("first registration should be active")
	}
	if active := r.UpdateServer("uri1", "a2"); !active {
		t.Fatal("second registration should be active")
	}
	if active := r.UpdateServer("uri1", "a3"); active {
		t.Fatal("third registration should not be active, NS already has two")
	}

	known := r.Known()
	if len(known) != 3 {
		t.Fatalf("expected all three registrations in known, got %v", known)
	}
	actives := r.Actives("uri1")
	if len(actives) != 2 {
		t.Fatalf("expected 2 actives, got %v", actives)
	}
}

func TestAddrRequestEmptyURI(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.AddrRequest("nothing", "1.2.3.4"); ok {
		t.Fatal("expected not found for unregistered uri")
	}
}

func TestGetRandomServerExcludesActives(t *testing.T) {
	r := NewRegistry()
	r.UpdateServer("uri1", "a1")
	r.UpdateServer("uri1", "a2")
	r.UpdateServer("uri1", "a3") // known but not active, NS already full

	addr, ok := r.GetRandomServer("uri1")
	if !ok {
		t.Fatal("expected an inactive candidate")
	}
	if addr != "a3" {
		t.Fatalf("expected a3 (the only non-active known addr), got %q", addr)
	}
}

func TestGetRandomServerNoneAvailable(t *testing.T) {
	r := NewRegistry()
	r.UpdateServer("uri1", "a1")
	if _, ok := r.GetRandomServer("uri1"); ok {
		t.Fatal("expected no migration candidate when every known addr is active")
	}
}

func TestSetCurrentServerSwapsPointer(t *testing.T) {
	r := NewRegistry()
	r.UpdateServer("uri1", "old")

	if !r.SetCurrentServer("uri1", "new", "old") {
		t.Fatal("expected swap to succeed")
	}
	actives := r.Actives("uri1")
	if len(actives) != 1 || actives[0] != "new" {
		t.Fatalf("expected actives=[new], got %v", actives)
	}
	for _, a := range r.Known() {
		if a == "old" {
			t.Fatal("old address should no longer be known after the swap")
		}
	}
}

func TestSetCurrentServerUnknownOldIsNoop(t *testing.T) {
	r := NewRegistry()
	r.UpdateServer("uri1", "a1")
	if r.SetCurrentServer("uri1", "new", "never-registered") {
		t.Fatal("expected no-op when oldAddr isn't active")
	}
}

func TestGetReplicaAddrExcludesSelf(t *testing.T) {
	r := NewRegistry()
	r.UpdateServer("uri1", "a1")
	r.UpdateServer("uri1", "a2")

	addr, ok := r.GetReplicaAddr("uri1", "a1")
	if !ok || addr != "a2" {
		t.Fatalf("expected a2, got %q ok=%v", addr, ok)
	}

	r.OnDisconnect("a2")
	if _, ok := r.GetReplicaAddr("uri1", "a1"); ok {
		t.Fatal("expected no replica once only self remains")
	}
}

func TestOnDisconnectEvictsFromActivesAndKnown(t *testing.T) {
	r := NewRegistry()
	r.UpdateServer("uri1", "a1")
	r.UpdateServer("uri1", "a2")

	r.OnDisconnect("a1")

	actives := r.Actives("uri1")
	if len(actives) != 1 || actives[0] != "a2" {
		t.Fatalf("expected actives=[a2] after evicting a1, got %v", actives)
	}
	for _, a := range r.Known() {
		if a == "a1" {
			t.Fatal("a1 should be gone from known after eviction")
		}
	}
}
