package pipeline

import "testing"

type fakeMW struct {
	name     string
	handlers map[string]Handler
}

func (f *fakeMW) Name() string                 { return f.name }
func (f *fakeMW) Handlers() map[string]Handler { return f.handlers }

func TestEventNamesIsUnionExcludingConnectDisconnect(t *testing.T) {
	a := &fakeMW{name: "a", handlers: map[string]Handler{
		"connect": func(string, Payload) (bool, Payload) { return true, nil },
		"chat":    func(string, Payload) (bool, Payload) { return true, nil },
	}}
	b := &fakeMW{name: "b", handlers: map[string]Handler{
		"disconnect": func(string, Payload) (bool, Payload) { return true, nil },
		"migrate":    func(string, Payload) (bool, Payload) { return true, nil },
	}}

	p := New(a, b)
	names := p.EventNames()

	want := map[string]bool{"chat": true, "migrate": true}
	if len(names) != len(want) {
		t.Fatalf("expected %d dynamic event names, got %v", len(want), names)
	}
	for _, n := range names {
		if !want[n] {
			t.Fatalf("unexpected event name %q in union", n)
		}
	}
}

func TestDispatchShortCircuitsOnPassFalse(t *testing.T) {
	called := false
	a := &fakeMW{name: "a", handlers: map[string]Handler{
		"chat": func(string, Payload) (bool, Payload) { return false, Payload{"from": "a"} },
	}}
	b := &fakeMW{name: "b", handlers: map[string]Handler{
		"chat": func(string, Payload) (bool, Payload) { called = true; return true, Payload{"from": "b"} },
	}}

	p := New(a, b)
	reply := p.Dispatch("chat", "sess1", Payload{})

	if called {
		t.Fatal("successor should never run once a node returns passNext=false")
	}
	if reply["from"] != "a" {
		t.Fatalf("expected the short-circuiting node's reply, got %v", reply)
	}
}

func TestDispatchMergesWithSuccessorWinning(t *testing.T) {
	a := &fakeMW{name: "a", handlers: map[string]Handler{
		"chat": func(string, Payload) (bool, Payload) { return true, Payload{"status": "a", "from_a": true} },
	}}
	b := &fakeMW{name: "b", handlers: map[string]Handler{
		"chat": func(string, Payload) (bool, Payload) { return true, Payload{"status": "b"} },
	}}

	p := New(a, b)
	reply := p.Dispatch("chat", "sess1", Payload{})

	if reply["status"] != "b" {
		t.Fatalf("expected successor's value to win on key collision, got %v", reply["status"])
	}
	if reply["from_a"] != true {
		t.Fatalf("expected non-colliding keys from the earlier node to survive, got %v", reply)
	}
}

func TestDispatchMissingHandlerPassesThrough(t *testing.T) {
	a := &fakeMW{name: "a", handlers: map[string]Handler{}}
	b := &fakeMW{name: "b", handlers: map[string]Handler{
		"chat": func(string, Payload) (bool, Payload) { return true, Payload{"status": "OK"} },
	}}

	p := New(a, b)
	reply := p.Dispatch("chat", "sess1", Payload{})
	if reply["status"] != "OK" {
		t.Fatalf("expected a node with no handler for the event to pass through, got %v", reply)
	}
}

func TestAsUint64Conversions(t *testing.T) {
	cases := []struct {
		in   any
		want uint64
		ok   bool
	}{
		{uint64(5), 5, true},
		{float64(5), 5, true},
		{int(5), 5, true},
		{int64(5), 5, true},
		{"5", 0, false},
		{nil, 0, false},
	}
	for _, c := range cases {
		got, ok := AsUint64(c.in)
		if got != c.want || ok != c.ok {
			t.Errorf("AsUint64(%v) = (%v, %v), want (%v, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestAsStringAndAsBool(t *testing.T) {
	p := Payload{"name": "alice", "flag": true, "wrong_type": 5}

	if s, ok := AsString(p, "name"); !ok || s != "alice" {
		t.Fatalf("AsString(name) = (%q, %v)", s, ok)
	}
	if _, ok := AsString(p, "missing"); ok {
		t.Fatal("expected missing key to report not-ok")
	}
	if _, ok := AsString(p, "wrong_type"); ok {
		t.Fatal("expected wrong-typed value to report not-ok")
	}
	if !AsBool(p, "flag") {
		t.Fatal("expected flag to be true")
	}
	if AsBool(p, "missing") {
		t.Fatal("expected missing bool key to default false")
	}
}
