package p2pmw

import (
	"testing"

	"github.com/petervdpas/duonet/internal/pipeline"
)

func TestOnAddrRequestFound(t *testing.T) {
	m := New(func(name string) (string, string, bool) {
		if name == "alice" {
			return "http://1.2.3.4:5000", "uuid-1", true
		}
		return "", "", false
	})

	passNext, reply := m.Handlers()["addr_request"]("sess1", pipeline.Payload{"username": "alice"})
	if passNext {
		t.Fatal("addr_request should always short-circuit")
	}
	if reply["uri"] != "http://1.2.3.4:5000" || reply["uuid"] != "uuid-1" {
		t.Fatalf("unexpected reply: %v", reply)
	}
}

func TestOnAddrRequestNotFound(t *testing.T) {
	m := New(func(string) (string, string, bool) { return "", "", false })

	_, reply := m.Handlers()["addr_request"]("sess1", pipeline.Payload{"username": "ghost"})
	if reply["uri"] != nil || reply["uuid"] != nil {
		t.Fatalf("expected nil uri/uuid for an unknown user, got %v", reply)
	}
}
