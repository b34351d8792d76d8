package mainserver_test

import (
	"context"
	"testing"

	"github.com/petervdpas/duonet/internal/eventbus"
	"github.com/petervdpas/duonet/internal/mainserver"
	"github.com/petervdpas/duonet/internal/middleware/chatmw"
	"github.com/petervdpas/duonet/internal/pipeline"
)

// fakeBus captures the handlers registered on it so a test can drive them
// directly without a real transport.
type fakeBus struct {
	onConnect eventbus.ConnectHandler
}

func (f *fakeBus) On(string, eventbus.HandlerFunc)         {}
func (f *fakeBus) OnConnect(fn eventbus.ConnectHandler)    { f.onConnect = fn }
func (f *fakeBus) OnDisconnect(eventbus.DisconnectHandler) {}
func (f *fakeBus) Emit(string, string, eventbus.Payload)   {}
func (f *fakeBus) EmitWithAck(context.Context, string, string, eventbus.Payload) (eventbus.Payload, error) {
	return nil, nil
}
func (f *fakeBus) Broadcast(string, eventbus.Payload) {}
func (f *fakeBus) Close(string) error                 { return nil }
func (f *fakeBus) Shutdown() error                    { return nil }

func TestWireConnectRefusalReachesTheBus(t *testing.T) {
	bus := &fakeBus{}
	srv := mainserver.New("uri1", "http://127.0.0.1:9000", bus, nil, nil, 0)
	srv.Pipeline = pipeline.New(chatmw.New(srv))
	srv.Wire()

	srv.Users.Connect("sess1", "Alice", "uri1", false)

	refused, reply := bus.onConnect("sess2", pipeline.Payload{"username": "alice"})
	if !refused {
		t.Fatal("a duplicate-name connect must be reported as refused to the bus")
	}
	if reply["status"] != "refused" || reply["reason"] != "duplicate_name" {
		t.Fatalf("unexpected refusal reply: %v", reply)
	}
}

func TestWireConnectAcceptedIsNotRefused(t *testing.T) {
	bus := &fakeBus{}
	srv := mainserver.New("uri1", "http://127.0.0.1:9000", bus, nil, nil, 0)
	srv.Pipeline = pipeline.New(chatmw.New(srv))
	srv.Wire()

	refused, reply := bus.onConnect("sess1", pipeline.Payload{"username": "alice"})
	if refused {
		t.Fatalf("a fresh connect must not be refused, got reply %v", reply)
	}
}
