package nameserver

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"

	"golang.org/x/crypto/blake2b"

	"github.com/petervdpas/duonet/internal/eventbus"
)

// probeToken derives a short, human-loggable id for one liveness dial from
// uri, addr, and a monotonic sequence number, so concurrent probes for the
// same pair are distinguishable in logs without a raw counter leaking
// across restarts.
func probeToken(uri, addr string, seq uint64) string {
	sum := blake2b.Sum256([]byte(fmt.Sprintf("%s|%s|%d", uri, addr, seq)))
	return hex.EncodeToString(sum[:4])
}

// probeLiveness opens a secondary event-bus connection back to addr with
// auth {dns_polling: true}. The server's DNS middleware, at the head of
// its pipeline, accepts the probe and stops it there. If the dial fails
// outright, the new active is dropped immediately, symmetric to an
// immediate disconnect.
func (s *Server) probeLiveness(uri, addr string) {
	if s.Dial == nil {
		return
	}

	token := probeToken(uri, addr, s.probeSeq.Add(1))

	go func() {
		cl, err := s.Dial(context.Background(), addr, eventbus.Payload{"dns_polling": true, "probe_id": token})
		if err != nil {
			log.Printf("NS: liveness dial %s to %s failed, evicting: %v", token, addr, err)
			s.Registry.OnDisconnect(addr)
			return
		}

		cl.On("server_down_dns", func(eventbus.Payload) {
			log.Printf("NS: %s signaled server_down_dns on probe %s, closing liveness link", addr, token)
			_ = cl.Close()
		})

		s.watchDisconnect(cl, addr, token)
	}()
}

// watchDisconnect is split out so tests can drive a fake Client without a
// real websocket disconnect signal; production Clients close their read
// loop (and so this call) exactly when the underlying connection drops.
func (s *Server) watchDisconnect(cl eventbus.Client, addr, token string) {
	waitForClose(cl)
	log.Printf("NS: liveness link %s to %s closed, evicting", token, addr)
	s.Registry.OnDisconnect(addr)
}

// waitForClose blocks until cl reports disconnection. The wsbus.Client
// implementation surfaces this by having ReadJSON return, which this
// package observes through a Wait() method when the Client has one; a
// Client without Wait() returns immediately.
func waitForClose(cl eventbus.Client) {
	if w, ok := cl.(interface{ Wait() }); ok {
		w.Wait()
		return
	}
}
