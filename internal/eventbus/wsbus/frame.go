// Package wsbus implements eventbus.Bus and eventbus.Client over
// gorilla/websocket: JSON frames carrying named events, with id-correlated
// ack bookkeeping for request/reply round trips.
package wsbus

import "github.com/petervdpas/duonet/internal/eventbus"

// frame is the single wire message exchanged in both directions. A frame
// with AckID set and IsAck false is a request awaiting a reply; the same
// AckID comes back with IsAck true once the remote's handler has run.
type frame struct {
	Event   string           `json:"event"`
	Payload eventbus.Payload `json:"payload,omitempty"`
	AckID   string           `json:"ack_id,omitempty"`
	IsAck   bool             `json:"is_ack,omitempty"`
}
