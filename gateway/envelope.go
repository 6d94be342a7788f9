// Package gateway exposes tracked session state over HTTP and websocket. It
// owns the event fan-out hub, the REST surface, and the push channel that the
// status sync client connects to.
package gateway

import (
	"time"

	"github.com/driftlab/pulse/tracker"
)

// Envelope is the wire format for every pushed event. Timestamps are
// server-side UTC.
type Envelope struct {
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// newEnvelope stamps an event with the current time.
func newEnvelope(sessionID string, event tracker.EventType, data map[string]interface{}) Envelope {
	return Envelope{
		Type:      string(event),
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Control message types exchanged as JSON text frames on the push channel.
// Keep-alives are application-level so plain HTTP proxies cannot eat them.
const (
	msgPing      = "ping"
	msgPong      = "pong"
	msgGetStatus = "get_status"
)

// inboundMessage is a client-to-server frame on the push channel.
type inboundMessage struct {
	Type string `json:"type"`
}
