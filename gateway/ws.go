package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/driftlab/pulse/tracker"
)

const (
	writeTimeout   = 10 * time.Second
	maxInboundSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The daemon binds to loopback; origin checks add nothing there and
	// break port-forwarded setups.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and streams the session's events.
// The first frame is always a full status.update snapshot so the client can
// seed its state without a separate poll.
func (a *API) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	log := a.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"remote":     conn.RemoteAddr().String(),
	})
	log.Info("Push channel connected")
	defer log.Info("Push channel closed")

	sub := a.hub.Subscribe(sessionID)
	defer a.hub.Unsubscribe(sub)

	// Control replies from the read loop, merged into the single writer.
	outbound := make(chan Envelope, 8)
	outbound <- a.snapshotEnvelope(sessionID)

	done := make(chan struct{})
	defer close(done)
	go a.writeLoop(conn, sub, outbound, done)

	a.readLoop(conn, sessionID, outbound)
}

// readLoop consumes client frames until the connection drops. Malformed
// frames are ignored; the channel only carries small control messages.
func (a *API) readLoop(conn *websocket.Conn, sessionID string, outbound chan<- Envelope) {
	conn.SetReadLimit(maxInboundSize)
	readTimeout := 2 * a.idleTimeout

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.logger.WithError(err).Debug("Push channel read error")
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			a.logger.Debug("Ignoring malformed push channel frame")
			continue
		}

		switch msg.Type {
		case msgPing:
			a.offer(outbound, Envelope{Type: msgPong, Timestamp: time.Now().UTC()})
		case msgPong:
			// Reply to our own idle ping; the read deadline reset above is
			// all the bookkeeping needed.
		case msgGetStatus:
			a.offer(outbound, a.snapshotEnvelope(sessionID))
		}
	}
}

// offer enqueues a control reply without ever blocking the read loop.
func (a *API) offer(outbound chan<- Envelope, env Envelope) {
	select {
	case outbound <- env:
	default:
	}
}

// writeLoop is the sole writer on the connection. It merges hub events and
// control replies, and pings the client after idleTimeout of outbound
// silence.
func (a *API) writeLoop(conn *websocket.Conn, sub *Subscription, outbound <-chan Envelope, done <-chan struct{}) {
	idle := time.NewTimer(a.idleTimeout)
	defer idle.Stop()

	write := func(env Envelope) bool {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(env); err != nil {
			conn.Close()
			return false
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(a.idleTimeout)
		return true
	}

	for {
		select {
		case env, ok := <-sub.C:
			if !ok {
				// Dropped by the hub; closing unblocks the read loop.
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscriber dropped"),
					time.Now().Add(writeTimeout))
				conn.Close()
				return
			}
			if !write(env) {
				return
			}
		case env := <-outbound:
			if !write(env) {
				return
			}
		case <-idle.C:
			if !write(Envelope{Type: msgPing, Timestamp: time.Now().UTC()}) {
				return
			}
		case <-done:
			return
		}
	}
}

// snapshotEnvelope wraps the session's current full state. Unknown sessions
// get a synthetic pending snapshot rather than an error; the session may
// simply not have reached the tracker yet.
func (a *API) snapshotEnvelope(sessionID string) Envelope {
	status, err := a.tracker.GetStatus(sessionID)
	if err != nil {
		status = syntheticStatus(sessionID)
	}
	return newEnvelope(sessionID, tracker.EventStatusUpdate, map[string]interface{}{
		"status": status,
	})
}
