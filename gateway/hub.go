package gateway

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/driftlab/pulse/logging"
	"github.com/driftlab/pulse/tracker"
)

// Subscription is one consumer of a session's event stream. Events arrives on
// C; the channel is closed when the hub drops the subscriber, either on
// Unsubscribe or because it fell too far behind.
type Subscription struct {
	C         chan Envelope
	sessionID string
	closed    bool
}

// Hub fans tracker events out to per-session subscribers. It implements
// tracker.Emitter. Sends never block: a subscriber whose buffer is full is
// dropped so one stalled connection cannot delay the mutating workflow.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	logger *logrus.Entry
}

// NewHub creates a hub with the given per-subscriber buffer size.
func NewHub(sendBuffer int) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: sendBuffer,
		logger: logging.NewLogger("gateway"),
	}
}

// Subscribe registers a consumer for one session's events.
func (h *Hub) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		C:         make(chan Envelope, h.buffer),
		sessionID: sessionID,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*Subscription]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
	h.logger.WithFields(logrus.Fields{
		"session_id":  sessionID,
		"subscribers": len(h.subs[sessionID]),
	}).Debug("Subscriber added")
	return sub
}

// Unsubscribe removes a consumer and closes its channel. Safe to call more
// than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop(sub)
}

// drop removes and closes a subscription. Callers hold h.mu.
func (h *Hub) drop(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	if set, ok := h.subs[sub.sessionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.sessionID)
		}
	}
	close(sub.C)
}

// Emit implements tracker.Emitter. The envelope is offered to every
// subscriber of the session; any subscriber with a full buffer is dropped.
func (h *Hub) Emit(sessionID string, event tracker.EventType, data map[string]interface{}) {
	env := newEnvelope(sessionID, event, data)

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[sessionID] {
		select {
		case sub.C <- env:
		default:
			h.logger.WithField("session_id", sessionID).
				Warn("Dropping slow subscriber, send buffer full")
			h.drop(sub)
		}
	}
}

// SubscriberCount returns the number of live subscribers for a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}
