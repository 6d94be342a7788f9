// Package statussync keeps a local mirror of one session's execution status.
// It seeds over HTTP, upgrades to the websocket push channel, and degrades to
// polling when the push channel cannot be held open.
package statussync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/driftlab/pulse/config"
	"github.com/driftlab/pulse/gateway"
	"github.com/driftlab/pulse/logging"
	"github.com/driftlab/pulse/tracker"
)

// State is the sync client's transport state.
type State string

const (
	// StateSeeding is the initial fetch before any transport is chosen.
	StateSeeding State = "seeding"
	// StatePush means the websocket push channel is live.
	StatePush State = "push-connected"
	// StateReconnecting means the push channel dropped and reconnect
	// attempts are in flight; polling covers the gap.
	StateReconnecting State = "reconnecting"
	// StatePolling is the permanent degraded mode after reconnects are
	// exhausted.
	StatePolling State = "polling-degraded"
	// StateStopped means the client was detached cleanly.
	StateStopped State = "stopped"
)

// ActivityLogEntry is one row of the client-side activity log, newest first.
type ActivityLogEntry struct {
	ID        int64                  `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Summary   string                 `json:"summary"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Client mirrors one session's status from a pulse gateway.
type Client struct {
	baseURL   string
	wsURL     string
	sessionID string
	cfg       config.ClientConfig

	http   *http.Client
	dialer *websocket.Dialer
	logger *logrus.Entry

	mu      sync.Mutex
	state   State
	status  *tracker.ExecutionStatus
	log     []ActivityLogEntry
	seq     int64
	updated chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a sync client for one session. baseURL is the gateway's
// HTTP root, e.g. "http://127.0.0.1:7317".
func NewClient(baseURL, sessionID string, cfg config.ClientConfig) *Client {
	trimmed := strings.TrimSuffix(baseURL, "/")
	return &Client{
		baseURL:   trimmed,
		wsURL:     "ws" + strings.TrimPrefix(trimmed, "http"),
		sessionID: sessionID,
		cfg:       cfg,
		http:      &http.Client{Timeout: 10 * time.Second},
		dialer:    &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		logger:    logging.NewLogger("statussync").WithField("session_id", sessionID),
		state:     StateSeeding,
		updated:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Run drives the sync loop until the context ends or Close is called. It
// always returns nil on a clean detach.
func (c *Client) Run(ctx context.Context) error {
	c.seed(ctx)

	attempt := 0
	for {
		if c.stopped(ctx) {
			c.setState(StateStopped)
			return nil
		}

		conn, err := c.dial(ctx)
		if err == nil {
			attempt = 0
			c.setState(StatePush)
			c.logger.Info("Push channel established")
			c.pump(ctx, conn)
			if c.stopped(ctx) {
				c.setState(StateStopped)
				return nil
			}
			c.setState(StateReconnecting)
			c.logger.Warn("Push channel lost, reconnecting")
			continue
		}

		attempt++
		if c.cfg.MaxReconnectAttempts > 0 && attempt > c.cfg.MaxReconnectAttempts {
			c.logger.Warn("Reconnect attempts exhausted, degrading to polling")
			c.setState(StatePolling)
			c.pollUntil(ctx, nil)
			c.setState(StateStopped)
			return nil
		}

		// Linear backoff: attempt n waits n steps. Polling covers the gap
		// so the mirror keeps moving while the push channel is down.
		c.setState(StateReconnecting)
		wait := time.Duration(attempt) * c.cfg.ReconnectBackoff.Std()
		c.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"wait":    wait,
		}).Debug("Push channel unavailable, backing off")
		c.pollUntil(ctx, time.After(wait))
	}
}

// Close detaches the client cleanly: no further reconnects, Run returns.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Snapshot returns a deep copy of the mirrored status, the activity log
// (newest first), and the current transport state.
func (c *Client) Snapshot() (*tracker.ExecutionStatus, []ActivityLogEntry, State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var status *tracker.ExecutionStatus
	if c.status != nil {
		status = c.status.Clone()
	}
	log := make([]ActivityLogEntry, len(c.log))
	copy(log, c.log)
	for i := range log {
		if log[i].Data == nil {
			continue
		}
		data := make(map[string]interface{}, len(log[i].Data))
		for k, v := range log[i].Data {
			data[k] = v
		}
		log[i].Data = data
	}
	return status, log, c.state
}

// State returns the current transport state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Updates signals whenever the mirror changes. Signals coalesce; consumers
// read the latest state via Snapshot.
func (c *Client) Updates() <-chan struct{} {
	return c.updated
}

func (c *Client) stopped(ctx context.Context) bool {
	select {
	case <-c.done:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

func (c *Client) notify() {
	select {
	case c.updated <- struct{}{}:
	default:
	}
}

// seed performs the initial status fetch. Failure is not fatal; the poll and
// push paths will fill the mirror as soon as the gateway is reachable.
func (c *Client) seed(ctx context.Context) {
	if err := c.pollOnce(ctx); err != nil {
		c.logger.WithError(err).Debug("Seed fetch failed")
	}
}

// dial opens the push channel.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	url := fmt.Sprintf("%s/ws/%s", c.wsURL, c.sessionID)
	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	return conn, err
}

// pump consumes the push channel until it fails or the client stops. A
// keep-alive ping goes out every KeepAliveInterval; the interval is strictly
// below the server's idle timeout, so a healthy connection is never
// force-closed.
func (c *Client) pump(ctx context.Context, conn *websocket.Conn) {
	outbound := make(chan interface{}, 4)
	readerGone := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(c.cfg.KeepAliveInterval.Std())
		defer ticker.Stop()
		for {
			select {
			case msg := <-outbound:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					conn.Close()
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
					conn.Close()
					return
				}
			case <-readerGone:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-c.done:
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "detaching"),
					time.Now().Add(time.Second))
				conn.Close()
				return
			}
		}
	}()
	// Teardown order matters: wake the writer, wait for it, then close.
	defer conn.Close()
	defer func() { <-writerDone }()
	defer close(readerGone)

	for {
		conn.SetReadDeadline(time.Now().Add(2 * c.cfg.KeepAliveInterval.Std()))
		var env gateway.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if !c.stopped(ctx) {
				c.logger.WithError(err).Debug("Push channel read failed")
			}
			return
		}

		switch env.Type {
		case "ping":
			select {
			case outbound <- map[string]string{"type": "pong"}:
			default:
			}
		case "pong":
			// Keep-alive acknowledged.
		default:
			c.apply(env)
		}
	}
}

// pollUntil polls the status endpoint at PollInterval until the deadline
// channel fires (nil means forever), the context ends, or Close is called.
func (c *Client) pollUntil(ctx context.Context, deadline <-chan time.Time) {
	ticker := time.NewTicker(c.cfg.PollInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.pollOnce(ctx); err != nil {
				c.logger.WithError(err).Debug("Poll failed")
			}
		case <-deadline:
			return
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

// pollOnce fetches the full status and replaces the mirror wholesale.
func (c *Client) pollOnce(ctx context.Context) error {
	url := fmt.Sprintf("%s/status/%s", c.baseURL, c.sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}

	var status tracker.ExecutionStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return err
	}
	c.replaceStatus(&status)
	return nil
}

// replaceStatus swaps the mirror for a freshly fetched snapshot. An activity
// entry is only logged when the snapshot actually moved forward, so steady
// polling does not flood the log.
func (c *Client) replaceStatus(status *tracker.ExecutionStatus) {
	c.mu.Lock()
	changed := c.status == nil || !c.status.UpdatedAt.Equal(status.UpdatedAt)
	c.status = status
	if changed {
		c.appendLogLocked("status.update", "Status refreshed", nil)
	}
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

// appendLogLocked prepends an entry and trims to the configured cap. Callers
// hold c.mu.
func (c *Client) appendLogLocked(entryType, summary string, data map[string]interface{}) {
	c.seq++
	entry := ActivityLogEntry{
		ID:        c.seq,
		Timestamp: time.Now().UTC(),
		Type:      entryType,
		Summary:   summary,
		Data:      data,
	}
	c.log = append([]ActivityLogEntry{entry}, c.log...)
	if max := c.cfg.ActivityLogSize; max > 0 && len(c.log) > max {
		c.log = c.log[:max]
	}
}
