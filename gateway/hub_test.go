package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/pulse/tracker"
)

func TestHubFanOut(t *testing.T) {
	hub := NewHub(4)
	a := hub.Subscribe("s1")
	b := hub.Subscribe("s1")
	other := hub.Subscribe("s2")

	hub.Emit("s1", tracker.EventPhaseChanged, map[string]interface{}{"phase": "planning"})

	for _, sub := range []*Subscription{a, b} {
		env := <-sub.C
		assert.Equal(t, "phase.changed", env.Type)
		assert.Equal(t, "s1", env.SessionID)
		assert.False(t, env.Timestamp.IsZero())
	}

	select {
	case env := <-other.C:
		t.Fatalf("subscriber of s2 received event for s1: %+v", env)
	default:
	}
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	hub := NewHub(1)
	slow := hub.Subscribe("s1")

	// First fills the buffer, second overflows it and drops the subscriber
	hub.Emit("s1", tracker.EventStatusUpdate, nil)
	hub.Emit("s1", tracker.EventStatusUpdate, nil)

	assert.Equal(t, 0, hub.SubscriberCount("s1"))

	// The buffered event is still readable, then the channel is closed
	env, ok := <-slow.C
	require.True(t, ok)
	assert.Equal(t, "status.update", env.Type)
	_, ok = <-slow.C
	assert.False(t, ok)

	// Dropping one subscriber must not affect a healthy one
	healthy := hub.Subscribe("s1")
	hub.Emit("s1", tracker.EventStatusUpdate, nil)
	env, ok = <-healthy.C
	require.True(t, ok)
	assert.Equal(t, "status.update", env.Type)
}

func TestHubUnsubscribeIdempotent(t *testing.T) {
	hub := NewHub(4)
	sub := hub.Subscribe("s1")

	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)
	assert.Equal(t, 0, hub.SubscriberCount("s1"))

	_, ok := <-sub.C
	assert.False(t, ok)
}
