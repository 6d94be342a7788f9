package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/pulse/errors"
)

type capturedEvent struct {
	SessionID string
	Type      EventType
	Data      map[string]interface{}
}

// captureEmitter records events synchronously for assertions.
type captureEmitter struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (c *captureEmitter) Emit(sessionID string, event EventType, data map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, capturedEvent{SessionID: sessionID, Type: event, Data: data})
}

func (c *captureEmitter) types() []EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EventType, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

func TestSessionLifecycle(t *testing.T) {
	emitter := &captureEmitter{}
	tr := New(emitter)

	snap := tr.StartSession("s1", "Starting research")
	assert.Equal(t, PhaseInitializing, snap.CurrentPhase)
	assert.Equal(t, ApprovalPending, snap.PlanApprovalStatus)
	assert.Equal(t, 0.0, snap.Progress)

	require.NoError(t, tr.UpdatePhase("s1", PhasePlanning, "Planning research"))
	require.NoError(t, tr.UpdatePhase("s1", PhaseResearching, "Researching"))
	require.NoError(t, tr.SetActiveAgent("s1", "researcher", []string{"web_search"}))
	require.NoError(t, tr.RecordToolInvocation("s1", "web_search", map[string]string{"query": "golang"}))
	require.NoError(t, tr.RecordToolCompletion("s1", "web_search", "10 results", true, ""))
	require.NoError(t, tr.UpdateProgress("s1", 0.5, "Halfway through sources"))
	require.NoError(t, tr.CompleteAgent("s1", "Sources gathered"))
	require.NoError(t, tr.CompleteSession("s1", "Done"))

	st, err := tr.GetStatus("s1")
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, st.CurrentPhase)
	assert.Equal(t, 1.0, st.Progress)
	assert.NotNil(t, st.CompletedAt)
	assert.Empty(t, st.ActiveAgent)
	assert.Empty(t, st.ActiveTools)

	require.Len(t, st.AgentHistory, 1)
	run := st.AgentHistory[0]
	assert.Equal(t, "researcher", run.Agent)
	assert.Equal(t, "completed", run.Status)
	require.Len(t, run.ToolsUsed, 1)
	assert.True(t, run.ToolsUsed[0].Success)
	assert.NotNil(t, run.ToolsUsed[0].CompletedAt)

	assert.Equal(t, []EventType{
		EventSessionStarted,
		EventPhaseChanged,
		EventPhaseChanged,
		EventAgentStarted,
		EventToolInvoked,
		EventToolCompleted,
		EventAgentProgress,
		EventAgentCompleted,
		EventSessionCompleted,
	}, emitter.types())
}

func TestStartSessionIdempotent(t *testing.T) {
	emitter := &captureEmitter{}
	tr := New(emitter)

	first := tr.StartSession("s1", "hello")
	require.NoError(t, tr.UpdatePhase("s1", PhasePlanning, ""))
	second := tr.StartSession("s1", "hello again")

	assert.Equal(t, first.StartedAt, second.StartedAt)
	assert.Equal(t, PhasePlanning, second.CurrentPhase)
	// Only one session.started despite two calls
	count := 0
	for _, typ := range emitter.types() {
		if typ == EventSessionStarted {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestUnknownSession(t *testing.T) {
	tr := New(nil)

	_, err := tr.GetStatus("nope")
	assert.True(t, errors.Is(err, errors.ErrCodeSessionNotFound))

	err = tr.UpdatePhase("nope", PhasePlanning, "")
	assert.True(t, errors.Is(err, errors.ErrCodeSessionNotFound))

	err = tr.UpdateProgress("nope", 0.5, "")
	assert.True(t, errors.Is(err, errors.ErrCodeSessionNotFound))
}

func TestWeightedProgress(t *testing.T) {
	tr := New(nil)
	tr.StartSession("s1", "")

	require.NoError(t, tr.UpdatePhase("s1", PhasePlanning, ""))
	st, _ := tr.GetStatus("s1")
	assert.InDelta(t, 0.05, st.Progress, 1e-9)

	require.NoError(t, tr.UpdatePhase("s1", PhaseResearching, ""))
	st, _ = tr.GetStatus("s1")
	assert.InDelta(t, 0.15, st.Progress, 1e-9)

	require.NoError(t, tr.UpdateProgress("s1", 0.5, ""))
	st, _ = tr.GetStatus("s1")
	assert.InDelta(t, 0.35, st.Progress, 1e-9)

	// Regression is allowed; progress is recomputed, not maxed
	require.NoError(t, tr.UpdateProgress("s1", 0.25, ""))
	st, _ = tr.GetStatus("s1")
	assert.InDelta(t, 0.25, st.PhaseProgress[PhaseResearching], 1e-9)
}

func TestProgressClamped(t *testing.T) {
	tr := New(nil)
	tr.StartSession("s1", "")
	require.NoError(t, tr.UpdatePhase("s1", PhaseResearching, ""))

	require.NoError(t, tr.UpdateProgress("s1", 1.7, ""))
	st, _ := tr.GetStatus("s1")
	assert.Equal(t, 1.0, st.PhaseProgress[PhaseResearching])

	require.NoError(t, tr.UpdateProgress("s1", -0.3, ""))
	st, _ = tr.GetStatus("s1")
	assert.Equal(t, 0.0, st.PhaseProgress[PhaseResearching])
}

func TestSnapshotIsolation(t *testing.T) {
	tr := New(nil)
	tr.StartSession("s1", "")
	require.NoError(t, tr.SetPlan("s1", *testPlan()))

	snap, err := tr.GetStatus("s1")
	require.NoError(t, err)
	snap.Plan.Tasks[0].Description = "mutated by reader"
	snap.Messages = append(snap.Messages, "reader message")
	snap.PhaseProgress[PhaseResearching] = 0.9

	fresh, err := tr.GetStatus("s1")
	require.NoError(t, err)
	assert.Equal(t, "Gather sources", fresh.Plan.Tasks[0].Description)
	assert.Len(t, fresh.Messages, 1)
	assert.NotContains(t, fresh.PhaseProgress, PhaseResearching)
}

func TestPlanApproval(t *testing.T) {
	emitter := &captureEmitter{}
	tr := New(emitter)
	tr.StartSession("s1", "")
	require.NoError(t, tr.SetPlan("s1", *testPlan()))

	st, _ := tr.GetStatus("s1")
	assert.True(t, st.PlanWaitingApproval)
	assert.Equal(t, ApprovalPending, st.PlanApprovalStatus)

	require.NoError(t, tr.ApprovePlan("s1", true, nil))
	st, _ = tr.GetStatus("s1")
	assert.False(t, st.PlanWaitingApproval)
	assert.Equal(t, ApprovalApproved, st.PlanApprovalStatus)

	// Second resolution attempt conflicts
	err := tr.ApprovePlan("s1", false, nil)
	assert.True(t, errors.Is(err, errors.ErrCodeApprovalConflict))
}

func TestApprovePlanWithModifications(t *testing.T) {
	emitter := &captureEmitter{}
	tr := New(emitter)
	tr.StartSession("s1", "")
	require.NoError(t, tr.SetPlan("s1", *testPlan()))

	err := tr.ApprovePlan("s1", true, map[string]interface{}{
		"main_goal": "Tighter goal",
		"tasks": []interface{}{
			map[string]interface{}{"id": 1, "description": "Gather sources", "assigned_agent": "researcher"},
			map[string]interface{}{"id": 2, "description": "Write summary", "assigned_agent": "writer", "dependencies": []interface{}{1}},
		},
	})
	require.NoError(t, err)

	st, _ := tr.GetStatus("s1")
	assert.Equal(t, ApprovalApproved, st.PlanApprovalStatus)
	assert.Equal(t, "Tighter goal", st.Plan.MainGoal)
	assert.Len(t, st.Plan.Tasks, 2)

	// The resolution event flags the merge
	last := emitter.events[len(emitter.events)-1]
	assert.Equal(t, EventStatusUpdate, last.Type)
	assert.Equal(t, true, last.Data["modified"])
}

func TestApprovePlanBadModificationsKeepsGateOpen(t *testing.T) {
	tr := New(nil)
	tr.StartSession("s1", "")
	require.NoError(t, tr.SetPlan("s1", *testPlan()))

	err := tr.ApprovePlan("s1", true, map[string]interface{}{
		"tasks": []interface{}{
			map[string]interface{}{"id": 1, "dependencies": []interface{}{99}},
		},
	})
	require.Error(t, err)

	st, _ := tr.GetStatus("s1")
	assert.Equal(t, ApprovalPending, st.PlanApprovalStatus)
	assert.True(t, st.PlanWaitingApproval)
	assert.Len(t, st.Plan.Tasks, 3)
}

func TestRejectPlan(t *testing.T) {
	emitter := &captureEmitter{}
	tr := New(emitter)
	tr.StartSession("s1", "")
	require.NoError(t, tr.SetPlan("s1", *testPlan()))

	require.NoError(t, tr.ApprovePlan("s1", false, nil))

	st, _ := tr.GetStatus("s1")
	assert.Equal(t, ApprovalRejected, st.PlanApprovalStatus)
	assert.NotEmpty(t, st.Error)

	types := emitter.types()
	assert.Equal(t, EventSessionError, types[len(types)-1])
}

func TestAwaitApproval(t *testing.T) {
	tr := New(nil)
	tr.StartSession("s1", "")
	require.NoError(t, tr.SetPlan("s1", *testPlan()))

	done := make(chan error, 1)
	go func() {
		done <- tr.AwaitApproval(context.Background(), "s1")
	}()

	select {
	case <-done:
		t.Fatal("AwaitApproval returned before the gate was resolved")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, tr.ApprovePlan("s1", true, nil))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("AwaitApproval did not return after approval")
	}
}

func TestAwaitApprovalRejected(t *testing.T) {
	tr := New(nil)
	tr.StartSession("s1", "")
	require.NoError(t, tr.SetPlan("s1", *testPlan()))

	done := make(chan error, 1)
	go func() {
		done <- tr.AwaitApproval(context.Background(), "s1")
	}()

	require.NoError(t, tr.ApprovePlan("s1", false, nil))
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, errors.ErrCodePlanRejected))
	case <-time.After(time.Second):
		t.Fatal("AwaitApproval did not return after rejection")
	}
}

func TestPlanLockedAfterApproval(t *testing.T) {
	tr := New(nil)
	tr.StartSession("s1", "")
	require.NoError(t, tr.SetPlan("s1", *testPlan()))
	require.NoError(t, tr.ApprovePlan("s1", true, nil))

	desc := "nope"
	_, err := tr.UpdateTask("s1", 1, TaskUpdate{Description: &desc})
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))

	_, err = tr.AddTask("s1", TaskCreate{Description: "extra"})
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))

	err = tr.RemoveTask("s1", 1)
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))

	err = tr.ReorderTasks("s1", []int{3, 2, 1})
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))

	// Status-only updates stay legal after approval
	status := TaskCompleted
	task, err := tr.UpdateTask("s1", 1, TaskUpdate{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, task.Status)
}

func TestPlanBuiltTaskByTask(t *testing.T) {
	tr := New(nil)
	tr.StartSession("s1", "")
	require.NoError(t, tr.UpdatePhase("s1", PhasePlanning, ""))

	// No SetPlan yet; the first AddTask creates an empty pending plan
	task, err := tr.AddTask("s1", TaskCreate{
		Description:   "Gather sources",
		AssignedAgent: "researcher",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, task.ID)

	require.NoError(t, tr.ApprovePlan("s1", true, nil))

	st, err := tr.GetStatus("s1")
	require.NoError(t, err)
	assert.Equal(t, ApprovalApproved, st.PlanApprovalStatus)
	require.NotNil(t, st.Plan)
	assert.Len(t, st.Plan.Tasks, 1)
}

func TestRecordError(t *testing.T) {
	tr := New(nil)
	tr.StartSession("s1", "")
	require.NoError(t, tr.UpdatePhase("s1", PhaseResearching, ""))

	require.NoError(t, tr.RecordError("s1", "rate limited", true))
	st, _ := tr.GetStatus("s1")
	assert.Equal(t, PhaseResearching, st.CurrentPhase)
	assert.Equal(t, "rate limited", st.Error)
	assert.Nil(t, st.CompletedAt)

	require.NoError(t, tr.RecordError("s1", "provider down", false))
	st, _ = tr.GetStatus("s1")
	assert.Equal(t, PhaseError, st.CurrentPhase)
	assert.NotNil(t, st.CompletedAt)
}

func TestListSessions(t *testing.T) {
	tr := New(nil)
	tr.StartSession("s1", "")
	tr.StartSession("s2", "")
	require.NoError(t, tr.CompleteSession("s1", ""))

	all := tr.ListSessions(false)
	assert.Len(t, all, 2)

	active := tr.ListSessions(true)
	require.Len(t, active, 1)
	assert.Equal(t, "s2", active[0].SessionID)
}

func TestCleanupSession(t *testing.T) {
	tr := New(nil)
	tr.StartSession("s1", "")

	err := tr.CleanupSession("s1")
	assert.True(t, errors.Is(err, errors.ErrCodeSessionActive))

	require.NoError(t, tr.CompleteSession("s1", ""))
	require.NoError(t, tr.CleanupSession("s1"))

	_, err = tr.GetStatus("s1")
	assert.True(t, errors.Is(err, errors.ErrCodeSessionNotFound))

	err = tr.CleanupSession("s1")
	assert.True(t, errors.Is(err, errors.ErrCodeSessionNotFound))
}

func TestGetMessages(t *testing.T) {
	tr := New(nil)
	tr.StartSession("s1", "first")
	require.NoError(t, tr.UpdatePhase("s1", PhasePlanning, "second"))
	require.NoError(t, tr.UpdatePhase("s1", PhaseResearching, "third"))

	msgs, err := tr.GetMessages("s1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, msgs)

	msgs, err = tr.GetMessages("s1", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"second", "third"}, msgs)
}
