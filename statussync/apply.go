package statussync

import (
	"encoding/json"
	"fmt"

	"github.com/driftlab/pulse/gateway"
	"github.com/driftlab/pulse/tracker"
)

// apply folds one pushed event into the mirror and logs it. Unknown event
// types are logged but otherwise ignored so old clients survive new events.
func (c *Client) apply(env gateway.Envelope) {
	c.mu.Lock()
	defer func() {
		c.mu.Unlock()
		c.notify()
	}()

	if c.status == nil {
		c.status = &tracker.ExecutionStatus{SessionID: c.sessionID}
	}
	st := c.status
	st.UpdatedAt = env.Timestamp

	switch tracker.EventType(env.Type) {
	case tracker.EventStatusUpdate:
		if full, ok := decodeStatus(env.Data["status"]); ok {
			c.status = full
		}
		c.appendLogLocked(env.Type, "Status refreshed", nil)

	case tracker.EventSessionStarted:
		st.CurrentPhase = tracker.PhaseInitializing
		c.appendLogLocked(env.Type, "Session started", env.Data)

	case tracker.EventPhaseChanged:
		st.CurrentPhase = tracker.Phase(stringField(env.Data, "phase"))
		st.Progress = floatField(env.Data, "progress")
		c.appendLogLocked(env.Type,
			fmt.Sprintf("Phase changed to %s", st.CurrentPhase), env.Data)

	case tracker.EventAgentStarted:
		st.ActiveAgent = stringField(env.Data, "agent")
		st.ActiveTools = stringSliceField(env.Data, "tools")
		c.appendLogLocked(env.Type,
			fmt.Sprintf("Agent %s started", st.ActiveAgent), env.Data)

	case tracker.EventAgentProgress:
		st.Progress = floatField(env.Data, "overall_progress")
		summary := fmt.Sprintf("Agent %s at %.0f%%",
			stringField(env.Data, "agent"), floatField(env.Data, "progress")*100)
		c.appendLogLocked(env.Type, summary, env.Data)

	case tracker.EventAgentCompleted:
		st.ActiveAgent = ""
		st.ActiveTools = nil
		c.appendLogLocked(env.Type,
			fmt.Sprintf("Agent %s completed", stringField(env.Data, "agent")), env.Data)

	case tracker.EventToolInvoked:
		tool := stringField(env.Data, "tool")
		if tool != "" && !contains(st.ActiveTools, tool) {
			st.ActiveTools = append(st.ActiveTools, tool)
		}
		c.appendLogLocked(env.Type, fmt.Sprintf("Tool %s invoked", tool), env.Data)

	case tracker.EventToolCompleted:
		tool := stringField(env.Data, "tool")
		st.ActiveTools = without(st.ActiveTools, tool)
		c.appendLogLocked(env.Type, fmt.Sprintf("Tool %s finished", tool), env.Data)

	case tracker.EventPlanCreated:
		if plan, ok := decodePlan(env.Data["plan"]); ok {
			st.Plan = plan
			st.PlanApprovalStatus = tracker.ApprovalPending
			st.PlanWaitingApproval = true
		}
		c.appendLogLocked(env.Type, "Plan created, awaiting approval", nil)

	case tracker.EventSessionCompleted:
		st.CurrentPhase = tracker.PhaseCompleted
		st.Progress = 1.0
		st.ActiveAgent = ""
		st.ActiveTools = nil
		c.appendLogLocked(env.Type, "Session completed", env.Data)

	case tracker.EventSessionError:
		st.Error = stringField(env.Data, "error")
		if !boolField(env.Data, "recoverable") {
			st.CurrentPhase = tracker.PhaseError
		}
		c.appendLogLocked(env.Type, "Error: "+st.Error, env.Data)

	default:
		c.appendLogLocked(env.Type, "Unrecognized event", env.Data)
	}
}

// decodeStatus converts a loosely-typed status payload back into the
// concrete struct via a JSON round trip.
func decodeStatus(raw interface{}) (*tracker.ExecutionStatus, bool) {
	if raw == nil {
		return nil, false
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var status tracker.ExecutionStatus
	if err := json.Unmarshal(buf, &status); err != nil {
		return nil, false
	}
	return &status, true
}

func decodePlan(raw interface{}) (*tracker.Plan, bool) {
	if raw == nil {
		return nil, false
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var plan tracker.Plan
	if err := json.Unmarshal(buf, &plan); err != nil {
		return nil, false
	}
	return &plan, true
}

func stringField(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

func floatField(data map[string]interface{}, key string) float64 {
	if data == nil {
		return 0
	}
	f, _ := data[key].(float64)
	return f
}

func boolField(data map[string]interface{}, key string) bool {
	if data == nil {
		return false
	}
	b, _ := data[key].(bool)
	return b
}

func stringSliceField(data map[string]interface{}, key string) []string {
	if data == nil {
		return nil
	}
	raw, ok := data[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func without(ss []string, s string) []string {
	out := ss[:0]
	for _, v := range ss {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
