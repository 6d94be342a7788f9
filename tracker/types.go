// Package tracker maintains the authoritative execution status of workflow
// sessions and emits events for every mutation. It is the single writer of
// per-session state; everything else reads snapshots or consumes events.
package tracker

import "time"

// Phase is a coarse stage of the workflow state machine.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhasePlanning     Phase = "planning"
	PhaseResearching  Phase = "researching"
	PhaseReviewing    Phase = "reviewing"
	PhaseCoding       Phase = "coding"
	PhaseEditing      Phase = "editing"
	PhaseFinalizing   Phase = "finalizing"
	PhaseCompleted    Phase = "completed"
	PhaseError        Phase = "error"
)

// Terminal reports whether the phase ends the session's happy path.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseError
}

// EventType identifies an event emitted through the gateway.
type EventType string

const (
	EventSessionStarted   EventType = "session.started"
	EventSessionCompleted EventType = "session.completed"
	EventSessionError     EventType = "session.error"
	EventPhaseChanged     EventType = "phase.changed"
	EventAgentStarted     EventType = "agent.started"
	EventAgentProgress    EventType = "agent.progress"
	EventAgentCompleted   EventType = "agent.completed"
	EventToolInvoked      EventType = "tool.invoked"
	EventToolCompleted    EventType = "tool.completed"
	EventPlanCreated      EventType = "plan.created"
	EventStatusUpdate     EventType = "status.update"
)

// TaskStatus is the lifecycle state of a single plan task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

func (s TaskStatus) valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// ApprovalState is the plan approval gate state. Pending is the only
// non-terminal value. The tracker stores only pending/approved/rejected;
// "modified" is a wire-level signal for approve-with-changes and is never
// stored (see DESIGN.md).
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
	ApprovalModified ApprovalState = "modified"
)

// PlanTask is one dependency-annotated step of a plan. IDs are unique within
// a plan and stable across mutation.
type PlanTask struct {
	ID            int        `json:"id"`
	Description   string     `json:"description"`
	AssignedAgent string     `json:"assigned_agent"`
	Status        TaskStatus `json:"status"`
	Dependencies  []int      `json:"dependencies,omitempty"`
}

// Plan is the dependency-annotated task list produced by the planning phase.
type Plan struct {
	MainGoal string     `json:"main_goal"`
	Tasks    []PlanTask `json:"tasks"`
	Scope    string     `json:"scope,omitempty"`
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := &Plan{MainGoal: p.MainGoal, Scope: p.Scope}
	out.Tasks = make([]PlanTask, len(p.Tasks))
	for i, t := range p.Tasks {
		out.Tasks[i] = t
		if t.Dependencies != nil {
			out.Tasks[i].Dependencies = append([]int(nil), t.Dependencies...)
		}
	}
	return out
}

// ToolExecution is a historical record of one tool invocation.
type ToolExecution struct {
	Tool          string            `json:"tool"`
	Args          map[string]string `json:"args,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	ResultSummary string            `json:"result_summary,omitempty"`
	Success       bool              `json:"success"`
	Error         string            `json:"error,omitempty"`
}

// AgentExecution is a historical record of one agent run.
type AgentExecution struct {
	Agent         string          `json:"agent"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	ToolsUsed     []ToolExecution `json:"tools_used,omitempty"`
	Progress      float64         `json:"progress"`
	Status        string          `json:"status"`
	ResultSummary string          `json:"result_summary,omitempty"`
}

func (a *AgentExecution) clone() AgentExecution {
	out := *a
	if a.ToolsUsed != nil {
		out.ToolsUsed = make([]ToolExecution, len(a.ToolsUsed))
		for i, t := range a.ToolsUsed {
			out.ToolsUsed[i] = t
			if t.CompletedAt != nil {
				done := *t.CompletedAt
				out.ToolsUsed[i].CompletedAt = &done
			}
			if t.Args != nil {
				args := make(map[string]string, len(t.Args))
				for k, v := range t.Args {
					args[k] = v
				}
				out.ToolsUsed[i].Args = args
			}
		}
	}
	if a.CompletedAt != nil {
		done := *a.CompletedAt
		out.CompletedAt = &done
	}
	return out
}

// ExecutionStatus is the authoritative state of one tracked session. It is
// owned exclusively by the Tracker; GetStatus hands out deep copies only.
type ExecutionStatus struct {
	SessionID           string            `json:"session_id"`
	CurrentPhase        Phase             `json:"current_phase"`
	Progress            float64           `json:"progress"`
	ActiveAgent         string            `json:"active_agent,omitempty"`
	ActiveTools         []string          `json:"active_tools"`
	Plan                *Plan             `json:"plan,omitempty"`
	PlanApprovalStatus  ApprovalState     `json:"plan_approval_status"`
	PlanWaitingApproval bool              `json:"plan_waiting_approval"`
	StartedAt           time.Time         `json:"started_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
	EstimatedCompletion *time.Time        `json:"estimated_completion,omitempty"`
	Error               string            `json:"error,omitempty"`
	Messages            []string          `json:"messages"`
	PhaseProgress       map[Phase]float64 `json:"phase_progress"`
	AgentHistory        []AgentExecution  `json:"agent_history,omitempty"`
}

// Clone returns a deep copy of the status.
func (s *ExecutionStatus) Clone() *ExecutionStatus {
	out := *s
	out.ActiveTools = append([]string(nil), s.ActiveTools...)
	out.Messages = append([]string(nil), s.Messages...)
	out.Plan = s.Plan.Clone()
	if s.CompletedAt != nil {
		done := *s.CompletedAt
		out.CompletedAt = &done
	}
	if s.EstimatedCompletion != nil {
		eta := *s.EstimatedCompletion
		out.EstimatedCompletion = &eta
	}
	out.PhaseProgress = make(map[Phase]float64, len(s.PhaseProgress))
	for k, v := range s.PhaseProgress {
		out.PhaseProgress[k] = v
	}
	if s.AgentHistory != nil {
		out.AgentHistory = make([]AgentExecution, len(s.AgentHistory))
		for i := range s.AgentHistory {
			out.AgentHistory[i] = s.AgentHistory[i].clone()
		}
	}
	return &out
}

// SessionSummary is a compact row for session listings.
type SessionSummary struct {
	SessionID   string    `json:"session_id"`
	Phase       Phase     `json:"phase"`
	Progress    float64   `json:"progress"`
	ActiveAgent string    `json:"active_agent,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	HasError    bool      `json:"has_error"`
}

// TaskUpdate carries partial updates for a plan task. Nil fields are left
// unchanged.
type TaskUpdate struct {
	Description   *string     `json:"description,omitempty"`
	AssignedAgent *string     `json:"assigned_agent,omitempty"`
	Status        *TaskStatus `json:"status,omitempty"`
	Dependencies  *[]int      `json:"dependencies,omitempty"`
}

// structural reports whether applying the update would change anything other
// than task status. Status-only updates are allowed even after approval.
func (u TaskUpdate) structural() bool {
	return u.Description != nil || u.AssignedAgent != nil || u.Dependencies != nil
}

// TaskCreate describes a task to append or insert into the plan.
type TaskCreate struct {
	Description   string `json:"description"`
	AssignedAgent string `json:"assigned_agent"`
	Dependencies  []int  `json:"dependencies,omitempty"`
	Position      *int   `json:"position,omitempty"`
}

// Emitter receives every tracker mutation as a typed event. Implementations
// must never block: emission is fire-and-forget with respect to the mutator.
type Emitter interface {
	Emit(sessionID string, event EventType, data map[string]interface{})
}
