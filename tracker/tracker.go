package tracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/driftlab/pulse/errors"
	"github.com/driftlab/pulse/logging"
)

// Tracker is the sole writer of session state. All mutations for one session
// are serialized on that session's lock; distinct sessions proceed in
// parallel. Every mutation emits exactly one event (rejection adds a second,
// session.error) while the lock is held, so per-session event order matches
// mutation order.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]*session
	emitter  Emitter
	logger   *logrus.Entry
}

type session struct {
	mu     sync.Mutex
	status *ExecutionStatus

	// approvalDone is closed when ApprovePlan resolves the pending gate.
	// Recreated by SetPlan for each new plan.
	approvalDone chan struct{}
}

// New creates a tracker. The emitter may be nil; events are then dropped.
func New(emitter Emitter) *Tracker {
	return &Tracker{
		sessions: make(map[string]*session),
		emitter:  emitter,
		logger:   logging.NewLogger("tracker"),
	}
}

func (t *Tracker) emit(sessionID string, event EventType, data map[string]interface{}) {
	if t.emitter == nil {
		return
	}
	t.emitter.Emit(sessionID, event, data)
}

// get returns the live session or a SessionNotFound error.
func (t *Tracker) get(sessionID string) (*session, error) {
	t.mu.RLock()
	s, ok := t.sessions[sessionID]
	t.mu.RUnlock()
	if !ok {
		return nil, errors.SessionNotFound(sessionID)
	}
	return s, nil
}

// StartSession registers a session and returns a snapshot of its initial
// state. Starting an already-tracked session is a no-op that returns the
// current snapshot; no duplicate session.started is emitted.
func (t *Tracker) StartSession(sessionID, initialMessage string) *ExecutionStatus {
	t.mu.Lock()
	if s, ok := t.sessions[sessionID]; ok {
		t.mu.Unlock()
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.status.Clone()
	}

	now := time.Now().UTC()
	if initialMessage == "" {
		initialMessage = "Session started"
	}
	s := &session{
		status: &ExecutionStatus{
			SessionID:          sessionID,
			CurrentPhase:       PhaseInitializing,
			PlanApprovalStatus: ApprovalPending,
			ActiveTools:        []string{},
			StartedAt:          now,
			UpdatedAt:          now,
			Messages:           []string{initialMessage},
			PhaseProgress:      map[Phase]float64{PhaseInitializing: 0},
		},
	}
	t.sessions[sessionID] = s
	t.mu.Unlock()

	t.logger.WithField("session_id", sessionID).Info("Session started")

	s.mu.Lock()
	defer s.mu.Unlock()
	t.emit(sessionID, EventSessionStarted, map[string]interface{}{
		"message":    initialMessage,
		"started_at": now,
	})
	return s.status.Clone()
}

// UpdatePhase moves the session to a new phase. The previous phase is marked
// fully complete before the switch.
func (t *Tracker) UpdatePhase(sessionID string, phase Phase, message string) error {
	s, err := t.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.status
	previous := st.CurrentPhase
	if !previous.Terminal() {
		st.PhaseProgress[previous] = 1.0
	}
	st.CurrentPhase = phase
	if _, ok := st.PhaseProgress[phase]; !ok && !phase.Terminal() {
		st.PhaseProgress[phase] = 0
	}
	if message != "" {
		st.Messages = append(st.Messages, message)
	}
	s.recompute()

	t.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"phase":      phase,
	}).Debug("Phase changed")

	t.emit(sessionID, EventPhaseChanged, map[string]interface{}{
		"phase":          phase,
		"previous_phase": previous,
		"progress":       st.Progress,
		"message":        message,
	})
	return nil
}

// SetActiveAgent records a new agent run. Any still-running agent is closed
// out first.
func (t *Tracker) SetActiveAgent(sessionID, agent string, tools []string) error {
	s, err := t.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.status
	now := time.Now().UTC()
	if run := s.activeRun(); run != nil {
		run.CompletedAt = &now
		run.Status = "completed"
	}
	st.AgentHistory = append(st.AgentHistory, AgentExecution{
		Agent:     agent,
		StartedAt: now,
		Status:    "running",
	})
	st.ActiveAgent = agent
	st.ActiveTools = append([]string{}, tools...)
	st.UpdatedAt = now

	t.emit(sessionID, EventAgentStarted, map[string]interface{}{
		"agent": agent,
		"tools": tools,
	})
	return nil
}

// UpdateProgress sets the current phase's progress. Values are clamped to
// [0,1]; regression is permitted and simply recomputed.
func (t *Tracker) UpdateProgress(sessionID string, progress float64, detail string) error {
	s, err := t.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.status
	progress = clamp01(progress)
	if !st.CurrentPhase.Terminal() {
		st.PhaseProgress[st.CurrentPhase] = progress
	}
	if run := s.activeRun(); run != nil {
		run.Progress = progress
	}
	if detail != "" {
		st.Messages = append(st.Messages, detail)
	}
	s.recompute()

	t.emit(sessionID, EventAgentProgress, map[string]interface{}{
		"agent":            st.ActiveAgent,
		"progress":         progress,
		"overall_progress": st.Progress,
		"detail":           detail,
	})
	return nil
}

// CompleteAgent closes out the active agent run.
func (t *Tracker) CompleteAgent(sessionID, resultSummary string) error {
	s, err := t.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.status
	now := time.Now().UTC()
	agent := st.ActiveAgent
	if run := s.activeRun(); run != nil {
		run.CompletedAt = &now
		run.Status = "completed"
		run.ResultSummary = resultSummary
		run.Progress = 1.0
	}
	st.ActiveAgent = ""
	st.ActiveTools = []string{}
	st.UpdatedAt = now

	t.emit(sessionID, EventAgentCompleted, map[string]interface{}{
		"agent":   agent,
		"summary": resultSummary,
	})
	return nil
}

// RecordToolInvocation notes that the active agent started using a tool.
func (t *Tracker) RecordToolInvocation(sessionID, tool string, args map[string]string) error {
	s, err := t.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.status
	now := time.Now().UTC()
	if run := s.activeRun(); run != nil {
		run.ToolsUsed = append(run.ToolsUsed, ToolExecution{
			Tool:      tool,
			Args:      args,
			StartedAt: now,
		})
	}
	if !containsString(st.ActiveTools, tool) {
		st.ActiveTools = append(st.ActiveTools, tool)
	}
	st.UpdatedAt = now

	t.emit(sessionID, EventToolInvoked, map[string]interface{}{
		"tool": tool,
		"args": args,
	})
	return nil
}

// RecordToolCompletion closes out the most recent open invocation of the
// given tool and drops it from the active tool set.
func (t *Tracker) RecordToolCompletion(sessionID, tool, resultSummary string, success bool, toolErr string) error {
	s, err := t.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.status
	now := time.Now().UTC()
	if run := s.activeRun(); run != nil {
		for i := len(run.ToolsUsed) - 1; i >= 0; i-- {
			te := &run.ToolsUsed[i]
			if te.Tool == tool && te.CompletedAt == nil {
				te.CompletedAt = &now
				te.ResultSummary = resultSummary
				te.Success = success
				te.Error = toolErr
				break
			}
		}
	}
	st.ActiveTools = removeString(st.ActiveTools, tool)
	st.UpdatedAt = now

	t.emit(sessionID, EventToolCompleted, map[string]interface{}{
		"tool":    tool,
		"success": success,
		"summary": resultSummary,
	})
	return nil
}

// SetPlan stores a validated plan and opens the approval gate: the approval
// status resets to pending and workflow progress is expected to block on
// AwaitApproval until ApprovePlan resolves it.
func (t *Tracker) SetPlan(sessionID string, plan Plan) error {
	if err := validatePlan(&plan); err != nil {
		return err
	}

	s, err := t.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.status
	for i := range plan.Tasks {
		if plan.Tasks[i].Status == "" {
			plan.Tasks[i].Status = TaskPending
		}
	}
	st.Plan = plan.Clone()
	st.PlanApprovalStatus = ApprovalPending
	st.PlanWaitingApproval = true
	st.UpdatedAt = time.Now().UTC()
	s.approvalDone = make(chan struct{})

	t.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"tasks":      len(plan.Tasks),
	}).Info("Plan created, awaiting approval")

	t.emit(sessionID, EventPlanCreated, map[string]interface{}{
		"plan":       st.Plan.Clone(),
		"task_count": len(plan.Tasks),
	})
	return nil
}

// ApprovePlan resolves the pending approval gate. With approved=true and a
// non-empty modifications map the changes are merged into the plan first;
// if the merge fails nothing changes and the gate stays pending. Resolving
// an already-resolved gate returns an ApprovalConflict.
func (t *Tracker) ApprovePlan(sessionID string, approved bool, modifications map[string]interface{}) error {
	s, err := t.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.status
	if st.Plan == nil {
		return errors.PlanNotFound(sessionID)
	}
	if st.PlanApprovalStatus != ApprovalPending {
		return errors.ApprovalConflict(sessionID, string(st.PlanApprovalStatus))
	}

	modified := false
	if approved && len(modifications) > 0 {
		if err := st.Plan.applyModifications(modifications); err != nil {
			return err
		}
		modified = true
	}

	if approved {
		st.PlanApprovalStatus = ApprovalApproved
	} else {
		st.PlanApprovalStatus = ApprovalRejected
		st.Error = "plan rejected by user"
	}
	st.PlanWaitingApproval = false
	st.UpdatedAt = time.Now().UTC()
	if s.approvalDone != nil {
		close(s.approvalDone)
		s.approvalDone = nil
	}

	t.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"approved":   approved,
		"modified":   modified,
	}).Info("Plan approval resolved")

	t.emit(sessionID, EventStatusUpdate, map[string]interface{}{
		"status":   st.Clone(),
		"approved": approved,
		"modified": modified,
	})
	if !approved {
		t.emit(sessionID, EventSessionError, map[string]interface{}{
			"error":       st.Error,
			"recoverable": false,
		})
	}
	return nil
}

// AwaitApproval blocks until the session's pending plan is approved or
// rejected, or the context ends. Rejection surfaces as a PlanRejected error.
func (t *Tracker) AwaitApproval(ctx context.Context, sessionID string) error {
	s, err := t.get(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.status.Plan == nil {
		s.mu.Unlock()
		return errors.PlanNotFound(sessionID)
	}
	done := s.approvalDone
	s.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.PlanApprovalStatus == ApprovalRejected {
		return errors.PlanRejected(sessionID)
	}
	return nil
}

// UpdateTask applies a partial update to a plan task. Structural edits are
// only legal while the plan is pending approval; status-only updates are
// allowed at any time.
func (t *Tracker) UpdateTask(sessionID string, taskID int, upd TaskUpdate) (*PlanTask, error) {
	s, err := t.get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.status
	if st.Plan == nil {
		return nil, errors.PlanNotFound(sessionID)
	}
	if upd.structural() && st.PlanApprovalStatus != ApprovalPending {
		return nil, errors.New(errors.ErrCodeValidation, "plan is locked after approval resolution").
			WithDetail("approval_status", string(st.PlanApprovalStatus))
	}

	task, err := st.Plan.updateTask(taskID, upd)
	if err != nil {
		return nil, err
	}
	st.UpdatedAt = time.Now().UTC()
	t.emitPlanUpdate(sessionID, st)
	return task, nil
}

// AddTask inserts a new task into a pending plan. A session without a plan
// gets an empty pending one first, so plans can be built task by task before
// any wholesale SetPlan.
func (t *Tracker) AddTask(sessionID string, create TaskCreate) (*PlanTask, error) {
	s, err := t.get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.status
	if st.Plan == nil {
		st.Plan = &Plan{}
	}
	if st.PlanApprovalStatus != ApprovalPending {
		return nil, errors.New(errors.ErrCodeValidation, "plan is locked after approval resolution").
			WithDetail("approval_status", string(st.PlanApprovalStatus))
	}

	task, err := st.Plan.addTask(create)
	if err != nil {
		return nil, err
	}
	st.UpdatedAt = time.Now().UTC()
	t.emitPlanUpdate(sessionID, st)
	return task, nil
}

// RemoveTask deletes a task from a pending plan.
func (t *Tracker) RemoveTask(sessionID string, taskID int) error {
	s, err := t.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.status
	if st.Plan == nil {
		return errors.PlanNotFound(sessionID)
	}
	if st.PlanApprovalStatus != ApprovalPending {
		return errors.New(errors.ErrCodeValidation, "plan is locked after approval resolution").
			WithDetail("approval_status", string(st.PlanApprovalStatus))
	}

	if err := st.Plan.removeTask(taskID); err != nil {
		return err
	}
	st.UpdatedAt = time.Now().UTC()
	t.emitPlanUpdate(sessionID, st)
	return nil
}

// ReorderTasks rearranges a pending plan's tasks. The new order must be an
// exact permutation of the existing task ids.
func (t *Tracker) ReorderTasks(sessionID string, order []int) error {
	s, err := t.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.status
	if st.Plan == nil {
		return errors.PlanNotFound(sessionID)
	}
	if st.PlanApprovalStatus != ApprovalPending {
		return errors.New(errors.ErrCodeValidation, "plan is locked after approval resolution").
			WithDetail("approval_status", string(st.PlanApprovalStatus))
	}

	if err := st.Plan.reorderTasks(order); err != nil {
		return err
	}
	st.UpdatedAt = time.Now().UTC()
	t.emitPlanUpdate(sessionID, st)
	return nil
}

func (t *Tracker) emitPlanUpdate(sessionID string, st *ExecutionStatus) {
	t.emit(sessionID, EventStatusUpdate, map[string]interface{}{
		"status": st.Clone(),
	})
}

// CompleteSession moves the session to the completed phase with full
// progress.
func (t *Tracker) CompleteSession(sessionID, summary string) error {
	s, err := t.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.status
	now := time.Now().UTC()
	if run := s.activeRun(); run != nil {
		run.CompletedAt = &now
		run.Status = "completed"
	}
	st.CurrentPhase = PhaseCompleted
	st.Progress = 1.0
	st.ActiveAgent = ""
	st.ActiveTools = []string{}
	st.CompletedAt = &now
	st.EstimatedCompletion = nil
	st.UpdatedAt = now
	if summary != "" {
		st.Messages = append(st.Messages, summary)
	}

	t.logger.WithField("session_id", sessionID).Info("Session completed")

	t.emit(sessionID, EventSessionCompleted, map[string]interface{}{
		"summary":  summary,
		"duration": now.Sub(st.StartedAt).Seconds(),
	})
	return nil
}

// RecordError records a failure. Unrecoverable errors move the session to
// the terminal error phase; recoverable ones only surface the message and
// leave the phase alone.
func (t *Tracker) RecordError(sessionID, message string, recoverable bool) error {
	s, err := t.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.status
	now := time.Now().UTC()
	st.Error = message
	st.Messages = append(st.Messages, "Error: "+message)
	if !recoverable {
		st.CurrentPhase = PhaseError
		st.CompletedAt = &now
		st.EstimatedCompletion = nil
	}
	st.UpdatedAt = now

	t.logger.WithFields(logrus.Fields{
		"session_id":  sessionID,
		"recoverable": recoverable,
	}).Error(message)

	t.emit(sessionID, EventSessionError, map[string]interface{}{
		"error":       message,
		"recoverable": recoverable,
	})
	return nil
}

// GetStatus returns a deep copy of the session state.
func (t *Tracker) GetStatus(sessionID string) (*ExecutionStatus, error) {
	s, err := t.get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.Clone(), nil
}

// GetAgents returns deep copies of the session's agent runs, oldest first.
func (t *Tracker) GetAgents(sessionID string) ([]AgentExecution, error) {
	s, err := t.get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]AgentExecution, 0, len(s.status.AgentHistory))
	for i := range s.status.AgentHistory {
		out = append(out, s.status.AgentHistory[i].clone())
	}
	return out, nil
}

// GetMessages returns the most recent messages, oldest first. limit <= 0
// returns everything.
func (t *Tracker) GetMessages(sessionID string, limit int) ([]string, error) {
	s, err := t.get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.status.Messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]string(nil), msgs...), nil
}

// ListSessions returns summaries of tracked sessions, newest first.
// activeOnly filters out sessions in a terminal phase.
func (t *Tracker) ListSessions(activeOnly bool) []SessionSummary {
	t.mu.RLock()
	all := make([]*session, 0, len(t.sessions))
	for _, s := range t.sessions {
		all = append(all, s)
	}
	t.mu.RUnlock()

	out := make([]SessionSummary, 0, len(all))
	for _, s := range all {
		s.mu.Lock()
		st := s.status
		if activeOnly && st.CurrentPhase.Terminal() {
			s.mu.Unlock()
			continue
		}
		out = append(out, SessionSummary{
			SessionID:   st.SessionID,
			Phase:       st.CurrentPhase,
			Progress:    st.Progress,
			ActiveAgent: st.ActiveAgent,
			StartedAt:   st.StartedAt,
			UpdatedAt:   st.UpdatedAt,
			HasError:    st.Error != "",
		})
		s.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// BroadcastSnapshots emits a status.update with the full state of every
// tracked session. Used after config reloads so observers converge on the
// current truth regardless of what they missed.
func (t *Tracker) BroadcastSnapshots() {
	t.mu.RLock()
	all := make([]*session, 0, len(t.sessions))
	for _, s := range t.sessions {
		all = append(all, s)
	}
	t.mu.RUnlock()

	for _, s := range all {
		s.mu.Lock()
		t.emit(s.status.SessionID, EventStatusUpdate, map[string]interface{}{
			"status": s.status.Clone(),
		})
		s.mu.Unlock()
	}
}

// CleanupSession discards a terminal session's state. Cleaning up a session
// that is still running is refused.
func (t *Tracker) CleanupSession(sessionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[sessionID]
	if !ok {
		return errors.SessionNotFound(sessionID)
	}

	s.mu.Lock()
	phase := s.status.CurrentPhase
	s.mu.Unlock()
	if !phase.Terminal() {
		return errors.SessionActive(sessionID, string(phase))
	}

	delete(t.sessions, sessionID)
	t.logger.WithField("session_id", sessionID).Info("Session cleaned up")
	return nil
}

// activeRun returns the in-flight agent run, if any. Callers hold s.mu.
func (s *session) activeRun() *AgentExecution {
	if len(s.status.AgentHistory) == 0 {
		return nil
	}
	last := &s.status.AgentHistory[len(s.status.AgentHistory)-1]
	if last.CompletedAt == nil {
		return last
	}
	return nil
}

// recompute refreshes overall progress, the completion estimate, and the
// updated timestamp. Callers hold s.mu.
func (s *session) recompute() {
	st := s.status
	st.Progress = calculateProgress(st.CurrentPhase, st.PhaseProgress)
	st.UpdatedAt = time.Now().UTC()

	// A completion estimate is only meaningful once some real progress
	// exists; extrapolating from near-zero produces absurd dates.
	if st.Progress > 0.05 && st.Progress < 1.0 && !st.CurrentPhase.Terminal() {
		elapsed := st.UpdatedAt.Sub(st.StartedAt)
		total := time.Duration(float64(elapsed) / st.Progress)
		eta := st.StartedAt.Add(total)
		st.EstimatedCompletion = &eta
	} else {
		st.EstimatedCompletion = nil
	}
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(ss []string, s string) []string {
	out := ss[:0]
	for _, v := range ss {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
