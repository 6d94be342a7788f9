package errors

import "fmt"

// SessionNotFound creates a session not found error
func SessionNotFound(sessionID string) *PulseError {
	return New(ErrCodeSessionNotFound, fmt.Sprintf("session '%s' not found", sessionID)).
		WithDetail("session_id", sessionID)
}

// TaskNotFound creates a validation error for a missing task id
func TaskNotFound(taskID int) *PulseError {
	return New(ErrCodeValidation, fmt.Sprintf("task %d not found in plan", taskID)).
		WithDetail("task_id", taskID)
}

// UnknownDependency creates a validation error for a dependency that
// references a task id outside the plan
func UnknownDependency(taskID, depID int) *PulseError {
	return New(ErrCodeValidation,
		fmt.Sprintf("task %d depends on unknown task %d", taskID, depID)).
		WithDetail("task_id", taskID).
		WithDetail("dependency_id", depID)
}

// InvalidReorder creates a validation error for a reorder request that is
// not a permutation of the current task id set
func InvalidReorder(got, want int) *PulseError {
	return New(ErrCodeValidation,
		fmt.Sprintf("reorder must be a permutation of the current task ids (got %d ids, plan has %d)", got, want)).
		WithDetail("got", got).
		WithDetail("want", want)
}

// ApprovalConflict creates an approval conflict error
func ApprovalConflict(sessionID string, status string) *PulseError {
	return New(ErrCodeApprovalConflict,
		fmt.Sprintf("plan for session '%s' already resolved to '%s'", sessionID, status)).
		WithDetail("session_id", sessionID).
		WithDetail("approval_status", status)
}

// PlanRejected creates a plan rejected error
func PlanRejected(sessionID string) *PulseError {
	return New(ErrCodePlanRejected, fmt.Sprintf("plan for session '%s' was rejected", sessionID)).
		WithDetail("session_id", sessionID)
}

// PlanNotFound creates a missing plan error
func PlanNotFound(sessionID string) *PulseError {
	return New(ErrCodePlanNotFound, fmt.Sprintf("no plan exists for session '%s'", sessionID)).
		WithDetail("session_id", sessionID)
}

// SessionActive creates an error for cleanup attempts on a running session
func SessionActive(sessionID string, phase string) *PulseError {
	return New(ErrCodeSessionActive,
		fmt.Sprintf("session '%s' is still active (phase %s)", sessionID, phase)).
		WithDetail("session_id", sessionID).
		WithDetail("phase", phase)
}

// ConfigNotFound creates a configuration not found error
func ConfigNotFound(path string) *PulseError {
	return New(ErrCodeConfigNotFound, fmt.Sprintf("configuration file not found: %s", path)).
		WithDetail("path", path)
}

// ConfigInvalid creates an invalid configuration error
func ConfigInvalid(reason string) *PulseError {
	return New(ErrCodeConfigInvalid, fmt.Sprintf("invalid configuration: %s", reason))
}
