package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/driftlab/pulse/errors"
	"github.com/driftlab/pulse/logging"
	"github.com/driftlab/pulse/tracker"
)

// API exposes tracker state over HTTP and websocket.
type API struct {
	tracker     *tracker.Tracker
	hub         *Hub
	idleTimeout time.Duration
	logger      *logrus.Entry
}

// NewAPI builds the HTTP/websocket surface over the given tracker and hub.
func NewAPI(tr *tracker.Tracker, hub *Hub, idleTimeout time.Duration) *API {
	return &API{
		tracker:     tr,
		hub:         hub,
		idleTimeout: idleTimeout,
		logger:      logging.NewLogger("gateway"),
	}
}

// Routes registers every endpoint on a fresh mux.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)

	mux.HandleFunc("GET /status/", a.handleListSessions)
	mux.HandleFunc("GET /status/{id}", a.handleGetStatus)
	mux.HandleFunc("DELETE /status/{id}", a.handleCleanupSession)
	mux.HandleFunc("GET /status/{id}/progress", a.handleGetProgress)
	mux.HandleFunc("GET /status/{id}/plan", a.handleGetPlan)
	mux.HandleFunc("GET /status/{id}/agents", a.handleGetAgents)
	mux.HandleFunc("GET /status/{id}/messages", a.handleGetMessages)

	mux.HandleFunc("POST /status/{id}/plan/approve", a.handleApprovePlan)
	mux.HandleFunc("POST /status/{id}/plan/task", a.handleAddTask)
	mux.HandleFunc("PUT /status/{id}/plan/task/{task_id}", a.handleUpdateTask)
	mux.HandleFunc("DELETE /status/{id}/plan/task/{task_id}", a.handleRemoveTask)
	mux.HandleFunc("PUT /status/{id}/plan/reorder", a.handleReorderTasks)

	mux.HandleFunc("GET /ws/{session_id}", a.handleWebSocket)

	return mux
}

// syntheticStatus is the placeholder state returned for sessions the tracker
// has never seen. Read endpoints return this instead of a 404: observers
// routinely ask about sessions that have not reached the tracker yet, and a
// pending shell lets them render immediately.
func syntheticStatus(sessionID string) *tracker.ExecutionStatus {
	now := time.Now().UTC()
	return &tracker.ExecutionStatus{
		SessionID:          sessionID,
		CurrentPhase:       tracker.PhaseInitializing,
		PlanApprovalStatus: tracker.ApprovalPending,
		ActiveTools:        []string{},
		Messages:           []string{"Session not yet started"},
		PhaseProgress:      map[tracker.Phase]float64{},
		StartedAt:          now,
		UpdatedAt:          now,
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active_only") == "true"
	sessions := a.tracker.ListSessions(activeOnly)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (a *API) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	status, err := a.tracker.GetStatus(sessionID)
	if err != nil {
		status = syntheticStatus(sessionID)
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	status, err := a.tracker.GetStatus(sessionID)
	if err != nil {
		status = syntheticStatus(sessionID)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":           sessionID,
		"progress":             status.Progress,
		"current_phase":        status.CurrentPhase,
		"active_agent":         status.ActiveAgent,
		"estimated_completion": status.EstimatedCompletion,
	})
}

func (a *API) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	status, err := a.tracker.GetStatus(sessionID)
	if err != nil {
		status = syntheticStatus(sessionID)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":            sessionID,
		"plan":                  status.Plan,
		"plan_approval_status":  status.PlanApprovalStatus,
		"plan_waiting_approval": status.PlanWaitingApproval,
	})
}

func (a *API) handleGetAgents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	agents, err := a.tracker.GetAgents(sessionID)
	if err != nil {
		agents = []tracker.AgentExecution{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"agents":     agents,
	})
}

func (a *API) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			a.writeError(w, errors.New(errors.ErrCodeInvalidInput, "limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}

	msgs, err := a.tracker.GetMessages(sessionID, limit)
	if err != nil {
		msgs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"messages":   msgs,
	})
}

func (a *API) handleCleanupSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := a.tracker.CleanupSession(sessionID); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"cleaned_up": true,
	})
}

type approveRequest struct {
	Approved      bool                   `json:"approved"`
	Modifications map[string]interface{} `json:"modifications,omitempty"`
}

func (a *API) handleApprovePlan(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var req approveRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, err)
		return
	}

	if err := a.tracker.ApprovePlan(sessionID, req.Approved, req.Modifications); err != nil {
		a.writeError(w, err)
		return
	}

	status, err := a.tracker.GetStatus(sessionID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":           sessionID,
		"approved":             req.Approved,
		"modified":             req.Approved && len(req.Modifications) > 0,
		"plan_approval_status": status.PlanApprovalStatus,
	})
}

func (a *API) handleAddTask(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var req tracker.TaskCreate
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, err)
		return
	}

	task, err := a.tracker.AddTask(sessionID, req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (a *API) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	taskID, err := strconv.Atoi(r.PathValue("task_id"))
	if err != nil {
		a.writeError(w, errors.New(errors.ErrCodeInvalidInput, "task id must be an integer"))
		return
	}

	var req tracker.TaskUpdate
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, err)
		return
	}

	task, err := a.tracker.UpdateTask(sessionID, taskID, req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *API) handleRemoveTask(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	taskID, err := strconv.Atoi(r.PathValue("task_id"))
	if err != nil {
		a.writeError(w, errors.New(errors.ErrCodeInvalidInput, "task id must be an integer"))
		return
	}

	if err := a.tracker.RemoveTask(sessionID, taskID); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"removed":    taskID,
	})
}

type reorderRequest struct {
	TaskOrder []int `json:"task_order"`
}

func (a *API) handleReorderTasks(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var req reorderRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, err)
		return
	}

	if err := a.tracker.ReorderTasks(sessionID, req.TaskOrder); err != nil {
		a.writeError(w, err)
		return
	}

	status, err := a.tracker.GetStatus(sessionID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"plan":       status.Plan,
	})
}

func decodeBody(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request body")
	}
	return nil
}

// writeError maps PulseError codes to HTTP statuses and renders the
// structured error body.
func (a *API) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.GetCode(err) {
	case errors.ErrCodeSessionNotFound, errors.ErrCodePlanNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeValidation, errors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case errors.ErrCodeApprovalConflict, errors.ErrCodeSessionActive:
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		a.logger.WithError(err).Error("Request failed")
	}

	var body interface{}
	if pe, ok := err.(*errors.PulseError); ok {
		body = pe
	} else {
		body = map[string]interface{}{
			"code":    errors.ErrCodeInternal,
			"message": err.Error(),
		}
	}
	writeJSON(w, status, map[string]interface{}{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
