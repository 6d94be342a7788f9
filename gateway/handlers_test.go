package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/pulse/tracker"
)

func newTestServer(t *testing.T) (*httptest.Server, *tracker.Tracker) {
	t.Helper()
	hub := NewHub(64)
	tr := tracker.New(hub)
	api := NewAPI(tr, hub, 30*time.Second)
	srv := httptest.NewServer(api.Routes())
	t.Cleanup(srv.Close)
	return srv, tr
}

func getJSON(t *testing.T, url string, dst interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
	return resp.StatusCode
}

func doJSON(t *testing.T, method, url string, body interface{}, dst interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if dst != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
	}
	return resp.StatusCode
}

func seedPlan(t *testing.T, tr *tracker.Tracker, sessionID string) {
	t.Helper()
	tr.StartSession(sessionID, "")
	require.NoError(t, tr.SetPlan(sessionID, tracker.Plan{
		MainGoal: "Test goal",
		Tasks: []tracker.PlanTask{
			{ID: 1, Description: "first", AssignedAgent: "researcher", Status: tracker.TaskPending},
			{ID: 2, Description: "second", AssignedAgent: "writer", Status: tracker.TaskPending, Dependencies: []int{1}},
		},
	}))
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	var body map[string]interface{}
	code := getJSON(t, srv.URL+"/healthz", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestGetStatusUnknownSessionIsSynthetic(t *testing.T) {
	srv, _ := newTestServer(t)

	var status tracker.ExecutionStatus
	code := getJSON(t, srv.URL+"/status/ghost", &status)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ghost", status.SessionID)
	assert.Equal(t, tracker.PhaseInitializing, status.CurrentPhase)
	assert.Equal(t, tracker.ApprovalPending, status.PlanApprovalStatus)
	assert.Equal(t, 0.0, status.Progress)
}

func TestGetStatusAndProgress(t *testing.T) {
	srv, tr := newTestServer(t)
	tr.StartSession("s1", "kickoff")
	require.NoError(t, tr.UpdatePhase("s1", tracker.PhaseResearching, "digging in"))
	require.NoError(t, tr.UpdateProgress("s1", 0.5, ""))

	var status tracker.ExecutionStatus
	code := getJSON(t, srv.URL+"/status/s1", &status)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, tracker.PhaseResearching, status.CurrentPhase)

	var progress map[string]interface{}
	code = getJSON(t, srv.URL+"/status/s1/progress", &progress)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "researching", progress["current_phase"])
	// initializing completed (0.05) plus half of researching (0.20)
	assert.InDelta(t, 0.25, progress["progress"].(float64), 1e-9)
}

func TestListSessionsEndpoint(t *testing.T) {
	srv, tr := newTestServer(t)
	tr.StartSession("s1", "")
	tr.StartSession("s2", "")
	require.NoError(t, tr.CompleteSession("s1", ""))

	var body struct {
		Sessions []tracker.SessionSummary `json:"sessions"`
		Count    int                      `json:"count"`
	}
	code := getJSON(t, srv.URL+"/status/?active_only=true", &body)
	assert.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "s2", body.Sessions[0].SessionID)

	code = getJSON(t, srv.URL+"/status/", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, body.Count)
}

func TestGetMessagesLimit(t *testing.T) {
	srv, tr := newTestServer(t)
	tr.StartSession("s1", "one")
	require.NoError(t, tr.UpdatePhase("s1", tracker.PhasePlanning, "two"))
	require.NoError(t, tr.UpdatePhase("s1", tracker.PhaseResearching, "three"))

	var body struct {
		Messages []string `json:"messages"`
	}
	code := getJSON(t, srv.URL+"/status/s1/messages?limit=2", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"two", "three"}, body.Messages)

	var errBody map[string]interface{}
	code = getJSON(t, srv.URL+"/status/s1/messages?limit=-1", &errBody)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestApprovePlanEndpoint(t *testing.T) {
	srv, tr := newTestServer(t)
	seedPlan(t, tr, "s1")

	var body map[string]interface{}
	code := doJSON(t, http.MethodPost, srv.URL+"/status/s1/plan/approve", map[string]interface{}{
		"approved": true,
		"modifications": map[string]interface{}{
			"main_goal": "Adjusted goal",
		},
	}, &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["modified"])
	assert.Equal(t, "approved", body["plan_approval_status"])

	st, err := tr.GetStatus("s1")
	require.NoError(t, err)
	assert.Equal(t, "Adjusted goal", st.Plan.MainGoal)

	// A second resolution conflicts
	code = doJSON(t, http.MethodPost, srv.URL+"/status/s1/plan/approve", map[string]interface{}{
		"approved": false,
	}, &body)
	assert.Equal(t, http.StatusConflict, code)
}

func TestApprovePlanMissingSession(t *testing.T) {
	srv, _ := newTestServer(t)

	var body map[string]interface{}
	code := doJSON(t, http.MethodPost, srv.URL+"/status/ghost/plan/approve", map[string]interface{}{
		"approved": true,
	}, &body)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestTaskEndpoints(t *testing.T) {
	srv, tr := newTestServer(t)
	seedPlan(t, tr, "s1")

	var task tracker.PlanTask
	code := doJSON(t, http.MethodPost, srv.URL+"/status/s1/plan/task", map[string]interface{}{
		"description":    "third",
		"assigned_agent": "reviewer",
		"dependencies":   []int{2},
	}, &task)
	assert.Equal(t, http.StatusCreated, code)
	assert.Equal(t, 3, task.ID)

	code = doJSON(t, http.MethodPut, srv.URL+"/status/s1/plan/task/1", map[string]interface{}{
		"description": "first, refined",
	}, &task)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "first, refined", task.Description)

	var body map[string]interface{}
	code = doJSON(t, http.MethodDelete, srv.URL+"/status/s1/plan/task/3", nil, &body)
	assert.Equal(t, http.StatusOK, code)

	var reordered struct {
		Plan tracker.Plan `json:"plan"`
	}
	code = doJSON(t, http.MethodPut, srv.URL+"/status/s1/plan/reorder", map[string]interface{}{
		"task_order": []int{2, 1},
	}, &reordered)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, reordered.Plan.Tasks[0].ID)

	// Not a permutation
	code = doJSON(t, http.MethodPut, srv.URL+"/status/s1/plan/reorder", map[string]interface{}{
		"task_order": []int{1},
	}, &body)
	assert.Equal(t, http.StatusBadRequest, code)

	code = doJSON(t, http.MethodPut, srv.URL+"/status/s1/plan/task/nope", map[string]interface{}{}, &body)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAddTaskWithoutExistingPlan(t *testing.T) {
	srv, tr := newTestServer(t)
	tr.StartSession("s1", "")
	require.NoError(t, tr.UpdatePhase("s1", tracker.PhasePlanning, ""))

	var task tracker.PlanTask
	code := doJSON(t, http.MethodPost, srv.URL+"/status/s1/plan/task", map[string]interface{}{
		"description":    "first",
		"assigned_agent": "researcher",
	}, &task)
	assert.Equal(t, http.StatusCreated, code)
	assert.Equal(t, 1, task.ID)

	var body map[string]interface{}
	code = doJSON(t, http.MethodPost, srv.URL+"/status/s1/plan/approve", map[string]interface{}{
		"approved": true,
	}, &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "approved", body["plan_approval_status"])

	st, err := tr.GetStatus("s1")
	require.NoError(t, err)
	require.NotNil(t, st.Plan)
	assert.Len(t, st.Plan.Tasks, 1)
}

func TestCleanupEndpoint(t *testing.T) {
	srv, tr := newTestServer(t)
	tr.StartSession("s1", "")

	var body map[string]interface{}
	code := doJSON(t, http.MethodDelete, srv.URL+"/status/s1", nil, &body)
	assert.Equal(t, http.StatusConflict, code)

	require.NoError(t, tr.CompleteSession("s1", ""))
	code = doJSON(t, http.MethodDelete, srv.URL+"/status/s1", nil, &body)
	assert.Equal(t, http.StatusOK, code)

	code = doJSON(t, http.MethodDelete, srv.URL+"/status/s1", nil, &body)
	assert.Equal(t, http.StatusNotFound, code)
}

func dialWS(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestWebSocketSnapshotOnConnect(t *testing.T) {
	srv, tr := newTestServer(t)
	tr.StartSession("s1", "")
	require.NoError(t, tr.UpdatePhase("s1", tracker.PhasePlanning, ""))

	conn := dialWS(t, srv, "s1")
	env := readEnvelope(t, conn)
	assert.Equal(t, "status.update", env.Type)
	assert.Equal(t, "s1", env.SessionID)

	status, ok := env.Data["status"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "planning", status["current_phase"])
}

func TestWebSocketReceivesEvents(t *testing.T) {
	srv, tr := newTestServer(t)
	tr.StartSession("s1", "")

	conn := dialWS(t, srv, "s1")
	env := readEnvelope(t, conn)
	require.Equal(t, "status.update", env.Type)

	require.NoError(t, tr.UpdatePhase("s1", tracker.PhaseResearching, "starting research"))
	env = readEnvelope(t, conn)
	assert.Equal(t, "phase.changed", env.Type)
	assert.Equal(t, "researching", env.Data["phase"])

	require.NoError(t, tr.SetActiveAgent("s1", "researcher", []string{"web_search"}))
	env = readEnvelope(t, conn)
	assert.Equal(t, "agent.started", env.Type)
	assert.Equal(t, "researcher", env.Data["agent"])
}

func TestWebSocketPingPong(t *testing.T) {
	srv, tr := newTestServer(t)
	tr.StartSession("s1", "")

	conn := dialWS(t, srv, "s1")
	readEnvelope(t, conn) // snapshot

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	env := readEnvelope(t, conn)
	assert.Equal(t, "pong", env.Type)
}

func TestWebSocketGetStatus(t *testing.T) {
	srv, tr := newTestServer(t)
	tr.StartSession("s1", "")

	conn := dialWS(t, srv, "s1")
	readEnvelope(t, conn) // snapshot

	require.NoError(t, tr.UpdatePhase("s1", tracker.PhaseCoding, "")) // generates one event
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "get_status"}))
	env := readEnvelope(t, conn)
	assert.Equal(t, "status.update", env.Type)
	status := env.Data["status"].(map[string]interface{})
	assert.Equal(t, "coding", status["current_phase"])
}

func TestWebSocketUnknownSessionSnapshot(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := dialWS(t, srv, "ghost")
	env := readEnvelope(t, conn)
	assert.Equal(t, "status.update", env.Type)
	status := env.Data["status"].(map[string]interface{})
	assert.Equal(t, "initializing", status["current_phase"])
}

func TestWebSocketServerIdlePing(t *testing.T) {
	hub := NewHub(8)
	tr := tracker.New(hub)
	api := NewAPI(tr, hub, 150*time.Millisecond)
	srv := httptest.NewServer(api.Routes())
	defer srv.Close()
	tr.StartSession("s1", "")

	conn := dialWS(t, srv, "s1")
	readEnvelope(t, conn) // snapshot

	// With no traffic the server pings after its idle timeout
	env := readEnvelope(t, conn)
	assert.Equal(t, "ping", env.Type)
}

func TestWebSocketEventAfterApproval(t *testing.T) {
	srv, tr := newTestServer(t)
	seedPlan(t, tr, "s1")

	conn := dialWS(t, srv, "s1")
	readEnvelope(t, conn) // snapshot

	var body map[string]interface{}
	code := doJSON(t, http.MethodPost, fmt.Sprintf("%s/status/%s/plan/approve", srv.URL, "s1"),
		map[string]interface{}{"approved": true}, &body)
	require.Equal(t, http.StatusOK, code)

	env := readEnvelope(t, conn)
	assert.Equal(t, "status.update", env.Type)
	assert.Equal(t, false, env.Data["modified"])
}
