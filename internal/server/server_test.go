package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisrpa/aegis/internal/admission"
	"github.com/aegisrpa/aegis/internal/cache"
	"github.com/aegisrpa/aegis/internal/executor"
	"github.com/aegisrpa/aegis/internal/plan"
	"github.com/aegisrpa/aegis/internal/session"
	"github.com/aegisrpa/aegis/internal/status"
	"github.com/aegisrpa/aegis/internal/store"
)

type okExecutor struct{}

func (okExecutor) Execute(ctx context.Context, call plan.ToolCall) executor.ActionResult {
	return executor.ActionResult{Success: true, Detail: "done"}
}

type stubPlanner struct{}

func (stubPlanner) Plan(ctx context.Context, instruction string) (*plan.ExecutionPlan, error) {
	return &plan.ExecutionPlan{
		Instruction: instruction,
		Steps:       []plan.ToolCall{{Name: "launch", Args: map[string]any{"app": "editor"}}},
	}, nil
}

type testEnv struct {
	server    *Server
	manager   *session.Manager
	history   *store.HistoryStore
	publisher *status.Publisher
	ts        *httptest.Server
}

func newTestEnv(t *testing.T, queueDepth int) *testEnv {
	t.Helper()

	history, err := store.NewHistoryStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })

	publisher := status.NewPublisher()
	manager := session.NewManager(publisher, history, okExecutor{}, nil)
	planCache := cache.New(10, time.Hour, 0.95, cache.TrigramEmbedder{})
	queue := admission.NewQueue(manager, planCache, stubPlanner{}, queueDepth, 10*time.Second, nil)

	srv := NewServer(queue, manager, history, publisher, "127.0.0.1", 0)
	ts := httptest.NewServer(srv.router)
	t.Cleanup(ts.Close)

	return &testEnv{server: srv, manager: manager, history: history, publisher: publisher, ts: ts}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, 2)

	resp, err := http.Get(env.ts.URL + "/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "worker_state")
	assert.Contains(t, body, "queued")
	assert.Contains(t, body, "last_heartbeat")
}

func TestServerBindsConfiguredHost(t *testing.T) {
	srv := NewServer(nil, nil, nil, nil, "0.0.0.0", 8000)
	assert.Equal(t, "0.0.0.0:8000", srv.httpServer.Addr)
}

func TestSubmitTask(t *testing.T) {
	env := newTestEnv(t, 2)

	resp := postJSON(t, env.ts.URL+"/api/tasks", map[string]string{
		"instruction": "open the editor",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.NotEmpty(t, body["session_id"])
	assert.Equal(t, "pending", body["status"])

	sess := env.manager.Get(body["session_id"])
	require.NotNil(t, sess)
	assert.Equal(t, session.StatusPending, sess.Status)
}

func TestSubmitTaskInvalidInstruction(t *testing.T) {
	env := newTestEnv(t, 2)

	resp := postJSON(t, env.ts.URL+"/api/tasks", map[string]string{"instruction": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Post(env.ts.URL+"/api/tasks", "application/json", strings.NewReader("{broken"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestSubmitTaskQueueFull(t *testing.T) {
	env := newTestEnv(t, 1)

	resp := postJSON(t, env.ts.URL+"/api/tasks", map[string]string{"instruction": "first task"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, env.ts.URL+"/api/tasks", map[string]string{"instruction": "second task"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp.Body.Close()
}

func TestGetSessionLiveAndUnknown(t *testing.T) {
	env := newTestEnv(t, 2)

	id := env.manager.Create("look at this task")

	resp, err := http.Get(env.ts.URL + "/api/sessions/" + id)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got session.ExecutionSession
	decodeBody(t, resp, &got)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, session.StatusPending, got.Status)

	resp, err = http.Get(env.ts.URL + "/api/sessions/ghost")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestGetSessionFallsBackToHistory(t *testing.T) {
	env := newTestEnv(t, 2)

	now := time.Now().UTC()
	stored := &session.ExecutionSession{
		ID:          "restarted-session",
		Instruction: "a task from before the restart",
		Status:      session.StatusCompleted,
		CreatedAt:   now,
		UpdatedAt:   now,
		CompletedAt: &now,
	}
	require.NoError(t, env.history.Save(stored))

	resp, err := http.Get(env.ts.URL + "/api/sessions/restarted-session")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got session.ExecutionSession
	decodeBody(t, resp, &got)
	assert.Equal(t, session.StatusCompleted, got.Status)
}

func TestCancelSession(t *testing.T) {
	env := newTestEnv(t, 2)

	id := env.manager.Create("cancel this task")

	resp, err := http.Post(env.ts.URL+"/api/sessions/"+id+"/cancel", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	assert.Equal(t, session.StatusCancelled, env.manager.Get(id).Status)

	// Cancelling again reports the terminal state instead of failing.
	resp, err = http.Post(env.ts.URL+"/api/sessions/"+id+"/cancel", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "cancelled", body["status"])

	resp, err = http.Post(env.ts.URL+"/api/sessions/ghost/cancel", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestHistoryEndpoints(t *testing.T) {
	env := newTestEnv(t, 2)

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		s := &session.ExecutionSession{
			ID:          fmt.Sprintf("hist-%d", i),
			Instruction: "some finished task",
			Status:      session.StatusCompleted,
			CreatedAt:   now.Add(time.Duration(i) * time.Minute),
			UpdatedAt:   now,
			CompletedAt: &now,
		}
		require.NoError(t, env.history.Save(s))
	}

	resp, err := http.Get(env.ts.URL + "/api/history?limit=2")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var summaries []store.SessionSummary
	decodeBody(t, resp, &summaries)
	require.Len(t, summaries, 2)
	assert.Equal(t, "hist-2", summaries[0].ID)

	resp, err = http.Get(env.ts.URL + "/api/history/hist-0")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var got session.ExecutionSession
	decodeBody(t, resp, &got)
	assert.Equal(t, "hist-0", got.ID)

	resp, err = http.Get(env.ts.URL + "/api/history/ghost")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestWebSocketStreamsEventsUntilClose(t *testing.T) {
	env := newTestEnv(t, 2)

	id := env.manager.Create("stream this task")

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws/" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	env.publisher.Publish(id, session.StatusEvent{
		SessionID:     id,
		OverallStatus: session.StatusInProgress,
		Message:       "execution started",
		Timestamp:     time.Now(),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev session.StatusEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "execution started", ev.Message)

	// Closing the topic ends the stream with a normal close.
	env.publisher.CloseTopic(id)
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestWebSocketUnknownSession(t *testing.T) {
	env := newTestEnv(t, 2)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws/ghost"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketClosesWhenSessionFinalizesAroundConnect(t *testing.T) {
	env := newTestEnv(t, 2)

	id := env.manager.Create("finish while the client connects")

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws/" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Finalize while the handler may still be between its session lookup
	// and its subscription. Whichever side the finalize lands on, the
	// client must see a normal close, never a silent hang.
	_, err = env.manager.Cancel(id)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err = conn.ReadMessage()
		if err != nil {
			break
		}
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected normal close, got: %v", err)
}

func TestWebSocketTerminalSessionSendsRecordAndCloses(t *testing.T) {
	env := newTestEnv(t, 2)

	id := env.manager.Create("already finished task")
	_, err := env.manager.Cancel(id)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws/" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got session.ExecutionSession
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, session.StatusCancelled, got.Status)

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}
