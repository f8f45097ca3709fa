package agui

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge-dev/agentbridge/pkg/agui/config"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/llm"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/session"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/tools"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/wire"
)

func testConfig() *config.Config {
	return &config.Config{
		AppName: "test-app",
		Server:  config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Store:   config.StoreConfig{Backend: "memory"},
		Runner:  config.RunnerConfig{MaxToolCycles: 5},
		Model:   config.ModelConfig{Name: "scripted"},
	}
}

func newTestApp(t *testing.T, model llm.Client, registry *tools.Registry) *App {
	t.Helper()
	if registry == nil {
		registry = tools.NewRegistry()
	}
	app, err := NewApp(testConfig(), model, registry)
	require.NoError(t, err)
	return app
}

func postRun(t *testing.T, handler http.Handler, input *wire.RunAgentInput, headers map[string]string) []*wire.Event {
	t.Helper()

	body, err := json.Marshal(input)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/agui/run", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var events []*wire.Event
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		ev, err := wire.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")))
		require.NoError(t, err)
		events = append(events, ev)
	}
	return events
}

func TestRunEndpoint_TextTurn(t *testing.T) {
	app := newTestApp(t, llm.NewScriptedClient(llm.TextResponse("Hi from agent")), nil)

	events := postRun(t, app.Handler(), &wire.RunAgentInput{
		ThreadID: "thread-1",
		Messages: []wire.Message{{Role: "user", Content: "hello"}},
	}, nil)

	require.NotEmpty(t, events)
	assert.Equal(t, wire.EventTypeRunStarted, events[0].Type)
	assert.Equal(t, wire.EventTypeRunFinished, events[len(events)-1].Type)
	assert.Equal(t, wire.EventTypeStateSnapshot, events[len(events)-2].Type)

	var sawText bool
	for _, ev := range events {
		if ev.Type == wire.EventTypeTextMessageContent {
			chunk, err := ev.TextDelta()
			require.NoError(t, err)
			assert.Equal(t, "Hi from agent", chunk)
			sawText = true
		}
	}
	assert.True(t, sawText)
}

func TestRunEndpoint_ToolTurn(t *testing.T) {
	registry := tools.NewRegistry(tools.NewFuncTool("remember", "stores a fact", nil,
		func(ctx context.Context, args map[string]any, toolCtx *tools.Context) (string, error) {
			if err := toolCtx.Recorder.Set("/fact", args["fact"]); err != nil {
				return "", err
			}
			return "stored", nil
		}))

	model := llm.NewScriptedClient(
		llm.ToolCallResponse("", &session.ToolCall{
			ID:   "call-1",
			Name: "remember",
			Args: map[string]any{"fact": "sky is blue"},
		}),
		llm.TextResponse("Noted."),
	)
	app := newTestApp(t, model, registry)

	events := postRun(t, app.Handler(), &wire.RunAgentInput{
		ThreadID: "thread-1",
		Messages: []wire.Message{{Role: "user", Content: "remember that the sky is blue"}},
	}, nil)

	var types []wire.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, wire.EventTypeToolCallStart)
	assert.Contains(t, types, wire.EventTypeToolCallResult)
	assert.Contains(t, types, wire.EventTypeStateDelta)

	snapshot := events[len(events)-2]
	require.Equal(t, wire.EventTypeStateSnapshot, snapshot.Type)
	assert.Equal(t, "sky is blue", snapshot.Snapshot["fact"])

	// START for a tool call precedes every other event carrying its id.
	startIdx, resultIdx := -1, -1
	for i, ev := range events {
		switch ev.Type {
		case wire.EventTypeToolCallStart:
			startIdx = i
		case wire.EventTypeToolCallResult:
			resultIdx = i
		}
	}
	assert.Less(t, startIdx, resultIdx)
}

func TestRunEndpoint_IdentityHeadersReachSessionState(t *testing.T) {
	app := newTestApp(t, llm.NewScriptedClient(llm.TextResponse("ok")), nil)

	postRun(t, app.Handler(), &wire.RunAgentInput{
		ThreadID: "thread-7",
		Messages: []wire.Message{{Role: "user", Content: "hi"}},
	}, map[string]string{"X-User-Id": "alice", "X-Session-Id": "sess-7"})

	sess, err := app.Store.GetSession(context.Background(), "test-app", "alice", "sess-7")
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.State[session.KeyUserID])
	assert.Equal(t, "sess-7", sess.State[session.KeySessionID])
	assert.Equal(t, "thread-7", sess.State[session.KeyThreadID])
}

func TestRunEndpoint_StaticUserIDWinsOverHeaders(t *testing.T) {
	cfg := testConfig()
	cfg.Identity.StaticUserID = "dev-user"
	app, err := NewApp(cfg, llm.NewScriptedClient(llm.TextResponse("ok")), tools.NewRegistry())
	require.NoError(t, err)

	postRun(t, app.Handler(), &wire.RunAgentInput{
		ThreadID: "thread-8",
		Messages: []wire.Message{{Role: "user", Content: "hi"}},
	}, map[string]string{"X-User-Id": "alice", "X-Session-Id": "sess-8"})

	// The configured user pins the session; the header identity loses.
	sess, err := app.Store.GetSession(context.Background(), "test-app", "dev-user", "sess-8")
	require.NoError(t, err)
	assert.Equal(t, "dev-user", sess.UserID)

	_, err = app.Store.GetSession(context.Background(), "test-app", "alice", "sess-8")
	assert.Error(t, err)
}

func TestRunEndpoint_SyntheticIdentityFromThread(t *testing.T) {
	app := newTestApp(t, llm.NewScriptedClient(llm.TextResponse("ok")), nil)

	postRun(t, app.Handler(), &wire.RunAgentInput{
		ThreadID: "thread-9",
		Messages: []wire.Message{{Role: "user", Content: "hi"}},
	}, nil)

	sess, err := app.Store.GetSession(context.Background(), "test-app", "thread_user_thread-9", "thread-9")
	require.NoError(t, err)
	assert.Equal(t, "thread_user_thread-9", sess.UserID)
}

func TestRunEndpoint_MissingIdentityIsRunError(t *testing.T) {
	app := newTestApp(t, llm.NewScriptedClient(), nil)

	events := postRun(t, app.Handler(), &wire.RunAgentInput{}, nil)
	require.NotEmpty(t, events)
	assert.Equal(t, wire.EventTypeRunError, events[len(events)-1].Type)
}

func TestRunEndpoint_BusySessionRejected(t *testing.T) {
	app := newTestApp(t, llm.NewScriptedClient(llm.TextResponse("ok")), nil)

	require.True(t, app.acquireRun("thread-1"))
	events := postRun(t, app.Handler(), &wire.RunAgentInput{
		ThreadID: "thread-1",
		Messages: []wire.Message{{Role: "user", Content: "hi"}},
	}, nil)
	app.releaseRun("thread-1")

	require.NotEmpty(t, events)
	assert.Equal(t, wire.EventTypeRunError, events[len(events)-1].Type)
	assert.Contains(t, events[len(events)-1].Error, "already in progress")
}

func TestSessionAPI_CRUD(t *testing.T) {
	app := newTestApp(t, llm.NewScriptedClient(), nil)
	handler := app.Handler()

	body := `{"user_id":"alice","session_id":"sess-1","state":{"color":"green"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/sessions/sess-1?user=alice", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var sess session.Session
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sess))
	assert.Equal(t, "green", sess.State["color"])

	req = httptest.NewRequest(http.MethodGet, "/api/sessions?user=alice", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []*session.Session
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Len(t, list, 1)

	req = httptest.NewRequest(http.MethodDelete, "/api/sessions/sess-1?user=alice", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/sessions/sess-1?user=alice", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionAPI_RejectsReservedKeys(t *testing.T) {
	app := newTestApp(t, llm.NewScriptedClient(), nil)

	body := fmt.Sprintf(`{"user_id":"alice","state":{%q:"spoof"}}`, session.KeyUserID)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	app := newTestApp(t, llm.NewScriptedClient(), nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "test-app", health["app"])
}

func TestMetricsEndpoint(t *testing.T) {
	app := newTestApp(t, llm.NewScriptedClient(llm.TextResponse("ok")), nil)

	postRun(t, app.Handler(), &wire.RunAgentInput{
		ThreadID: "thread-1",
		Messages: []wire.Message{{Role: "user", Content: "hi"}},
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "agentbridge_runs_started_total")
	assert.Contains(t, rec.Body.String(), "agentbridge_wire_events_emitted_total")
}

func TestRunEndpoint_SecondTurnSeesFirstTurnState(t *testing.T) {
	registry := tools.NewRegistry(tools.NewFuncTool("set_mood", "sets the mood", nil,
		func(ctx context.Context, args map[string]any, toolCtx *tools.Context) (string, error) {
			if err := toolCtx.Recorder.Set("/mood", "sunny"); err != nil {
				return "", err
			}
			return "done", nil
		}))
	model := llm.NewScriptedClient(
		llm.ToolCallResponse("", &session.ToolCall{ID: "c1", Name: "set_mood", Args: map[string]any{}}),
		llm.TextResponse("Mood set."),
		llm.TextResponse("Still sunny."),
	)
	app := newTestApp(t, model, registry)

	postRun(t, app.Handler(), &wire.RunAgentInput{
		ThreadID: "thread-1",
		Messages: []wire.Message{{Role: "user", Content: "set the mood"}},
	}, nil)

	events := postRun(t, app.Handler(), &wire.RunAgentInput{
		ThreadID: "thread-1",
		Messages: []wire.Message{{Role: "user", Content: "what mood?"}},
	}, nil)

	snapshot := events[len(events)-2]
	require.Equal(t, wire.EventTypeStateSnapshot, snapshot.Type)
	assert.Equal(t, "sunny", snapshot.Snapshot["mood"])
}
