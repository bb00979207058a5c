package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/carbonflow/agent/dispatch"
	"github.com/BaSui01/carbonflow/agent/persistence"
	"github.com/BaSui01/carbonflow/api"
	"github.com/BaSui01/carbonflow/events"
	"github.com/BaSui01/carbonflow/workflow"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type apiEnv struct {
	svc    *workflow.Service
	bus    *events.Bus
	routes *Routes
	mux    *http.ServeMux
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	reg := dispatch.NewRegistry()
	ok := dispatch.HandlerFunc(func(ctx context.Context, task *dispatch.Task) (any, error) {
		return map[string]any{"step": task.StepID}, nil
	})
	slow := dispatch.HandlerFunc(func(ctx context.Context, task *dispatch.Task) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, reg.RegisterHandler("data_collection", ok))
	require.NoError(t, reg.RegisterHandler("report_generator", ok))
	require.NoError(t, reg.RegisterHandler("slow", slow))
	for _, a := range []struct{ id, typ string }{
		{"collector-1", "data_collection"},
		{"collector-2", "data_collection"},
		{"reporter-1", "report_generator"},
		{"slow-1", "slow"},
	} {
		_, err := reg.RegisterAgent(a.id, a.typ, 4)
		require.NoError(t, err)
	}

	d := dispatch.NewDispatcher(reg, dispatch.NewRoundRobin(), nil, dispatch.Config{DefaultTimeout: 5 * time.Second}, nil, nil)
	bus := events.NewBus(50, nil, nil)

	cfg := workflow.DefaultConfig()
	cfg.TaskTimeout = 5 * time.Second
	svc, err := workflow.NewService(cfg, workflow.Options{
		Store:      persistence.NewMemoryStore(),
		Dispatcher: d,
		Bus:        bus,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	routes := NewRoutes(svc, bus, StreamConfig{PingInterval: time.Second}, zap.NewNop())
	mux := http.NewServeMux()
	routes.Register(mux, "1.0.0", "now", "abc")
	return &apiEnv{svc: svc, bus: bus, routes: routes, mux: mux}
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *ErrorInfo      `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	if out != nil && len(env.Data) > 0 {
		require.NoError(t, json.Unmarshal(env.Data, out))
	}
	return env
}

func pipeline(id string) map[string]any {
	return map[string]any{
		"id":       id,
		"name":     "Monthly footprint",
		"category": "reporting",
		"steps": []map[string]any{
			{"step_id": "collect", "agent_type": "data_collection"},
			{"step_id": "report", "agent_type": "report_generator", "dependencies": []string{"collect"}},
		},
		"coordination_mode": "sequential",
	}
}

func (e *apiEnv) waitStatus(t *testing.T, execID string, want workflow.ExecutionStatus) *workflow.Execution {
	t.Helper()
	var exec workflow.Execution
	require.Eventually(t, func() bool {
		w := e.do(t, http.MethodGet, "/api/v1/executions/"+execID, nil)
		if w.Code != http.StatusOK {
			return false
		}
		decode(t, w, &exec)
		return exec.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return &exec
}

// ---------------------------------------------------------------------------
// workflows
// ---------------------------------------------------------------------------

func TestWorkflowRoutes_Lifecycle(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/workflows", pipeline("wf-monthly"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created workflow.Definition
	decode(t, w, &created)
	assert.Equal(t, "wf-monthly", created.ID)
	assert.Equal(t, 1, created.Version)
	assert.True(t, created.IsActive)

	w = env.do(t, http.MethodGet, "/api/v1/workflows", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list api.WorkflowList
	decode(t, w, &list)
	assert.Equal(t, 1, list.Total)

	w = env.do(t, http.MethodPatch, "/api/v1/workflows/wf-monthly", map[string]any{"name": "Quarterly footprint"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var updated workflow.Definition
	decode(t, w, &updated)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "Quarterly footprint", updated.Name)

	w = env.do(t, http.MethodGet, "/api/v1/workflows/wf-monthly?version=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var v1 workflow.Definition
	decode(t, w, &v1)
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, "Monthly footprint", v1.Name)

	w = env.do(t, http.MethodDelete, "/api/v1/workflows/wf-monthly", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var archived workflow.Definition
	decode(t, w, &archived)
	assert.NotNil(t, archived.ArchivedAt)

	w = env.do(t, http.MethodGet, "/api/v1/workflows", nil)
	decode(t, w, &list)
	assert.Equal(t, 0, list.Total)

	w = env.do(t, http.MethodGet, "/api/v1/workflows?include_archived=true", nil)
	decode(t, w, &list)
	assert.Equal(t, 1, list.Total)

	// archived workflows no longer run
	w = env.do(t, http.MethodPost, "/api/v1/workflows/wf-monthly/execute", map[string]any{"subject_id": "msme-1"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestWorkflowRoutes_CreateRejectsCycle(t *testing.T) {
	env := newAPIEnv(t)

	def := map[string]any{
		"name": "cyclic",
		"steps": []map[string]any{
			{"step_id": "a", "agent_type": "data_collection", "dependencies": []string{"b"}},
			{"step_id": "b", "agent_type": "data_collection", "dependencies": []string{"a"}},
		},
	}
	w := env.do(t, http.MethodPost, "/api/v1/workflows", def)
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode(t, w, nil)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VALIDATION", resp.Error.Code)
}

func TestWorkflowRoutes_UnknownFieldRejected(t *testing.T) {
	env := newAPIEnv(t)

	def := pipeline("wf-x")
	def["owner"] = "someone"
	w := env.do(t, http.MethodPost, "/api/v1/workflows", def)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWorkflowRoutes_RequiresJSON(t *testing.T) {
	env := newAPIEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", strings.NewReader("name=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestWorkflowRoutes_NotFound(t *testing.T) {
	env := newAPIEnv(t)

	for _, path := range []string{
		"/api/v1/workflows/missing",
		"/api/v1/workflows/missing/stats",
		"/api/v1/workflows/missing/plan",
		"/api/v1/executions/missing",
	} {
		w := env.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}

	w := env.do(t, http.MethodPost, "/api/v1/workflows/missing/execute", map[string]any{"subject_id": "msme-1"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWorkflowRoutes_BadQuery(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/workflows?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/executions?status=DONE", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWorkflowRoutes_Plan(t *testing.T) {
	env := newAPIEnv(t)
	def := pipeline("wf-plan")
	def["coordination_mode"] = "parallel"
	def["steps"] = []map[string]any{
		{"step_id": "collect", "agent_type": "data_collection"},
		{"step_id": "collect_bills", "agent_type": "data_collection"},
		{"step_id": "report", "agent_type": "report_generator", "dependencies": []string{"collect", "collect_bills"}},
	}
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/workflows", def).Code)

	w := env.do(t, http.MethodGet, "/api/v1/workflows/wf-plan/plan", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var plan workflow.PlanSummary
	decode(t, w, &plan)
	assert.Equal(t, "wf-plan", plan.WorkflowID)
	assert.Equal(t, 1, plan.Version)
	assert.Equal(t, workflow.ModeParallel, plan.Mode)
	assert.ElementsMatch(t, []string{"collect", "collect_bills"}, plan.Roots)
	require.Len(t, plan.Layers, 2)
	assert.ElementsMatch(t, []string{"collect", "collect_bills"}, plan.Layers[0])
	assert.Equal(t, []string{"report"}, plan.Layers[1])
	assert.Empty(t, plan.Groups)

	w = env.do(t, http.MethodGet, "/api/v1/workflows/wf-plan/plan?version=3", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, http.MethodGet, "/api/v1/workflows/wf-plan/plan?version=x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ---------------------------------------------------------------------------
// executions
// ---------------------------------------------------------------------------

func TestExecutionRoutes_ExecuteAndQuery(t *testing.T) {
	env := newAPIEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/workflows", pipeline("wf-run")).Code)

	w := env.do(t, http.MethodPost, "/api/v1/workflows/wf-run/execute", map[string]any{
		"subject_id": "msme-42",
		"input":      map[string]any{"period": "2026-09"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var ref workflow.ExecutionRef
	decode(t, w, &ref)
	require.NotEmpty(t, ref.ExecutionID)
	assert.Equal(t, "/api/v1/executions/"+ref.ExecutionID, w.Header().Get("Location"))
	assert.Equal(t, 1, ref.Version)

	exec := env.waitStatus(t, ref.ExecutionID, workflow.ExecutionCompleted)
	assert.Equal(t, "msme-42", exec.SubjectID)
	require.Len(t, exec.Steps, 2)
	for i, step := range exec.Steps {
		assert.Equal(t, workflow.StepCompleted, step.Status)
		assert.Equal(t, i, step.Layer, step.StepID)
	}

	w = env.do(t, http.MethodGet, "/api/v1/executions?workflow_id=wf-run&status=COMPLETED", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list api.ExecutionList
	decode(t, w, &list)
	assert.Equal(t, 1, list.Total)

	w = env.do(t, http.MethodGet, "/api/v1/executions?subject_id=someone-else", nil)
	decode(t, w, &list)
	assert.Equal(t, 0, list.Total)

	w = env.do(t, http.MethodGet, "/api/v1/workflows/wf-run/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats workflow.WorkflowStats
	decode(t, w, &stats)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Successful)
	assert.InDelta(t, 1.0, stats.SuccessRate, 0.0001)

	// cancelling a finished execution is a state conflict
	w = env.do(t, http.MethodPost, "/api/v1/executions/"+ref.ExecutionID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestExecutionRoutes_ExecuteRequiresSubject(t *testing.T) {
	env := newAPIEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/workflows", pipeline("wf-run")).Code)

	w := env.do(t, http.MethodPost, "/api/v1/workflows/wf-run/execute", map[string]any{"subject_id": "  "})
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode(t, w, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INVALID_REQUEST", resp.Error.Code)
}

func TestExecutionRoutes_Cancel(t *testing.T) {
	env := newAPIEnv(t)
	def := map[string]any{
		"id":    "wf-slow",
		"name":  "slow",
		"steps": []map[string]any{{"step_id": "wait", "agent_type": "slow"}},
	}
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/workflows", def).Code)

	w := env.do(t, http.MethodPost, "/api/v1/workflows/wf-slow/execute", map[string]any{"subject_id": "msme-1"})
	require.Equal(t, http.StatusAccepted, w.Code)
	var ref workflow.ExecutionRef
	decode(t, w, &ref)

	env.waitStatus(t, ref.ExecutionID, workflow.ExecutionRunning)

	w = env.do(t, http.MethodPost, "/api/v1/executions/"+ref.ExecutionID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var cancelled api.CancelResponse
	decode(t, w, &cancelled)
	assert.True(t, cancelled.Cancelled)
	assert.Equal(t, ref.ExecutionID, cancelled.ExecutionID)

	env.waitStatus(t, ref.ExecutionID, workflow.ExecutionCancelled)

	w = env.do(t, http.MethodPost, "/api/v1/executions/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ---------------------------------------------------------------------------
// events & agents
// ---------------------------------------------------------------------------

func TestEventRoutes_EmitTriggersWorkflow(t *testing.T) {
	env := newAPIEnv(t)
	def := pipeline("wf-on-txn")
	def["trigger"] = map[string]any{"type": "event", "events": []string{"transaction.created"}}
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/workflows", def).Code)

	w := env.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"event_type": "transaction.created",
		"payload":    map[string]any{"msme_id": "msme-7", "amount": 1200},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var ev events.Event
	decode(t, w, &ev)
	assert.Equal(t, "transaction.created", ev.Type)
	assert.Equal(t, "api", ev.Source)
	require.Len(t, ev.Executions, 1)
	assert.Equal(t, "wf-on-txn", ev.Executions[0].WorkflowID)

	env.waitStatus(t, ev.Executions[0].ExecutionID, workflow.ExecutionCompleted)

	w = env.do(t, http.MethodGet, "/api/v1/events?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var recent api.EventList
	decode(t, w, &recent)
	ids := make([]string, 0, recent.Total)
	for _, e := range recent.Events {
		ids = append(ids, e.ID)
	}
	assert.Contains(t, ids, ev.ID)
}

func TestEventRoutes_EmitRequiresType(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/events", map[string]any{"payload": map[string]any{"x": 1}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAgentRoutes_List(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list api.AgentList
	decode(t, w, &list)
	require.Equal(t, 4, list.Total)
	assert.Equal(t, "collector-1", list.Agents[0].ID)
	assert.Equal(t, "slow-1", list.Agents[3].ID)

	w = env.do(t, http.MethodGet, "/api/v1/agents?type=data_collection", nil)
	decode(t, w, &list)
	assert.Equal(t, 2, list.Total)
	for _, a := range list.Agents {
		assert.Equal(t, "data_collection", a.Type)
	}
}

func TestHealthRoutes(t *testing.T) {
	env := newAPIEnv(t)

	for _, path := range []string{"/health", "/healthz", "/ready", "/readyz"} {
		w := env.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	w := env.do(t, http.MethodGet, "/version", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var info map[string]string
	decode(t, w, &info)
	assert.Equal(t, "1.0.0", info["version"])
}

// ---------------------------------------------------------------------------
// event stream
// ---------------------------------------------------------------------------

func TestEventStream_DeliversEvents(t *testing.T) {
	env := newAPIEnv(t)
	srv := httptest.NewServer(env.mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events/stream?type=invoice.uploaded"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.Eventually(t, func() bool {
		return env.routes.Events.ActiveStreams() == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err = env.svc.EmitEvent(ctx, "transaction.created", map[string]any{"msme_id": "msme-1"}, "test")
	require.NoError(t, err)
	_, err = env.svc.EmitEvent(ctx, "invoice.uploaded", map[string]any{"msme_id": "msme-1"}, "test")
	require.NoError(t, err)

	var got events.Event
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.Equal(t, "invoice.uploaded", got.Type)
	assert.Equal(t, "msme-1", got.SubjectID)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool {
		return env.routes.Events.ActiveStreams() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEventStream_NoBus(t *testing.T) {
	h := NewEventHandler(nil, nil, StreamConfig{}, zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleStream(w, httptest.NewRequest(http.MethodGet, "/api/v1/events/stream", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
