package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ui-automation/internal/apiserver/agent"
	"ui-automation/internal/apiserver/dispatch"
	"ui-automation/internal/apiserver/reconcile"
	"ui-automation/internal/apiserver/scheduler"
	"ui-automation/internal/shared/model"
	"ui-automation/internal/shared/storage/memstore"
	"ui-automation/pkg/engine"
	"ui-automation/pkg/protocol"
)

// blockingEngine 执行直到 ctx 取消或 release 关闭
type blockingEngine struct {
	release chan struct{}
}

func (e *blockingEngine) Name() string { return "blocking" }

func (e *blockingEngine) Run(ctx context.Context, tc *model.TestCase, executionID string, sink engine.Sink) engine.Result {
	sink.Log("started")
	select {
	case <-e.release:
		return engine.Result{Status: model.ExecutionStatusSuccess, ReportPath: executionID + ".html"}
	case <-ctx.Done():
		return engine.Failed(engine.CancelledMessage, "")
	}
}

func (e *blockingEngine) Cancel(executionID string) bool { return false }

type testServer struct {
	store     *memstore.Store
	engine    *blockingEngine
	scheduler *scheduler.Scheduler
	handler   *Handler
	server    *httptest.Server
	reportDir string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memstore.NewStore()
	reportDir := t.TempDir()
	metrics := NewMetrics("uiauto_test")
	hub := NewEventHub(metrics)

	d := dispatch.New(agent.NewRegistry(), dispatch.Options{ReportDir: reportDir, CancelGrace: 50 * time.Millisecond})
	eng := &blockingEngine{release: make(chan struct{})}
	sched, err := scheduler.NewScheduler(scheduler.DefaultConfig(), reconcile.New(store, hub), d, eng)
	require.NoError(t, err)

	h := NewHandler(Options{Scheduler: sched, Hub: hub, Metrics: metrics, ReportDir: reportDir})
	srv := httptest.NewServer(h.Router())

	ts := &testServer{store: store, engine: eng, scheduler: sched, handler: h, server: srv, reportDir: reportDir}
	t.Cleanup(func() {
		close(eng.release)
		srv.Close()
		sched.Close()
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (ts *testServer) seedCase(t *testing.T, id string, platform model.Platform) {
	t.Helper()
	now := time.Now()
	require.NoError(t, ts.store.SaveTestCase(context.Background(), &model.TestCase{
		ID:        id,
		Name:      id,
		Platform:  platform,
		Steps:     []model.Step{{ID: "s1", Action: "打开首页"}},
		Status:    model.CaseStatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

func (ts *testServer) waitStatus(t *testing.T, id string, want model.ExecutionStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		exe, err := ts.store.GetExecution(context.Background(), id)
		return err == nil && exe != nil && exe.Status == want
	}, 3*time.Second, 10*time.Millisecond)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestTestCaseCRUD(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/testcases", map[string]any{
		"name":  "登录",
		"steps": []map[string]string{{"id": "s1", "action": "点击登录"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := decodeBody(t, resp)["data"].(map[string]any)
	id := created["id"].(string)
	assert.NotEmpty(t, id)
	assert.Equal(t, "web", created["platform"])
	assert.Equal(t, "idle", created["status"])

	resp = ts.do(t, http.MethodPut, "/api/v1/testcases/"+id, map[string]any{"name": "", "description": "新描述"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decodeBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, "登录", updated["name"])
	assert.Equal(t, "新描述", updated["description"])

	resp = ts.do(t, http.MethodGet, "/api/v1/testcases", nil)
	assert.Len(t, decodeBody(t, resp)["data"], 1)

	resp = ts.do(t, http.MethodDelete, "/api/v1/testcases/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodDelete, "/api/v1/testcases/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Test case not found", decodeBody(t, resp)["error"])

	resp = ts.do(t, http.MethodGet, "/api/v1/testcases/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRequestValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		wantCode int
		wantErr  string
	}{
		{"无效 JSON", http.MethodPost, "/api/v1/testcases", "{bad", http.StatusBadRequest, "无效的 JSON 请求体"},
		{"批量空数组", http.MethodPost, "/api/v1/batch-execute", map[string]any{"caseIds": []any{}}, http.StatusBadRequest, "caseIds 不能为空数组"},
		{"批量只有非字符串", http.MethodPost, "/api/v1/batch-execute", map[string]any{"caseIds": []any{1, true}}, http.StatusBadRequest, "caseIds 不能为空数组"},
		{"批量用例不存在", http.MethodPost, "/api/v1/batch-execute", map[string]any{"caseIds": []any{"x1", "x2"}}, http.StatusNotFound, "未找到测试用例: x1, x2"},
		{"临时用例缺少平台", http.MethodPost, "/api/v1/run-raw", map[string]any{"steps": []map[string]string{{"action": "a"}}}, http.StatusBadRequest, "Missing or invalid platform (web, android, ios)"},
		{"临时用例缺少步骤", http.MethodPost, "/api/v1/run-raw", map[string]any{"platform": "web"}, http.StatusBadRequest, "Missing or empty steps array"},
		{"执行不存在", http.MethodGet, "/api/v1/executions/nope", nil, http.StatusNotFound, "未找到执行记录"},
		{"报告执行不存在", http.MethodGet, "/api/v1/executions/nope/report", nil, http.StatusNotFound, "未找到执行记录"},
		{"停止不存在的执行", http.MethodPost, "/api/v1/executions/nope/stop", nil, http.StatusNotFound, "Execution not found or already finished"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantCode, resp.StatusCode)
			assert.Equal(t, tt.wantErr, decodeBody(t, resp)["error"])
		})
	}
}

func TestExecuteAndStop(t *testing.T) {
	ts := newTestServer(t)
	ts.seedCase(t, "tc-web", model.PlatformWeb)

	resp := ts.do(t, http.MethodPost, "/api/v1/testcases/tc-web/execute", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	exe := decodeBody(t, resp)["data"].(map[string]any)
	id := exe["id"].(string)
	assert.Equal(t, "tc-web", exe["caseId"])

	ts.waitStatus(t, id, model.ExecutionStatusRunning)

	resp = ts.do(t, http.MethodGet, "/api/v1/executions/"+id+"/report", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "报告尚未生成或生成失败", decodeBody(t, resp)["error"])

	resp = ts.do(t, http.MethodPost, "/api/v1/executions/"+id+"/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decodeBody(t, resp)["ok"])

	ts.waitStatus(t, id, model.ExecutionStatusFailed)

	resp = ts.do(t, http.MethodGet, "/api/v1/executions?caseId=tc-web&page=1&pageSize=10", nil)
	body := decodeBody(t, resp)
	assert.EqualValues(t, 1, body["total"])
	assert.EqualValues(t, 1, body["page"])
	assert.EqualValues(t, 10, body["pageSize"])
	assert.Len(t, body["data"], 1)
}

func TestBatchExecute(t *testing.T) {
	ts := newTestServer(t)
	ts.seedCase(t, "tc-1", model.PlatformWeb)
	ts.seedCase(t, "tc-2", model.PlatformWeb)

	resp := ts.do(t, http.MethodPost, "/api/v1/batch-execute", map[string]any{"caseIds": []any{"tc-1", 3, "tc-2"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := decodeBody(t, resp)["data"].(map[string]any)
	assert.NotEmpty(t, data["batchId"])
	assert.Len(t, data["executions"], 2)
}

func TestExecuteRemoteWithoutAgent(t *testing.T) {
	ts := newTestServer(t)
	ts.seedCase(t, "tc-android", model.PlatformAndroid)

	resp := ts.do(t, http.MethodPost, "/api/v1/testcases/tc-android/execute", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAdminStopAll(t *testing.T) {
	ts := newTestServer(t)
	ts.seedCase(t, "tc-1", model.PlatformWeb)

	resp := ts.do(t, http.MethodPost, "/api/v1/testcases/tc-1/execute", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := decodeBody(t, resp)["data"].(map[string]any)["id"].(string)
	ts.waitStatus(t, id, model.ExecutionStatusRunning)

	resp = ts.do(t, http.MethodPost, "/api/v1/admin/stop-all", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := decodeBody(t, resp)["data"].(map[string]any)
	assert.EqualValues(t, 1, data["count"])
	ts.waitStatus(t, id, model.ExecutionStatusFailed)

	resp = ts.do(t, http.MethodPost, "/api/v1/admin/reset-status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data = decodeBody(t, resp)["data"].(map[string]any)
	assert.EqualValues(t, 0, data["count"])
}

func TestReportRedirectAndServe(t *testing.T) {
	ts := newTestServer(t)
	now := time.Now()
	require.NoError(t, ts.store.CreateExecution(context.Background(), &model.Execution{
		ID:         "exe-1",
		CaseID:     "tc-1",
		Status:     model.ExecutionStatusSuccess,
		ReportPath: "exe-1.html",
		CreatedAt:  now,
	}))
	require.NoError(t, os.WriteFile(filepath.Join(ts.reportDir, "exe-1.html"), []byte("<html>ok</html>"), 0o644))

	resp := ts.do(t, http.MethodGet, "/api/v1/executions/exe-1/report", nil)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/reports/exe-1.html", resp.Header.Get("Location"))

	resp = ts.do(t, http.MethodGet, "/reports/exe-1.html", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/reports/missing.html", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAgentWebSocketRegister(t *testing.T) {
	ts := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/ws/agent"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	msg, err := protocol.Encode(protocol.TypeRegister, protocol.RegisterPayload{
		ID:         "agent-1",
		Platform:   model.PlatformAndroid,
		DeviceName: "Pixel",
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, msg))

	require.Eventually(t, func() bool {
		return ts.scheduler.Dispatcher().Registry().Count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp := ts.do(t, http.MethodGet, "/api/v1/agents", nil)
	agents := decodeBody(t, resp)["data"].([]any)
	require.Len(t, agents, 1)
	assert.Equal(t, "agent-1", agents[0].(map[string]any)["id"])

	conn.Close()
	require.Eventually(t, func() bool {
		return ts.scheduler.Dispatcher().Registry().Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestObserverWebSocketReceivesEvents(t *testing.T) {
	ts := newTestServer(t)
	ts.seedCase(t, "tc-1", model.PlatformWeb)
	wsURL := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return ts.handler.Hub().ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp := ts.do(t, http.MethodPost, "/api/v1/testcases/tc-1/execute", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var event model.Event
	require.NoError(t, json.Unmarshal(data, &event))
	assert.Contains(t, []model.EventType{model.EventTypeExecution, model.EventTypeTestCase}, event.Type)
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{"健康检查", "/health", "/health"},
		{"用例详情", "/api/v1/testcases/abc", "/api/v1/testcases/{id}"},
		{"用例执行", "/api/v1/testcases/abc/execute", "/api/v1/testcases/{id}/execute"},
		{"执行报告", "/api/v1/executions/e1/report", "/api/v1/executions/{id}/report"},
		{"报告文件", "/reports/e1.html", "/reports/{file}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizePath(tt.path))
		})
	}
}
