package agentclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ui-automation/internal/shared/model"
	"ui-automation/pkg/engine"
	"ui-automation/pkg/protocol"
)

type received struct {
	typ     protocol.MessageType
	payload any
}

// fakeScheduler 模拟调度器的 /ws/agent 端点
type fakeScheduler struct {
	server *httptest.Server
	conns  chan *websocket.Conn
	msgs   chan received
}

func newFakeScheduler(t *testing.T) *fakeScheduler {
	t.Helper()
	f := &fakeScheduler{
		conns: make(chan *websocket.Conn, 8),
		msgs:  make(chan received, 256),
	}
	upgrader := websocket.Upgrader{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			typ, payload, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			f.msgs <- received{typ: typ, payload: payload}
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeScheduler) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeScheduler) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not connect")
		return nil
	}
}

// waitFor 丢弃其他消息，直到收到指定类型
func (f *fakeScheduler) waitFor(t *testing.T, typ protocol.MessageType) any {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case m := <-f.msgs:
			if m.typ == typ {
				return m.payload
			}
		case <-deadline:
			t.Fatalf("did not receive %s", typ)
			return nil
		}
	}
}

func sendTo(t *testing.T, conn *websocket.Conn, typ protocol.MessageType, payload any) {
	t.Helper()
	data, err := protocol.Encode(typ, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func startClient(t *testing.T, f *fakeScheduler, eng engine.Engine, reportDir string) context.CancelFunc {
	t.Helper()
	c, err := New(Options{
		ServerURL:         f.url(),
		ID:                "agent-1",
		Platform:          model.PlatformAndroid,
		DeviceName:        "Pixel 7",
		ReportDir:         reportDir,
		ReconnectInterval: 20 * time.Millisecond,
		Engine:            eng,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func testCase(steps ...string) *model.TestCase {
	tc := &model.TestCase{ID: "tc-1", Name: "设置", Platform: model.PlatformAndroid}
	for i, s := range steps {
		tc.Steps = append(tc.Steps, model.Step{ID: string(rune('a' + i)), Action: s})
	}
	return tc
}

func TestNew_Validation(t *testing.T) {
	eng := engine.NewPlaceholder(engine.PlaceholderOptions{})
	tests := []struct {
		name string
		opts Options
	}{
		{"缺少服务地址", Options{ID: "a", Platform: model.PlatformIOS, Engine: eng}},
		{"web 平台", Options{ServerURL: "ws://x", ID: "a", Platform: model.PlatformWeb, Engine: eng}},
		{"缺少引擎", Options{ServerURL: "ws://x", ID: "a", Platform: model.PlatformIOS}},
		{"缺少 ID", Options{ServerURL: "ws://x", Platform: model.PlatformIOS, Engine: eng}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestClient_RegisterAndExecute(t *testing.T) {
	f := newFakeScheduler(t)
	reportDir := t.TempDir()
	eng := engine.NewPlaceholder(engine.PlaceholderOptions{ReportDir: reportDir})
	startClient(t, f, eng, reportDir)

	conn := f.nextConn(t)
	reg := f.waitFor(t, protocol.TypeRegister).(*protocol.RegisterPayload)
	assert.Equal(t, "agent-1", reg.ID)
	assert.Equal(t, model.PlatformAndroid, reg.Platform)
	assert.Equal(t, "Pixel 7", reg.DeviceName)

	sendTo(t, conn, protocol.TypeExecuteTask, protocol.ExecuteTaskPayload{
		ExecutionID: "exe-1",
		TestCase:    testCase("打开设置", "assert: 显示 WLAN"),
	})

	logMsg := f.waitFor(t, protocol.TypeAppendLog).(*protocol.AppendLogPayload)
	assert.Equal(t, "exe-1", logMsg.ExecutionID)

	done := f.waitFor(t, protocol.TypeTaskCompleted).(*protocol.TaskCompletedPayload)
	assert.Equal(t, "exe-1", done.ExecutionID)
	assert.Equal(t, model.ExecutionStatusSuccess, done.Result.Status)
	assert.Equal(t, "exe-1.html", done.Result.ReportPath)
	assert.Contains(t, done.ReportContent, "<html>")
}

func TestClient_CancelTask(t *testing.T) {
	f := newFakeScheduler(t)
	reportDir := t.TempDir()
	eng := engine.NewPlaceholder(engine.PlaceholderOptions{ReportDir: reportDir, StepDelay: 10 * time.Second})
	startClient(t, f, eng, reportDir)

	conn := f.nextConn(t)
	f.waitFor(t, protocol.TypeRegister)

	sendTo(t, conn, protocol.TypeExecuteTask, protocol.ExecuteTaskPayload{
		ExecutionID: "exe-2",
		TestCase:    testCase("长时间步骤"),
	})
	f.waitFor(t, protocol.TypeAppendLog)

	sendTo(t, conn, protocol.TypeCancelTask, protocol.CancelTaskPayload{ExecutionID: "exe-2"})

	done := f.waitFor(t, protocol.TypeTaskCompleted).(*protocol.TaskCompletedPayload)
	assert.Equal(t, model.ExecutionStatusFailed, done.Result.Status)
	assert.Equal(t, engine.CancelledMessage, done.Result.ErrorMessage)
}

func TestClient_MissingTestCase(t *testing.T) {
	f := newFakeScheduler(t)
	startClient(t, f, engine.NewPlaceholder(engine.PlaceholderOptions{ReportDir: t.TempDir()}), t.TempDir())

	conn := f.nextConn(t)
	f.waitFor(t, protocol.TypeRegister)
	sendTo(t, conn, protocol.TypeExecuteTask, protocol.ExecuteTaskPayload{ExecutionID: "exe-3"})

	done := f.waitFor(t, protocol.TypeTaskCompleted).(*protocol.TaskCompletedPayload)
	assert.Equal(t, model.ExecutionStatusFailed, done.Result.Status)
	assert.Equal(t, "missing test case", done.Result.ErrorMessage)
}

func TestClient_ReconnectsAndRegistersAgain(t *testing.T) {
	f := newFakeScheduler(t)
	startClient(t, f, engine.NewPlaceholder(engine.PlaceholderOptions{ReportDir: t.TempDir()}), t.TempDir())

	first := f.nextConn(t)
	f.waitFor(t, protocol.TypeRegister)
	first.Close()

	f.nextConn(t)
	reg := f.waitFor(t, protocol.TypeRegister).(*protocol.RegisterPayload)
	assert.Equal(t, "agent-1", reg.ID)
}
