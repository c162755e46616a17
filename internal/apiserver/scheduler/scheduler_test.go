package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ui-automation/internal/apiserver/agent"
	"ui-automation/internal/apiserver/dispatch"
	"ui-automation/internal/apiserver/queue"
	"ui-automation/internal/apiserver/reconcile"
	"ui-automation/internal/shared/model"
	"ui-automation/internal/shared/storage"
	"ui-automation/internal/shared/storage/memstore"
	"ui-automation/pkg/engine"
	"ui-automation/pkg/protocol"
)

// ============================================================================
// 测试替身
// ============================================================================

// gateEngine 在 release 关闭前阻塞每次执行
type gateEngine struct {
	mu      sync.Mutex
	running int
	peak    int
	started []string
	release chan struct{}
}

func newGateEngine() *gateEngine {
	return &gateEngine{release: make(chan struct{})}
}

func (e *gateEngine) Name() string { return "gate" }

func (e *gateEngine) Run(ctx context.Context, tc *model.TestCase, executionID string, sink engine.Sink) engine.Result {
	e.mu.Lock()
	e.running++
	if e.running > e.peak {
		e.peak = e.running
	}
	e.started = append(e.started, executionID)
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running--
		e.mu.Unlock()
	}()

	sink.Log("gate: waiting")
	select {
	case <-e.release:
		return engine.Result{Status: model.ExecutionStatusSuccess, ReportPath: "reports/" + executionID + ".html"}
	case <-ctx.Done():
		return engine.Failed(engine.CancelledMessage, "")
	}
}

func (e *gateEngine) Cancel(executionID string) bool { return false }

func (e *gateEngine) startedIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.started...)
}

func (e *gateEngine) peakRunning() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peak
}

// agentConn 记录下发的消息
type agentConn struct {
	id   string
	mu   sync.Mutex
	sent [][]byte
}

func (c *agentConn) ID() string { return c.id }

func (c *agentConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *agentConn) Close(code int, reason string) error { return nil }

// tasks 返回收到的 EXECUTE_TASK（按 executionId 索引）
func (c *agentConn) tasks(t *testing.T) map[string]*protocol.ExecuteTaskPayload {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make(map[string]*protocol.ExecuteTaskPayload)
	for _, data := range c.sent {
		typ, payload, err := protocol.Decode(data)
		require.NoError(t, err)
		if typ == protocol.TypeExecuteTask {
			p := payload.(*protocol.ExecuteTaskPayload)
			result[p.ExecutionID] = p
		}
	}
	return result
}

type fixture struct {
	store      *memstore.Store
	engine     *gateEngine
	dispatcher *dispatch.Dispatcher
	scheduler  *Scheduler
}

func newFixture(t *testing.T, maxConcurrency int) *fixture {
	t.Helper()
	store := memstore.NewStore()
	r := reconcile.New(store, nil)
	d := dispatch.New(agent.NewRegistry(), dispatch.Options{ReportDir: t.TempDir(), CancelGrace: 50 * time.Millisecond})
	eng := newGateEngine()

	cfg := DefaultConfig()
	cfg.MaxConcurrency = maxConcurrency
	s, err := NewScheduler(cfg, r, d, eng)
	require.NoError(t, err)

	f := &fixture{store: store, engine: eng, dispatcher: d, scheduler: s}
	t.Cleanup(func() {
		f.releaseAll()
		s.Close()
	})
	return f
}

func (f *fixture) releaseAll() {
	select {
	case <-f.engine.release:
	default:
		close(f.engine.release)
	}
}

func (f *fixture) addCase(t *testing.T, id string, platform model.Platform, steps ...string) *model.TestCase {
	t.Helper()
	tc := &model.TestCase{ID: id, Name: "用例 " + id, Platform: platform, Status: model.CaseStatusIdle, CreatedAt: time.Now()}
	for i, s := range steps {
		tc.Steps = append(tc.Steps, model.Step{ID: id + "-" + string(rune('a'+i)), Action: s})
	}
	require.NoError(t, f.store.SaveTestCase(context.Background(), tc))
	return tc
}

func (f *fixture) addAgent(t *testing.T, connID, agentID string) *agentConn {
	t.Helper()
	conn := &agentConn{id: connID}
	data, err := protocol.Encode(protocol.TypeRegister, protocol.RegisterPayload{ID: agentID, Platform: model.PlatformAndroid, DeviceName: agentID})
	require.NoError(t, err)
	f.dispatcher.HandleMessage(conn, data)
	return conn
}

func (f *fixture) execution(t *testing.T, id string) *model.Execution {
	t.Helper()
	e, err := f.store.GetExecution(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, e)
	return e
}

func (f *fixture) waitStatus(t *testing.T, id string, status model.ExecutionStatus) *model.Execution {
	t.Helper()
	require.Eventually(t, func() bool {
		e, _ := f.store.GetExecution(context.Background(), id)
		return e != nil && e.Status == status
	}, 2*time.Second, 5*time.Millisecond, "execution %s never reached %s", id, status)
	return f.execution(t, id)
}

func (f *fixture) waitStarted(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.engine.startedIDs()) >= n }, 2*time.Second, 5*time.Millisecond)
}

func hasLog(e *model.Execution, line string) bool {
	for _, l := range e.Logs {
		if strings.HasSuffix(l, " "+line) {
			return true
		}
	}
	return false
}

// ============================================================================
// 提交与并发
// ============================================================================

func TestScheduler_ConcurrencyBound(t *testing.T) {
	const limit = 2
	f := newFixture(t, limit)
	ctx := context.Background()
	f.addCase(t, "web-1", model.PlatformWeb, "打开首页")

	var ids []string
	for i := 0; i < 3*limit; i++ {
		exe, err := f.scheduler.Submit(ctx, "web-1", "")
		require.NoError(t, err)
		assert.Equal(t, model.ExecutionStatusQueued, exe.Status)
		ids = append(ids, exe.ID)
	}

	// 运行期间持续采样
	stopSampling := make(chan struct{})
	sampled := make(chan int, 1)
	go func() {
		maxSeen := 0
		for {
			select {
			case <-stopSampling:
				sampled <- maxSeen
				return
			default:
			}
			if n := f.scheduler.Stats().Running; n > maxSeen {
				maxSeen = n
			}
			time.Sleep(time.Millisecond)
		}
	}()

	f.waitStarted(t, limit)
	stats := f.scheduler.Stats()
	assert.Equal(t, limit, stats.Running)
	assert.Equal(t, 2*limit, stats.Queued)

	f.releaseAll()
	for _, id := range ids {
		e := f.waitStatus(t, id, model.ExecutionStatusSuccess)
		assert.Equal(t, id+".html", e.ReportPath)
		assert.Equal(t, 100, e.Progress)
	}
	close(stopSampling)
	assert.LessOrEqual(t, <-sampled, limit)
	assert.Equal(t, limit, f.engine.peakRunning())

	var tc *model.TestCase
	require.Eventually(t, func() bool {
		tc, _ = f.store.GetTestCase(ctx, "web-1")
		return tc.Status == model.CaseStatusDone
	}, 2*time.Second, 5*time.Millisecond)
	assert.NotNil(t, tc.LastRunAt)
}

func TestScheduler_FIFOAdmission(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.addCase(t, "web-1", model.PlatformWeb, "打开首页")

	var ids []string
	for i := 0; i < 4; i++ {
		exe, err := f.scheduler.Submit(ctx, "web-1", "")
		require.NoError(t, err)
		ids = append(ids, exe.ID)
	}
	f.waitStarted(t, 1)
	f.releaseAll()
	f.waitStatus(t, ids[3], model.ExecutionStatusSuccess)

	assert.Equal(t, ids, f.engine.startedIDs())
}

func TestScheduler_SubmitRejected(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.addCase(t, "android-1", model.PlatformAndroid, "打开应用")
	f.addAgent(t, "conn-1", "pixel")

	tests := []struct {
		name    string
		caseID  string
		target  string
		wantErr error
	}{
		{"用例不存在", "missing", "", ErrCaseNotFound},
		{"指定 Agent 不在线", "android-1", "ghost", dispatch.ErrTargetAgentUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.scheduler.Submit(ctx, tt.caseID, tt.target)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	n, err := f.store.CountExecutions(ctx, storage.ExecutionFilter{})
	require.NoError(t, err)
	assert.Zero(t, n, "rejected submissions must not create executions")
}

func TestScheduler_NoAgentForPlatform(t *testing.T) {
	f := newFixture(t, 1)
	f.addCase(t, "ios-1", model.PlatformIOS, "打开应用")

	_, err := f.scheduler.Submit(context.Background(), "ios-1", "")
	require.ErrorIs(t, err, dispatch.ErrNoAgent)
	assert.Equal(t, "no available agent for platform: ios", err.Error())
}

func TestScheduler_TargetedDispatch(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	f.addCase(t, "android-1", model.PlatformAndroid, "打开应用")
	first := f.addAgent(t, "conn-1", "pixel")
	second := f.addAgent(t, "conn-2", "galaxy")

	exe, err := f.scheduler.Submit(ctx, "android-1", "galaxy")
	require.NoError(t, err)
	assert.Equal(t, "galaxy", exe.TargetAgentID)

	require.Eventually(t, func() bool { return f.dispatcher.IsPending(exe.ID) && len(second.tasks(t)) == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Empty(t, first.tasks(t))

	data, err := protocol.Encode(protocol.TypeTaskCompleted, protocol.TaskCompletedPayload{
		ExecutionID: exe.ID,
		Result:      protocol.TaskResult{Status: model.ExecutionStatusSuccess, ReportPath: `C:\agent\reports\run.html`},
	})
	require.NoError(t, err)
	f.dispatcher.HandleMessage(second, data)

	done := f.waitStatus(t, exe.ID, model.ExecutionStatusSuccess)
	assert.Equal(t, "run.html", done.ReportPath)
	assert.Equal(t, "galaxy", done.AgentID)
	assert.True(t, hasLog(done, "finished: success"))

	require.Eventually(t, func() bool {
		tc, _ := f.store.GetTestCase(ctx, "android-1")
		return tc.Status == model.CaseStatusDone && tc.LastReportPath == "run.html"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_AgentGoneBeforeDispatch(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.addCase(t, "web-1", model.PlatformWeb, "打开首页")
	f.addCase(t, "android-1", model.PlatformAndroid, "打开应用")
	f.addAgent(t, "conn-1", "pixel")

	blocker, err := f.scheduler.Submit(ctx, "web-1", "")
	require.NoError(t, err)
	exe, err := f.scheduler.Submit(ctx, "android-1", "pixel")
	require.NoError(t, err)
	f.waitStarted(t, 1)

	f.dispatcher.ConnectionClosed("conn-1")
	f.releaseAll()
	f.waitStatus(t, blocker.ID, model.ExecutionStatusSuccess)

	failed := f.waitStatus(t, exe.ID, model.ExecutionStatusFailed)
	assert.Equal(t, "target agent not found or not connected: pixel", failed.ErrorMessage)
}

// ============================================================================
// 批量与临时用例
// ============================================================================

func TestScheduler_SubmitBatch(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	f.addCase(t, "a1", model.PlatformAndroid, "打开应用", "点击登录")
	f.addCase(t, "a2", model.PlatformAndroid, "打开应用", "返回主界面")
	f.addCase(t, "w1", model.PlatformWeb, "打开首页")
	conn := f.addAgent(t, "conn-1", "pixel")

	batchID, list, err := f.scheduler.SubmitBatch(ctx, []string{"a1", "a2", "w1"})
	require.NoError(t, err)
	require.Len(t, list, 3)
	for _, e := range list {
		assert.Equal(t, batchID, e.BatchID)
		assert.True(t, hasLog(e, "queued: batch "+batchID))
	}

	require.Eventually(t, func() bool { return len(conn.tasks(t)) == 2 }, 2*time.Second, 5*time.Millisecond)
	tasks := conn.tasks(t)

	appended := tasks[list[0].ID].TestCase.Steps
	require.Len(t, appended, 3)
	assert.Equal(t, ReturnHomeAction, appended[2].Action)
	assert.Len(t, tasks[list[1].ID].TestCase.Steps, 2, "case already ending at home must not get an extra step")

	stored, err := f.store.GetTestCase(ctx, "a1")
	require.NoError(t, err)
	assert.Len(t, stored.Steps, 2, "appended step must not be persisted")
}

func TestScheduler_SubmitBatchValidation(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.addCase(t, "w1", model.PlatformWeb, "打开首页")
	f.addCase(t, "a1", model.PlatformAndroid, "打开应用")

	tests := []struct {
		name    string
		ids     []string
		wantErr error
	}{
		{"空列表", nil, ErrInvalidRequest},
		{"包含不存在的用例", []string{"w1", "missing"}, ErrCaseNotFound},
		{"移动端无可用 Agent", []string{"w1", "a1"}, dispatch.ErrNoAgent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.scheduler.SubmitBatch(ctx, tt.ids)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	n, err := f.store.CountExecutions(ctx, storage.ExecutionFilter{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestScheduler_SubmitRaw(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	exe, err := f.scheduler.SubmitRaw(ctx, RawRequest{
		Platform: model.PlatformWeb,
		Steps: []RawStep{
			{Action: "打开首页"},
			{Action: "断言：标题为首页"},
			{Action: "query: 当前价格"},
			{Type: model.StepTypeInput, Action: "assert: 保持原样"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, DynamicFileName, exe.FileName)
	assert.True(t, hasLog(exe, "queued (dynamic)"))
	assert.True(t, strings.HasPrefix(exe.CaseID, "temp-"))

	tc, err := f.store.GetTestCase(ctx, exe.CaseID)
	require.NoError(t, err)
	require.NotNil(t, tc)
	assert.Equal(t, "Dynamic execution from API", tc.Description)
	require.Len(t, tc.Steps, 4)
	assert.Equal(t, model.StepTypeAction, tc.Steps[0].Type)
	assert.Equal(t, model.StepTypeAssert, tc.Steps[1].Type)
	assert.Equal(t, "标题为首页", tc.Steps[1].Action)
	assert.Equal(t, model.StepTypeQuery, tc.Steps[2].Type)
	assert.Equal(t, "当前价格", tc.Steps[2].Action)
	assert.Equal(t, model.StepTypeInput, tc.Steps[3].Type)
	assert.Equal(t, "assert: 保持原样", tc.Steps[3].Action)

	tests := []struct {
		name string
		req  RawRequest
	}{
		{"平台无效", RawRequest{Platform: "desktop", Steps: []RawStep{{Action: "x"}}}},
		{"步骤为空", RawRequest{Platform: model.PlatformWeb}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.scheduler.SubmitRaw(ctx, tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestEndsAtHome(t *testing.T) {
	tests := []struct {
		name string
		last string
		want bool
	}{
		{"返回主界面", "返回主界面", true},
		{"回到桌面", "操作完成后回到桌面", true},
		{"英文 home 不区分大小写", "Press HOME", true},
		{"关闭应用", "关闭应用", true},
		{"普通步骤", "点击登录", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := &model.TestCase{Steps: []model.Step{{Action: "打开应用"}, {Action: tt.last}}}
			assert.Equal(t, tt.want, endsAtHome(tc))
		})
	}
	assert.False(t, endsAtHome(&model.TestCase{}))
}

// ============================================================================
// 停止与重置
// ============================================================================

func TestScheduler_StopQueued(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.addCase(t, "web-1", model.PlatformWeb, "打开首页")

	first, err := f.scheduler.Submit(ctx, "web-1", "")
	require.NoError(t, err)
	second, err := f.scheduler.Submit(ctx, "web-1", "")
	require.NoError(t, err)
	f.waitStarted(t, 1)

	require.NoError(t, f.scheduler.Stop(ctx, second.ID))
	stopped := f.execution(t, second.ID)
	assert.Equal(t, model.ExecutionStatusFailed, stopped.Status)
	assert.Equal(t, CancelledMessage, stopped.ErrorMessage)
	assert.True(t, hasLog(stopped, "cancelled: removed from queue"))

	f.releaseAll()
	f.waitStatus(t, first.ID, model.ExecutionStatusSuccess)
	f.scheduler.queue.Wait()
	assert.Equal(t, []string{first.ID}, f.engine.startedIDs(), "cancelled job must never start")
}

func TestScheduler_StopRunningLocal(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.addCase(t, "web-1", model.PlatformWeb, "打开首页")

	exe, err := f.scheduler.Submit(ctx, "web-1", "")
	require.NoError(t, err)
	f.waitStarted(t, 1)

	require.NoError(t, f.scheduler.Stop(ctx, exe.ID))
	failed := f.waitStatus(t, exe.ID, model.ExecutionStatusFailed)
	assert.Equal(t, engine.CancelledMessage, failed.ErrorMessage)
	assert.True(t, hasLog(failed, "cancel requested"))

	err = f.scheduler.Stop(ctx, exe.ID)
	assert.ErrorIs(t, err, ErrExecutionNotFound)
	assert.ErrorIs(t, f.scheduler.Stop(ctx, "nope"), ErrExecutionNotFound)
}

func TestScheduler_StopRunningRemote(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.addCase(t, "android-1", model.PlatformAndroid, "打开应用")
	conn := f.addAgent(t, "conn-1", "pixel")

	exe, err := f.scheduler.Submit(ctx, "android-1", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(conn.tasks(t)) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.scheduler.Stop(ctx, exe.ID))

	// Agent 不回报，CancelGrace 后强制结束
	failed := f.waitStatus(t, exe.ID, model.ExecutionStatusFailed)
	assert.Equal(t, engine.CancelledMessage, failed.ErrorMessage)
	assert.False(t, f.dispatcher.IsPending(exe.ID))
}

func TestScheduler_StopAll(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.addCase(t, "web-1", model.PlatformWeb, "打开首页")

	running, err := f.scheduler.Submit(ctx, "web-1", "")
	require.NoError(t, err)
	queued, err := f.scheduler.Submit(ctx, "web-1", "")
	require.NoError(t, err)
	f.waitStarted(t, 1)

	count, err := f.scheduler.StopAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	f.scheduler.queue.Wait()
	for _, id := range []string{running.ID, queued.ID} {
		e := f.execution(t, id)
		assert.Equal(t, model.ExecutionStatusFailed, e.Status)
		assert.Equal(t, StopAllMessage, e.ErrorMessage, "late engine result must not override force stop")
	}
	assert.True(t, hasLog(f.execution(t, running.ID), "force stopped: process cancelled"))
	assert.True(t, hasLog(f.execution(t, queued.ID), "force stopped: removed from queue"))

	tc, err := f.store.GetTestCase(ctx, "web-1")
	require.NoError(t, err)
	assert.Equal(t, model.CaseStatusError, tc.Status)
}

func TestScheduler_ResetOrphaned(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.addCase(t, "web-1", model.PlatformWeb, "打开首页")

	// 上一个进程遗留的 running 记录，没有任何执行方
	stale := &model.Execution{ID: "stale-1", CaseID: "web-1", Status: model.ExecutionStatusRunning, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, f.store.CreateExecution(ctx, stale))

	live, err := f.scheduler.Submit(ctx, "web-1", "")
	require.NoError(t, err)
	f.waitStarted(t, 1)

	count, err := f.scheduler.ResetOrphaned(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	reset := f.execution(t, "stale-1")
	assert.Equal(t, model.ExecutionStatusFailed, reset.Status)
	assert.Equal(t, reconcile.RecoveryMessage, reset.ErrorMessage)
	assert.Equal(t, model.ExecutionStatusRunning, f.execution(t, live.ID).Status)

	count, err = f.scheduler.ResetOrphaned(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "reset must be idempotent")
}

func TestScheduler_AdmittedJobIsLive(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.addCase(t, "web-1", model.PlatformWeb, "打开首页")

	// 作业已出队但 runJob 尚未开始
	exe := &model.Execution{ID: "handoff-1", CaseID: "web-1", Status: model.ExecutionStatusQueued, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, f.store.CreateExecution(ctx, exe))
	f.scheduler.admit(queue.Job{ExecutionID: exe.ID, CaseID: "web-1"})

	count, err := f.scheduler.ResetOrphaned(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, model.ExecutionStatusQueued, f.execution(t, exe.ID).Status)

	require.NoError(t, f.scheduler.Stop(ctx, exe.ID))
	f.scheduler.mu.Lock()
	state := f.scheduler.active[exe.ID]
	f.scheduler.mu.Unlock()
	require.NotNil(t, state)
	assert.Error(t, state.ctx.Err(), "stop cancels the handed-off job")

	// runJob 接管登记的状态，以取消结束
	f.scheduler.runJob(queue.Job{ExecutionID: exe.ID, CaseID: "web-1"})
	assert.Equal(t, model.ExecutionStatusFailed, f.execution(t, exe.ID).Status)
	f.scheduler.mu.Lock()
	assert.Empty(t, f.scheduler.active)
	f.scheduler.mu.Unlock()
}

func TestScheduler_ResetOrphanedRemote(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.addCase(t, "android-1", model.PlatformAndroid, "打开应用")
	conn := f.addAgent(t, "conn-1", "pixel")

	exe, err := f.scheduler.Submit(ctx, "android-1", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(conn.tasks(t)) == 1 }, 2*time.Second, 5*time.Millisecond)

	f.dispatcher.ConnectionClosed(conn.ID())
	require.Equal(t, []string{exe.ID}, f.dispatcher.Orphaned())

	count, err := f.scheduler.ResetOrphaned(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	f.scheduler.queue.Wait()
	e := f.execution(t, exe.ID)
	assert.Equal(t, reconcile.RecoveryMessage, e.ErrorMessage)
	assert.Zero(t, f.dispatcher.Pending())
}

func TestScheduler_MissingCaseAtAdmission(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	orphan := &model.Execution{ID: "orphan-1", CaseID: "deleted", Status: model.ExecutionStatusQueued, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, f.store.CreateExecution(ctx, orphan))
	f.scheduler.queue.Enqueue(queue.Job{ExecutionID: "orphan-1", CaseID: "deleted"})

	e := f.waitStatus(t, "orphan-1", model.ExecutionStatusFailed)
	assert.Equal(t, MissingMessage, e.ErrorMessage)
	assert.Empty(t, f.engine.startedIDs())
}

func TestScheduler_Recover(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.addCase(t, "web-1", model.PlatformWeb, "打开首页")
	_, err := f.store.UpdateTestCase(ctx, "web-1", &model.TestCasePatch{Status: func() *model.CaseStatus { s := model.CaseStatusRunning; return &s }()})
	require.NoError(t, err)
	require.NoError(t, f.store.CreateExecution(ctx, &model.Execution{ID: "q-1", CaseID: "web-1", Status: model.ExecutionStatusQueued, CreatedAt: time.Now(), UpdatedAt: time.Now()}))

	res, err := f.scheduler.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executions)
	assert.Equal(t, 1, res.Cases)

	res, err = f.scheduler.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, reconcile.RecoveryResult{}, res)
}
