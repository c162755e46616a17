// Package scheduler 调度器核心实现
//
// 调度器串联执行链路上的各个组件：
//
//	Submit / SubmitBatch / SubmitRaw
//	       │  创建 queued 执行记录
//	       ▼
//	  queue.Queue（FIFO，限制并发）
//	       │  放行
//	       ▼
//	  runJob：本地引擎（web）或 dispatch.Dispatcher（android/ios）
//	       │  Sink 回报进度和日志
//	       ▼
//	  reconcile.Reconciler：写回执行记录、更新用例投影、推送事件
//
// 调度器持有全部运行时状态（队列、关联表、注册表），不使用包级单例。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ui-automation/internal/apiserver/dispatch"
	"ui-automation/internal/apiserver/queue"
	"ui-automation/internal/apiserver/reconcile"
	"ui-automation/internal/shared/model"
	"ui-automation/internal/shared/storage"
	"ui-automation/pkg/engine"
)

const (
	// CancelledMessage 排队中被取消的执行的错误信息
	CancelledMessage = "Cancelled"
	// StopAllMessage 批量强制停止时写入的错误信息
	StopAllMessage = "强制停止所有任务"
	// MissingMessage 放行时用例或执行记录已不存在
	MissingMessage = "测试用例或执行记录不存在"
	// DynamicFileName 临时用例执行记录的 fileName 标记
	DynamicFileName = "dynamic-request"
	// ReturnHomeAction 批量执行时为移动端用例追加的收尾步骤
	ReturnHomeAction = "打开最近任务页面，清除当前应用，并返回桌面 (Auto-added by Batch Execution)"
)

var (
	// ErrCaseNotFound 测试用例不存在
	ErrCaseNotFound = errors.New("test case not found")
	// ErrExecutionNotFound 执行不存在或已结束
	ErrExecutionNotFound = errors.New("execution not found or already finished")
	// ErrInvalidRequest 请求参数无效
	ErrInvalidRequest = errors.New("invalid request")
)

// homeMarkers 最后一步包含这些关键字时视为已经回到桌面
var homeMarkers = []string{"返回主界面", "回到桌面", "home", "关闭"}

// Scheduler 执行调度器
type Scheduler struct {
	config     *Config
	store      storage.PersistentStore
	reconciler *reconcile.Reconciler
	dispatcher *dispatch.Dispatcher
	engine     engine.Engine
	queue      *queue.Queue

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	overrides map[string]*model.TestCase // executionID → 仅本次执行使用的用例副本
	active    map[string]*jobState       // 正在 runJob 中的执行
	now       func() time.Time
}

// NewScheduler 创建调度器实例
//
// 参数：
//   - config: 调度器配置，为空时使用默认配置
//   - reconciler: 状态协调器（同时提供存储）
//   - dispatcher: 远程分发器
//   - eng: 本地引擎（非远程平台使用）
func NewScheduler(config *Config, reconciler *reconcile.Reconciler, dispatcher *dispatch.Dispatcher, eng engine.Engine) (*Scheduler, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		config:     config,
		store:      reconciler.Store(),
		reconciler: reconciler,
		dispatcher: dispatcher,
		engine:     eng,
		ctx:        ctx,
		cancel:     cancel,
		overrides:  make(map[string]*model.TestCase),
		active:     make(map[string]*jobState),
		now:        time.Now,
	}
	s.queue = queue.New(config.MaxConcurrency, s.runJob)
	s.queue.SetAdmitHook(s.admit)
	log.Printf("[scheduler.created] max_concurrency=%d remote_platforms=%v strategy_chain=%v engine=%s",
		config.MaxConcurrency, config.RemotePlatforms, config.Strategy.Chain, eng.Name())
	return s, nil
}

// Config 返回调度器配置
func (s *Scheduler) Config() *Config {
	return s.config
}

// Dispatcher 返回远程分发器
func (s *Scheduler) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

// Reconciler 返回状态协调器
func (s *Scheduler) Reconciler() *reconcile.Reconciler {
	return s.reconciler
}

// SetQueueObserver 设置队列状态观察者（指标上报）
func (s *Scheduler) SetQueueObserver(o queue.Observer) {
	s.queue.SetObserver(o)
}

// Stats 调度器运行状态
type Stats struct {
	MaxConcurrency int      `json:"maxConcurrency"`
	Queued         int      `json:"queued"`
	Running        int      `json:"running"`
	QueuedIDs      []string `json:"queuedIds"`
	RemotePending  int      `json:"remotePending"`
	Orphaned       []string `json:"orphaned"`
	Agents         int      `json:"agents"`
}

// Stats 返回调度器运行状态快照
func (s *Scheduler) Stats() Stats {
	return Stats{
		MaxConcurrency: s.queue.MaxConcurrency(),
		Queued:         s.queue.Len(),
		Running:        s.queue.Running(),
		QueuedIDs:      s.queue.Snapshot(),
		RemotePending:  s.dispatcher.Pending(),
		Orphaned:       s.dispatcher.Orphaned(),
		Agents:         s.dispatcher.Registry().Count(),
	}
}

// Recover 启动恢复，必须在接受提交之前调用
func (s *Scheduler) Recover(ctx context.Context) (reconcile.RecoveryResult, error) {
	return s.reconciler.RecoverOrphans(ctx)
}

// Close 中止所有运行中的作业并等待其结束
func (s *Scheduler) Close() {
	s.cancel()
	s.queue.Wait()
	log.Printf("[scheduler.stopped]")
}

// ============================================================================
// 提交
// ============================================================================

// Submit 提交单个用例执行
//
// 远程平台会先做可用性预检，无可用 Agent 时直接返回错误，不创建执行记录。
// targetAgentID 只对远程平台生效。
func (s *Scheduler) Submit(ctx context.Context, caseID, targetAgentID string) (*model.Execution, error) {
	tc, err := s.loadCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if err := s.precheck(tc, targetAgentID); err != nil {
		return nil, err
	}

	exe := &model.Execution{CaseID: tc.ID, TargetAgentID: targetAgentID}
	return s.enqueue(ctx, tc, exe, nil, "queued")
}

// SubmitBatch 批量提交用例执行
//
// 所有用例先全部校验（存在性和可用性），任何一个失败都不会创建执行记录。
// 移动端用例会在内存中追加返回桌面的收尾步骤，不写回存储。
func (s *Scheduler) SubmitBatch(ctx context.Context, caseIDs []string) (string, []*model.Execution, error) {
	if len(caseIDs) == 0 {
		return "", nil, fmt.Errorf("%w: caseIds 不能为空数组", ErrInvalidRequest)
	}

	cases := make([]*model.TestCase, 0, len(caseIDs))
	var missing []string
	for _, id := range caseIDs {
		tc, err := s.store.GetTestCase(ctx, id)
		if err != nil {
			return "", nil, err
		}
		if tc == nil {
			missing = append(missing, id)
			continue
		}
		cases = append(cases, tc)
	}
	if len(missing) > 0 {
		return "", nil, fmt.Errorf("%w: %s", ErrCaseNotFound, strings.Join(missing, ", "))
	}
	for _, tc := range cases {
		if err := s.precheck(tc, ""); err != nil {
			return "", nil, err
		}
	}

	batchID := uuid.New().String()
	created := make([]*model.Execution, 0, len(cases))
	for _, tc := range cases {
		var override *model.TestCase
		if tc.Platform.IsMobile() && !endsAtHome(tc) {
			override = tc.Clone()
			override.Steps = append(override.Steps, model.Step{
				ID:     uuid.New().String(),
				Type:   model.StepTypeAction,
				Action: ReturnHomeAction,
			})
			log.Printf("[scheduler.batch.return_home] batch_id=%s case_id=%s", batchID, tc.ID)
		}
		exe := &model.Execution{CaseID: tc.ID, BatchID: batchID}
		saved, err := s.enqueue(ctx, tc, exe, override, "queued: batch "+batchID)
		if err != nil {
			return batchID, created, err
		}
		created = append(created, saved)
	}
	log.Printf("[scheduler.batch.submitted] batch_id=%s count=%d", batchID, len(created))
	return batchID, created, nil
}

// RawStep 临时用例步骤
type RawStep struct {
	ID     string         `json:"id,omitempty"`
	Type   model.StepType `json:"type,omitempty"`
	Action string         `json:"action"`
}

// RawRequest 临时用例执行请求
type RawRequest struct {
	Name          string         `json:"name,omitempty"`
	Description   string         `json:"description,omitempty"`
	Platform      model.Platform `json:"platform"`
	Context       string         `json:"context,omitempty"`
	Steps         []RawStep      `json:"steps"`
	TargetAgentID string         `json:"targetAgentId,omitempty"`
}

// SubmitRaw 以临时用例提交执行
//
// 未显式指定类型的步骤按前缀推断（assert:/query: 等），用例以 temp-<uuid> 保存。
func (s *Scheduler) SubmitRaw(ctx context.Context, req RawRequest) (*model.Execution, error) {
	if !req.Platform.Valid() {
		return nil, fmt.Errorf("%w: missing or invalid platform (web, android, ios)", ErrInvalidRequest)
	}
	if len(req.Steps) == 0 {
		return nil, fmt.Errorf("%w: missing or empty steps array", ErrInvalidRequest)
	}

	now := s.now()
	tc := &model.TestCase{
		ID:          "temp-" + uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		Platform:    req.Platform,
		Context:     req.Context,
		Status:      model.CaseStatusIdle,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if tc.Name == "" {
		tc.Name = "Dynamic Case " + now.Format("2006-01-02 15:04:05")
	}
	if tc.Description == "" {
		tc.Description = "Dynamic execution from API"
	}
	for i, raw := range req.Steps {
		step := model.Step{ID: raw.ID, Type: raw.Type, Action: raw.Action}
		if step.Type == "" {
			step.Type, step.Action = model.ParseStepType(raw.Action)
		}
		if step.ID == "" {
			step.ID = fmt.Sprintf("step-%d", i+1)
		}
		tc.Steps = append(tc.Steps, step)
	}

	if err := s.precheck(tc, req.TargetAgentID); err != nil {
		return nil, err
	}
	if err := s.store.SaveTestCase(ctx, tc); err != nil {
		return nil, fmt.Errorf("save temp case: %w", err)
	}

	exe := &model.Execution{CaseID: tc.ID, TargetAgentID: req.TargetAgentID, FileName: DynamicFileName}
	return s.enqueue(ctx, tc, exe, nil, "queued (dynamic)")
}

// enqueue 创建执行记录、更新用例投影并加入队列
func (s *Scheduler) enqueue(ctx context.Context, tc *model.TestCase, exe *model.Execution, override *model.TestCase, logLine string) (*model.Execution, error) {
	now := s.now()
	exe.Status = model.ExecutionStatusQueued
	exe.CreatedAt = now
	exe.UpdatedAt = now
	if err := storage.CreateExecutionWithUniqueID(ctx, s.store, exe, storage.ExecutionIDBase(tc.Name, now)); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	saved, err := s.reconciler.Patch(ctx, exe.ID, model.LogPatch(logLine))
	if err != nil {
		return nil, err
	}
	if _, err := s.reconciler.ProjectCase(ctx, tc.ID); err != nil {
		log.Printf("[scheduler.project.failed] case_id=%s error=%v", tc.ID, err)
	}

	if override != nil {
		s.mu.Lock()
		s.overrides[exe.ID] = override
		s.mu.Unlock()
	}
	s.queue.Enqueue(queue.Job{ExecutionID: exe.ID, CaseID: tc.ID})
	log.Printf("[scheduler.submitted] execution_id=%s case_id=%s platform=%s target=%s",
		exe.ID, tc.ID, tc.Platform, exe.TargetAgentID)
	return saved, nil
}

func (s *Scheduler) loadCase(ctx context.Context, caseID string) (*model.TestCase, error) {
	tc, err := s.store.GetTestCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if tc == nil {
		return nil, fmt.Errorf("%w: %s", ErrCaseNotFound, caseID)
	}
	return tc, nil
}

// precheck 远程平台的可用性预检
func (s *Scheduler) precheck(tc *model.TestCase, targetAgentID string) error {
	if !s.config.IsRemote(tc.Platform) {
		if targetAgentID != "" {
			log.Printf("[scheduler.target.ignored] case_id=%s platform=%s target=%s", tc.ID, tc.Platform, targetAgentID)
		}
		return nil
	}
	return s.dispatcher.Precheck(tc.Platform, targetAgentID)
}

func endsAtHome(tc *model.TestCase) bool {
	if len(tc.Steps) == 0 {
		return false
	}
	last := strings.ToLower(tc.Steps[len(tc.Steps)-1].Action)
	for _, marker := range homeMarkers {
		if strings.Contains(last, marker) {
			return true
		}
	}
	return false
}

// ============================================================================
// 执行
// ============================================================================

// admit 在作业离开队列的同时登记运行状态（由队列在持锁时调用）
func (s *Scheduler) admit(job queue.Job) {
	state := s.newJobState()
	s.mu.Lock()
	s.active[job.ExecutionID] = state
	s.mu.Unlock()
}

func (s *Scheduler) newJobState() *jobState {
	ctx, cancel := context.WithCancel(s.ctx)
	return &jobState{ctx: ctx, cancel: cancel}
}

// runJob 队列放行后执行单个作业
//
// 错误和 panic 都转化为执行失败，不会向队列传播。
func (s *Scheduler) runJob(job queue.Job) {
	id := job.ExecutionID

	s.mu.Lock()
	state, ok := s.active[id]
	if !ok {
		state = s.newJobState()
		s.active[id] = state
	}
	override := s.overrides[id]
	delete(s.overrides, id)
	s.mu.Unlock()

	ctx := state.ctx
	defer state.cancel()
	defer func() {
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
	}()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[scheduler.job.panic] execution_id=%s panic=%v\n%s", id, r, debug.Stack())
			s.finish(id, engine.Failed(fmt.Sprintf("panic: %v", r), ""))
		}
	}()

	tc, err := s.store.GetTestCase(ctx, job.CaseID)
	if err != nil {
		s.finish(id, engine.Failed(err.Error(), ""))
		return
	}
	exe, err := s.store.GetExecution(ctx, id)
	if err != nil {
		s.finish(id, engine.Failed(err.Error(), ""))
		return
	}
	if tc == nil || exe == nil {
		log.Printf("[scheduler.job.missing] execution_id=%s case_id=%s", id, job.CaseID)
		if exe != nil {
			patch := model.FailedPatch(MissingMessage).WithLog("failed: testcase or execution missing")
			if _, err := s.reconciler.Patch(context.WithoutCancel(ctx), id, patch); err != nil {
				log.Printf("[scheduler.job.update_failed] execution_id=%s error=%v", id, err)
			}
		}
		return
	}
	if exe.Status.IsTerminal() {
		log.Printf("[scheduler.job.skipped] execution_id=%s status=%s", id, exe.Status)
		return
	}
	if override != nil {
		tc = override
	}
	remote := s.config.IsRemote(tc.Platform)
	s.mu.Lock()
	state.remote = remote
	s.mu.Unlock()

	if _, err := s.reconciler.Start(ctx, id); err != nil {
		s.finish(id, engine.Failed(err.Error(), ""))
		return
	}

	sink := &executionSink{ctx: context.WithoutCancel(ctx), reconciler: s.reconciler, executionID: id}
	start := time.Now()
	var res engine.Result
	if remote {
		res = s.runRemote(ctx, tc, exe, sink)
	} else {
		res = s.engine.Run(ctx, tc, id, sink)
	}
	log.Printf("[scheduler.job.finished] execution_id=%s status=%s duration=%s", id, res.Status, time.Since(start).Round(time.Millisecond))
	s.finish(id, res)
}

func (s *Scheduler) runRemote(ctx context.Context, tc *model.TestCase, exe *model.Execution, sink engine.Sink) engine.Result {
	if ctx.Err() != nil {
		return engine.Failed(engine.CancelledMessage, "")
	}
	if s.config.RemoteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RemoteTimeout)
		defer cancel()
	}
	res, err := s.dispatcher.Dispatch(ctx, dispatch.Request{
		TestCase:      tc,
		ExecutionID:   exe.ID,
		TargetAgentID: exe.TargetAgentID,
		Sink:          sink,
	})
	switch {
	case err == nil:
		return res
	case errors.Is(err, context.DeadlineExceeded):
		return engine.Failed(fmt.Sprintf("Remote execution timeout (%s)", s.config.RemoteTimeout), "")
	case errors.Is(err, context.Canceled):
		return engine.Failed(engine.CancelledMessage, "")
	default:
		log.Printf("[scheduler.dispatch.failed] execution_id=%s error=%v", exe.ID, err)
		return engine.Failed(err.Error(), "")
	}
}

func (s *Scheduler) finish(executionID string, res engine.Result) {
	if _, err := s.reconciler.Finish(context.WithoutCancel(s.ctx), executionID, res); err != nil {
		log.Printf("[scheduler.job.update_failed] execution_id=%s error=%v", executionID, err)
	}
}

// executionSink 把执行器回报写回执行记录
type executionSink struct {
	ctx         context.Context
	reconciler  *reconcile.Reconciler
	executionID string
}

func (k *executionSink) Patch(p *model.ExecutionPatch) {
	if _, err := k.reconciler.Patch(k.ctx, k.executionID, p); err != nil {
		log.Printf("[scheduler.sink.failed] execution_id=%s error=%v", k.executionID, err)
	}
}

func (k *executionSink) Log(line string) {
	k.Patch(model.LogPatch(line))
}

// ============================================================================
// 停止与重置
// ============================================================================

// Stop 停止单个执行
//
// 仍在排队的执行同步置为 failed（Cancelled）；运行中的执行发出取消请求，
// 由执行器返回取消结果（远程执行在 CancelGrace 后强制结束）。
// 执行不存在或已无法取消时返回 ErrExecutionNotFound。
func (s *Scheduler) Stop(ctx context.Context, executionID string) error {
	exe, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exe == nil || !exe.Status.IsActive() {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}

	if s.queue.RemoveQueued(executionID) {
		s.dropOverride(executionID)
		patch := model.FailedPatch(CancelledMessage).WithLog("cancelled: removed from queue")
		if _, err := s.reconciler.Patch(ctx, executionID, patch); err != nil {
			return err
		}
		if _, err := s.reconciler.ProjectCase(ctx, exe.CaseID); err != nil {
			log.Printf("[scheduler.project.failed] case_id=%s error=%v", exe.CaseID, err)
		}
		log.Printf("[scheduler.stop.dequeued] execution_id=%s", executionID)
		return nil
	}

	if !s.cancelRunning(executionID) {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	if err := s.reconciler.Log(ctx, executionID, "cancel requested"); err != nil {
		log.Printf("[scheduler.stop.log_failed] execution_id=%s error=%v", executionID, err)
	}
	log.Printf("[scheduler.stop.requested] execution_id=%s", executionID)
	return nil
}

// StopAll 强制停止所有 queued/running 执行，返回处理数
//
// 无论能否找到对应的执行器，执行记录都会被置为 failed，避免遗留僵尸状态。
func (s *Scheduler) StopAll(ctx context.Context) (int, error) {
	list, err := s.store.ListExecutions(ctx, storage.ExecutionFilter{
		Statuses: []model.ExecutionStatus{model.ExecutionStatusQueued, model.ExecutionStatusRunning},
	})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, exe := range list {
		removed := s.queue.RemoveQueued(exe.ID)
		if removed {
			s.dropOverride(exe.ID)
		}
		// 先写终态，执行器随后返回的取消结果不会覆盖
		if _, err := s.reconciler.ForceFail(ctx, exe.ID, StopAllMessage); err != nil {
			return count, err
		}

		var line string
		switch {
		case removed:
			line = "force stopped: removed from queue"
		case s.cancelRunning(exe.ID):
			line = "force stopped: process cancelled"
		default:
			line = "force stopped: process not found, resetting status"
		}
		if err := s.reconciler.Log(ctx, exe.ID, line); err != nil {
			log.Printf("[scheduler.stop_all.log_failed] execution_id=%s error=%v", exe.ID, err)
		}
		count++
	}
	log.Printf("[scheduler.stop_all] count=%d", count)
	return count, nil
}

// ResetOrphaned 重置没有存活执行方的 queued/running 执行，返回处理数
//
// 存活执行方指：仍在队列中、已出队（含尚未进入 runJob 的交接阶段）且不是等待断线 Agent 的远程执行。
// 等待断线 Agent 回报的关联条目会一并结束。
func (s *Scheduler) ResetOrphaned(ctx context.Context) (int, error) {
	list, err := s.store.ListExecutions(ctx, storage.ExecutionFilter{
		Statuses: []model.ExecutionStatus{model.ExecutionStatusQueued, model.ExecutionStatusRunning},
	})
	if err != nil {
		return 0, err
	}

	orphaned := make(map[string]bool)
	for _, id := range s.dispatcher.Orphaned() {
		orphaned[id] = true
	}

	count := 0
	for _, exe := range list {
		if !orphaned[exe.ID] && s.isLive(exe.ID) {
			continue
		}
		ok, err := s.reconciler.ForceFail(ctx, exe.ID, reconcile.RecoveryMessage)
		if err != nil {
			return count, err
		}
		if orphaned[exe.ID] {
			s.dispatcher.Cancel(exe.ID)
		}
		if ok {
			count++
		}
	}
	if _, err := s.reconciler.ResetStaleCases(ctx); err != nil {
		return count, err
	}

	s.reconciler.Notice(ctx, fmt.Sprintf("已强制重置 %d 个异常状态任务", count))
	log.Printf("[scheduler.reset] count=%d", count)
	return count, nil
}

// jobState 已出队作业的取消句柄
type jobState struct {
	ctx    context.Context
	cancel context.CancelFunc
	remote bool
}

// cancelRunning 取消运行中的作业
//
// 本地作业直接取消其 ctx；远程作业优先走 CANCEL_TASK，尚未下发时取消 ctx。
func (s *Scheduler) cancelRunning(executionID string) bool {
	s.mu.Lock()
	state, ok := s.active[executionID]
	remote := ok && state.remote
	s.mu.Unlock()

	if !ok {
		return s.dispatcher.Cancel(executionID)
	}
	if remote && s.dispatcher.Cancel(executionID) {
		return true
	}
	s.engine.Cancel(executionID)
	state.cancel()
	return true
}

func (s *Scheduler) isLive(executionID string) bool {
	if s.queue.IsQueued(executionID) {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[executionID]
	return ok
}

func (s *Scheduler) dropOverride(executionID string) {
	s.mu.Lock()
	delete(s.overrides, executionID)
	s.mu.Unlock()
}
