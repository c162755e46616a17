// Package dispatch 远程执行分发
//
// Dispatcher 负责把移动端（android/ios）作业交给一个存活的 Agent，并把 Agent 的回报
// 关联回等待中的队列作业：
//   - 按策略链选择 Agent（指定 → 空闲 → 任意）
//   - 发送 EXECUTE_TASK 之前登记一次性的关联条目（executionID → 结果通道）
//   - TASK_COMPLETED 取出并消费关联条目；未知 executionID 的消息一律忽略
//   - 连接断开时条目与连接解绑但不丢弃，等待 Agent 重连回报或人工停止/重置
//
// 分发本身没有协议级超时，超时策略由调用方通过 ctx 叠加。
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"ui-automation/internal/apiserver/agent"
	"ui-automation/internal/apiserver/reconcile"
	"ui-automation/internal/shared/model"
	"ui-automation/pkg/engine"
	"ui-automation/pkg/protocol"
)

// DefaultCancelGrace 发送 CANCEL_TASK 后等待 Agent 回报的时间，超时后强制结束关联
const DefaultCancelGrace = 10 * time.Second

var (
	// ErrNoAgent 没有平台匹配的存活 Agent
	ErrNoAgent = errors.New("no available agent for platform")
	// ErrTargetAgentUnavailable 指定的 Agent 不存在、未连接或平台不匹配
	ErrTargetAgentUnavailable = errors.New("target agent not found or not connected")
	// ErrAlreadyDispatched 同一执行已存在关联条目
	ErrAlreadyDispatched = errors.New("execution already dispatched")
)

// ReportArchiver 报告归档（例如对象存储），失败只记录日志
type ReportArchiver interface {
	ArchiveReport(ctx context.Context, name string, content []byte) error
}

// Options 分发器配置
type Options struct {
	ReportDir   string         // Agent 回传报告的落盘目录
	CancelGrace time.Duration  // <=0 时使用 DefaultCancelGrace
	Archiver    ReportArchiver // 可选
	Chain       *StrategyChain // 为空时使用 DefaultChain
}

// Request 分发请求
type Request struct {
	TestCase      *model.TestCase
	ExecutionID   string
	TargetAgentID string
	Sink          engine.Sink
}

// pending 关联条目
type pending struct {
	executionID string
	agentID     string
	conn        agent.Conn // 连接断开后为 nil
	sink        engine.Sink
	result      chan engine.Result
	timer       *time.Timer
}

// Dispatcher 远程执行分发器
type Dispatcher struct {
	registry *agent.Registry
	chain    *StrategyChain
	opts     Options

	mu      sync.Mutex
	pending map[string]*pending
}

// New 创建分发器
func New(registry *agent.Registry, opts Options) *Dispatcher {
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = DefaultCancelGrace
	}
	if opts.ReportDir == "" {
		opts.ReportDir = "reports"
	}
	chain := opts.Chain
	if chain == nil {
		chain = DefaultChain()
	}
	return &Dispatcher{
		registry: registry,
		chain:    chain,
		opts:     opts,
		pending:  make(map[string]*pending),
	}
}

// Registry 返回 Agent 注册表
func (d *Dispatcher) Registry() *agent.Registry {
	return d.registry
}

// Precheck 提交前的可用性预检
//
// 指定 Agent 时要求该 Agent 在线且平台匹配；否则要求存在平台匹配的 Agent。
func (d *Dispatcher) Precheck(platform model.Platform, targetAgentID string) error {
	if targetAgentID != "" {
		cand, ok := d.registry.Lookup(targetAgentID)
		if !ok || cand.Info.Platform != platform {
			return fmt.Errorf("%w: %s", ErrTargetAgentUnavailable, targetAgentID)
		}
		return nil
	}
	if !d.registry.HasPlatform(platform) {
		return fmt.Errorf("%w: %s", ErrNoAgent, platform)
	}
	return nil
}

// Dispatch 选择 Agent、下发任务并等待结果
//
// 返回 error 表示任务没有成功下发（无可用 Agent、发送失败）或 ctx 已结束；
// 下发成功后 Agent 回报的失败通过 Result 返回。
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (engine.Result, error) {
	sink := req.Sink
	if sink == nil {
		sink = engine.NopSink{}
	}
	platform := req.TestCase.Platform

	cand, reason := d.chain.SelectAgent(ctx, &SelectRequest{
		Platform:      platform,
		TargetAgentID: req.TargetAgentID,
		Candidates:    d.registry.Candidates(platform),
	})
	if cand == nil {
		if req.TargetAgentID != "" {
			return engine.Result{}, fmt.Errorf("%w: %s", ErrTargetAgentUnavailable, req.TargetAgentID)
		}
		return engine.Result{}, fmt.Errorf("%w: %s", ErrNoAgent, platform)
	}

	p := &pending{
		executionID: req.ExecutionID,
		agentID:     cand.Info.ID,
		conn:        cand.Conn,
		sink:        sink,
		result:      make(chan engine.Result, 1),
	}
	d.mu.Lock()
	if _, exists := d.pending[req.ExecutionID]; exists {
		d.mu.Unlock()
		return engine.Result{}, fmt.Errorf("%w: %s", ErrAlreadyDispatched, req.ExecutionID)
	}
	d.pending[req.ExecutionID] = p
	d.mu.Unlock()
	d.registry.Acquire(cand.Conn.ID())

	sink.Patch((&model.ExecutionPatch{
		AgentID:   model.StringPtr(cand.Info.ID),
		AgentName: model.StringPtr(cand.Info.DeviceName),
	}).WithLog(fmt.Sprintf("dispatched to agent %s (%s)", cand.Info.DeviceName, reason)))

	data, err := protocol.Encode(protocol.TypeExecuteTask, protocol.ExecuteTaskPayload{
		ExecutionID: req.ExecutionID,
		TestCase:    req.TestCase,
	})
	if err == nil {
		err = cand.Conn.Send(data)
	}
	if err != nil {
		d.take(req.ExecutionID)
		return engine.Result{}, fmt.Errorf("send task to agent %s: %w", cand.Info.ID, err)
	}
	log.Printf("[dispatch.sent] execution_id=%s agent_id=%s conn_id=%s reason=%s",
		req.ExecutionID, cand.Info.ID, cand.Conn.ID(), reason)

	select {
	case res := <-p.result:
		return res, nil
	case <-ctx.Done():
		d.take(req.ExecutionID)
		log.Printf("[dispatch.abandoned] execution_id=%s error=%v", req.ExecutionID, ctx.Err())
		return engine.Result{}, ctx.Err()
	}
}

// Cancel 取消远程执行
//
// 已断开连接的条目立即以取消结束；否则发送 CANCEL_TASK，并在 CancelGrace 后强制结束。
// 返回 false 表示没有对应的关联条目。
func (d *Dispatcher) Cancel(executionID string) bool {
	d.mu.Lock()
	p, ok := d.pending[executionID]
	if !ok {
		d.mu.Unlock()
		return false
	}
	conn := p.conn
	if conn != nil && p.timer == nil {
		p.timer = time.AfterFunc(d.opts.CancelGrace, func() {
			if d.resolve(executionID, engine.Failed(engine.CancelledMessage, "")) {
				log.Printf("[dispatch.cancel.forced] execution_id=%s grace=%s", executionID, d.opts.CancelGrace)
			}
		})
	}
	d.mu.Unlock()

	if conn == nil {
		d.resolve(executionID, engine.Failed(engine.CancelledMessage, ""))
		log.Printf("[dispatch.cancel.orphan] execution_id=%s", executionID)
		return true
	}

	data, err := protocol.Encode(protocol.TypeCancelTask, protocol.CancelTaskPayload{ExecutionID: executionID})
	if err == nil {
		err = conn.Send(data)
	}
	if err != nil {
		log.Printf("[dispatch.cancel.send_failed] execution_id=%s conn_id=%s error=%v", executionID, conn.ID(), err)
	} else {
		log.Printf("[dispatch.cancel.sent] execution_id=%s conn_id=%s", executionID, conn.ID())
	}
	return true
}

// ConnectionClosed 连接断开
//
// 注销连接，并把该连接上的关联条目标记为孤儿：不重试、不丢弃。
func (d *Dispatcher) ConnectionClosed(connID string) {
	d.registry.Unregister(connID)

	d.mu.Lock()
	var orphaned []*pending
	for _, p := range d.pending {
		if p.conn != nil && p.conn.ID() == connID {
			p.conn = nil
			orphaned = append(orphaned, p)
		}
	}
	d.mu.Unlock()

	for _, p := range orphaned {
		log.Printf("[dispatch.orphaned] execution_id=%s agent_id=%s conn_id=%s", p.executionID, p.agentID, connID)
		p.sink.Log("agent connection lost, waiting for reconnect or manual stop")
	}
}

// Pending 返回关联条目数
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// IsPending 执行是否存在关联条目
func (d *Dispatcher) IsPending(executionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[executionID]
	return ok
}

// Orphaned 返回连接已断开的执行 ID（有序）
func (d *Dispatcher) Orphaned() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []string
	for id, p := range d.pending {
		if p.conn == nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// take 取出关联条目并释放 Agent 在途计数
func (d *Dispatcher) take(executionID string) (*pending, bool) {
	d.mu.Lock()
	p, ok := d.pending[executionID]
	var conn agent.Conn
	if ok {
		delete(d.pending, executionID)
		if p.timer != nil {
			p.timer.Stop()
		}
		conn = p.conn
	}
	d.mu.Unlock()

	if conn != nil {
		d.registry.Release(conn.ID())
	}
	return p, ok
}

// resolve 以结果结束关联条目，条目不存在时返回 false
func (d *Dispatcher) resolve(executionID string, res engine.Result) bool {
	p, ok := d.take(executionID)
	if !ok {
		return false
	}
	p.result <- res
	return true
}

// ============================================================================
// Agent 消息处理
// ============================================================================

// HandleMessage 处理 Agent 发来的一条消息
//
// 解码失败或类型不符的消息只记录日志，连接保持打开。
func (d *Dispatcher) HandleMessage(conn agent.Conn, data []byte) {
	typ, payload, err := protocol.Decode(data)
	if err != nil {
		log.Printf("[dispatch.message.invalid] conn_id=%s error=%v", conn.ID(), err)
		return
	}

	switch p := payload.(type) {
	case *protocol.RegisterPayload:
		d.handleRegister(conn, p)
	case *protocol.UpdateExecutionPayload:
		d.handleUpdate(conn, p)
	case *protocol.AppendLogPayload:
		if entry, ok := d.attach(conn, p.ExecutionID); ok {
			entry.sink.Log(p.Log)
		}
	case *protocol.TaskCompletedPayload:
		d.handleCompleted(conn, p)
	default:
		log.Printf("[dispatch.message.unexpected] conn_id=%s type=%s", conn.ID(), typ)
	}
}

func (d *Dispatcher) handleRegister(conn agent.Conn, p *protocol.RegisterPayload) {
	if p.ID == "" || !p.Platform.IsMobile() {
		log.Printf("[dispatch.register.rejected] conn_id=%s agent_id=%q platform=%q", conn.ID(), p.ID, p.Platform)
		return
	}
	name := p.DeviceName
	if name == "" {
		name = p.ID
	}
	_, evicted := d.registry.Register(conn, model.AgentInfo{ID: p.ID, Platform: p.Platform, DeviceName: name})
	for _, old := range evicted {
		if err := old.Close(agent.CloseCodeDuplicate, agent.CloseReasonDuplicate); err != nil {
			log.Printf("[dispatch.register.evict_failed] conn_id=%s error=%v", old.ID(), err)
		}
	}
}

func (d *Dispatcher) handleUpdate(conn agent.Conn, p *protocol.UpdateExecutionPayload) {
	if p.Patch == nil {
		return
	}
	entry, ok := d.attach(conn, p.ExecutionID)
	if !ok {
		return
	}
	patch := *p.Patch
	// 最终状态只通过 TASK_COMPLETED 传递
	if patch.Status != nil && patch.Status.IsTerminal() {
		patch.Status = nil
	}
	if patch.ReportPath != nil {
		patch.ReportPath = model.StringPtr(reconcile.NormalizeReportPath(*patch.ReportPath))
	}
	if !patch.IsEmpty() {
		entry.sink.Patch(&patch)
	}
}

func (d *Dispatcher) handleCompleted(conn agent.Conn, p *protocol.TaskCompletedPayload) {
	if _, ok := d.attach(conn, p.ExecutionID); !ok {
		log.Printf("[dispatch.completed.ignored] execution_id=%s conn_id=%s", p.ExecutionID, conn.ID())
		return
	}

	res := engine.Result{
		Status:       p.Result.Status,
		ReportPath:   reconcile.NormalizeReportPath(p.Result.ReportPath),
		ErrorMessage: p.Result.ErrorMessage,
	}
	if res.Status != model.ExecutionStatusSuccess {
		res.Status = model.ExecutionStatusFailed
	}

	if p.ReportContent != "" {
		name := res.ReportPath
		if name == "" {
			name = p.ExecutionID + ".html"
		}
		if err := d.saveReport(name, []byte(p.ReportContent)); err != nil {
			log.Printf("[dispatch.report.save_failed] execution_id=%s file=%s error=%v", p.ExecutionID, name, err)
		} else {
			res.ReportPath = name
		}
	}

	if d.resolve(p.ExecutionID, res) {
		log.Printf("[dispatch.completed] execution_id=%s status=%s report=%s", p.ExecutionID, res.Status, res.ReportPath)
	}
}

// attach 查找关联条目并校验发送方
//
// 只接受派发时选中的连接。该连接已断开（或已被同一 Agent 的新连接顶替）时，
// 同一 Agent ID 的连接可以重新绑定条目；其他连接发来的消息一律忽略。
func (d *Dispatcher) attach(conn agent.Conn, executionID string) (*pending, bool) {
	sender, registered := d.registry.Info(conn.ID())

	d.mu.Lock()
	p, ok := d.pending[executionID]
	if !ok {
		d.mu.Unlock()
		return nil, false
	}
	if p.conn != nil && p.conn.ID() == conn.ID() {
		d.mu.Unlock()
		return p, true
	}
	accept := registered && sender.ID == p.agentID
	if accept && p.conn != nil {
		// 原连接仍在注册表中说明它没有被顶替
		_, live := d.registry.Info(p.conn.ID())
		accept = !live
	}
	if accept {
		p.conn = conn
	}
	d.mu.Unlock()

	if !accept {
		log.Printf("[dispatch.message.foreign] execution_id=%s conn_id=%s sender=%q owner=%s",
			executionID, conn.ID(), sender.ID, p.agentID)
		return nil, false
	}
	d.registry.Acquire(conn.ID())
	log.Printf("[dispatch.reattached] execution_id=%s agent_id=%s conn_id=%s", executionID, p.agentID, conn.ID())
	return p, true
}

func (d *Dispatcher) saveReport(name string, content []byte) error {
	if err := os.MkdirAll(d.opts.ReportDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(d.opts.ReportDir, name), content, 0o644); err != nil {
		return err
	}
	if d.opts.Archiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.opts.Archiver.ArchiveReport(ctx, name, content); err != nil {
			log.Printf("[dispatch.report.archive_failed] file=%s error=%v", name, err)
		}
	}
	return nil
}
