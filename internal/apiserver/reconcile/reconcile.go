// Package reconcile 执行状态协调
//
// 所有对执行记录和用例状态的写入都经过 Reconciler：
//   - 执行记录补丁：报告路径统一为文件名，写入存储后推送变更事件
//   - 用例状态投影：存在 queued/running 执行时为 running，否则取最近完成的执行结果
//   - 启动恢复：上一个进程遗留的 queued/running 执行一律置为 failed
//
// Reconciler 不持有任何记录的锁；每次写入都是存储层的一次原子读-改-写。
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"ui-automation/internal/shared/eventbus"
	"ui-automation/internal/shared/model"
	"ui-automation/internal/shared/storage"
	"ui-automation/pkg/engine"
)

// RecoveryMessage 启动恢复时写入的错误信息
const RecoveryMessage = "服务异常终止，状态已重置"

var activeStatuses = model.ActiveExecutionStatuses()

// Reconciler 执行状态协调器
type Reconciler struct {
	store     storage.PersistentStore
	publisher eventbus.Publisher
	now       func() time.Time
}

// New 创建协调器，publisher 为空时不推送事件
func New(store storage.PersistentStore, publisher eventbus.Publisher) *Reconciler {
	if publisher == nil {
		publisher = eventbus.NewNoOpEventBus()
	}
	return &Reconciler{store: store, publisher: publisher, now: time.Now}
}

// Store 返回底层存储
func (r *Reconciler) Store() storage.PersistentStore {
	return r.store
}

// NormalizeReportPath 把执行器上报的路径缩减为文件名
//
// 防止路径穿越，也让对外 URL 与执行器本地目录结构解耦。无效路径返回空串。
func NormalizeReportPath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return ""
	}
	base := path.Base(p)
	switch base {
	case ".", "..", "/":
		return ""
	}
	return base
}

// Patch 应用执行记录补丁并推送变更事件
func (r *Reconciler) Patch(ctx context.Context, executionID string, patch *model.ExecutionPatch) (*model.Execution, error) {
	if patch.IsEmpty() {
		return r.store.GetExecution(ctx, executionID)
	}
	if patch.ReportPath != nil {
		patch.ReportPath = model.StringPtr(NormalizeReportPath(*patch.ReportPath))
	}
	updated, err := r.store.UpdateExecution(ctx, executionID, patch)
	if err != nil {
		return nil, fmt.Errorf("update execution %s: %w", executionID, err)
	}
	r.publish(ctx, model.NewExecutionEvent(updated))
	return updated, nil
}

// Log 追加执行日志
func (r *Reconciler) Log(ctx context.Context, executionID string, lines ...string) error {
	_, err := r.Patch(ctx, executionID, model.LogPatch(lines...))
	return err
}

// Start 将执行置为 running 并更新用例投影
func (r *Reconciler) Start(ctx context.Context, executionID string) (*model.Execution, error) {
	updated, err := r.Patch(ctx, executionID, model.StatusPatch(model.ExecutionStatusRunning, 0).WithLog("started"))
	if err != nil {
		return nil, err
	}
	if updated.Status != model.ExecutionStatusRunning {
		return updated, nil
	}
	if _, err := r.ProjectCase(ctx, updated.CaseID); err != nil {
		log.Printf("[reconcile.project.failed] case_id=%s error=%v", updated.CaseID, err)
	}
	return updated, nil
}

// Finish 写入执行结果并更新用例投影
//
// 执行已处于终态（例如已被强制停止）时结果不会覆盖原状态，只记录日志。
func (r *Reconciler) Finish(ctx context.Context, executionID string, res engine.Result) (*model.Execution, error) {
	status := res.Status
	if status != model.ExecutionStatusSuccess {
		status = model.ExecutionStatusFailed
	}
	patch := model.StatusPatch(status, 100).WithLog("finished: " + string(status))
	if res.ReportPath != "" {
		patch.ReportPath = model.StringPtr(res.ReportPath)
	}
	if status == model.ExecutionStatusFailed && res.ErrorMessage != "" {
		patch.ErrorMessage = model.StringPtr(res.ErrorMessage)
	}

	updated, err := r.Patch(ctx, executionID, patch)
	if err != nil {
		return nil, err
	}
	if _, err := r.ProjectCase(ctx, updated.CaseID); err != nil {
		log.Printf("[reconcile.project.failed] case_id=%s error=%v", updated.CaseID, err)
	}
	return updated, nil
}

// Fail 以错误信息结束执行
func (r *Reconciler) Fail(ctx context.Context, executionID, message string) (*model.Execution, error) {
	return r.Finish(ctx, executionID, engine.Failed(message, ""))
}

// ForceFail 强制把未结束的执行置为 failed
//
// 返回 false 表示执行不存在或已处于终态。
func (r *Reconciler) ForceFail(ctx context.Context, executionID, message string) (bool, error) {
	current, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		return false, err
	}
	if current == nil || current.Status.IsTerminal() {
		return false, nil
	}

	patch := model.FailedPatch(message).WithLog("force stopped: " + message)
	updated, err := r.Patch(ctx, executionID, patch)
	if err != nil {
		return false, err
	}
	if _, err := r.ProjectCase(ctx, updated.CaseID); err != nil {
		log.Printf("[reconcile.project.failed] case_id=%s error=%v", updated.CaseID, err)
	}
	return updated.ErrorMessage == message, nil
}

// ProjectCase 根据执行记录重新计算用例状态
//
// 计算与写回由存储层原子完成。用例已被删除时返回 (nil, nil)。
func (r *Reconciler) ProjectCase(ctx context.Context, caseID string) (*model.TestCase, error) {
	tc, err := r.store.ProjectTestCase(ctx, caseID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("project test case %s: %w", caseID, err)
	}
	r.publish(ctx, model.NewTestCaseEvent(tc))
	return tc, nil
}

// RecoveryResult 启动恢复结果
type RecoveryResult struct {
	Executions int // 被置为 failed 的执行数
	Cases      int // 被置为 error 的用例数
}

// RecoverOrphans 启动恢复
//
// queued/running 的执行不可能合法地跨越进程边界，全部置为 failed；
// 之后仍为 running 但已无活跃执行的用例置为 error。重复调用是幂等的。
func (r *Reconciler) RecoverOrphans(ctx context.Context) (RecoveryResult, error) {
	var result RecoveryResult

	orphans, err := r.store.ListExecutions(ctx, storage.ExecutionFilter{Statuses: activeStatuses})
	if err != nil {
		return result, fmt.Errorf("list active executions: %w", err)
	}
	for _, e := range orphans {
		patch := model.FailedPatch(RecoveryMessage).WithLog("recovered: " + RecoveryMessage)
		updated, err := r.Patch(ctx, e.ID, patch)
		if err != nil {
			return result, err
		}
		if updated.ErrorMessage == RecoveryMessage {
			result.Executions++
		}
	}

	result.Cases, err = r.ResetStaleCases(ctx)
	if err != nil {
		return result, err
	}

	if result.Executions > 0 || result.Cases > 0 {
		log.Printf("[reconcile.recovered] executions=%d cases=%d", result.Executions, result.Cases)
	}
	return result, nil
}

// ResetStaleCases 把仍为 running 但已无活跃执行的用例置为 error，返回处理数
func (r *Reconciler) ResetStaleCases(ctx context.Context) (int, error) {
	cases, err := r.store.ListTestCases(ctx)
	if err != nil {
		return 0, fmt.Errorf("list test cases: %w", err)
	}
	count := 0
	for _, tc := range cases {
		if tc.Status != model.CaseStatusRunning {
			continue
		}
		active, err := r.store.CountExecutions(ctx, storage.ExecutionFilter{CaseID: tc.ID, Statuses: activeStatuses})
		if err != nil {
			return count, err
		}
		if active > 0 {
			continue
		}
		updated, err := r.store.UpdateTestCase(ctx, tc.ID, &model.TestCasePatch{Status: caseStatusPtr(model.CaseStatusError)})
		if err != nil {
			return count, fmt.Errorf("reset test case %s: %w", tc.ID, err)
		}
		r.publish(ctx, model.NewTestCaseEvent(updated))
		count++
	}
	return count, nil
}

// Notice 推送一条通知事件
func (r *Reconciler) Notice(ctx context.Context, message string) {
	r.publish(ctx, model.NewNoticeEvent(message))
}

func (r *Reconciler) publish(ctx context.Context, event *model.Event) {
	if err := r.publisher.Publish(ctx, event); err != nil {
		log.Printf("[reconcile.publish.failed] type=%s error=%v", event.Type, err)
	}
}

func caseStatusPtr(s model.CaseStatus) *model.CaseStatus {
	return &s
}
