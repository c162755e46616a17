// Package engine 定义自动化执行引擎接口
//
// 引擎是具体 UI 自动化框架的适配层，负责：
//   - 按顺序执行测试用例的步骤
//   - 通过 Sink 实时上报进度和日志
//   - 生成 HTML 报告并返回最终结果
//
// 架构关系：
//
//	Scheduler（web 用例）/ Agent 客户端（移动端用例）
//	       │
//	       ▼  Engine.Run()
//	  逐步执行 Step（每步单独计时）
//	       │
//	       ▼  Sink.Patch() / Sink.Log()
//	  调度器写回执行记录并推送给观察者
//
// 文件组织：
//   - engine.go: Engine 接口、Sink、Result 和注册表
//   - placeholder.go: 占位引擎（不驱动真实设备，生成占位报告）
package engine

import (
	"context"
	"sort"

	"ui-automation/internal/shared/model"
)

// CancelledMessage 执行被取消时的错误信息
const CancelledMessage = "Execution cancelled"

// Engine 自动化执行引擎
//
// 实现注意事项：
//   - Run 只通过返回值报告最终结果，不得 panic 到调用方之外
//   - Run 返回前必须完成资源清理（例如释放设备句柄），包括超时和取消的情况
//   - Cancel 对未在运行的执行返回 false
type Engine interface {
	// Name 返回引擎名称（用于配置和日志）
	Name() string

	// Run 执行测试用例，阻塞直到结束
	Run(ctx context.Context, tc *model.TestCase, executionID string, sink Sink) Result

	// Cancel 请求中止正在运行的执行
	Cancel(executionID string) bool
}

// Sink 执行过程上报通道
//
// 实现需保证并发安全；调用方不应假设上报一定成功。
type Sink interface {
	Patch(patch *model.ExecutionPatch)
	Log(line string)
}

// Result 执行结果
type Result struct {
	Status       model.ExecutionStatus
	ReportPath   string
	ErrorMessage string
}

// Succeeded 是否执行成功
func (r Result) Succeeded() bool {
	return r.Status == model.ExecutionStatusSuccess
}

// Failed 构造失败结果
func Failed(message, reportPath string) Result {
	return Result{Status: model.ExecutionStatusFailed, ErrorMessage: message, ReportPath: reportPath}
}

// NopSink 丢弃所有上报
type NopSink struct{}

func (NopSink) Patch(*model.ExecutionPatch) {}
func (NopSink) Log(string)                  {}

// Registry 引擎注册表
type Registry struct {
	engines map[string]Engine
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// Register 注册引擎
func (r *Registry) Register(e Engine) {
	r.engines[e.Name()] = e
}

// Get 获取引擎
func (r *Registry) Get(name string) (Engine, bool) {
	e, ok := r.engines[name]
	return e, ok
}

// List 列出所有引擎名称
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
