// Package server 提供调度器的 HTTP / WebSocket 接口
//
// 文件组织：
//   - common.go: Handler 定义和通用工具函数
//   - handler.go: 路由和中间件
//   - testcases.go: 测试用例接口
//   - executions.go: 执行、批量执行、临时用例和运维接口
//   - events_ws.go: 观察者事件推送（/ws）
//   - agent_ws.go: Agent 连接（/ws/agent）
//   - metrics.go: Prometheus 指标
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"ui-automation/internal/apiserver/dispatch"
	"ui-automation/internal/apiserver/scheduler"
	"ui-automation/internal/shared/storage"
	"ui-automation/pkg/logging"
)

// ReportStore 报告归档读取（对象存储）
//
// 本地报告文件缺失时（例如多实例部署、磁盘清理后）从归档中读取。
type ReportStore interface {
	OpenReport(ctx context.Context, name string) (io.ReadCloser, error)
	ReportExists(ctx context.Context, name string) (bool, error)
}

// Options Handler 配置
type Options struct {
	Scheduler *scheduler.Scheduler
	Hub       *EventHub   // 为空时创建新的推送中心
	Metrics   *Metrics    // 为空时创建新的指标实例
	Reports   ReportStore // 可选
	ReportDir string
	Logger    *logging.Logger // 访问日志，为空时使用 logging.Default("api-server")
}

// Handler API 处理器
//
// Handler 是所有 HTTP API 的入口，负责：
//   - 路由请求到对应的处理函数
//   - 把管理操作转交给调度器
//   - 管理观察者和 Agent 的 WebSocket 连接
type Handler struct {
	store     storage.PersistentStore
	scheduler *scheduler.Scheduler
	hub       *EventHub
	agents    *AgentGateway
	metrics   *Metrics
	reports   ReportStore
	reportDir string
	logger    *logging.Logger
}

// NewHandler 创建 Handler 实例
func NewHandler(opts Options) *Handler {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics("uiauto")
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewEventHub(metrics)
	}
	reportDir := opts.ReportDir
	if reportDir == "" {
		reportDir = "reports"
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Default("api-server")
	}

	sched := opts.Scheduler
	h := &Handler{
		store:     sched.Reconciler().Store(),
		scheduler: sched,
		hub:       hub,
		agents:    NewAgentGateway(sched.Dispatcher(), metrics),
		metrics:   metrics,
		reports:   opts.Reports,
		reportDir: reportDir,
		logger:    logger,
	}

	metrics.ObserveAgents(sched.Dispatcher().Registry().Count)
	sched.SetQueueObserver(metrics.ObserveQueue)
	return h
}

// Hub 返回观察者推送中心
func (h *Handler) Hub() *EventHub {
	return h.hub
}

// Metrics 返回指标实例
func (h *Handler) Metrics() *Metrics {
	return h.metrics
}

// writeJSON 将数据以 JSON 格式写入 HTTP 响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError 将错误信息以 JSON 格式写入 HTTP 响应
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeJSON 解析请求体，失败时写入 400
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "无效的 JSON 请求体")
		return false
	}
	return true
}

// decodeOptionalJSON 解析可选的请求体，空请求体视为零值
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, http.StatusBadRequest, "无效的 JSON 请求体")
	return false
}

// writeServiceError 将调度器和存储层错误映射为 HTTP 状态码
//
//   - 404：用例或执行不存在
//   - 409：没有可用 Agent / 指定 Agent 不可用
//   - 400：请求参数无效
//   - 500：其他错误（细节只写日志）
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, scheduler.ErrCaseNotFound):
		msg := "未找到测试用例"
		if ids, ok := strings.CutPrefix(err.Error(), scheduler.ErrCaseNotFound.Error()+": "); ok {
			msg += ": " + ids
		}
		writeError(w, http.StatusNotFound, msg)
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "未找到测试用例")
	case errors.Is(err, scheduler.ErrExecutionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrNoAgent), errors.Is(err, dispatch.ErrTargetAgentUnavailable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("[server.error] method=%s path=%s error=%v", r.Method, r.URL.Path, err)
		writeError(w, http.StatusInternalServerError, "服务器内部错误")
	}
}

// Health 健康检查接口
//
// 路由: GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats := h.scheduler.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"queued":    stats.Queued,
		"running":   stats.Running,
		"agents":    stats.Agents,
		"observers": h.hub.ClientCount(),
	})
}
