// Package server 执行相关接口
package server

import (
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"ui-automation/internal/apiserver/scheduler"
	"ui-automation/internal/shared/model"
	"ui-automation/internal/shared/storage"
)

// 分页默认值
const (
	defaultPageSize = 1000
	maxPageSize     = 1000
)

// ListAgents 列出在线 Agent
//
// 路由: GET /api/v1/agents
//
// 响应: {"data": [{"id": "...", "platform": "android", "deviceName": "...", "status": "idle"}]}
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents := h.scheduler.Dispatcher().Registry().List()
	if agents == nil {
		agents = []model.AgentInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": agents})
}

// ListExecutions 分页列出执行记录
//
// 路由: GET /api/v1/executions
//
// 查询参数:
//   - page: 页码，从 1 开始，默认 1
//   - pageSize: 每页数量，默认 1000
//   - caseId: 按用例过滤（可选）
//
// 响应: {"data": [...], "total": 42, "page": 1, "pageSize": 20}
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(q.Get("pageSize"))
	if pageSize < 1 || pageSize > maxPageSize {
		pageSize = defaultPageSize
	}

	filter := storage.ExecutionFilter{
		CaseID: q.Get("caseId"),
		Limit:  pageSize,
		Offset: (page - 1) * pageSize,
	}
	ctx := r.Context()
	list, err := h.store.ListExecutions(ctx, filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	total, err := h.store.CountExecutions(ctx, filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []*model.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":     list,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}

// GetExecution 获取执行记录
//
// 路由: GET /api/v1/executions/{id}
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	exe, err := h.store.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if exe == nil {
		writeError(w, http.StatusNotFound, "未找到执行记录")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": exe})
}

// GetReport 跳转到执行报告
//
// 路由: GET /api/v1/executions/{id}/report
//
// 响应:
//   - 302 Found: Location 为 /reports/<reportPath>
//   - 404 Not Found: 执行不存在或报告尚未生成
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	exe, err := h.store.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if exe == nil {
		writeError(w, http.StatusNotFound, "未找到执行记录")
		return
	}
	if exe.ReportPath == "" {
		writeError(w, http.StatusNotFound, "报告尚未生成或生成失败")
		return
	}
	http.Redirect(w, r, "/reports/"+url.PathEscape(exe.ReportPath), http.StatusFound)
}

// ServeReport 报告静态文件
//
// 路由: GET /reports/{file...}
//
// 优先读取本地报告目录；本地不存在且配置了对象存储时，从归档中读取。
func (h *Handler) ServeReport(w http.ResponseWriter, r *http.Request) {
	name := path.Clean("/" + r.PathValue("file"))[1:]
	if name == "" || strings.Contains(name, "/") {
		http.NotFound(w, r)
		return
	}

	local := filepath.Join(h.reportDir, name)
	if info, err := os.Stat(local); err == nil && !info.IsDir() {
		http.ServeFile(w, r, local)
		return
	}

	if h.reports == nil {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()
	exists, err := h.reports.ReportExists(ctx, name)
	if err != nil || !exists {
		if err != nil {
			log.Printf("[server.report.lookup_failed] name=%s error=%v", name, err)
		}
		http.NotFound(w, r)
		return
	}
	body, err := h.reports.OpenReport(ctx, name)
	if err != nil {
		log.Printf("[server.report.open_failed] name=%s error=%v", name, err)
		http.NotFound(w, r)
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.Copy(w, body)
}

// BatchExecute 批量提交执行
//
// 路由: POST /api/v1/batch-execute
//
// 请求体: {"caseIds": ["tc-1", "tc-2"]}
//
// 响应: {"data": {"batchId": "...", "executions": [...]}}
func (h *Handler) BatchExecute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CaseIDs []any `json:"caseIds"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	// 非字符串元素直接忽略
	ids := make([]string, 0, len(req.CaseIDs))
	for _, v := range req.CaseIDs {
		if id, ok := v.(string); ok && id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "caseIds 不能为空数组")
		return
	}

	batchID, executions, err := h.scheduler.SubmitBatch(r.Context(), ids)
	h.metrics.RecordSubmission("batch", err)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"batchId":    batchID,
			"executions": executions,
		},
	})
}

// RunRaw 以临时用例提交执行
//
// 路由: POST /api/v1/run-raw
//
// 请求体:
//
//	{
//	  "platform": "android",
//	  "name": "可选",
//	  "steps": [{"action": "打开设置"}, {"action": "assert: 显示 WLAN"}],
//	  "targetAgentId": "可选"
//	}
//
// 响应: {"data": <queued execution>}
func (h *Handler) RunRaw(w http.ResponseWriter, r *http.Request) {
	var req scheduler.RawRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Platform.Valid() {
		writeError(w, http.StatusBadRequest, "Missing or invalid platform (web, android, ios)")
		return
	}
	if len(req.Steps) == 0 {
		writeError(w, http.StatusBadRequest, "Missing or empty steps array")
		return
	}

	exe, err := h.scheduler.SubmitRaw(r.Context(), req)
	h.metrics.RecordSubmission("raw", err)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": exe})
}

// StopExecution 停止执行
//
// 路由: POST /api/v1/executions/{id}/stop
//
// 响应:
//   - 200 OK: {"ok": true}
//   - 404 Not Found: 执行不存在或已结束
func (h *Handler) StopExecution(w http.ResponseWriter, r *http.Request) {
	err := h.scheduler.Stop(r.Context(), r.PathValue("id"))
	if errors.Is(err, scheduler.ErrExecutionNotFound) {
		writeError(w, http.StatusNotFound, "Execution not found or already finished")
		return
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Stats 调度器状态
//
// 路由: GET /api/v1/admin/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": h.scheduler.Stats()})
}

// StopAll 强制停止全部 queued/running 执行
//
// 路由: POST /api/v1/admin/stop-all
//
// 响应: {"data": {"count": 3}}
func (h *Handler) StopAll(w http.ResponseWriter, r *http.Request) {
	count, err := h.scheduler.StopAll(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]int{"count": count}})
}

// ResetStatus 重置异常状态的执行和用例
//
// 路由: POST /api/v1/admin/reset-status
//
// 响应: {"data": {"count": 2}}
func (h *Handler) ResetStatus(w http.ResponseWriter, r *http.Request) {
	count, err := h.scheduler.ResetOrphaned(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]int{"count": count}})
}
