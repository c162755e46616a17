// Package server 测试用例接口
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"ui-automation/internal/shared/model"
	"ui-automation/internal/shared/storage"
)

// testCaseRequest 创建/更新用例的请求体
//
// Context 和 Steps 使用指针/nil 区分"未提供"和"清空"
type testCaseRequest struct {
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Platform    model.Platform `json:"platform"`
	Context     *string        `json:"context,omitempty"`
	Steps       []model.Step   `json:"steps"`
}

// ListTestCases 列出全部用例
//
// 路由: GET /api/v1/testcases
//
// 响应: {"data": [...]}
func (h *Handler) ListTestCases(w http.ResponseWriter, r *http.Request) {
	cases, err := h.store.ListTestCases(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if cases == nil {
		cases = []*model.TestCase{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": cases})
}

// GetTestCase 获取用例
//
// 路由: GET /api/v1/testcases/{id}
func (h *Handler) GetTestCase(w http.ResponseWriter, r *http.Request) {
	tc, err := h.store.GetTestCase(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if tc == nil {
		writeError(w, http.StatusNotFound, "未找到测试用例")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": tc})
}

// SaveTestCase 创建或整体覆盖用例
//
// 路由: POST /api/v1/testcases
//
// 请求体未提供 id 时生成 UUID。覆盖已有用例时保留其状态投影
// （status、lastRunAt、lastReportPath）；未知平台沿用已有用例的平台，新用例默认 web。
func (h *Handler) SaveTestCase(w http.ResponseWriter, r *http.Request) {
	var req testCaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx := r.Context()

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	existing, err := h.store.GetTestCase(ctx, id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	now := time.Now()
	tc := &model.TestCase{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Platform:    req.Platform,
		Steps:       req.Steps,
		Status:      model.CaseStatusIdle,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.Context != nil {
		tc.Context = *req.Context
	}
	if tc.Steps == nil {
		tc.Steps = []model.Step{}
	}
	if existing != nil {
		tc.Status = existing.Status
		tc.LastRunAt = existing.LastRunAt
		tc.LastReportPath = existing.LastReportPath
		tc.CreatedAt = existing.CreatedAt
	}
	if !tc.Platform.Valid() {
		tc.Platform = model.PlatformWeb
		if existing != nil {
			tc.Platform = existing.Platform
		}
	}

	if err := h.store.SaveTestCase(ctx, tc); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": tc})
}

// UpdateTestCase 部分更新用例
//
// 路由: PUT /api/v1/testcases/{id}
//
// 空字符串的 name/description 视为未提供；状态投影字段不可通过接口修改。
func (h *Handler) UpdateTestCase(w http.ResponseWriter, r *http.Request) {
	var req testCaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	patch := &model.TestCasePatch{Context: req.Context, Steps: req.Steps}
	if req.Name != "" {
		patch.Name = &req.Name
	}
	if req.Description != "" {
		patch.Description = &req.Description
	}
	if req.Platform.Valid() {
		patch.Platform = &req.Platform
	}

	tc, err := h.store.UpdateTestCase(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": tc})
}

// DeleteTestCase 删除用例及其全部执行记录
//
// 路由: DELETE /api/v1/testcases/{id}
//
// 响应: 204 No Content；用例不存在返回 404
func (h *Handler) DeleteTestCase(w http.ResponseWriter, r *http.Request) {
	err := h.store.DeleteTestCase(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Test case not found")
		return
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExecuteTestCase 提交单个用例执行
//
// 路由: POST /api/v1/testcases/{id}/execute
//
// 请求体（可选）: {"targetAgentId": "pixel-7"}
//
// 响应:
//   - 200 OK: {"data": <queued execution>}
//   - 404 Not Found: 用例不存在
//   - 409 Conflict: 没有可用 Agent 或指定 Agent 不可用（不创建执行记录）
func (h *Handler) ExecuteTestCase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetAgentID string `json:"targetAgentId"`
	}
	if !decodeOptionalJSON(w, r, &req) {
		return
	}

	exe, err := h.scheduler.Submit(r.Context(), r.PathValue("id"), req.TargetAgentID)
	h.metrics.RecordSubmission("single", err)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": exe})
}
