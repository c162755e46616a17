// Package server 路由配置与中间件
package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"ui-automation/pkg/logging"
)

// RequestIDHeader 请求 ID 头
const RequestIDHeader = "X-Request-Id"

// Router 返回配置好的 HTTP 路由
//
// 路由规则：
//
// 健康检查与指标:
//   - GET /health
//   - GET /metrics
//
// Agent:
//   - GET    /api/v1/agents                   - 列出在线 Agent
//
// 测试用例:
//   - GET    /api/v1/testcases                - 列出用例
//   - POST   /api/v1/testcases                - 创建或覆盖用例
//   - GET    /api/v1/testcases/{id}           - 获取用例
//   - PUT    /api/v1/testcases/{id}           - 更新用例
//   - DELETE /api/v1/testcases/{id}           - 删除用例（级联删除执行记录）
//   - POST   /api/v1/testcases/{id}/execute   - 提交执行
//
// 执行:
//   - POST   /api/v1/batch-execute            - 批量执行
//   - POST   /api/v1/run-raw                  - 临时用例执行
//   - GET    /api/v1/executions               - 分页列出执行记录
//   - GET    /api/v1/executions/{id}          - 获取执行记录
//   - GET    /api/v1/executions/{id}/report   - 跳转到报告
//   - POST   /api/v1/executions/{id}/stop     - 停止执行
//
// 运维:
//   - GET    /api/v1/admin/stats              - 调度器状态
//   - POST   /api/v1/admin/stop-all           - 强制停止全部执行
//   - POST   /api/v1/admin/reset-status       - 重置异常状态
//
// 报告与 WebSocket:
//   - GET    /reports/{file}                  - 报告静态文件
//   - GET    /ws                              - 观察者事件推送
//   - GET    /ws/agent                        - Agent 连接
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", h.metrics.Handler())

	mux.HandleFunc("GET /api/v1/agents", h.ListAgents)

	mux.HandleFunc("GET /api/v1/testcases", h.ListTestCases)
	mux.HandleFunc("POST /api/v1/testcases", h.SaveTestCase)
	mux.HandleFunc("GET /api/v1/testcases/{id}", h.GetTestCase)
	mux.HandleFunc("PUT /api/v1/testcases/{id}", h.UpdateTestCase)
	mux.HandleFunc("DELETE /api/v1/testcases/{id}", h.DeleteTestCase)
	mux.HandleFunc("POST /api/v1/testcases/{id}/execute", h.ExecuteTestCase)

	mux.HandleFunc("POST /api/v1/batch-execute", h.BatchExecute)
	mux.HandleFunc("POST /api/v1/run-raw", h.RunRaw)
	mux.HandleFunc("GET /api/v1/executions", h.ListExecutions)
	mux.HandleFunc("GET /api/v1/executions/{id}", h.GetExecution)
	mux.HandleFunc("GET /api/v1/executions/{id}/report", h.GetReport)
	mux.HandleFunc("POST /api/v1/executions/{id}/stop", h.StopExecution)

	mux.HandleFunc("GET /api/v1/admin/stats", h.Stats)
	mux.HandleFunc("POST /api/v1/admin/stop-all", h.StopAll)
	mux.HandleFunc("POST /api/v1/admin/reset-status", h.ResetStatus)

	mux.HandleFunc("GET /reports/{file...}", h.ServeReport)

	apiHandler := h.metrics.MetricsMiddleware(mux)
	apiHandler = requestLogMiddleware(h.logger, apiHandler)
	corsHandler := corsMiddleware(apiHandler)

	// WebSocket 绕过 metrics 中间件（避免 http.Hijacker 问题）
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /ws", h.hub.HandleWebSocket)
	topMux.HandleFunc("GET /ws/agent", h.agents.HandleWebSocket)
	topMux.Handle("/", corsHandler)

	return topMux
}

// corsMiddleware 添加 CORS 头支持跨域请求
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+RequestIDHeader)

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestLogMiddleware 记录访问日志并透传/生成请求 ID
func requestLogMiddleware(logger *logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, requestID)
		r = r.WithContext(logging.ContextWithRequestID(r.Context(), requestID))

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		logger.HTTPRequestLog(requestID, r.Method, r.URL.Path, wrapped.statusCode, time.Since(start), r.RemoteAddr)
	})
}
