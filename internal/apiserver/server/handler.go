// Package server 路由配置
package server

import (
	"net/http"
	"time"

	"device-farm/internal/apiserver/device"
	"device-farm/internal/apiserver/nodesync"
	"device-farm/internal/apiserver/session"
	"device-farm/internal/farm/proxyrules"
)

// Router 返回配置好的 HTTP 路由
//
// 路由规则：
//
// 健康检查:
//   - GET /health - 服务健康检查
//   - GET /metrics - Prometheus 指标
//
// W3C 会话 (Session):
//   - POST   {base}/session          - 新建会话
//   - DELETE {base}/session/{id}     - 删除会话
//   - *      {base}/session/{id}/... - 会话命令（路由表中间件反向代理）
//
// 设备管理 (Device):
//   - GET  /device-farm/api/devices                - 列出设备
//   - POST /device-farm/api/devices/{udid}/block   - 人工封禁
//   - POST /device-farm/api/devices/{udid}/unblock - 解除封禁
//   - GET  /device-farm/api/pending-sessions       - 待定会话列表
//
// 节点同步 (NodeSync):
//   - POST /device-farm/api/nodes/{id}/devices - 节点设备上报
//   - POST /device-farm/api/devices/unblock    - 设备解封
//   - GET  /device-farm/api/nodes              - 列出节点
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("GET /health", h.Health)

	// Prometheus 指标端点
	mux.Handle("GET /metrics", MetricsHandler())

	// 会话事件流查询
	mux.HandleFunc("GET /device-farm/api/session-events", h.SessionEvents)

	// 会话接口
	sessionHandler := session.NewHandler(h.engine, h.metrics, h.basePath)
	sessionHandler.RegisterRoutes(mux)

	// 设备管理接口
	deviceHandler := device.NewHandler(h.store, h.engine.Pending())
	deviceHandler.RegisterRoutes(mux)

	// 节点同步接口
	nodesyncHandler := nodesync.NewHandler(h.store, h.nodeCache)
	nodesyncHandler.RegisterRoutes(mux)

	// 中间件链（外 → 内）：访问日志 → 指标 → 命令活跃打点 → 会话路由 → 业务路由
	var root http.Handler = mux
	root = h.engine.Routes().Middleware(root)
	root = h.touchMiddleware(root)
	root = h.metrics.MetricsMiddleware(root)
	root = h.accessLogMiddleware(root)
	return root
}

// accessLogMiddleware 结构化访问日志，指标抓取不记
func (h *Handler) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		h.logger.HTTPRequestLog(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start), r.RemoteAddr)
	})
}

// touchMiddleware 刷新会话命令的活跃时间戳
//
// 滞留会话巡检靠 last_cmd_executed_at 判断会话死活，每条携带
// sessionId 的命令都要更新它。DELETE 是释放路径本身，跳过。
func (h *Handler) touchMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			if sessionID := proxyrules.SessionIDFromPath(r.URL.Path); sessionID != "" {
				h.engine.TouchSession(r.Context(), sessionID)
			}
		}
		next.ServeHTTP(w, r)
	})
}
