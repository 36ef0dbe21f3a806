// Package server 提供 HTTP API 处理器
//
// 本包实现设备农场控制面的 HTTP 入口，包括：
//   - W3C 会话接口（新建/删除，带会话命令路由）
//   - 设备管理接口（列表、人工封禁/解封）
//   - 节点同步接口（设备列表上报、解封转发）
//
// 文件组织：
//   - common.go: 通用工具函数和 Handler 定义
//   - handler.go: 路由配置
//   - metrics.go: Prometheus 指标
package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"device-farm/internal/farm/orchestrator"
	"device-farm/internal/shared/cache"
	"device-farm/internal/shared/eventbus"
	"device-farm/internal/shared/storage"
	"device-farm/pkg/logging"
)

// Handler API 处理器
//
// Handler 是所有 HTTP API 的入口，负责：
//   - 路由请求到对应的处理函数
//   - 管理存储层连接
//   - 协调编排引擎和会话路由表
type Handler struct {
	store  storage.Store        // 设备/节点存储层
	engine *orchestrator.Engine // 会话编排引擎

	// 缓存接口
	nodeCache cache.NodeHeartbeatCache // 节点心跳缓存

	// 事件总线接口
	sessionEventBus eventbus.SessionEventBus // 会话事件流

	// 内部组件
	metrics  *Metrics        // Prometheus 指标
	logger   *logging.Logger // 结构化访问日志
	basePath string          // W3C 会话接口前缀（如 /wd/hub）
}

// NewHandler 创建 Handler 实例
func NewHandler(store storage.Store, engine *orchestrator.Engine, nodeCache cache.NodeHeartbeatCache,
	bus eventbus.SessionEventBus, basePath string) *Handler {
	if nodeCache == nil {
		nodeCache = cache.NewNoOpCache()
	}
	if basePath == "" {
		basePath = "/wd/hub"
	}
	return &Handler{
		store:           store,
		engine:          engine,
		nodeCache:       nodeCache,
		sessionEventBus: bus,
		metrics:         NewMetrics("devicefarm"),
		logger:          logging.Default("apiserver"),
		basePath:        basePath,
	}
}

// GetMetrics 返回指标实例
func (h *Handler) GetMetrics() *Metrics {
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

// Health 健康检查接口
//
// 路由: GET /health
//
// 用于负载均衡器和监控系统检查服务状态。
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SessionEvents 查询会话生命周期事件
//
// 查询参数: from（起始事件 ID，空表示从头）、count（上限，默认 100）
func (h *Handler) SessionEvents(w http.ResponseWriter, r *http.Request) {
	count := int64(100)
	if v := r.URL.Query().Get("count"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			count = n
		}
	}

	events, err := h.sessionEventBus.GetSessionEvents(r.Context(), r.URL.Query().Get("from"), count)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read events: "+err.Error())
		return
	}
	if events == nil {
		events = []*eventbus.SessionEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}
