// Package session W3C 会话接口
//
// 路由:
//   - POST   {base}/session       - 新建会话（分配设备 + 转发）
//   - DELETE {base}/session/{id}  - 删除会话（释放设备）
//
// 已绑定会话的其余命令不经过本包：路由表中间件在进入路由前
// 把它们整体反向代理到设备所在主机。
package session

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"device-farm/internal/farm/allocator"
	"device-farm/internal/farm/capability"
	"device-farm/internal/farm/forwarder"
	"device-farm/internal/farm/orchestrator"
	"device-farm/internal/shared/model"
)

// Recorder 会话接口打点依赖（由指标层实现）
type Recorder interface {
	RecordAllocation(platform, outcome string, duration time.Duration)
	RecordForwardingFailure()
}

// noopRecorder 缺省打点实现
type noopRecorder struct{}

func (noopRecorder) RecordAllocation(string, string, time.Duration) {}
func (noopRecorder) RecordForwardingFailure()                       {}

// Handler 会话接口处理器
type Handler struct {
	engine   *orchestrator.Engine
	rec      Recorder
	basePath string
}

// NewHandler 创建会话接口处理器
func NewHandler(engine *orchestrator.Engine, rec Recorder, basePath string) *Handler {
	if rec == nil {
		rec = noopRecorder{}
	}
	return &Handler{engine: engine, rec: rec, basePath: basePath}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST "+h.basePath+"/session", h.CreateSession)
	mux.HandleFunc("DELETE "+h.basePath+"/session/{sessionId}", h.DeleteSession)
}

// newSessionRequest 兼容 W3C 与旧式 JSONWP 两种请求体
type newSessionRequest struct {
	Capabilities        model.W3CCapabilities `json:"capabilities"`
	DesiredCapabilities map[string]any        `json:"desiredCapabilities"`
}

// CreateSession 新建会话
//
// 路由: POST {base}/session
//
// 成功时把驱动端点的响应体原样回传客户端，失败时返回 W3C
// session not created 错误。
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req newSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeW3CError(w, http.StatusBadRequest, "invalid argument", "malformed new session request: "+err.Error())
		return
	}

	// 只带旧式 desiredCapabilities 的客户端按 alwaysMatch 处理
	if req.Capabilities.AlwaysMatch == nil && len(req.Capabilities.FirstMatch) == 0 && req.DesiredCapabilities != nil {
		req.Capabilities.AlwaysMatch = req.DesiredCapabilities
	}

	caps := capability.Normalize(&req.Capabilities)
	platform := string(caps.Platform)
	if platform == "" {
		platform = "any"
	}

	start := time.Now()
	sess, err := h.engine.CreateSession(r.Context(), &model.W3CNewSessionRequest{Capabilities: req.Capabilities})
	if err != nil {
		switch {
		case errors.Is(err, allocator.ErrAllocationTimeout):
			h.rec.RecordAllocation(platform, "timeout", 0)
			writeW3CError(w, http.StatusInternalServerError, "session not created",
				"no device matching the requested capabilities became free within the wait timeout")
		case errors.Is(err, forwarder.ErrForwarding):
			h.rec.RecordAllocation(platform, "forwarding_error", 0)
			h.rec.RecordForwardingFailure()
			writeW3CError(w, http.StatusInternalServerError, "session not created", err.Error())
		default:
			h.rec.RecordAllocation(platform, "error", 0)
			writeW3CError(w, http.StatusInternalServerError, "session not created", err.Error())
		}
		log.Printf("[session.create] platform=%s error=%v", platform, err)
		return
	}

	h.rec.RecordAllocation(platform, "ok", time.Since(start))

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(orchestrator.SessionResponse(sess))
}

// DeleteSession 删除会话
//
// 路由: DELETE {base}/session/{id}
//
// 幂等：未知会话同样返回成功，客户端重试不产生新错误。
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if sessionID == "" {
		writeW3CError(w, http.StatusBadRequest, "invalid argument", "missing session id")
		return
	}

	if _, err := h.engine.DeleteSession(r.Context(), sessionID); err != nil {
		writeW3CError(w, http.StatusInternalServerError, "unknown error", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"value":null}`))
}

// writeW3CError 按 W3C 错误格式写响应
func writeW3CError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"value": map[string]string{
			"error":   errType,
			"message": message,
		},
	})
}
