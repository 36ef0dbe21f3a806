// Package device 设备管理接口
//
// 路由:
//   - GET  /device-farm/api/devices                 - 列出设备
//   - POST /device-farm/api/devices/{udid}/block    - 人工封禁设备
//   - POST /device-farm/api/devices/{udid}/unblock  - 解除人工封禁
//   - GET  /device-farm/api/pending-sessions        - 列出待定会话
package device

import (
	"encoding/json"
	"net/http"

	"device-farm/internal/farm/pending"
	"device-farm/internal/shared/model"
	"device-farm/internal/shared/storage"
)

// Handler 设备管理接口处理器
type Handler struct {
	store   storage.DeviceStore
	pending *pending.Registry
}

// NewHandler 创建设备管理接口处理器
func NewHandler(store storage.DeviceStore, reg *pending.Registry) *Handler {
	return &Handler{store: store, pending: reg}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /device-farm/api/devices", h.ListDevices)
	mux.HandleFunc("POST /device-farm/api/devices/{udid}/block", h.BlockDevice)
	mux.HandleFunc("POST /device-farm/api/devices/{udid}/unblock", h.UnblockDevice)
	mux.HandleFunc("GET /device-farm/api/pending-sessions", h.ListPendingSessions)
}

// ListDevices 列出设备
//
// 查询参数: platform、node_id、busy、offline（布尔字符串）
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	filter := &model.DeviceFilter{}
	q := r.URL.Query()

	if v := q.Get("node_id"); v != "" {
		filter.NodeID = model.Str(v)
	}
	if v := q.Get("busy"); v != "" {
		filter.Busy = model.Bool(v == "true")
	}
	if v := q.Get("offline"); v != "" {
		filter.Offline = model.Bool(v == "true")
	}

	devices, err := h.store.ListDevices(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list devices: "+err.Error())
		return
	}

	// platform 过滤不在存储层做：设备总量小，控制面过滤足够
	if platform := q.Get("platform"); platform != "" {
		kept := devices[:0]
		for _, d := range devices {
			if string(d.Platform) == platform {
				kept = append(kept, d)
			}
		}
		devices = kept
	}

	if devices == nil {
		devices = []*model.Device{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// blockRequest 封禁/解封请求体，node_id 区分多节点上的同名 udid
type blockRequest struct {
	NodeID string `json:"node_id"`
}

// BlockDevice 人工封禁设备
//
// 封禁后设备不参与分配，但仍出现在节点设备列表同步中。
func (h *Handler) BlockDevice(w http.ResponseWriter, r *http.Request) {
	h.setUserBlocked(w, r, true)
}

// UnblockDevice 解除人工封禁
func (h *Handler) UnblockDevice(w http.ResponseWriter, r *http.Request) {
	h.setUserBlocked(w, r, false)
}

func (h *Handler) setUserBlocked(w http.ResponseWriter, r *http.Request, blocked bool) {
	udid := r.PathValue("udid")
	if udid == "" {
		writeError(w, http.StatusBadRequest, "missing udid")
		return
	}

	var req blockRequest
	json.NewDecoder(r.Body).Decode(&req) // 空请求体合法

	filter := &model.DeviceFilter{UDID: model.Str(udid)}
	if req.NodeID != "" {
		filter.NodeID = model.Str(req.NodeID)
	}

	devices, err := h.store.ListDevices(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to find device: "+err.Error())
		return
	}
	if len(devices) == 0 {
		writeError(w, http.StatusNotFound, "device not found: "+udid)
		return
	}

	updated := 0
	for _, d := range devices {
		upd := &model.DeviceUpdate{UserBlocked: model.Bool(blocked)}
		if err := h.store.UpdateDevice(r.Context(), d.UDID, d.NodeID, upd); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to update device: "+err.Error())
			return
		}
		updated++
	}

	writeJSON(w, http.StatusOK, map[string]any{"udid": udid, "user_blocked": blocked, "updated": updated})
}

// ListPendingSessions 列出待定会话登记项
func (h *Handler) ListPendingSessions(w http.ResponseWriter, r *http.Request) {
	entries := h.pending.List()
	if entries == nil {
		entries = []*model.PendingSession{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending_sessions": entries, "count": len(entries)})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
