// Package nodesync 节点同步接口
//
// 路由:
//   - POST /device-farm/api/nodes/{nodeId}/devices - 节点设备列表上报
//   - POST /device-farm/api/devices/unblock        - 设备解封（节点转发）
//   - GET  /device-farm/api/nodes                  - 列出已知节点
//
// 上报是全量替换语义：静态字段以节点为准刷新，分配状态字段
// （busy/session_id/user_blocked）以 Hub 为准保留，未上报的设备
// 标记 offline、永不删除。
package nodesync

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"device-farm/internal/farm/topology"
	"device-farm/internal/shared/cache"
	"device-farm/internal/shared/model"
	"device-farm/internal/shared/storage"
)

// Handler 节点同步接口处理器
type Handler struct {
	store     storage.Store
	nodeCache cache.NodeHeartbeatCache
}

// NewHandler 创建节点同步接口处理器
func NewHandler(store storage.Store, nodeCache cache.NodeHeartbeatCache) *Handler {
	if nodeCache == nil {
		nodeCache = cache.NewNoOpCache()
	}
	return &Handler{store: store, nodeCache: nodeCache}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /device-farm/api/nodes/{nodeId}/devices", h.SyncNodeDevices)
	mux.HandleFunc("POST /device-farm/api/devices/unblock", h.UnblockDevices)
	mux.HandleFunc("GET /device-farm/api/nodes", h.ListNodes)
}

// SyncNodeDevices 接收节点的设备列表上报
func (h *Handler) SyncNodeDevices(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("nodeId")
	if nodeID == "" {
		writeError(w, http.StatusBadRequest, "missing node id")
		return
	}

	var req topology.NodeDevicesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed sync request: "+err.Error())
		return
	}
	if req.NodeID != "" && req.NodeID != nodeID {
		writeError(w, http.StatusBadRequest, "node id mismatch between path and body")
		return
	}

	// 上报的设备统一打上节点标记，host 缺省用节点地址
	for _, d := range req.Devices {
		d.NodeID = nodeID
		if d.Host == "" {
			d.Host = req.Host
		}
	}

	ctx := r.Context()
	if err := h.store.ReplaceNodeDevices(ctx, nodeID, req.Devices); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to sync devices: "+err.Error())
		return
	}

	node := &model.Node{
		ID:             nodeID,
		Host:           req.Host,
		Status:         model.NodeStatusOnline,
		DeviceCount:    len(req.Devices),
		LastReportedAt: time.Now(),
	}
	if err := h.store.UpsertNode(ctx, node); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to upsert node: "+err.Error())
		return
	}

	h.refreshHeartbeat(ctx, node)

	log.Printf("[nodesync.devices] node=%s devices=%d", nodeID, len(req.Devices))
	writeJSON(w, http.StatusOK, map[string]any{"node_id": nodeID, "synced": len(req.Devices)})
}

// refreshHeartbeat 刷新心跳缓存，失败只记日志（权威时间戳已落库）
func (h *Handler) refreshHeartbeat(ctx context.Context, node *model.Node) {
	status := &cache.NodeStatus{
		NodeID:      node.ID,
		Host:        node.Host,
		DeviceCount: node.DeviceCount,
	}
	if err := h.nodeCache.UpdateNodeHeartbeat(ctx, node.ID, status); err != nil {
		log.Printf("[nodesync.heartbeat] node=%s error=%v", node.ID, err)
	}
}

// UnblockDevices 按过滤条件解封设备
//
// 连接到 Hub 的节点在关闭时转发解封请求到这里。幂等：匹配不到
// 设备返回 released=0，不报错。
func (h *Handler) UnblockDevices(w http.ResponseWriter, r *http.Request) {
	var req topology.UnblockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed unblock request: "+err.Error())
		return
	}
	if req.SessionID == "" && req.UDID == "" {
		writeError(w, http.StatusBadRequest, "unblock requires session_id or udid")
		return
	}

	filter := &model.DeviceFilter{}
	if req.SessionID != "" {
		filter.SessionID = model.Str(req.SessionID)
	}
	if req.UDID != "" {
		filter.UDID = model.Str(req.UDID)
	}

	released, err := h.store.UnblockDevices(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to unblock devices: "+err.Error())
		return
	}

	log.Printf("[nodesync.unblock] session=%s udid=%s released=%d", req.SessionID, req.UDID, released)
	writeJSON(w, http.StatusOK, map[string]any{"released": released})
}

// ListNodes 列出已知节点
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.store.ListNodes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list nodes: "+err.Error())
		return
	}
	if nodes == nil {
		nodes = []*model.Node{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "count": len(nodes)})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
