// Package cache 缓存层抽象接口
//
// 提供节点心跳的易失性缓存，当前由 Redis 实现。
// 心跳缓存是加速层：带 TTL 的键让 Hub 快速列出在线节点，
// 离线判定的权威依据仍是存储层的 last_reported_at。
package cache

import (
	"context"
	"time"
)

// TTLNodeHeartbeat 节点心跳键的过期时间
const TTLNodeHeartbeat = 90 * time.Second

// KeyNodeHeartbeat 节点心跳键前缀
const KeyNodeHeartbeat = "devicefarm:node_heartbeat:"

// NodeStatus 心跳缓存中的节点快照
type NodeStatus struct {
	NodeID      string    `json:"node_id"`
	Host        string    `json:"host"`
	DeviceCount int       `json:"device_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NodeHeartbeatCache 节点心跳缓存接口
type NodeHeartbeatCache interface {
	// UpdateNodeHeartbeat 刷新节点心跳（设备列表上报时调用）
	UpdateNodeHeartbeat(ctx context.Context, nodeID string, status *NodeStatus) error

	// GetNodeHeartbeat 获取节点心跳，键不存在时返回 (nil, nil)
	GetNodeHeartbeat(ctx context.Context, nodeID string) (*NodeStatus, error)

	// ListOnlineNodes 列出心跳键尚未过期的节点 ID
	ListOnlineNodes(ctx context.Context) ([]string, error)

	// DeleteNodeHeartbeat 删除节点心跳缓存
	DeleteNodeHeartbeat(ctx context.Context, nodeID string) error
}

// ============================================================================
// NoOpCache - 空操作实现（无 Redis 部署和测试使用）
// ============================================================================

// NoOpCache 不做任何操作的 NodeHeartbeatCache 实现
type NoOpCache struct{}

// NewNoOpCache 创建 NoOpCache 实例
func NewNoOpCache() *NoOpCache {
	return &NoOpCache{}
}

func (c *NoOpCache) UpdateNodeHeartbeat(ctx context.Context, nodeID string, status *NodeStatus) error {
	return nil
}

func (c *NoOpCache) GetNodeHeartbeat(ctx context.Context, nodeID string) (*NodeStatus, error) {
	return nil, nil
}

func (c *NoOpCache) ListOnlineNodes(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (c *NoOpCache) DeleteNodeHeartbeat(ctx context.Context, nodeID string) error {
	return nil
}

// 确保 NoOpCache 实现了 NodeHeartbeatCache 接口
var _ NodeHeartbeatCache = (*NoOpCache)(nil)
