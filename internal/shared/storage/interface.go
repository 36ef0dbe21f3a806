// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 调用方只依赖接口，不知道具体实现
//   - 具体实现在子包中：repository/（SQLite、PostgreSQL）、mongostore/、memstore/
//   - 初始化时通过依赖注入传入实现
package storage

import (
	"context"
	"time"

	"device-farm/internal/shared/model"
)

// ============================================================================
// DeviceStore - 设备存储
// ============================================================================

// DeviceStore 设备表的存储接口
//
// UpdateDevice/ReserveDevice 必须保证单条记录更新的原子性；
// 除分配预留外的所有设备变更都是幂等的单记录更新，不需要分配锁。
type DeviceStore interface {
	// ListDevices 按过滤条件列出设备，filter 为 nil 时返回全部
	ListDevices(ctx context.Context, filter *model.DeviceFilter) ([]*model.Device, error)

	// GetDevice 获取单台设备，不存在时返回 (nil, nil)
	GetDevice(ctx context.Context, udid, nodeID string) (*model.Device, error)

	// UpdateDevice 部分字段原子更新，设备不存在时返回 ErrNotFound
	UpdateDevice(ctx context.Context, udid, nodeID string, upd *model.DeviceUpdate) error

	// ReserveDevice 条件预留：仅当设备仍空闲时置 busy=true 并写入占位
	// session_id。返回 false 表示锁内复查失败（设备已被占用），这是
	// 预期的竞态结果而非错误。
	ReserveDevice(ctx context.Context, udid, nodeID, placeholderSessionID string) (bool, error)

	// UnblockDevices 释放匹配过滤条件的设备：busy=false、session_id 清空。
	// 幂等：对已空闲设备是空操作。返回实际释放的数量。
	UnblockDevices(ctx context.Context, filter *model.DeviceFilter) (int, error)

	// ReplaceNodeDevices 整体刷新一个节点的设备列表：上报的设备按
	// (udid, node_id) upsert 静态字段并清除 offline 标记，已有的
	// busy/session/user_blocked 状态保持不变；该节点不在列表中的设备
	// 标记 offline（从不删除）。
	ReplaceNodeDevices(ctx context.Context, nodeID string, devices []*model.Device) error

	// MarkNodeDevicesOffline 将一个节点的全部设备标记 offline，
	// 返回新标记的数量
	MarkNodeDevicesOffline(ctx context.Context, nodeID string) (int, error)
}

// ============================================================================
// NodeStore - 节点存储
// ============================================================================

// NodeStore 拓扑节点的存储接口（仅 Hub 侧使用）
type NodeStore interface {
	// UpsertNode 更新或插入节点（设备列表上报时刷新 last_reported_at）
	UpsertNode(ctx context.Context, node *model.Node) error

	// GetNode 获取节点，不存在时返回 (nil, nil)
	GetNode(ctx context.Context, id string) (*model.Node, error)

	// ListNodes 列出所有已注册节点
	ListNodes(ctx context.Context) ([]*model.Node, error)

	// ListStaleNodes 列出在线但超过阈值未上报的节点
	ListStaleNodes(ctx context.Context, threshold time.Duration) ([]*model.Node, error)

	// SetNodeStatus 更新节点状态
	SetNodeStatus(ctx context.Context, id string, status model.NodeStatus) error
}

// ============================================================================
// Store - 组合接口
// ============================================================================

// Store 设备农场的完整存储接口
type Store interface {
	DeviceStore
	NodeStore
	Close() error
}
