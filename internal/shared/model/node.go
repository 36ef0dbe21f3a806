// Package model 定义核心数据模型
//
// node.go 包含拓扑参与者相关的数据模型定义：
//   - Node：拓扑中的一个参与者（Hub 或上报设备的工作节点）
//   - NodeStatus：节点状态枚举
package model

import (
	"time"
)

// ============================================================================
// NodeStatus - 节点状态
// ============================================================================

// NodeStatus 表示拓扑节点的状态
//
// 节点生命周期：
//
//	online ⇄ offline
//
// 状态说明：
//   - online：节点在设备列表同步窗口内有上报
//   - offline：节点连续 N 个同步周期未上报，其设备已全部标记 offline
type NodeStatus string

const (
	// NodeStatusOnline 在线：节点按时上报设备列表
	NodeStatusOnline NodeStatus = "online"

	// NodeStatusOffline 离线：节点停止上报
	NodeStatusOffline NodeStatus = "offline"
)

// ============================================================================
// Node - 拓扑参与者
// ============================================================================

// Node 拓扑中的一个参与者
//
// Hub 持有所有已注册节点的记录；工作节点只知道自己的身份和（可选的）
// Hub 地址。last_reported_at 记录最近一次设备列表上报时间，
// 是 Hub 侧离线判定的唯一依据。
type Node struct {
	ID             string     `json:"id" bson:"_id"`
	Host           string     `json:"host" bson:"host"`
	Port           int        `json:"port" bson:"port"`
	Status         NodeStatus `json:"status" bson:"status"`
	DeviceCount    int        `json:"device_count" bson:"device_count"`
	LastReportedAt time.Time  `json:"last_reported_at" bson:"last_reported_at"`
	CreatedAt      time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" bson:"updated_at"`
}

// IsStale 节点是否超过阈值未上报
func (n *Node) IsStale(now time.Time, threshold time.Duration) bool {
	return now.Sub(n.LastReportedAt) > threshold
}
