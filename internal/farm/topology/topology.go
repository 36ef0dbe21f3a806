// Package topology Hub/Node 拓扑解析
//
// 引擎以两种角色之一运行：
//   - hub：接收各节点周期上报的设备列表，聚合为全局快照，向远端
//     设备转发会话
//   - node：管理本机设备；配置了上游 Hub 时把设备列表推给 Hub，
//     自己永不抓取其它节点的设备
package topology

import (
	"device-farm/internal/shared/model"
)

// Role 运行角色
type Role string

const (
	RoleHub  Role = "hub"
	RoleNode Role = "node"
)

// Topology 拓扑信息
type Topology struct {
	Role       Role
	SelfNodeID string

	// SelfHost 本进程对外可达的地址（含端口），上报给 Hub 的节点地址
	SelfHost string

	// HubURL 上游 Hub 地址，node 角色可为空（独立运行）
	HubURL string
}

// IsRemote 判断设备是否需要跨节点转发
//
// 设备带有其它节点的 nodeId，或带有云厂商标记时，会话必须转发；
// 本节点自己的设备走本地路径。
func (t *Topology) IsRemote(d *model.Device) bool {
	if d.Cloud != "" {
		return true
	}
	return d.NodeID != "" && d.NodeID != t.SelfNodeID
}

// IsHub 是否为 Hub 角色
func (t *Topology) IsHub() bool {
	return t.Role == RoleHub
}

// HasHub 是否配置了上游 Hub
func (t *Topology) HasHub() bool {
	return t.HubURL != ""
}
