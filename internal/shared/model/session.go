// Package model 定义核心数据模型
//
// session.go 包含会话相关的数据模型定义：
//   - CapabilitySet：结构化的能力约束记录
//   - PendingSession：已受理但尚未绑定设备的会话请求
//   - Session：分配 + 会话创建成功的结果
//   - W3C 新建会话的线上格式
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// CapabilitySet - 能力约束
// ============================================================================

// CapabilitySet 会话请求携带的设备约束，字段为空表示不约束
//
// 由边界层从 W3C capabilities 归一化而来：appium: 前缀已剥离，
// 未识别的键原样保留在 Extra 中透传给驱动端点，匹配器只见
// 这份结构化记录。
type CapabilitySet struct {
	Platform        Platform       `json:"platform,omitempty"`
	UDID            string         `json:"udid,omitempty"`
	PlatformVersion string         `json:"platform_version,omitempty"`
	DeviceType      DeviceType     `json:"device_type,omitempty"`
	Cloud           string         `json:"cloud,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"` // 透传给驱动端点的其余键
}

// ============================================================================
// PendingSession - 待定会话
// ============================================================================

// PendingSession 已受理但尚未绑定设备的会话请求
//
// 不变式：每个已受理请求在分配成功或失败前恰有一条记录；
// 超过配置时限的记录由清理循环强制清除，即使原请求从未返回。
type PendingSession struct {
	CapabilityID string         `json:"capability_id"`
	Capabilities *CapabilitySet `json:"capabilities"`
	CreatedAt    int64          `json:"created_at"` // epoch 毫秒
}

// Age 该记录的存活时长
func (p *PendingSession) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(p.CreatedAt))
}

// ============================================================================
// Session - 已绑定会话
// ============================================================================

// Session 分配 + 会话创建成功的结果
//
// 会话不单独持久化：它由 Device.busy + Device.session_id 重建。
// SessionID 由底层驱动端点分配，本引擎从不生成。
type Session struct {
	ID           string          `json:"session_id"`
	Device       *Device         `json:"device"`
	Response     json.RawMessage `json:"response,omitempty"` // 驱动端点的原始响应
	PluginNodeID string          `json:"plugin_node_id"`
}

// ============================================================================
// W3C 线上格式
// ============================================================================

// W3CCapabilities W3C 新建会话请求的 capabilities 字段
type W3CCapabilities struct {
	AlwaysMatch map[string]any   `json:"alwaysMatch,omitempty"`
	FirstMatch  []map[string]any `json:"firstMatch,omitempty"`
}

// W3CNewSessionRequest 新建会话请求体
//
// DesiredCapabilities 仅在目标云厂商要求旧式能力信封时填充
// （由转发器按设备 cloud 标记决定）。
type W3CNewSessionRequest struct {
	Capabilities        W3CCapabilities `json:"capabilities"`
	DesiredCapabilities map[string]any  `json:"desiredCapabilities,omitempty"`
	PendingSessionID    string          `json:"pendingSessionId,omitempty"`
}

// Merged 按 W3C 语义合并 firstMatch[0] 与 alwaysMatch
//
// alwaysMatch 的键优先于 firstMatch。
func (c *W3CCapabilities) Merged() map[string]any {
	merged := map[string]any{}
	if len(c.FirstMatch) > 0 {
		for k, v := range c.FirstMatch[0] {
			merged[k] = v
		}
	}
	for k, v := range c.AlwaysMatch {
		merged[k] = v
	}
	return merged
}
