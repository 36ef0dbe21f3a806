// Package eventbus 事件总线类型定义
package eventbus

import (
	"encoding/json"
	"time"

	"device-farm/internal/shared/model"
)

// ============================================================================
// 事件类型
// ============================================================================

// 会话生命周期事件类型
const (
	EventSessionCreated  = "session.created"
	EventSessionReleased = "session.released"
)

// SessionEvent 会话生命周期事件
//
// session.created 在设备绑定成功后发布，session.released 在释放后发布。
// 发布是 fire-and-forget 的，失败不影响会话流程。
type SessionEvent struct {
	ID           string               `json:"id"`
	Type         string               `json:"type"`
	SessionID    string               `json:"session_id"`
	Device       *model.Device        `json:"device,omitempty"`
	Capabilities *model.CapabilitySet `json:"capabilities,omitempty"`
	Response     json.RawMessage      `json:"response,omitempty"`
	NodeID       string               `json:"node_id,omitempty"`
	Timestamp    time.Time            `json:"timestamp"`
}

// ============================================================================
// Key 前缀和常量
// ============================================================================

const (
	// Key 前缀
	KeySessionEvents = "session_events:"

	// Stream 最大长度
	MaxStreamLength = 1000
)
