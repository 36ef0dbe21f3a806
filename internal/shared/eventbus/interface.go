// Package eventbus 事件总线抽象接口
//
// 提供会话生命周期事件的发布/订阅能力，当前由 Redis Streams 实现。
package eventbus

import (
	"context"
)

// ============================================================================
// 事件总线接口定义
// ============================================================================

// SessionEventBus 会话事件总线接口
type SessionEventBus interface {
	// PublishSessionEvent 发布会话事件，失败由调用方记录日志后忽略
	PublishSessionEvent(ctx context.Context, event *SessionEvent) error

	// GetSessionEvents 获取历史事件，fromID 为空表示从头读取
	GetSessionEvents(ctx context.Context, fromID string, count int64) ([]*SessionEvent, error)

	// SubscribeSessionEvents 订阅新事件，ctx 取消后通道关闭
	SubscribeSessionEvents(ctx context.Context) (<-chan *SessionEvent, error)
}

// ============================================================================
// 组合接口
// ============================================================================

// EventBus 事件总线组合接口
type EventBus interface {
	SessionEventBus
	Close() error
}
