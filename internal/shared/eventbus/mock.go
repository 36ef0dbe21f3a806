// Package eventbus 事件总线 mock 实现
package eventbus

import (
	"context"
)

// ============================================================================
// NoOpEventBus - 空操作的 EventBus 实现（用于测试）
// ============================================================================

// NoOpEventBus 是一个不做任何操作的 EventBus 实现
type NoOpEventBus struct{}

// NewNoOpEventBus 创建 NoOpEventBus 实例
func NewNoOpEventBus() *NoOpEventBus {
	return &NoOpEventBus{}
}

// Close 关闭事件总线
func (e *NoOpEventBus) Close() error {
	return nil
}

func (e *NoOpEventBus) PublishSessionEvent(ctx context.Context, event *SessionEvent) error {
	return nil
}

func (e *NoOpEventBus) GetSessionEvents(ctx context.Context, fromID string, count int64) ([]*SessionEvent, error) {
	return []*SessionEvent{}, nil
}

func (e *NoOpEventBus) SubscribeSessionEvents(ctx context.Context) (<-chan *SessionEvent, error) {
	ch := make(chan *SessionEvent)
	close(ch)
	return ch, nil
}

// 确保 NoOpEventBus 实现了 EventBus 接口
var _ EventBus = (*NoOpEventBus)(nil)
