// Package eventbus 进程内事件总线实现
package eventbus

import (
	"context"
	"fmt"
	"sync"
)

// ============================================================================
// MemoryEventBus - 进程内实现（单机部署和测试使用）
// ============================================================================

// MemoryEventBus 基于内存的 EventBus 实现
//
// 事件保留在环形缓冲区中（上限 MaxStreamLength），订阅者通过带缓冲的
// channel 接收新事件。订阅者处理过慢时事件被丢弃，不阻塞发布方。
type MemoryEventBus struct {
	mu      sync.Mutex
	seq     int64
	events  []*SessionEvent
	subs    map[int64]chan *SessionEvent
	nextSub int64
	closed  bool
}

// NewMemoryEventBus 创建 MemoryEventBus 实例
func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{
		subs: make(map[int64]chan *SessionEvent),
	}
}

// PublishSessionEvent 发布会话事件
func (e *MemoryEventBus) PublishSessionEvent(ctx context.Context, event *SessionEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("event bus closed")
	}

	e.seq++
	if event.ID == "" {
		event.ID = fmt.Sprintf("%d-0", e.seq)
	}

	e.events = append(e.events, event)
	if len(e.events) > MaxStreamLength {
		e.events = e.events[len(e.events)-MaxStreamLength:]
	}

	for _, ch := range e.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// GetSessionEvents 获取历史事件
func (e *MemoryEventBus) GetSessionEvents(ctx context.Context, fromID string, count int64) ([]*SessionEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*SessionEvent
	skipping := fromID != "" && fromID != "0"
	for _, ev := range e.events {
		if skipping {
			if ev.ID == fromID {
				skipping = false
			}
			continue
		}
		out = append(out, ev)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

// SubscribeSessionEvents 订阅新事件
func (e *MemoryEventBus) SubscribeSessionEvents(ctx context.Context) (<-chan *SessionEvent, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("event bus closed")
	}
	id := e.nextSub
	e.nextSub++
	ch := make(chan *SessionEvent, 100)
	e.subs[id] = ch
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.mu.Lock()
		if c, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(c)
		}
		e.mu.Unlock()
	}()

	return ch, nil
}

// Close 关闭事件总线
func (e *MemoryEventBus) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
	return nil
}

// 确保 MemoryEventBus 实现了 EventBus 接口
var _ EventBus = (*MemoryEventBus)(nil)
