package eventbus

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func publishN(t *testing.T, bus *MemoryEventBus, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		err := bus.PublishSessionEvent(ctx, &SessionEvent{
			Type:      EventSessionCreated,
			SessionID: fmt.Sprintf("sess-%d", i),
			Timestamp: time.Now(),
		})
		if err != nil {
			t.Fatalf("publish error = %v", err)
		}
	}
}

func TestGetSessionEventsFromID(t *testing.T) {
	bus := NewMemoryEventBus()
	defer bus.Close()
	publishN(t, bus, 5)

	all, err := bus.GetSessionEvents(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("GetSessionEvents error = %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("事件数 = %d", len(all))
	}

	// 从第 2 条之后继续读
	rest, err := bus.GetSessionEvents(context.Background(), all[1].ID, 0)
	if err != nil {
		t.Fatalf("GetSessionEvents error = %v", err)
	}
	if len(rest) != 3 || rest[0].SessionID != "sess-2" {
		t.Errorf("断点续读结果 = %+v", rest)
	}

	// count 上限
	limited, _ := bus.GetSessionEvents(context.Background(), "", 2)
	if len(limited) != 2 {
		t.Errorf("count 上限未生效: %d", len(limited))
	}
}

func TestSubscribeSessionEvents(t *testing.T) {
	bus := NewMemoryEventBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.SubscribeSessionEvents(ctx)
	if err != nil {
		t.Fatalf("subscribe error = %v", err)
	}

	publishN(t, bus, 1)
	select {
	case ev := <-ch:
		if ev.SessionID != "sess-0" {
			t.Errorf("收到事件 = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("未收到事件")
	}

	// 取消订阅后通道关闭
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("取消后仍收到事件")
		}
	case <-time.After(time.Second):
		t.Fatal("通道未关闭")
	}
}

func TestPublishAfterClose(t *testing.T) {
	bus := NewMemoryEventBus()
	bus.Close()

	err := bus.PublishSessionEvent(context.Background(), &SessionEvent{Type: EventSessionReleased})
	if err == nil {
		t.Fatal("关闭后发布应报错")
	}
}

func TestRingBufferCap(t *testing.T) {
	bus := NewMemoryEventBus()
	defer bus.Close()
	publishN(t, bus, MaxStreamLength+10)

	all, _ := bus.GetSessionEvents(context.Background(), "", 0)
	if len(all) != MaxStreamLength {
		t.Errorf("环形缓冲区长度 = %d, want %d", len(all), MaxStreamLength)
	}
}
