// Package redis SessionEvents 事件总线操作
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"device-farm/internal/shared/eventbus"
)

const sessionStream = eventbus.KeySessionEvents + "all"

// PublishSessionEvent 发布会话事件
func (s *Store) PublishSessionEvent(ctx context.Context, event *eventbus.SessionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal session event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: sessionStream,
		MaxLen: eventbus.MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"type":      event.Type,
			"timestamp": event.Timestamp.Format(time.RFC3339Nano),
			"payload":   string(payload),
		},
	}

	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to publish session event: %w", err)
	}

	log.Printf("[Redis/EventBus] Published event: id=%s type=%s session=%s", id, event.Type, event.SessionID)
	return nil
}

// GetSessionEvents 获取历史会话事件
func (s *Store) GetSessionEvents(ctx context.Context, fromID string, count int64) ([]*eventbus.SessionEvent, error) {
	if fromID == "" {
		fromID = "0"
	}

	msgs, err := s.client.XRange(ctx, sessionStream, fromID, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session events: %w", err)
	}

	var events []*eventbus.SessionEvent
	for _, msg := range msgs {
		event := decodeSessionEvent(msg)
		if event == nil {
			continue
		}
		events = append(events, event)

		if count > 0 && int64(len(events)) >= count {
			break
		}
	}

	return events, nil
}

// SubscribeSessionEvents 订阅会话事件
func (s *Store) SubscribeSessionEvents(ctx context.Context) (<-chan *eventbus.SessionEvent, error) {
	ch := make(chan *eventbus.SessionEvent, 100)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			streams, err := s.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{sessionStream, lastID},
				Count:   10,
				Block:   5 * time.Second,
			}).Result()

			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				log.Printf("[Redis/EventBus] Event subscription error: %v", err)
				return
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					lastID = msg.ID
					event := decodeSessionEvent(msg)
					if event == nil {
						continue
					}

					select {
					case ch <- event:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

func decodeSessionEvent(msg redis.XMessage) *eventbus.SessionEvent {
	payload, ok := msg.Values["payload"].(string)
	if !ok {
		return nil
	}

	var event eventbus.SessionEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return nil
	}
	event.ID = msg.ID
	return &event
}

// 确保 Store 实现了 EventBus 接口
var _ eventbus.EventBus = (*Store)(nil)
