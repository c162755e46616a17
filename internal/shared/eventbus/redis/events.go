// Package redis 基于 Redis Pub/Sub 的事件总线
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"ui-automation/internal/shared/eventbus"
	"ui-automation/internal/shared/model"
)

// Store Redis 事件总线
//
// 客户端由调用方持有和关闭，Store.Close 不关闭客户端。
type Store struct {
	client  *redis.Client
	channel string
}

// NewStoreFromClient 从现有 Redis 客户端创建事件总线
func NewStoreFromClient(client *redis.Client, channel string) *Store {
	return &Store{client: client, channel: channelOrDefault(channel)}
}

// Channel 返回 Pub/Sub 频道名
func (s *Store) Channel() string {
	return s.channel
}

// Publish 发布事件
func (s *Store) Publish(ctx context.Context, event *model.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe 订阅事件
//
// 无法解析的消息被跳过；下游消费过慢时丢弃事件而不是阻塞 Redis 连接。
func (s *Store) Subscribe(ctx context.Context) (<-chan *model.Event, error) {
	sub := s.client.Subscribe(ctx, s.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe %s: %w", s.channel, err)
	}

	ch := make(chan *model.Event, eventbus.SubscribeBuffer)
	go func() {
		defer close(ch)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event model.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.Printf("[eventbus.redis.invalid_payload] channel=%s error=%v", s.channel, err)
					continue
				}
				select {
				case ch <- &event:
				default:
					log.Printf("[eventbus.redis.dropped] channel=%s type=%s", s.channel, event.Type)
				}
			}
		}
	}()
	return ch, nil
}

// Close 释放事件总线（客户端由调用方关闭）
func (s *Store) Close() error {
	return nil
}

func channelOrDefault(channel string) string {
	if channel == "" {
		return eventbus.DefaultChannel
	}
	return channel
}

// 确保 Store 实现了 EventBus 接口
var _ eventbus.EventBus = (*Store)(nil)
