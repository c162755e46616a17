// Package infra Redis 基础设施初始化
package infra

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"ui-automation/internal/shared/cache"
	cacheredis "ui-automation/internal/shared/cache/redis"
	"ui-automation/internal/shared/eventbus"
	eventbusredis "ui-automation/internal/shared/eventbus/redis"
)

// redisPingTimeout 启动时连通性检查超时
const redisPingTimeout = 5 * time.Second

// RedisInfra Redis 基础设施
//
// Agent 在线镜像和事件广播共用同一个客户端，客户端只在 Close 时关闭一次。
type RedisInfra struct {
	client   *redis.Client
	presence *cacheredis.Store
	events   *eventbusredis.Store
}

// NewRedisInfra 从 URL 创建 Redis 基础设施，channel 为事件广播频道
func NewRedisInfra(redisURL, channel string) (*RedisInfra, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis %s: %w", opts.Addr, err)
	}

	r := &RedisInfra{
		client:   client,
		presence: cacheredis.NewStoreFromClient(client, ""),
		events:   eventbusredis.NewStoreFromClient(client, channel),
	}
	log.Printf("[infra.redis] connected addr=%s db=%d channel=%s presence_key=%s",
		opts.Addr, opts.DB, r.events.Channel(), r.presence.Key())
	return r, nil
}

// Cache 返回 Agent 在线镜像
func (r *RedisInfra) Cache() cache.Cache {
	return r.presence
}

// EventBus 返回事件总线
func (r *RedisInfra) EventBus() eventbus.EventBus {
	return r.events
}

// Close 关闭 Redis 连接
func (r *RedisInfra) Close() error {
	return r.client.Close()
}
