// Package redis Agent 在线状态的 Redis 镜像
//
// 在线表是一个哈希：field 为 Agent ID，value 为 JSON 编码的 cache.AgentPresence。
// 多个调度器实例共享同一个 Redis 时应使用不同的 key。
package redis

import (
	"github.com/redis/go-redis/v9"

	"ui-automation/internal/shared/cache"
)

// Store Redis 在线状态存储
//
// 客户端由调用方持有和关闭，Store.Close 不关闭客户端。
type Store struct {
	client *redis.Client
	key    string
}

// NewStoreFromClient 使用已有客户端创建存储，key 为空时使用 cache.KeyAgentPresence
func NewStoreFromClient(client *redis.Client, key string) *Store {
	if key == "" {
		key = cache.KeyAgentPresence
	}
	return &Store{client: client, key: key}
}

// Key 返回在线表的 key
func (s *Store) Key() string {
	return s.key
}

// Close 释放存储（客户端由调用方关闭）
func (s *Store) Close() error {
	return nil
}
