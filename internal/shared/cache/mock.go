// Package cache 缓存层 mock 实现
package cache

import (
	"context"

	"ui-automation/internal/shared/model"
)

// ============================================================================
// NoOpCache - 空操作的 Cache 实现（用于测试）
// ============================================================================

// NoOpCache 是一个不做任何操作的 Cache 实现
type NoOpCache struct{}

// NewNoOpCache 创建 NoOpCache 实例
func NewNoOpCache() *NoOpCache {
	return &NoOpCache{}
}

// Close 关闭缓存
func (c *NoOpCache) Close() error {
	return nil
}

// AgentPresenceCache 方法

func (c *NoOpCache) AgentOnline(ctx context.Context, info model.AgentInfo) error {
	return nil
}
func (c *NoOpCache) AgentOffline(ctx context.Context, agentID string) error {
	return nil
}
func (c *NoOpCache) ListAgents(ctx context.Context) ([]model.AgentInfo, error) {
	return []model.AgentInfo{}, nil
}
func (c *NoOpCache) ClearAgents(ctx context.Context) error {
	return nil
}

// 确保 NoOpCache 实现了 Cache 接口
var _ Cache = (*NoOpCache)(nil)
