// Package cache 缓存层抽象接口
//
// 提供临时状态的存取能力，当前由 Redis 实现。
package cache

import (
	"context"

	"ui-automation/internal/shared/model"
)

// ============================================================================
// 缓存接口定义
// ============================================================================

// AgentPresenceCache Agent 在线状态缓存接口
//
// 调度器把注册表的变化镜像到缓存，供其他进程（看板、运维脚本）查询。
// 缓存不是注册表的真实来源，调度器从不读取它做调度决策。
type AgentPresenceCache interface {
	AgentOnline(ctx context.Context, info model.AgentInfo) error
	AgentOffline(ctx context.Context, agentID string) error
	ListAgents(ctx context.Context) ([]model.AgentInfo, error)
	ClearAgents(ctx context.Context) error
}

// ============================================================================
// 组合接口
// ============================================================================

// Cache 缓存组合接口
type Cache interface {
	AgentPresenceCache
	Close() error
}
