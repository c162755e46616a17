// Package redis AgentPresence 缓存操作
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"ui-automation/internal/shared/cache"
	"ui-automation/internal/shared/model"
)

// AgentOnline 记录 Agent 在线（注册或状态变化）
func (s *Store) AgentOnline(ctx context.Context, info model.AgentInfo) error {
	data, err := json.Marshal(cache.AgentPresence{AgentInfo: info, UpdatedAt: time.Now()})
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.key, info.ID, data).Err()
}

// AgentOffline 移除 Agent
func (s *Store) AgentOffline(ctx context.Context, agentID string) error {
	return s.client.HDel(ctx, s.key, agentID).Err()
}

// ListAgents 列出在线 Agent（按 ID 排序）
func (s *Store) ListAgents(ctx context.Context) ([]model.AgentInfo, error) {
	values, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}

	agents := make([]model.AgentInfo, 0, len(values))
	for id, raw := range values {
		var p cache.AgentPresence
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode presence %s: %w", id, err)
		}
		agents = append(agents, p.AgentInfo)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

// ClearAgents 清空在线表（调度器启动时调用，上一个进程留下的记录已失效）
func (s *Store) ClearAgents(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}

// 确保 Store 实现了 Cache 接口
var _ cache.Cache = (*Store)(nil)
