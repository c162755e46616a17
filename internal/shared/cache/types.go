// Package cache 缓存层类型定义
package cache

import (
	"time"

	"ui-automation/internal/shared/model"
)

// ============================================================================
// 缓存数据类型
// ============================================================================

// AgentPresence Agent 在线状态
type AgentPresence struct {
	model.AgentInfo
	UpdatedAt time.Time `json:"updatedAt"`
}

// ============================================================================
// Key 前缀和常量
// ============================================================================

const (
	// KeyAgentPresence 在线 Agent 哈希表（field 为 Agent ID）
	KeyAgentPresence = "uiauto:agents"
)
